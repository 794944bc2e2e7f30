// Package notifications emails users whose reply finished while none of
// their devices was connected. The address is stored Transit-encrypted and
// decrypted only for the moment of sending; users with a live connection or
// a device inside its reconnection grace window are never emailed.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/openmates/core/internal/chatstore"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/vault"
)

// sendTimeout bounds one settings lookup + decrypt + SMTP delivery.
const sendTimeout = 30 * time.Second

// ActivityChecker reports whether a user currently counts as present.
// Satisfied by *connections.Manager.
type ActivityChecker interface {
	IsUserActive(userHash string) bool
}

// SettingsSource reads stored notification preferences. Satisfied by
// *chatstore.FirestoreStore.
type SettingsSource interface {
	GetNotificationSettings(ctx context.Context, hashedUserID string) (*chatstore.NotificationSettings, error)
}

// Mailer delivers one composed message. Satisfied by *mail.Client.
type Mailer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Config carries the SMTP settings for the sender.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Service sends "reply ready" emails.
type Service struct {
	activity ActivityChecker
	settings SettingsSource
	transit  vault.Transit
	mailer   Mailer
	from     string
	logger   *logger.Logger
}

// NewService wires the sender. mailer may be built with NewMailer or
// substituted in tests.
func NewService(activity ActivityChecker, settings SettingsSource, transit vault.Transit,
	mailer Mailer, from string, log *logger.Logger) *Service {
	return &Service{
		activity: activity,
		settings: settings,
		transit:  transit,
		mailer:   mailer,
		from:     from,
		logger:   log.WithComponent("notifications"),
	}
}

// NewMailer dials SMTP with the usual submission settings.
func NewMailer(cfg Config) (*mail.Client, error) {
	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return client, nil
}

// ReplyReady notifies one user that an assistant reply finished. Called by
// the task runner after terminal persistence; runs in its own goroutine so
// it never blocks task completion. Every early exit is silent by design:
// active users, users without settings, and users who opted out all just
// don't get mail.
func (s *Service) ReplyReady(userHash string) {
	if s.activity.IsUserActive(userHash) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	settings, err := s.settings.GetNotificationSettings(ctx, userHash)
	if err != nil {
		s.logger.Warn("failed to load notification settings",
			"user_hash", userHash, "error", err.Error())
		return
	}
	if settings == nil || !settings.Enabled || !settings.NotifyOnDone || settings.EncryptedEmail == "" {
		return
	}

	address, err := s.transit.Decrypt(ctx, vault.UserKeyID(userHash), settings.EncryptedEmail)
	if err != nil {
		s.logger.Error("failed to decrypt notification address",
			"user_hash", userHash, "error", err.Error())
		return
	}

	if err := s.send(ctx, string(address)); err != nil {
		s.logger.Error("failed to send reply notification",
			"user_hash", userHash, "error", err.Error())
		return
	}

	s.logger.Info("reply notification sent", "user_hash", userHash)
}

// send composes and delivers the coarse notification. The body carries no
// chat content; the server has none to leak.
func (s *Service) send(ctx context.Context, to string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject("Your reply is ready")
	msg.SetBodyString(mail.TypeTextPlain,
		"One of your mates finished a reply while you were away. Open the app to read it.")

	return s.mailer.DialAndSendWithContext(ctx, msg)
}
