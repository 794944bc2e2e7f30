package notifications

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/wneessen/go-mail"

	"github.com/openmates/core/internal/chatstore"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/vault"
)

type mockActivity struct{ active bool }

func (m *mockActivity) IsUserActive(string) bool { return m.active }

type mockSettings struct {
	settings *chatstore.NotificationSettings
	err      error
	calls    int
}

func (m *mockSettings) GetNotificationSettings(context.Context, string) (*chatstore.NotificationSettings, error) {
	m.calls++
	return m.settings, m.err
}

type mockMailer struct {
	sent []*mail.Msg
	err  error
}

func (m *mockMailer) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	m.sent = append(m.sent, messages...)
	return m.err
}

func notifTestLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func notifTestTransit(t *testing.T) vault.Transit {
	t.Helper()
	transit, err := vault.NewLocalTransit("dGVzdC1tYXN0ZXIta2V5LXRlc3QtbWFzdGVyLWtleS0=")
	if err != nil {
		t.Fatalf("NewLocalTransit: %v", err)
	}
	return transit
}

func TestReplyReadySendsToAbsentUser(t *testing.T) {
	transit := notifTestTransit(t)
	const userHash = "hash-1"

	encrypted, err := transit.Encrypt(context.Background(), vault.UserKeyID(userHash), []byte("user@example.com"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	mailer := &mockMailer{}
	svc := NewService(
		&mockActivity{active: false},
		&mockSettings{settings: &chatstore.NotificationSettings{
			HashedUserID:   userHash,
			Enabled:        true,
			NotifyOnDone:   true,
			EncryptedEmail: encrypted,
		}},
		transit, mailer, "mates@openmates.org", notifTestLogger())

	svc.ReplyReady(userHash)

	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(mailer.sent))
	}
	var rendered strings.Builder
	if _, err := mailer.sent[0].WriteTo(&rendered); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if !strings.Contains(rendered.String(), "user@example.com") {
		t.Errorf("message does not address the decrypted recipient:\n%s", rendered.String())
	}
}

func TestReplyReadySkips(t *testing.T) {
	transit := notifTestTransit(t)

	tests := []struct {
		name     string
		active   bool
		settings *chatstore.NotificationSettings
		err      error
		// lookups asserts whether settings were even consulted.
		lookups int
	}{
		{
			name:    "user has a live device",
			active:  true,
			lookups: 0,
		},
		{
			name:    "no settings stored",
			lookups: 1,
		},
		{
			name:     "notifications disabled",
			settings: &chatstore.NotificationSettings{Enabled: false, NotifyOnDone: true, EncryptedEmail: "vault:v1:x"},
			lookups:  1,
		},
		{
			name:     "done notifications off",
			settings: &chatstore.NotificationSettings{Enabled: true, NotifyOnDone: false, EncryptedEmail: "vault:v1:x"},
			lookups:  1,
		},
		{
			name:     "no address on file",
			settings: &chatstore.NotificationSettings{Enabled: true, NotifyOnDone: true},
			lookups:  1,
		},
		{
			name:    "settings lookup fails",
			err:     errors.New("firestore down"),
			lookups: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mailer := &mockMailer{}
			source := &mockSettings{settings: tt.settings, err: tt.err}
			svc := NewService(&mockActivity{active: tt.active}, source, transit,
				mailer, "mates@openmates.org", notifTestLogger())

			svc.ReplyReady("hash-1")

			if len(mailer.sent) != 0 {
				t.Errorf("sent %d messages, want 0", len(mailer.sent))
			}
			if source.calls != tt.lookups {
				t.Errorf("settings lookups = %d, want %d", source.calls, tt.lookups)
			}
		})
	}
}
