package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/vault"
)

// pendingActivation is the claimable focus proposal cached while the
// auto-confirm countdown runs. It carries everything needed to re-fire the
// task if the client rejects: the envelope with the chat key stripped, plus
// the chat key wrapped with the user's transit key so the record never holds
// usable key material in the clear.
type pendingActivation struct {
	Env            Envelope  `json:"env"`
	AppID          string    `json:"app_id"`
	FocusID        string    `json:"focus_id"`
	WrappedChatKey string    `json:"wrapped_chat_key"`
	ProposedAt     time.Time `json:"proposed_at"`
}

// FocusCoordinator owns the focus lifecycle: immediate activation for
// explicit user directives, and the propose / auto-confirm / reject dance
// for model-initiated changes. Exactly one of client rejection and the
// countdown timer consumes a proposal; the cache's atomic get-and-delete
// picks the winner, so the race is settled even when the rejection lands on
// a different instance than the one running the timer.
type FocusCoordinator struct {
	store   Store
	sink    EventSink
	transit vault.Transit
	cfg     Config
	logger  *logger.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewFocusCoordinator(store Store, sink EventSink, transit vault.Transit, cfg Config, log *logger.Logger) *FocusCoordinator {
	return &FocusCoordinator{
		store:   store,
		sink:    sink,
		transit: transit,
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("focus"),
		timers:  make(map[string]*time.Timer),
	}
}

// Activate commits a focus on the chat immediately and broadcasts the new
// encrypted focus state. Used for explicit @focus directives and by the
// auto-confirm timer; model proposals go through Propose first.
func (f *FocusCoordinator) Activate(ctx context.Context, env *Envelope, key []byte, appID, focusID string) error {
	encrypted, err := encryptWithChatKey(key, []byte(appID+":"+focusID))
	if err != nil {
		return fmt.Errorf("encrypt focus id: %w", err)
	}

	version, err := f.store.UpdateChatActiveFocusID(ctx, env.ChatID, encrypted)
	if err != nil {
		return err
	}

	f.broadcast(env.UserHash, encodeEvent(FocusUpdatedEvent{
		Type:                   EventFocusUpdated,
		ChatID:                 env.ChatID,
		EncryptedActiveFocusID: encrypted,
		FocusVersion:           version,
	}))
	f.logger.Info("focus activated",
		"chat_id", env.ChatID, "app_id", appID, "focus_id", focusID, "focus_v", version)
	return nil
}

// Propose stores a claimable activation, starts the auto-confirm countdown,
// and tells every device a proposal is pending. The record's TTL outlives
// the countdown slightly so a timer delayed by load cannot find its record
// expired while a rejection could still claim it.
func (f *FocusCoordinator) Propose(env *Envelope, key []byte, appID string, fc *config.FocusConfig) error {
	ctx, cancel := f.opCtx()
	defer cancel()

	wrapped, err := f.transit.Encrypt(ctx, vault.UserKeyID(env.UserHash), key)
	if err != nil {
		return fmt.Errorf("wrap chat key: %w", err)
	}

	record := pendingActivation{
		Env:            *env,
		AppID:          appID,
		FocusID:        fc.ID,
		WrappedChatKey: wrapped,
		ProposedAt:     time.Now().UTC(),
	}
	record.Env.ChatKey = ""

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal pending activation: %w", err)
	}
	if err := f.store.SetPendingFocusActivation(ctx, env.ChatID, string(payload), f.cfg.FocusPendingTTL); err != nil {
		return err
	}

	f.armTimer(env.ChatID)

	f.broadcast(env.UserHash, encodeEvent(FocusProposedEvent{
		Type:             EventFocusProposed,
		ChatID:           env.ChatID,
		TaskID:           env.TaskID,
		AppID:            appID,
		FocusID:          fc.ID,
		FocusName:        fc.Name,
		CountdownSeconds: int(f.cfg.FocusAutoConfirm / time.Second),
	}))
	f.logger.Info("focus proposed",
		"chat_id", env.ChatID,
		"app_id", appID,
		"focus_id", fc.ID,
		"countdown_seconds", int(f.cfg.FocusAutoConfirm/time.Second))
	return nil
}

// TakePending atomically consumes a chat's pending activation and unwraps
// its chat key. Returns (nil, nil, nil) when nothing is pending, which means
// the other side of the race got there first or the record expired.
func (f *FocusCoordinator) TakePending(ctx context.Context, chatID string) (*pendingActivation, []byte, error) {
	f.dropTimer(chatID)

	payload, err := f.store.GetAndDeletePendingFocusActivation(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	if payload == "" {
		return nil, nil, nil
	}

	var record pendingActivation
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, nil, fmt.Errorf("unmarshal pending activation: %w", err)
	}

	key, err := f.transit.Decrypt(ctx, vault.UserKeyID(record.Env.UserHash), record.WrappedChatKey)
	if err != nil {
		return nil, nil, fmt.Errorf("unwrap chat key: %w", err)
	}
	return &record, key, nil
}

// Deactivate clears the chat's focus and broadcasts the change. This is the
// fallback when a rejection arrives after the proposal already confirmed.
func (f *FocusCoordinator) Deactivate(ctx context.Context, userHash, chatID string) error {
	version, err := f.store.UpdateChatActiveFocusID(ctx, chatID, "")
	if err != nil {
		return err
	}

	f.broadcast(userHash, encodeEvent(FocusUpdatedEvent{
		Type:         EventFocusUpdated,
		ChatID:       chatID,
		FocusVersion: version,
	}))
	f.logger.Info("focus deactivated", "chat_id", chatID, "focus_v", version)
	return nil
}

// Stop cancels every countdown timer. Unconsumed records expire on their
// cache TTL, and rejections handled by other instances keep working.
func (f *FocusCoordinator) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.timers {
		t.Stop()
		delete(f.timers, id)
	}
}

// armTimer schedules the auto-confirm for a chat, replacing any countdown
// still running for an earlier proposal.
func (f *FocusCoordinator) armTimer(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.timers[chatID]; ok {
		t.Stop()
	}
	f.timers[chatID] = time.AfterFunc(f.cfg.FocusAutoConfirm, func() { f.autoConfirm(chatID) })
}

func (f *FocusCoordinator) dropTimer(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.timers[chatID]; ok {
		t.Stop()
		delete(f.timers, chatID)
	}
}

// autoConfirm fires when the countdown lapses without a client rejection.
// Losing the get-and-delete race means the client rejected in time and there
// is nothing left to do.
func (f *FocusCoordinator) autoConfirm(chatID string) {
	ctx, cancel := f.opCtx()
	defer cancel()

	record, key, err := f.TakePending(ctx, chatID)
	if err != nil {
		f.logger.Error("auto-confirm failed to consume proposal",
			"chat_id", chatID, "error", err.Error())
		return
	}
	if record == nil {
		f.logger.Info("focus proposal already consumed", "chat_id", chatID)
		return
	}

	if err := f.Activate(ctx, &record.Env, key, record.AppID, record.FocusID); err != nil {
		f.logger.Error("focus auto-confirm failed", "chat_id", chatID, "error", err.Error())
	}
}

func (f *FocusCoordinator) broadcast(userHash string, data []byte) {
	if f.sink == nil {
		return
	}
	f.sink.Broadcast(userHash, data, "")
}

func (f *FocusCoordinator) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.cfg.InternalTimeout)
}
