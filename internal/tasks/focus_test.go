package tasks

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/openmates/core/internal/config"
)

type focusFixture struct {
	coordinator *FocusCoordinator
	store       *fakeStore
	sink        *fakeSink
	key         []byte
}

func newFocusFixture(t *testing.T, cfg Config) *focusFixture {
	t.Helper()

	if cfg.InternalTimeout == 0 {
		cfg.InternalTimeout = 2 * time.Second
	}
	if cfg.FocusAutoConfirm == 0 {
		cfg.FocusAutoConfirm = time.Hour
	}
	if cfg.FocusPendingTTL == 0 {
		cfg.FocusPendingTTL = 2 * time.Hour
	}

	fx := &focusFixture{
		store: newFakeStore(),
		sink:  &fakeSink{},
		key:   testChatKey(),
	}
	fx.coordinator = NewFocusCoordinator(fx.store, fx.sink, testTransit(t), cfg, testLogger())
	t.Cleanup(fx.coordinator.Stop)
	return fx
}

func (fx *focusFixture) envelope() *Envelope {
	return &Envelope{
		TaskID:   "task-orig",
		AppID:    "ai",
		Queue:    QueueForApp("ai"),
		UserHash: "user-hash-1",
		ChatID:   "chat-1",
		ChatKey:  base64.StdEncoding.EncodeToString(fx.key),
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFocusActivateCommitsEncryptedID(t *testing.T) {
	fx := newFocusFixture(t, Config{})

	if err := fx.coordinator.Activate(context.Background(), fx.envelope(), fx.key, "ai", "research"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	fx.store.mu.Lock()
	updates := append([]string(nil), fx.store.focusUpdates...)
	fx.store.mu.Unlock()
	if len(updates) != 1 {
		t.Fatalf("focus updates = %d, want 1", len(updates))
	}
	plain, err := decryptWithChatKey(fx.key, updates[0])
	if err != nil {
		t.Fatalf("decrypt stored focus: %v", err)
	}
	if string(plain) != "ai:research" {
		t.Errorf("stored focus = %q, want ai:research", plain)
	}

	events := fx.sink.eventsOfType(EventFocusUpdated)
	if len(events) != 1 {
		t.Fatalf("focus updated events = %d, want 1", len(events))
	}
	if events[0].Get("encrypted_active_focus_id").String() == "" {
		t.Error("event is missing the encrypted focus id")
	}
	if events[0].Get("focus_v").Int() != 1 {
		t.Errorf("focus_v = %d, want 1", events[0].Get("focus_v").Int())
	}
}

func TestFocusAutoConfirmCommits(t *testing.T) {
	fx := newFocusFixture(t, Config{FocusAutoConfirm: 20 * time.Millisecond, FocusPendingTTL: time.Minute})
	fc := &config.FocusConfig{ID: "research", Name: "Research", Prompt: "Research mode."}

	if err := fx.coordinator.Propose(fx.envelope(), fx.key, "ai", fc); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if fx.store.pendingFor("chat-1") == "" {
		t.Fatal("no pending record after Propose")
	}

	waitFor(t, 2*time.Second, "auto-confirm to commit the focus", func() bool {
		return fx.store.focusUpdateCount() == 1
	})

	fx.store.mu.Lock()
	stored := fx.store.focusUpdates[0]
	fx.store.mu.Unlock()
	plain, err := decryptWithChatKey(fx.key, stored)
	if err != nil {
		t.Fatalf("decrypt committed focus: %v", err)
	}
	if string(plain) != "ai:research" {
		t.Errorf("committed focus = %q, want ai:research", plain)
	}
	if fx.store.pendingFor("chat-1") != "" {
		t.Error("pending record survived the auto-confirm")
	}
}

func TestFocusRejectionWinsRace(t *testing.T) {
	fx := newFocusFixture(t, Config{FocusAutoConfirm: time.Hour})
	fc := &config.FocusConfig{ID: "research", Name: "Research", Prompt: "Research mode."}

	if err := fx.coordinator.Propose(fx.envelope(), fx.key, "ai", fc); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	record, key, err := fx.coordinator.TakePending(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("TakePending: %v", err)
	}
	if record == nil {
		t.Fatal("TakePending returned nothing, want the proposal")
	}
	if record.AppID != "ai" || record.FocusID != "research" {
		t.Errorf("record focus = %s:%s", record.AppID, record.FocusID)
	}
	if record.Env.TaskID != "task-orig" {
		t.Errorf("record task id = %q", record.Env.TaskID)
	}
	if !bytes.Equal(key, fx.key) {
		t.Error("unwrapped chat key does not match the original")
	}

	// The proposal is consumed exactly once; the timer side finds nothing.
	record, _, err = fx.coordinator.TakePending(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("second TakePending: %v", err)
	}
	if record != nil {
		t.Fatal("proposal was claimable twice")
	}

	if fx.store.focusUpdateCount() != 0 {
		t.Errorf("focus updates = %d, want 0 after a rejection", fx.store.focusUpdateCount())
	}
}

func TestFocusDeactivateClearsAndBroadcasts(t *testing.T) {
	fx := newFocusFixture(t, Config{})

	if err := fx.coordinator.Deactivate(context.Background(), "user-hash-1", "chat-1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	fx.store.mu.Lock()
	updates := append([]string(nil), fx.store.focusUpdates...)
	fx.store.mu.Unlock()
	if len(updates) != 1 || updates[0] != "" {
		t.Fatalf("focus updates = %v, want one empty write", updates)
	}

	events := fx.sink.eventsOfType(EventFocusUpdated)
	if len(events) != 1 {
		t.Fatalf("focus updated events = %d, want 1", len(events))
	}
	if events[0].Get("encrypted_active_focus_id").String() != "" {
		t.Error("deactivation event should carry no ciphertext")
	}
}
