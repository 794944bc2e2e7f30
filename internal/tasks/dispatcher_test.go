package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/provider"
)

func newLocalDispatcher(t *testing.T, fx *runnerFixture) *Dispatcher {
	t.Helper()

	d := NewDispatcher(DispatcherOptions{
		Runner: fx.runner,
		Flags:  fx.flags,
		Focus:  fx.focus,
		Logger: testLogger(),
	})
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestDispatcherLocalModeRunsTask(t *testing.T) {
	fx := newRunnerFixture(t, nil, Config{})
	fx.seedUserMessage(t, "hello")
	fx.streamer.script = []streamScript{{chunks: textAndUsage("Hi.")}}
	d := newLocalDispatcher(t, fx)

	if err := d.Enqueue(context.Background(), fx.envelope("task-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, "the task to persist its message", func() bool {
		return fx.store.savedCount() == 1
	})
	saved := fx.store.lastSaved(t)
	if saved.Status != StateDone {
		t.Errorf("saved status = %q, want %q", saved.Status, StateDone)
	}
}

func TestDispatcherInterruptCancelsQueuedTask(t *testing.T) {
	fx := newRunnerFixture(t, nil, Config{})
	fx.seedUserMessage(t, "hello")
	fx.streamer.script = []streamScript{{chunks: textAndUsage("never sent")}}
	d := newLocalDispatcher(t, fx)

	if err := d.Interrupt(context.Background(), "task-1"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	fx.flags.mu.Lock()
	revoked := fx.flags.revoked["task-1"]
	fx.flags.mu.Unlock()
	if !revoked {
		t.Fatal("Interrupt did not set the revocation flag")
	}

	if err := d.Enqueue(context.Background(), fx.envelope("task-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, "the revoked task to settle", func() bool {
		return fx.store.savedCount() == 1
	})
	if saved := fx.store.lastSaved(t); saved.Status != StateCancelled {
		t.Errorf("saved status = %q, want %q", saved.Status, StateCancelled)
	}
	if fx.streamer.callCount() != 0 {
		t.Errorf("stream calls = %d, want 0 for a pre-revoked task", fx.streamer.callCount())
	}
}

func TestDispatcherRejectFocusWithoutPendingDeactivates(t *testing.T) {
	fx := newRunnerFixture(t, nil, Config{})
	d := newLocalDispatcher(t, fx)

	caught, err := d.RejectFocus(context.Background(), "user-hash-1", "chat-1")
	if err != nil {
		t.Fatalf("RejectFocus: %v", err)
	}
	if caught {
		t.Fatal("caught = true with nothing pending")
	}

	fx.store.mu.Lock()
	updates := append([]string(nil), fx.store.focusUpdates...)
	fx.store.mu.Unlock()
	if len(updates) != 1 || updates[0] != "" {
		t.Fatalf("focus updates = %v, want one deactivation", updates)
	}
}

func TestDispatcherRejectFocusReFiresTask(t *testing.T) {
	fx := newRunnerFixture(t, nil, Config{FocusAutoConfirm: time.Hour})
	fx.seedUserMessage(t, "original question")
	fx.streamer.script = []streamScript{{chunks: textAndUsage("Replayed without the focus.")}}
	d := newLocalDispatcher(t, fx)

	orig := fx.envelope("task-orig")
	fc := &config.FocusConfig{ID: "research", Name: "Research", Prompt: "Research mode."}
	if err := fx.focus.Propose(orig, fx.key, "ai", fc); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	caught, err := d.RejectFocus(context.Background(), "user-hash-1", "chat-1")
	if err != nil {
		t.Fatalf("RejectFocus: %v", err)
	}
	if !caught {
		t.Fatal("caught = false, want the rejection to win")
	}

	waitFor(t, 2*time.Second, "the re-fired task to persist", func() bool {
		return fx.store.savedCount() == 1
	})
	saved := fx.store.lastSaved(t)
	if saved.MessageID != "task-orig" {
		t.Errorf("message id = %q, want the original bubble task-orig", saved.MessageID)
	}
	if saved.TaskID == "" || saved.TaskID == "task-orig" {
		t.Errorf("task id = %q, want a fresh id", saved.TaskID)
	}
	if got := decryptSaved(t, fx.key, saved); got != "Replayed without the focus." {
		t.Errorf("saved content = %q", got)
	}
	if fx.store.focusUpdateCount() != 0 {
		t.Errorf("focus updates = %d, want 0 (nothing was committed)", fx.store.focusUpdateCount())
	}
}

func TestDispatcherSchedulesRetryThenAbandons(t *testing.T) {
	fx := newRunnerFixture(t, nil, Config{})
	fx.seedUserMessage(t, "hello")
	fx.streamer.script = []streamScript{{
		err: &provider.RateLimitedError{Provider: "test", RetryAfter: time.Millisecond},
	}}
	d := newLocalDispatcher(t, fx)

	if err := d.Enqueue(context.Background(), fx.envelope("task-rl")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, "the task to be abandoned", func() bool {
		return containsString(directMessages(fx.sink.directSends()), "Failed to process message")
	})

	sends := fx.sink.directSends()
	msgs := directMessages(sends)
	scheduled := 0
	for _, m := range msgs {
		if m == "Task scheduled due to rate limit" {
			scheduled++
		}
	}
	if scheduled != maxScheduledAttempts-1 {
		t.Errorf("scheduled notices = %d, want %d", scheduled, maxScheduledAttempts-1)
	}
	if msgs[len(msgs)-1] != "Failed to process message" {
		t.Errorf("final notice = %q", msgs[len(msgs)-1])
	}
	if fx.streamer.callCount() != maxScheduledAttempts {
		t.Errorf("stream attempts = %d, want %d", fx.streamer.callCount(), maxScheduledAttempts)
	}
	if got := fx.flags.activeTask("chat-1"); got != "" {
		t.Errorf("active task marker = %q, want cleared after abandoning", got)
	}
	if fx.store.savedCount() != 0 {
		t.Errorf("persisted messages = %d, want 0", fx.store.savedCount())
	}
}

func TestDispatcherStopRejectsNewTasks(t *testing.T) {
	fx := newRunnerFixture(t, nil, Config{})
	d := NewDispatcher(DispatcherOptions{
		Runner: fx.runner,
		Flags:  fx.flags,
		Focus:  fx.focus,
		Logger: testLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Enqueue(context.Background(), fx.envelope("task-1")); err == nil {
		t.Fatal("Enqueue after Stop succeeded, want an error")
	}
}

func directMessages(sends []directSend) []string {
	msgs := make([]string, 0, len(sends))
	for _, s := range sends {
		msgs = append(msgs, messageField(s.data))
	}
	return msgs
}

func messageField(data []byte) string {
	var ev ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ""
	}
	return ev.Message
}
