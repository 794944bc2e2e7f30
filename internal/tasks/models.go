// Package tasks runs AI tasks: one task per user message, producing one
// assistant message. Tasks travel over named NATS queues (one per app tag);
// each instance consumes with a queue subscription so a task runs exactly
// once. The runner is a state machine
//
//	QUEUED → RUNNING → [ STREAMING → TOOL_CALLS? → STREAMING … ] → DONE | CANCELLED | FAILED
//
// with cancellation observed at suspension points: before each provider
// call, between streamed chunks, before each skill dispatch, and before the
// persistence enqueue.
package tasks

import (
	"fmt"
	"strings"
	"time"
)

// Task states. Queued through tool_calls are in-flight; done, cancelled,
// failed, and scheduled are terminal for one run.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateStreaming = "streaming"
	StateToolCalls = "tool_calls"
	StateDone      = "done"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
	StateScheduled = "scheduled"
)

const (
	subjectPrefix = "tasks."
	revokeSubject = "tasks.control.revoke"
	workersGroup  = "task-workers"
)

// QueueForApp returns the named queue for an app tag ("ai" → "app_ai").
func QueueForApp(appID string) string {
	return "app_" + strings.ToLower(appID)
}

func subjectFor(queue string) string {
	return subjectPrefix + queue
}

// Envelope is one queued task. It is the only payload that crosses the
// broker; everything the runner needs to produce the assistant message is
// in here or reachable through the stores by id.
//
// ChatKey is the client-supplied symmetric key for this chat, base64. It
// exists only in flight: the runner uses it to decrypt history and encrypt
// the assistant reply, and it is never persisted in plaintext.
type Envelope struct {
	TaskID     string `json:"task_id"`
	AppID      string `json:"app_id"`
	Queue      string `json:"queue"`
	UserHash   string `json:"user_id_hash"`
	DeviceHash string `json:"device_fingerprint_hash"`
	ChatID     string `json:"chat_id"`

	// MessageID is the triggering user message, already committed by the
	// router before the task was enqueued.
	MessageID string `json:"message_id"`

	ChatKey string `json:"chat_key"`

	// ActiveFocusID is the chat's active focus as "app_id:focus_id", empty
	// when none. The client sends it plaintext so the runner can build the
	// system prompt without a decrypt round-trip.
	ActiveFocusID string `json:"active_focus_id,omitempty"`

	// ContinuationMessageID, when set, is the assistant message this run
	// replaces. A focus rejection re-fires the task with the original
	// task's id here so the continuation lands in the same bubble.
	ContinuationMessageID string `json:"continuation_message_id,omitempty"`

	// Attempt counts rate-limit re-enqueues of this task.
	Attempt int `json:"attempt,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate checks the fields without which a task cannot run.
func (e *Envelope) Validate() error {
	switch {
	case e.TaskID == "":
		return fmt.Errorf("task_id must be non-empty")
	case e.UserHash == "":
		return fmt.Errorf("user_id_hash must be non-empty")
	case e.ChatID == "":
		return fmt.Errorf("chat_id must be non-empty")
	case e.Queue == "":
		return fmt.Errorf("queue must be non-empty")
	}

	if _, err := decodeChatKey(e.ChatKey); err != nil {
		return err
	}

	return nil
}

// AssistantMessageID is the id of the assistant message this run writes. A
// continuation reuses the original bubble; a fresh run uses the task id.
func (e *Envelope) AssistantMessageID() string {
	if e.ContinuationMessageID != "" {
		return e.ContinuationMessageID
	}
	return e.TaskID
}

// FocusRef splits ActiveFocusID into its app and focus parts.
func (e *Envelope) FocusRef() (appID, focusID string, ok bool) {
	appID, focusID, ok = strings.Cut(e.ActiveFocusID, ":")
	if !ok || appID == "" || focusID == "" {
		return "", "", false
	}
	return appID, focusID, true
}

// ScheduledRetry reports that a provider rate limit deferred the task
// before anything was sent. The dispatcher re-enqueues after WaitSeconds.
type ScheduledRetry struct {
	TaskID      string  `json:"task_id"`
	WaitSeconds float64 `json:"wait_seconds"`
}

// Result is the outcome of one run. Scheduled is set instead of a terminal
// state when the task must be re-enqueued.
type Result struct {
	State     string
	Scheduled *ScheduledRetry
	Err       error
}

// revokeSignal is broadcast to every instance when a task is revoked; the
// instance running the task cancels its provider context.
type revokeSignal struct {
	TaskID     string `json:"task_id"`
	InstanceID string `json:"instance_id"`
}
