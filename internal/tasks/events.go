package tasks

import "encoding/json"

// Outbound WS event names the runner emits. Names are wire contract.
const (
	EventTaskStarted      = "ai_task_started"
	EventMessageChunk     = "ai_message_chunk"
	EventThinkingChunk    = "ai_thinking_chunk"
	EventMessageCompleted = "ai_message_completed"
	EventFocusProposed    = "focus_mode_proposed"
	EventFocusUpdated     = "chat_focus_updated"
	EventError            = "error"
)

// TaskStartedEvent announces that the runner picked up a task. Clients show
// the typing indicator for the chat on receipt.
type TaskStartedEvent struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	MateID    string `json:"mate_id,omitempty"`
}

// MessageChunkEvent carries one streamed fragment. Seq orders fragments on
// the client; thinking and text share the sequence so interleaving renders
// in emission order.
type MessageChunkEvent struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Seq       int    `json:"seq"`
	Content   string `json:"content"`
}

// MessageCompletedEvent closes the assistant bubble. EncryptedContent lets
// sibling devices store the message without a refetch; MessagesVersion is
// the chat's counter after the commit.
type MessageCompletedEvent struct {
	Type             string `json:"type"`
	TaskID           string `json:"task_id"`
	ChatID           string `json:"chat_id"`
	MessageID        string `json:"message_id"`
	Status           string `json:"status"`
	EncryptedContent string `json:"encrypted_content,omitempty"`
	MessagesVersion  int64  `json:"messages_v,omitempty"`
}

// FocusProposedEvent starts the client-side rejection countdown for a focus
// the model selected.
type FocusProposedEvent struct {
	Type             string `json:"type"`
	ChatID           string `json:"chat_id"`
	TaskID           string `json:"task_id"`
	AppID            string `json:"app_id"`
	FocusID          string `json:"focus_id"`
	FocusName        string `json:"focus_name,omitempty"`
	CountdownSeconds int    `json:"countdown_seconds"`
}

// FocusUpdatedEvent syncs an activation or deactivation of the chat's focus
// across devices.
type FocusUpdatedEvent struct {
	Type                   string `json:"type"`
	ChatID                 string `json:"chat_id"`
	EncryptedActiveFocusID string `json:"encrypted_active_focus_id"`
	FocusVersion           int64  `json:"focus_v"`
}

// ErrorEvent is delivered to the originating device only; siblings never
// see task failures, so a multi-device user gets exactly one toast.
type ErrorEvent struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// encodeEvent marshals an event struct for the socket. The event structs
// contain nothing unmarshalable, so the error path is unreachable.
func encodeEvent(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
