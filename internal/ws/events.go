// Package ws is the WebSocket message router: one read loop per device
// connection, dispatching inbound events by their type field to handlers
// that apply the cache-commit → durable-enqueue → sibling-broadcast
// sequence. Event names on both directions are wire contract.
package ws

import (
	"encoding/json"
	"time"

	"github.com/openmates/core/internal/chatstore"
	"github.com/openmates/core/internal/embeds"
)

// Inbound event types.
const (
	TypeMessageReceived          = "message_received"
	TypeCancelAITask             = "cancel_ai_task"
	TypeCancelSkill              = "cancel_skill"
	TypeFocusModeRejected        = "focus_mode_rejected"
	TypeChatFocusChanged         = "chat_focus_changed"
	TypeChatTitleUpdated         = "chat_title_updated"
	TypeStoreEmbed               = "store_embed"
	TypeStoreEmbedKeys           = "store_embed_keys"
	TypeRequestEmbed             = "request_embed"
	TypeDeleteMessage            = "delete_message"
	TypeDeleteChat               = "delete_chat"
	TypeDeleteNewChatSuggestion  = "delete_new_chat_suggestion"
	TypeEmailNotificationSetting = "email_notification_settings"
	TypeChatSystemMessageAdded   = "chat_system_message_added"
	TypeLoadMoreChats            = "load_more_chats"
	TypeLoadChatMessages         = "load_chat_messages"
	TypeSetActiveChat            = "set_active_chat"
)

// Outbound event types. The runner emits its own set (ai_task_started,
// ai_message_chunk, ...) through the same sockets; these are the router's.
const (
	TypeMessageDeleted               = "message_deleted"
	TypeChatDeleted                  = "chat_deleted"
	TypeNewSystemMessage             = "new_system_message"
	TypeEmbedUpdate                  = "embed_update"
	TypeSendEmbedData                = "send_embed_data"
	TypeStoreEmbedKeysAck            = "store_embed_keys_ack"
	TypeAITaskCancelRequested        = "ai_task_cancel_requested"
	TypeSkillCancelRequested         = "skill_cancel_requested"
	TypeFocusModeRejectedAck         = "focus_mode_rejected_ack"
	TypeLoadMoreChatsResponse        = "load_more_chats_response"
	TypeLoadChatMessagesResponse     = "load_chat_messages_response"
	TypeEmailNotificationSettingsAck = "email_notification_settings_ack"
	TypeEmailNotificationsUpdated    = "email_notification_settings_updated"
	TypeError                        = "error"
)

// eventHead is the first decode pass: just enough to route.
type eventHead struct {
	Type string `json:"type"`
}

// messageReceivedPayload is a user message plus the chat container it rides
// in. All encrypted_* fields are opaque to the server; chat_key is the
// in-flight key the runner needs and is never persisted.
type messageReceivedPayload struct {
	ChatID           string `json:"chat_id"`
	MessageID        string `json:"message_id"`
	HashedMessageID  string `json:"hashed_message_id,omitempty"`
	AppID            string `json:"app_id,omitempty"`
	EncryptedContent string `json:"encrypted_content"`
	ChatKey          string `json:"chat_key,omitempty"`
	ActiveFocusID    string `json:"active_focus_id,omitempty"`

	EncryptedTitle       string    `json:"encrypted_title,omitempty"`
	EncryptedChatKey     string    `json:"encrypted_chat_key,omitempty"`
	EncryptedActiveFocus string    `json:"encrypted_active_focus_id,omitempty"`
	EncryptedCategory    string    `json:"encrypted_category,omitempty"`
	Pinned               bool      `json:"pinned,omitempty"`
	IsPrivate            bool      `json:"is_private,omitempty"`
	IsShared             bool      `json:"is_shared,omitempty"`
	CreatedAt            time.Time `json:"createdAt,omitempty"`
}

type cancelAITaskPayload struct {
	TaskID string `json:"task_id"`
	ChatID string `json:"chat_id"`
}

type cancelSkillPayload struct {
	// SkillTaskID identifies one sub-execution as "task_id:tool_call_id".
	SkillTaskID string `json:"skill_task_id"`
	EmbedID     string `json:"embed_id,omitempty"`
}

type focusModeRejectedPayload struct {
	ChatID  string `json:"chat_id"`
	FocusID string `json:"focus_id"`
}

type chatFocusChangedPayload struct {
	ChatID                 string `json:"chat_id"`
	EncryptedActiveFocusID string `json:"encrypted_active_focus_id"`
}

type chatTitleUpdatedPayload struct {
	ChatID            string `json:"chat_id"`
	EncryptedTitle    string `json:"encrypted_title"`
	EncryptedCategory string `json:"encrypted_category,omitempty"`
}

// storeEmbedPayload wraps the embed record with the aliases clients send:
// camelCase timestamps and boolean share flags.
type storeEmbedPayload struct {
	embeds.Embed
	// EventType shadows the embedded Embed.Type: in the flat wire format
	// the "type" key is the event discriminator, so the embed kind rides
	// in "embed_type" instead.
	EventType      string    `json:"type"`
	EmbedTypeAlias string    `json:"embed_type,omitempty"`
	IsPrivate      bool      `json:"is_private,omitempty"`
	IsShared       bool      `json:"is_shared,omitempty"`
	CreatedAtAlias time.Time `json:"createdAt,omitempty"`
	UpdatedAtAlias time.Time `json:"updatedAt,omitempty"`
}

type storeEmbedKeysPayload struct {
	Keys []*embeds.EmbedKeyWrapper `json:"keys"`
}

type requestEmbedPayload struct {
	EmbedID string `json:"embed_id"`
}

// deleteMessagePayload keeps the camelCase keys the clients already send.
type deleteMessagePayload struct {
	ChatID           string   `json:"chatId"`
	MessageID        string   `json:"messageId"`
	EmbedIDsToDelete []string `json:"embedIdsToDelete,omitempty"`
}

type deleteChatPayload struct {
	ChatID string `json:"chat_id"`
}

type deleteNewChatSuggestionPayload struct {
	SuggestionID string `json:"suggestion_id"`
}

type emailNotificationSettingsPayload struct {
	Enabled     bool   `json:"enabled"`
	Email       string `json:"email,omitempty"`
	Preferences struct {
		NotifyOnDone bool `json:"notify_on_done"`
	} `json:"preferences"`
}

type chatSystemMessagePayload struct {
	ChatID  string `json:"chat_id"`
	Message struct {
		MessageID        string    `json:"message_id"`
		EncryptedContent string    `json:"encrypted_content"`
		CreatedAt        time.Time `json:"createdAt,omitempty"`
	} `json:"message"`
}

type loadMoreChatsPayload struct {
	Offset int64 `json:"offset"`
	Limit  int64 `json:"limit"`
}

type loadChatMessagesPayload struct {
	ChatID string `json:"chat_id"`
}

type setActiveChatPayload struct {
	ChatID string `json:"chat_id"`
}

// Outbound events.

// messageReceivedEvent fans a committed user message out to the sender's
// sibling devices. The in-flight chat key never rides along.
type messageReceivedEvent struct {
	Type string `json:"type"`
	messageReceivedPayload
	MessagesVersion int64 `json:"messages_v"`
}

type chatTitleUpdatedEvent struct {
	Type              string `json:"type"`
	ChatID            string `json:"chat_id"`
	EncryptedTitle    string `json:"encrypted_title"`
	EncryptedCategory string `json:"encrypted_category,omitempty"`
	TitleVersion      int64  `json:"title_v"`
}

type suggestionDeletedEvent struct {
	Type         string `json:"type"`
	SuggestionID string `json:"suggestion_id"`
}

type messageDeletedEvent struct {
	Type            string `json:"type"`
	ChatID          string `json:"chat_id"`
	MessageID       string `json:"message_id"`
	MessagesVersion int64  `json:"messages_v"`
}

type chatDeletedEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

type newSystemMessageEvent struct {
	Type            string             `json:"type"`
	ChatID          string             `json:"chat_id"`
	Message         *chatstore.Message `json:"message"`
	MessagesVersion int64              `json:"messages_v"`
}

type embedUpdateEvent struct {
	Type          string   `json:"type"`
	EmbedID       string   `json:"embed_id"`
	Status        string   `json:"status"`
	ChildEmbedIDs []string `json:"child_embed_ids,omitempty"`
}

// sendEmbedDataEvent answers request_embed. Content is the stored
// ciphertext for client-mode embeds and the unwrapped content JSON for
// vault-mode ones.
type sendEmbedDataEvent struct {
	Type          string    `json:"type"`
	EmbedID       string    `json:"embed_id"`
	EmbedType     string    `json:"embed_type,omitempty"`
	Content       string    `json:"content"`
	Status        string    `json:"status"`
	ChatID        string    `json:"chat_id,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	ShareMode     string    `json:"share_mode,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	EmbedIDs      []string  `json:"embed_ids,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	ParentEmbedID string    `json:"parent_embed_id,omitempty"`
	VersionNumber int64     `json:"version_number,omitempty"`
	FilePath      string    `json:"file_path,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
}

type storeEmbedKeysAckEvent struct {
	Type     string                   `json:"type"`
	Accepted int                      `json:"accepted"`
	Rejected []embeds.RejectedWrapper `json:"rejected,omitempty"`
}

type aiTaskCancelRequestedEvent struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	ChatID string `json:"chat_id"`
	Status string `json:"status"`
}

type skillCancelRequestedEvent struct {
	Type        string `json:"type"`
	SkillTaskID string `json:"skill_task_id"`
	Status      string `json:"status"`
}

type focusModeRejectedAckEvent struct {
	Type                   string `json:"type"`
	ChatID                 string `json:"chat_id"`
	FocusID                string `json:"focus_id"`
	Status                 string `json:"status"`
	CaughtBeforeActivation bool   `json:"caught_before_activation"`
}

type loadMoreChatsResponseEvent struct {
	Type       string                   `json:"type"`
	Chats      []chatstore.ChatListItem `json:"chats"`
	HasMore    bool                     `json:"has_more"`
	TotalCount int64                    `json:"total_count"`
	Offset     int64                    `json:"offset"`
}

type loadChatMessagesResponseEvent struct {
	Type     string   `json:"type"`
	ChatID   string   `json:"chat_id"`
	Messages []string `json:"messages"`
}

type emailNotificationSettingsAckEvent struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type emailNotificationsUpdatedEvent struct {
	Type         string `json:"type"`
	Enabled      bool   `json:"enabled"`
	NotifyOnDone bool   `json:"notify_on_done"`
}

type errorEvent struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// encode marshals an event, panicking on failure: every event type here is
// a plain struct and cannot fail to encode.
func encode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
