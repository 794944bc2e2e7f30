// Package chatstore is the zero-knowledge store: chats, messages, and their
// version counters, split across the cache tier (authoritative in-flight) and
// Firestore (durable, eventually consistent). Content fields are ciphertext;
// the server reads roles, timestamps, and hashed identifiers only.
package chatstore

import "time"

// Chat is the durable conversation container. Every encrypted_* field is
// opaque to the server; the chat key itself travels wrapped under the owner's
// master key.
type Chat struct {
	ChatID                string           `firestore:"chatId"`
	HashedUserID          string           `firestore:"hashedUserId"`
	EncryptedTitle        string           `firestore:"encryptedTitle,omitempty"`
	EncryptedChatKey      string           `firestore:"encryptedChatKey,omitempty"`
	EncryptedActiveFocus  string           `firestore:"encryptedActiveFocusId,omitempty"`
	EncryptedCategory     string           `firestore:"encryptedCategory,omitempty"`
	EncryptedSummary      string           `firestore:"encryptedSummary,omitempty"`
	EncryptedTagList      string           `firestore:"encryptedTagList,omitempty"`
	LastMessageTimestamp  time.Time        `firestore:"lastMessageTimestamp"`
	Pinned                bool             `firestore:"pinned"`
	IsShared              bool             `firestore:"isShared"`
	IsPrivate             bool             `firestore:"isPrivate"`
	Versions              map[string]int64 `firestore:"versions"`
	CreatedAt             time.Time        `firestore:"createdAt"`
	LastEditedOverallTime time.Time        `firestore:"lastEditedOverallTimestamp"`
}

// Message is one durable chat message. Role, status, and timestamps are
// readable; content is ciphertext. Assistant messages carry the task that
// produced them plus its terminal status (done, cancelled, failed) so a
// revoked run leaves a visibly cancelled bubble.
type Message struct {
	MessageID       string    `firestore:"messageId"`
	HashedMessageID string    `firestore:"hashedMessageId"`
	HashedChatID    string    `firestore:"hashedChatId"`
	HashedUserID    string    `firestore:"hashedUserId"`
	Role            string    `firestore:"role"` // user, assistant, system
	EncryptedContent string   `firestore:"encryptedContent"`
	Status          string    `firestore:"status,omitempty"`
	TaskID          string    `firestore:"taskId,omitempty"`
	CreatedAt       time.Time `firestore:"createdAt"`
}

// Version counter components. The WS router is the only writer.
const (
	VersionMessages = "messages_v"
	VersionTitle    = "title_v"
	VersionFocus    = "focus_v"
	VersionEmbeds   = "embeds_v"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatIDVersions pairs a chat id with its per-component counters, for bulk
// sync responses.
type ChatIDVersions struct {
	ChatID   string           `json:"chat_id"`
	Versions map[string]int64 `json:"versions"`
}

// ChatListItem is the metadata-only wrapper the pager returns: enough for a
// sidebar entry, no messages.
type ChatListItem struct {
	ChatID               string           `json:"chat_id"`
	EncryptedTitle       string           `json:"encrypted_title,omitempty"`
	EncryptedCategory    string           `json:"encrypted_category,omitempty"`
	LastMessageTimestamp time.Time        `json:"last_message_timestamp"`
	Pinned               bool             `json:"pinned"`
	Versions             map[string]int64 `json:"versions"`
}

// ChatPage is one "load more chats" response.
type ChatPage struct {
	Chats      []ChatListItem `json:"chats"`
	HasMore    bool           `json:"has_more"`
	TotalCount int64          `json:"total_count"`
	Offset     int64          `json:"offset"`
}

// NotificationSettings holds a user's email-notification preferences. The
// email is re-encrypted server-side under the user's Transit key before it
// is stored.
type NotificationSettings struct {
	HashedUserID   string    `firestore:"hashedUserId"`
	Enabled        bool      `firestore:"enabled"`
	EncryptedEmail string    `firestore:"encryptedEmail,omitempty"`
	NotifyOnDone   bool      `firestore:"notifyOnDone"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

// writeKind tags queued durable writes.
type writeKind int

const (
	writeSaveChat writeKind = iota
	writeSaveMessage
	writeDeleteMessage
	writeDeleteChat
	writeUpdateFocus
	writeUpdateTitle
	writeTouchChat
	writeSaveNotificationSettings
)

// writeOp is one queued durable write. Exactly the fields for its kind are
// set.
type writeOp struct {
	kind writeKind

	chat     *Chat
	message  *Message
	settings *NotificationSettings

	chatID            string
	messageID         string
	encryptedFocus    string
	encryptedTitle    string
	encryptedCategory string
	touchedAt         time.Time
	messagesV         int64
	titleV            int64
}
