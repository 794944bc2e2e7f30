// Package embeds stores generated artifacts and their key wrappers. Embed
// bodies are ciphertext; the key wrappers in the separate embed_keys
// collection are the only access paths. Vault-mode embeds additionally hold
// a Transit-wrapped key so the server can decrypt for file downloads.
package embeds

import (
	"fmt"
	"time"
)

// Encryption modes.
const (
	ModeClient = "client" // undecryptable by the server
	ModeVault  = "vault"  // server holds a Transit-wrapped key
)

// Embed statuses. Transitions are one-way except in_progress → cancelled.
const (
	StatusInProgress = "in_progress"
	StatusFinished   = "finished"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Key wrapper types.
const (
	KeyTypeMaster = "master" // owner's cross-chat access wrapper
	KeyTypeChat   = "chat"   // wraps the embed key under a chat key
)

// Embed is the durable artifact record.
type Embed struct {
	EmbedID          string    `firestore:"embedId" json:"embed_id"`
	Type             string    `firestore:"type,omitempty" json:"type,omitempty"`
	EncryptionMode   string    `firestore:"encryptionMode" json:"encryption_mode"`
	EncryptedContent string    `firestore:"encryptedContent" json:"encrypted_content"`
	HashedUserID     string    `firestore:"hashedUserId" json:"hashed_user_id"`
	HashedChatID     string    `firestore:"hashedChatId,omitempty" json:"hashed_chat_id,omitempty"`
	HashedMessageID  string    `firestore:"hashedMessageId,omitempty" json:"hashed_message_id,omitempty"`
	TaskID           string    `firestore:"taskId,omitempty" json:"task_id,omitempty"`
	ShareMode        string    `firestore:"shareMode,omitempty" json:"share_mode,omitempty"`
	ParentEmbedID    string    `firestore:"parentEmbedId,omitempty" json:"parent_embed_id,omitempty"`
	ChildEmbedIDs    []string  `firestore:"embedIds,omitempty" json:"embed_ids,omitempty"`
	FilePath         string    `firestore:"filePath,omitempty" json:"file_path,omitempty"`
	VersionNumber    int64     `firestore:"versionNumber" json:"version_number"`
	ContentHash      string    `firestore:"contentHash,omitempty" json:"content_hash,omitempty"`
	Status           string    `firestore:"status" json:"status"`
	TextLengthChars  int64     `firestore:"textLengthChars,omitempty" json:"text_length_chars,omitempty"`
	CreatedAt        time.Time `firestore:"createdAt" json:"created_at"`
	UpdatedAt        time.Time `firestore:"updatedAt" json:"updated_at"`
}

// ValidStatusTransition reports whether an embed may move between statuses.
func ValidStatusTransition(from, to string) bool {
	if from == to {
		return true
	}

	switch from {
	case "", StatusInProgress:
		return to == StatusInProgress || to == StatusFinished || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// EmbedKeyWrapper links one embed to one access path. Append-only.
type EmbedKeyWrapper struct {
	HashedEmbedID     string    `firestore:"hashedEmbedId" json:"hashed_embed_id"`
	KeyType           string    `firestore:"keyType" json:"key_type"`
	HashedChatID      string    `firestore:"hashedChatId,omitempty" json:"hashed_chat_id,omitempty"`
	EncryptedEmbedKey string    `firestore:"encryptedEmbedKey" json:"encrypted_embed_key"`
	HashedUserID      string    `firestore:"hashedUserId" json:"hashed_user_id"`
	CreatedAt         time.Time `firestore:"createdAt" json:"created_at"`
}

// Validate checks the mandatory wrapper fields. Failures reject the single
// wrapper, never the whole request.
func (w *EmbedKeyWrapper) Validate() error {
	if w.HashedEmbedID == "" {
		return fmt.Errorf("hashed_embed_id is required")
	}

	switch w.KeyType {
	case KeyTypeMaster:
	case KeyTypeChat:
		if w.HashedChatID == "" {
			return fmt.Errorf("hashed_chat_id is required for chat wrappers")
		}
	default:
		return fmt.Errorf("unrecognised key_type %q", w.KeyType)
	}

	if w.EncryptedEmbedKey == "" {
		return fmt.Errorf("encrypted_embed_key is required")
	}

	if w.HashedUserID == "" {
		return fmt.Errorf("hashed_user_id is required")
	}

	return nil
}

// RejectedWrapper reports one wrapper that failed validation.
type RejectedWrapper struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Content is the decrypted vault-mode embed payload: everything the server
// needs to serve the original bytes. It exists in memory only during a
// download or a server-side skill read.
type Content struct {
	Type      string            `json:"type"`
	Prompt    string            `json:"prompt,omitempty"`
	MimeType  string            `json:"mime_type"`
	AESKey    string            `json:"aes_key,omitempty"`   // base64
	AESNonce  string            `json:"aes_nonce,omitempty"` // base64
	S3Keys    map[string]string `json:"s3_keys,omitempty"`   // variant → object key
	Extension string            `json:"extension,omitempty"`
	// Text carries inline payloads (extracted document text) that have no
	// S3 object behind them.
	Text string `json:"text,omitempty"`
}

// Download formats.
const (
	FormatPreview  = "preview"
	FormatFull     = "full"
	FormatOriginal = "original"
)

// DownloadResult carries decrypted file bytes back to the HTTP layer.
type DownloadResult struct {
	Filename    string
	ContentType string
	Bytes       []byte
}
