package ocr

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/openmates/core/internal/embeds"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/vault"
)

// FileStore is the slice of the object store the pipeline reads from.
// Satisfied by *s3.Client.
type FileStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// EmbedWriter persists the extraction result. Satisfied by *embeds.Service.
type EmbedWriter interface {
	StoreEmbed(ctx context.Context, userHash, chatID string, embed *embeds.Embed) (*embeds.Embed, error)
}

// EventSink fans the completion out to the user's devices. Satisfied by
// *connections.Manager.
type EventSink interface {
	Broadcast(userHash string, message []byte, excludeDeviceHash string) int
}

// Activities holds the pipeline's dependencies. One instance is registered
// per worker.
type Activities struct {
	transit vault.Transit
	files   FileStore
	embeds  EmbedWriter
	sink    EventSink
	bucket  string
	logger  *logger.Logger
}

// NewActivities wires the activity set.
func NewActivities(transit vault.Transit, files FileStore, embedStore EmbedWriter, sink EventSink, bucket string, log *logger.Logger) *Activities {
	return &Activities{
		transit: transit,
		files:   files,
		embeds:  embedStore,
		sink:    sink,
		bucket:  bucket,
		logger:  log.WithComponent("ocr"),
	}
}

// ExtractText fetches the sealed PDF, opens it with the Transit-unwrapped
// AES key, and pulls the embedded text layer page by page. Pages without a
// text layer yield empty strings rather than failing the document.
func (a *Activities) ExtractText(ctx context.Context, job PDFJob) (*ExtractedDoc, error) {
	sealed, err := a.files.Get(ctx, a.bucket, job.S3Key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pdf object %s: %w", job.S3Key, err)
	}

	keyB64, err := a.transit.Decrypt(ctx, vault.UserKeyID(job.UserHash), job.WrappedAESKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap file key: %w", err)
	}

	raw, err := openSealed(string(keyB64), job.AESNonce, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed pdf: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pdf: %w", err)
	}

	doc := &ExtractedDoc{}
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			doc.Pages = append(doc.Pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			a.logger.Warn("page has no extractable text",
				"embed_id", job.EmbedID, "page", i, "error", err.Error())
			text = ""
		}
		doc.Pages = append(doc.Pages, text)
		doc.Chars += int64(len(text))
	}

	a.logger.Info("extracted pdf text",
		"embed_id", job.EmbedID, "pages", len(doc.Pages), "chars", doc.Chars)
	return doc, nil
}

// StoreResult persists the text as a vault-mode embed linked to the upload
// through parent_embed_id. The deterministic embed id makes activity
// retries upsert the same record.
func (a *Activities) StoreResult(ctx context.Context, in StoreInput) (string, error) {
	content := &embeds.Content{
		Type:     "document_text",
		Prompt:   in.Job.Filename,
		MimeType: "text/plain",
		Text:     strings.TrimSpace(strings.Join(in.Doc.Pages, "\n\n")),
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to encode extraction result: %w", err)
	}

	keyID := vault.UserKeyID(in.Job.UserHash)
	if err := a.transit.EnsureKey(ctx, keyID); err != nil {
		return "", fmt.Errorf("failed to ensure transit key: %w", err)
	}
	ciphertext, err := a.transit.Encrypt(ctx, keyID, payload)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt extraction result: %w", err)
	}

	now := time.Now().UTC()
	embed := &embeds.Embed{
		EmbedID:          "text-" + in.Job.EmbedID,
		Type:             "document_text",
		EncryptionMode:   embeds.ModeVault,
		EncryptedContent: ciphertext,
		HashedUserID:     in.Job.UserHash,
		HashedChatID:     in.Job.ChatID,
		HashedMessageID:  in.Job.MessageID,
		ParentEmbedID:    in.Job.EmbedID,
		Status:           embeds.StatusFinished,
		TextLengthChars:  in.Doc.Chars,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	stored, err := a.embeds.StoreEmbed(ctx, in.Job.UserHash, in.Job.ChatID, embed)
	if err != nil {
		return "", fmt.Errorf("failed to store extraction embed: %w", err)
	}
	return stored.EmbedID, nil
}

// embedUpdateEvent mirrors the WS wire format for embed status fan-out.
type embedUpdateEvent struct {
	Type          string   `json:"type"`
	EmbedID       string   `json:"embed_id"`
	Status        string   `json:"status"`
	ChildEmbedIDs []string `json:"child_embed_ids,omitempty"`
}

// Notify tells every device of the user that the upload gained an extracted
// text child.
func (a *Activities) Notify(_ context.Context, in NotifyInput) error {
	event, err := json.Marshal(embedUpdateEvent{
		Type:          "embed_update",
		EmbedID:       in.Job.EmbedID,
		Status:        embeds.StatusFinished,
		ChildEmbedIDs: []string{in.TextEmbedID},
	})
	if err != nil {
		return err
	}
	a.sink.Broadcast(in.Job.UserHash, event, "")
	return nil
}

func openSealed(keyB64, nonceB64 string, sealed []byte) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode aes key: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode aes nonce: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	return gcm.Open(nil, nonce, sealed, nil)
}
