package embeds

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/openmates/core/internal/cache"
	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/storage/s3"
	"github.com/openmates/core/internal/vault"
)

const (
	hotCacheSize = 10_000
	hotCacheTTL  = 5 * time.Minute

	// generatedFallbackName is used when an embed carries no usable prompt
	// to derive a filename from.
	generatedFallbackName = "openmates_generated_image"
)

// Service layers a process-local hot cache over the shared cache and the
// durable store. Reads walk hot → shared → durable and backfill upward.
type Service struct {
	durable *FirestoreStore
	cache   *cache.Service
	hot     *otter.Cache[string, *Embed]
	transit vault.Transit
	files   *s3.Client
	bucket  string
	logger  *logger.Logger
}

func NewService(durable *FirestoreStore, cacheService *cache.Service, transit vault.Transit, files *s3.Client, bucket string, log *logger.Logger) (*Service, error) {
	hot, err := otter.New[string, *Embed](&otter.Options[string, *Embed]{
		MaximumSize:      hotCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *Embed](hotCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embed hot cache: %w", err)
	}

	return &Service{
		durable: durable,
		cache:   cacheService,
		hot:     hot,
		transit: transit,
		files:   files,
		bucket:  bucket,
		logger:  log.WithComponent("embeds"),
	}, nil
}

// StoreEmbed upserts an embed. The first write binds the owner; later writes
// must come from the same user and may only move the status forward.
// chatID scopes the shared-cache entry so chat reads see the embed without a
// durable round trip; pass "" for embeds not attached to a chat yet.
func (s *Service) StoreEmbed(ctx context.Context, userHash, chatID string, embed *Embed) (*Embed, error) {
	if embed == nil || embed.EmbedID == "" {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "embed_id is required", nil)
	}

	switch embed.EncryptionMode {
	case ModeClient, ModeVault:
	default:
		return nil, apperrors.E(apperrors.KindInvalidRequest,
			fmt.Sprintf("unrecognised encryption_mode %q", embed.EncryptionMode), nil)
	}

	if embed.Status == "" {
		embed.Status = StatusInProgress
	}
	switch embed.Status {
	case StatusInProgress, StatusFinished, StatusFailed, StatusCancelled:
	default:
		return nil, apperrors.E(apperrors.KindInvalidRequest,
			fmt.Sprintf("unrecognised status %q", embed.Status), nil)
	}

	existing, err := s.durable.GetEmbed(ctx, embed.EmbedID)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "failed to load embed", err)
	}

	now := time.Now().UTC()
	if existing != nil {
		if existing.HashedUserID != userHash {
			return nil, apperrors.E(apperrors.KindUnauthorized, "embed belongs to another user", nil)
		}
		if !ValidStatusTransition(existing.Status, embed.Status) {
			return nil, apperrors.E(apperrors.KindInvalidRequest,
				fmt.Sprintf("embed status cannot move from %q to %q", existing.Status, embed.Status), nil)
		}
		embed.CreatedAt = existing.CreatedAt
		embed.VersionNumber = existing.VersionNumber + 1
	} else {
		embed.CreatedAt = now
		embed.VersionNumber = 1
	}
	embed.HashedUserID = userHash
	embed.UpdatedAt = now

	if err := s.durable.SaveEmbed(ctx, embed); err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "failed to store embed", err)
	}

	s.cacheEmbed(ctx, chatID, embed)

	return embed, nil
}

// cacheEmbed backfills both cache tiers. Cache failures are logged, never
// surfaced: the durable write already succeeded.
func (s *Service) cacheEmbed(ctx context.Context, chatID string, embed *Embed) {
	s.hot.Set(embed.EmbedID, embed)

	blob, err := json.Marshal(embed)
	if err != nil {
		s.logger.Warn("failed to marshal embed for cache", slog.String("embed_id", embed.EmbedID), slog.String("error", err.Error()))
		return
	}

	if err := s.cache.StoreEmbed(ctx, embed.EmbedID, string(blob)); err != nil {
		s.logger.Warn("failed to cache embed", slog.String("embed_id", embed.EmbedID), slog.String("error", err.Error()))
	}

	if chatID != "" {
		if err := s.cache.StoreChatEmbed(ctx, chatID, embed.EmbedID, string(blob)); err != nil {
			s.logger.Warn("failed to cache chat embed", slog.String("chat_id", chatID), slog.String("error", err.Error()))
		}
	}
}

// StoreEmbedKeys appends key wrappers. Each wrapper is validated and stored
// on its own; a bad wrapper is rejected individually and never fails its
// siblings. The authenticated user hash overrides whatever the client sent.
func (s *Service) StoreEmbedKeys(ctx context.Context, userHash string, wrappers []*EmbedKeyWrapper) (int, []RejectedWrapper) {
	var (
		stored   int
		rejected []RejectedWrapper
	)

	now := time.Now().UTC()
	for i, wrapper := range wrappers {
		if wrapper == nil {
			rejected = append(rejected, RejectedWrapper{Index: i, Reason: "empty wrapper"})
			continue
		}

		wrapper.HashedUserID = userHash
		wrapper.CreatedAt = now

		if err := wrapper.Validate(); err != nil {
			rejected = append(rejected, RejectedWrapper{Index: i, Reason: err.Error()})
			continue
		}

		if err := s.durable.SaveEmbedKeyWrapper(ctx, wrapper); err != nil {
			s.logger.Error("failed to store embed key wrapper",
				slog.String("hashed_embed_id", wrapper.HashedEmbedID),
				slog.String("error", err.Error()))
			rejected = append(rejected, RejectedWrapper{Index: i, Reason: "storage failure"})
			continue
		}

		stored++
	}

	return stored, rejected
}

// RequestEmbed reads one embed with the owner guard applied.
func (s *Service) RequestEmbed(ctx context.Context, userHash, embedID string) (*Embed, error) {
	if embedID == "" {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "embed_id is required", nil)
	}

	if embed, ok := s.hot.GetIfPresent(embedID); ok {
		return s.guardOwner(userHash, embed)
	}

	if blob, err := s.cache.Embed(ctx, embedID); err == nil && blob != "" {
		var embed Embed
		if err := json.Unmarshal([]byte(blob), &embed); err == nil {
			s.hot.Set(embedID, &embed)
			return s.guardOwner(userHash, &embed)
		}
		s.logger.Warn("failed to decode cached embed", slog.String("embed_id", embedID))
	}

	embed, err := s.durable.GetEmbed(ctx, embedID)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "failed to load embed", err)
	}
	if embed == nil {
		return nil, apperrors.E(apperrors.KindNotFound, "embed not found", nil)
	}

	s.cacheEmbed(ctx, "", embed)

	return s.guardOwner(userHash, embed)
}

func (s *Service) guardOwner(userHash string, embed *Embed) (*Embed, error) {
	if embed.HashedUserID != userHash {
		return nil, apperrors.E(apperrors.KindUnauthorized, "embed belongs to another user", nil)
	}
	return embed, nil
}

// EmbedKeyWrappers lists every stored wrapper for an embed the user owns.
func (s *Service) EmbedKeyWrappers(ctx context.Context, userHash, embedID, hashedEmbedID string) ([]*EmbedKeyWrapper, error) {
	if _, err := s.RequestEmbed(ctx, userHash, embedID); err != nil {
		return nil, err
	}

	wrappers, err := s.durable.ListEmbedKeyWrappers(ctx, hashedEmbedID)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "failed to list embed key wrappers", err)
	}

	return wrappers, nil
}

// DecryptContent unwraps a vault-mode embed's content JSON with the owner's
// Transit key. Client-mode embeds cannot be decrypted server-side.
func (s *Service) DecryptContent(ctx context.Context, embed *Embed) (*Content, error) {
	if embed.EncryptionMode != ModeVault {
		return nil, apperrors.E(apperrors.KindInvalidRequest,
			"embed is client-encrypted; only your devices can decrypt it", nil)
	}

	keyID := vault.UserKeyID(embed.HashedUserID)
	plaintext, err := s.transit.Decrypt(ctx, keyID, embed.EncryptedContent)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "failed to unwrap embed content", err)
	}

	var content Content
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "failed to decode embed content", err)
	}

	return &content, nil
}

// Download serves the decrypted file bytes for a vault-mode embed: unwrap
// the content JSON, fetch the format's S3 object, and open it with the AES
// key embedded in the content. Missing variants fall back to the original.
func (s *Service) Download(ctx context.Context, userHash, embedID, format string) (*DownloadResult, error) {
	switch format {
	case FormatPreview, FormatFull, FormatOriginal:
	case "":
		format = FormatOriginal
	default:
		return nil, apperrors.E(apperrors.KindInvalidRequest,
			fmt.Sprintf("unrecognised format %q", format), nil)
	}

	embed, err := s.RequestEmbed(ctx, userHash, embedID)
	if err != nil {
		return nil, err
	}
	if embed.Status != StatusFinished {
		return nil, apperrors.E(apperrors.KindNotFound, "embed file is not ready yet", nil)
	}

	content, err := s.DecryptContent(ctx, embed)
	if err != nil {
		return nil, err
	}

	key, ok := content.S3Keys[format]
	if !ok || key == "" {
		key, ok = content.S3Keys[FormatOriginal]
		if !ok || key == "" {
			return nil, apperrors.E(apperrors.KindNotFound, "embed has no stored file", nil)
		}
		format = FormatOriginal
	}

	sealed, err := s.files.Get(ctx, s.bucket, key)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "failed to fetch embed file", err)
	}

	data, err := openSealed(content.AESKey, content.AESNonce, sealed)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "failed to decrypt embed file", err)
	}

	contentType := content.MimeType
	if format != FormatOriginal && strings.HasPrefix(content.MimeType, "image/") {
		// Preview and full variants are transcoded to webp on upload.
		contentType = "image/webp"
	}

	ext := content.Extension
	if ext == "" {
		ext = extensionForMime(contentType)
	}

	return &DownloadResult{
		Filename:    filenameForPrompt(content.Prompt, ext),
		ContentType: contentType,
		Bytes:       data,
	}, nil
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

// filenameForPrompt derives an attachment filename from the generation
// prompt. Prompts reduce to a lowercase dash-joined slug capped at 48
// characters; unusable prompts fall back to a generic name.
func filenameForPrompt(prompt, ext string) string {
	slug := slugify(prompt)
	if slug == "" {
		slug = generatedFallbackName
	}
	if ext == "" {
		return slug
	}
	return slug + "." + ext
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 48 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

func extensionForMime(mimeType string) string {
	switch mimeType {
	case "image/webp":
		return "webp"
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "application/pdf":
		return "pdf"
	case "text/plain":
		return "txt"
	default:
		return "bin"
	}
}
