// Package internalapi is the narrow server-to-server surface of the core.
// Peripheral services (the upload service, the skill fabric, the preview
// proxy) reach state-bearing operations only through these endpoints,
// authenticated by the shared internal service token. Keeping the surface
// this small is what bounds a peripheral compromise: the upload service can
// validate tokens, wrap keys, and write upload records, and nothing else.
package internalapi

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openmates/core/internal/auth"
	"github.com/openmates/core/internal/billing"
	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/ocr"
	"github.com/openmates/core/internal/storage/s3"
	pgdb "github.com/openmates/core/internal/storage/pg/sqlc"
	"github.com/openmates/core/internal/vault"
)

// Options wires the internal handlers. PDF may be nil when no Temporal
// cluster is configured; the pdf/process endpoint then answers 503.
type Options struct {
	Validator auth.TokenValidator
	Billing   *billing.Service
	Queries   pgdb.Querier
	Files     *s3.Client
	Transit   vault.Transit
	PDF       *ocr.Service
	Bucket    string
	Logger    *logger.Logger
}

type Handlers struct {
	validator auth.TokenValidator
	billing   *billing.Service
	queries   pgdb.Querier
	files     *s3.Client
	transit   vault.Transit
	pdf       *ocr.Service
	bucket    string
	logger    *logger.Logger
}

func NewHandlers(opts Options) *Handlers {
	return &Handlers{
		validator: opts.Validator,
		billing:   opts.Billing,
		queries:   opts.Queries,
		files:     opts.Files,
		transit:   opts.Transit,
		pdf:       opts.PDF,
		bucket:    opts.Bucket,
		logger:    opts.Logger.WithComponent("internalapi"),
	}
}

// RegisterRoutes mounts the surface. The group must already carry the
// internal-token middleware; these handlers never re-check it.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/validate-token", h.handleValidateToken)
	rg.POST("/billing/charge", h.handleBillingCharge)
	rg.POST("/uploads/check-duplicate", h.handleCheckDuplicate)
	rg.POST("/uploads/wrap-key", h.handleWrapKey)
	rg.POST("/uploads/store-record", h.handleStoreRecord)
	rg.POST("/pdf/process", h.handlePDFProcess)
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

// ValidatedUser is the response of /internal/validate-token.
type ValidatedUser struct {
	UserID     string `json:"user_id"`
	UserHash   string `json:"user_id_hash"`
	VaultKeyID string `json:"vault_key_id"`
}

// handleValidateToken validates a user token a peripheral service forwarded.
// The token arrives in the body; the upload service lifts it out of the
// client's cookie before calling here so the cookie itself never has to be
// re-parsed server-side.
func (h *Handlers) handleValidateToken(c *gin.Context) {
	var req validateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		apperrors.AbortWithBadRequest(c, "token is required", nil)
		return
	}

	userID, err := h.validator.ValidateToken(req.Token)
	if err != nil {
		apperrors.AbortWithUnauthorized(c, "Invalid or expired token", nil)
		return
	}

	userHash := auth.HashIdentifier(userID)
	c.JSON(http.StatusOK, ValidatedUser{
		UserID:     userID,
		UserHash:   userHash,
		VaultKeyID: vault.UserKeyID(userHash),
	})
}

type chargeRequest struct {
	UserHash       string `json:"user_id_hash"`
	Credits        int64  `json:"credits"`
	AppID          string `json:"app_id"`
	SkillID        string `json:"skill_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// handleBillingCharge applies one idempotent debit. Non-positive amounts are
// skipped inside the service; an insufficient balance maps to 402 with no
// partial work.
func (h *Handlers) handleBillingCharge(c *gin.Context) {
	var req chargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.AbortWithBadRequest(c, "invalid charge payload", nil)
		return
	}
	if req.UserHash == "" {
		apperrors.AbortWithBadRequest(c, "user_id_hash is required", nil)
		return
	}

	result, err := h.billing.Charge(c.Request.Context(), billing.ChargeParams{
		UserHash:       req.UserHash,
		Credits:        req.Credits,
		AppID:          req.AppID,
		SkillID:        req.SkillID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindInsufficientCredits {
			apperrors.AbortWithPaymentRequired(c, "Insufficient credits", nil)
			return
		}
		h.logger.Error("internal charge failed",
			"user", req.UserHash, "credits", req.Credits, "error", err.Error())
		apperrors.AbortWithInternal(c, "Charge failed", nil)
		return
	}

	c.JSON(http.StatusOK, result)
}

type checkDuplicateRequest struct {
	UserHash    string `json:"user_id_hash"`
	ContentHash string `json:"content_hash"`
}

// DuplicateCheck is the response of /internal/uploads/check-duplicate.
// Record is present only when Duplicate is true.
type DuplicateCheck struct {
	Duplicate bool             `json:"duplicate"`
	Record    *StoredUploadRef `json:"record,omitempty"`
}

// StoredUploadRef is the cached metadata a deduplicated upload reuses.
type StoredUploadRef struct {
	EmbedID            string            `json:"embed_id"`
	ContentHash        string            `json:"content_hash"`
	MimeType           string            `json:"mime_type"`
	SizeBytes          int64             `json:"size_bytes"`
	S3Keys             map[string]string `json:"s3_keys"`
	VaultWrappedAESKey string            `json:"vault_wrapped_aes_key"`
	ScanResults        json.RawMessage   `json:"scan_results,omitempty"`
	PageCount          int32             `json:"page_count,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// handleCheckDuplicate answers whether a byte-identical upload already
// exists for this user. A record whose S3 object was removed out-of-band is
// stale: it is discarded and the check reports no duplicate so the full
// pipeline re-runs.
func (h *Handlers) handleCheckDuplicate(c *gin.Context) {
	var req checkDuplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserHash == "" || req.ContentHash == "" {
		apperrors.AbortWithBadRequest(c, "user_id_hash and content_hash are required", nil)
		return
	}

	record, err := h.queries.GetUploadRecordByContentHash(c.Request.Context(), pgdb.GetUploadRecordByContentHashParams{
		UserIDHash:  req.UserHash,
		ContentHash: req.ContentHash,
	})
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusOK, DuplicateCheck{Duplicate: false})
		return
	}
	if err != nil {
		h.logger.Error("duplicate lookup failed", "error", err.Error())
		apperrors.AbortWithInternal(c, "Duplicate check failed", nil)
		return
	}

	var keys map[string]string
	if err := json.Unmarshal(record.S3Keys, &keys); err != nil || len(keys) == 0 {
		h.logger.Warn("upload record has unreadable s3 keys, discarding",
			"embed_id", record.EmbedID)
		h.discardRecord(c, record.EmbedID)
		c.JSON(http.StatusOK, DuplicateCheck{Duplicate: false})
		return
	}

	for _, key := range keys {
		exists, err := h.files.Exists(c.Request.Context(), h.bucket, key)
		if err != nil {
			h.logger.Error("s3 existence check failed", "key", key, "error", err.Error())
			apperrors.AbortWithInternal(c, "Duplicate check failed", nil)
			return
		}
		if !exists {
			h.logger.Info("upload record is stale, object gone",
				"embed_id", record.EmbedID, "key", key)
			h.discardRecord(c, record.EmbedID)
			c.JSON(http.StatusOK, DuplicateCheck{Duplicate: false})
			return
		}
	}

	ref := &StoredUploadRef{
		EmbedID:            record.EmbedID,
		ContentHash:        record.ContentHash,
		MimeType:           record.MimeType,
		SizeBytes:          record.SizeBytes,
		S3Keys:             keys,
		VaultWrappedAESKey: record.VaultWrappedAesKey,
		ScanResults:        json.RawMessage(record.ScanResults),
		CreatedAt:          record.CreatedAt,
	}
	if record.PageCount.Valid {
		ref.PageCount = record.PageCount.Int32
	}
	c.JSON(http.StatusOK, DuplicateCheck{Duplicate: true, Record: ref})
}

func (h *Handlers) discardRecord(c *gin.Context, embedID string) {
	if err := h.queries.DeleteUploadRecord(c.Request.Context(), embedID); err != nil {
		h.logger.Warn("failed to discard stale upload record",
			"embed_id", embedID, "error", err.Error())
	}
}

type wrapKeyRequest struct {
	UserHash   string `json:"user_id_hash"`
	VaultKeyID string `json:"vault_key_id"`
	AESKeyB64  string `json:"aes_key"`
}

// handleWrapKey wraps a file AES key under the user's Transit key. The
// upload service encrypts locally, sends the key here once, stores the
// returned ciphertext, and forgets the plaintext key; it never holds a
// decryption capability for past files.
func (h *Handlers) handleWrapKey(c *gin.Context) {
	var req wrapKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AESKeyB64 == "" {
		apperrors.AbortWithBadRequest(c, "aes_key is required", nil)
		return
	}

	keyID := req.VaultKeyID
	if keyID == "" {
		if req.UserHash == "" {
			apperrors.AbortWithBadRequest(c, "vault_key_id or user_id_hash is required", nil)
			return
		}
		keyID = vault.UserKeyID(req.UserHash)
	}

	raw, err := base64.StdEncoding.DecodeString(req.AESKeyB64)
	if err != nil {
		apperrors.AbortWithBadRequest(c, "aes_key must be base64", nil)
		return
	}

	ctx := c.Request.Context()
	if err := h.transit.EnsureKey(ctx, keyID); err != nil {
		h.logger.Error("transit key creation failed", "key_id", keyID, "error", err.Error())
		apperrors.AbortWithInternal(c, "Key wrapping failed", nil)
		return
	}
	wrapped, err := h.transit.Encrypt(ctx, keyID, raw)
	if err != nil {
		h.logger.Error("transit wrap failed", "key_id", keyID, "error", err.Error())
		apperrors.AbortWithInternal(c, "Key wrapping failed", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"vault_wrapped_aes_key": wrapped,
		"vault_key_id":          keyID,
	})
}

type storeRecordRequest struct {
	EmbedID            string            `json:"embed_id"`
	UserHash           string            `json:"user_id_hash"`
	ContentHash        string            `json:"content_hash"`
	MimeType           string            `json:"mime_type"`
	SizeBytes          int64             `json:"size_bytes"`
	S3Keys             map[string]string `json:"s3_keys"`
	VaultWrappedAESKey string            `json:"vault_wrapped_aes_key"`
	ScanResults        json.RawMessage   `json:"scan_results,omitempty"`
	PageCount          int32             `json:"page_count,omitempty"`
}

// handleStoreRecord persists one completed upload's metadata. The record
// only ever holds ciphertext references and the Transit-wrapped key.
func (h *Handlers) handleStoreRecord(c *gin.Context) {
	var req storeRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.AbortWithBadRequest(c, "invalid record payload", nil)
		return
	}
	switch {
	case req.EmbedID == "":
		apperrors.AbortWithBadRequest(c, "embed_id is required", nil)
		return
	case req.UserHash == "":
		apperrors.AbortWithBadRequest(c, "user_id_hash is required", nil)
		return
	case req.ContentHash == "":
		apperrors.AbortWithBadRequest(c, "content_hash is required", nil)
		return
	case len(req.S3Keys) == 0:
		apperrors.AbortWithBadRequest(c, "s3_keys must be non-empty", nil)
		return
	}

	keysJSON, err := json.Marshal(req.S3Keys)
	if err != nil {
		apperrors.AbortWithBadRequest(c, "invalid record payload", nil)
		return
	}

	params := pgdb.CreateUploadRecordParams{
		EmbedID:            req.EmbedID,
		UserIDHash:         req.UserHash,
		ContentHash:        req.ContentHash,
		MimeType:           req.MimeType,
		SizeBytes:          req.SizeBytes,
		S3Keys:             keysJSON,
		VaultWrappedAesKey: req.VaultWrappedAESKey,
		ScanResults:        json.RawMessage(req.ScanResults),
	}
	if req.PageCount > 0 {
		params.PageCount = sql.NullInt32{Int32: req.PageCount, Valid: true}
	}

	record, err := h.queries.CreateUploadRecord(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("failed to store upload record",
			"embed_id", req.EmbedID, "error", err.Error())
		apperrors.AbortWithInternal(c, "Failed to store upload record", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"embed_id": record.EmbedID, "created_at": record.CreatedAt})
}

// handlePDFProcess fires the durable PDF post-processing pipeline. The
// caller does not wait for the workflow; 202 means it was accepted.
func (h *Handlers) handlePDFProcess(c *gin.Context) {
	if h.pdf == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable,
			apperrors.NewAPIError("pdf processing is not configured", nil))
		return
	}

	var job ocr.PDFJob
	if err := c.ShouldBindJSON(&job); err != nil {
		apperrors.AbortWithBadRequest(c, "invalid pdf job payload", nil)
		return
	}

	workflowID, err := h.pdf.StartPDFProcessing(c.Request.Context(), job)
	if err != nil {
		h.logger.Error("failed to start pdf processing",
			"embed_id", job.EmbedID, "error", err.Error())
		apperrors.AbortWithInternal(c, "Failed to start pdf processing", nil)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"workflow_id": workflowID})
}
