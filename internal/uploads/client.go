package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/internalapi"
	"github.com/openmates/core/internal/ocr"
)

// CoreClient talks to the core's internal API. Every state-bearing
// operation of the upload service goes through here; the service itself
// holds no database handle and no Transit capability.
type CoreClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	log        *logrus.Logger
}

func NewCoreClient(baseURL, token string, log *logrus.Logger) *CoreClient {
	return &CoreClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
		log:        log,
	}
}

// ValidateToken forwards a user token lifted from the client's cookie.
func (c *CoreClient) ValidateToken(ctx context.Context, token string) (*internalapi.ValidatedUser, error) {
	var user internalapi.ValidatedUser
	status, err := c.post(ctx, "/internal/validate-token", map[string]string{"token": token}, &user)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, apperrors.E(apperrors.KindUnauthorized, "Invalid or expired token", nil)
	}
	if status != http.StatusOK {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Token validation failed",
			fmt.Errorf("validate-token returned status %d", status))
	}
	return &user, nil
}

// CheckDuplicate asks whether a byte-identical upload already exists.
func (c *CoreClient) CheckDuplicate(ctx context.Context, userHash, contentHash string) (*internalapi.DuplicateCheck, error) {
	payload := map[string]string{"user_id_hash": userHash, "content_hash": contentHash}
	var check internalapi.DuplicateCheck
	status, err := c.post(ctx, "/internal/uploads/check-duplicate", payload, &check)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Duplicate check failed",
			fmt.Errorf("check-duplicate returned status %d", status))
	}
	return &check, nil
}

type wrappedKey struct {
	VaultWrappedAESKey string `json:"vault_wrapped_aes_key"`
	VaultKeyID         string `json:"vault_key_id"`
}

// WrapKey sends the plaintext file key to the core for Transit wrapping.
// The caller discards the plaintext after this returns.
func (c *CoreClient) WrapKey(ctx context.Context, vaultKeyID, aesKeyB64 string) (*wrappedKey, error) {
	payload := map[string]string{"vault_key_id": vaultKeyID, "aes_key": aesKeyB64}
	var wrapped wrappedKey
	status, err := c.post(ctx, "/internal/uploads/wrap-key", payload, &wrapped)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Key wrapping failed",
			fmt.Errorf("wrap-key returned status %d", status))
	}
	return &wrapped, nil
}

type uploadRecord struct {
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

// StoreRecord persists one completed upload's metadata in the core.
func (c *CoreClient) StoreRecord(ctx context.Context, record uploadRecord) error {
	status, err := c.post(ctx, "/internal/uploads/store-record", record, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to store upload record",
			fmt.Errorf("store-record returned status %d", status))
	}
	return nil
}

// Charge debits the PDF pre-charge. A 402 maps to the insufficient-credits
// kind so the handler can pass it straight through.
func (c *CoreClient) Charge(ctx context.Context, userHash string, credits int64, idempotencyKey string) error {
	payload := map[string]interface{}{
		"user_id_hash":    userHash,
		"credits":         credits,
		"app_id":          "uploads",
		"skill_id":        "pdf-precharge",
		"idempotency_key": idempotencyKey,
	}
	status, err := c.post(ctx, "/internal/billing/charge", payload, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusPaymentRequired:
		return apperrors.E(apperrors.KindInsufficientCredits, "Not enough credits", nil)
	default:
		return apperrors.E(apperrors.KindInfrastructure, "Charge failed",
			fmt.Errorf("billing charge returned status %d", status))
	}
}

// TriggerPDFProcessing fires the OCR pipeline for a stored PDF. Failures
// are logged and swallowed: the upload already succeeded, and text
// extraction catches up when the pipeline is retried.
func (c *CoreClient) TriggerPDFProcessing(ctx context.Context, job ocr.PDFJob) {
	status, err := c.post(ctx, "/internal/pdf/process", job, nil)
	if err != nil {
		c.log.WithFields(logrus.Fields{"embed_id": job.EmbedID, "error": err.Error()}).
			Warn("failed to trigger pdf processing")
		return
	}
	if status != http.StatusAccepted {
		c.log.WithFields(logrus.Fields{"embed_id": job.EmbedID, "status": status}).
			Warn("pdf processing trigger rejected")
	}
}

// post sends one JSON request and decodes the body into out when non-nil.
// Transport failures come back as infrastructure errors; HTTP status
// interpretation stays with the caller.
func (c *CoreClient) post(ctx context.Context, path string, payload, out interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Service-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperrors.E(apperrors.KindInfrastructure, "Core API unreachable", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s response: %w", path, err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
