// Package ocr runs PDF post-processing as a Temporal workflow so text
// extraction survives process restarts. The upload service fires the
// trigger and forgets it; devices learn about the result through an
// embed_update broadcast.
package ocr

import (
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// WorkflowName identifies the PDF pipeline on its task queue.
const WorkflowName = "process-pdf"

// DefaultTaskQueue is used when no queue is configured.
const DefaultTaskQueue = "pdf-processing"

// Activity names. Struct-method activities register under their method
// name; the workflow schedules them by these strings.
const (
	activityExtractText = "ExtractText"
	activityStoreResult = "StoreResult"
	activityNotify      = "Notify"
)

// PDFJob carries everything the pipeline needs. It is built at upload time,
// before any embed record exists, so the sealed object is referenced
// directly: S3 key, Transit-wrapped AES key, and the GCM nonce.
type PDFJob struct {
	EmbedID       string `json:"embed_id"`
	UserHash      string `json:"user_id_hash"`
	ChatID        string `json:"chat_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	S3Key         string `json:"s3_key"`
	WrappedAESKey string `json:"vault_wrapped_aes_key"`
	AESNonce      string `json:"aes_nonce"` // base64
	PageCount     int    `json:"page_count"`
	Filename      string `json:"filename,omitempty"`
}

// PDFResult is the workflow's return value, kept for workflow queries and
// tests; callers fire and forget.
type PDFResult struct {
	TextEmbedID string `json:"text_embed_id"`
	Pages       int    `json:"pages"`
	Chars       int64  `json:"chars"`
}

// ExtractedDoc is the extraction activity's output: one entry per page,
// empty string for pages without a text layer.
type ExtractedDoc struct {
	Pages []string `json:"pages"`
	Chars int64    `json:"chars"`
}

// StoreInput feeds the persistence activity.
type StoreInput struct {
	Job PDFJob       `json:"job"`
	Doc ExtractedDoc `json:"doc"`
}

// NotifyInput feeds the fan-out activity.
type NotifyInput struct {
	Job         PDFJob `json:"job"`
	TextEmbedID string `json:"text_embed_id"`
}

func workflowRegisterOptions() workflow.RegisterOptions {
	return workflow.RegisterOptions{Name: WorkflowName}
}

// ProcessPDFWorkflow extracts text from an uploaded PDF, stores it as a
// vault-mode embed, and tells the user's devices. Extraction and storage
// failures fail the workflow after retries; a failed broadcast does not,
// because devices resync the embed on their next read anyway.
func ProcessPDFWorkflow(ctx workflow.Context, job PDFJob) (*PDFResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval: 2 * time.Second,
			MaximumAttempts: 3,
		},
	})

	var doc ExtractedDoc
	if err := workflow.ExecuteActivity(ctx, activityExtractText, job).Get(ctx, &doc); err != nil {
		return nil, err
	}

	var textEmbedID string
	if err := workflow.ExecuteActivity(ctx, activityStoreResult, StoreInput{Job: job, Doc: doc}).Get(ctx, &textEmbedID); err != nil {
		return nil, err
	}

	if err := workflow.ExecuteActivity(ctx, activityNotify, NotifyInput{Job: job, TextEmbedID: textEmbedID}).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("device notification failed after extraction",
			"embed_id", job.EmbedID, "error", err)
	}

	return &PDFResult{
		TextEmbedID: textEmbedID,
		Pages:       len(doc.Pages),
		Chars:       doc.Chars,
	}, nil
}
