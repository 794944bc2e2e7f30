package ocr

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/openmates/core/internal/logger"
)

// Service starts PDF pipelines. It is the thin client side; the worker side
// lives in NewWorker.
type Service struct {
	client    client.Client
	taskQueue string
	logger    *logger.Logger
}

// NewService wraps a dialed Temporal client.
func NewService(c client.Client, taskQueue string, log *logger.Logger) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Service{
		client:    c,
		taskQueue: taskQueue,
		logger:    log.WithComponent("ocr"),
	}
}

// StartPDFProcessing launches the workflow and returns its id. The workflow
// id is derived from the embed id, so a retried trigger for the same upload
// joins the running execution instead of forking a second one.
func (s *Service) StartPDFProcessing(ctx context.Context, job PDFJob) (string, error) {
	if job.EmbedID == "" || job.UserHash == "" || job.S3Key == "" || job.WrappedAESKey == "" {
		return "", fmt.Errorf("pdf job is missing required fields")
	}

	opts := client.StartWorkflowOptions{
		ID:        "pdf-ocr-" + job.EmbedID,
		TaskQueue: s.taskQueue,
	}
	run, err := s.client.ExecuteWorkflow(ctx, opts, WorkflowName, job)
	if err != nil {
		return "", fmt.Errorf("failed to start pdf workflow: %w", err)
	}

	s.logger.Info("pdf processing started",
		"embed_id", job.EmbedID, "workflow_id", run.GetID(), "pages", job.PageCount)
	return run.GetID(), nil
}

// NewWorker builds the worker that executes the pipeline. The caller owns
// Start/Stop.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(ProcessPDFWorkflow, workflowRegisterOptions())
	w.RegisterActivity(acts)
	return w
}
