package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
	pgdb "github.com/openmates/core/internal/storage/pg/sqlc"
)

// WebhookHandler settles Stripe checkout sessions into credit grants.
//
// The endpoint carries no auth token because Stripe cannot provide one;
// authenticity comes from cryptographic signature verification against the
// webhook secret.
type WebhookHandler struct {
	service *Service
	queries pgdb.Querier
	secret  string
	logger  *logger.Logger
}

// NewWebhookHandler wires the settlement endpoint.
func NewWebhookHandler(service *Service, queries pgdb.Querier, secret string, log *logger.Logger) *WebhookHandler {
	handlerLog := log.WithComponent("stripe_webhook")
	if secret == "" {
		handlerLog.Warn("stripe webhook secret is empty - settlement will reject every event")
	}

	return &WebhookHandler{
		service: service,
		queries: queries,
		secret:  secret,
		logger:  handlerLog,
	}
}

// HandleWebhook processes POST /v1/billing/webhook.
//
// Signature failures return 200 so Stripe stops redelivering events we will
// never accept. Processing failures return 500 so Stripe retries; the grant
// is idempotent by session id, which makes redelivery after partial progress
// safe.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("failed to read webhook payload", "error", err.Error())
		apperrors.BadRequest(c, "invalid payload", nil)
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		h.logger.Error("missing Stripe-Signature header")
		apperrors.BadRequest(c, "missing signature", nil)
		return
	}

	event, err := webhook.ConstructEvent(payload, signature, h.secret)
	if err != nil {
		h.logger.Error("webhook signature verification failed", "error", err.Error())
		c.JSON(http.StatusOK, gin.H{"error": "signature verification failed"})
		return
	}

	if err := h.processEvent(c.Request.Context(), event); err != nil {
		h.logger.Error("webhook processing failed",
			"event_id", event.ID, "type", event.Type, "error", err.Error())
		apperrors.Internal(c, "failed to process event", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *WebhookHandler) processEvent(ctx context.Context, event stripe.Event) error {
	if _, err := h.queries.GetProcessedStripeEvent(ctx, event.ID); err == nil {
		h.logger.Info("webhook event already processed", "event_id", event.ID)
		return nil
	} else if !stderrors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check processed events: %w", err)
	}

	h.logger.Info("webhook event received", "type", event.Type, "event_id", event.ID)

	switch event.Type {
	case "checkout.session.completed":
		if err := h.handleCheckoutCompleted(ctx, event); err != nil {
			return err
		}
	default:
		h.logger.Info("unhandled webhook event type", "type", event.Type)
	}

	if err := h.queries.CreateProcessedStripeEvent(ctx, pgdb.CreateProcessedStripeEventParams{
		EventID:   event.ID,
		EventType: string(event.Type),
	}); err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("failed to record processed event: %w", err)
	}

	return nil
}

// handleCheckoutCompleted turns a completed top-up checkout into a credit
// grant. The checkout session is created with user_id_hash and credits in its
// metadata; the session id keys the grant ledger row so redelivery cannot
// double-pay.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}

	userHash := session.Metadata["user_id_hash"]
	if userHash == "" {
		return fmt.Errorf("missing user_id_hash in session metadata")
	}

	creditsText := session.Metadata["credits"]
	if creditsText == "" {
		return fmt.Errorf("missing credits in session metadata")
	}
	credits, err := strconv.ParseInt(creditsText, 10, 64)
	if err != nil || credits <= 0 {
		return fmt.Errorf("invalid credits amount %q in session metadata", creditsText)
	}

	if err := h.service.Grant(ctx, userHash, credits, session.ID); err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}

	h.logger.Info("credits granted from checkout",
		"user", userHash, "credits", credits, "session_id", session.ID)

	return nil
}
