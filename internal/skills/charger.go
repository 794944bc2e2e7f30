package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
)

// HTTPCharger posts charges to the core's internal billing endpoint. The
// fabric never touches billing storage directly; it uses the same narrow
// HTTP surface peripheral services use, authenticated by the shared internal
// service token.
type HTTPCharger struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *logger.Logger
}

// NewHTTPCharger builds a charger against the core's internal API base URL.
func NewHTTPCharger(baseURL, token string, log *logger.Logger) *HTTPCharger {
	return &HTTPCharger{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
		logger:     log.WithComponent("skills-charger"),
	}
}

// Charge posts one charge. Non-positive amounts are skipped server-side; a
// 402 maps to the insufficient-credits kind so callers can pass it through.
func (c *HTTPCharger) Charge(ctx context.Context, req ChargeRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/internal/billing/charge", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create charge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Internal-Service-Token", c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Billing service unreachable", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read charge response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusPaymentRequired:
		return apperrors.E(apperrors.KindInsufficientCredits, "Not enough credits", nil)
	default:
		return apperrors.E(apperrors.KindInfrastructure, "Charge failed",
			fmt.Errorf("billing charge returned status %d: %s", resp.StatusCode, string(body)))
	}
}
