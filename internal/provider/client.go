package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/routing"
)

const (
	// anthropicVersion is the messages API version header value.
	anthropicVersion = "2023-06-01"

	// defaultRetryAfter is used when an upstream 429 carries no usable
	// Retry-After header.
	defaultRetryAfter = 30 * time.Second
)

// RateLimitedError reports that a request cannot run now and should be
// re-queued. RetryAfter is the earliest sensible retry delay. Raised both
// by the local limiter (before any bytes leave the process) and by an
// upstream 429.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %s", e.Provider, e.RetryAfter)
}

// APIError is a non-2xx response from an upstream provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Transient reports whether retrying against another endpoint or model is
// worthwhile.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode >= 500
}

// Client issues streaming inference requests against resolved endpoints.
// One instance serves the whole process; per-provider limiters are created
// lazily from each endpoint's configured request rate.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(log *logger.Logger) *Client {
	return &Client{
		// No client-level timeout: streams legitimately run for minutes.
		// Callers bound requests through ctx.
		httpClient: &http.Client{},
		logger:     log.WithComponent("provider"),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Stream sends a request to the endpoint and returns a channel of unified
// chunks. The channel closes after a Done or error chunk. A
// *RateLimitedError return means nothing was sent and the caller should
// re-queue the task.
func (c *Client) Stream(ctx context.Context, endpoint *routing.ResolvedEndpoint, req *Request) (<-chan StreamChunk, error) {
	if err := c.reserve(endpoint); err != nil {
		return nil, err
	}

	var (
		body []byte
		path string
		err  error
	)
	switch endpoint.APIType {
	case config.APITypeMessages:
		path = "/messages"
		body, err = buildMessagesBody(req)
	default:
		path = "/chat/completions"
		body, err = buildChatCompletionsBody(req)
	}
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	c.setHeaders(httpReq, endpoint)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach provider %s: %w", endpoint.ProviderName, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &RateLimitedError{
			Provider:   endpoint.ProviderName,
			RetryAfter: retryAfterFrom(resp),
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			Provider:   endpoint.ProviderName,
			StatusCode: resp.StatusCode,
			Body:       string(errBody),
		}
	}

	c.logger.Debug("upstream stream opened",
		slog.String("provider", endpoint.ProviderName),
		slog.String("model", endpoint.Model))

	raw := make(chan StreamChunk, 8)
	switch endpoint.APIType {
	case config.APITypeMessages:
		go readMessagesStream(ctx, resp.Body, raw)
	default:
		go readChatCompletionsStream(ctx, resp.Body, raw)
	}

	ch := make(chan StreamChunk, 8)
	go ensureUsage(ctx, req, raw, ch)
	return ch, nil
}

// ensureUsage forwards chunks and guarantees that every stream completing
// with a Done chunk carried exactly one usage chunk. Some upstreams close a
// stream without reporting usage; the turn still has to be settled, so a
// character-count estimate is emitted in its place.
func ensureUsage(ctx context.Context, req *Request, in <-chan StreamChunk, out chan<- StreamChunk) {
	defer close(out)

	var (
		sawUsage bool
		output   strings.Builder
	)
	for chunk := range in {
		switch chunk.Type {
		case ChunkTypeUsage:
			sawUsage = true
		case ChunkTypeText, ChunkTypeThinking:
			output.WriteString(chunk.Text)
		}

		if chunk.Done && chunk.Err == nil && !sawUsage {
			estimate := StreamChunk{Type: ChunkTypeUsage, Usage: EstimateUsage(req, output.String())}
			if !send(ctx, out, estimate) {
				return
			}
		}

		if !send(ctx, out, chunk) {
			return
		}
	}
}

// reserve takes one token from the endpoint's limiter. When no token is
// immediately available the reservation is cancelled and the delay is
// surfaced as a RateLimitedError, so the dispatcher re-queues instead of
// blocking a worker.
func (c *Client) reserve(endpoint *routing.ResolvedEndpoint) error {
	if endpoint.RequestsPerMinute <= 0 {
		return nil
	}

	limiter := c.limiterFor(endpoint)
	reservation := limiter.Reserve()
	if !reservation.OK() {
		return &RateLimitedError{Provider: endpoint.ProviderName, RetryAfter: time.Minute}
	}

	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return &RateLimitedError{Provider: endpoint.ProviderName, RetryAfter: delay}
	}
	return nil
}

func (c *Client) limiterFor(endpoint *routing.ResolvedEndpoint) *rate.Limiter {
	key := endpoint.ProviderName + "|" + endpoint.BaseURL

	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.limiters[key]
	if !ok {
		rpm := endpoint.RequestsPerMinute
		burst := rpm / 6
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
		c.limiters[key] = limiter
	}
	return limiter
}

func (c *Client) setHeaders(r *http.Request, endpoint *routing.ResolvedEndpoint) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "text/event-stream")

	if endpoint.APIType == config.APITypeMessages {
		r.Header.Set("x-api-key", endpoint.APIKey)
		r.Header.Set("anthropic-version", anthropicVersion)
	} else {
		r.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}
}

// retryAfterFrom parses the Retry-After header as delay seconds, falling
// back to a fixed default.
func retryAfterFrom(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return defaultRetryAfter
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}
