// Package search queries the web search provider used by the web-search
// skill. The provider returns AI-written page summaries rather than raw page
// text, so responses stay small enough to feed straight into a model turn.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/openmates/core/internal/logger"
)

const defaultBaseURL = "https://api.exa.ai"

// summaryQuery steers the provider's summarizer. Thorough on purpose: the
// model consuming these results never sees the underlying page.
const summaryQuery = "Summarize the page content completely, keeping all numbers, names, and specific details. Preserve the original structure where possible."

// Service is the outbound search client.
type Service struct {
	httpClient *http.Client
	logger     *logger.Logger
	baseURL    string
	apiKey     string
}

// NewService builds a client. apiConfig comes from the skill manifest; it
// may override base_url and names the env var holding the API key.
func NewService(apiConfig map[string]string, log *logger.Logger) *Service {
	baseURL := apiConfig["base_url"]
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	apiKey := ""
	if envVar := apiConfig["api_key_env_var"]; envVar != "" {
		apiKey = os.Getenv(envVar)
	}

	return &Service{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithComponent("search"),
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Request is one search query.
type Request struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results,omitempty"` // default 5, max 10
}

// Result is a single search hit.
type Result struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	PublishedDate string `json:"published_date,omitempty"`
	Author        string `json:"author,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

// Response is the standardized search response.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// apiResponse is the raw provider response.
type apiResponse struct {
	Results []struct {
		URL           string `json:"url"`
		Title         string `json:"title"`
		PublishedDate string `json:"publishedDate,omitempty"`
		Author        string `json:"author,omitempty"`
		Summary       string `json:"summary,omitempty"`
	} `json:"results"`
}

// Search runs one query against the provider.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("search API key not configured")
	}

	payload, err := s.buildPayload(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build API payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.apiKey)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, string(body))
	}

	var raw apiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	results := make([]Result, 0, len(raw.Results))
	for _, r := range raw.Results {
		results = append(results, Result{
			URL:           r.URL,
			Title:         r.Title,
			PublishedDate: r.PublishedDate,
			Author:        r.Author,
			Summary:       r.Summary,
		})
	}

	s.logger.Debug("search completed", "query", req.Query, "results", len(results))

	return &Response{Query: req.Query, Results: results}, nil
}

func (s *Service) buildPayload(req Request) ([]byte, error) {
	numResults := req.NumResults
	if numResults <= 0 {
		numResults = 5
	}
	if numResults > 10 {
		numResults = 10
	}

	payload := map[string]interface{}{
		"query":      req.Query,
		"type":       "auto",
		"numResults": numResults,
		"contents": map[string]interface{}{
			"summary": map[string]interface{}{
				"query": summaryQuery,
			},
		},
	}

	return json.Marshal(payload)
}
