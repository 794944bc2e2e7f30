package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/search"
)

// WebSearchRequest is one element of the web-search skill's requests array.
type WebSearchRequest struct {
	ID         interface{} `json:"id,omitempty" jsonschema:"description=Identifier used to match results to this request element"`
	Queries    []string    `json:"queries" jsonschema:"required,description=Search queries to execute (up to 3)"`
	NumResults int         `json:"num_results,omitempty" jsonschema:"description=Results per query,default=5,minimum=1,maximum=10"`
}

// WebSearchResult is the per-query result object returned to the caller.
type WebSearchResult struct {
	Query   string          `json:"query"`
	Results []search.Result `json:"results"`
}

// WebSearch is the in-process web-search skill handler.
type WebSearch struct {
	service *search.Service
	logger  *logger.Logger
}

// NewWebSearch wires the handler to its outbound search client.
func NewWebSearch(service *search.Service, log *logger.Logger) *WebSearch {
	return &WebSearch{
		service: service,
		logger:  log.WithComponent("websearch-skill"),
	}
}

// RequestSchema exposes the element type for schema reflection.
func (w *WebSearch) RequestSchema() interface{} {
	return &WebSearchRequest{}
}

// Execute runs the element's queries in order, checking the cancellation
// flag between them. Result summaries are externally fetched text and pass
// through sanitization before leaving the skill.
func (w *WebSearch) Execute(ctx context.Context, inv *Invocation, element json.RawMessage) ([]interface{}, error) {
	var req WebSearchRequest
	if err := json.Unmarshal(element, &req); err != nil {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "Invalid web search arguments", err)
	}

	if len(req.Queries) == 0 {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "At least one query is required", nil)
	}
	if len(req.Queries) > 3 {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "At most 3 queries are allowed", nil)
	}
	for i, q := range req.Queries {
		if strings.TrimSpace(q) == "" {
			return nil, apperrors.E(apperrors.KindInvalidRequest,
				fmt.Sprintf("Query at index %d is empty", i), nil)
		}
		req.Queries[i] = strings.TrimSpace(q)
	}

	results := make([]interface{}, 0, len(req.Queries))
	for _, query := range req.Queries {
		if inv.Cancelled(ctx) {
			return nil, apperrors.E(apperrors.KindCancelled, "Skill cancelled", nil)
		}

		resp, err := w.service.Search(ctx, search.Request{
			Query:      query,
			NumResults: req.NumResults,
		})
		if err != nil {
			return nil, apperrors.E(apperrors.KindInfrastructure, "Search failed", err)
		}

		sanitized := make([]search.Result, 0, len(resp.Results))
		for _, r := range resp.Results {
			// Hits legitimately arrive without a summary; only summaries
			// that exist go through the integrity filter.
			if r.Summary != "" {
				summary, err := SanitizeContent(&r.Summary)
				if err != nil {
					return nil, err
				}
				r.Summary = summary
			}
			sanitized = append(sanitized, r)
		}

		results = append(results, WebSearchResult{Query: query, Results: sanitized})
	}

	return results, nil
}
