// Package skills is the execution fabric for app-declared skills. Apps
// declare skills in YAML manifests; the fabric validates inbound request
// arrays against each skill's schema, runs the elements concurrently with
// per-element failure isolation, honours cancellation flags, and charges
// credits through the internal billing endpoint on success.
package skills

import (
	"context"
	"encoding/json"
)

// Element statuses after execution. Every element of a requests[] array ends
// in exactly one of these.
const (
	StatusOK        = "ok"
	StatusInvalid   = "invalid"
	StatusBlocked   = "blocked"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// RequestResult groups the results produced for one element of a requests[]
// array, keyed by the element's id so clients can match responses to
// requests.
type RequestResult struct {
	ID      interface{}   `json:"id"`
	Status  string        `json:"status"`
	Results []interface{} `json:"results,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Outcome is the aggregate of one skill invocation. Error joins the
// per-element failure messages so a caller that only reads the top level
// still learns which elements went wrong.
type Outcome struct {
	SkillKey       string          `json:"skill"`
	Results        []RequestResult `json:"results"`
	Error          string          `json:"error,omitempty"`
	CreditsCharged int64           `json:"credits_charged,omitempty"`
}

// Succeeded counts the elements that finished with StatusOK.
func (o *Outcome) Succeeded() int {
	n := 0
	for _, r := range o.Results {
		if r.Status == StatusOK {
			n++
		}
	}
	return n
}

// Invocation carries the trusted context the fabric injects into every skill
// call. The fields mirror the whitelisted underscore-prefixed keys accepted
// on the HTTP surface; everything else starting with "_" is stripped from
// inbound bodies.
type Invocation struct {
	TaskID     string
	ToolCallID string

	// UserHash is the SHA-256 hash of the calling user's id (_user_id).
	UserHash string

	// APIKeyName identifies the API key the call was made with, for usage
	// attribution (_api_key_name).
	APIKeyName string

	// External marks calls that originated outside the task runner
	// (_external_request).
	External bool

	cancelled func(ctx context.Context) bool
}

// Cancelled reports whether the originating user cancelled this skill call.
// Handlers should check it between I/O steps and abandon work when it fires;
// in-flight I/O is not aborted but its result is discarded.
func (inv *Invocation) Cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return inv.cancelled != nil && inv.cancelled(ctx)
}

// Handler executes one element of a skill's requests[] array. Elements run
// concurrently within an invocation, so implementations must be safe for
// concurrent use.
type Handler interface {
	Execute(ctx context.Context, inv *Invocation, element json.RawMessage) ([]interface{}, error)
}

// RequestSchemaProvider lets an in-process handler supply the Go type its
// request elements bind to. The registry reflects it into a JSON Schema when
// the manifest does not declare one.
type RequestSchemaProvider interface {
	RequestSchema() interface{}
}

// CancelFlags reads per-skill cancellation flags. Implemented by the cache
// service.
type CancelFlags interface {
	SkillCancelled(ctx context.Context, taskID, toolCallID string) (bool, error)
}

// ChargeRequest is the payload posted to /internal/billing/charge.
type ChargeRequest struct {
	UserHash       string `json:"user_id_hash"`
	Credits        int64  `json:"credits"`
	AppID          string `json:"app_id"`
	SkillID        string `json:"skill_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description,omitempty"`
}

// CreditCharger applies a credit charge. The production implementation posts
// to the core's internal billing endpoint.
type CreditCharger interface {
	Charge(ctx context.Context, req ChargeRequest) error
}
