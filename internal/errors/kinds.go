package errors

import (
	"errors"
	"fmt"
)

// Kind classifies failures by domain policy rather than by library type.
// Handlers switch on the kind to pick status codes, retry behaviour, and
// which device receives the error event.
type Kind int

const (
	// KindInvalidRequest covers missing fields, schema violations, and
	// unknown WS event types. Never retried.
	KindInvalidRequest Kind = iota
	// KindUnauthorized covers missing credentials and hashed_user_id
	// mismatches. Never retried; no broadcast is performed.
	KindUnauthorized
	// KindNotFound covers missing chats and embeds. First-write cases are
	// upgraded to create by the caller instead of reporting this kind.
	KindNotFound
	// KindProviderTransient covers timeouts, 5xx, and scheduled rate
	// limits. Retried against the secondary model, then the fallback.
	KindProviderTransient
	// KindProviderPermanent covers model-not-found and bad request schema
	// from a provider. Surfaces the task as failed, no retry.
	KindProviderPermanent
	// KindCancelled marks whole-task revokes and per-skill cancels.
	// Produces a cancelled result; not reported as an error.
	KindCancelled
	// KindIntegrityBlocked marks content-sanitization rejections. Fails
	// only the affected request element; siblings proceed.
	KindIntegrityBlocked
	// KindInfrastructure covers unreachable cache, durable store, S3, or
	// vault. Ownership checks fail closed; local-only chats fail open.
	KindInfrastructure
	// KindInsufficientCredits covers failed pre-charges. 402, no partial
	// work is performed.
	KindInsufficientCredits
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindProviderTransient:
		return "provider_transient"
	case KindProviderPermanent:
		return "provider_permanent"
	case KindCancelled:
		return "cancelled"
	case KindIntegrityBlocked:
		return "integrity_blocked"
	case KindInfrastructure:
		return "infrastructure"
	case KindInsufficientCredits:
		return "insufficient_credits"
	default:
		return "unknown"
	}
}

// DomainError attaches a Kind to an underlying error. The message is the
// coarse user-visible text; the wrapped error carries the detailed cause
// for logs.
type DomainError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Err }

// E builds a DomainError. err may be nil.
func E(kind Kind, message string, err error) error {
	return &DomainError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// treated as infrastructure failures.
func KindOf(err error) Kind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInfrastructure
}

// UserMessage returns the coarse user-visible text for an error chain.
func UserMessage(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return "Failed to process message"
}

// IsCancelled reports whether the error chain carries a cancellation.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}

// IsTransient reports whether a provider call may be retried against
// another model.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindProviderTransient
}
