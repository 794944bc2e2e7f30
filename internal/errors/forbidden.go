package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ForbiddenReason represents machine-readable reason codes for 403 errors.
type ForbiddenReason string

const (
	// Access control
	ReasonEmbedNotOwned ForbiddenReason = "embed_not_owned"

	// Zero-knowledge boundary
	ReasonClientEncryptedEmbed ForbiddenReason = "client_encrypted_embed"
)

// ForbiddenError represents a standardized 403 Forbidden response.
type ForbiddenError struct {
	Error     string                 `json:"error"`             // Technical error message (for logs)
	UIMessage string                 `json:"uiMessage"`         // User-friendly message (for UI display)
	Reason    ForbiddenReason        `json:"reason"`            // Machine-readable reason code
	Details   map[string]interface{} `json:"details,omitempty"` // Optional context data
}

// NewForbiddenError creates a new ForbiddenError with the given parameters.
func NewForbiddenError(reason ForbiddenReason, errorMsg, uiMessage string, details map[string]interface{}) *ForbiddenError {
	return &ForbiddenError{
		Error:     errorMsg,
		UIMessage: uiMessage,
		Reason:    reason,
		Details:   details,
	}
}

// AbortWithForbidden sends a 403 response with the ForbiddenError and aborts the request.
func AbortWithForbidden(c *gin.Context, err *ForbiddenError) {
	c.AbortWithStatusJSON(http.StatusForbidden, err)
}

// EmbedNotOwned creates a ForbiddenError for unauthorized embed access.
func EmbedNotOwned(embedID string) *ForbiddenError {
	return NewForbiddenError(
		ReasonEmbedNotOwned,
		"Forbidden: You don't own this embed",
		"You don't have permission to access this file.",
		map[string]interface{}{
			"embed_id": embedID,
		},
	)
}

// ClientEncryptedEmbed creates a ForbiddenError for download attempts on
// embeds the server cannot decrypt.
func ClientEncryptedEmbed(embedID string) *ForbiddenError {
	return NewForbiddenError(
		ReasonClientEncryptedEmbed,
		"Embed is client-encrypted; the server holds no key for it",
		"This file is end-to-end encrypted and can only be opened on your device.",
		map[string]interface{}{
			"embed_id": embedID,
		},
	)
}
