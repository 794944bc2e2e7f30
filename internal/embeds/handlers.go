package embeds

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openmates/core/internal/auth"
	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
)

// Handlers exposes the embed download surface over REST. Only vault-mode
// embeds can be served as plaintext; client-mode embeds are refused because
// the server holds no key that opens them.
type Handlers struct {
	service *Service
	logger  *logger.Logger
}

func NewHandlers(service *Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: service,
		logger:  log.WithComponent("embeds-http"),
	}
}

// RegisterRoutes mounts the embed routes on an authenticated group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/embeds/:embed_id/file", h.handleFile)
	rg.GET("/embeds/:embed_id/content", h.handleContent)
}

// handleFile serves GET /v1/embeds/{embed_id}/file?format=preview|full|original
// as an attachment with a filename derived from the generating prompt.
func (h *Handlers) handleFile(c *gin.Context) {
	userHash, ok := auth.GetUserHash(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "authentication required", nil)
		return
	}

	result, err := h.service.Download(c.Request.Context(), userHash, c.Param("embed_id"), c.Query("format"))
	if err != nil {
		h.abort(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Data(http.StatusOK, result.ContentType, result.Bytes)
}

// handleContent returns the decrypted content document of a vault-mode embed.
func (h *Handlers) handleContent(c *gin.Context) {
	userHash, ok := auth.GetUserHash(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "authentication required", nil)
		return
	}

	embed, err := h.service.RequestEmbed(c.Request.Context(), userHash, c.Param("embed_id"))
	if err != nil {
		h.abort(c, err)
		return
	}
	if embed.EncryptionMode == ModeClient {
		apperrors.AbortWithForbidden(c, apperrors.ClientEncryptedEmbed(embed.EmbedID))
		return
	}

	content, err := h.service.DecryptContent(c.Request.Context(), embed)
	if err != nil {
		h.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"embed_id": embed.EmbedID,
		"type":     content.Type,
		"content":  json.RawMessage(mustMarshal(content)),
		"status":   embed.Status,
	})
}

func (h *Handlers) abort(c *gin.Context, err error) {
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalidRequest:
		apperrors.AbortWithBadRequest(c, apperrors.UserMessage(err), nil)
	case apperrors.KindUnauthorized:
		// The middleware already proved identity, so an unauthorized kind
		// from the service means the embed belongs to someone else.
		apperrors.AbortWithForbidden(c, apperrors.EmbedNotOwned(c.Param("embed_id")))
	case apperrors.KindNotFound:
		apperrors.AbortWithNotFound(c, apperrors.UserMessage(err), nil)
	default:
		h.logger.Error("embed request failed", "error", err.Error())
		apperrors.AbortWithInternal(c, "Failed to process request", nil)
	}
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
