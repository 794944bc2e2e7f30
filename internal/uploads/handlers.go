package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/internalapi"
)

// multipartOverheadBytes bounds the boundary markers, part headers, and
// extra form fields around the file part.
const multipartOverheadBytes = 1 << 20

// allowedMimeTypes is the admission whitelist. Everything else is rejected
// before any bytes are processed.
var allowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// TokenValidator resolves a forwarded user token via the core.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*internalapi.ValidatedUser, error)
}

// Handlers is the HTTP surface of the upload service.
type Handlers struct {
	cfg       *Config
	service   *Service
	validator TokenValidator
	log       *logrus.Logger
}

func NewHandlers(cfg *Config, service *Service, validator TokenValidator, log *logrus.Logger) *Handlers {
	return &Handlers{cfg: cfg, service: service, validator: validator, log: log}
}

// Router builds the chi router with CORS and the upload route.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   h.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler)

	r.Get("/health", h.handleHealth)
	r.Post("/v1/uploads", h.handleUpload)
	return r
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload runs the full admission pipeline for one multipart file.
func (h *Handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// The body cap leaves headroom for multipart framing so a file at
	// exactly the limit still parses; the per-file check below enforces
	// the actual bound.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartOverheadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, apperrors.E(apperrors.KindInvalidRequest, "File exceeds the size limit", err))
			return
		}
		h.writeError(w, apperrors.E(apperrors.KindInvalidRequest, "Multipart field 'file' is required", err))
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, apperrors.E(apperrors.KindInvalidRequest, "File exceeds the size limit", err))
			return
		}
		h.writeError(w, apperrors.E(apperrors.KindInvalidRequest, "Failed to read file", err))
		return
	}
	if len(data) == 0 {
		h.writeError(w, apperrors.E(apperrors.KindInvalidRequest, "File is empty", nil))
		return
	}
	if int64(len(data)) > h.cfg.MaxUploadBytes {
		h.writeError(w, apperrors.E(apperrors.KindInvalidRequest, "File exceeds the size limit", nil))
		return
	}

	mimeType := detectMimeType(header.Header.Get("Content-Type"), data)
	if !allowedMimeTypes[mimeType] {
		h.writeError(w, apperrors.E(apperrors.KindInvalidRequest, "File type is not supported", nil))
		return
	}

	result, err := h.service.Process(r.Context(), *user, header.Filename, mimeType, data)
	if err != nil {
		h.log.WithFields(logrus.Fields{
			"user":  user.UserHash,
			"error": err.Error(),
		}).Warn("upload rejected")
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// authenticate lifts the token from the Authorization header or the
// refresh-token cookie and forwards it to the core for validation.
func (h *Handlers) authenticate(r *http.Request) (*internalapi.ValidatedUser, error) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		if cookie, err := r.Cookie("refresh_token"); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return nil, apperrors.E(apperrors.KindUnauthorized, "Authentication required", nil)
	}
	return h.validator.ValidateToken(r.Context(), token)
}

// detectMimeType trusts a whitelisted declared type and sniffs otherwise.
func detectMimeType(declared string, data []byte) string {
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = declared[:i]
	}
	declared = strings.TrimSpace(declared)
	if allowedMimeTypes[declared] {
		return declared
	}
	sniffed := http.DetectContentType(data)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	return sniffed
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalidRequest:
		status = http.StatusBadRequest
	case apperrors.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperrors.KindInsufficientCredits:
		status = http.StatusPaymentRequired
	case apperrors.KindIntegrityBlocked:
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("upload request failed")
	}
	writeJSON(w, status, apperrors.NewAPIError(apperrors.UserMessage(err), nil))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
