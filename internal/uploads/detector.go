package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// DetectionResult is the AI-generation verdict for an image. A nil result
// on an upload means the detector was unavailable or undecided; the upload
// proceeds either way.
type DetectionResult struct {
	AIGenerated bool    `json:"ai_generated"`
	Confidence  float64 `json:"confidence"`
}

// Detector classifies images as AI-generated. Implementations must treat
// their own failures as "no verdict", never as a blocking error.
type Detector interface {
	Detect(ctx context.Context, filename string, data []byte) *DetectionResult
}

// HTTPDetector posts the image to an external classification API.
type HTTPDetector struct {
	httpClient *http.Client
	url        string
	apiKey     string
	log        *logrus.Logger
}

func NewHTTPDetector(url, apiKey string, log *logrus.Logger) *HTTPDetector {
	return &HTTPDetector{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		url:        url,
		apiKey:     apiKey,
		log:        log,
	}
}

// Detect returns the detector's verdict or nil. Every failure path logs
// and returns nil so detection can never block an upload.
func (d *HTTPDetector) Detect(ctx context.Context, filename string, data []byte) *DetectionResult {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filename)
	if err == nil {
		_, err = part.Write(data)
	}
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		d.log.WithError(err).Warn("ai detector request build failed")
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		d.log.WithError(err).Warn("ai detector request build failed")
		return nil
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.log.WithError(err).Warn("ai detector unreachable")
		return nil
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		d.log.WithField("status", resp.StatusCode).Warn("ai detector rejected request")
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		d.log.WithError(err).Warn("ai detector response unreadable")
		return nil
	}

	var result DetectionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		d.log.WithError(fmt.Errorf("decode detector response: %w", err)).Warn("ai detector response unreadable")
		return nil
	}
	return &result
}
