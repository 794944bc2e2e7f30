package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
)

// TranscriptRequest is one element of the video-transcript skill's requests
// array.
type TranscriptRequest struct {
	ID       interface{} `json:"id,omitempty" jsonschema:"description=Identifier used to match results to this request element"`
	URL      string      `json:"url" jsonschema:"required,description=URL of the YouTube video to transcribe"`
	Language string      `json:"language,omitempty" jsonschema:"description=Preferred transcript language as a BCP-47 tag,default=en"`
}

// TranscriptResult carries one fetched transcript.
type TranscriptResult struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Language   string `json:"language,omitempty"`
	Transcript string `json:"transcript"`
}

// youtubeVideoID matches the 11-character id YouTube assigns to videos.
var youtubeVideoID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Transcript is the in-process video-transcript skill handler. It fetches
// transcripts from an external transcript API declared in the manifest's
// api_config.
type Transcript struct {
	httpClient *http.Client
	logger     *logger.Logger
	baseURL    string
	apiKey     string
}

// NewTranscript builds the handler from the skill's api_config.
func NewTranscript(apiConfig map[string]string, log *logger.Logger) *Transcript {
	apiKey := ""
	if envVar := apiConfig["api_key_env_var"]; envVar != "" {
		apiKey = os.Getenv(envVar)
	}

	return &Transcript{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithComponent("transcript-skill"),
		baseURL:    apiConfig["base_url"],
		apiKey:     apiKey,
	}
}

// RequestSchema exposes the element type for schema reflection.
func (t *Transcript) RequestSchema() interface{} {
	return &TranscriptRequest{}
}

// transcriptAPIResponse is the raw upstream response. Text is a pointer: the
// upstream integrity filter reports blocked content as an explicit null.
type transcriptAPIResponse struct {
	Text     *string `json:"text"`
	Language string  `json:"language,omitempty"`
}

// Execute fetches the transcript for the element's video. The fetched text
// goes through sanitization; blocked or empty transcripts fail this element
// only.
func (t *Transcript) Execute(ctx context.Context, inv *Invocation, element json.RawMessage) ([]interface{}, error) {
	var req TranscriptRequest
	if err := json.Unmarshal(element, &req); err != nil {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "Invalid transcript arguments", err)
	}
	if req.URL == "" {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "url is required", nil)
	}
	if err := validateVideoURL(req.URL, req.ID); err != nil {
		return nil, err
	}
	if t.baseURL == "" {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Transcript API not configured", nil)
	}

	language := req.Language
	if language == "" {
		language = "en"
	}

	params := url.Values{}
	params.Set("url", req.URL)
	params.Set("lang", language)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.baseURL+"/transcript?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Transcript fetch failed", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Transcript fetch failed",
			fmt.Errorf("transcript API returned status %d: %s", resp.StatusCode, string(body)))
	}

	var raw transcriptAPIResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse transcript response: %w", err)
	}

	if inv.Cancelled(ctx) {
		return nil, apperrors.E(apperrors.KindCancelled, "Skill cancelled", nil)
	}

	text, err := SanitizeContent(raw.Text)
	if err != nil {
		return nil, err
	}

	if raw.Language != "" {
		language = raw.Language
	}

	return []interface{}{TranscriptResult{
		Type:       "transcript_result",
		URL:        req.URL,
		Language:   language,
		Transcript: text,
	}}, nil
}

// validateVideoURL accepts the YouTube URL forms the transcript API can
// serve and names the request id in rejections so batched calls read well.
func validateVideoURL(rawURL string, id interface{}) error {
	reject := func(reason string) error {
		return apperrors.E(apperrors.KindInvalidRequest,
			fmt.Sprintf("URL '%s' (id: %v): %s", rawURL, id, reason), nil)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return reject("not a valid URL")
	}

	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	switch host {
	case "youtu.be":
		videoID := strings.Trim(parsed.Path, "/")
		if !youtubeVideoID.MatchString(videoID) {
			return reject("not a recognisable YouTube video URL")
		}
		return nil
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if strings.HasPrefix(parsed.Path, "/shorts/") {
			return reject("YouTube Shorts URLs are not supported. Link the full video instead")
		}
		if parsed.Path == "/watch" && youtubeVideoID.MatchString(parsed.Query().Get("v")) {
			return nil
		}
		return reject("not a recognisable YouTube video URL")
	default:
		return reject("only YouTube video URLs are supported")
	}
}
