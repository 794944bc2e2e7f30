package skills

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openmates/core/internal/config"
	apperrors "github.com/openmates/core/internal/errors"
)

func transcriptManifest() []config.AppManifest {
	return []config.AppManifest{{
		ID: "videos",
		Skills: []config.SkillConfig{{
			ID:          "transcript",
			Description: "Fetch video transcripts",
			Stage:       config.SkillStageDevelopment,
		}},
	}}
}

func transcriptUpstream(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcript" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"text":     text,
			"language": r.URL.Query().Get("lang"),
		}); err != nil {
			t.Errorf("encode: %v", err)
		}
	}))
}

func TestTranscriptParallelWithOneFailure(t *testing.T) {
	upstream := transcriptUpstream(t, "hello from the video")
	defer upstream.Close()

	registry := testRegistry(t, transcriptManifest(), "development")
	handler := NewTranscript(map[string]string{"base_url": upstream.URL}, testLogger())
	if err := registry.Bind("videos", "transcript", handler); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	executor := NewExecutor(registry, nil, nil, nil, testLogger())

	body := []byte(`{"requests":[
		{"id":"a","url":"https://youtu.be/valid11char"},
		{"id":"b","url":"https://www.youtube.com/shorts/x"}
	]}`)

	outcome, err := executor.Execute(context.Background(), &Invocation{TaskID: "task-1"}, "videos-transcript", body)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(outcome.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(outcome.Results))
	}

	first := outcome.Results[0]
	if first.Status != StatusOK {
		t.Fatalf("expected first element ok, got %s (%s)", first.Status, first.Error)
	}
	if len(first.Results) != 1 {
		t.Fatalf("expected one transcript, got %d", len(first.Results))
	}
	transcript, ok := first.Results[0].(TranscriptResult)
	if !ok {
		t.Fatalf("expected TranscriptResult, got %T", first.Results[0])
	}
	if transcript.Type != "transcript_result" {
		t.Errorf("expected type transcript_result, got %q", transcript.Type)
	}
	if transcript.URL != "https://youtu.be/valid11char" {
		t.Errorf("unexpected url %q", transcript.URL)
	}
	if transcript.Transcript != "hello from the video" {
		t.Errorf("unexpected transcript %q", transcript.Transcript)
	}

	// The Shorts URL fails alone: empty results and a named error.
	second := outcome.Results[1]
	if second.Status != StatusInvalid {
		t.Errorf("expected second element invalid, got %s", second.Status)
	}
	if len(second.Results) != 0 {
		t.Errorf("failed element must carry no results, got %d", len(second.Results))
	}

	if !strings.Contains(outcome.Error, "(id: b)") {
		t.Errorf("top-level error must name the failed id, got %q", outcome.Error)
	}
	if !strings.Contains(outcome.Error, "Shorts") {
		t.Errorf("top-level error must explain the rejection, got %q", outcome.Error)
	}
}

func TestValidateVideoURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{name: "short link", url: "https://youtu.be/dQw4w9WgXcQ"},
		{name: "watch link", url: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{name: "mobile watch link", url: "https://m.youtube.com/watch?v=dQw4w9WgXcQ"},
		{name: "music watch link", url: "https://music.youtube.com/watch?v=dQw4w9WgXcQ"},
		{
			name:    "shorts",
			url:     "https://www.youtube.com/shorts/abc",
			wantErr: "Shorts",
		},
		{
			name:    "short link with bad id",
			url:     "https://youtu.be/nope",
			wantErr: "not a recognisable",
		},
		{
			name:    "other host",
			url:     "https://vimeo.com/12345",
			wantErr: "only YouTube",
		},
		{
			name:    "not a url",
			url:     "::::",
			wantErr: "not a valid URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateVideoURL(tt.url, "x")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
			if kind := apperrors.KindOf(err); kind != apperrors.KindInvalidRequest {
				t.Errorf("expected kind %v, got %v", apperrors.KindInvalidRequest, kind)
			}
		})
	}
}

func TestTranscriptBlockedText(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": null}`)) //nolint:errcheck
	}))
	defer upstream.Close()

	handler := NewTranscript(map[string]string{"base_url": upstream.URL}, testLogger())

	_, err := handler.Execute(context.Background(), &Invocation{},
		json.RawMessage(`{"id":"a","url":"https://youtu.be/dQw4w9WgXcQ"}`))
	if err == nil {
		t.Fatal("expected error for null transcript")
	}
	if kind := apperrors.KindOf(err); kind != apperrors.KindIntegrityBlocked {
		t.Errorf("expected kind %v, got %v", apperrors.KindIntegrityBlocked, kind)
	}
}

func TestTranscriptUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	handler := NewTranscript(map[string]string{"base_url": upstream.URL}, testLogger())

	_, err := handler.Execute(context.Background(), &Invocation{},
		json.RawMessage(`{"id":"a","url":"https://youtu.be/dQw4w9WgXcQ"}`))
	if err == nil {
		t.Fatal("expected error for upstream failure")
	}
	if kind := apperrors.KindOf(err); kind != apperrors.KindInfrastructure {
		t.Errorf("expected kind %v, got %v", apperrors.KindInfrastructure, kind)
	}
}
