package uploads

import (
	"bytes"
	"context"
	"fmt"

	clamd "github.com/dutchcoders/go-clamd"

	apperrors "github.com/openmates/core/internal/errors"
)

// ScanVerdict is the recorded outcome of one malware scan.
type ScanVerdict struct {
	Clean  bool   `json:"clean"`
	Threat string `json:"threat,omitempty"`
}

// Scanner checks file bytes against a malware engine.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (ScanVerdict, error)
}

// ClamdScanner streams bytes to a clamd daemon over its TCP socket. The
// clamd protocol is synchronous, so calls are expected to run inside the
// work pool.
type ClamdScanner struct {
	engine *clamd.Clamd
}

// NewClamdScanner connects to clamd at a tcp:// or unix:// address.
func NewClamdScanner(address string) *ClamdScanner {
	return &ClamdScanner{engine: clamd.NewClamd(address)}
}

// Ping checks the daemon is reachable. Called once at startup.
func (s *ClamdScanner) Ping() error {
	return s.engine.Ping()
}

// Scan runs one INSTREAM scan. A FOUND verdict is not an error; the caller
// decides to reject. Daemon failures surface as infrastructure errors.
func (s *ClamdScanner) Scan(ctx context.Context, data []byte) (ScanVerdict, error) {
	abort := make(chan bool)
	defer close(abort)

	results, err := s.engine.ScanStream(bytes.NewReader(data), abort)
	if err != nil {
		return ScanVerdict{}, apperrors.E(apperrors.KindInfrastructure, "Malware scanner unavailable", err)
	}

	for result := range results {
		switch result.Status {
		case clamd.RES_OK:
			return ScanVerdict{Clean: true}, nil
		case clamd.RES_FOUND:
			return ScanVerdict{Clean: false, Threat: result.Description}, nil
		default:
			return ScanVerdict{}, apperrors.E(apperrors.KindInfrastructure, "Malware scan failed",
				fmt.Errorf("clamd returned %s: %s", result.Status, result.Description))
		}
	}

	return ScanVerdict{}, apperrors.E(apperrors.KindInfrastructure, "Malware scan failed",
		fmt.Errorf("clamd closed the stream without a verdict"))
}
