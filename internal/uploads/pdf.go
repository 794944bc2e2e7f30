package uploads

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	apperrors "github.com/openmates/core/internal/errors"
)

// maxPDFPages bounds admission; anything larger is rejected before any
// charge or storage happens.
const maxPDFPages = 1000

// creditsPerPage is the upfront OCR charge rate.
const creditsPerPage = 3

// countPDFPages parses the document structure only. A file that calls
// itself a PDF but does not parse is an invalid request, not a server
// failure.
func countPDFPages(data []byte) (int, error) {
	pages, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, apperrors.E(apperrors.KindInvalidRequest, "PDF could not be parsed", err)
	}
	if pages < 1 {
		return 0, apperrors.E(apperrors.KindInvalidRequest, "PDF has no pages", nil)
	}
	if pages > maxPDFPages {
		return 0, apperrors.E(apperrors.KindInvalidRequest,
			fmt.Sprintf("PDF exceeds the %d page limit", maxPDFPages), nil)
	}
	return pages, nil
}
