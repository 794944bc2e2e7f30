package skills

import (
	"strings"
	"unicode"

	apperrors "github.com/openmates/core/internal/errors"
)

// SanitizeContent normalizes externally fetched text (web pages, transcripts,
// documents) before it enters a skill result. A nil pointer means the
// integrity layer blocked the content outright; text that is empty after
// cleaning means the fetch failed upstream. Both are errors for the element
// being processed.
func SanitizeContent(content *string) (string, error) {
	if content == nil {
		return "", apperrors.E(apperrors.KindIntegrityBlocked, "Content blocked by integrity filter", nil)
	}

	cleaned := strings.ToValidUTF8(*content, "")
	cleaned = strings.Map(dropUnsafeRune, cleaned)
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return "", apperrors.E(apperrors.KindInfrastructure, "Fetched content was empty", nil)
	}

	return cleaned, nil
}

// dropUnsafeRune removes control characters (keeping newline and tab) and
// zero-width characters that survive UTF-8 validation but corrupt transcripts.
func dropUnsafeRune(r rune) rune {
	switch r {
	case '\n', '\t':
		return r
	case '\u200b', '\u200c', '\u200d', '\ufeff':
		return -1
	}
	if unicode.IsControl(r) {
		return -1
	}
	return r
}
