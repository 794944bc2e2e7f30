package provider

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELineSize caps one SSE line. Anthropic thinking deltas and tool
// argument deltas stay well under this.
const maxSSELineSize = 1024 * 1024

// newSSEScanner returns a bufio.Scanner configured for reading SSE lines.
// Each Scan returns one line without the trailing newline.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxSSELineSize)
	return s
}

// parseSSELine splits a single SSE line into its event name and data
// payload. Empty lines, comments, and unknown fields return ok=false.
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false
//	""                -> ok=false
func parseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
