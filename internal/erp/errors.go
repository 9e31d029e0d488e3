package erp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxErrorBody = 256

// ResponseError reports an unexpected status from the ERP. It unwraps to one
// of the shared sentinels so callers can match with errors.Is.
type ResponseError struct {
	Op         string
	StatusCode int
	Body       string
	Kind       error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("erp: %s: %v: status %d: %s", e.Op, e.Kind, e.StatusCode, truncate(strings.TrimSpace(e.Body), maxErrorBody))
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// Unwrap exposes the sentinel.
func (e *ResponseError) Unwrap() error {
	return e.Kind
}
