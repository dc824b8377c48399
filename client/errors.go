package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a failed remote call. StatusCode is zero when the request never
// got a response.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Data       json.RawMessage
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.StatusCode != 0 && e.StatusCode != http.StatusOK:
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same call later may succeed:
// transport failures, timeouts, throttling and server errors.
func (e *Error) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// IsTemporary reports whether err is a retryable remote failure. Errors that
// did not come from this package are treated as temporary.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Temporary()
	}
	return true
}
