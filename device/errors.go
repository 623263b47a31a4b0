package device

import (
	"errors"
	"fmt"
)

var (
	// ErrAsyncModeRequired is returned when conversation results are requested
	// from a client that was not configured for async mode.
	ErrAsyncModeRequired = errors.New("conversation results only available in async mode")

	// ErrConversationPending means the conversation exists but no result has
	// been produced yet.
	ErrConversationPending = errors.New("conversation results not ready")
)

// StatusError is a non-200 reply from the virtual device. Body holds the raw
// response text.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if body == "" {
		body = "unknown error"
	}
	return fmt.Sprintf("HTTP %d - %s", e.StatusCode, body)
}

// ReplyError is an {"error": "..."} payload returned with status 200.
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string {
	return e.Message
}
