package ai

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrBusy is returned when a conversation already has a request in flight.
	ErrBusy = errors.New("conversation is busy")
	// ErrEmptyPrompt rejects blank input before any network call.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")
	// ErrStreamStalled ends a stream that sent nothing for the idle timeout.
	ErrStreamStalled = errors.New("stream stalled")
)

// StreamError is a streaming failure after the response started. Partial
// holds the text decoded before the failure.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string { return e.Err.Error() }

func (e *StreamError) Unwrap() error { return e.Err }

// APIError is a non-success response from the completion endpoint.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("api error (status %d, %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// newAPIError extracts a message from either {"error":{"message"}} or {"message"} payloads.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if msg := parsed.Get("error.message"); msg.Exists() && msg.String() != "" {
			apiErr.Message = msg.String()
			apiErr.Type = parsed.Get("error.type").String()
			return apiErr
		}
		if msg := parsed.Get("message"); msg.Exists() && msg.String() != "" {
			apiErr.Message = msg.String()
			return apiErr
		}
	}
	apiErr.Message = fmt.Sprintf("request failed with status %d", status)
	return apiErr
}
