package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"bankchat/internal/backend"
	"bankchat/internal/pkg/jwtutil"
)

var (
	ErrStreamInProgress = errors.New("a response is already streaming")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrCancelled        = errors.New("stream cancelled")
	ErrTimeout          = errors.New("stream timed out")
	ErrSessionDeleted   = errors.New("session deleted while streaming")
	ErrEmptyResponse    = errors.New("assistant returned an empty response")
	ErrNothingToRetry   = errors.New("no user message to retry")
)

// StreamError is an error event sent by the backend inside the stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("backend stream error: %s", e.Message)
}

// ReadError is a transport failure after the stream was open.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read stream failed: %v", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// IsUserVisible reports whether err belongs in the error banner.
// Cancellation never does.
func IsUserVisible(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrCancelled) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, ErrStreamInProgress)
}

// ErrorMessage renders err as the text shown to the user.
func ErrorMessage(err error) string {
	var (
		statusErr *backend.StatusError
		openErr   *backend.OpenError
		streamErr *StreamError
		readErr   *ReadError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &streamErr):
		return streamErr.Message
	case errors.Is(err, jwtutil.ErrTokenExpired), errors.Is(err, backend.ErrNoToken):
		return "Your session has expired. Please sign in again."
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return "Your session has expired. Please sign in again."
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return "Too many requests. Please wait a moment and try again."
		case statusErr.StatusCode >= 500:
			return "The assistant is temporarily unavailable. Please try again."
		}
		if detail := statusErr.Detail(); detail != "" {
			return detail
		}
		return fmt.Sprintf("The assistant rejected the request (status %d).", statusErr.StatusCode)
	case errors.As(err, &openErr):
		return "Could not reach the assistant. Check your connection and try again."
	case errors.As(err, &readErr):
		return "The connection to the assistant was interrupted."
	case errors.Is(err, ErrEmptyResponse):
		return "The assistant returned an empty response. Please try again."
	default:
		return err.Error()
	}
}
