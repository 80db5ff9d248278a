package backend

import (
	"errors"
	"fmt"
)

var ErrNoToken = errors.New("no access token available")

// OpenError is a failure to reach the backend before any response byte
// arrived: DNS, TLS, connection refused, or a missing token.
type OpenError struct {
	URL string
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open backend stream %s failed: %v", e.URL, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response. It is returned before any decoding.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend responded with status %d: %s", e.StatusCode, e.Body)
}

// Detail extracts the FastAPI style {"detail": "..."} message when present.
func (e *StatusError) Detail() string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := unmarshalString(e.Body, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return e.Body
}
