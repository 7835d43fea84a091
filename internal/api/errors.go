package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error response from the collector API with the HTTP
// status code and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// OverflowUploadError indicates that an out-of-band upload of an oversized
// payload failed. The event it belongs to has not been delivered.
type OverflowUploadError struct {
	UploadID string
	Err      error
}

func (e *OverflowUploadError) Error() string {
	return fmt.Sprintf("api: overflow upload %s failed: %v", e.UploadID, e.Err)
}

func (e *OverflowUploadError) Unwrap() error { return e.Err }

// IsPayloadTooLarge reports whether err is the collector rejecting a batch
// for exceeding its size limit.
func IsPayloadTooLarge(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusRequestEntityTooLarge
}

// IsRetriable reports whether err is transient: a network failure, a
// timeout, a rate limit, or a server-side error. Client errors such as 400
// or 413 are permanent and must not be retried blindly.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch {
		case e.StatusCode == http.StatusRequestTimeout:
			return true
		case e.StatusCode == http.StatusTooManyRequests:
			return true
		case e.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	// Anything that never produced an HTTP status is a transport failure.
	return true
}
