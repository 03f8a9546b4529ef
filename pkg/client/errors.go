package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrMaxRetriesExceeded is returned when a transient failure persists past
	// the configured number of attempts.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// ErrorClass represents a classification of failed requests.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses other than 429. Never retried.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses. Retried.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses. Retried.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures. Never retried.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError is a failed request with the raw response body as detail.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stack %s error: %v", e.ErrorClass, e.Err)
	}
	return fmt.Sprintf("stack %s error (status %d): %s", e.ErrorClass, e.StatusCode, e.Body)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a status code to an error class. 200-399 is not an error.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 400:
		return ""
	case status == 429:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// shouldRetry determines if an error class is transient.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit:
		return true
	default:
		// 4xx rejections and transport failures are terminal
		return false
	}
}

// IsRetryable reports whether err is a transient API failure.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return shouldRetry(apiErr.ErrorClass)
	}
	return false
}
