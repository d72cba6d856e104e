package client

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Common errors returned by the factory.
var (
	// ErrFactoryClosed rejects registrations after Close.
	ErrFactoryClosed = errors.New("client factory closed")

	// ErrDuplicateClient rejects Create for an already registered name.
	ErrDuplicateClient = errors.New("client already registered")
)

// Class categorizes upstream failures for retry decisions and metrics.
type Class string

const (
	// ClassClient represents 4xx client errors.
	ClassClient Class = "client"

	// ClassServer represents 5xx server errors.
	ClassServer Class = "server"

	// ClassRateLimit represents 429 responses.
	ClassRateLimit Class = "rate_limit"

	// ClassNetwork represents network errors with no response.
	ClassNetwork Class = "network"
)

// UpstreamError is a failed provider call with enough context to decide
// on a retry.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Class      Class
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %s: %v",
			e.Provider, e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s error (status %d): %s",
		e.Provider, e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// classify categorizes an HTTP error status. Only called for >= 400.
func classify(statusCode int) Class {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ClassRateLimit
	case statusCode >= 500:
		return ClassServer
	default:
		return ClassClient
	}
}

// retryable reports whether another attempt can help: network errors
// with no response, any 5xx, 429, and the few 4xx codes that signal a
// transient condition rather than a bad request.
func retryable(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	switch ue.Class {
	case ClassNetwork, ClassServer, ClassRateLimit:
		return true
	}
	switch ue.StatusCode {
	case http.StatusRequestTimeout,
		http.StatusConflict,
		http.StatusLocked,
		http.StatusFailedDependency:
		return true
	}
	return false
}

// errClass extracts the classification for metrics and logs.
func errClass(err error) Class {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Class
	}
	return ClassNetwork
}

// parseRetryAfter reads a Retry-After header value, either delta-seconds
// or an HTTP date. Dates in the past yield zero.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
