package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidQuery = errors.New("query is required")
	ErrTransport    = errors.New("transport failure")
	ErrProvider     = errors.New("provider failure")
)

// ProviderError is a well-formed response from the search API that reports
// an application-level failure.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Search failed (code %d)", e.Code)
}

func (e *ProviderError) Unwrap() error {
	return ErrProvider
}

// TransportError covers non-2xx responses and network failures. Err keeps
// the underlying cause so callers can still match context errors.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("Search failed (%d)", e.StatusCode)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "Search failed"
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}
