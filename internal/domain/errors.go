package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed address, CIDR or ASN input.
	ErrValidation = errors.New("invalid entry")
	// ErrStorage marks a failed read or write against a persistent store.
	ErrStorage = errors.New("storage unavailable")
	// ErrUpstreamUnavailable marks a failed or timed out network call.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrPipelineExhausted is reported when every feed source and fallback failed.
	ErrPipelineExhausted = errors.New("feed pipeline exhausted")
	// ErrNotFound is returned by key/value lookups that miss.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes a rejected input entry.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid entry %q", e.Input)
	}
	return fmt.Sprintf("invalid entry %q: %s", e.Input, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// OpError ties a failed operation to one of the taxonomy sentinels.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func StorageError(op string, err error) error {
	return &OpError{Op: op, Kind: ErrStorage, Err: err}
}

func UpstreamError(op string, err error) error {
	return &OpError{Op: op, Kind: ErrUpstreamUnavailable, Err: err}
}
