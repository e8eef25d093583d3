package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any network call.
	ErrValidation = errors.New("validation error")
	// ErrPreviewMissing is returned by execute when no live preview exists.
	ErrPreviewMissing = errors.New("preview expired or missing")
	// ErrSessionBusy is returned when a preview or execute is already running.
	ErrSessionBusy     = errors.New("session has an operation in flight")
	ErrSessionNotFound = errors.New("session not found")

	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	ErrUpstreamRejected    = errors.New("upstream rejected request")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	ErrChainRead  = errors.New("chain read failed")
	ErrSubmission = errors.New("batched operation submission failed")
	ErrReverted   = errors.New("batched operation reverted")
)

// LegError tags a quoting failure with the token it was issued for.
type LegError struct {
	Token string
	Op    string // "approve" or "swap"
	Err   error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("%s leg for token %s: %v", e.Op, e.Token, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// PhaseError names the orchestrator phase a run failed in.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// UpstreamError is a non-success HTTP response from an upstream service.
type UpstreamError struct {
	Status     int
	Body       string
	RetryAfter string
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RevertedError carries the terminal receipt of a failed batched operation.
type RevertedError struct {
	Handle  string
	Receipt *Receipt
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("batched operation %s did not succeed", e.Handle)
}

func (e *RevertedError) Unwrap() error { return ErrReverted }
