package scoutsync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUpstreamUnavailable means every read source failed and nothing was
	// cached for the URL.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrQueueSaturated is recorded when a task has to wait for the rate or
	// concurrency limit. Tasks are never dropped because of it.
	ErrQueueSaturated = errors.New("submission queue saturated")

	ErrNotPersisted        = errors.New("submission is not persisted")
	ErrQueueClosed         = errors.New("submission queue closed")
	ErrNoSubmissionTargets = errors.New("no submission targets configured")
	ErrNoReadSources       = errors.New("no read sources configured")
	ErrNotFound            = errors.New("not found")
	ErrNoPrimaryServer     = errors.New("no primary server configured")
)

// EncodeError is returned when a record cannot be serialized or compressed.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return "encode: " + e.Err.Error() }
func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError is returned for corrupt or truncated payloads.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// SchemaViolation lists every problem found while validating a payload.
type SchemaViolation struct {
	Subject  string
	Problems []string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("schema violation in %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}

// DispatchFailure is one server's failed submission attempt.
type DispatchFailure struct {
	Server string
	Status int
	Err    error
}

func (e *DispatchFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch to %s: %v", e.Server, e.Err)
	}
	return fmt.Sprintf("dispatch to %s: status %d", e.Server, e.Status)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }
