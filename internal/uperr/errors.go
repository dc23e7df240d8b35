// Package uperr defines the error taxonomy shared by every layer of the
// upload subsystem. Callers match with errors.Is.
package uperr

import (
	"context"
	"errors"
)

var (
	// ErrInvalidConfiguration is a programmer error such as a non-positive chunk size.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrDuplicateTask means an active task with the same stable id already exists.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrTaskNotFound means the record store holds no task with the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTransient covers network failures and timeouts on any round-trip.
	ErrTransient = errors.New("transient transport error")

	// ErrSessionExpired means the remote no longer recognizes the session token.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRejected covers destination, permission and quota refusals.
	ErrSessionRejected = errors.New("session rejected")

	// ErrChunkRejected is a server-side content validation failure for one chunk.
	ErrChunkRejected = errors.New("chunk rejected")

	// ErrNameConflict is raised at finalize time under the Fail conflict policy.
	ErrNameConflict = errors.New("name conflict")

	// ErrSourceChanged means the source file was modified after the task was created.
	ErrSourceChanged = errors.New("source changed")

	// ErrCancelled marks an explicit user cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrChunkRetriesExhausted wraps ErrTransient once a chunk ran out of attempts.
	ErrChunkRetriesExhausted = errors.New("chunk retries exhausted")
)

// Retryable reports whether err leaves the task resumable.
func Retryable(err error) bool {
	if err == nil || Terminal(err) {
		return false
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrChunkRejected) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Terminal reports whether err ends the task for good.
func Terminal(err error) bool {
	return errors.Is(err, ErrSessionRejected) ||
		errors.Is(err, ErrNameConflict) ||
		errors.Is(err, ErrSourceChanged) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrInvalidConfiguration)
}

// Reason returns the short tag published with a Failed status.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, ErrNameConflict):
		return "NameConflict"
	case errors.Is(err, ErrSessionRejected):
		return "SessionRejected"
	case errors.Is(err, ErrSourceChanged):
		return "SourceChanged"
	case errors.Is(err, ErrInvalidConfiguration):
		return "InvalidConfiguration"
	case errors.Is(err, ErrChunkRetriesExhausted):
		return "ChunkRetriesExhausted"
	case errors.Is(err, ErrSessionExpired):
		return "SessionExpired"
	case errors.Is(err, ErrChunkRejected):
		return "ChunkRejected"
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return "TransientTransportError"
	default:
		return "Internal"
	}
}
