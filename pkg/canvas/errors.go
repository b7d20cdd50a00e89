package canvas

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Expected failure classes are returned as typed error values at every
// component boundary; callers branch with errors.Is / errors.As. Only
// genuinely unexpected conditions (Redis unreachable, corrupt rows) travel
// as wrapped opaque errors.

var (
	// ErrNotFound reports a missing or inaccessible canvas, version or
	// idempotency record.
	ErrNotFound = errors.New("not found")

	// ErrInFlight reports that an identical operation is already being
	// processed under the same idempotency key.
	ErrInFlight = errors.New("operation already in flight")

	// ErrAllocationRace reports that an optimistic store transaction
	// (version-number allocation, selection update, soft delete) lost the
	// WATCH race more times than the retry budget allows.
	ErrAllocationRace = errors.New("lost optimistic transaction race")

	// ErrDuplicateContent reports that an evolution with identical
	// (parent, evolution type, prompt) content was committed concurrently.
	// The Manager resolves it into a reuse of the winning version.
	ErrDuplicateContent = errors.New("evolution with identical content already exists")
)

// ValidationError reports malformed input with a stable reason code.
// It is local to the request: no state was mutated and no retry will help.
type ValidationError struct {
	Code    string // machine-readable reason code, e.g. "prompt_too_short"
	Field   string // offending field, when attributable
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed (%s): %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Message)
}

// ConflictError reports edit-lock contention with enough context for the
// caller to explain the conflict to a user.
type ConflictError struct {
	ArtifactID string
	Holder     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("artifact %s is locked by %s", e.ArtifactID, e.Holder)
}

// ExternalServiceError reports a generation backend failure. The store
// performs no automatic retry of generation.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsNotFound returns true if the error represents a missing entity,
// including the raw redis.Nil from lower-level reads.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict returns true for edit-lock contention, duplicate in-flight
// idempotency keys and exhausted optimistic transaction retries. All of
// these may succeed when retried later.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce) || errors.Is(err, ErrInFlight) || errors.Is(err, ErrAllocationRace)
}
