package insight

import "errors"

var (
	// ErrSessionClosed is returned when a fragment targets a closed session.
	// It is terminal: redelivery will never succeed.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotFound is returned for reads of unknown or evicted sessions.
	ErrNotFound = errors.New("session not found")

	// ErrTooManyFragments signals overload; the caller may retry after backoff.
	ErrTooManyFragments = errors.New("too many fragments")

	// ErrTransient marks an internal failure applying a fragment. No insight
	// state was mutated and the caller may redeliver.
	ErrTransient = errors.New("transient failure")

	// ErrMalformedEvent is returned when a raw event misses required fields.
	ErrMalformedEvent = errors.New("malformed event")
)
