package domain

import "errors"

// Sentinel errors surfaced by the tracking core. Callers are expected to
// match them with errors.Is after unwrapping.
var (
	// ErrDeserialization indicates a stored payload could not be decoded.
	ErrDeserialization = errors.New("malformed snapshot payload")

	// ErrSchemaMismatch indicates an entity type's declared fields no longer
	// match the fields captured in a snapshot.
	ErrSchemaMismatch = errors.New("entity fields do not match snapshot")

	// ErrNotFound indicates an entity looked up by identity no longer exists.
	// Expected and recoverable, common after deletion.
	ErrNotFound = errors.New("entity not found")

	// ErrNoHistory indicates an empty event stream for an identity.
	ErrNoHistory = errors.New("no history recorded for entity")

	// ErrCorruptHistory indicates an event stream that violates the ledger
	// invariants (e.g. missing a leading CREATE). Fatal, never retried.
	ErrCorruptHistory = errors.New("history stream is corrupt")

	// ErrUnknownEntityType indicates a type tag with no registered descriptor.
	ErrUnknownEntityType = errors.New("entity type is not registered")
)
