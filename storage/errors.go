package storage

import (
	"errors"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when an atomic create lost against
	// an existing key. Callers treat this as an idempotent no-op, not
	// a failure.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrRevisionConflict is returned when a compare-and-set update
	// lost against a concurrent writer.
	ErrRevisionConflict = errors.New("revision conflict")
)

// isNotFound checks whether an error indicates a missing key.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}

// isKeyExists checks whether an atomic create hit an existing key.
func isKeyExists(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists) ||
		(err != nil && strings.Contains(err.Error(), "key exists"))
}

// isRevisionMismatch checks whether a revision-checked update lost to
// a concurrent writer.
func isRevisionMismatch(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists) ||
		(err != nil && strings.Contains(err.Error(), "wrong last sequence"))
}
