package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write violates a uniqueness constraint,
// e.g. a second resolution for the same conflict event.
var ErrConflict = errors.New("storage: conflict")
