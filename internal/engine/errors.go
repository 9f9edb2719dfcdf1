package engine

import (
	"errors"
	"fmt"

	"github.com/engramlabs/engram/internal/graph"
	"github.com/engramlabs/engram/internal/vector"
)

// ValidationError reports bad input. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// EmbeddingError reports a failed embedding gateway call. Retryable.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return fmt.Sprintf("embedding failed: %v", e.Err) }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// StorageError reports a failed or timed-out store call. Retryable; the
// engine does not retry internally.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError reports a memory id that does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return "memory not found: " + e.ID }

// StaleVersionError reports an update against a superseded version.
type StaleVersionError struct {
	ID string
}

func (e *StaleVersionError) Error() string { return "memory is not the latest version: " + e.ID }

// CycleDetectedError reports a cyclic version chain. This is a lineage
// integrity violation and is always surfaced.
type CycleDetectedError struct {
	ID string
}

func (e *CycleDetectedError) Error() string { return "cycle detected in version chain at: " + e.ID }

// storeErr maps a raw store error onto the engine taxonomy. Sentinels from
// the store packages become NotFoundError; everything else, including
// context deadline hits, becomes StorageError.
func storeErr(op, id string, err error) error {
	if errors.Is(err, graph.ErrNotFound) || errors.Is(err, vector.ErrNotFound) {
		return &NotFoundError{ID: id}
	}
	return &StorageError{Op: op, Err: err}
}
