package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Match with errors.Is.
var (
	// ErrConfig is fatal: the process cannot run with the given configuration.
	ErrConfig = errors.New("configuration error")
	// ErrStoreUnavailable is transient: the store could not be reached or no connection was free in time.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrSchema is fatal: the relation does not match what the code expects.
	ErrSchema = errors.New("schema error")
	// ErrConflict means a chunk key exists with different content.
	ErrConflict = errors.New("chunk key conflict")
	// ErrEmbeddingService is transient unless it also wraps ErrDimensionMismatch.
	ErrEmbeddingService = errors.New("embedding service error")
	// ErrDimensionMismatch is a configuration error surfaced by embedder or store.
	ErrDimensionMismatch = fmt.Errorf("%w: embedding dimension mismatch", ErrConfig)
	// ErrInvalidArgument rejects a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidDocument rejects a document at the ingestion boundary.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrNotCollected means generation ran before any collection for the entity.
	ErrNotCollected = errors.New("no collected documents")
)

// IsFatal reports whether err must stop the process or stage rather than be retried or skipped.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfig) || errors.Is(err, ErrSchema)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrEmbeddingService)
}
