package kb

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// InvalidInputError is returned for empty or malformed input. It is raised
// before any remote call is made.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input (%s): %s", e.Field, e.Reason)
}

// EmbeddingServiceError wraps a failure of the remote embedding model.
type EmbeddingServiceError struct {
	Op  string
	Err error
}

func (e *EmbeddingServiceError) Error() string {
	return fmt.Sprintf("embedding service: %s: %v", e.Op, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error { return e.Err }

// IndexServiceError wraps a failure of the vector index.
type IndexServiceError struct {
	Op  string
	Err error
}

func (e *IndexServiceError) Error() string {
	return fmt.Sprintf("vector index: %s: %v", e.Op, e.Err)
}

func (e *IndexServiceError) Unwrap() error { return e.Err }

// StoreServiceError wraps a failure of the document store.
type StoreServiceError struct {
	Op  string
	Err error
}

func (e *StoreServiceError) Error() string {
	return fmt.Sprintf("record store: %s: %v", e.Op, e.Err)
}

func (e *StoreServiceError) Unwrap() error { return e.Err }

// IsInvalidInput reports whether err is, or wraps, an *InvalidInputError.
func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}

// IsServiceError reports whether err comes from a remote dependency: the
// embedding model, the vector index, or the record store.
func IsServiceError(err error) bool {
	var (
		embedErr *EmbeddingServiceError
		indexErr *IndexServiceError
		storeErr *StoreServiceError
	)
	return errors.As(err, &embedErr) || errors.As(err, &indexErr) || errors.As(err, &storeErr)
}
