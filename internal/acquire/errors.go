package acquire

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrJobNotFound is returned when a job ID is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidJob is returned when a job request fails validation.
	ErrInvalidJob = errors.New("invalid job")
	// ErrUnknownSource is returned when no profile or capability exists for a source.
	ErrUnknownSource = errors.New("unknown source")
	// ErrRateLimitTimeout is returned when a rate limiter slot is not available within the max wait.
	ErrRateLimitTimeout = errors.New("rate limit wait exceeded")
	// ErrDuplicateRecord is returned by persisters when the fingerprint already exists.
	ErrDuplicateRecord = errors.New("duplicate record")
	// ErrRobotsDisallowed is returned when robots.txt forbids a URL.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
)

// FetchError carries the HTTP status of a failed retrieval.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ExtractionError reports that a document could not be turned into fields.
type ExtractionError struct {
	Source string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Source, e.Reason)
}

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
