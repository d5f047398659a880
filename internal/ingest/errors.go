package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a job or item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusRegression is returned when an item would move backwards.
	ErrStatusRegression = errors.New("item status cannot regress")
	// ErrStatusConflict is returned when an item changed status underneath a writer.
	ErrStatusConflict = errors.New("item status changed concurrently")
	// ErrJobTerminal is returned when a completed or failed job is mutated.
	ErrJobTerminal = errors.New("job is already terminal")
)

// FetchError describes one failed fetch attempt.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
	// Permanent marks failures no retry can fix, such as a URL refused
	// before any request was sent.
	Permanent bool
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed. Network errors,
// 429 and 5xx responses are transient; other 4xx responses are not.
func (e *FetchError) Retryable() bool {
	if e.Permanent || errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// FetchFailed is returned once the fetcher gives up on a URL.
type FetchFailed struct {
	URL       string
	LastError error
	Attempts  int
}

func (e *FetchFailed) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.LastError)
}

func (e *FetchFailed) Unwrap() error { return e.LastError }
