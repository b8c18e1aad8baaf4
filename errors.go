package ephemeral

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoResponse is returned when a fixture without a response would be
// registered or replayed.
var ErrNoResponse = errors.New("ephemeral: fixture has no response")

// NoFixtureError is returned when the mode is ModeReplayOnly and no fixture
// is found for the current request.
//
// Because the error is returned from the transport, it may be wrapped.
type NoFixtureError struct {
	Method string
	URL    string
}

// Error implements the error interface.
func (e *NoFixtureError) Error() string {
	return fmt.Sprintf("no fixture for %s %s", e.Method, e.URL)
}

func newNoFixtureError(method, url string) *NoFixtureError {
	if method == "" {
		method = http.MethodGet
	}
	return &NoFixtureError{Method: method, URL: url}
}

// LoadError describes a persisted record that could not be read while
// loading a fixture set. It is not fatal: the record is skipped.
type LoadError struct {
	Set string
	Key string
	Err error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("load fixture %s/%s: %v", e.Set, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }

// StorageError is returned when a fixture cannot be written to or deleted
// from storage.
type StorageError struct {
	Op  string
	Set string
	Key string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("%s fixture %s/%s: %v", e.Op, e.Set, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }
