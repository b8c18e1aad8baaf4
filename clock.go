package ephemeral

import "time"

// Clock provides the current time to a Store.
// Using an interface enables deterministic expiration tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the current wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
