package ephemeral

import (
	"context"
	"net/http"
)

// std is the process-wide Transport used by the package level functions.
// It starts inactive with DefaultConfig.
var std = New(DefaultConfig())

// Default returns the process-wide Transport.
func Default() *Transport { return std }

// Configure passes the process-wide configuration to fn, if not nil, and
// returns it.
func Configure(fn func(c *Config)) *Config {
	if fn != nil {
		fn(std.Store.Config)
	}
	return std.Store.Config
}

// Activate activates the process-wide Transport and loads its fixtures.
func Activate() error {
	return std.Activate(context.Background())
}

// Deactivate deactivates the process-wide Transport.
func Deactivate() {
	std.Deactivate()
}

// Live runs fn with the process-wide Transport deactivated. See
// Transport.Live.
func Live(fn func() error) error {
	return std.Live(context.Background(), fn)
}

// FixtureSet returns the name of the process-wide fixture set.
func FixtureSet() string {
	return std.Store.Config.FixtureSet
}

// SetFixtureSet switches the process-wide fixture set and reloads it.
func SetFixtureSet(name string) error {
	return std.SetFixtureSet(context.Background(), name)
}

// Fixtures returns the fixtures currently loaded by the process-wide
// Transport.
func Fixtures() map[string]*Fixture {
	return std.Store.Fixtures()
}

// Clear removes the process-wide fixtures from memory.
func Clear() {
	std.Store.Clear()
}

// Reset deletes every persisted fixture of the process-wide fixture set.
func Reset() error {
	return std.Store.Reset(context.Background())
}

// Client returns an http.Client that sends requests through the
// process-wide Transport.
func Client() *http.Client {
	return &http.Client{Transport: std}
}
