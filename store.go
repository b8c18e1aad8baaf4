package ephemeral

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/akupila/ephemeral/internal/logging"
)

// Store holds the fixtures of the active fixture set in memory, keyed by
// identifier, and persists them through a Backend.
//
// The zero value is usable and behaves as a store for DefaultConfig. A
// Store is not safe for concurrent use. It is meant to be driven by a
// single test harness; callers sharing it across goroutines must provide
// their own synchronization.
type Store struct {
	// Config is consulted on every call, so changes take effect on the
	// next operation. Changing FixtureSet directly does not reload; use
	// SetFixtureSet. If nil, DefaultConfig is used.
	Config *Config

	// Backend to persist fixtures with. If nil, a FileBackend rooted at
	// Config.FixtureDirectory is used.
	Backend Backend

	// Filters to apply to newly recorded fixtures before they are
	// registered. Filters are executed in the order specified.
	Filters []Filter

	// Clock to use for creation and expiration. If nil, SystemClock.
	Clock Clock

	// Logger for fixture lifecycle events. If nil, nothing is logged.
	Logger *slog.Logger

	fixtures   map[string]*Fixture
	loadErrors []*LoadError
}

// NewStore creates an empty store for the given configuration.
func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Store{
		Config:   cfg,
		fixtures: make(map[string]*Fixture),
	}
}

func (s *Store) config() *Config {
	if s.Config == nil {
		s.Config = DefaultConfig()
	}
	return s.Config
}

func (s *Store) backend() Backend {
	if s.Backend != nil {
		return s.Backend
	}
	return &FileBackend{Dir: s.config().FixtureDirectory}
}

func (s *Store) now() time.Time {
	if s.Clock == nil {
		return SystemClock{}.Now()
	}
	return s.Clock.Now()
}

func (s *Store) logger() *slog.Logger {
	if s.Logger == nil {
		return logging.Nop()
	}
	return s.Logger
}

func (s *Store) set() string { return s.config().FixtureSet }

func (s *Store) expired(f *Fixture) bool {
	cfg := s.config()
	if cfg.SkipExpiration {
		return false
	}
	return f.Expired(s.now(), cfg.Expiration)
}

// LoadAll clears the in-memory fixtures and loads every record stored for
// the active fixture set.
//
// Records that cannot be decoded are skipped and reported by LoadErrors.
// Expired records are deleted from storage; a failed delete is reported by
// LoadErrors as well and the scan continues. When nothing has been stored
// for the set yet, the result is empty and the error is nil.
func (s *Store) LoadAll(ctx context.Context) (map[string]*Fixture, error) {
	if _, err := s.load(ctx); err != nil {
		return nil, err
	}
	return s.Fixtures(), nil
}

func (s *Store) load(ctx context.Context) ([]string, error) {
	s.Clear()
	s.loadErrors = nil

	set := s.set()
	log := s.logger().With("set", set)
	b := s.backend()

	keys, err := b.List(ctx, set)
	if err != nil {
		return nil, &StorageError{Op: "list", Set: set, Err: err}
	}

	var expired []string
	for _, key := range keys {
		data, err := b.Read(ctx, set, key)
		if err == nil {
			var f *Fixture
			if f, err = unmarshalFixture(data); err == nil {
				if s.expired(f) {
					if derr := b.Delete(ctx, set, key); derr != nil {
						err = &StorageError{Op: "delete", Set: set, Key: key, Err: derr}
						log.Warn("expired fixture not removed", "key", key, "error", derr)
						s.loadErrors = append(s.loadErrors, &LoadError{Set: set, Key: key, Err: err})
						continue
					}
					log.Debug("expired fixture removed", "key", key, "created_at", f.CreatedAt)
					expired = append(expired, key)
					continue
				}
				s.fixtures[f.Identifier()] = f
				continue
			}
		}
		lerr := &LoadError{Set: set, Key: key, Err: err}
		log.Warn("skipping fixture", "key", key, "error", err)
		s.loadErrors = append(s.loadErrors, lerr)
	}

	log.Debug("fixtures loaded", "count", len(s.fixtures), "expired", len(expired), "skipped", len(s.loadErrors))
	return expired, nil
}

// LoadErrors returns the records skipped by the last load.
func (s *Store) LoadErrors() []*LoadError {
	return s.loadErrors
}

// Prune loads the active fixture set and returns the keys of the expired
// records it removed.
func (s *Store) Prune(ctx context.Context) ([]string, error) {
	return s.load(ctx)
}

// Register adds the fixture to the store and persists it.
//
// An expired fixture is not added; any persisted record for it is deleted
// instead. Fixtures for white listed hosts are never stored. A fixture with
// the same identifier as an existing one replaces it. A fixture without a
// response is rejected with ErrNoResponse.
func (s *Store) Register(ctx context.Context, f *Fixture) error {
	if f.Response == nil {
		return ErrNoResponse
	}
	id := f.Identifier()
	set := s.set()
	log := s.logger().With("set", set, "id", id)

	if s.expired(f) {
		delete(s.fixtures, id)
		if err := s.backend().Delete(ctx, set, id); err != nil {
			return &StorageError{Op: "delete", Set: set, Key: id, Err: err}
		}
		log.Debug("expired fixture dropped", "created_at", f.CreatedAt)
		return nil
	}
	if s.WhiteListed(f.URL) {
		delete(s.fixtures, id)
		return nil
	}
	if s.fixtures == nil {
		s.fixtures = make(map[string]*Fixture)
	}

	data, err := marshalFixture(f)
	if err != nil {
		return &StorageError{Op: "encode", Set: set, Key: id, Err: err}
	}
	if err := s.backend().Write(ctx, set, id, data); err != nil {
		return &StorageError{Op: "write", Set: set, Key: id, Err: err}
	}
	s.fixtures[id] = f
	log.Debug("fixture registered", "url", f.URL.String())
	return nil
}

// Find returns the fixture matching a request to target.
func (s *Store) Find(target *url.URL, req *Request) (*Fixture, bool) {
	f, ok := s.fixtures[Identifier(target, req)]
	return f, ok
}

// FindOrInitialize returns the fixture matching a request to target. If
// none exists, a new fixture is created and passed to init, but it is not
// registered.
func (s *Store) FindOrInitialize(target *url.URL, req *Request, init func(*Fixture)) *Fixture {
	if f, ok := s.Find(target, req); ok {
		return f
	}
	return newFixture(target, req, s.now(), init)
}

// Fixtures returns a copy of the in-memory fixtures keyed by identifier.
func (s *Store) Fixtures() map[string]*Fixture {
	out := make(map[string]*Fixture, len(s.fixtures))
	for id, f := range s.fixtures {
		out[id] = f
	}
	return out
}

// Clear removes all fixtures from memory. Persisted records are kept.
func (s *Store) Clear() {
	s.fixtures = make(map[string]*Fixture)
}

// Reset deletes every persisted record of the active fixture set and
// clears memory.
func (s *Store) Reset(ctx context.Context) error {
	set := s.set()
	b := s.backend()
	keys, err := b.List(ctx, set)
	if err != nil {
		return &StorageError{Op: "list", Set: set, Err: err}
	}
	for _, key := range keys {
		if err := b.Delete(ctx, set, key); err != nil {
			return &StorageError{Op: "delete", Set: set, Key: key, Err: err}
		}
	}
	s.Clear()
	return nil
}

// SetFixtureSet switches to the named fixture set and reloads. An invalid
// name leaves the active set unchanged.
func (s *Store) SetFixtureSet(ctx context.Context, name string) error {
	if err := validateFixtureSet(name); err != nil {
		return err
	}
	s.config().FixtureSet = name
	_, err := s.LoadAll(ctx)
	return err
}

// WhiteListed reports whether the host of target matches a white list
// pattern.
func (s *Store) WhiteListed(target *url.URL) bool {
	host := NormalizeURL(target).Hostname()
	for _, pattern := range s.config().WhiteList {
		if ok, err := doublestar.Match(strings.ToLower(pattern), host); err == nil && ok {
			return true
		}
	}
	return false
}

// Outcome describes how a request was answered.
type Outcome string

// Possible outcomes:
const (
	OutcomeBypass   Outcome = "bypass"
	OutcomeReplayed Outcome = "replayed"
	OutcomeRecorded Outcome = "recorded"
)

// Respond answers a request to target.
//
// White listed hosts go straight to fallback and never touch the fixtures.
// Otherwise a matching fixture is replayed if one exists. If not, fallback
// is called and its response saved as a new fixture. An error from
// fallback is returned as is and nothing is saved. A fallback that returns
// neither a response nor an error yields ErrNoResponse.
func (s *Store) Respond(ctx context.Context, target *url.URL, req *Request, fallback func() (*Response, error)) (*Response, error) {
	resp, _, err := s.respond(ctx, target, req, fallback)
	return resp, err
}

func (s *Store) respond(ctx context.Context, target *url.URL, req *Request, fallback func() (*Response, error)) (*Response, Outcome, error) {
	log := s.logger().With("method", req.Method, "url", target.String())

	if s.WhiteListed(target) {
		delete(s.fixtures, Identifier(target, req))
		log.Debug("white listed, bypassing fixtures")
		resp, err := callFallback(fallback)
		return resp, OutcomeBypass, err
	}

	mode := s.config().Mode
	if mode != ModeRecord {
		if f, ok := s.Find(target, req); ok {
			log.Debug("fixture replayed")
			return f.Response.clone(), OutcomeReplayed, nil
		}
		if mode == ModeReplayOnly {
			return nil, OutcomeReplayed, newNoFixtureError(req.Method, target.String())
		}
	}

	resp, err := callFallback(fallback)
	if err != nil {
		return nil, OutcomeRecorded, err
	}
	f := newFixture(target, req, s.now(), func(f *Fixture) {
		f.Response = resp.clone()
	})
	for _, apply := range s.Filters {
		apply(f)
	}
	if err := s.Register(ctx, f); err != nil {
		return nil, OutcomeRecorded, err
	}
	log.Info("fixture recorded", "id", f.Identifier())
	return f.Response.clone(), OutcomeRecorded, nil
}

func callFallback(fallback func() (*Response, error)) (*Response, error) {
	resp, err := fallback()
	if err == nil && resp == nil {
		return nil, ErrNoResponse
	}
	return resp, err
}
