package ephemeral_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/akupila/ephemeral"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fixtureEnv struct {
	store   *ephemeral.Store
	backend *ephemeral.FileBackend
	clock   *fakeClock
}

func newEnv(t *testing.T) *fixtureEnv {
	t.Helper()
	cfg := ephemeral.DefaultConfig()
	cfg.FixtureDirectory = filepath.Join(t.TempDir(), "fixtures")

	clock := &fakeClock{now: time.Date(2010, 1, 15, 10, 11, 12, 0, time.UTC)}
	store := ephemeral.NewStore(cfg)
	store.Clock = clock
	return &fixtureEnv{
		store:   store,
		backend: &ephemeral.FileBackend{Dir: cfg.FixtureDirectory},
		clock:   clock,
	}
}

func (e *fixtureEnv) path(f *ephemeral.Fixture) string {
	return e.backend.Path(e.store.Config.FixtureSet, f.Identifier())
}

func (e *fixtureEnv) fixture(t *testing.T, raw, body string) *ephemeral.Fixture {
	t.Helper()
	return e.store.FindOrInitialize(mustParse(t, raw), get(), func(f *ephemeral.Fixture) {
		f.Response = &ephemeral.Response{StatusCode: http.StatusOK, Body: body}
	})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestLoadAll_MissingDirectory(t *testing.T) {
	env := newEnv(t)

	got, err := env.store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Got %d fixtures, want 0", len(got))
	}
}

func TestLoadAll(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	one := env.fixture(t, "http://example.com/1", "one")
	two := env.fixture(t, "http://example.com/2", "two")
	for _, f := range []*ephemeral.Fixture{one, two} {
		if err := env.store.Register(ctx, f); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	env.store.Clear()
	if n := len(env.store.Fixtures()); n != 0 {
		t.Fatalf("Got %d fixtures after Clear, want 0", n)
	}
	if !exists(env.path(one)) {
		t.Fatal("Clear removed fixture file")
	}

	got, err := env.store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	want := map[string]*ephemeral.Fixture{
		one.Identifier(): one,
		two.Identifier(): two,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Loaded fixtures do not match (-got, +want)\n%s", diff)
	}
}

func TestLoadAll_ClearsOldFixtures(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	f := env.fixture(t, "http://example.com/", "hello")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(env.path(f)); err != nil {
		t.Fatal(err)
	}

	got, err := env.store.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Got %d fixtures, want 0", len(got))
	}
	if _, ok := env.store.Find(f.URL, f.Request); ok {
		t.Error("Stale fixture still registered")
	}
}

func TestLoadAll_SkipsMalformed(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	good := env.fixture(t, "http://example.com/", "hello")
	if err := env.store.Register(ctx, good); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(env.store.Config.FixtureDirectory, "default", "broken.yml")
	if err := os.WriteFile(bad, []byte("url: [not closed"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := env.store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := got[good.Identifier()]; !ok || len(got) != 1 {
		t.Errorf("Got %d fixtures, want only the valid one", len(got))
	}

	errs := env.store.LoadErrors()
	if len(errs) != 1 {
		t.Fatalf("Got %d load errors, want 1", len(errs))
	}
	if errs[0].Key != "broken" || errs[0].Set != "default" {
		t.Errorf("Load error = %v", errs[0])
	}
}

func TestLoadAll_RemovesExpired(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	f := env.fixture(t, "http://example.com/", "hello")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}

	env.clock.now = env.clock.now.Add(2 * ephemeral.DefaultExpiration)
	expired, err := env.store.Prune(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(expired, []string{f.Identifier()}); diff != "" {
		t.Errorf("Expired keys do not match (-got, +want)\n%s", diff)
	}
	if exists(env.path(f)) {
		t.Error("Expired fixture file still exists")
	}
	if len(env.store.Fixtures()) != 0 {
		t.Error("Expired fixture loaded")
	}
}

type undeletableBackend struct{ ephemeral.FileBackend }

func (undeletableBackend) Delete(context.Context, string, string) error { return errReadOnly }

var errReadOnly = errors.New("read-only file system")

func TestLoadAll_ExpiredDeleteFails(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	old := env.fixture(t, "http://example.com/old", "old")
	if err := env.store.Register(ctx, old); err != nil {
		t.Fatal(err)
	}
	env.clock.now = env.clock.now.Add(2 * ephemeral.DefaultExpiration)
	fresh := env.fixture(t, "http://example.com/new", "new")
	if err := env.store.Register(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	env.store.Backend = &undeletableBackend{*env.backend}

	expired, err := env.store.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("Got expired %v, want none", expired)
	}
	if _, ok := env.store.Find(fresh.URL, fresh.Request); !ok {
		t.Error("Fresh fixture not loaded after failed delete")
	}

	lerrs := env.store.LoadErrors()
	if len(lerrs) != 1 {
		t.Fatalf("Got %d load errors, want 1", len(lerrs))
	}
	var serr *ephemeral.StorageError
	if !errors.As(lerrs[0], &serr) || serr.Op != "delete" || !errors.Is(lerrs[0], errReadOnly) {
		t.Errorf("Load error = %v, want wrapped delete StorageError", lerrs[0])
	}
}

func TestLoadAll_SkipExpiration(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.store.Config.SkipExpiration = true

	f := env.fixture(t, "http://example.com/", "hello")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}
	env.clock.now = env.clock.now.Add(10 * ephemeral.DefaultExpiration)

	got, err := env.store.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("Got %d fixtures, want 1", len(got))
	}
}

func TestRegister_Expired(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	f := env.fixture(t, "http://example.com/", "hello")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}
	f.CreatedAt = env.clock.now.Add(-2 * env.store.Config.Expiration)

	if err := env.store.Register(ctx, f); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if exists(env.path(f)) {
		t.Error("Fixture file was not removed")
	}
	if _, ok := env.store.Find(f.URL, f.Request); ok {
		t.Error("Expired fixture was registered")
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	f := env.fixture(t, "http://example.com/", "hello world")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !exists(env.path(f)) {
		t.Error("Fixture file was not saved")
	}
	got, ok := env.store.Find(mustParse(t, "http://example.com/"), get())
	if !ok {
		t.Fatal("Fixture not found")
	}
	if got != f {
		t.Errorf("Find returned %+v, want %+v", got, f)
	}
}

func TestRegister_Replaces(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	first := env.fixture(t, "http://example.com/", "first")
	second := ephemeral.NewFixture(first.URL, first.Request, func(f *ephemeral.Fixture) {
		f.Response = &ephemeral.Response{StatusCode: http.StatusOK, Body: "second"}
	})
	for _, f := range []*ephemeral.Fixture{first, second} {
		if err := env.store.Register(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(env.store.Fixtures()); n != 1 {
		t.Fatalf("Got %d fixtures, want 1", n)
	}
	got, _ := env.store.Find(first.URL, first.Request)
	if got.Response.Body != "second" {
		t.Errorf("Got body %q, want %q", got.Response.Body, "second")
	}
}

func TestRegister_WhiteListed(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.store.Config.AddWhiteList("example.com")

	f := env.fixture(t, "http://example.com/", "hello")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}
	if exists(env.path(f)) {
		t.Error("White listed fixture was saved")
	}
	if _, ok := env.store.Fixtures()[f.Identifier()]; ok {
		t.Error("White listed fixture was registered")
	}
}

type failingBackend struct{ ephemeral.FileBackend }

var errDiskFull = errors.New("disk full")

func (failingBackend) Write(context.Context, string, string, []byte) error { return errDiskFull }

func TestRegister_StorageError(t *testing.T) {
	env := newEnv(t)
	env.store.Backend = &failingBackend{}

	f := env.fixture(t, "http://example.com/", "hello")
	err := env.store.Register(context.Background(), f)

	var serr *ephemeral.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("Got error %T %v, want %T", err, err, serr)
	}
	if serr.Op != "write" || serr.Key != f.Identifier() {
		t.Errorf("StorageError = %+v", serr)
	}
	if !errors.Is(err, errDiskFull) {
		t.Error("StorageError does not wrap cause")
	}
	if _, ok := env.store.Find(f.URL, f.Request); ok {
		t.Error("Fixture registered despite write failure")
	}
}

func TestRegister_NoResponse(t *testing.T) {
	env := newEnv(t)

	f := env.store.FindOrInitialize(mustParse(t, "http://example.com/"), get(), nil)
	if err := env.store.Register(context.Background(), f); !errors.Is(err, ephemeral.ErrNoResponse) {
		t.Fatalf("Got error %v, want %v", err, ephemeral.ErrNoResponse)
	}
	if exists(env.path(f)) {
		t.Error("Fixture without response was saved")
	}
	if _, ok := env.store.Find(f.URL, f.Request); ok {
		t.Error("Fixture without response was registered")
	}
}

func TestRegister_ZeroStore(t *testing.T) {
	cfg := ephemeral.DefaultConfig()
	cfg.FixtureDirectory = t.TempDir()
	s := &ephemeral.Store{Config: cfg}

	target := mustParse(t, "http://example.com/")
	f := ephemeral.NewFixture(target, get(), func(f *ephemeral.Fixture) {
		f.Response = &ephemeral.Response{StatusCode: http.StatusOK}
	})
	if err := s.Register(context.Background(), f); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := s.Find(target, get()); !ok {
		t.Error("Fixture not found")
	}
}

func TestStore_NilConfig(t *testing.T) {
	s := &ephemeral.Store{Backend: &ephemeral.FileBackend{Dir: t.TempDir()}}

	if s.WhiteListed(mustParse(t, "http://example.com/")) {
		t.Error("Host white listed without configuration")
	}
	if _, err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if s.Config == nil || s.Config.FixtureSet != ephemeral.DefaultFixtureSet {
		t.Errorf("Config = %+v, want defaults", s.Config)
	}
}

func TestFind_NotRegistered(t *testing.T) {
	env := newEnv(t)
	if f, ok := env.store.Find(mustParse(t, "http://example.com/"), get()); ok {
		t.Errorf("Find returned %+v", f)
	}
}

func TestFindOrInitialize(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	target := mustParse(t, "http://example.com/")

	f := env.store.FindOrInitialize(target, get(), func(f *ephemeral.Fixture) {
		f.Response = &ephemeral.Response{Body: "bah"}
	})
	if f.Response.Body != "bah" {
		t.Errorf("Got body %q, want %q", f.Response.Body, "bah")
	}
	if !f.CreatedAt.Equal(env.clock.now) {
		t.Errorf("CreatedAt = %v, want %v", f.CreatedAt, env.clock.now)
	}
	if _, ok := env.store.Fixtures()[f.Identifier()]; ok {
		t.Error("New fixture was registered")
	}

	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}
	got := env.store.FindOrInitialize(target, get(), func(*ephemeral.Fixture) {
		t.Error("init called for existing fixture")
	})
	if got != f {
		t.Errorf("FindOrInitialize returned %+v, want registered fixture", got)
	}
}

func TestNewFixture_CopiesRequest(t *testing.T) {
	req := &ephemeral.Request{Method: http.MethodGet, Headers: http.Header{}}
	f := ephemeral.NewFixture(mustParse(t, "HtTP://ExaMplE.Com/"), req)

	req.Headers.Set("Something", "anything")
	if f.Request.Headers.Get("Something") != "" {
		t.Error("Fixture request shares headers with the original")
	}
	if got := f.URL.String(); got != "http://example.com/" {
		t.Errorf("URL = %q, want normalized", got)
	}
}

func TestRespond_WhiteListed(t *testing.T) {
	tests := []string{"http://example.com/", "HtTP://ExaMplE.Com/"}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			ctx := context.Background()
			env := newEnv(t)
			env.store.Config.AddWhiteList("example.com")
			target := mustParse(t, raw)

			calls := 0
			for i := 0; i < 2; i++ {
				resp, err := env.store.Respond(ctx, target, get(), func() (*ephemeral.Response, error) {
					calls++
					return &ephemeral.Response{StatusCode: http.StatusOK, Body: "live"}, nil
				})
				if err != nil {
					t.Fatal(err)
				}
				if resp.Body != "live" {
					t.Errorf("Got body %q, want %q", resp.Body, "live")
				}
				if _, ok := env.store.Find(target, get()); ok {
					t.Error("White listed request was registered")
				}
			}
			if calls != 2 {
				t.Errorf("Fallback called %d times, want 2", calls)
			}
		})
	}
}

func TestRespond_WhiteListPattern(t *testing.T) {
	env := newEnv(t)
	env.store.Config.AddWhiteList("*.example.com")

	tests := []struct {
		url  string
		want bool
	}{
		{"http://api.example.com/", true},
		{"http://API.Example.com:8080/", true},
		{"http://example.com/", false},
		{"http://example.org/", false},
	}
	for _, tt := range tests {
		if got := env.store.WhiteListed(mustParse(t, tt.url)); got != tt.want {
			t.Errorf("WhiteListed(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestRespond_WhiteListedRemovesStaleFixture(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	f := env.fixture(t, "http://example.com/", "stale")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}
	env.store.Config.AddWhiteList("example.com")

	resp, err := env.store.Respond(ctx, f.URL, get(), func() (*ephemeral.Response, error) {
		return &ephemeral.Response{Body: "live"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Body != "live" {
		t.Errorf("Got body %q, want %q", resp.Body, "live")
	}
	if _, ok := env.store.Find(f.URL, get()); ok {
		t.Error("Stale fixture still registered")
	}
}

func TestRespond_Registered(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	f := env.fixture(t, "http://example.com/", "hello world")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}

	resp, err := env.store.Respond(ctx, f.URL, get(), func() (*ephemeral.Response, error) {
		t.Error("Fallback called for registered fixture")
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Body != "hello world" {
		t.Errorf("Got body %q, want %q", resp.Body, "hello world")
	}
}

func TestRespond_NotRegistered(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	target := mustParse(t, "http://example.com/")

	resp, err := env.store.Respond(ctx, target, get(), func() (*ephemeral.Response, error) {
		return &ephemeral.Response{StatusCode: http.StatusOK, Body: "new response"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Body != "new response" {
		t.Errorf("Got body %q, want %q", resp.Body, "new response")
	}

	f, ok := env.store.Find(target, get())
	if !ok {
		t.Fatal("Fixture was not registered")
	}
	if f.Response.Body != "new response" {
		t.Errorf("Registered body %q, want %q", f.Response.Body, "new response")
	}
	if !exists(env.path(f)) {
		t.Error("Fixture file was not saved")
	}
}

func TestRespond_FallbackError(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	target := mustParse(t, "http://example.com/")
	want := errors.New("connection refused")

	_, err := env.store.Respond(ctx, target, get(), func() (*ephemeral.Response, error) {
		return nil, want
	})
	if err != want {
		t.Errorf("Got error %v, want %v", err, want)
	}
	if len(env.store.Fixtures()) != 0 {
		t.Error("Fixture registered for failed request")
	}
}

func TestRespond_FallbackWithoutResponse(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	target := mustParse(t, "http://example.com/")

	_, err := env.store.Respond(ctx, target, get(), func() (*ephemeral.Response, error) {
		return nil, nil
	})
	if !errors.Is(err, ephemeral.ErrNoResponse) {
		t.Errorf("Got error %v, want %v", err, ephemeral.ErrNoResponse)
	}
	if len(env.store.Fixtures()) != 0 {
		t.Error("Fixture registered without response")
	}

	env.store.Config.AddWhiteList("example.com")
	if _, err := env.store.Respond(ctx, target, get(), func() (*ephemeral.Response, error) {
		return nil, nil
	}); !errors.Is(err, ephemeral.ErrNoResponse) {
		t.Errorf("White listed: got error %v, want %v", err, ephemeral.ErrNoResponse)
	}
}

func TestRespond_ReplayOnly(t *testing.T) {
	env := newEnv(t)
	env.store.Config.Mode = ephemeral.ModeReplayOnly

	_, err := env.store.Respond(context.Background(), mustParse(t, "http://example.com/"), get(), func() (*ephemeral.Response, error) {
		t.Error("Fallback called in replay only mode")
		return nil, nil
	})
	var nerr *ephemeral.NoFixtureError
	if !errors.As(err, &nerr) {
		t.Fatalf("Got error %T %v, want %T", err, err, nerr)
	}
	if nerr.Method != http.MethodGet || nerr.URL != "http://example.com/" {
		t.Errorf("NoFixtureError = %+v", nerr)
	}
}

func TestRespond_Record(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.store.Config.Mode = ephemeral.ModeRecord
	target := mustParse(t, "http://example.com/")

	for _, body := range []string{"first", "second"} {
		body := body
		resp, err := env.store.Respond(ctx, target, get(), func() (*ephemeral.Response, error) {
			return &ephemeral.Response{Body: body}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Body != body {
			t.Errorf("Got body %q, want %q", resp.Body, body)
		}
	}
	f, _ := env.store.Find(target, get())
	if f.Response.Body != "second" {
		t.Errorf("Registered body %q, want %q", f.Response.Body, "second")
	}
}

func TestRespond_Filters(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.store.Filters = []ephemeral.Filter{ephemeral.RemoveResponseHeader("set-cookie")}
	target := mustParse(t, "http://example.com/")

	_, err := env.store.Respond(ctx, target, get(), func() (*ephemeral.Response, error) {
		return &ephemeral.Response{
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Set-Cookie": {"secret"}, "Content-Type": {"text/plain"}},
		}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	saved, err := os.ReadFile(env.backend.Path("default", ephemeral.Identifier(target, get())))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(saved, []byte("secret")) {
		t.Errorf("Saved file contains cookie\n\n%s", saved)
	}
	if !bytes.Contains(saved, []byte("text/plain")) {
		t.Errorf("Saved file lost Content-Type\n\n%s", saved)
	}
}

func TestSetFixtureSet(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	f := env.fixture(t, "http://example.com/", "hello")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}

	if err := env.store.SetFixtureSet(ctx, "other"); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.store.Find(f.URL, f.Request); ok {
		t.Error("Fixture from default set visible in other set")
	}

	if err := env.store.SetFixtureSet(ctx, "default"); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.store.Find(f.URL, f.Request); !ok {
		t.Error("Fixture not reloaded for default set")
	}
}

func TestSetFixtureSet_Invalid(t *testing.T) {
	env := newEnv(t)

	for _, name := range []string{"", ".", "..", "a/b"} {
		if err := env.store.SetFixtureSet(context.Background(), name); err == nil {
			t.Errorf("SetFixtureSet(%q) succeeded", name)
		}
		if got := env.store.Config.FixtureSet; got != ephemeral.DefaultFixtureSet {
			t.Errorf("SetFixtureSet(%q) changed set to %q", name, got)
		}
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	f := env.fixture(t, "http://example.com/", "hello")
	if err := env.store.Register(ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if exists(env.path(f)) {
		t.Error("Fixture file still exists")
	}
	if len(env.store.Fixtures()) != 0 {
		t.Error("Fixtures still in memory")
	}
}

func TestReset_ParentSet(t *testing.T) {
	env := newEnv(t)
	outside := filepath.Join(filepath.Dir(env.store.Config.FixtureDirectory), "keep.yml")
	if err := os.MkdirAll(env.store.Config.FixtureDirectory, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(outside, []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}

	env.store.Config.FixtureSet = ".."
	if err := env.store.Reset(context.Background()); err == nil {
		t.Error("Reset succeeded for a set outside the fixture directory")
	}
	if !exists(outside) {
		t.Error("File outside the fixture directory was deleted")
	}
}
