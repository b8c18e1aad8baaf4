package ephemeral

import (
	"net/http"
	"net/url"
	"time"
)

// A Fixture is a single recorded request-response pair.
//
// The fixture is identified by the fingerprint of its URL and request; see
// Identifier. Once its response is set a fixture is only ever replaced by
// registering a new fixture with the same identifier.
type Fixture struct {
	URL       *url.URL
	Request   *Request
	Response  *Response
	CreatedAt time.Time
}

// A Request holds the parts of an outgoing request that identify it.
//
// Only headers that are configured as significant are captured; everything
// else is left out of both the fingerprint and the saved fixture.
type Request struct {
	Method  string      `yaml:"method"`
	Headers http.Header `yaml:"headers,omitempty"`
	Body    string      `yaml:"body,omitempty"`
}

// A Response is a recorded incoming response.
type Response struct {
	StatusCode int         `yaml:"status_code"`
	Headers    http.Header `yaml:"headers,omitempty"`
	Body       string      `yaml:"body,omitempty"`
}

// NewFixture creates a fixture for a request to target, created now.
//
// The URL is normalized and the request is copied, so later changes to req
// do not affect the fixture. Any init functions are applied in order, which
// is the place to set the response.
func NewFixture(target *url.URL, req *Request, init ...func(*Fixture)) *Fixture {
	return newFixture(target, req, time.Now().UTC(), init...)
}

func newFixture(target *url.URL, req *Request, now time.Time, init ...func(*Fixture)) *Fixture {
	f := &Fixture{
		URL:       NormalizeURL(target),
		Request:   req.clone(),
		CreatedAt: now,
	}
	for _, fn := range init {
		if fn != nil {
			fn(f)
		}
	}
	return f
}

// Identifier returns the fingerprint of the fixture. It is derived from the
// URL and request on every call.
func (f *Fixture) Identifier() string {
	return Identifier(f.URL, f.Request)
}

// Expired reports whether the fixture is older than ttl at the given time.
func (f *Fixture) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(f.CreatedAt) > ttl
}

func (r *Request) clone() *Request {
	if r == nil {
		return &Request{Method: http.MethodGet}
	}
	out := *r
	out.Headers = r.Headers.Clone()
	return &out
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = r.Headers.Clone()
	return &out
}

// A Filter modifies a fixture before it is registered.
//
// Filters are applied after the real request, with the primary purpose
// being to remove sensitive data from the saved fixture.
type Filter func(f *Fixture)

// RemoveResponseHeader removes a header with the given name from the
// response. The name is canonicalized.
func RemoveResponseHeader(name string) Filter {
	return func(f *Fixture) {
		if f.Response != nil {
			f.Response.Headers.Del(name)
		}
	}
}
