package ephemeral

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/akupila/ephemeral"

// New is a convenience function for creating an inactive Transport with a
// new Store for cfg.
func New(cfg *Config) *Transport {
	return &Transport{
		Store: NewStore(cfg),
		Real:  NewRealTransport(),
	}
}

// NewRealTransport returns http.DefaultTransport instrumented with
// OpenTelemetry.
func NewRealTransport() http.RoundTripper {
	return otelhttp.NewTransport(http.DefaultTransport)
}

// Transport wraps a real http.RoundTripper and answers requests from the
// fixtures in Store while active.
//
// An inactive Transport passes every request straight to Real. A Transport
// is not safe for concurrent use; see Store.
type Transport struct {
	// Store holds the fixtures. Required.
	Store *Store

	// Real is the transport used for live requests.
	// If nil, http.DefaultTransport is used.
	Real http.RoundTripper

	// TracerProvider to create spans with. If nil, the global provider
	// is used.
	TracerProvider trace.TracerProvider

	active bool
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) real() http.RoundTripper {
	if t.Real == nil {
		return http.DefaultTransport
	}
	return t.Real
}

func (t *Transport) tracer() trace.Tracer {
	tp := t.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// Activate routes requests through the fixtures and loads the active
// fixture set. Calling Activate on an active Transport only reloads.
func (t *Transport) Activate(ctx context.Context) error {
	if !t.active {
		t.active = true
		t.Store.logger().Debug("transport activated", "set", t.Store.set())
	}
	_, err := t.Store.LoadAll(ctx)
	return err
}

// Deactivate passes requests straight to the real transport. It is a no-op
// if the Transport is not active.
func (t *Transport) Deactivate() {
	if !t.active {
		return
	}
	t.active = false
	t.Store.logger().Debug("transport deactivated")
}

// Active reports whether requests are answered from fixtures.
func (t *Transport) Active() bool {
	return t.active
}

// Live runs fn with fixtures disabled and activates the Transport again
// afterwards.
//
// Reactivation reloads the fixture set from storage, so the in-memory state
// is whatever was persisted; nothing performed inside fn is recorded. Live
// must not be nested.
func (t *Transport) Live(ctx context.Context, fn func() error) error {
	t.Deactivate()
	err := fn()
	if aerr := t.Activate(ctx); aerr != nil {
		return errors.Join(err, aerr)
	}
	return err
}

// SetFixtureSet switches to the named fixture set and reloads it.
func (t *Transport) SetFixtureSet(ctx context.Context, name string) error {
	return t.Store.SetFixtureSet(ctx, name)
}

// RoundTrip implements http.RoundTripper.
//
// While active, requests to white listed hosts are sent to the real
// transport, requests with a fixture are answered from it, and all other
// requests are sent to the real transport and recorded. The exact
// behavior depends on Config.Mode.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.active {
		return t.real().RoundTrip(req)
	}

	ctx, span := t.tracer().Start(req.Context(), "ephemeral.RoundTrip",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
			attribute.String("ephemeral.fixture_set", t.Store.set()),
		))
	defer span.End()

	resp, err := t.roundTrip(ctx, span, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

func (t *Transport) roundTrip(ctx context.Context, span trace.Span, req *http.Request) (*http.Response, error) {
	body, err := readRequestBody(req)
	if err != nil {
		return nil, err
	}
	in := captureRequest(req, body, t.Store.config().MatchHeaders)
	span.SetAttributes(attribute.String("ephemeral.fixture_id", Identifier(req.URL, in)))

	resp, outcome, err := t.Store.respond(ctx, req.URL, in, func() (*Response, error) {
		out := req.Clone(ctx)
		out.ContentLength = int64(len(body))
		if len(body) == 0 {
			out.Body, out.GetBody = http.NoBody, nil
		} else {
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}
		res, err := t.real().RoundTrip(out)
		if err != nil {
			return nil, err
		}
		return captureResponse(res)
	})
	span.SetAttributes(attribute.String("ephemeral.outcome", string(outcome)))
	if err != nil {
		return nil, err
	}
	return resp.httpResponse(req), nil
}

func readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, req.Body); err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return buf.Bytes(), nil
}

func captureRequest(req *http.Request, body []byte, significant []string) *Request {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	out := &Request{Method: method, Body: string(body)}
	for _, name := range significant {
		vv := req.Header.Values(name)
		if len(vv) == 0 {
			continue
		}
		if out.Headers == nil {
			out.Headers = make(http.Header)
		}
		out.Headers[http.CanonicalHeaderKey(name)] = append([]string(nil), vv...)
	}
	return out
}

func captureResponse(res *http.Response) (*Response, error) {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		res.Body.Close()
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if err := res.Body.Close(); err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: res.StatusCode,
		Headers:    res.Header.Clone(),
		Body:       string(body),
	}, nil
}

func (r *Response) httpResponse(req *http.Request) *http.Response {
	header := r.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}
