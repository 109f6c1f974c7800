// Package haystackhttp propagates haystack spans across net/http calls using
// the http-headers format. Baggage keys travel lowercased since servers
// canonicalise header names.
package haystackhttp

import (
	"net/http"

	"github.com/zoobzio/haystackz"
)

// Tag keys set on HTTP spans.
const (
	TagHTTPMethod     = "http.method"
	TagHTTPURL        = "http.url"
	TagHTTPStatusCode = "http.status_code"
)

// Option configures the middleware and transport.
type Option func(*options)

type options struct {
	operationName func(*http.Request) string
}

// WithOperationName sets how a request is turned into an operation name.
// The default is "METHOD /path".
func WithOperationName(fn func(*http.Request) string) Option {
	return func(o *options) {
		if fn != nil {
			o.operationName = fn
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		operationName: func(r *http.Request) string { return r.Method + " " + r.URL.Path },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Middleware starts a server span for every request, continuing the trace
// carried in the request headers, and stores it in the request context.
func Middleware(tracer *haystackz.Tracer, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parent, err := tracer.Extract(haystackz.FormatHTTPHeaders, haystackz.HTTPHeadersCarrier(r.Header))
			startOpts := []haystackz.StartSpanOption{
				haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindServer),
				haystackz.WithTag(TagHTTPMethod, r.Method),
				haystackz.WithTag(TagHTTPURL, r.URL.String()),
			}
			// Without trace headers the span in r.Context(), if any, stays the parent.
			if err == nil && !parent.IsZero() {
				startOpts = append(startOpts, haystackz.ChildOf(parent))
			}

			ctx, span := tracer.StartSpanFromContext(r.Context(), o.operationName(r), startOpts...)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				_ = span.SetTag(TagHTTPStatusCode, rec.status)
				if rec.status >= http.StatusInternalServerError {
					_ = span.SetTag(haystackz.TagError, true)
				}
				_ = span.Finish()
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Transport is an http.RoundTripper that starts a client span for every
// request and injects it into the outgoing headers.
type Transport struct {
	tracer *haystackz.Tracer
	base   http.RoundTripper
	opts   *options
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(tracer *haystackz.Tracer, base http.RoundTripper, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{tracer: tracer, base: base, opts: newOptions(opts)}
}

// RoundTrip implements http.RoundTripper. The request is cloned before its
// headers are modified.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	_, span := t.tracer.StartSpanFromContext(req.Context(), t.opts.operationName(req),
		haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindClient),
		haystackz.WithTag(TagHTTPMethod, req.Method),
		haystackz.WithTag(TagHTTPURL, req.URL.String()))
	defer func() { _ = span.Finish() }()

	out := req.Clone(req.Context())
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if err := t.tracer.Inject(span.Context(), haystackz.FormatHTTPHeaders, haystackz.HTTPHeadersCarrier(out.Header)); err != nil {
		_ = span.LogEvent("inject-failed", err.Error())
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		_ = span.SetTag(haystackz.TagError, true)
		_ = span.LogEvent("error", err.Error())
		return nil, err
	}
	_ = span.SetTag(TagHTTPStatusCode, resp.StatusCode)
	if resp.StatusCode >= http.StatusInternalServerError {
		_ = span.SetTag(haystackz.TagError, true)
	}
	return resp, nil
}
