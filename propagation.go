package haystackz

import (
	"net/http"
	"net/url"
	"strings"
)

// Carrier is a flat string-keyed map a Propagator reads from and writes to.
type Carrier interface {
	Set(key, value string)
	ForeachKey(handler func(key, value string) error) error
}

// TextMapCarrier is an insertion-ordered string map.
type TextMapCarrier struct {
	values map[string]string
	keys   []string
}

// NewTextMapCarrier returns an empty carrier.
func NewTextMapCarrier() *TextMapCarrier {
	return &TextMapCarrier{values: make(map[string]string)}
}

// TextMapCarrierFrom builds a carrier from a map. Key order follows map
// iteration and is therefore unspecified.
func TextMapCarrierFrom(m map[string]string) *TextMapCarrier {
	c := NewTextMapCarrier()
	for k, v := range m {
		c.Set(k, v)
	}
	return c
}

// Set stores value under key. Re-setting a key keeps its position.
// Setting on a nil carrier does nothing.
func (c *TextMapCarrier) Set(key, value string) {
	if c == nil {
		return
	}
	if c.values == nil {
		c.values = make(map[string]string)
	}
	if _, exists := c.values[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Get returns the value stored under key.
func (c *TextMapCarrier) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (c *TextMapCarrier) Keys() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.keys...)
}

// Len returns the number of entries.
func (c *TextMapCarrier) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Map returns a copy of the entries.
func (c *TextMapCarrier) Map() map[string]string {
	if c == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// ForeachKey visits entries in insertion order. A nil carrier is empty.
func (c *TextMapCarrier) ForeachKey(handler func(key, value string) error) error {
	if c == nil {
		return nil
	}
	for _, k := range c.keys {
		if err := handler(k, c.values[k]); err != nil {
			return err
		}
	}
	return nil
}

// HTTPHeadersCarrier adapts http.Header. Keys are written verbatim, without
// canonicalization. A server still sees canonical names, so the http-headers
// propagator lowercases baggage keys on both sides.
type HTTPHeadersCarrier http.Header

// Set replaces the values stored under key. Setting on a nil header does
// nothing.
func (c HTTPHeadersCarrier) Set(key, value string) {
	if c == nil {
		return
	}
	h := http.Header(c)
	for existing := range h {
		if existing != key && strings.EqualFold(existing, key) {
			delete(h, existing)
		}
	}
	h[key] = []string{value}
}

// ForeachKey visits the first value of each header.
func (c HTTPHeadersCarrier) ForeachKey(handler func(key, value string) error) error {
	for k, vals := range c {
		if len(vals) == 0 {
			continue
		}
		if err := handler(k, vals[0]); err != nil {
			return err
		}
	}
	return nil
}

// Codec transforms baggage values on their way to and from a carrier.
type Codec interface {
	Encode(value string) string
	Decode(value string) string
}

// IdentityCodec leaves values unchanged.
type IdentityCodec struct{}

// Encode returns value.
func (IdentityCodec) Encode(value string) string { return value }

// Decode returns value.
func (IdentityCodec) Decode(value string) string { return value }

// URLCodec URL-encodes values for header-oriented carriers.
type URLCodec struct{}

// Encode query-escapes value.
func (URLCodec) Encode(value string) string { return url.QueryEscape(value) }

// Decode unescapes value, returning it unchanged when it is not valid escaping.
func (URLCodec) Decode(value string) string {
	decoded, err := url.QueryUnescape(value)
	if err != nil {
		return value
	}
	return decoded
}

// Propagator encodes a SpanContext into a Carrier and back.
type Propagator interface {
	Inject(sc SpanContext, carrier Carrier) error
	Extract(carrier Carrier) (SpanContext, error)
}

// Default carrier keys.
const (
	DefaultTraceIDKey      = "Trace-ID"
	DefaultSpanIDKey       = "Span-ID"
	DefaultParentSpanIDKey = "Parent-ID"
	DefaultBaggagePrefix   = "Baggage-"
)

// PropagatorOption configures a TextMapPropagator.
type PropagatorOption func(*TextMapPropagator)

// WithTraceIDKey overrides the trace id carrier key.
func WithTraceIDKey(key string) PropagatorOption {
	return func(p *TextMapPropagator) { p.traceIDKey = key }
}

// WithSpanIDKey overrides the span id carrier key.
func WithSpanIDKey(key string) PropagatorOption {
	return func(p *TextMapPropagator) { p.spanIDKey = key }
}

// WithParentSpanIDKey overrides the parent span id carrier key.
func WithParentSpanIDKey(key string) PropagatorOption {
	return func(p *TextMapPropagator) { p.parentSpanIDKey = key }
}

// WithBaggagePrefix overrides the baggage key prefix.
func WithBaggagePrefix(prefix string) PropagatorOption {
	return func(p *TextMapPropagator) { p.baggagePrefix = prefix }
}

// WithLowercaseBaggageKeys lowercases baggage keys on inject and extract, for
// carriers that do not preserve key case, such as HTTP headers once they have
// crossed the wire.
func WithLowercaseBaggageKeys() PropagatorOption {
	return func(p *TextMapPropagator) { p.lowercaseBaggage = true }
}

// WithCodec sets the baggage value codec.
func WithCodec(codec Codec) PropagatorOption {
	return func(p *TextMapPropagator) { p.codec = codec }
}

// TextMapPropagator writes ids and baggage as individual carrier entries.
type TextMapPropagator struct {
	codec            Codec
	traceIDKey       string
	spanIDKey        string
	parentSpanIDKey  string
	baggagePrefix    string
	lowercaseBaggage bool
}

// NewTextMapPropagator returns a propagator using the default keys and the
// identity codec unless overridden.
func NewTextMapPropagator(opts ...PropagatorOption) *TextMapPropagator {
	p := &TextMapPropagator{
		codec:           IdentityCodec{},
		traceIDKey:      DefaultTraceIDKey,
		spanIDKey:       DefaultSpanIDKey,
		parentSpanIDKey: DefaultParentSpanIDKey,
		baggagePrefix:   DefaultBaggagePrefix,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.codec == nil {
		p.codec = IdentityCodec{}
	}
	return p
}

// Inject writes the three ids and every baggage item into carrier.
func (p *TextMapPropagator) Inject(sc SpanContext, carrier Carrier) error {
	carrier.Set(p.traceIDKey, sc.traceID)
	carrier.Set(p.spanIDKey, sc.spanID)
	carrier.Set(p.parentSpanIDKey, sc.parentSpanID)
	for _, item := range sc.baggage {
		carrier.Set(p.baggagePrefix+p.baggageKey(item.Key), p.codec.Encode(item.Value))
	}
	return nil
}

// Extract reads ids and baggage from carrier. Keys match case-insensitively;
// unknown entries are ignored and missing ids are left empty.
func (p *TextMapPropagator) Extract(carrier Carrier) (SpanContext, error) {
	sc := SpanContext{extracted: true}
	prefix := p.baggagePrefix

	err := carrier.ForeachKey(func(key, value string) error {
		switch {
		case strings.EqualFold(key, p.traceIDKey):
			sc.traceID = value
		case strings.EqualFold(key, p.spanIDKey):
			sc.spanID = value
		case strings.EqualFold(key, p.parentSpanIDKey):
			sc.parentSpanID = value
		case prefix != "" && len(key) > len(prefix) && strings.EqualFold(key[:len(prefix)], prefix):
			sc.baggage = setBaggage(sc.baggage, p.baggageKey(key[len(prefix):]), p.codec.Decode(value))
		}
		return nil
	})
	if err != nil {
		return SpanContext{}, err
	}
	return sc, nil
}

func (p *TextMapPropagator) baggageKey(key string) string {
	if p.lowercaseBaggage {
		return strings.ToLower(key)
	}
	return key
}

// PropagationRegistry maps formats to propagators.
// It is populated before a Tracer is built and only read afterwards.
type PropagationRegistry struct {
	propagators map[Format]Propagator
}

// NewPropagationRegistry returns an empty registry.
func NewPropagationRegistry() *PropagationRegistry {
	return &PropagationRegistry{propagators: make(map[Format]Propagator)}
}

// DefaultRegistry registers text-map with the identity codec and
// http-headers with the URL codec and lowercase baggage keys.
func DefaultRegistry() *PropagationRegistry {
	return NewPropagationRegistry().
		Register(FormatTextMap, NewTextMapPropagator()).
		Register(FormatHTTPHeaders, NewTextMapPropagator(WithCodec(URLCodec{}), WithLowercaseBaggageKeys()))
}

// Register binds format to propagator, replacing any previous binding.
func (r *PropagationRegistry) Register(format Format, propagator Propagator) *PropagationRegistry {
	r.propagators[format] = propagator
	return r
}

// Propagator returns the propagator registered for format.
func (r *PropagationRegistry) Propagator(format Format) (Propagator, bool) {
	p, ok := r.propagators[format]
	return p, ok
}

func (r *PropagationRegistry) clone() *PropagationRegistry {
	out := NewPropagationRegistry()
	for f, p := range r.propagators {
		out.propagators[f] = p
	}
	return out
}
