package haystackz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Option configures a Tracer.
type Option func(*Tracer)

// WithCommonTags sets tags applied to every span before call-site tags.
func WithCommonTags(tags map[string]any) Option {
	return func(t *Tracer) {
		t.commonTags = make(map[string]any, len(tags))
		for k, v := range tags {
			t.commonTags[k] = v
		}
	}
}

// WithLogger sets the logger used for sink failures and lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithIDGenerator replaces the default UUID pool.
// The tracer does not close a generator it did not create.
func WithIDGenerator(gen IDGenerator) Option {
	return func(t *Tracer) {
		if gen != nil {
			t.ids = gen
		}
	}
}

// WithDualSpanMode gives the client and server sides of a remote call
// distinct span ids instead of a shared one.
func WithDualSpanMode(enabled bool) Option {
	return func(t *Tracer) { t.dualSpanMode = enabled }
}

// WithClock sets the time source. Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithPropagator registers (or replaces) the propagator for format.
func WithPropagator(format Format, p Propagator) Option {
	return func(t *Tracer) { t.registry.Register(format, p) }
}

// Tracer starts spans, derives their identity and hands finished spans to
// its Sink. Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for readability
type Tracer struct {
	serviceName  string
	sink         Sink
	commonTags   map[string]any
	logger       *zap.Logger
	ids          IDGenerator
	ownedIDs     *IDPool
	registry     *PropagationRegistry
	clock        clockz.Clock
	dualSpanMode bool
	closeOnce    sync.Once
	closeErr     error
}

// New creates a tracer for serviceName dispatching to sink.
// A nil sink discards spans.
func New(serviceName string, sink Sink, opts ...Option) (*Tracer, error) {
	if serviceName == "" {
		return nil, ErrMissingServiceName
	}
	if sink == nil {
		sink = NoopSink{}
	}

	t := &Tracer{
		serviceName: serviceName,
		sink:        sink,
		logger:      zap.NewNop(),
		registry:    DefaultRegistry(),
		clock:       clockz.RealClock,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.ids == nil {
		t.ownedIDs = NewUUIDGenerator()
		t.ids = t.ownedIDs
	}
	// Detach from the caller's registry so later Register calls cannot race readers.
	t.registry = t.registry.clone()

	t.logger.Info("initializing tracer",
		zap.String("service", serviceName),
		zap.String("sink", sink.Name()),
		zap.Bool("dual_span_mode", t.dualSpanMode))
	return t, nil
}

// ServiceName returns the service name stamped on every span.
func (t *Tracer) ServiceName() string { return t.serviceName }

// Sink returns the sink finished spans are dispatched to.
func (t *Tracer) Sink() Sink { return t.sink }

// DualSpanMode reports whether client and server spans get distinct ids.
func (t *Tracer) DualSpanMode() bool { return t.dualSpanMode }

// StartSpanOption configures one StartSpan call.
type StartSpanOption func(*startSpanConfig)

type startSpanConfig struct {
	childOf    *SpanContext
	references []Reference
	tags       map[string]any
	startTime  time.Time
}

// ChildOf sets the explicit parent context.
func ChildOf(parent SpanContext) StartSpanOption {
	return func(c *startSpanConfig) { c.childOf = &parent }
}

// ChildOfSpan sets parent's context as the explicit parent. A nil span is ignored.
func ChildOfSpan(parent *Span) StartSpanOption {
	return func(c *startSpanConfig) {
		if parent != nil {
			sc := parent.Context()
			c.childOf = &sc
		}
	}
}

// FollowsFrom appends a follows-from reference.
func FollowsFrom(sc SpanContext) StartSpanOption {
	return func(c *startSpanConfig) {
		c.references = append(c.references, Reference{Type: FollowsFromRef, Context: sc})
	}
}

// WithReferences appends references, scanned in order when no explicit parent is valid.
func WithReferences(refs ...Reference) StartSpanOption {
	return func(c *startSpanConfig) { c.references = append(c.references, refs...) }
}

// WithTags merges call-site tags. They win over the tracer's common tags.
func WithTags(tags map[string]any) StartSpanOption {
	return func(c *startSpanConfig) {
		if c.tags == nil {
			c.tags = make(map[string]any, len(tags))
		}
		for k, v := range tags {
			c.tags[k] = v
		}
	}
}

// WithTag sets one call-site tag.
func WithTag(key string, value any) StartSpanOption {
	return func(c *startSpanConfig) {
		if c.tags == nil {
			c.tags = make(map[string]any)
		}
		c.tags[key] = value
	}
}

// WithStartTime overrides the start timestamp.
func WithStartTime(start time.Time) StartSpanOption {
	return func(c *startSpanConfig) { c.startTime = start }
}

// StartSpan creates a new open span.
func (t *Tracer) StartSpan(operationName string, opts ...StartSpanOption) *Span {
	var cfg startSpanConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return t.startSpan(operationName, &cfg)
}

// StartSpanFromContext starts a span whose parent is the span stored in ctx,
// unless an explicit ChildOf option is given, and returns ctx carrying the
// new span.
func (t *Tracer) StartSpanFromContext(ctx context.Context, operationName string, opts ...StartSpanOption) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg startSpanConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.childOf == nil {
		if parent := SpanFromContext(ctx); parent != nil {
			sc := parent.Context()
			cfg.childOf = &sc
		}
	}

	span := t.startSpan(operationName, &cfg)
	return ContextWithSpan(ctx, span), span
}

func (t *Tracer) startSpan(operationName string, cfg *startSpanConfig) *Span {
	start := cfg.startTime
	if start.IsZero() {
		start = t.now()
	}

	span := &Span{
		tracer:        t,
		operationName: operationName,
		startTime:     start,
		references:    cfg.references,
	}
	for k, v := range t.commonTags {
		span.setTag(k, v)
	}
	for k, v := range cfg.tags {
		span.setTag(k, v)
	}

	parent, found := resolveParent(cfg)
	span.context = t.deriveContext(parent, found, isServerKind(span.tags))
	return span
}

// resolveParent picks the parent context. An explicit valid ChildOf wins.
// Otherwise the first child-of reference is used, falling back to the first
// follows-from. An invalid explicit parent is still returned so its baggage
// survives.
func resolveParent(cfg *startSpanConfig) (SpanContext, bool) {
	if cfg.childOf != nil && cfg.childOf.IsValid() {
		return *cfg.childOf, true
	}

	followsFrom := -1
	for i, ref := range cfg.references {
		switch ref.Type {
		case ChildOfRef:
			return ref.Context, true
		case FollowsFromRef:
			if followsFrom < 0 {
				followsFrom = i
			}
		}
	}
	if followsFrom >= 0 {
		return cfg.references[followsFrom].Context, true
	}

	if cfg.childOf != nil {
		return *cfg.childOf, true
	}
	return SpanContext{}, false
}

// deriveContext applies the identity rules. found reports whether a parent
// object existed at all; an invalid one only contributes its baggage.
func (t *Tracer) deriveContext(parent SpanContext, found, serverKind bool) SpanContext {
	if !found || !parent.IsValid() {
		id := t.ids.Generate()
		if found {
			return parent.withIDs(id, id, "")
		}
		return SpanContext{traceID: id, spanID: id}
	}

	if !t.dualSpanMode && (serverKind || parent.IsExtracted()) {
		return parent.withIDs(parent.traceID, parent.spanID, parent.parentSpanID)
	}
	return parent.withIDs(parent.traceID, t.ids.Generate(), parent.spanID)
}

func isServerKind(tags map[string]any) bool {
	kind, ok := tags[TagSpanKind]
	if !ok {
		return false
	}
	s, ok := kind.(string)
	return ok && s == SpanKindServer
}

// Inject writes sc into carrier using the propagator registered for format.
// A zero context is not injected.
func (t *Tracer) Inject(sc SpanContext, format Format, carrier Carrier) error {
	p, ok := t.registry.Propagator(format)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if sc.IsZero() || carrier == nil {
		return nil
	}
	return p.Inject(sc, carrier)
}

// Extract decodes a context from carrier using the propagator registered
// for format. A nil carrier yields the zero SpanContext and no error.
func (t *Tracer) Extract(format Format, carrier Carrier) (SpanContext, error) {
	p, ok := t.registry.Propagator(format)
	if !ok {
		return SpanContext{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if carrier == nil {
		return SpanContext{}, nil
	}
	return p.Extract(carrier)
}

// Close drains the sink and stops the id pool. It blocks until the sink has
// finished or ctx expires. Later calls return the first result.
func (t *Tracer) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		t.closeErr = t.sink.Close(ctx)
		if t.ownedIDs != nil {
			t.ownedIDs.Close()
		}
		if t.closeErr != nil {
			t.logger.Warn("tracer closed with error", zap.String("sink", t.sink.Name()), zap.Error(t.closeErr))
			return
		}
		t.logger.Info("tracer has been closed", zap.String("sink", t.sink.Name()))
	})
	return t.closeErr
}

// dispatch hands a finished span to the sink. Failures are logged and
// never reach the caller of Finish.
func (t *Tracer) dispatch(span *Span) {
	t.sink.Dispatch(span, func(err error) {
		if err != nil {
			t.logger.Error("failed to dispatch span",
				zap.String("sink", t.sink.Name()),
				zap.String("operation", span.operationName),
				zap.String("trace_id", span.context.traceID),
				zap.String("span_id", span.context.spanID),
				zap.Error(err))
		}
	})
}

func (t *Tracer) now() time.Time {
	return t.clock.Now().Truncate(time.Microsecond)
}
