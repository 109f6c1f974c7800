package haystackz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// spanKeyType is a private type for context keys to avoid collisions.
type spanKeyType string

const (
	spanKey spanKeyType = "haystackz"
)

// ReferenceType names the causal relation of a Reference.
type ReferenceType int

const (
	// ChildOfRef marks a parent the new span depends on.
	ChildOfRef ReferenceType = iota
	// FollowsFromRef marks a predecessor that does not wait for the new span.
	FollowsFromRef
)

func (r ReferenceType) String() string {
	switch r {
	case ChildOfRef:
		return "child_of"
	case FollowsFromRef:
		return "follows_from"
	default:
		return fmt.Sprintf("reference(%d)", int(r))
	}
}

// Reference links a span to another span context.
type Reference struct {
	Type    ReferenceType
	Context SpanContext
}

// Field is one key/value pair of a log record.
type Field struct {
	Key   string
	Value any
}

// KV builds a Field.
func KV(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// LogRecord is a timestamped set of fields attached to a span.
type LogRecord struct {
	Timestamp time.Time
	Fields    []Field
}

// Span represents a single unit of work in a distributed trace.
// Spans are NOT thread-safe - do not modify from multiple goroutines.
// Once finished a span is frozen and may be read concurrently by sinks.
//
//nolint:govet // Field order follows the wire layout
type Span struct {
	tracer        *Tracer
	context       SpanContext
	operationName string
	startTime     time.Time
	duration      time.Duration
	tags          map[string]any
	tagOrder      []string
	logs          []LogRecord
	references    []Reference
	finished      bool
}

// Context returns the span's current context.
func (s *Span) Context() SpanContext { return s.context }

// Tracer returns the tracer that started the span.
func (s *Span) Tracer() *Tracer { return s.tracer }

// OperationName returns the current operation name.
func (s *Span) OperationName() string { return s.operationName }

// ServiceName returns the service name of the owning tracer.
func (s *Span) ServiceName() string { return s.tracer.serviceName }

// StartTime returns the start timestamp.
func (s *Span) StartTime() time.Time { return s.startTime }

// Duration returns the elapsed time, zero until the span is finished.
func (s *Span) Duration() time.Duration { return s.duration }

// IsFinished reports whether Finish has been called.
func (s *Span) IsFinished() bool { return s.finished }

// References returns a copy of the references given at start.
func (s *Span) References() []Reference {
	if len(s.references) == 0 {
		return nil
	}
	out := make([]Reference, len(s.references))
	copy(out, s.references)
	return out
}

// Tag returns the value of a tag.
func (s *Span) Tag(key string) (any, bool) {
	v, ok := s.tags[key]
	return v, ok
}

// Tags returns a copy of all tags.
func (s *Span) Tags() map[string]any {
	out := make(map[string]any, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// ForeachTag visits tags in first-insertion order.
func (s *Span) ForeachTag(handler func(key string, value any)) {
	for _, k := range s.tagOrder {
		handler(k, s.tags[k])
	}
}

// Logs returns a copy of the log records.
func (s *Span) Logs() []LogRecord {
	out := make([]LogRecord, len(s.logs))
	for i, rec := range s.logs {
		out[i] = LogRecord{Timestamp: rec.Timestamp, Fields: append([]Field(nil), rec.Fields...)}
	}
	return out
}

// BaggageItem returns a baggage value from the span's context.
func (s *Span) BaggageItem(key string) string {
	v, _ := s.context.BaggageItem(key)
	return v
}

// SetOperationName renames the span.
func (s *Span) SetOperationName(name string) error {
	if err := s.checkOpen("set operation name"); err != nil {
		return err
	}
	s.operationName = name
	return nil
}

// SetTag sets a tag. The last write for a key wins.
func (s *Span) SetTag(key string, value any) error {
	if err := s.checkOpen("set tag"); err != nil {
		return err
	}
	s.setTag(key, value)
	return nil
}

// AddTags sets several tags at once.
func (s *Span) AddTags(tags map[string]any) error {
	if err := s.checkOpen("add tags"); err != nil {
		return err
	}
	for k, v := range tags {
		s.setTag(k, v)
	}
	return nil
}

// Log appends a record stamped with the tracer clock.
func (s *Span) Log(fields ...Field) error {
	return s.LogAt(time.Time{}, fields...)
}

// LogAt appends a record with an explicit timestamp. A zero timestamp means now.
func (s *Span) LogAt(ts time.Time, fields ...Field) error {
	if err := s.checkOpen("log"); err != nil {
		return err
	}
	if ts.IsZero() {
		ts = s.tracer.now()
	}
	s.logs = append(s.logs, LogRecord{Timestamp: ts, Fields: append([]Field(nil), fields...)})
	return nil
}

// LogEvent records an event with an optional payload.
func (s *Span) LogEvent(event string, payload any) error {
	if payload == nil {
		return s.Log(KV("event", event))
	}
	return s.Log(KV("event", event), KV("payload", payload))
}

// SetBaggageItem adds baggage that propagates to descendants and records
// the change as a "baggage" log entry.
func (s *Span) SetBaggageItem(key, value string) error {
	if err := s.checkOpen("set baggage item"); err != nil {
		return err
	}
	fields := []Field{KV("event", "baggage"), KV("key", key), KV("value", value)}
	if _, exists := s.context.BaggageItem(key); exists {
		fields = append(fields, KV("override", "true"))
	}
	if err := s.Log(fields...); err != nil {
		return err
	}
	s.context = s.context.AddBaggageItem(key, value)
	return nil
}

// Finish completes the span at the current time and dispatches it.
func (s *Span) Finish() error {
	return s.FinishAt(time.Time{})
}

// FinishAt completes the span at end (zero means now) and dispatches it.
// Calling it a second time returns an error wrapping ErrSpanFinished and
// dispatches nothing.
func (s *Span) FinishAt(end time.Time) error {
	if s.finished {
		return fmt.Errorf("%w: cannot finish the same span twice - operation=%s, context=%s",
			ErrSpanFinished, s.operationName, s.context)
	}
	if end.IsZero() {
		end = s.tracer.now()
	}
	s.duration = end.Sub(s.startTime)
	s.finished = true

	s.tracer.dispatch(s)
	return nil
}

func (s *Span) setTag(key string, value any) {
	if s.tags == nil {
		s.tags = make(map[string]any)
	}
	if _, exists := s.tags[key]; !exists {
		s.tagOrder = append(s.tagOrder, key)
	}
	s.tags[key] = value
}

func (s *Span) checkOpen(op string) error {
	if s.finished {
		return fmt.Errorf("%w: cannot %s - operation=%s, context=%s",
			ErrSpanFinished, op, s.operationName, s.context)
	}
	return nil
}

// String renders the span as JSON.
func (s *Span) String() string {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("span(%s %s)", s.operationName, s.context)
	}
	return string(data)
}

type jsonTag struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type jsonLog struct {
	Timestamp int64     `json:"timestamp"`
	Fields    []jsonTag `json:"fields"`
}

//nolint:govet // Field order matches the haystack span layout
type jsonSpan struct {
	TraceID       string            `json:"traceId"`
	SpanID        string            `json:"spanId"`
	ParentSpanID  string            `json:"parentSpanId,omitempty"`
	ServiceName   string            `json:"serviceName"`
	OperationName string            `json:"operationName"`
	StartTime     int64             `json:"startTime"`
	Duration      int64             `json:"duration"`
	Baggage       map[string]string `json:"baggage,omitempty"`
	Tags          []jsonTag         `json:"tags,omitempty"`
	Logs          []jsonLog         `json:"logs,omitempty"`
}

// MarshalJSON renders the span with microsecond timestamps.
func (s *Span) MarshalJSON() ([]byte, error) {
	out := jsonSpan{
		TraceID:       s.context.traceID,
		SpanID:        s.context.spanID,
		ParentSpanID:  s.context.parentSpanID,
		ServiceName:   s.ServiceName(),
		OperationName: s.operationName,
		StartTime:     s.startTime.UnixMicro(),
		Duration:      s.duration.Microseconds(),
	}
	if len(s.context.baggage) > 0 {
		out.Baggage = s.context.Baggage()
	}
	s.ForeachTag(func(k string, v any) {
		out.Tags = append(out.Tags, jsonTag{Key: k, Value: v})
	})
	for _, rec := range s.logs {
		l := jsonLog{Timestamp: rec.Timestamp.UnixMicro()}
		for _, f := range rec.Fields {
			l.Fields = append(l.Fields, jsonTag{Key: f.Key, Value: f.Value})
		}
		out.Logs = append(out.Logs, l)
	}
	return json.Marshal(out)
}

// ContextWithSpan returns a copy of ctx carrying span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, spanKey, span)
}

// SpanFromContext returns the span stored in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(spanKey).(*Span); ok {
		return span
	}
	return nil
}
