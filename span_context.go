package haystackz

import (
	"strconv"
	"strings"
)

// BaggageItem is one propagated key/value pair.
type BaggageItem struct {
	Key   string
	Value string
}

// SpanContext identifies a position in a trace and carries baggage.
// It is an immutable value: every "mutation" returns a new SpanContext and
// the baggage slice is never written after construction.
type SpanContext struct {
	traceID      string
	spanID       string
	parentSpanID string
	baggage      []BaggageItem
	extracted    bool
}

// NewSpanContext builds a local (non-extracted) context.
func NewSpanContext(traceID, spanID, parentSpanID string, baggage ...BaggageItem) SpanContext {
	sc := SpanContext{
		traceID:      traceID,
		spanID:       spanID,
		parentSpanID: parentSpanID,
	}
	for _, item := range baggage {
		sc.baggage = setBaggage(sc.baggage, item.Key, item.Value)
	}
	return sc
}

// TraceID returns the id shared by every span of the trace.
func (c SpanContext) TraceID() string { return c.traceID }

// SpanID returns the id of the span.
func (c SpanContext) SpanID() string { return c.spanID }

// ParentSpanID returns the id of the causal predecessor, empty for a root.
func (c SpanContext) ParentSpanID() string { return c.parentSpanID }

// IsValid reports whether both trace and span ids are set.
func (c SpanContext) IsValid() bool {
	return c.traceID != "" && c.spanID != ""
}

// IsExtracted reports whether the context was decoded from a wire carrier.
func (c SpanContext) IsExtracted() bool { return c.extracted }

// IsZero reports whether the context carries no ids and no baggage.
func (c SpanContext) IsZero() bool {
	return c.traceID == "" && c.spanID == "" && c.parentSpanID == "" && len(c.baggage) == 0
}

// SameTrace reports whether both contexts belong to one trace.
func (c SpanContext) SameTrace(other SpanContext) bool {
	return c.traceID != "" && c.traceID == other.traceID
}

// BaggageItem returns the value stored under key.
func (c SpanContext) BaggageItem(key string) (string, bool) {
	for _, item := range c.baggage {
		if item.Key == key {
			return item.Value, true
		}
	}
	return "", false
}

// Baggage returns a copy of the baggage as a map.
func (c SpanContext) Baggage() map[string]string {
	out := make(map[string]string, len(c.baggage))
	for _, item := range c.baggage {
		out[item.Key] = item.Value
	}
	return out
}

// BaggageItems returns a copy of the baggage in insertion order.
func (c SpanContext) BaggageItems() []BaggageItem {
	if len(c.baggage) == 0 {
		return nil
	}
	out := make([]BaggageItem, len(c.baggage))
	copy(out, c.baggage)
	return out
}

// ForeachBaggageItem calls handler for each item in insertion order until
// handler returns false.
func (c SpanContext) ForeachBaggageItem(handler func(key, value string) bool) {
	for _, item := range c.baggage {
		if !handler(item.Key, item.Value) {
			return
		}
	}
}

// AddBaggageItem returns a copy of c with key set to value.
// The receiver is left untouched.
func (c SpanContext) AddBaggageItem(key, value string) SpanContext {
	next := c
	next.baggage = setBaggage(c.baggage, key, value)
	return next
}

// withIDs returns a local context with new ids and c's baggage.
func (c SpanContext) withIDs(traceID, spanID, parentSpanID string) SpanContext {
	return SpanContext{
		traceID:      traceID,
		spanID:       spanID,
		parentSpanID: parentSpanID,
		baggage:      c.baggage,
	}
}

// String renders the context for diagnostics.
func (c SpanContext) String() string {
	var b strings.Builder
	b.WriteString("{traceId=")
	b.WriteString(strconv.Quote(c.traceID))
	b.WriteString(", spanId=")
	b.WriteString(strconv.Quote(c.spanID))
	b.WriteString(", parentSpanId=")
	b.WriteString(strconv.Quote(c.parentSpanID))
	if len(c.baggage) > 0 {
		b.WriteString(", baggage={")
		for i, item := range c.baggage {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(item.Key)
			b.WriteByte('=')
			b.WriteString(strconv.Quote(item.Value))
		}
		b.WriteByte('}')
	}
	if c.extracted {
		b.WriteString(", extracted")
	}
	b.WriteByte('}')
	return b.String()
}

// setBaggage copies items and sets key. An existing key keeps its position.
func setBaggage(items []BaggageItem, key, value string) []BaggageItem {
	out := make([]BaggageItem, len(items), len(items)+1)
	copy(out, items)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, BaggageItem{Key: key, Value: value})
}
