package haystackz

import (
	"context"
	"sync"
)

// DispatchCallback receives the outcome of one dispatch. A nil error means
// the sink accepted the span. Callbacks may run on another goroutine.
type DispatchCallback func(err error)

// Sink accepts finished spans.
//
// Dispatch must not block on transport I/O and reports failures through the
// callback, which may be nil. Close flushes pending work and releases
// resources; returning from Close signals completion.
type Sink interface {
	Name() string
	Dispatch(span *Span, callback DispatchCallback)
	Close(ctx context.Context) error
}

func notify(callback DispatchCallback, err error) {
	if callback != nil {
		callback(err)
	}
}

// NoopSink discards every span.
type NoopSink struct{}

// Name implements Sink.
func (NoopSink) Name() string { return "NoopSink" }

// Dispatch reports success without doing anything.
func (NoopSink) Dispatch(_ *Span, callback DispatchCallback) { notify(callback, nil) }

// Close implements Sink.
func (NoopSink) Close(context.Context) error { return nil }

// InMemorySink keeps finished spans in memory. Intended for tests.
// Safe for concurrent use by multiple goroutines.
type InMemorySink struct {
	spans  []*Span
	mu     sync.Mutex
	closed bool
}

// NewInMemorySink creates an empty in-memory sink.
func NewInMemorySink() *InMemorySink {
	return &InMemorySink{spans: make([]*Span, 0, 8)}
}

// Name implements Sink.
func (*InMemorySink) Name() string { return "InMemorySink" }

// Dispatch stores span. After Close spans are rejected with ErrSinkClosed.
func (m *InMemorySink) Dispatch(span *Span, callback DispatchCallback) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		notify(callback, ErrSinkClosed)
		return
	}
	m.spans = append(m.spans, span)
	m.mu.Unlock()
	notify(callback, nil)
}

// Close stops accepting spans. Stored spans remain readable.
func (m *InMemorySink) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Spans returns the stored spans without clearing them.
func (m *InMemorySink) Spans() []*Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.spans) == 0 {
		return nil
	}
	out := make([]*Span, len(m.spans))
	copy(out, m.spans)
	return out
}

// Export returns the stored spans and clears the buffer.
func (m *InMemorySink) Export() []*Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.spans) == 0 {
		return nil
	}
	out := m.spans
	m.spans = make([]*Span, 0, 8)
	return out
}

// Count returns the number of stored spans.
func (m *InMemorySink) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spans)
}

// Reset drops all stored spans.
func (m *InMemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = m.spans[:0]
}
