package haystackz

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sequentialIDs returns a deterministic generator: prefix-1, prefix-2, ...
func sequentialIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return IDGeneratorFunc(func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	})
}

// newTestTracer builds a tracer writing to an in-memory sink and closes it
// when the test ends.
func newTestTracer(t *testing.T, opts ...Option) (*Tracer, *InMemorySink) {
	t.Helper()
	sink := NewInMemorySink()
	tracer, err := New("test-service", sink, opts...)
	if err != nil {
		t.Fatalf("Expected tracer to be created, got %v", err)
	}
	t.Cleanup(func() {
		_ = tracer.Close(context.Background())
	})
	return tracer, sink
}
