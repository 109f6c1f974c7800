package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/haystackz"
)

// meshChain builds gateway -> orders -> inventory, each hop over a carrier,
// with inventory issuing a local database span.
func meshChain(t *testing.T, sink haystackz.Sink, opts ...haystackz.Option) (gateway, orders, inventory *Service) {
	t.Helper()
	return NewService(t, "gateway", sink, opts...),
		NewService(t, "orders", sink, opts...),
		NewService(t, "inventory", sink, opts...)
}

func runChain(ctx context.Context, gateway, orders, inventory *Service) {
	ctx, root := gateway.Tracer.StartSpanFromContext(ctx, "POST /checkout")
	_ = root.SetBaggageItem("tenant", "acme")
	defer func() { _ = root.Finish() }()

	gateway.Call(ctx, orders, func(ctx context.Context) {
		orders.Call(ctx, inventory, func(ctx context.Context) {
			_, db := inventory.Tracer.StartSpanFromContext(ctx, "SELECT stock")
			_ = db.Finish()
		})
	})
}

func TestServiceMeshSharedSpans(t *testing.T) {
	sink := NewMockSink(t)
	gateway, orders, inventory := meshChain(t, sink)

	runChain(context.Background(), gateway, orders, inventory)
	spans := sink.WaitForSpans(6, time.Second)

	if ids := TraceIDs(spans); len(ids) != 1 {
		t.Fatalf("Expected one trace, got %v", ids)
	}

	callOrders := sink.AssertSpanNamed("call orders")
	serveOrders := sink.AssertSpanNamed("serve orders")
	if callOrders.Context().SpanID() != serveOrders.Context().SpanID() {
		t.Errorf("Expected shared span id, got client=%s server=%s",
			callOrders.Context().SpanID(), serveOrders.Context().SpanID())
	}
	if callOrders.ServiceName() == serveOrders.ServiceName() {
		t.Error("Shared span halves should be reported by different services")
	}

	sink.AssertParentChild("POST /checkout", "call orders")
	sink.AssertParentChild("serve orders", "call inventory")
	sink.AssertParentChild("serve inventory", "SELECT stock")

	roots := BuildSpanTree(spans)
	if len(roots) != 1 {
		t.Fatalf("Expected one root, got %d:\n%s", len(roots), PrintSpanTree(roots))
	}
	// root, call orders, serve orders, call inventory, serve inventory, SELECT stock
	if depth := roots[0].Depth(); depth != 6 {
		t.Errorf("Expected depth 6, got %d:\n%s", depth, PrintSpanTree(roots))
	}
}

func TestServiceMeshDualSpans(t *testing.T) {
	sink := NewMockSink(t)
	gateway, orders, inventory := meshChain(t, sink, haystackz.WithDualSpanMode(true))

	runChain(context.Background(), gateway, orders, inventory)
	spans := sink.WaitForSpans(6, time.Second)

	seen := make(map[string]bool)
	for _, s := range spans {
		if seen[s.Context().SpanID()] {
			t.Errorf("Span id %s reported twice in dual-span mode", s.Context().SpanID())
		}
		seen[s.Context().SpanID()] = true
	}

	sink.AssertParentChild("call orders", "serve orders")
	sink.AssertParentChild("call inventory", "serve inventory")
	sink.AssertParentChild("serve inventory", "SELECT stock")
}

func TestServiceMeshBaggageReachesEveryHop(t *testing.T) {
	sink := NewMockSink(t)
	gateway, orders, inventory := meshChain(t, sink)

	runChain(context.Background(), gateway, orders, inventory)
	for _, s := range sink.WaitForSpans(6, time.Second) {
		if got := s.BaggageItem("tenant"); got != "acme" {
			t.Errorf("Expected tenant baggage on %s, got %q", s.OperationName(), got)
		}
	}
}

func TestServiceMeshMixedModes(t *testing.T) {
	// A dual-span server behind a shared-span client still links by parent id.
	sink := NewMockSink(t)
	client := NewService(t, "legacy", sink)
	server := NewService(t, "modern", sink, haystackz.WithDualSpanMode(true))

	client.Call(context.Background(), server, nil)
	sink.WaitForSpans(2, time.Second)
	sink.AssertParentChild("call modern", "serve modern")
}

func TestServiceMeshConcurrentRequests(t *testing.T) {
	sink := NewMockSink(t)
	gateway, orders, inventory := meshChain(t, sink)

	const requests = 50
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runChain(context.Background(), gateway, orders, inventory)
		}()
	}
	wg.Wait()

	spans := sink.WaitForSpans(requests*6, 5*time.Second)
	ids := TraceIDs(spans)
	if len(ids) != requests {
		t.Fatalf("Expected %d traces, got %d", requests, len(ids))
	}
	for id, n := range ids {
		if n != 6 {
			t.Errorf("Trace %s has %d spans, expected 6", id, n)
		}
	}
}
