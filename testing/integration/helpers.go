package integration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/haystackz"
)

// MockSink records dispatched spans and lets tests wait for them.
type MockSink struct {
	*haystackz.InMemorySink
	t *testing.T
}

// NewMockSink creates a recording sink bound to t.
func NewMockSink(t *testing.T) *MockSink {
	return &MockSink{InMemorySink: haystackz.NewInMemorySink(), t: t}
}

// WaitForSpans waits until at least expected spans were recorded.
func (m *MockSink) WaitForSpans(expected int, timeout time.Duration) []*haystackz.Span {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Count() >= expected {
			return m.Spans()
		}
		time.Sleep(5 * time.Millisecond)
	}
	spans := m.Spans()
	m.t.Errorf("Timeout waiting for spans: expected %d, got %d", expected, len(spans))
	return spans
}

// AssertSpanNamed returns the first span with the given operation name.
func (m *MockSink) AssertSpanNamed(name string) *haystackz.Span {
	for _, s := range m.Spans() {
		if s.OperationName() == name {
			return s
		}
	}
	m.t.Errorf("Span named '%s' not found", name)
	return nil
}

// AssertParentChild verifies that child's parent id is parent's span id.
func (m *MockSink) AssertParentChild(parentName, childName string) {
	parent := m.AssertSpanNamed(parentName)
	child := m.AssertSpanNamed(childName)
	if parent == nil || child == nil {
		return
	}
	if child.Context().ParentSpanID() != parent.Context().SpanID() {
		m.t.Errorf("%s is not parent of %s: child parent=%s, parent span=%s",
			parentName, childName, child.Context().ParentSpanID(), parent.Context().SpanID())
	}
	if child.Context().TraceID() != parent.Context().TraceID() {
		m.t.Errorf("Trace ID mismatch: parent=%s, child=%s", parent.Context().TraceID(), child.Context().TraceID())
	}
}

// Service is one hop in a simulated call chain. Every service owns its tracer
// and reports to a sink shared across the chain.
type Service struct {
	Name   string
	Tracer *haystackz.Tracer
}

// NewService creates a service reporting to sink.
func NewService(t *testing.T, name string, sink haystackz.Sink, opts ...haystackz.Option) *Service {
	t.Helper()
	tracer, err := haystackz.New(name, sink, opts...)
	if err != nil {
		t.Fatalf("Failed to create tracer for %s: %v", name, err)
	}
	t.Cleanup(func() { _ = tracer.Close(context.Background()) })
	return &Service{Name: name, Tracer: tracer}
}

// Call performs an outbound call from s to next using a text-map carrier.
// The handler runs inside the server span on the receiving side.
func (s *Service) Call(ctx context.Context, next *Service, handler func(context.Context)) {
	ctx, client := s.Tracer.StartSpanFromContext(ctx, "call "+next.Name,
		haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindClient))
	defer func() { _ = client.Finish() }()

	carrier := haystackz.NewTextMapCarrier()
	if err := s.Tracer.Inject(client.Context(), haystackz.FormatTextMap, carrier); err != nil {
		panic(fmt.Sprintf("inject: %v", err))
	}
	next.Serve(ctx, carrier, handler)
}

// Serve starts a server span from carrier and runs handler inside it.
func (s *Service) Serve(ctx context.Context, carrier haystackz.Carrier, handler func(context.Context)) {
	opts := []haystackz.StartSpanOption{haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindServer)}
	if parent, err := s.Tracer.Extract(haystackz.FormatTextMap, carrier); err == nil {
		opts = append(opts, haystackz.ChildOf(parent))
	}
	// The caller's span is not the server's local parent.
	ctx = haystackz.ContextWithSpan(ctx, nil)
	ctx, server := s.Tracer.StartSpanFromContext(ctx, "serve "+s.Name, opts...)
	defer func() { _ = server.Finish() }()
	if handler != nil {
		handler(ctx)
	}
}

// SpanTree is a hierarchical view of recorded spans keyed by parent id.
// Shared spans appear once per reporting service.
type SpanTree struct {
	Span     *haystackz.Span
	Children []*SpanTree
}

// BuildSpanTree links spans by parent id. A server span that shares a
// client's id is attached beneath that client, and spans naming the shared
// id as parent hang off the server half.
func BuildSpanTree(spans []*haystackz.Span) []*SpanTree {
	nodes := make([]*SpanTree, len(spans))
	byID := make(map[string]*SpanTree, len(spans))
	for i, s := range spans {
		nodes[i] = &SpanTree{Span: s}
		if _, ok := byID[s.Context().SpanID()]; !ok || isServer(s) {
			byID[s.Context().SpanID()] = nodes[i]
		}
	}
	shared := make(map[string]bool)
	for _, node := range nodes {
		if id := node.Span.Context().SpanID(); byID[id] != node {
			shared[id] = true
		}
	}

	var roots []*SpanTree
	for _, node := range nodes {
		sc := node.Span.Context()
		if owner := byID[sc.SpanID()]; owner != node {
			node.Children = append(node.Children, owner)
		} else if shared[sc.SpanID()] {
			continue
		}
		if parent, ok := byID[sc.ParentSpanID()]; ok && sc.ParentSpanID() != "" {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}

func isServer(s *haystackz.Span) bool {
	kind, _ := s.Tag(haystackz.TagSpanKind)
	return kind == haystackz.SpanKindServer
}

// Depth returns the depth of the deepest branch.
func (n *SpanTree) Depth() int {
	deepest := 0
	for _, c := range n.Children {
		if d := c.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// PrintSpanTree formats trees for failure messages.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	sc := node.Span.Context()
	fmt.Fprintf(sb, "%s%s [%s] span=%s parent=%s\n",
		strings.Repeat("  ", depth), node.Span.OperationName(), node.Span.ServiceName(), sc.SpanID(), sc.ParentSpanID())
	children := append([]*SpanTree(nil), node.Children...)
	sort.Slice(children, func(i, j int) bool {
		return children[i].Span.StartTime().Before(children[j].Span.StartTime())
	})
	for _, child := range children {
		printTreeNode(sb, child, depth+1)
	}
}

// TraceIDs returns the distinct trace ids among spans.
func TraceIDs(spans []*haystackz.Span) map[string]int {
	ids := make(map[string]int)
	for _, s := range spans {
		ids[s.Context().TraceID()]++
	}
	return ids
}

// gate blocks transports until released.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }
