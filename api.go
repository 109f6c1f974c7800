// Package haystackz provides the span and context lifecycle engine of a
// Haystack-style distributed tracer.
//
// haystackz creates causally linked spans, tracks their identity and lineage
// inside one process and across process boundaries, and hands finished spans
// to a pluggable Sink. Concrete transports (file, agent, http collector) live
// in the sinks/ subpackages and are selected through the config package.
//
// Core Components:
//   - Tracer: derives span contexts, owns the sink and the propagators.
//   - SpanContext: immutable identity of a span plus propagated baggage.
//   - Span: tags, logs and a finish-once state machine.
//   - Propagator: encodes a SpanContext into a flat key/value Carrier.
//   - Sink: receives finished spans.
//
// Basic Usage:
//
//	tracer, err := haystackz.New("checkout", sink)
//	if err != nil {
//		return err
//	}
//	defer tracer.Close(context.Background())
//
//	server := tracer.StartSpan("GET /cart", haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindServer))
//	defer server.Finish()
//
//	client := tracer.StartSpan("inventory.lookup",
//		haystackz.ChildOfSpan(server),
//		haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindClient))
//	carrier := haystackz.NewTextMapCarrier()
//	_ = tracer.Inject(client.Context(), haystackz.FormatTextMap, carrier)
//
// Identity Model:
//
// By default a server span started from an extracted context (or tagged
// span.kind=server) reuses the caller's span id, so a client and server pair
// shares one logical span. WithDualSpanMode(true) gives each side its own id,
// linked by parent id.
//
// Thread Safety:
//
// Tracer and SpanContext are safe for concurrent use. A Span belongs to one
// request flow and must not be mutated from several goroutines at once.
//
// Resource Cleanup:
//
// Call Tracer.Close to drain the sink and stop the id pool.
package haystackz

// Well-known tag keys and values.
const (
	TagSpanKind    = "span.kind"
	TagError       = "error"
	SpanKindServer = "server"
	SpanKindClient = "client"
)

// Format identifies a wire form understood by a Propagator.
type Format string

// Built-in propagation formats.
const (
	FormatTextMap     Format = "text-map"
	FormatHTTPHeaders Format = "http-headers"
)
