// Package haystackgrpc propagates haystack spans across gRPC unary calls.
//
// Span contexts travel in request metadata using the text-map format.
// gRPC lowercases metadata keys, which the text-map propagator accepts
// since it matches keys case-insensitively. Baggage keys arrive lowercased.
package haystackgrpc

import (
	"context"
	"strings"

	"github.com/zoobzio/haystackz"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Tag keys set on gRPC spans.
const (
	TagRPCMethod = "rpc.method"
	TagRPCCode   = "rpc.grpc.status_code"
)

// MetadataCarrier adapts metadata.MD to haystackz.Carrier.
type MetadataCarrier metadata.MD

// Set replaces the values under the lowercased key. Setting on nil metadata
// does nothing.
func (c MetadataCarrier) Set(key, value string) {
	if c == nil {
		return
	}
	metadata.MD(c).Set(key, value)
}

// ForeachKey visits the first value of each key.
func (c MetadataCarrier) ForeachKey(handler func(key, value string) error) error {
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

// UnaryServerInterceptor starts a server span for each call, continuing the
// trace found in the incoming metadata.
func UnaryServerInterceptor(tracer *haystackz.Tracer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		opts := []haystackz.StartSpanOption{
			haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindServer),
			haystackz.WithTag(TagRPCMethod, info.FullMethod),
		}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if parent, err := tracer.Extract(haystackz.FormatTextMap, MetadataCarrier(md)); err == nil && !parent.IsZero() {
				opts = append(opts, haystackz.ChildOf(parent))
			}
		}

		ctx, span := tracer.StartSpanFromContext(ctx, operationName(info.FullMethod), opts...)
		resp, err := handler(ctx, req)
		finish(span, err)
		return resp, err
	}
}

// UnaryClientInterceptor starts a client span for each call and injects it
// into the outgoing metadata.
func UnaryClientInterceptor(tracer *haystackz.Tracer) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, span := tracer.StartSpanFromContext(ctx, operationName(method),
			haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindClient),
			haystackz.WithTag(TagRPCMethod, method))

		md, ok := metadata.FromOutgoingContext(ctx)
		if ok {
			md = md.Copy()
		} else {
			md = metadata.New(nil)
		}
		if err := tracer.Inject(span.Context(), haystackz.FormatTextMap, MetadataCarrier(md)); err != nil {
			_ = span.LogEvent("inject-failed", err.Error())
		}

		err := invoker(metadata.NewOutgoingContext(ctx, md), method, req, reply, cc, opts...)
		finish(span, err)
		return err
	}
}

func finish(span *haystackz.Span, err error) {
	code := status.Code(err)
	_ = span.SetTag(TagRPCCode, code.String())
	if err != nil {
		_ = span.SetTag(haystackz.TagError, true)
		_ = span.LogEvent("error", err.Error())
	}
	_ = span.Finish()
}

// operationName trims the leading slash of a full method name.
func operationName(fullMethod string) string {
	return strings.TrimPrefix(fullMethod, "/")
}
