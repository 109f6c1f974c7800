package haystackgrpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/haystackz"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	client       healthpb.HealthClient
	clientTracer *haystackz.Tracer
	clientSink   *haystackz.InMemorySink
	serverSink   *haystackz.InMemorySink
	baggage      chan string
}

func newHarness(t *testing.T, dual bool) *harness {
	t.Helper()
	h := &harness{
		clientSink: haystackz.NewInMemorySink(),
		serverSink: haystackz.NewInMemorySink(),
		baggage:    make(chan string, 1),
	}

	serverTracer, err := haystackz.New("backend", h.serverSink, haystackz.WithDualSpanMode(dual))
	require.NoError(t, err)
	h.clientTracer, err = haystackz.New("frontend", h.clientSink, haystackz.WithDualSpanMode(dual))
	require.NoError(t, err)

	capture := func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if span := haystackz.SpanFromContext(ctx); span != nil {
			v, _ := span.Context().BaggageItem("tenant")
			h.baggage <- v
		}
		return handler(ctx, req)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryServerInterceptor(serverTracer), capture))
	hs := health.NewServer()
	hs.SetServingStatus("orders", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithUnaryInterceptor(UnaryClientInterceptor(h.clientTracer)))
	require.NoError(t, err)
	h.client = healthpb.NewHealthClient(conn)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		_ = h.clientTracer.Close(context.Background())
		_ = serverTracer.Close(context.Background())
	})
	return h
}

func TestInterceptorsSharedSpan(t *testing.T) {
	h := newHarness(t, false)

	ctx, root := h.clientTracer.StartSpanFromContext(context.Background(), "checkout")
	require.NoError(t, root.SetBaggageItem("tenant", "acme"))

	resp, err := h.client.Check(ctx, &healthpb.HealthCheckRequest{Service: "orders"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	assert.Equal(t, "acme", <-h.baggage)

	require.Len(t, h.clientSink.Spans(), 1)
	require.Len(t, h.serverSink.Spans(), 1)
	client := h.clientSink.Spans()[0].Context()
	server := h.serverSink.Spans()[0].Context()

	assert.Equal(t, root.Context().SpanID(), client.ParentSpanID())
	assert.Equal(t, client.TraceID(), server.TraceID())
	assert.Equal(t, client.SpanID(), server.SpanID())
	assert.Equal(t, client.ParentSpanID(), server.ParentSpanID())

	serverSpan := h.serverSink.Spans()[0]
	assert.Equal(t, "grpc.health.v1.Health/Check", serverSpan.OperationName())
	code, _ := serverSpan.Tag(TagRPCCode)
	assert.Equal(t, codes.OK.String(), code)
}

func TestInterceptorsDualSpan(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "orders"})
	require.NoError(t, err)

	client := h.clientSink.Spans()[0].Context()
	server := h.serverSink.Spans()[0].Context()
	assert.Equal(t, client.TraceID(), server.TraceID())
	assert.NotEqual(t, client.SpanID(), server.SpanID())
	assert.Equal(t, client.SpanID(), server.ParentSpanID())
}

func TestInterceptorsRecordErrors(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "unknown"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))

	for _, sink := range []*haystackz.InMemorySink{h.clientSink, h.serverSink} {
		require.Len(t, sink.Spans(), 1)
		span := sink.Spans()[0]
		errTag, _ := span.Tag(haystackz.TagError)
		assert.Equal(t, true, errTag)
		code, _ := span.Tag(TagRPCCode)
		assert.Equal(t, codes.NotFound.String(), code)
	}
}

func TestMetadataCarrierRoundTrip(t *testing.T) {
	tracer, err := haystackz.New("svc", nil)
	require.NoError(t, err)
	defer tracer.Close(context.Background())

	md := metadata.New(nil)
	sc := haystackz.NewSpanContext("t", "s", "p").AddBaggageItem("Tenant", "acme")
	require.NoError(t, tracer.Inject(sc, haystackz.FormatTextMap, MetadataCarrier(md)))
	assert.Equal(t, []string{"t"}, md.Get("trace-id"))

	out, err := tracer.Extract(haystackz.FormatTextMap, MetadataCarrier(md))
	require.NoError(t, err)
	assert.Equal(t, "t", out.TraceID())
	assert.Equal(t, "s", out.SpanID())
	assert.Equal(t, "p", out.ParentSpanID())
	v, ok := out.BaggageItem("tenant")
	assert.True(t, ok)
	assert.Equal(t, "acme", v)
}
