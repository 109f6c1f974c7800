// Package agent ships finished spans to a haystack-agent over gRPC.
//
// The agent exposes a single unary method taking a serialized Span and
// returning a DispatchResult. Messages are encoded by internal/wire, so
// no generated stubs are needed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/zoobzio/haystackz"
	"github.com/zoobzio/haystackz/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Defaults applied when a Config field is zero.
const (
	DefaultHost   = "haystack-agent"
	DefaultPort   = 35000
	DefaultMethod = "/SpanAgent/dispatch"
)

// ErrRejected is returned when the agent answers with a non-success code.
var ErrRejected = errors.New("agent sink: span rejected")

// Config locates the agent.
type Config struct {
	Host   string `koanf:"host" json:"host"`
	Port   int    `koanf:"port" json:"port"`
	Method string `koanf:"method" json:"method"`
}

// Target returns the host:port dial target.
func (c Config) Target() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Method == "" {
		c.Method = DefaultMethod
	}
	return c
}

// Transport sends one span per unary call. Safe for concurrent use.
type Transport struct {
	conn   *grpc.ClientConn
	method string
	logger *zap.Logger
}

// NewTransport creates a lazily connecting client for the agent. Extra dial
// options are appended after the insecure transport credentials.
func NewTransport(cfg Config, logger *zap.Logger, dialOpts ...grpc.DialOption) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}, dialOpts...)

	conn, err := grpc.NewClient(cfg.Target(), opts...)
	if err != nil {
		return nil, fmt.Errorf("agent sink: dial %s: %w", cfg.Target(), err)
	}

	logger.Info("initializing the grpc agent sink", zap.String("target", cfg.Target()))
	return &Transport{
		conn:   conn,
		method: cfg.Method,
		logger: logger,
	}, nil
}

// Name implements haystackz.Transport.
func (*Transport) Name() string { return "GrpcAgentSink" }

// Send dispatches span and waits for the agent's verdict.
func (t *Transport) Send(ctx context.Context, span *haystackz.Span) error {
	var reply []byte
	if err := t.conn.Invoke(ctx, t.method, wire.EncodeSpan(span), &reply); err != nil {
		return fmt.Errorf("agent sink: dispatch: %w", err)
	}

	result, err := wire.DecodeDispatchResult(reply)
	if err != nil {
		return fmt.Errorf("agent sink: decode result: %w", err)
	}
	if result.Code != wire.ResultSuccess {
		return fmt.Errorf("%w: code=%s message=%q", ErrRejected, result.Code, result.ErrorMessage)
	}

	t.logger.Debug("span dispatched to agent",
		zap.String("trace_id", span.Context().TraceID()),
		zap.String("span_id", span.Context().SpanID()))
	return nil
}

// Close tears down the connection.
func (t *Transport) Close(context.Context) error {
	return t.conn.Close()
}

// New returns an asynchronous sink shipping spans to the agent.
func New(cfg Config, logger *zap.Logger, opts ...haystackz.AsyncOption) (*haystackz.AsyncSink, error) {
	transport, err := NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return haystackz.NewAsyncSink(transport, opts...), nil
}
