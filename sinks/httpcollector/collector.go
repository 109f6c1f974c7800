// Package httpcollector POSTs finished spans, protobuf encoded, to a
// Haystack HTTP collector.
//
// Every span is sent with bounded retries. A circuit breaker stops hammering
// a collector that keeps failing and fails spans fast until it recovers.
package httpcollector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"
	"github.com/zoobzio/haystackz"
	"github.com/zoobzio/haystackz/internal/wire"
	"go.uber.org/zap"
)

// Defaults applied when a Config field is zero.
const (
	DefaultURL             = "http://localhost:8080/span"
	DefaultTimeout         = 3 * time.Second
	DefaultMaxAttempts     = 3
	DefaultRetryDelay      = 100 * time.Millisecond
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
)

// ContentType is sent with every request.
const ContentType = "application/octet-stream"

var (
	// ErrStatus is returned for a non-2xx collector response.
	ErrStatus = errors.New("http collector: unexpected status")
	// ErrCircuitOpen is returned while the breaker rejects requests.
	ErrCircuitOpen = errors.New("http collector: circuit open")
)

// Config locates the collector and tunes delivery.
type Config struct {
	URL             string            `koanf:"url" json:"url"`
	Headers         map[string]string `koanf:"headers" json:"headers"`
	Timeout         time.Duration     `koanf:"timeout" json:"timeout"`
	MaxAttempts     uint              `koanf:"max_attempts" json:"max_attempts"`
	RetryDelay      time.Duration     `koanf:"retry_delay" json:"retry_delay"`
	BreakerFailures uint32            `koanf:"breaker_failures" json:"breaker_failures"`
	BreakerTimeout  time.Duration     `koanf:"breaker_timeout" json:"breaker_timeout"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = DefaultBreakerTimeout
	}
	return c
}

// Transport posts one span per request. Safe for concurrent use.
type Transport struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		if client != nil {
			t.client = client
		}
	}
}

// NewTransport builds a transport for cfg.
func NewTransport(cfg Config, logger *zap.Logger, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("url", cfg.URL))

	t := &Transport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}

	failures := cfg.BreakerFailures
	t.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "haystack-http-collector",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	logger.Info("initializing the http collector sink")
	return t
}

// Name implements haystackz.Transport.
func (*Transport) Name() string { return "HttpCollectorSink" }

// State reports the circuit breaker state.
func (t *Transport) State() gobreaker.State { return t.breaker.State() }

// Send posts span, retrying transient failures.
func (t *Transport) Send(ctx context.Context, span *haystackz.Span) error {
	body := wire.EncodeSpan(span)

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(t.cfg.MaxAttempts),
		retry.Delay(t.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Debug("retrying span dispatch", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		_, err := t.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, t.post(ctx, body)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retry.Unrecoverable(fmt.Errorf("%w: %w", ErrCircuitOpen, err))
		}
		return err
	})
	if err != nil {
		return err
	}

	t.logger.Debug("span submitted to http collector",
		zap.String("trace_id", span.Context().TraceID()),
		zap.String("span_id", span.Context().SpanID()))
	return nil
}

func (t *Transport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("http collector: build request: %w", err))
	}
	req.Header.Set("Content-Type", ContentType)
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http collector: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrStatus, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases idle connections.
func (t *Transport) Close(context.Context) error {
	t.client.CloseIdleConnections()
	return nil
}

// New returns an asynchronous sink posting spans to the collector.
func New(cfg Config, logger *zap.Logger, opts ...haystackz.AsyncOption) *haystackz.AsyncSink {
	return haystackz.NewAsyncSink(NewTransport(cfg, logger), opts...)
}
