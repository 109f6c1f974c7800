// Package metrics decorates a haystackz.Sink with Prometheus instrumentation.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/haystackz"
)

// Dispatch result labels.
const (
	ResultSuccess = "success"
	ResultDropped = "dropped"
	ResultClosed  = "closed"
	ResultError   = "error"
)

type queued interface {
	Pending() int
	Dropped() uint64
}

// Sink counts dispatch outcomes and observes span durations before
// delegating to the wrapped sink.
type Sink struct {
	inner      haystackz.Sink
	dispatched *prometheus.CounterVec
	durations  prometheus.Histogram
}

// NewSink registers the collectors on reg and wraps inner. If inner exposes
// queue statistics (haystackz.AsyncSink does) they are exported as well.
func NewSink(inner haystackz.Sink, reg prometheus.Registerer) (*Sink, error) {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"sink": inner.Name()}, reg)

	s := &Sink{
		inner: inner,
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haystack",
			Name:      "spans_dispatched_total",
			Help:      "Finished spans handed to the sink, by outcome.",
		}, []string{"result"}),
		durations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "haystack",
			Name:      "span_duration_seconds",
			Help:      "Duration of finished spans.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	collectors := []prometheus.Collector{s.dispatched, s.durations}

	if q, ok := inner.(queued); ok {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "haystack",
				Name:      "sink_queue_pending",
				Help:      "Spans waiting in the sink queue.",
			}, func() float64 { return float64(q.Pending()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "haystack",
				Name:      "sink_queue_dropped_total",
				Help:      "Spans dropped because the sink queue was full.",
			}, func() float64 { return float64(q.Dropped()) }),
		)
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the wrapped sink's name.
func (s *Sink) Name() string { return s.inner.Name() }

// Dispatch records the span and forwards it, counting the outcome when the
// wrapped sink reports back.
func (s *Sink) Dispatch(span *haystackz.Span, callback haystackz.DispatchCallback) {
	s.durations.Observe(span.Duration().Seconds())
	s.inner.Dispatch(span, func(err error) {
		s.dispatched.WithLabelValues(result(err)).Inc()
		if callback != nil {
			callback(err)
		}
	})
}

// Close closes the wrapped sink.
func (s *Sink) Close(ctx context.Context) error { return s.inner.Close(ctx) }

func result(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, haystackz.ErrQueueFull):
		return ResultDropped
	case errors.Is(err, haystackz.ErrSinkClosed):
		return ResultClosed
	default:
		return ResultError
	}
}
