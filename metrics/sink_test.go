package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/haystackz"
)

type failingTransport struct{ err error }

func (failingTransport) Name() string                                  { return "failing" }
func (f failingTransport) Send(context.Context, *haystackz.Span) error { return f.err }
func (failingTransport) Close(context.Context) error                   { return nil }

func TestSinkCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	inner := haystackz.NewInMemorySink()
	sink, err := NewSink(inner, reg)
	require.NoError(t, err)
	assert.Equal(t, "InMemorySink", sink.Name())

	tracer, err := haystackz.New("svc", sink)
	require.NoError(t, err)

	span := tracer.StartSpan("op")
	require.NoError(t, span.FinishAt(span.StartTime().Add(2*time.Second)))
	require.NoError(t, tracer.StartSpan("op").Finish())
	require.NoError(t, tracer.Close(context.Background()))
	require.NoError(t, tracer.StartSpan("late").Finish())

	assert.Equal(t, 2, inner.Count())
	assert.Equal(t, float64(2), testutil.ToFloat64(sink.dispatched.WithLabelValues(ResultSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.dispatched.WithLabelValues(ResultClosed)))

	count, err := testutil.GatherAndCount(reg, "haystack_span_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSinkExportsQueueStatistics(t *testing.T) {
	reg := prometheus.NewRegistry()
	async := haystackz.NewAsyncSink(failingTransport{err: errors.New("down")}, haystackz.WithWorkers(1))
	sink, err := NewSink(async, reg)
	require.NoError(t, err)

	tracer, err := haystackz.New("svc", sink)
	require.NoError(t, err)
	require.NoError(t, tracer.StartSpan("op").Finish())
	require.NoError(t, tracer.Close(context.Background()))

	assert.Equal(t, float64(1), testutil.ToFloat64(sink.dispatched.WithLabelValues(ResultError)))

	count, err := testutil.GatherAndCount(reg, "haystack_sink_queue_pending", "haystack_sink_queue_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNewSinkRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewSink(haystackz.NoopSink{}, reg)
	require.NoError(t, err)

	_, err = NewSink(haystackz.NoopSink{}, reg)
	assert.Error(t, err)
}

func TestResultLabels(t *testing.T) {
	assert.Equal(t, ResultSuccess, result(nil))
	assert.Equal(t, ResultDropped, result(haystackz.ErrQueueFull))
	assert.Equal(t, ResultClosed, result(haystackz.ErrSinkClosed))
	assert.Equal(t, ResultError, result(errors.New("boom")))
}
