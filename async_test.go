package haystackz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingTransport struct {
	mu      sync.Mutex
	sent    []*Span
	gate    chan struct{}
	sendErr error
	closed  atomic.Bool
	late    atomic.Int32
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Send(ctx context.Context, span *Span) error {
	if r.closed.Load() {
		r.late.Add(1)
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, span)
	return r.sendErr
}

func (r *recordingTransport) Close(context.Context) error {
	r.closed.Store(true)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestAsyncSinkDrainsOnClose(t *testing.T) {
	transport := &recordingTransport{}
	sink := NewAsyncSink(transport, WithWorkers(3), WithQueueSize(100))
	tracer, err := New("svc", sink, WithIDGenerator(sequentialIDs("id")))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50; i++ {
		_ = tracer.StartSpan("op").Finish()
	}
	if err := tracer.Close(context.Background()); err != nil {
		t.Fatalf("Expected clean close, got %v", err)
	}

	if transport.count() != 50 {
		t.Errorf("Expected 50 spans sent, got %d", transport.count())
	}
	if !transport.closed.Load() {
		t.Error("Expected transport to be closed")
	}
	if sink.Name() != "recording" {
		t.Errorf("Expected transport name, got %s", sink.Name())
	}
}

func TestAsyncSinkReportsTransportErrors(t *testing.T) {
	boom := errors.New("boom")
	sink := NewAsyncSink(&recordingTransport{sendErr: boom}, WithWorkers(1))
	defer sink.Close(context.Background())

	tracer, _ := newTestTracer(t)
	errCh := make(chan error, 1)
	sink.Dispatch(tracer.StartSpan("op"), func(err error) { errCh <- err })

	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Errorf("Expected transport error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Callback was not invoked")
	}
}

func TestAsyncSinkDropsWhenQueueFull(t *testing.T) {
	transport := &recordingTransport{gate: make(chan struct{})}
	sink := NewAsyncSink(transport, WithWorkers(1), WithQueueSize(1))
	tracer, _ := newTestTracer(t)

	// One span blocks the worker, one fills the queue.
	sink.Dispatch(tracer.StartSpan("in-flight"), nil)
	for sink.Pending() != 0 {
		time.Sleep(time.Millisecond)
	}
	sink.Dispatch(tracer.StartSpan("queued"), nil)

	var dropErr error
	sink.Dispatch(tracer.StartSpan("dropped"), func(err error) { dropErr = err })
	if !errors.Is(dropErr, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", dropErr)
	}
	if sink.Dropped() != 1 {
		t.Errorf("Expected 1 dropped span, got %d", sink.Dropped())
	}

	close(transport.gate)
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Expected clean close, got %v", err)
	}
	if transport.count() != 2 {
		t.Errorf("Expected 2 spans sent, got %d", transport.count())
	}
}

func TestAsyncSinkRejectsAfterClose(t *testing.T) {
	sink := NewAsyncSink(&recordingTransport{})
	_ = sink.Close(context.Background())

	var got error
	sink.Dispatch(nil, func(err error) { got = err })
	if !errors.Is(got, ErrSinkClosed) {
		t.Errorf("Expected ErrSinkClosed, got %v", got)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Errorf("Expected repeated close to return the first result, got %v", err)
	}
}

func TestAsyncSinkCloseHonorsContext(t *testing.T) {
	transport := &recordingTransport{gate: make(chan struct{})}
	sink := NewAsyncSink(transport, WithWorkers(1), WithSendTimeout(time.Minute))
	tracer, _ := newTestTracer(t)
	sink.Dispatch(tracer.StartSpan("stuck"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sink.Close(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	// Release the worker so goleak sees it exit.
	close(transport.gate)
	sink.wg.Wait()
}

func TestAsyncSinkTimedOutCloseRejectsQueuedSpans(t *testing.T) {
	transport := &recordingTransport{gate: make(chan struct{})}
	sink := NewAsyncSink(transport, WithWorkers(1), WithSendTimeout(time.Minute))
	tracer, _ := newTestTracer(t)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		sink.Dispatch(tracer.StartSpan("queued"), func(err error) { errs <- err })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sink.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	sink.wg.Wait()

	if n := transport.late.Load(); n != 0 {
		t.Errorf("Expected no sends after transport close, got %d", n)
	}
	if n := transport.count(); n != 0 {
		t.Errorf("Expected nothing delivered through a closed gate, got %d", n)
	}

	first := <-errs
	if !errors.Is(first, context.Canceled) {
		t.Errorf("Expected in-flight send to be cancelled, got %v", first)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrSinkClosed) {
			t.Errorf("Expected ErrSinkClosed for queued span, got %v", err)
		}
	}
}
