package haystackz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Transport moves one finished span to its destination, blocking until the
// destination answers. AsyncSink turns a Transport into a non-blocking Sink.
type Transport interface {
	Name() string
	Send(ctx context.Context, span *Span) error
	Close(ctx context.Context) error
}

// Defaults for AsyncSink.
const (
	DefaultQueueSize   = 1024
	DefaultWorkers     = 2
	DefaultSendTimeout = 5 * time.Second
)

// AsyncOption configures an AsyncSink.
type AsyncOption func(*AsyncSink)

// WithQueueSize sets the number of spans buffered ahead of the workers.
func WithQueueSize(n int) AsyncOption {
	return func(a *AsyncSink) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// WithWorkers sets the number of goroutines calling the transport.
func WithWorkers(n int) AsyncOption {
	return func(a *AsyncSink) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithSendTimeout bounds each Transport.Send call.
func WithSendTimeout(d time.Duration) AsyncOption {
	return func(a *AsyncSink) {
		if d > 0 {
			a.sendTimeout = d
		}
	}
}

type asyncTask struct {
	span     *Span
	callback DispatchCallback
}

// AsyncSink queues finished spans and hands them to a Transport from a
// bounded worker pool. When the queue is full the span is dropped and the
// callback receives ErrQueueFull. Safe for concurrent use.
//
//nolint:govet // Field order optimized for readability
type AsyncSink struct {
	transport   Transport
	tasks       chan asyncTask
	stop        chan struct{}
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
	closeOnce   sync.Once
	closeErr    error
	dropped     atomic.Uint64
	sendCtx     context.Context
	cancelSends context.CancelFunc
	sendMu      sync.RWMutex
	detached    bool
	queueSize   int
	workers     int
	sendTimeout time.Duration
}

// NewAsyncSink starts the worker pool in front of transport.
func NewAsyncSink(transport Transport, opts ...AsyncOption) *AsyncSink {
	a := &AsyncSink{
		transport:   transport,
		queueSize:   DefaultQueueSize,
		workers:     DefaultWorkers,
		sendTimeout: DefaultSendTimeout,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.tasks = make(chan asyncTask, a.queueSize)
	a.sendCtx, a.cancelSends = context.WithCancel(context.Background())

	a.wg.Add(a.workers)
	for i := 0; i < a.workers; i++ {
		go a.run()
	}
	return a
}

// Name returns the transport's name.
func (a *AsyncSink) Name() string { return a.transport.Name() }

// Dispatch enqueues span without waiting for the transport.
func (a *AsyncSink) Dispatch(span *Span, callback DispatchCallback) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		notify(callback, ErrSinkClosed)
		return
	}

	select {
	case a.tasks <- asyncTask{span: span, callback: callback}:
	default:
		a.dropped.Add(1)
		notify(callback, ErrQueueFull)
	}
}

// Dropped returns the number of spans dropped because the queue was full.
func (a *AsyncSink) Dropped() uint64 {
	return a.dropped.Load()
}

// Pending returns the number of queued spans.
func (a *AsyncSink) Pending() int {
	return len(a.tasks)
}

// Close stops accepting spans, drains the queue and closes the transport.
// If ctx expires first, in-flight sends are cancelled, the remaining spans
// are rejected with ErrSinkClosed and ctx's error is returned. The transport
// never sees a Send after its Close. Later calls return the first result.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.stop)
		a.mu.Unlock()

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()

		var drainErr error
		select {
		case <-done:
		case <-ctx.Done():
			drainErr = ctx.Err()
		}

		a.cancelSends()
		a.sendMu.Lock()
		a.detached = true
		a.sendMu.Unlock()

		a.closeErr = errors.Join(drainErr, a.transport.Close(ctx))
	})
	return a.closeErr
}

func (a *AsyncSink) run() {
	defer a.wg.Done()
	for {
		select {
		case task := <-a.tasks:
			a.send(task)
		case <-a.stop:
			// Drain remaining spans before shutdown.
			for {
				select {
				case task := <-a.tasks:
					a.send(task)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncSink) send(task asyncTask) {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.detached {
		notify(task.callback, ErrSinkClosed)
		return
	}

	ctx, cancel := context.WithTimeout(a.sendCtx, a.sendTimeout)
	defer cancel()
	notify(task.callback, a.transport.Send(ctx, task.span))
}
