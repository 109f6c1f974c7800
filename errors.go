package haystackz

import "errors"

var (
	// ErrMissingServiceName is returned by New when no service name is given.
	ErrMissingServiceName = errors.New("haystackz: service name must be provided")

	// ErrSpanFinished is returned when a finished span is finished again or mutated.
	ErrSpanFinished = errors.New("haystackz: span already finished")

	// ErrUnsupportedFormat is returned by Inject and Extract for an unregistered format.
	ErrUnsupportedFormat = errors.New("haystackz: format not supported")

	// ErrSinkClosed is reported to dispatch callbacks after a sink was closed.
	ErrSinkClosed = errors.New("haystackz: sink closed")

	// ErrQueueFull is reported to dispatch callbacks when an AsyncSink drops a span.
	ErrQueueFull = errors.New("haystackz: dispatch queue full")
)
