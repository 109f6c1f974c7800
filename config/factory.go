package config

import (
	"fmt"

	"github.com/zoobzio/haystackz"
	"github.com/zoobzio/haystackz/sinks/agent"
	"github.com/zoobzio/haystackz/sinks/file"
	"github.com/zoobzio/haystackz/sinks/httpcollector"
	"go.uber.org/zap"
)

// NewSink builds the sink selected by cfg.Type.
func NewSink(cfg SinkConfig, logger *zap.Logger) (haystackz.Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case "", SinkDisabled:
		return haystackz.NoopSink{}, nil
	case SinkInMemory:
		return haystackz.NewInMemorySink(), nil
	case SinkFile:
		sink, err := file.New(cfg.File, logger, cfg.Queue.options()...)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case SinkAgent:
		sink, err := agent.New(cfg.Agent, logger, cfg.Queue.options()...)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case SinkHTTPCollector:
		return httpcollector.New(cfg.HTTPCollector, logger, cfg.Queue.options()...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSinkType, cfg.Type)
	}
}

// NewTracer validates cfg, builds its sink and returns a tracer dispatching
// to it. Extra options are applied after the configured ones.
func NewTracer(cfg Config, logger *zap.Logger, opts ...haystackz.Option) (*haystackz.Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sink, err := NewSink(cfg.Sink, logger)
	if err != nil {
		return nil, err
	}
	return NewTracerWithSink(cfg, sink, logger, opts...)
}

// NewTracerWithSink returns a tracer for cfg dispatching to sink, ignoring
// cfg.Sink. Useful when the sink is decorated before use.
func NewTracerWithSink(cfg Config, sink haystackz.Sink, logger *zap.Logger, opts ...haystackz.Option) (*haystackz.Tracer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	base := []haystackz.Option{
		haystackz.WithLogger(logger),
		haystackz.WithDualSpanMode(cfg.DualSpanMode),
	}
	if tags := cfg.Tags(); tags != nil {
		base = append(base, haystackz.WithCommonTags(tags))
	}
	return haystackz.New(cfg.ServiceName, sink, append(base, opts...)...)
}
