// Package haystackfx wires a haystackz.Tracer into an Uber fx application.
//
//	app := fx.New(
//	    fx.Provide(func() (config.Config, error) { return config.Load("tracer.yaml") }),
//	    fx.Provide(zap.NewProduction),
//	    haystackfx.Module,
//	)
//
// The tracer is closed, draining its sink, when the application stops.
package haystackfx

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/haystackz"
	"github.com/zoobzio/haystackz/config"
	"github.com/zoobzio/haystackz/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides *haystackz.Tracer and closes it on stop.
var Module = fx.Module("haystack",
	fx.Provide(NewTracer),
	fx.Invoke(RegisterLifecycle),
)

// Params are the tracer's dependencies. Logger and Registerer are optional;
// with a Registerer the sink is instrumented by the metrics package.
type Params struct {
	fx.In

	Config     config.Config
	Logger     *zap.Logger           `optional:"true"`
	Registerer prometheus.Registerer `optional:"true"`
	Options    []haystackz.Option    `group:"haystack.options"`
}

// NewTracer builds the tracer described by p.Config.
func NewTracer(p Params) (*haystackz.Tracer, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sink, err := config.NewSink(p.Config.Sink, logger)
	if err != nil {
		return nil, err
	}
	if p.Registerer != nil {
		instrumented, err := metrics.NewSink(sink, p.Registerer)
		if err != nil {
			_ = sink.Close(context.Background())
			return nil, err
		}
		sink = instrumented
	}
	return config.NewTracerWithSink(p.Config, sink, logger, p.Options...)
}

// AsOption contributes a tracer option from elsewhere in the graph.
func AsOption(f any) any {
	return fx.Annotate(f, fx.ResultTags(`group:"haystack.options"`))
}

// LifecycleParams are the dependencies of RegisterLifecycle.
type LifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Tracer    *haystackz.Tracer
	Logger    *zap.Logger `optional:"true"`
}

// RegisterLifecycle closes the tracer when the application stops.
func RegisterLifecycle(p LifecycleParams) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down tracer", zap.String("service", p.Tracer.ServiceName()))
			return p.Tracer.Close(ctx)
		},
	})
}
