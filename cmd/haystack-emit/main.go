// haystack-emit sends simulated client to server traces through a configured
// sink. It is useful to check that an agent or collector accepts spans.
//
// Usage:
//
//	haystack-emit --config tracer.yaml --traces 100
//	haystack-emit --service demo --sink http_collector --collector-url http://localhost:8080/span
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/zoobzio/haystackz/config"
	"go.uber.org/zap"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "haystack-emit",
		Usage: "emit simulated traces through a haystack sink",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or JSON tracer configuration"},
			&cli.StringFlag{Name: "service", Usage: "service name (overrides the configuration)"},
			&cli.StringFlag{Name: "sink", Usage: "sink type: disabled, file, haystack_agent, http_collector, in_memory"},
			&cli.StringFlag{Name: "file-path", Usage: "output path for the file sink"},
			&cli.StringFlag{Name: "agent-host", Usage: "haystack-agent host"},
			&cli.IntFlag{Name: "agent-port", Usage: "haystack-agent port"},
			&cli.StringFlag{Name: "collector-url", Usage: "http collector endpoint"},
			&cli.BoolFlag{Name: "dual-span-mode", Usage: "give client and server spans distinct ids"},
			&cli.IntFlag{Name: "traces", Aliases: []string{"n"}, Value: 10, Usage: "number of traces to emit"},
			&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "traces emitted in parallel"},
			&cli.DurationFlag{Name: "shutdown-timeout", Value: 10 * time.Second, Usage: "time allowed to drain the sink"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "development logging"},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger, err := newLogger(cmd.Bool("verbose"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tracer, err := config.NewTracer(cfg, logger)
	if err != nil {
		return err
	}

	emitErr := emit(ctx, tracer, cmd.Int("traces"), cmd.Int("concurrency"))

	closeCtx, cancel := context.WithTimeout(context.Background(), cmd.Duration("shutdown-timeout"))
	defer cancel()
	if err := tracer.Close(closeCtx); err != nil {
		logger.Error("failed to drain sink", zap.Error(err))
		if emitErr == nil {
			emitErr = err
		}
	}
	return emitErr
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if v := cmd.String("service"); v != "" {
		cfg.ServiceName = v
	}
	if v := cmd.String("sink"); v != "" {
		cfg.Sink.Type = config.SinkType(v)
	}
	if v := cmd.String("file-path"); v != "" {
		cfg.Sink.File.Path = v
	}
	if v := cmd.String("agent-host"); v != "" {
		cfg.Sink.Agent.Host = v
	}
	if v := cmd.Int("agent-port"); v != 0 {
		cfg.Sink.Agent.Port = v
	}
	if v := cmd.String("collector-url"); v != "" {
		cfg.Sink.HTTPCollector.URL = v
	}
	if cmd.IsSet("dual-span-mode") {
		cfg.DualSpanMode = cmd.Bool("dual-span-mode")
	}
	return cfg, cfg.Validate()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
