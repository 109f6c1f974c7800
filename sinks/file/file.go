// Package file appends finished spans to a size-rotated file, one JSON
// object per line.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zoobzio/haystackz"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Defaults applied when a Config field is zero.
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
)

// ErrEmptyPath is returned when no file path is configured.
var ErrEmptyPath = errors.New("file sink: empty path")

// Config describes the output file and its rotation policy.
type Config struct {
	Path       string `koanf:"path" json:"path"`
	MaxSizeMB  int    `koanf:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups" json:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days" json:"max_age_days"`
	Compress   bool   `koanf:"compress" json:"compress"`
}

// Transport writes spans to the configured file. Safe for concurrent use.
type Transport struct {
	out    *lumberjack.Logger
	logger *zap.Logger
	mu     sync.Mutex
}

// NewTransport creates the parent directory and opens the rotating writer.
// The file itself is created on first write.
func NewTransport(cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.Path == "" {
		return nil, ErrEmptyPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = DefaultMaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}

	path := filepath.Clean(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("file sink: create directory: %w", err)
	}

	return &Transport{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		logger: logger.With(zap.String("path", path)),
	}, nil
}

// Name implements haystackz.Transport.
func (*Transport) Name() string { return "FileSink" }

// Send appends span as a single JSON line.
func (t *Transport) Send(_ context.Context, span *haystackz.Span) error {
	line, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("file sink: encode span: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(line); err != nil {
		return fmt.Errorf("file sink: write: %w", err)
	}
	return nil
}

// Close flushes and closes the current file.
func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.out.Close(); err != nil {
		return fmt.Errorf("file sink: close: %w", err)
	}
	t.logger.Info("file sink closed")
	return nil
}

// New returns an asynchronous sink writing to the configured file.
func New(cfg Config, logger *zap.Logger, opts ...haystackz.AsyncOption) (*haystackz.AsyncSink, error) {
	transport, err := NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return haystackz.NewAsyncSink(transport, opts...), nil
}
