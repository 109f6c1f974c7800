// Package config loads tracer configuration from YAML or JSON and builds the
// configured sink and tracer.
//
// A minimal file:
//
//	service_name: checkout
//	dual_span_mode: false
//	common_tags:
//	  env: prod
//	sink:
//	  type: haystack_agent
//	  agent:
//	    host: localhost
//	    port: 35000
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/zoobzio/haystackz"
	"github.com/zoobzio/haystackz/sinks/agent"
	"github.com/zoobzio/haystackz/sinks/file"
	"github.com/zoobzio/haystackz/sinks/httpcollector"
)

// Format names a configuration encoding.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// SinkType selects the sink implementation.
type SinkType string

// Sink types. An empty type means SinkDisabled.
const (
	SinkDisabled      SinkType = "disabled"
	SinkFile          SinkType = "file"
	SinkAgent         SinkType = "haystack_agent"
	SinkHTTPCollector SinkType = "http_collector"
	SinkInMemory      SinkType = "in_memory"
)

// Key delimiter. Tag keys such as span.kind contain dots.
const delim = "::"

var (
	// ErrUnsupportedFormat is returned for an unknown configuration encoding.
	ErrUnsupportedFormat = errors.New("config: unsupported format")
	// ErrUnknownSinkType is returned for a sink type outside the closed set.
	ErrUnknownSinkType = errors.New("config: unknown sink type")
	// ErrParse is returned when the document cannot be parsed or decoded.
	ErrParse = errors.New("config: parse failed")
)

// QueueConfig tunes the asynchronous queue in front of network and file sinks.
type QueueConfig struct {
	Size        int           `koanf:"size" json:"size"`
	Workers     int           `koanf:"workers" json:"workers"`
	SendTimeout time.Duration `koanf:"send_timeout" json:"send_timeout"`
}

// SinkConfig selects and configures the sink.
type SinkConfig struct {
	Type          SinkType             `koanf:"type" json:"type"`
	File          file.Config          `koanf:"file" json:"file"`
	Agent         agent.Config         `koanf:"agent" json:"agent"`
	HTTPCollector httpcollector.Config `koanf:"http_collector" json:"http_collector"`
	Queue         QueueConfig          `koanf:"queue" json:"queue"`
}

// Config is the complete tracer configuration.
type Config struct {
	ServiceName  string            `koanf:"service_name" json:"service_name"`
	CommonTags   map[string]string `koanf:"common_tags" json:"common_tags"`
	DualSpanMode bool              `koanf:"dual_span_mode" json:"dual_span_mode"`
	Sink         SinkConfig        `koanf:"sink" json:"sink"`
}

// Default returns a configuration with every default filled in and the sink
// disabled.
func Default() Config {
	return Config{
		Sink: SinkConfig{
			Type: SinkDisabled,
			Agent: agent.Config{
				Host:   agent.DefaultHost,
				Port:   agent.DefaultPort,
				Method: agent.DefaultMethod,
			},
			HTTPCollector: httpcollector.Config{
				URL:         httpcollector.DefaultURL,
				Timeout:     httpcollector.DefaultTimeout,
				MaxAttempts: httpcollector.DefaultMaxAttempts,
				RetryDelay:  httpcollector.DefaultRetryDelay,
			},
			Queue: QueueConfig{
				Size:        haystackz.DefaultQueueSize,
				Workers:     haystackz.DefaultWorkers,
				SendTimeout: haystackz.DefaultSendTimeout,
			},
		},
	}
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte, format Format) (Config, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	cfg := Default()
	k := koanf.New(delim)
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrParse, err)
		}
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if cfg.Sink.Type == "" {
		cfg.Sink.Type = SinkDisabled
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path and parses it according to its extension.
func Load(path string) (Config, error) {
	format, err := formatOf(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, format)
}

func formatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Validate rejects a missing service name, an unknown sink type and a file
// sink without a path.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return haystackz.ErrMissingServiceName
	}
	switch c.Sink.Type {
	case "", SinkDisabled, SinkAgent, SinkHTTPCollector, SinkInMemory:
	case SinkFile:
		if c.Sink.File.Path == "" {
			return file.ErrEmptyPath
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSinkType, c.Sink.Type)
	}
	return nil
}

// Tags converts CommonTags for haystackz.WithCommonTags.
func (c Config) Tags() map[string]any {
	if len(c.CommonTags) == 0 {
		return nil
	}
	tags := make(map[string]any, len(c.CommonTags))
	for k, v := range c.CommonTags {
		tags[k] = v
	}
	return tags
}

func (q QueueConfig) options() []haystackz.AsyncOption {
	return []haystackz.AsyncOption{
		haystackz.WithQueueSize(q.Size),
		haystackz.WithWorkers(q.Workers),
		haystackz.WithSendTimeout(q.SendTimeout),
	}
}
