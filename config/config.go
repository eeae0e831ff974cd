// Package config centralises runtime configuration for Weir services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weirlabs/weir/errs"
)

// Environment identifies the runtime environment where Weir operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BusConfig sizes the lifecycle listener bus.
type BusConfig struct {
	QueueCapacity int `yaml:"queueCapacity"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// HistoryConfig configures the Postgres-backed run history recorder.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// HooksConfig points at the directory of JavaScript lifecycle hooks.
type HooksConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// StreamConfig configures the live websocket event stream.
type StreamConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Addr          string  `yaml:"addr"`
	SendBuffer    int     `yaml:"sendBuffer"`
	RatePerSecond float64 `yaml:"ratePerSecond"`
	RateBurst     int     `yaml:"rateBurst"`
}

// EngineConfig tunes the local execution engine.
type EngineConfig struct {
	Workers    int `yaml:"workers"`
	StageQueue int `yaml:"stageQueue"`
}

// AppConfig is the unified Weir application configuration.
type AppConfig struct {
	Environment  Environment     `yaml:"environment"`
	PipelinesDir string          `yaml:"pipelinesDir"`
	Bus          BusConfig       `yaml:"bus"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	History      HistoryConfig   `yaml:"history"`
	Hooks        HooksConfig     `yaml:"hooks"`
	Stream       StreamConfig    `yaml:"stream"`
	Engine       EngineConfig    `yaml:"engine"`
}

// Default returns the default Weir configuration.
func Default() AppConfig {
	return AppConfig{
		Environment:  EnvProd,
		PipelinesDir: "config/pipelines",
		Bus: BusConfig{
			QueueCapacity: 10000,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4318",
			ServiceName:   "weir",
			OTLPInsecure:  false,
			EnableMetrics: true,
		},
		History: HistoryConfig{
			Enabled: false,
			DSN:     "",
		},
		Hooks: HooksConfig{
			Enabled: false,
			Dir:     "config/hooks",
		},
		Stream: StreamConfig{
			Enabled:       false,
			Addr:          ":8881",
			SendBuffer:    64,
			RatePerSecond: 100,
			RateBurst:     200,
		},
		Engine: EngineConfig{
			Workers:    4,
			StageQueue: 64,
		},
	}
}

// Load builds the configuration with precedence: defaults, then YAML, then env vars.
func Load(path string) (AppConfig, error) {
	cfg, _, err := LoadOrDefault(path)
	return cfg, err
}

// LoadOrDefault behaves like Load and additionally reports whether the YAML
// file was found.
func LoadOrDefault(path string) (AppConfig, bool, error) {
	cfg := Default()

	loaded, err := cfg.loadYAML(path)
	if err != nil {
		return AppConfig{}, false, fmt.Errorf("load yaml config: %w", err)
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, loaded, fmt.Errorf("validate config: %w", err)
	}
	return cfg, loaded, nil
}

func (c *AppConfig) loadYAML(path string) (bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("WEIR_CONFIG"))
	}
	if path == "" {
		path = "config/app.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return false, fmt.Errorf("unmarshal config %q: %w", path, err)
	}
	return true, nil
}

func (c *AppConfig) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("WEIR_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_PIPELINES_DIR")); v != "" {
		c.PipelinesDir = v
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_BUS_QUEUE_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.QueueCapacity = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_HISTORY_DSN")); v != "" {
		c.History.DSN = v
		c.History.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_HOOKS_DIR")); v != "" {
		c.Hooks.Dir = v
		c.Hooks.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_STREAM_ADDR")); v != "" {
		c.Stream.Addr = v
		c.Stream.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

// Validate rejects configurations that cannot produce a working runtime.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return errs.New("config", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown environment %q", c.Environment)))
	}
	if c.Bus.QueueCapacity <= 0 {
		return errs.New("config", errs.CodeInvalid,
			errs.WithMessage("bus.queueCapacity must be positive"))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		return errs.New("config", errs.CodeInvalid,
			errs.WithMessage("history.dsn required when history is enabled"))
	}
	if c.Hooks.Enabled && strings.TrimSpace(c.Hooks.Dir) == "" {
		return errs.New("config", errs.CodeInvalid,
			errs.WithMessage("hooks.dir required when hooks are enabled"))
	}
	if c.Stream.Enabled {
		if strings.TrimSpace(c.Stream.Addr) == "" {
			return errs.New("config", errs.CodeInvalid,
				errs.WithMessage("stream.addr required when stream is enabled"))
		}
		if c.Stream.SendBuffer <= 0 || c.Stream.RatePerSecond <= 0 || c.Stream.RateBurst <= 0 {
			return errs.New("config", errs.CodeInvalid,
				errs.WithMessage("stream buffer and rate settings must be positive"))
		}
	}
	if c.Engine.Workers <= 0 || c.Engine.StageQueue < 0 {
		return errs.New("config", errs.CodeInvalid,
			errs.WithMessage("engine.workers must be positive and engine.stageQueue non-negative"))
	}
	return nil
}
