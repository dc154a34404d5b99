package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr     = "0.0.0.0:8080"
	DefaultLogFormat      = "text"
	DefaultLogLevel       = "info"
	DefaultMaxHeader      = 1 << 20 // 1 MiB
	DefaultRequestTimeout = 60
	DefaultMaxShareAge    = 3600
	DefaultHealthLive     = "/healthz"
	DefaultHealthReady    = "/readyz"
	DefaultMetricsPath    = "/metrics"
	DefaultTraceEndpoint  = "localhost:4317"
)

var allowedTraceProtocols = map[string]struct{}{
	"grpc": {},
	"http": {},
}

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Health      HealthConfig      `yaml:"health"`
}

type ServerConfig struct {
	ListenAddress  string `yaml:"listen_address"`
	LogFormat      string `yaml:"log_format"`
	LogLevel       string `yaml:"log_level"`
	MaxHeaderBytes int    `yaml:"max_header_bytes"`
}

type StorageConfig struct {
	// Endpoint overrides the account-derived provider URL; used for local
	// development against a fake backend. Empty in production.
	Endpoint              string `yaml:"endpoint"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	MaxShareAgeSeconds    int    `yaml:"max_share_age_seconds"`
}

type CredentialsConfig struct {
	File string `yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

type HealthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	PathLive  string `yaml:"path_live"`
	PathReady string `yaml:"path_ready"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddress:  DefaultListenAddr,
			LogFormat:      DefaultLogFormat,
			LogLevel:       DefaultLogLevel,
			MaxHeaderBytes: DefaultMaxHeader,
		},
		Storage: StorageConfig{
			RequestTimeoutSeconds: DefaultRequestTimeout,
			MaxShareAgeSeconds:    DefaultMaxShareAge,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    DefaultTraceEndpoint,
			Protocol:    "grpc",
			SampleRatio: 1.0,
			Insecure:    true,
		},
		Health: HealthConfig{
			Enabled:   true,
			PathLive:  DefaultHealthLive,
			PathReady: DefaultHealthReady,
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("config validation: server.listen_address is required"))
	}
	if c.Server.LogFormat != "text" && c.Server.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("config validation: server.log_format must be one of [text json], got %q", c.Server.LogFormat))
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config validation: server.log_level must be one of [debug info warn error], got %q", c.Server.LogLevel))
	}
	if c.Server.MaxHeaderBytes <= 0 {
		errs = append(errs, errors.New("config validation: server.max_header_bytes must be > 0"))
	}
	if c.Storage.Endpoint != "" {
		parsed, err := url.Parse(c.Storage.Endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("config validation: storage.endpoint %q must be an absolute URL", c.Storage.Endpoint))
		}
	}
	if c.Storage.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("config validation: storage.request_timeout_seconds must be > 0"))
	}
	if c.Storage.MaxShareAgeSeconds <= 0 {
		errs = append(errs, errors.New("config validation: storage.max_share_age_seconds must be > 0"))
	}
	if c.Storage.MaxShareAgeSeconds > 604800 {
		errs = append(errs, errors.New("config validation: storage.max_share_age_seconds must be <= 604800 (7 days)"))
	}
	if c.Credentials.File == "" {
		errs = append(errs, errors.New("config validation: credentials.file is required"))
	}

	errs = append(errs, c.validateMetrics()...)
	errs = append(errs, c.validateTracing()...)
	errs = append(errs, c.validateHealth()...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c Config) validateMetrics() []error {
	if !c.Metrics.Enabled {
		return nil
	}
	var errs []error
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, errors.New("config validation: metrics.path must start with '/'"))
	}
	return errs
}

func (c Config) validateTracing() []error {
	if !c.Tracing.Enabled {
		return nil
	}
	var errs []error
	if c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("config validation: tracing.endpoint is required when tracing.enabled=true"))
	}
	if _, ok := allowedTraceProtocols[c.Tracing.Protocol]; !ok {
		errs = append(errs, fmt.Errorf("config validation: tracing.protocol must be one of [grpc http], got %q", c.Tracing.Protocol))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("config validation: tracing.sample_ratio must be within [0, 1], got %g", c.Tracing.SampleRatio))
	}
	return errs
}

func (c Config) validateHealth() []error {
	if !c.Health.Enabled {
		return nil
	}
	var errs []error
	if !strings.HasPrefix(c.Health.PathLive, "/") {
		errs = append(errs, errors.New("config validation: health.path_live must start with '/'"))
	}
	if !strings.HasPrefix(c.Health.PathReady, "/") {
		errs = append(errs, errors.New("config validation: health.path_ready must start with '/'"))
	}
	if c.Health.PathLive == c.Health.PathReady {
		errs = append(errs, errors.New("config validation: health.path_live and health.path_ready must be different"))
	}
	return errs
}
