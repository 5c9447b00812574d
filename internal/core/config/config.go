// Package config provides the service configuration of sbiscreen.
package config

import (
	"time"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// Config is the service configuration. The filter configuration itself is
// a separate YAML document named by Filter.Path.
type Config struct {
	Server  ServerConfig
	Filter  FilterConfig
	DB      DBConfig
	Lookup  LookupConfig
	Log     LogConfig
	Tracing TracingConfig
	Auth    AuthConfig
}

// ServerConfig holds the gRPC ext_proc listener and the metrics listener.
// An empty MetricsAddr disables the metrics server. MaxBodySize bounds a
// buffered request or response body.
type ServerConfig struct {
	ListenAddr      string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	MaxBodySize     int64
}

// FilterConfig locates the filter configuration document.
type FilterConfig struct {
	Path string
}

// DBConfig locates the key-value table store. An empty URL disables it.
type DBConfig struct {
	URL string
}

// LookupConfig addresses the NLF and SLF services.
type LookupConfig struct {
	NLFURL  string
	SLFURL  string
	Timeout time.Duration
}

// LogConfig selects level and encoder of the service logger.
type LogConfig struct {
	Level  string
	Format string
}

// TracingConfig enables the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// AuthConfig lists the API keys accepted from ext_proc callers. No keys
// disables authentication. Keys are read from SBI_AUTH_API_KEYS only.
type AuthConfig struct {
	APIKeys []string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "0.0.0.0:9001",
			MetricsAddr:     "0.0.0.0:9090",
			ShutdownTimeout: 30 * time.Second,
			MaxBodySize:     types.MaxBodySize,
		},
		Lookup: LookupConfig{
			Timeout: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "sbiscreen",
		},
	}
}
