package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/logging"
)

// Configuration keys.
const (
	KeyListenAddr      = "server.listen_addr"
	KeyMetricsAddr     = "server.metrics_addr"
	KeyShutdownTimeout = "server.shutdown_timeout"
	KeyMaxBodySize     = "server.max_body_size"
	KeyFilterPath      = "filter.path"
	KeyDBURL           = "db.url"
	KeyNLFURL          = "lookup.nlf_url"
	KeySLFURL          = "lookup.slf_url"
	KeyLookupTimeout   = "lookup.timeout"
	KeyLogLevel        = "log.level"
	KeyLogFormat       = "log.format"
	KeyTracingEnabled  = "tracing.enabled"
	KeyTracingService  = "tracing.service_name"
	KeyAuthAPIKeys     = "auth.api_keys"
)

// EnvPrefix prefixes the environment variables read by LoadConfig.
const EnvPrefix = "SBI"

// LoadConfig loads configuration from file using viper.
// overrides (CLI flags) > environment > config file > defaults precedence.
func LoadConfig(configPath string, overrides map[string]any) (*Config, error) {
	v := viper.New()

	d := Default()
	v.SetDefault(KeyListenAddr, d.Server.ListenAddr)
	v.SetDefault(KeyMetricsAddr, d.Server.MetricsAddr)
	v.SetDefault(KeyShutdownTimeout, d.Server.ShutdownTimeout.String())
	v.SetDefault(KeyMaxBodySize, d.Server.MaxBodySize)
	v.SetDefault(KeyFilterPath, "")
	v.SetDefault(KeyDBURL, "")
	v.SetDefault(KeyNLFURL, "")
	v.SetDefault(KeySLFURL, "")
	v.SetDefault(KeyLookupTimeout, d.Lookup.Timeout.String())
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogFormat, d.Log.Format)
	v.SetDefault(KeyTracingEnabled, false)
	v.SetDefault(KeyTracingService, d.Tracing.ServiceName)
	v.SetDefault(KeyAuthAPIKeys, "")

	// SBI_SERVER_LISTEN_ADDR and friends
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	for key, val := range overrides {
		v.Set(key, val)
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      v.GetString(KeyListenAddr),
			MetricsAddr:     v.GetString(KeyMetricsAddr),
			ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
			MaxBodySize:     v.GetInt64(KeyMaxBodySize),
		},
		Filter: FilterConfig{Path: v.GetString(KeyFilterPath)},
		DB:     DBConfig{URL: v.GetString(KeyDBURL)},
		Lookup: LookupConfig{
			NLFURL:  v.GetString(KeyNLFURL),
			SLFURL:  v.GetString(KeySLFURL),
			Timeout: v.GetDuration(KeyLookupTimeout),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool(KeyTracingEnabled),
			ServiceName: v.GetString(KeyTracingService),
		},
		Auth: AuthConfig{APIKeys: splitList(v.GetString(KeyAuthAPIKeys))},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks listen address, timeouts and logging settings.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Server.ListenAddr) == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.MaxBodySize <= 0 {
		return fmt.Errorf("server.max_body_size must be positive, got %d", cfg.Server.MaxBodySize)
	}
	if cfg.Lookup.Timeout <= 0 {
		return fmt.Errorf("lookup.timeout must be positive, got %v", cfg.Lookup.Timeout)
	}
	if !logging.ValidFormat(cfg.Log.Format) {
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// validateNoSecretsInConfig keeps API keys and database credentials out of
// config files; they belong in SBI_AUTH_API_KEYS and SBI_DB_URL.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig(KeyAuthAPIKeys) {
		return fmt.Errorf("API keys not allowed in config files (use SBI_AUTH_API_KEYS environment variable)")
	}
	if !v.InConfig(KeyDBURL) {
		return nil
	}
	u, err := url.Parse(v.GetString(KeyDBURL))
	if err != nil {
		return fmt.Errorf("db.url: %w", err)
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return fmt.Errorf("database passwords not allowed in config files (use SBI_DB_URL environment variable)")
	}
	return nil
}

// splitList splits a comma separated value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
