package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/config"
	"github.com/consultant-1379/sc-envoy-sub001/internal/core/db"
	"github.com/consultant-1379/sc-envoy-sub001/internal/core/logging"
)

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "sbiscreen",
	Short:         "SBI message screening and routing for Envoy",
	Long:          `sbiscreen screens and routes 5G service-based interface traffic as an Envoy external processor.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
}

func Execute() error {
	return rootCmd.Execute()
}

// flagKeys maps command line flags to configuration keys. Only flags set on
// the command line override the environment and the config file.
var flagKeys = map[string]string{
	"db-url":        config.KeyDBURL,
	"log-level":     config.KeyLogLevel,
	"log-format":    config.KeyLogFormat,
	"listen":        config.KeyListenAddr,
	"metrics-addr":  config.KeyMetricsAddr,
	"filter-config": config.KeyFilterPath,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}
	cfg, err := config.LoadConfig(configFile, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}

// openDB opens the configured database and loads the named queries.
func openDB(ctx context.Context, cfg *config.Config) (*sqlx.DB, *db.Queries, error) {
	if cfg.DB.URL == "" {
		return nil, nil, fmt.Errorf("--db-url required")
	}
	database, err := db.Open(ctx, cfg.DB.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	queries, err := db.LoadQueries()
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return database, queries, nil
}
