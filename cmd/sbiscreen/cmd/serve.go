package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/auth"
	"github.com/consultant-1379/sc-envoy-sub001/internal/core/config"
	"github.com/consultant-1379/sc-envoy-sub001/internal/core/db"
	"github.com/consultant-1379/sc-envoy-sub001/internal/core/metrics"
	"github.com/consultant-1379/sc-envoy-sub001/internal/core/server"
	"github.com/consultant-1379/sc-envoy-sub001/internal/core/telemetry"
	"github.com/consultant-1379/sc-envoy-sub001/internal/engine"
	"github.com/consultant-1379/sc-envoy-sub001/internal/lookup"
)

const Version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ext_proc screening service",
	Long: `Start the Envoy external processor. SIGHUP reloads the filter
configuration and the key-value tables without dropping open streams.`,
	RunE: runServe,
}

var (
	defaultNetwork string
	eventRetention time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "ext_proc gRPC listen address (host:port)")
	serveCmd.Flags().String("metrics-addr", "", "metrics HTTP listen address, empty disables")
	serveCmd.Flags().String("filter-config", "", "filter configuration file")
	serveCmd.Flags().StringVar(&defaultNetwork, "network", "", "ingress network when Envoy sends none")
	serveCmd.Flags().DurationVar(&eventRetention, "event-retention", 0, "prune stored screening events older than this, 0 keeps all")
}

// engineLoader builds engines from the current filter file and kvt rows.
type engineLoader struct {
	cfg     *config.Config
	store   *db.Store
	lookups lookup.Client
	metrics *metrics.Metrics
	log     *zap.Logger
}

func (l *engineLoader) load(ctx context.Context) (*engine.Engine, error) {
	filter, err := config.LoadFilter(l.cfg.Filter.Path)
	if err != nil {
		return nil, err
	}

	var events engine.EventSink
	if l.store != nil {
		tables, err := l.store.LoadTables(ctx)
		if err != nil {
			return nil, err
		}
		filter = filter.WithTables(tables)
		events = l.store
	}
	l.metrics.FilterConfigLoaded(time.Now(), filter.TableEntries())

	return engine.New(filter, engine.Options{
		Lookups:       l.lookups,
		LookupTimeout: l.cfg.Lookup.Timeout,
		Logger:        l.log.Named("engine"),
		Recorder:      l.metrics,
		Events:        events,
	}), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	shutdownTracer, err := telemetry.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, log)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	m := metrics.New()
	loader := &engineLoader{cfg: cfg, metrics: m, log: log}

	if cfg.Lookup.NLFURL != "" || cfg.Lookup.SLFURL != "" {
		loader.lookups = lookup.NewHTTPClient(lookup.Config{
			NLFURL:      cfg.Lookup.NLFURL,
			SLFURL:      cfg.Lookup.SLFURL,
			Timeout:     cfg.Lookup.Timeout,
			MaxBodySize: cfg.Server.MaxBodySize,
		}, log.Named("lookup"))
	}

	if cfg.DB.URL != "" {
		database, queries, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		statuses, err := db.MigrateStatus(ctx, database, queries)
		if err != nil {
			return fmt.Errorf("failed to check migrations: %w", err)
		}
		for _, s := range statuses {
			if !s.Applied {
				return fmt.Errorf("migration %s not applied - run 'sbiscreen migrate up' first", s.ID)
			}
		}
		loader.store = db.NewStore(database, queries)
	}

	eng, err := loader.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load filter configuration: %w", err)
	}

	extproc := server.NewExtProcServer(eng, server.ExtProcOptions{
		DefaultNetwork: defaultNetwork,
		MaxBodySize:    cfg.Server.MaxBodySize,
		Observer:       m,
		Logger:         log.Named("extproc"),
	})
	var authenticator *auth.Authenticator
	if len(cfg.Auth.APIKeys) > 0 {
		if authenticator, err = auth.NewAuthenticator(cfg.Auth.APIKeys); err != nil {
			return fmt.Errorf("failed to load API keys: %w", err)
		}
	} else {
		log.Warn("no API keys configured (set SBI_AUTH_API_KEYS), ext_proc callers are not authenticated")
	}

	grpcServer, err := server.NewGRPCServer(cfg.Server, extproc, authenticator, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.Server.MetricsAddr != "" {
		ms := metrics.NewServer(cfg.Server.MetricsAddr, m, log)
		if err := ms.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := ms.Stop(stopCtx); err != nil {
				log.Warn("metrics server stop failed", zap.Error(err))
			}
		}()
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	if loader.store != nil && eventRetention > 0 {
		go pruneEvents(pruneCtx, loader.store, eventRetention, log)
	}

	log.Info("Starting sbiscreen",
		zap.String("version", Version),
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("filter", cfg.Filter.Path),
		zap.Strings("networks", eng.Config().NetworkNames()),
	)
	errChan := make(chan error, 1)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-errChan:
			return err
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				reloaded, err := loader.load(ctx)
				if err != nil {
					log.Error("reload failed, keeping current configuration", zap.Error(err))
					continue
				}
				extproc.SetEngine(reloaded)
				log.Info("filter configuration reloaded")
				continue
			}
			log.Info("Shutting down gracefully...")
			return grpcServer.Shutdown(ctx)
		}
	}
}

// pruneEvents deletes expired screening events once an hour.
func pruneEvents(ctx context.Context, store *db.Store, retention time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := store.PruneEvents(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn("event pruning failed", zap.Error(err))
		} else if n > 0 {
			log.Info("pruned screening events", zap.Int64("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
