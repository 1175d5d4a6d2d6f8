// Command memtier runs the tiered memory maintenance daemon: it wires the
// storage tiers to the coordinator, exposes Prometheus metrics, and drives
// the retention janitor and consistency auditor on a daily cadence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/memtier/audit"
	"github.com/BaSui01/memtier/config"
	"github.com/BaSui01/memtier/internal/metrics"
	"github.com/BaSui01/memtier/janitor"
	"github.com/BaSui01/memtier/memory"
	"github.com/BaSui01/memtier/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9464", "Prometheus metrics listen address")
	auditInterval := flag.Duration("audit-interval", 24*time.Hour, "reconciliation cadence")
	performCleanup := flag.Bool("cleanup", true, "let audit runs clean up orphans and expired sessions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger, *metricsAddr, *auditInterval, *performCleanup); err != nil {
		logger.Fatal("memtier exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger, metricsAddr string, auditInterval time.Duration, performCleanup bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector("memtier", logger)

	cacheCfg := store.DefaultRedisCacheConfig()
	cacheCfg.Addr = cfg.Redis.Addr
	cacheCfg.Password = cfg.Redis.Password
	cacheCfg.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		cacheCfg.PoolSize = cfg.Redis.PoolSize
	}
	cache, err := store.NewRedisCache(cacheCfg, logger)
	if err != nil {
		return fmt.Errorf("cache tier: %w", err)
	}
	defer cache.Close()

	records, err := store.NewMongoRecord(store.MongoRecordConfig{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("record tier: %w", err)
	}
	defer records.Close(context.Background())

	vectors := store.NewInMemoryVector(store.NewHashEmbedder(0), store.InMemoryVectorConfig{}, logger)

	coordinator := memory.NewCoordinator(cache, records, vectors, memory.Config{
		AllowedClients:     cfg.Memory.AllowedClients,
		CacheTTL:           cfg.Memory.CacheTTL,
		PruneDays:          cfg.Memory.PruneDays,
		MinImportance:      cfg.Memory.MinImportance,
		SummarizeThreshold: cfg.Memory.SummarizeThreshold,
		MaxChunkSize:       cfg.Memory.MaxChunkSize,
		TierTimeout:        cfg.Memory.TierTimeout,
	}, logger, memory.WithMetrics(collector))

	retention := janitor.NewJanitor(vectors, records, janitor.Config{
		SimilarityThreshold:   cfg.Janitor.SimilarityThreshold,
		MaxDeletionPercentage: cfg.Janitor.MaxDeletionPercentage,
		DryRun:                cfg.Janitor.DryRun,
		BatchSize:             cfg.Janitor.BatchSize,
	}, logger, janitor.WithMetrics(collector))

	auditor := audit.NewAuditor(cache, records, vectors, audit.Config{
		ExpiryDays: cfg.Audit.ExpiryDays,
		SampleSize: cfg.Audit.SampleSize,
	}, logger, audit.WithMetrics(collector))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", metricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	logger.Info("memtier started",
		zap.Duration("audit_interval", auditInterval),
		zap.Bool("cleanup", performCleanup),
	)

	ticker := time.NewTicker(auditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case <-ticker.C:
			runMaintenance(ctx, logger, coordinator, retention, auditor, cfg, performCleanup)
		}
	}
}

// runMaintenance executes one maintenance cycle: prune, janitor cleanup,
// then the reconciliation audit. Each phase degrades independently.
func runMaintenance(ctx context.Context, logger *zap.Logger, coordinator *memory.Coordinator, retention *janitor.Janitor, auditor *audit.Auditor, cfg config.Config, performCleanup bool) {
	pruned, err := coordinator.PruneOld(ctx, cfg.Memory.PruneDays, cfg.Memory.MinImportance)
	if err != nil {
		logger.Error("prune failed", zap.Error(err))
	} else {
		logger.Info("prune cycle done", zap.Int("pruned", pruned))
	}

	result, err := retention.Cleanup(ctx, nil)
	if err != nil {
		logger.Error("janitor cleanup failed", zap.Error(err))
	} else {
		report := retention.Report(result)
		logger.Info("janitor cycle done",
			zap.String("status", result.Status),
			zap.String("summary", report.Summary),
			zap.Int("duplicates_removed", result.DuplicatesRemoved),
			zap.Int("orphans_removed", result.OrphansRemoved),
		)
	}

	report, err := auditor.Run(ctx, performCleanup)
	if err != nil {
		logger.Error("reconciliation failed", zap.Error(err))
	} else {
		logger.Info("reconciliation done",
			zap.String("report_id", report.ReportID),
			zap.String("health_status", string(report.HealthStatus)),
		)
	}
}

// buildLogger constructs the process logger from config.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
