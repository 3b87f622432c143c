package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgp-sentry/internal/aggregator"
	"github.com/route-beacon/bgp-sentry/internal/collector"
	"github.com/route-beacon/bgp-sentry/internal/config"
	"github.com/route-beacon/bgp-sentry/internal/correlator"
	"github.com/route-beacon/bgp-sentry/internal/db"
	"github.com/route-beacon/bgp-sentry/internal/detection"
	"github.com/route-beacon/bgp-sentry/internal/heuristic"
	sentryhttp "github.com/route-beacon/bgp-sentry/internal/http"
	"github.com/route-beacon/bgp-sentry/internal/metrics"
	"github.com/route-beacon/bgp-sentry/internal/ml"
	"github.com/route-beacon/bgp-sentry/internal/ris"
	"github.com/route-beacon/bgp-sentry/internal/rpki"
)

// rpkiPollInterval is fixed: the validator's VRP set changes slowly and
// polling it at the detector cadence would be wasted load.
const rpkiPollInterval = 30 * time.Second

// worker is one long-running pipeline stage. Run blocks until the context
// is cancelled; IsReady feeds the /readyz upstream check.
type worker interface {
	Run(ctx context.Context) error
	IsReady() bool
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "collector", "aggregator", "heuristic", "ml", "rpki", "correlator":
		runWorker(os.Args[1])
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-sentry <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  collector     Stream RIS Live updates into Postgres")
	fmt.Println("  aggregator    Roll raw updates into per-minute feature windows")
	fmt.Println("  heuristic     Run the threshold rule detector")
	fmt.Println("  ml            Run the isolation-forest/LSTM ensemble detector")
	fmt.Println("  rpki          Validate announcements against a Routinator instance")
	fmt.Println("  correlator    Correlate detections and publish incidents")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println()
	fmt.Println("Configuration is environment-only; BGP_SENTRY_CONFIG may name an")
	fmt.Println("optional YAML file loaded before the environment overlay.")
}

func loadConfig() (*config.Config, *zap.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runWorker(name string) {
	cfg, logger := loadConfig()
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgp-sentry",
		zap.String("worker", name),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DB.DSN(), cfg.DB.MaxConns, cfg.DB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	w, cleanup, err := buildWorker(ctx, name, cfg, pool, logger)
	if err != nil {
		logger.Fatal("failed to build worker", zap.String("worker", name), zap.Error(err))
	}
	if cleanup != nil {
		defer cleanup()
	}

	var httpServer *sentryhttp.Server
	if cfg.Service.HTTPListen != "" {
		httpServer = sentryhttp.NewServer(cfg.Service.HTTPListen, pool, w, logger.Named("http"))
		if err := httpServer.Start(); err != nil {
			logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	logger.Info("worker started", zap.String("worker", name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	workerDone := false
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		workerDone = true
		if err != nil && ctx.Err() == nil {
			logger.Error("worker exited", zap.Error(err))
		}
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	cancel()

	if !workerDone {
		select {
		case <-errCh:
			logger.Info("worker stopped gracefully")
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout reached, worker may not have finished")
		}
	}

	logger.Info("bgp-sentry stopped", zap.String("worker", name))
}

// buildWorker wires one pipeline stage. The returned cleanup (possibly nil)
// releases resources the worker holds beyond the pool.
func buildWorker(ctx context.Context, name string, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (worker, func(), error) {
	pollInterval := time.Duration(cfg.Detector.PollIntervalSeconds) * time.Second
	store := detection.NewStore(pool)

	switch name {
	case "collector":
		client := ris.NewClient(cfg.Collector.RISURL, logger.Named("ris"))
		writer, err := collector.NewWriter(pool, cfg.Collector.StoreRawFrames, logger.Named("collector.writer"))
		if err != nil {
			return nil, nil, err
		}
		reconnectDelay := time.Duration(cfg.Collector.ReconnectDelaySeconds) * time.Second
		return collector.New(client, writer, reconnectDelay, logger.Named("collector")), nil, nil

	case "aggregator":
		return aggregator.New(pool, pollInterval, logger.Named("aggregator")), nil, nil

	case "heuristic":
		return heuristic.NewDetector(pool, store, pollInterval, logger.Named("heuristic")), nil, nil

	case "ml":
		artifacts, err := ml.LoadArtifacts(cfg.ML.ModelDir)
		if err != nil {
			return nil, nil, fmt.Errorf("loading model artifacts: %w", err)
		}
		scorer := ml.NewScorer(artifacts, cfg.ML.SequenceLength, cfg.ML.EnsembleMethod, cfg.ML.AnomalyThreshold)
		return ml.NewDetector(pool, store, scorer, pollInterval,
			cfg.ML.EnsembleMethod, cfg.ML.AnomalyThreshold, logger.Named("ml")), nil, nil

	case "rpki":
		client := rpki.NewClient(cfg.RPKI.ValidatorURL, logger.Named("rpki.client"))
		if err := client.WaitReady(ctx, time.Minute); err != nil {
			return nil, nil, fmt.Errorf("waiting for validator: %w", err)
		}
		return rpki.NewDetector(pool, store, client, rpkiPollInterval, logger.Named("rpki")), nil, nil

	case "correlator":
		var publisher *correlator.Publisher
		var cleanup func()
		if len(cfg.Kafka.Brokers) > 0 {
			p, err := correlator.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.IncidentTopic, logger.Named("kafka"))
			if err != nil {
				return nil, nil, fmt.Errorf("creating incident publisher: %w", err)
			}
			publisher = p
			cleanup = p.Close
		}
		return correlator.NewEngine(pool, publisher, pollInterval, logger.Named("correlator")), cleanup, nil
	}

	return nil, nil, fmt.Errorf("unknown worker %q", name)
}

func runMigrate() {
	cfg, logger := loadConfig()
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("host", cfg.DB.Host),
		zap.String("database", cfg.DB.Name),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DB.DSN(), cfg.DB.MaxConns, cfg.DB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}
