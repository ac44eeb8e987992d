// Package main is the entry point of the order audit ingester.
//
// The ingester consumes domain events from Kafka, validates them against
// the topic schema registry and appends them exactly once to the Postgres
// audit store. Messages it refuses go to the durable dead-letter table,
// from which the replay flags re-dispatch them on operator demand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowmart/order-audit-trail/internal/config"
	"github.com/flowmart/order-audit-trail/internal/consumer"
	"github.com/flowmart/order-audit-trail/internal/ingest"
	"github.com/flowmart/order-audit-trail/internal/pipeline"
	"github.com/flowmart/order-audit-trail/internal/replay"
	"github.com/flowmart/order-audit-trail/internal/schema"
	"github.com/flowmart/order-audit-trail/internal/store"
	"github.com/flowmart/order-audit-trail/pkg/database"
)

// Exit codes.
const (
	exitOK     = 0
	exitConfig = 1
	exitStore  = 2
	exitBus    = 3
)

var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration file")
		metricsAddr = flag.String("metrics-addr", ":9090", "listen address for /metrics and /healthz, empty to disable")
		migrateOnly = flag.Bool("migrate-only", false, "apply migrations and exit")
		replayID    = flag.Int64("replay-id", 0, "replay one DLQ entry by id and exit")
		replayTopic = flag.String("replay-topic", "", "replay DLQ entries for a topic and exit")
		replayLimit = flag.Int("replay-limit", 100, "maximum DLQ entries to replay with -replay-topic")
		force       = flag.Bool("force-reprocess", false, "report already persisted events during replay instead of silently succeeding")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	logger.Info("order audit ingester starting",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("build_time", BuildTime),
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		return exitConfig
	}

	db, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("audit store unavailable", zap.Error(err))
		return exitStore
	}
	defer database.Close(db, logger)

	if err := migrateStore(db, cfg.Store.MigrationsPath, logger); err != nil {
		logger.Error("migrations failed", zap.Error(err))
		return exitStore
	}
	if *migrateOnly {
		logger.Info("migrations applied")
		return exitOK
	}

	registry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics("audit")
	metrics.MustRegister(registry)

	poolMetrics := database.NewPoolMetrics(db, "audit", 15*time.Second)
	poolMetrics.MustRegister(registry)
	poolMetrics.Start()
	defer poolMetrics.Stop()

	dispatcher, recorder := buildPipeline(cfg, db, metrics, logger)
	defer recorder.Close()

	if *replayID != 0 || *replayTopic != "" {
		return runReplay(cfg, db, dispatcher, logger, *replayID, *replayTopic, *replayLimit, *force)
	}

	if *metricsAddr != "" {
		startMetricsServer(*metricsAddr, registry, db, logger)
	}

	topics := schema.Default().Topics()
	audit := store.NewAuditLogRepository(db, logger)
	cons, err := consumer.New(consumer.FromBusConfig(cfg.Bus, cfg.Pipeline, topics), dispatcher, audit, logger)
	if err != nil {
		logger.Error("consumer setup failed", zap.Error(err))
		return exitBus
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cons.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer failed", zap.Error(err))
		return exitBus
	}

	logger.Info("order audit ingester stopped")
	return exitOK
}

func openStore(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	return database.NewPostgres(&database.Config{
		Host:            cfg.Store.Host,
		Port:            cfg.Store.Port,
		Database:        cfg.Store.Database,
		Username:        cfg.Store.Username,
		Password:        cfg.Store.Password,
		SSLMode:         cfg.Store.SSLMode,
		MaxOpenConns:    cfg.Store.MaxPoolSize,
		MaxIdleConns:    cfg.Store.MinPoolSize,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  time.Duration(cfg.Store.ConnectionTimeoutSeconds) * time.Second,
	}, logger)
}

func migrateStore(db *gorm.DB, path string, logger *zap.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get underlying sql.DB: %w", err)
	}
	return database.NewMigrator(sqlDB, path, logger).Up()
}

// buildPipeline wires the repositories, the metrics recorder and the
// dispatcher from configuration.
func buildPipeline(cfg *config.Config, db *gorm.DB, metrics *pipeline.Metrics, logger *zap.Logger) (*pipeline.Dispatcher, *pipeline.Recorder) {
	cursors := store.NewCursorRepository(db, logger)
	events := store.NewEventRepository(db, cursors, logger)
	deadLetters := store.NewDeadLetterRepository(db, cursors, logger)
	metricsRepo := store.NewMetricsRepository(db, logger)

	recorder := pipeline.NewRecorder(metricsRepo, pipeline.RecorderConfig{
		QueueCapacity: cfg.Pipeline.MetricsQueueCapacity,
		FlushInterval: cfg.Pipeline.MetricsFlushInterval(),
	}, metrics, logger)
	recorder.Start()

	validator := ingest.NewValidator(cfg.Pipeline.SkewPast(), cfg.Pipeline.SkewFuture())

	dispatcher := pipeline.NewDispatcher(
		schema.Default(),
		validator,
		events,
		deadLetters,
		recorder,
		metrics,
		pipeline.DispatcherConfig{
			ConsumerGroup:  cfg.Bus.ConsumerGroupID,
			AdvanceCursor:  cfg.Pipeline.CursorMode == config.CursorModeStore,
			MaxRetries:     cfg.Pipeline.MaxRetries,
			BackoffInitial: cfg.Pipeline.BackoffInitial(),
			BackoffMax:     cfg.Pipeline.BackoffMax(),
		},
		logger,
	)
	return dispatcher, recorder
}

// runReplay executes the one-shot replay mode.
func runReplay(cfg *config.Config, db *gorm.DB, dispatcher *pipeline.Dispatcher, logger *zap.Logger, id int64, topic string, limit int, force bool) int {
	cursors := store.NewCursorRepository(db, logger)
	deadLetters := store.NewDeadLetterRepository(db, cursors, logger)
	svc := replay.NewService(deadLetters, dispatcher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if id != 0 {
		res, err := svc.Replay(ctx, id, force)
		if err != nil {
			logger.Error("replay failed", zap.Int64("dlq_id", id), zap.Error(err))
			return exitStore
		}
		fmt.Printf("dlq %d: %s\n", res.ID, res.Outcome)
		return exitOK
	}

	results, err := svc.ReplayTopic(ctx, topic, limit, force)
	if err != nil {
		logger.Error("replay failed", zap.String("topic", topic), zap.Error(err))
		return exitStore
	}
	for _, res := range results {
		fmt.Printf("dlq %d: %s\n", res.ID, res.Outcome)
	}
	return exitOK
}

// startMetricsServer exposes /metrics and /healthz. Failures here are
// logged, never fatal; the ingester can run blind.
func startMetricsServer(addr string, registry *prometheus.Registry, db *gorm.DB, logger *zap.Logger) {
	health := database.NewHealthChecker(db)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := health.Check(ctx); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}

		stats, err := health.Stats()
		if err != nil {
			http.Error(w, "pool stats unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"pool":   stats,
		})
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics server listening", zap.String("addr", addr))
}
