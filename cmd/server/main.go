// Package main provides the entry point for the decision engine service.
// It replays market data through the decision cycle on a fixed interval
// and serves:
// - the HTTP status API and WebSocket event stream
// - Prometheus metrics
// - an optional Postgres journal and Redis notifications
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/api"
	"github.com/atlas-desktop/decision-engine/internal/engine"
	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/market"
	"github.com/atlas-desktop/decision-engine/internal/metrics"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/signals"
	"github.com/atlas-desktop/decision-engine/internal/sizing"
	"github.com/atlas-desktop/decision-engine/internal/stops"
	"github.com/atlas-desktop/decision-engine/internal/store/postgres"
	storeredis "github.com/atlas-desktop/decision-engine/internal/store/redis"
	"github.com/atlas-desktop/decision-engine/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to a YAML config file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	dataDir := flag.String("data", "", "Market data directory override")
	port := flag.Int("port", 0, "API port override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *dataDir != "" {
		cfg.Market.DataDir = *dataDir
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	// Setup logger
	logger := setupLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("Starting decision engine",
		zap.Strings("symbols", cfg.Engine.Symbols),
		zap.Duration("interval", cfg.Engine.Interval),
		zap.String("dataDir", cfg.Market.DataDir),
		zap.Bool("allowShort", cfg.Engine.AllowShort),
		zap.Float64("initialCapital", cfg.Ledger.InitialCapital),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus and subscribers
	bus := events.NewEventBus(logger, cfg.EventBus)

	breaker := risk.NewCircuitBreaker(logger, &cfg.Breaker)
	go bus.ForwardBreaker(ctx, breaker.Events())

	recorder := metrics.Default()
	recorder.Attach(bus)

	hub := api.NewHub(logger)
	hub.Attach(bus)
	go hub.Run(ctx)

	// Postgres journal outlives the bus so the final flush sees every event
	var journalWG sync.WaitGroup
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()

	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			logger.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		defer pg.Close()

		if err := pg.RunMigrations(ctx); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}

		journal := postgres.NewJournal(logger, pg.Pool(), cfg.Postgres)
		journal.Attach(bus)
		journalWG.Add(1)
		go func() {
			defer journalWG.Done()
			journal.Run(journalCtx)
		}()
		logger.Info("Postgres journal enabled")
	}

	// Redis notifications and model predictions
	var predictions engine.PredictionProvider
	if cfg.Redis.Enabled {
		rdb, err := storeredis.Connect(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()

		storeredis.NewPublisher(logger, rdb, cfg.Redis).Attach(bus)
		if cfg.Redis.Predictions {
			predictions = storeredis.NewPredictions(logger, rdb, cfg.Redis.ChannelPrefix, cfg.Redis.PredictionMaxAge)
		}
		logger.Info("Redis notifications enabled",
			zap.String("addr", cfg.Redis.Addr),
			zap.Bool("predictions", cfg.Redis.Predictions))
	}

	// Market data
	store, err := market.NewStore(logger, &cfg.Market, &cfg.Indicators)
	if err != nil {
		logger.Fatal("Failed to initialize market store", zap.Error(err))
	}

	// Decision engine
	book := ledger.New(logger, &cfg.Ledger, decimal.NewFromFloat(cfg.Ledger.InitialCapital), time.Now())
	eng, err := engine.New(logger, &cfg.Engine, engine.Components{
		Classifier: regime.NewClassifier(logger, &cfg.Regime),
		Adapter:    signals.NewWeightAdapter(logger, &cfg.Weights),
		Ensembler:  signals.NewEnsembler(logger, &cfg.Signals),
		Sizer:      sizing.NewPositionSizer(logger, &cfg.Sizing),
		Planner:    stops.NewPlanner(logger, &cfg.Stops.Planner),
		Tracker:    stops.NewTrailingTracker(&cfg.Stops.Trailing),
		Breaker:    breaker,
		Ledger:     book,
		Publisher:  bus,
	})
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	runner := engine.NewRunner(logger, eng, store, predictions, recorder)
	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Decision loop error", zap.Error(err))
		}
	}()

	// Create API server
	server := api.NewServer(logger, &cfg.Server, eng,
		api.WithHub(hub),
		api.WithMetrics(recorder, prometheus.DefaultGatherer),
	)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
	)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutdown signal received")

	// Stop the decision loop and hub
	cancel()

	// Graceful server shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	bus.Stop()
	stopJournal()
	journalWG.Wait()

	status := eng.Status()
	logger.Info("Server stopped",
		zap.Int64("cycles", status.Cycles),
		zap.Int("openPositions", len(status.OpenPositions)),
		zap.String("capital", status.Capital.Capital.Current.String()),
	)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
