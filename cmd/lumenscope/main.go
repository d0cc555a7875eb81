package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/lumen_scope/internal/acq"
	"github.com/friendsincode/lumen_scope/internal/config"
	"github.com/friendsincode/lumen_scope/internal/db"
	"github.com/friendsincode/lumen_scope/internal/eventbus"
	"github.com/friendsincode/lumen_scope/internal/events"
	"github.com/friendsincode/lumen_scope/internal/group"
	"github.com/friendsincode/lumen_scope/internal/hardware"
	"github.com/friendsincode/lumen_scope/internal/logbuffer"
	"github.com/friendsincode/lumen_scope/internal/logging"
	"github.com/friendsincode/lumen_scope/internal/server"
	"github.com/friendsincode/lumen_scope/internal/sink"
	"github.com/friendsincode/lumen_scope/internal/telemetry"
	"github.com/friendsincode/lumen_scope/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
	logBuf *logbuffer.Buffer
)

var rootCmd = &cobra.Command{
	Use:   "lumenscope",
	Short: "Lumen Scope - Microscope acquisition orchestration service",
	Long:  "Lumen Scope generates and times multi-dimensional microscope acquisition events: time series, tiled stage positions and focal stacks, feeding a write sink through a bounded instruction queue.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Lumen Scope server",
	Long:  "Start the HTTP API, the acquisition coordinator and the write sink",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf = logbuffer.New(10000)
	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf, nil))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Msg("Lumen Scope starting")

	// Initialize OpenTelemetry tracing
	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "lumen-scope",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.RegisterCallbacks(database); err != nil {
		return fmt.Errorf("register database callbacks: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	bus := events.NewBus()
	if cfg.RedisEventsEnabled {
		nodeID := cfg.InstanceID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = cfg.RedisAddr
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB

		redisBus, err := eventbus.NewRedisBus(redisCfg, nodeID, logger)
		if err != nil {
			return fmt.Errorf("initialize redis event bus: %w", err)
		}
		defer func() {
			if err := redisBus.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close redis event bus")
			}
		}()
		forwardToRedis(runCtx, bus, redisBus)
	}

	queue := acq.NewQueue(cfg.QueueCapacity)
	stage := hardware.NewSim(cfg.SimFrameWidth, cfg.SimFrameHeight, cfg.SimPixelSize)
	coord := group.NewCoordinator(queue, stage, nil, logger)
	writer := sink.NewWriter(queue, coord, database, bus, logger)

	go func() {
		if err := coord.Run(runCtx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("coordinator loop exited")
		}
	}()
	go func() {
		if err := writer.Run(runCtx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("write sink exited")
		}
	}()

	// Database connection pool metrics updater
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(database)
			}
		}
	}()

	updateChecker := version.NewChecker(logger)
	updateChecker.Start(runCtx)
	defer updateChecker.Stop()

	srv, err := server.New(cfg, coord, database, bus, logBuf, updateChecker, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	srv.DeferClose(func() error { return db.Close(database) })

	httpServer := srv.HTTPServer()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Metrics are served on a separate, internal-only listener.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsBind).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := metricsServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}

	// Abort anything still generating while the sink is alive to drain the
	// sentinels; only then stop the coordinator and sink. The deferred
	// cancelRun handles the latter.
	for _, exp := range coord.Experiments() {
		if !exp.IsFinished() {
			exp.Abort()
		}
	}

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("Lumen Scope stopped")
	return nil
}

// forwardToRedis republishes locally published lifecycle and stream events
// onto the Redis bus so peer instances observe them.
func forwardToRedis(ctx context.Context, local *events.Bus, remote *eventbus.RedisBus) {
	types := []events.EventType{
		events.EventExperimentStarted,
		events.EventExperimentFinished,
		events.EventExperimentAborted,
		events.EventExperimentPaused,
		events.EventExperimentResumed,
		events.EventFrameWritten,
		events.EventTimepointWritten,
		events.EventAutofocusAdjusted,
	}
	for _, eventType := range types {
		sub := local.Subscribe(eventType)
		go func(eventType events.EventType, sub events.Subscriber) {
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					remote.Publish(eventType, payload)
				}
			}
		}(eventType, sub)
	}
}
