package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"goa.design/clue/log"

	"github.com/Carrerajorge/Hola-sub007/internal/config"
	"github.com/Carrerajorge/Hola-sub007/internal/eventstore"
	"github.com/Carrerajorge/Hola-sub007/internal/gateway"
	"github.com/Carrerajorge/Hola-sub007/internal/pipeline"
	"github.com/Carrerajorge/Hola-sub007/internal/repository"
	"github.com/Carrerajorge/Hola-sub007/internal/service"
	"github.com/Carrerajorge/Hola-sub007/internal/tracebus"
	server "github.com/Carrerajorge/Hola-sub007/internal/transport/http"
	"github.com/Carrerajorge/Hola-sub007/policy"
)

func main() {
	// Load configuration
	cfg := config.Load()

	format := log.FormatJSON
	if cfg.LogFormat == "terminal" && log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.LogLevel == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, cfg); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "run service stopped"})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info(ctx,
		log.KV{K: "msg", V: "starting run service"},
		log.KV{K: "http-port", V: cfg.HTTPPort},
		log.KV{K: "database", V: cfg.DatabaseURL},
		log.KV{K: "pipeline", V: cfg.PipelineURL},
	)

	defaults, err := config.LoadRunDefaults(cfg.RunDefaultsFile)
	if err != nil {
		return err
	}

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// logCtx outlives the signal context.
	logCtx := ctx
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := eventstore.NewRegistry(logCtx, db, eventstore.Config{
		BatchSize:     cfg.StoreBatchSize,
		FlushInterval: cfg.StoreFlushInterval,
		MaxBuffer:     cfg.StoreMaxBuffer,
		MaxRetries:    cfg.StoreMaxRetries,
		IdleTimeout:   cfg.StoreIdleTimeout,
	})
	go events.Run(ctx, cfg.StoreSweepInterval)

	gw := gateway.New(logCtx, events, gateway.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClientTimeout:     cfg.ClientTimeout,
		ReplayPageSize:    cfg.ReplayPageSize,
		SendBuffer:        cfg.SendBuffer,
	})

	// Initialize policy engine
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	var job pipeline.Job = pipeline.NewSimulatedJob(cfg.SimulatedDelay)
	if cfg.PipelineURL != "" {
		job = pipeline.NewRemoteJob(cfg.PipelineURL, cfg.PipelineTimeout)
	}

	bus := tracebus.DefaultConfig()
	bus.FlushInterval = cfg.BusFlushInterval
	bus.FlushSize = cfg.BusFlushSize

	svc := service.New(logCtx, service.Config{
		MaxConcurrent:      cfg.MaxConcurrentRuns,
		RetryAfter:         cfg.RetryAfter,
		DefaultTargetCount: defaults.TargetCount,
		JobTimeout:         cfg.JobTimeout,
		CleanupDelay:       cfg.CleanupDelay,
		Retention:          cfg.Retention,
		InactivityTimeout:  cfg.InactivityTimeout,
		GCInterval:         cfg.GCInterval,
		Bus:                bus,
		Contract:           defaults.Contract,
		Weights:            defaults.Weights,
		ProgressDelta:      defaults.ProgressDelta,
	}, gw, events, engine, job)
	go svc.RunGC(ctx)

	e := server.NewServer(svc)

	errc := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("failed to start server: %w", err)
		}
	}()
	log.Info(ctx, log.KV{K: "msg", V: "run API started"}, log.KV{K: "http-port", V: cfg.HTTPPort})

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	log.Info(ctx, log.KV{K: "msg", V: "shutting down run service"})

	shutdown(logCtx, 10*time.Second, e, svc, gw, events)
	log.Info(logCtx, log.KV{K: "msg", V: "run service stopped"})
	return nil
}

// shutdown stops runs and streams before the HTTP server, which waits for
// their handlers, then flushes the event stores on a fresh deadline.
func shutdown(logCtx context.Context, timeout time.Duration, e *echo.Echo, svc *service.Service, gw *gateway.Gateway, events *eventstore.Registry) {
	ctx, cancel := context.WithTimeout(logCtx, timeout)
	defer cancel()

	svc.Shutdown(ctx)
	gw.Shutdown()
	if err := e.Shutdown(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "failed to shutdown server gracefully"})
	}

	closeCtx, cancelClose := context.WithTimeout(logCtx, timeout)
	defer cancelClose()
	if err := events.CloseAll(closeCtx); err != nil {
		log.Error(closeCtx, err, log.KV{K: "msg", V: "failed to flush event stores"})
	}
}
