// Package main is the entry point for edigw, the EDI dispatch gateway.
// One binary serves the relay (/ask), dispatch, thread, and webhook
// endpoints plus the WebSocket task stream.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/edisys/edigw/internal/auth"
	"github.com/edisys/edigw/internal/common/config"
	"github.com/edisys/edigw/internal/common/httpmw"
	"github.com/edisys/edigw/internal/common/logger"
	"github.com/edisys/edigw/internal/common/tracing"
	"github.com/edisys/edigw/internal/dispatch"
	"github.com/edisys/edigw/internal/events"
	"github.com/edisys/edigw/internal/gateway/api"
	gatewayws "github.com/edisys/edigw/internal/gateway/websocket"
	"github.com/edisys/edigw/internal/metrics"
	"github.com/edisys/edigw/internal/task"
	"github.com/edisys/edigw/internal/thread"
	"github.com/edisys/edigw/internal/upstream"
)

// shutdownTimeout bounds the HTTP server drain on shutdown.
const shutdownTimeout = 30 * time.Second

// taskDrainTimeout bounds how long shutdown waits for canceled tasks to
// write their final thread entries.
const taskDrainTimeout = 10 * time.Second

func main() {
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// 1. Load environment and configuration
	_ = godotenv.Load()
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
		return
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting edigw...",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("threads_dir", cfg.Threads.Dir))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Core state: thread store, task registry, metrics
	store := thread.NewStore(cfg.Threads.Dir)
	registry := task.NewRegistry()
	gatewayMetrics := metrics.New(prometheus.DefaultRegisterer)

	// 6. Upstream agent gateway client
	upstreamClient := upstream.NewClient(cfg.Upstream, log)

	// 7. Task supervisor and dispatch flows
	supervisor := task.NewSupervisor(store, registry, upstreamClient, eventBus, gatewayMetrics, log)
	askSvc := dispatch.NewAskService(upstreamClient, cfg.Ask, gatewayMetrics, log)
	dispatchSvc := dispatch.NewDispatchService(cfg.Dispatch, store, registry, supervisor, eventBus, gatewayMetrics, log)
	webhookSvc := dispatch.NewWebhookService(upstreamClient, cfg.Dispatch.DefaultTimeoutSeconds, gatewayMetrics, log)

	// 8. Request authentication
	verifier := auth.NewHMACVerifier(auth.SecretSource{
		Env:  cfg.Auth.SecretEnv,
		File: cfg.Auth.SecretFile,
	}, cfg.Auth.Tolerance())
	webhookVerifier := auth.NewWebhookVerifier(auth.SecretSource{
		Env:  cfg.Auth.WebhookSecretEnv,
		File: cfg.Auth.WebhookSecretFile,
	})
	if !verifier.Enabled() {
		log.Warn("No auth secret configured - signed routes accept unauthenticated requests")
	}

	// 9. WebSocket task stream
	hub := gatewayws.NewHub(log)
	go hub.Run(ctx)
	broadcaster := gatewayws.NewEventBroadcaster(eventBus, hub, log)
	if err := broadcaster.Start(ctx); err != nil {
		log.Fatal("Failed to start event broadcaster", zap.Error(err))
	}
	wsHandler := gatewayws.NewHandler(hub, log)

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.RequestLogger(log, "edigw"))
	router.Use(httpmw.OtelTracing("edigw"))
	router.Use(httpmw.BodyLimit(httpmw.MaxBodyBytes))

	handler := api.NewHandler(askSvc, dispatchSvc, webhookSvc, store, registry,
		verifier, webhookVerifier, gatewayMetrics, log)
	api.SetupRoutes(router, handler, wsHandler)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	log.Info("Shutting down edigw...")

	// Cancel running tasks and wait for their final thread entries.
	drainTasks(registry, dispatchSvc, log)

	// Stop the hub and event subscriptions.
	cancel()

	if err := tracing.Shutdown(context.Background()); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("edigw stopped")
}

// drainTasks requests cancellation of every active task and waits, bounded,
// for the supervisors to finish their transcripts.
func drainTasks(registry *task.Registry, dispatchSvc *dispatch.DispatchService, log *logger.Logger) {
	active := registry.ListActive()
	if len(active) == 0 {
		return
	}
	log.Info("Canceling active tasks", zap.Int("count", len(active)))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), taskDrainTimeout)
	defer drainCancel()

	for _, rec := range active {
		if _, appErr := dispatchSvc.Cancel(drainCtx, rec.TaskID); appErr != nil {
			log.Warn("Failed to cancel task", zap.String("task_id", rec.TaskID), zap.String("error", appErr.Message))
		}
	}
	for _, rec := range active {
		select {
		case <-registry.Done(rec.TaskID):
		case <-drainCtx.Done():
			log.Warn("Task drain timed out", zap.String("task_id", rec.TaskID))
			return
		}
	}
}
