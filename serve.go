package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"chatflow/api/pkg/config"
	"chatflow/api/services/conversation"
	"chatflow/api/services/flow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  `Starts the flow-management and messaging API, plus /metrics for Prometheus.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, err := openBackend(ctx, cfg, logger, true)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		return err
	}
	defer b.Close()

	if cfg.SeedSample {
		if err := flow.Seed(ctx, b.flows); err != nil {
			logger.Error("Failed to seed sample flow", "error", err)
			return err
		}
	}

	handler := newRouter(cfg, b, newMetricsRegistry(), logger)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Starting server", "addr", cfg.ListenAddr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("Server error", "error", err)
		return err

	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
	}
	return nil
}

// newRouter wires the flow and conversation services under /api/v1 and wraps
// everything in CORS.
func newRouter(cfg *config.Config, b *backend, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	flows := flow.NewService(b.flows, logger)

	engine := conversation.NewEngine(flows, b.store,
		conversation.WithLogger(logger),
		conversation.WithLocker(b.locker),
		conversation.WithMaxSteps(cfg.Engine.MaxStepsPerTurn),
		conversation.WithActions(conversation.NewActionRegistry(logger)),
		conversation.WithIntegrations(conversation.NewIntegrationRegistry(cfg.Webhook.Timeout, cfg.Webhook.RetryCount)),
		conversation.WithMetrics(conversation.NewMetrics(reg)),
	)
	processor := conversation.NewProcessor(flows, engine, conversation.DefaultStaticReply, logger)

	mainRouter := mux.NewRouter()
	mainRouter.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	})).Methods("GET")

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	flows.LoadRoutes(apiRouter)
	conversation.NewService(processor, logger).LoadRoutes(apiRouter)

	return handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
