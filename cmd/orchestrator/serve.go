package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"training-orchestrator/api/rest/handlers"
	"training-orchestrator/api/rest/routes"
	"training-orchestrator/core/monitoring"

	"github.com/gorilla/mux"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runLoop bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&runLoop, "loop", false, "Also tick on the configured interval instead of waiting for external triggers")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tick trigger, job endpoints and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		r := mux.NewRouter()
		routes.SetupRoutes(r,
			handlers.NewOrchestratorHandler(a.orch, a.metrics, a.cfg.Server.TickSecret),
			handlers.NewJobHandler(a.store, a.orch.Canceller()),
		)

		if runLoop {
			monitor := monitoring.NewJobMonitor(func(ctx context.Context) error {
				_, err := a.orch.Tick(ctx)
				return err
			}, a.cfg.Orchestrator.TickInterval)
			go monitor.Start(ctx)
		}

		server := &http.Server{
			Addr:              ":" + a.cfg.Server.Port,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			logger.Infof("Starting server on port %s", a.cfg.Server.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		select {
		case err := <-serveErr:
			return err
		case <-ctx.Done():
		}

		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("Server exited")
		return nil
	},
}
