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

	"github.com/spf13/cobra"

	"github.com/lectio-dev/lectio"
	obsmetrics "github.com/lectio-dev/lectio/pkg/observability"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tutor HTTP API",
		Args:  requireNoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := lectio.Build(runCtx, cfg, lectio.WithLogger(logger))
			if err != nil {
				return err
			}

			apiServer := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           rt.Handler(),
				ReadTimeout:       cfg.Server.ReadTimeout,
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      cfg.Server.WriteTimeout,
			}
			obsServer := obsmetrics.NewServer(cfg.Server.MetricsAddr, rt.Health)

			errCh := make(chan error, 2)
			go func() {
				logger.Info("api listening", "addr", cfg.Server.Addr, "version", lectio.Version)
				if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("api server: %w", err)
				}
			}()
			go func() {
				logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
				if err := obsServer.Start(); err != nil {
					errCh <- fmt.Errorf("metrics server: %w", err)
				}
			}()
			if rt.Sweeper != nil {
				rt.Sweeper.Start(runCtx)
			}

			var runErr error
			select {
			case runErr = <-errCh:
				logger.Error("server failed", "error", runErr)
			case <-runCtx.Done():
				logger.Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("api shutdown", "error", err)
			}
			if err := obsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown", "error", err)
			}
			if err := rt.Close(shutdownCtx); err != nil {
				logger.Warn("runtime close", "error", err)
			}
			logger.Info("stopped")
			return runErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (overrides server.addr)")
	return cmd
}
