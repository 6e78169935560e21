package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/mini-nac/internal/config"
	"github.com/tendant/mini-nac/nac"
)

var (
	serveAddr string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission controller API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cmd.Flags().Changed("addr") {
			cfg.ServerAddr = serveAddr
		}
		if cmd.Flags().Changed("port") {
			cfg.ServerPort = servePort
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := nac.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := n.Close(); err != nil {
				logger.Error("closing backends", "error", err)
			}
		}()

		// Restore grants and timers before accepting requests.
		report, err := n.Reconcile(ctx)
		if err != nil {
			logger.Error("reconcile incomplete", "error", err)
		}
		logger.Info("reconciled sessions",
			"active", report.Active,
			"cleanup", report.Cleanup,
			"pending", report.Pending,
		)

		addr := fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)
		server := &http.Server{
			Addr:         addr,
			Handler:      n.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("starting server", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
		}

		logger.Info("shutting down server")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}

		logger.Info("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "0.0.0.0", "listen address (overrides SERVER_ADDR)")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "listen port (overrides SERVER_PORT)")
	rootCmd.AddCommand(serveCmd)
}
