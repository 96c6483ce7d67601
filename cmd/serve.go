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
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, worker pool and recurring jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			// The signal only ends the wait below; workers drain in Shutdown.
			a.Start(cmd.Context())

			srv := a.HTTPServer()
			errCh := make(chan error, 1)
			go func() {
				e.logger.Info("http server started", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}
			e.logger.Info("shutdown initiated")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				e.logger.Error("http server shutdown", zap.Error(err))
			}
			if err := a.Shutdown(shutdownCtx); err != nil {
				e.logger.Error("engine shutdown", zap.Error(err))
			}
			e.logger.Info("shutdown complete")
			if serveErr != nil {
				return fmt.Errorf("http server: %w", serveErr)
			}
			return nil
		},
	}
}
