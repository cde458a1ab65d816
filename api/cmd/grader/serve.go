package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"exam-grader/api/internal/config"
	"exam-grader/api/internal/handle"
	"exam-grader/api/internal/httpserver"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// пакеты в работе не отменяются сигналом, их дожидается Wait
			base := context.WithoutCancel(ctx)
			a, err := buildApp(ctx, base, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			h := handle.New(a.recognizer, a.coordinator, a.ping(), handle.Limits{
				MaxBodyBytes:   cfg.MaxJSONBodyBytes,
				RequestTimeout: cfg.WriteTimeout,
			})
			if a.ledger != nil {
				h.WithLedger(a.ledger)
			}
			srv := httpserver.New(httpserver.Options{
				Addr:              ":" + cfg.Port,
				RateLimitEvery:    cfg.RateLimitEvery,
				RateLimitBurst:    cfg.RateLimitBurst,
				ReadHeaderTimeout: cfg.ReadHeaderTimeout,
				ReadTimeout:       cfg.ReadTimeout,
				WriteTimeout:      cfg.WriteTimeout,
				IdleTimeout:       cfg.IdleTimeout,
			}, h)

			errCh := make(chan error, 1)
			go func() {
				slog.Info("grader listening", slog.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			slog.Info("shutting down")
			shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shCtx); err != nil {
				slog.Warn("http shutdown", slog.Any("err", err))
			}
			a.coordinator.Wait()
			slog.Info("all batches drained")
			return nil
		},
	}
}
