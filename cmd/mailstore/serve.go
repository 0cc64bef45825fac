package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"mailstore/internal/config"
	"mailstore/internal/gc"
	"mailstore/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(cfg *config.Config) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background maintenance and the operations endpoint",
		Long:  "Periodically expires staged blobs and sweeps every volume, serving /health, /status and /metrics until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if listenAddr == "" {
				listenAddr = cfg.Metrics.ListenAddr
			}
			addr, err := server.ListenAddr(listenAddr)
			if err != nil {
				return err
			}
			logger := slog.Default().With("component", "serve")

			return withApp(ctx, cfg, func(a *app) error {
				a.registry.MustRegister(collectors.NewGoCollector())

				opsServer, err := server.New(server.Config{
					Addr:    addr,
					Volumes: a.volumes,
					Sweeper: a.sweeper,
					Metrics: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
					Logger:  slog.Default(),
				})
				if err != nil {
					return err
				}
				worker, err := gc.NewWorker(gc.WorkerConfig{
					Sweeper:  a.sweeper,
					Staging:  a.staging,
					Interval: cfg.GC.Interval,
					Clock:    clock.WallClock,
					Logger:   logger,
					Metrics:  a.metrics,
				})
				if err != nil {
					return err
				}

				srv := opsServer.HTTPServer()

				serveErr := make(chan error, 1)
				go func() {
					logger.Info("serving", "addr", addr, "interval", cfg.GC.Interval)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						serveErr <- err
					}
					close(serveErr)
				}()

				select {
				case <-ctx.Done():
					logger.Info("shutting down")
				case err = <-serveErr:
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)

				worker.Kill()
				if werr := worker.Wait(); werr != nil {
					return werr
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "operations listen address (default metrics.listen_addr)")
	return cmd
}
