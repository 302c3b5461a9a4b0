package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"storlets/internal/deps"
	"storlets/internal/factory"
	"storlets/internal/logging"
)

func newFactoryCommand(ctx *commandContext) *cobra.Command {
	var channel string
	var containerID string
	var metricsBind string

	cmd := &cobra.Command{
		Use:   "factory",
		Short: "Run the daemon factory for one scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if channel == "" {
				channel = cfg.FactoryChannel(cfg.Factory.Scope)
			}
			if containerID == "" {
				containerID = cfg.Factory.ContainerID
			}
			if metricsBind == "" {
				metricsBind = cfg.Factory.MetricsBind
			}
			// daemons re-executing this binary pick up the same file
			if ctx.configPath != "" {
				if err := os.Setenv("STORLETS_CONFIG", ctx.configPath); err != nil {
					return fmt.Errorf("export config path: %w", err)
				}
			}

			logger, err := logging.NewFromConfig(cfg, "factory")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			for _, status := range deps.CheckLanguages(cfg.Languages) {
				if !status.Available {
					logging.WarnWithContext(logger, "storlet runtime unavailable", "runtime_missing",
						logging.String("runtime", status.Name),
						logging.String("detail", status.Detail),
						logging.String(logging.FieldErrorHint, "daemons of this language will fail to start"),
					)
				}
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			f, err := factory.New(factory.Options{
				Channel:        channel,
				ContainerID:    containerID,
				PingRetries:    cfg.Factory.PingRetries,
				PingRetryDelay: cfg.PingRetryDelay(),
				PingTimeout:    cfg.PingTimeout(),
				Languages:      factory.NewLanguages(cfg.Languages),
				Registerer:     reg,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			if metricsBind != "" {
				stop := serveMetrics(signalCtx, metricsBind, reg, logger)
				defer stop()
			}

			code, err := f.Start(signalCtx)
			if err != nil {
				return err
			}
			return exitWith(code)
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "Factory channel path (defaults to the scope's factory_pipe)")
	cmd.Flags().StringVar(&containerID, "container-id", "", "Container id reported in logs and handed to daemons")
	cmd.Flags().StringVar(&metricsBind, "metrics-bind", "", "Address serving prometheus metrics")
	return cmd
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WarnWithContext(logger, "metrics endpoint stopped", "metrics_serve_failed",
				logging.String("bind", addr),
				logging.Error(err),
			)
		}
	}()
	logger.Info("serving metrics", logging.String("bind", addr))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
