package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akriventsev/fincore"
	"github.com/akriventsev/fincore/internal/container"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the API gateway",
		Long: `Run the HTTP gateway: identity headers, per-plan rate limiting,
circuit-broken proxying to upstream services and the uniform error envelope.

Examples:
  fincore gateway --config fincore.yaml
  FINCORE_GATEWAY_ADDR=:9090 fincore gateway`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), "gateway", (*container.Container).StartGateway)
		},
	}
}

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the workflow scheduler and event consumers",
		Long: `Run the workflow scheduler: due saga jobs, the quarterly tax recap,
event consumers and the relay to the configured broker.

Examples:
  fincore scheduler --config fincore.yaml
  FINCORE_BROKER_TYPE=nats fincore scheduler`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), "scheduler", (*container.Container).StartScheduler)
		},
	}
}

// run собирает контейнер, запускает процесс и ждет сигнала остановки
func run(ctx context.Context, name string, startFn func(*container.Container, context.Context) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	c, err := container.Build(ctx, cfg, logger, container.WithVersion(fincore.Version))
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", name, err)
	}

	shutdown := func() error {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Gateway.ShutdownTimeout)
		defer cancel()
		return c.Shutdown(stopCtx)
	}

	if err := startFn(c, ctx); err != nil {
		_ = shutdown()
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	logger.Info("process started", "process", name)

	<-ctx.Done()
	logger.Info("shutting down", "process", name)
	return shutdown()
}
