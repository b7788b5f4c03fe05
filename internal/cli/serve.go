package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/reduce"
	"github.com/rcliao/agent-context/internal/schedule"
	"github.com/rcliao/agent-context/internal/server"
	"github.com/rcliao/agent-context/internal/service"
	"github.com/rcliao/agent-context/internal/telemetry"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance scheduler",
		Run:   runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics()
	svc, closeStores := openService(ctx, cfg, logger, service.WithMetrics(metrics))
	defer closeStores()

	sched := schedule.New(logger)
	if cfg.Reduction.Enabled {
		err := sched.Add("reduction", cfg.Reduction.Schedule, func(ctx context.Context) {
			if _, err := svc.Reduce(ctx, reduce.Scope{}); err != nil {
				logger.Warn().Err(err).Msg("scheduled reduction cut short")
			}
		})
		if err != nil {
			exitErr("schedule reduction", err)
		}
	}
	err := sched.Add("working-sweep", cfg.Working.SweepSchedule, func(ctx context.Context) {
		if _, err := svc.SweepWorking(ctx); err != nil {
			logger.Warn().Err(err).Msg("working slot sweep failed")
		}
	})
	if err != nil {
		exitErr("schedule sweep", err)
	}
	sched.Start()

	srv := server.New(svc, cfg.Server, logger, server.WithMetrics(metrics))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			exitErr("serve", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown")
	}
	logger.Info().Msg("stopped")
}
