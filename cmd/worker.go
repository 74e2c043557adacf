package cmd

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/history"
	"github.com/Allen15763/spe-bank-recon/internal/queue/streams"
	"github.com/Allen15763/spe-bank-recon/internal/runtime"
	"github.com/Allen15763/spe-bank-recon/internal/server"
	"github.com/Allen15763/spe-bank-recon/internal/store"
	"github.com/Allen15763/spe-bank-recon/internal/task"
	"github.com/Allen15763/spe-bank-recon/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a pipeline worker consuming queued run requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger := log.New(log.Writer(), "[WORKER] ", log.LstdFlags)

			tele, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName: "sperecon-worker",
				MetricsPort: cfg.Telemetry.MetricsPort,
			})
			if err != nil {
				return fmt.Errorf("telemetry init: %w", err)
			}
			defer func() { _ = tele.Shutdown(ctx) }()

			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			if err := server.Migrate("file://migrations", dsn, "up", 0); err != nil {
				logger.Printf("warn: migrate: %v", err)
			}
			st, err := store.New(ctx, dsn)
			if err != nil {
				return fmt.Errorf("registry init: %w", err)
			}
			defer func() { _ = st.Close() }()

			redisAddr := fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port)
			rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.Storage.Redis.Password, DB: cfg.Storage.Redis.DB})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis connection failed (%s): %w", redisAddr, err)
			}
			defer func() { _ = rdb.Close() }()

			runner, err := task.NewRunner(cfg, task.WithLogger(logger), task.WithMeter(meter))
			if err != nil {
				return fmt.Errorf("task runner: %w", err)
			}

			// The worker is the single writer of the audit index; starting
			// without one only disables search, not execution.
			var hist worker.HistoryAPI
			if idx, err := history.Open(cfg.History.IndexPath, history.WithLogger(logger)); err != nil {
				logger.Printf("warn: history index unavailable: %v", err)
			} else {
				defer func() { _ = idx.Close() }()
				hist = idx
			}

			if err := streams.EnsureGroup(ctx, rdb, cfg.Worker.Stream, cfg.Worker.Group); err != nil {
				return fmt.Errorf("ensure consumer group: %w", err)
			}
			consumer := streams.NewConsumer(rdb, cfg.Worker.Group, cfg.Worker.Consumer)
			publisher := streams.NewPublisher(rdb)
			claims := &worker.RedisClaimer{Client: rdb, TTL: cfg.Worker.IdempotencyTTL}

			proc := worker.NewProcessor(logger, st, runner, hist, claims, publisher, consumer,
				cfg.Worker.Stream, cfg.Worker.ResultStream, meter, tracer)
			return proc.Start(ctx)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config)")
	return cmd
}
