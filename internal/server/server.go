// Package server is the ops surface of the reconciliation engine: an echo
// API for triggering and inspecting runs, checkpoint introspection, audit
// search and a cron scheduler. Execution itself happens in workers; the
// server only publishes run requests, except for operator-driven resumes
// which run in-process.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/checkpoint"
	"github.com/Allen15763/spe-bank-recon/internal/history"
	"github.com/Allen15763/spe-bank-recon/internal/queue/streams"
	"github.com/Allen15763/spe-bank-recon/internal/runtime"
	"github.com/Allen15763/spe-bank-recon/internal/store"
	"github.com/Allen15763/spe-bank-recon/internal/task"
)

// Run wires the ops API from config and serves it on addr (falling back to
// server.address). It blocks until the listener stops.
func Run(cfg *config.Config, addr string) error {
	if cfg == nil {
		return fmt.Errorf("server: nil config")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	tele, meter, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName: "sperecon-api",
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
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("warn: migrate: %v", err)
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
	publisher := streams.NewPublisher(rdb)

	var cpStore *checkpoint.Store
	runnerOpts := []task.RunnerOption{task.WithLogger(baseLogger), task.WithMeter(meter)}
	if cfg.Checkpoint.Enabled {
		storeOpts := []checkpoint.StoreOption{checkpoint.WithLogger(baseLogger), checkpoint.WithMeter(meter)}
		if cfg.Checkpoint.SigningSecret != "" {
			storeOpts = append(storeOpts, checkpoint.WithSecret(cfg.Checkpoint.SigningSecret))
		}
		cpStore, err = checkpoint.NewStore(cfg.Checkpoint.Dir, storeOpts...)
		if err != nil {
			return fmt.Errorf("checkpoint store: %w", err)
		}
		runnerOpts = append(runnerOpts, task.WithStore(cpStore))
	}
	runner, err := task.NewRunner(cfg, runnerOpts...)
	if err != nil {
		return fmt.Errorf("task runner: %w", err)
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	auth := &AuthHandler{Store: st, Secret: secret}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	protected := runtime.EchoAuthMiddleware(secret)

	me := api.Group("/me", protected)
	me.GET("", func(c echo.Context) error {
		id, _ := c.Get("user_id").(string)
		return c.JSON(http.StatusOK, MeResponse{UserID: id})
	})

	api.GET("/modes", func(c echo.Context) error {
		return c.JSON(http.StatusOK, runner.Modes())
	}, protected)

	rh := &RunsHandler{
		Store:    st,
		Bus:      publisher,
		Runner:   runner,
		Stream:   cfg.Worker.Stream,
		TaskName: cfg.Task.Name,
		Logger:   baseLogger,
	}
	rh.Register(api.Group("/runs", protected))

	if cpStore != nil {
		ch := &CheckpointsHandler{Runner: runner, Deleter: cpStore, Mirror: st, Logger: baseLogger}
		ch.Register(api.Group("/checkpoints", protected))
	}

	ops := &OpsHandler{
		Monitor: func(ctx context.Context, stream, group string) (streams.LagMetrics, error) {
			return streams.GroupLag(ctx, rdb, stream, group)
		},
		Stream: cfg.Worker.Stream,
		Group:  cfg.Worker.Group,
	}
	ops.Register(api.Group("/ops", protected))

	// The worker owns the writable audit index; the server opens it
	// read-only and simply skips search when no index exists yet.
	if idx, err := history.OpenReadOnly(cfg.History.IndexPath, history.WithLogger(baseLogger)); err != nil {
		baseLogger.Printf("warn: history index unavailable: %v", err)
	} else {
		defer func() { _ = idx.Close() }()
		hh := &HistoryHandler{Index: idx}
		hh.Register(api.Group("/history", protected))
	}

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{
			Store:     st,
			Bus:       publisher,
			Rdb:       rdb,
			Schedules: cfg.Scheduler.Schedules,
			Stream:    cfg.Worker.Stream,
			TaskName:  cfg.Task.Name,
			Stop:      make(chan struct{}),
		}
		sched.Start()
		defer close(sched.Stop)
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	baseLogger.Printf("listening on %s", addr)
	return e.Start(addr)
}
