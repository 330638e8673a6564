package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/driftwood-commerce/keel/pkg/claim"
	"github.com/driftwood-commerce/keel/pkg/config"
	"github.com/driftwood-commerce/keel/pkg/gateway"
	"github.com/driftwood-commerce/keel/pkg/ledger"
	"github.com/driftwood-commerce/keel/pkg/observability"
	"github.com/driftwood-commerce/keel/pkg/orders"
	"github.com/driftwood-commerce/keel/pkg/retrypolicy"
	"github.com/driftwood-commerce/keel/pkg/scheduler"
	"github.com/driftwood-commerce/keel/pkg/tasks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ldg := ledger.NewSQLLedger(db)
	if err := ldg.Init(ctx); err != nil {
		return fmt.Errorf("failed to init ledger schema: %w", err)
	}

	policy := retrypolicy.DefaultPolicy()
	if cfg.RetryPolicyFile != "" {
		policy, err = retrypolicy.LoadPolicy(cfg.RetryPolicyFile)
		if err != nil {
			return err
		}
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "keel-scheduler",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		ExportInterval: 30 * time.Second,
		Enabled:        cfg.OTelEnabled && cfg.OTLPEndpoint != "",
	})
	if err != nil {
		return fmt.Errorf("failed to init observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	metrics, err := observability.NewChargeMetrics(obs.Meter())
	if err != nil {
		return err
	}

	var surface orders.PendingTaskSurface
	if cfg.RedisAddr != "" {
		redisSurface := tasks.NewRedisSurface(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TaskStream)
		defer func() { _ = redisSurface.Close() }()
		surface = redisSurface
	} else {
		logger.Warn("no REDIS_ADDR configured, pending tasks will only be logged")
		surface = tasks.NewMemorySurface()
	}

	orderSvc, err := newOrderService(cfg)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.GatewayRatePerSec), 1)
	exec := gateway.NewExecutor(ldg, gw, limiter, cfg.GatewayTimeout, logger)
	claims := claim.NewCoordinator(ldg, cfg.ClaimTimeout, logger)

	driver := scheduler.NewDriver(ldg, claims, exec, policy, orderSvc, surface, scheduler.Options{
		BatchLimit: cfg.BatchLimit,
		Workers:    cfg.Workers,
		Metrics:    metrics,
		Logger:     logger,
	})

	logger.Info("keel scheduler started",
		"tick_interval", cfg.TickInterval,
		"claim_timeout", cfg.ClaimTimeout,
		"batch_limit", cfg.BatchLimit,
	)

	// The ticker is just one trigger; RunOnce is equally invocable from
	// cron or by hand. A run in flight finishes even after a signal.
	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := driver.RunOnce(context.Background()); err != nil {
			logger.Error("scheduler run aborted, waiting for next tick", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
