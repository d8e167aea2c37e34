package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boothsync/internal/app"
	"boothsync/internal/config"
	"boothsync/internal/pkg/logger"
	"boothsync/internal/pkg/metrics"
	"boothsync/internal/pkg/taskqueue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main 是抓取 Worker 的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 组装抓取流水线并启动编排器
// 3. 启动定时任务与 Redis Streams 消费者
// 4. 启动 Metrics 服务
// 5. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitMetrics()

	owner := app.Owner("worker")
	pipeline, err := app.Build(ctx, cfg, appLogger, owner)
	if err != nil {
		appLogger.Error("init pipeline failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	orch := pipeline.Orchestrator

	go func() {
		// 编排循环退出后 Worker 无法继续工作，交给容器重启
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in orchestrator loop", slog.Any("panic", r))
				os.Exit(1)
			}
		}()
		if err := orch.Run(ctx); err != nil {
			appLogger.Error("orchestrator stopped", slog.String("error", err.Error()))
		}
	}()

	if cfg.Scraper.EnableCron {
		c, err := app.NewCron(ctx, cfg.Scraper, orch, pipeline.SystemUserID, appLogger)
		if err != nil {
			appLogger.Error("init cron failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
		appLogger.Info("cron started",
			slog.String("discover", cfg.Scraper.DiscoverCron),
			slog.String("backfill", cfg.Scraper.BackfillCron))
	}

	if pipeline.Redis != nil {
		consumer, err := taskqueue.NewConsumer(ctx, pipeline.Redis, appLogger,
			cfg.App.TaskQueueStream, cfg.App.TaskQueueGroup, owner)
		if err != nil {
			appLogger.Error("init task consumer failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					appLogger.Error("PANIC in task consumer", slog.Any("panic", r))
					os.Exit(1)
				}
			}()
			appLogger.Info("starting task stream consumer", slog.String("stream", cfg.App.TaskQueueStream))
			if err := consumer.Run(ctx, app.StreamHandler(orch, appLogger)); err != nil {
				appLogger.Error("task consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("crawler metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down crawler service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	if err := pipeline.Shutdown(30 * time.Second); err != nil {
		appLogger.Error("pipeline shutdown error", slog.String("error", err.Error()))
	}

	appLogger.Info("crawler service stopped gracefully")
}
