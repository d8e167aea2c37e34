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

	"boothsync/internal/api"
	"boothsync/internal/app"
	"boothsync/internal/config"
	"boothsync/internal/pkg/logger"
	"boothsync/internal/pkg/metrics"
	"boothsync/internal/pkg/taskqueue"
)

// main 是管理 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 组装抓取流水线（MySQL、Redis、编排器）
// 3. 启动本地编排器与 HTTP 服务
// 4. 收到信号后优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitMetrics()

	pipeline, err := app.Build(ctx, cfg, appLogger, app.Owner("api"))
	if err != nil {
		appLogger.Error("init pipeline failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	deps := api.Deps{
		DB:           pipeline.DB,
		Redis:        pipeline.Redis,
		Orchestrator: pipeline.Orchestrator,
		SystemUserID: pipeline.SystemUserID,
	}
	if cfg.App.EnableRedisQueue {
		if pipeline.Redis == nil {
			appLogger.Error("redis queue enabled but redis is not configured")
			os.Exit(1)
		}
		deps.Publisher = taskqueue.NewProducer(pipeline.Redis, appLogger, cfg.App.TaskQueueStream)
	}
	srv := api.NewServer(cfg, appLogger, deps)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in orchestrator loop", slog.Any("panic", r))
			}
		}()
		if err := pipeline.Orchestrator.Run(ctx); err != nil {
			appLogger.Error("orchestrator stopped", slog.String("error", err.Error()))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := pipeline.Shutdown(30 * time.Second); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
	appLogger.Info("api server stopped")
}
