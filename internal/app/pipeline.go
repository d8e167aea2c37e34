package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"boothsync/internal/catalog"
	"boothsync/internal/config"
	"boothsync/internal/crawler"
	"boothsync/internal/pkg/dedup"
	"boothsync/internal/pkg/notify"
	"boothsync/internal/pkg/queue"
	"boothsync/internal/pkg/ratelimit"
	"boothsync/internal/scheduler"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Pipeline 一个进程内完整的抓取流水线：存储连接、出站网关、编排器及其请求队列。
type Pipeline struct {
	Config       *config.Config
	DB           *gorm.DB
	Redis        *redis.Client // 未配置 Redis 时为 nil
	Gate         *crawler.Gate
	Queue        *queue.Queue
	Committer    *catalog.Committer
	Orchestrator *scheduler.Orchestrator
	SystemUserID uint

	logger *slog.Logger
}

// Owner 生成运行记录的 owner 标识，同一主机上的不同角色互不影响。
func Owner(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "boothsync"
	}
	return host + "/" + role
}

// Build 连接 MySQL 与 Redis 并组装流水线。
//
// Redis 地址为空时不启用全局限流与跨进程认领；地址已配置但无法连通时返回错误。
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, owner string) (*Pipeline, error) {
	db, err := catalog.OpenMySQL(ctx, cfg.MySQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		_ = catalog.Close(db)
		return nil, err
	}
	return Assemble(ctx, cfg, logger, owner, db, rdb)
}

// Assemble 在已有连接上组装流水线。rdb 可为 nil。
func Assemble(ctx context.Context, cfg *config.Config, logger *slog.Logger, owner string, db *gorm.DB, rdb *redis.Client) (*Pipeline, error) {
	userID, err := catalog.EnsureSystemUser(ctx, db, cfg.App.SystemUserEmail)
	if err != nil {
		return nil, err
	}
	if n, err := catalog.SeedKnownEntities(ctx, db, cfg.Scraper.KnownEntities); err != nil {
		logger.Warn("seed known entities failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("known entities seeded", slog.Int64("count", n))
	}

	var limiter crawler.Limiter
	var claimer scheduler.Claimer
	if rdb != nil {
		limiter = ratelimit.NewRedisRateLimiter(rdb, logger, ratelimit.DefaultKeyPrefix, cfg.App.RateLimit, cfg.App.RateBurst)
		claimer = dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second)
	}

	gate := crawler.NewGate(cfg.Scraper, limiter, logger)
	listing := crawler.NewListingCrawler(gate, cfg.Scraper.BaseURL, cfg.Scraper.JitterMax, logger)

	committer := catalog.NewCommitter(db, logger,
		catalog.WithEntityDictionary(catalog.NewEntityDictionary(db, 0)),
		catalog.WithNotifier(buildNotifier(cfg, logger)),
		catalog.WithVerifyPersistence(cfg.Scraper.VerifyPersistence),
	)

	// 每个商品的抓取走单 worker 队列，请求间隔由编排器按任务设置
	q := queue.NewQueue(logger, 1, cfg.App.QueueCapacity)
	q.SetErrorHandler(func(err error, _ queue.Job) {
		logger.Debug("item job failed", slog.String("error", err.Error()))
	})

	orch := scheduler.NewOrchestrator(scheduler.Deps{
		DB:        db,
		Listing:   listing,
		Fetcher:   gate,
		Existence: catalog.NewExistenceChecker(db),
		Committer: committer,
		Claimer:   claimer,
		Queue:     q,
	}, cfg.Scraper, owner, logger)

	return &Pipeline{
		Config:       cfg,
		DB:           db,
		Redis:        rdb,
		Gate:         gate,
		Queue:        q,
		Committer:    committer,
		Orchestrator: orch,
		SystemUserID: userID,
		logger:       logger,
	}, nil
}

// Shutdown 停止当前任务，等待队列与通知结束后关闭连接。
func (p *Pipeline) Shutdown(timeout time.Duration) error {
	p.Orchestrator.StopAll()

	var errs []error
	if err := p.Queue.ShutdownWithTimeout(timeout); err != nil {
		errs = append(errs, fmt.Errorf("queue shutdown: %w", err))
	}
	p.Committer.Wait()

	if p.Redis != nil {
		if err := p.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := catalog.Close(p.DB); err != nil {
		errs = append(errs, fmt.Errorf("close mysql: %w", err))
	}
	return errors.Join(errs...)
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// buildNotifier 按配置组合 Discord 与邮件通知，两者都会在未配置时自行跳过。
func buildNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	return notify.Multi{
		notify.NewDiscordNotifier(cfg.Discord, logger),
		notify.NewEmailNotifier(&cfg.Email, logger),
	}
}
