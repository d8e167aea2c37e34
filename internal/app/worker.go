package app

import (
	"context"
	"fmt"
	"log/slog"

	"boothsync/internal/config"
	"boothsync/internal/pkg/taskqueue"
	"boothsync/internal/scheduler"

	"github.com/robfig/cron/v3"
)

// TaskController Worker 对编排器的最小依赖。
type TaskController interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (string, error)
	SkipCurrent(runID string) bool
	StopAll()
	Remove(taskID string) bool
	Busy() bool
}

// StreamHandler 把 Redis Stream 中的控制消息交给编排器执行。
func StreamHandler(ctrl TaskController, logger *slog.Logger) taskqueue.Handler {
	return func(ctx context.Context, msg *taskqueue.TaskMessage) error {
		switch msg.Action {
		case taskqueue.ActionEnqueue:
			mode, err := scheduler.ParseMode(msg.Mode)
			if err != nil {
				return err
			}
			taskID, err := ctrl.Enqueue(ctx, scheduler.EnqueueRequest{
				Mode:        mode,
				RequestedBy: msg.RequestedBy,
				TargetLabel: msg.TargetLabel,
				AllTargets:  msg.AllTargets,
				Options: scheduler.TaskOptions{
					PageLimit:                   msg.Options.PageLimit,
					RequestIntervalMs:           msg.Options.RequestIntervalMs,
					MaxItems:                    msg.Options.MaxItems,
					ExistenceCheckFailurePolicy: scheduler.FailurePolicy(msg.Options.ExistenceCheckFailurePolicy),
				},
			})
			if err != nil {
				return err
			}
			logger.Info("stream task enqueued",
				slog.String("task_id", taskID),
				slog.String("source", msg.Source))
		case taskqueue.ActionSkip:
			ctrl.SkipCurrent(msg.RefID)
		case taskqueue.ActionStopAll:
			ctrl.StopAll()
		case taskqueue.ActionRemove:
			ctrl.Remove(msg.RefID)
		default:
			return fmt.Errorf("unknown action %q", msg.Action)
		}
		return nil
	}
}

// NewCron 注册定时 DISCOVER 与 BACKFILL 任务，覆盖全部启用目标。
//
// 有任务运行或排队时本次触发直接跳过。
func NewCron(ctx context.Context, cfg config.ScraperConfig, ctrl TaskController, systemUserID uint, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()

	jobs := []struct {
		spec string
		mode scheduler.Mode
		opts scheduler.TaskOptions
	}{
		{cfg.DiscoverCron, scheduler.ModeDiscover, scheduler.TaskOptions{PageLimit: cfg.DiscoverPageLimit}},
		{cfg.BackfillCron, scheduler.ModeBackfill, scheduler.TaskOptions{}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		job := scheduledEnqueue(ctx, ctrl, j.mode, j.opts, systemUserID, logger)
		if _, err := c.AddFunc(j.spec, job); err != nil {
			return nil, fmt.Errorf("add %s cron %q: %w", j.mode, j.spec, err)
		}
	}
	return c, nil
}

func scheduledEnqueue(ctx context.Context, ctrl TaskController, mode scheduler.Mode, opts scheduler.TaskOptions, userID uint, logger *slog.Logger) func() {
	return func() {
		if ctrl.Busy() {
			logger.Info("scheduled run skipped, orchestrator busy", slog.String("mode", string(mode)))
			return
		}
		taskID, err := ctrl.Enqueue(ctx, scheduler.EnqueueRequest{
			Mode:        mode,
			RequestedBy: userID,
			AllTargets:  true,
			Options:     opts,
		})
		if err != nil {
			logger.Error("scheduled enqueue failed",
				slog.String("mode", string(mode)),
				slog.String("error", err.Error()))
			return
		}
		logger.Info("scheduled run enqueued",
			slog.String("mode", string(mode)),
			slog.String("task_id", taskID))
	}
}
