package taskqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer 由 API 服务使用，把控制请求发布给 Worker。
type Producer struct {
	queue  *TaskQueue
	logger *slog.Logger
}

// NewProducer 创建一个新的任务生产者。streamName 为空时使用 DefaultStream。
func NewProducer(rdb redis.Cmdable, logger *slog.Logger, streamName string) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		queue:  NewTaskQueue(rdb, logger, streamName),
		logger: logger,
	}
}

// Submit 发布一条消息。
func (p *Producer) Submit(ctx context.Context, msg *TaskMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	if msg.Action == ActionEnqueue && msg.Mode == "" {
		return fmt.Errorf("enqueue message without mode")
	}

	if err := p.queue.Publish(ctx, msg); err != nil {
		p.logger.Error("submit task message failed",
			slog.String("action", msg.Action),
			slog.String("error", err.Error()))
		return err
	}

	p.logger.Info("task message submitted",
		slog.String("action", msg.Action),
		slog.String("mode", msg.Mode),
		slog.String("target", msg.TargetLabel),
		slog.Bool("all_targets", msg.AllTargets))

	return nil
}

// QueueLength 获取当前 Stream 长度。
func (p *Producer) QueueLength(ctx context.Context) (int64, error) {
	return p.queue.Length(ctx)
}
