package taskqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Producer
// ============================================================================

func TestProducer_RejectsEnqueueWithoutMode(t *testing.T) {
	p := NewProducer(newTestRedis(t), discardLogger(), "")
	err := p.Submit(context.Background(), &TaskMessage{Action: ActionEnqueue})
	if err == nil {
		t.Fatalf("expected error for enqueue without mode")
	}
}

func TestProducer_SubmitAppendsToStream(t *testing.T) {
	ctx := context.Background()
	p := NewProducer(newTestRedis(t), discardLogger(), "test:stream")

	msg := NewEnqueueMessage("DISCOVER", 1, "", true, TaskOptions{PageLimit: 2}, "api")
	if err := p.Submit(ctx, msg); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Submit(ctx, NewControlMessage(ActionSkip, "run-1")); err != nil {
		t.Fatalf("submit skip: %v", err)
	}

	n, err := p.QueueLength(ctx)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
}

// ============================================================================
// Consumer
// ============================================================================

func TestConsumer_ReadAndAck(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	p := NewProducer(rdb, discardLogger(), "test:stream")
	c, err := NewConsumer(ctx, rdb, discardLogger(), "test:stream", "group", "c1", WithBlockTime(10*time.Millisecond))
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	sent := NewEnqueueMessage("BACKFILL", 7, "VRChat", false, TaskOptions{PageLimit: 3, MaxItems: 9}, "cron")
	if err := p.Submit(ctx, sent); err != nil {
		t.Fatalf("submit: %v", err)
	}

	msgs, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0].Message
	if got.Mode != "BACKFILL" || got.TargetLabel != "VRChat" || got.RequestedBy != 7 {
		t.Fatalf("unexpected message %+v", got)
	}
	if got.Options.PageLimit != 3 || got.Options.MaxItems != 9 {
		t.Fatalf("unexpected options %+v", got.Options)
	}

	pending, err := c.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending before ack, got %d", pending)
	}

	if err := c.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, _ = c.Pending(ctx)
	if pending != 0 {
		t.Fatalf("expected 0 pending after ack, got %d", pending)
	}
}

func TestConsumer_PoisonMessageGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	c, err := NewConsumer(ctx, rdb, discardLogger(), "test:stream", "group", "c1", WithBlockTime(10*time.Millisecond))
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "test:stream",
		Values: map[string]interface{}{"data": "{not json"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	msgs, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected poison message to be filtered, got %d", len(msgs))
	}

	dlq, err := rdb.XLen(ctx, "test:stream:dlq").Result()
	if err != nil {
		t.Fatalf("xlen dlq: %v", err)
	}
	if dlq != 1 {
		t.Fatalf("expected 1 dead letter, got %d", dlq)
	}
}

func TestConsumer_HandleFailureRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	p := NewProducer(rdb, discardLogger(), "test:stream")
	c, err := NewConsumer(ctx, rdb, discardLogger(), "test:stream", "group", "c1",
		WithBlockTime(10*time.Millisecond), WithMaxRetry(1))
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	if err := p.Submit(ctx, NewControlMessage(ActionRemove, "task-1")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	msgs, _ := c.Read(ctx)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	action, err := c.HandleFailure(ctx, msgs[0], errors.New("orchestrator busy"))
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if action != FailureActionRetry {
		t.Fatalf("expected retry, got %s", action)
	}

	msgs, _ = c.Read(ctx)
	if len(msgs) != 1 {
		t.Fatalf("expected republished message, got %d", len(msgs))
	}
	if msgs[0].Message.Retry != 1 {
		t.Fatalf("expected retry count 1, got %d", msgs[0].Message.Retry)
	}
	action, err = c.HandleFailure(ctx, msgs[0], errors.New("still busy"))
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if action != FailureActionDLQ {
		t.Fatalf("expected dlq, got %s", action)
	}

	dlq, _ := rdb.XLen(ctx, "test:stream:dlq").Result()
	if dlq != 1 {
		t.Fatalf("expected 1 dead letter, got %d", dlq)
	}
	pending, _ := c.Pending(ctx)
	if pending != 0 {
		t.Fatalf("expected no pending messages, got %d", pending)
	}
}

func TestConsumer_RunDispatchesUntilCancelled(t *testing.T) {
	rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewProducer(rdb, discardLogger(), "test:stream")
	c, err := NewConsumer(ctx, rdb, discardLogger(), "test:stream", "group", "c1", WithBlockTime(10*time.Millisecond))
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := p.Submit(ctx, NewControlMessage(ActionSkip, "")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, func(ctx context.Context, msg *TaskMessage) error {
			if handled.Add(1) == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop after cancel")
	}
	if handled.Load() != 3 {
		t.Fatalf("expected 3 handled messages, got %d", handled.Load())
	}
}
