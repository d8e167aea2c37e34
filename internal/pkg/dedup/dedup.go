package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "boothsync:claim:item:"

// Deduplicator 用 Redis SETNX 对商品 URL 做跨进程认领。
//
// 同一商品 URL 在窗口期内只允许一个进程抓取和提交，
// 失败时调用 Release 释放认领，以便下次运行重试。
type Deduplicator struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewDeduplicator(rdb redis.Cmdable, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// Claim 尝试认领 URL，返回 true 表示认领成功（应继续处理）。
func (d *Deduplicator) Claim(ctx context.Context, url string) (bool, error) {
	if d == nil || d.rdb == nil || url == "" {
		return true, nil
	}
	ok, err := d.rdb.SetNX(ctx, keyPrefix+hashURL(url), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

// Release 释放认领。
func (d *Deduplicator) Release(ctx context.Context, url string) error {
	if d == nil || d.rdb == nil || url == "" {
		return nil
	}
	if err := d.rdb.Del(ctx, keyPrefix+hashURL(url)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
