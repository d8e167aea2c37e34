package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

const maxRobotsBodyBytes = 512 * 1024

// robotsChecker 按 host 缓存 robots.txt，进程生命周期内只抓取一次。
//
// 抓取失败、超时、非 2xx 或解析失败都视为全部允许。
type robotsChecker struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*robotsEntry
}

type robotsEntry struct {
	data     *robotstxt.RobotsData
	allowAll bool
}

func newRobotsChecker(client *http.Client, userAgent string, timeout time.Duration) *robotsChecker {
	return &robotsChecker{
		client:    client,
		userAgent: userAgent,
		timeout:   timeout,
		cache:     make(map[string]*robotsEntry),
	}
}

// Allowed 判断 rawURL 是否允许抓取。
func (r *robotsChecker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return false, fmt.Errorf("empty host in url %q", rawURL)
	}

	entry := r.entry(ctx, u.Scheme, host)
	if entry.allowAll {
		return true, nil
	}

	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if path == "" {
		path = "/"
	}
	return entry.data.TestAgent(path, r.userAgent), nil
}

// entry 返回 host 的缓存规则。同一 host 的并发调用合并为一次请求，请求本身不持锁。
func (r *robotsChecker) entry(ctx context.Context, scheme, host string) *robotsEntry {
	if e, ok := r.cached(host); ok {
		return e
	}
	v, _, _ := r.group.Do(host, func() (any, error) {
		if e, ok := r.cached(host); ok {
			return e, nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		e := r.fetch(fetchCtx, scheme, host)
		// 调用方取消导致的失败不缓存，自身超时按全部允许缓存
		if ctx.Err() == nil {
			r.mu.Lock()
			r.cache[host] = e
			r.mu.Unlock()
		}
		return e, nil
	})
	return v.(*robotsEntry)
}

func (r *robotsChecker) cached(host string) (*robotsEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[host]
	return e, ok
}

func (r *robotsChecker) fetch(ctx context.Context, scheme, host string) *robotsEntry {
	if scheme == "" {
		scheme = "https"
	}
	allowAll := &robotsEntry{allowAll: true}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+host+"/robots.txt", http.NoBody)
	if err != nil {
		return allowAll
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return allowAll
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return allowAll
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return allowAll
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return allowAll
	}
	return &robotsEntry{data: data}
}
