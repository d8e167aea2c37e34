package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"boothsync/internal/config"
	"boothsync/internal/pkg/metrics"
	"boothsync/internal/pkg/ratelimit"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrPolicyDenied robots.txt 不允许抓取该路径。
	ErrPolicyDenied = errors.New("crawler: disallowed by robots.txt")
	// ErrTimeout 请求在超时时间内没有响应。
	ErrTimeout = errors.New("crawler: request timed out")
	// ErrParseFailure 页面无法解析出必要字段。
	ErrParseFailure = errors.New("crawler: parse failure")
)

const (
	defaultUserAgent      = "PolySeek-Bot/0.1.0"
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 10 << 20

	responseCacheSize = 256
	responseCacheTTL  = 30 * time.Second
)

// StatusError 表示源站返回了非 2xx 状态码。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("crawler: %s returned HTTP %d", e.URL, e.StatusCode)
}

// IsNotFound 判断错误是否为 404。
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Response 抓取结果。
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Limiter 按 host 分配出站请求令牌。
type Limiter interface {
	Acquire(ctx context.Context, host string) error
}

// Gate 是所有出站请求的唯一入口：robots.txt 检查、限流、超时与统一请求头。
//
// 2xx 响应按 URL 缓存 30 秒，同一 URL 的并发请求合并为一次。
type Gate struct {
	client    *http.Client
	robots    *robotsChecker
	limiter   Limiter
	logger    *slog.Logger
	userAgent string
	timeout   time.Duration

	cache    *expirable.LRU[string, *Response]
	inflight singleflight.Group
}

// NewGate 创建 Gate。limiter 可以为 nil。
func NewGate(cfg config.ScraperConfig, limiter Limiter, logger *slog.Logger) *Gate {
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := &http.Client{}
	return &Gate{
		client:    client,
		robots:    newRobotsChecker(client, ua, timeout),
		limiter:   limiter,
		logger:    logger,
		userAgent: ua,
		timeout:   timeout,
		cache:     expirable.NewLRU[string, *Response](responseCacheSize, nil, responseCacheTTL),
	}
}

// Fetch 发起 GET 请求。
//
// 任意 HTTP 状态都会返回 Response；非 2xx 时同时返回 *StatusError。
// 返回的 Response 可能与其他调用方共享，调用方不得修改。
func (g *Gate) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	if resp, ok := g.cache.Get(rawURL); ok {
		return resp, nil
	}

	ch := g.inflight.DoChan(rawURL, func() (any, error) {
		resp, err := g.fetch(ctx, rawURL)
		if err == nil {
			g.cache.Add(rawURL, resp)
		}
		return resp, err
	})
	select {
	case res := <-ch:
		resp, _ := res.Val.(*Response)
		return resp, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
	}
}

func (g *Gate) fetch(ctx context.Context, rawURL string) (*Response, error) {
	kind := fetchKind(rawURL)

	allowed, err := g.robots.Allowed(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrPolicyDenied, rawURL)
	}

	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx, hostOf(rawURL)); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimitTimeout) || ctx.Err() != nil {
				return nil, fmt.Errorf("acquire rate limit: %w", err)
			}
			// Redis 不可用时不阻塞抓取
			g.logger.Warn("rate limiter unavailable, continue without token",
				slog.String("error", err.Error()))
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Cookie", "adult=t")
	req.Header.Set("Accept-Language", "ja,en;q=0.8")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		metrics.FetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		return nil, g.wrapTransportError(ctx, reqCtx, rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.FetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, g.wrapTransportError(ctx, reqCtx, rawURL, err)
	}

	out := &Response{URL: rawURL, StatusCode: resp.StatusCode, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return out, nil
}

// wrapTransportError 区分调用方取消与请求自身超时。
func (g *Gate) wrapTransportError(parent, reqCtx context.Context, rawURL string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, parent.Err())
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %s", ErrTimeout, g.timeout, rawURL)
	}
	return fmt.Errorf("fetch %s: %w", rawURL, err)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func fetchKind(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "other"
	}
	if strings.Contains(u.Path, "/items/") {
		return "detail"
	}
	return "listing"
}

// classifyFetchStatus 返回用于 metrics 的抓取状态字符串。
func classifyFetchStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, ErrPolicyDenied):
		return "denied"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
