package crawler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"boothsync/internal/pkg/metrics"
)

// PageFetcher 列表与详情页的抓取接口，由 Gate 实现。
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Response, error)
}

// StopReason 列表抓取结束的原因。
type StopReason string

const (
	StopPageLimit StopReason = "page_limit" // 达到页数上限
	StopCallback  StopReason = "callback"   // OnPage 返回 false
	StopNoNext    StopReason = "no_next"    // 没有下一页
	StopNotFound  StopReason = "not_found"  // 列表页 404
	StopCancelled StopReason = "cancelled"  // ctx 结束
)

// RunOptions 一次列表抓取的参数。
type RunOptions struct {
	StartPage int           // 起始页（从 1 开始）
	MaxPages  int           // 最多抓取的页数，0 表示不限
	Target    Target        // 抓取目标
	Interval  time.Duration // 每页之间的固定间隔

	// Stop 关闭后在下一页开始前停止。进行中的请求不受影响，等待与重试间隔会提前结束。
	Stop <-chan struct{}

	// OnPage 每页抓取成功后调用，返回 false 时停止。
	OnPage func(ctx context.Context, urls []string, page int) bool
	// OnPageFailed 某页重试耗尽后调用，返回 false 时停止；为空时继续下一页。
	OnPageFailed func(page int, err error) bool
}

// RunResult 列表抓取结果。
type RunResult struct {
	Reason       StopReason
	PagesVisited int
	LastPage     int
}

// ListingCrawler 按页遍历标签列表。
type ListingCrawler struct {
	fetcher     PageFetcher
	baseURL     string
	logger      *slog.Logger
	jitterMax   time.Duration
	retryDelays []time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewListingCrawler 创建列表抓取器。
func NewListingCrawler(fetcher PageFetcher, baseURL string, jitterMax time.Duration, logger *slog.Logger) *ListingCrawler {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &ListingCrawler{
		fetcher:     fetcher,
		baseURL:     baseURL,
		logger:      logger,
		jitterMax:   jitterMax,
		retryDelays: []time.Duration{0, 5 * time.Second, 15 * time.Second},
		sleep:       sleepCtx,
	}
}

// Run 从 StartPage 开始按页递增抓取，直到达到上限、没有下一页、回调要求停止或 ctx 结束。
func (c *ListingCrawler) Run(ctx context.Context, opts RunOptions) RunResult {
	page := opts.StartPage
	if page < 1 {
		page = 1
	}
	res := RunResult{}

	// waitCtx 只用于页间等待，请求本身使用 ctx
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Stop != nil {
		go func() {
			select {
			case <-opts.Stop:
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	for {
		if opts.MaxPages > 0 && res.PagesVisited >= opts.MaxPages {
			res.Reason = StopPageLimit
			return res
		}
		if waitCtx.Err() != nil || stopped(opts.Stop) {
			res.Reason = StopCancelled
			return res
		}

		listing, err := c.fetchPageWithRetry(ctx, waitCtx, opts, page)
		res.PagesVisited++
		res.LastPage = page

		switch {
		case err == nil:
		case IsNotFound(err):
			c.logger.Warn("listing page not found, stop crawl",
				slog.String("target", opts.Target.Label),
				slog.Int("page", page))
			res.Reason = StopNotFound
			return res
		case waitCtx.Err() != nil || stopped(opts.Stop):
			res.Reason = StopCancelled
			return res
		default:
			// 重试耗尽：记录后继续下一页
			c.logger.Error("listing page failed, move on",
				slog.String("target", opts.Target.Label),
				slog.Int("page", page),
				slog.String("error", err.Error()))
			if opts.OnPageFailed != nil && !opts.OnPageFailed(page, err) {
				res.Reason = StopCallback
				return res
			}
			page++
			continue
		}

		c.logger.Info("listing page fetched",
			slog.String("target", opts.Target.Label),
			slog.Int("page", page),
			slog.Int("items", len(listing.ItemURLs)),
			slog.Bool("has_next", listing.HasNext))

		if opts.OnPage != nil && !opts.OnPage(ctx, listing.ItemURLs, page) {
			res.Reason = StopCallback
			return res
		}
		if !listing.HasNext {
			res.Reason = StopNoNext
			return res
		}
		page++
	}
}

// fetchPageWithRetry 最多尝试 1+len(retryDelays) 次；404 与 robots 拒绝不重试。
func (c *ListingCrawler) fetchPageWithRetry(ctx, waitCtx context.Context, opts RunOptions, page int) (*ListingPage, error) {
	pageURL := BuildListingURL(c.baseURL, opts.Target, page)

	var lastErr error
	for attempt := 0; attempt <= len(c.retryDelays); attempt++ {
		if attempt > 0 {
			delay := c.retryDelays[attempt-1]
			c.logger.Warn("listing fetch failed, retrying",
				slog.Int("page", page),
				slog.Int("attempt", attempt+1),
				slog.String("delay", delay.String()),
				slog.String("error", lastErr.Error()))
			if err := c.sleep(waitCtx, delay); err != nil {
				return nil, err
			}
		}

		if err := c.sleep(waitCtx, c.jitter()+opts.Interval); err != nil {
			return nil, err
		}

		listing, err := c.fetchPage(ctx, pageURL)
		metrics.PagesFetchedTotal.WithLabelValues(classifyFetchStatus(err)).Inc()
		if err == nil {
			return listing, nil
		}
		if IsNotFound(err) || errors.Is(err, ErrPolicyDenied) || waitCtx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *ListingCrawler) fetchPage(ctx context.Context, pageURL string) (*ListingPage, error) {
	resp, err := c.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return ParseListingPage(c.baseURL, resp.Body)
}

func (c *ListingCrawler) jitter() time.Duration {
	if c.jitterMax <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(c.jitterMax)))
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
