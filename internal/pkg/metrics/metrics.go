package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 抓取流水线的 Prometheus 指标。
//
// 所有指标在包初始化时创建，由 InitMetrics 统一注册到默认 Registry。
var (
	// PagesFetchedTotal 列表页抓取次数，按结果分类（ok / not_found / error / denied）。
	PagesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boothsync_pages_fetched_total",
			Help: "Listing page fetch attempts by outcome.",
		},
		[]string{"status"},
	)

	// ItemsTotal 商品处理结果（created / existing / skipped / failed）。
	ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boothsync_items_total",
			Help: "Catalog items processed by outcome.",
		},
		[]string{"outcome"},
	)

	// RunsTotal 运行结束次数，按最终状态分类。
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boothsync_runs_total",
			Help: "Finished scraper runs by final status.",
		},
		[]string{"status"},
	)

	// QueueDepth 编排器中等待执行的任务数。
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "boothsync_queue_depth",
		Help: "Acquisition tasks waiting in the orchestrator queue.",
	})

	// RequestQueueStats 请求队列统计快照（enqueued / processed / failed / dropped / panics）。
	RequestQueueStats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "boothsync_request_queue_jobs",
			Help: "Paced request queue counters.",
		},
		[]string{"kind"},
	)

	// FetchDuration 单次出站请求耗时。
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boothsync_fetch_duration_seconds",
			Help:    "Outbound fetch latency through the policy gate.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// RateLimitWaitDuration 等待令牌的耗时。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "boothsync_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boothsync_ratelimit_timeout_total",
		Help: "Rate limit acquisitions abandoned because the context ended.",
	})

	// NotifyTotal 通知发送结果。
	NotifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boothsync_notify_total",
			Help: "Notification deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// TaskAutoClaimTotal 通过 XAUTOCLAIM 接管的远程入队消息数。
	TaskAutoClaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boothsync_task_autoclaim_total",
		Help: "Remote control messages reclaimed from idle consumers.",
	})

	// TaskDLQTotal 进入死信队列的远程入队消息数。
	TaskDLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boothsync_task_dlq_total",
		Help: "Remote control messages moved to the dead letter stream.",
	})

	registerOnce sync.Once
)

// InitMetrics 注册所有指标。可以重复调用，只有第一次生效。
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PagesFetchedTotal,
			ItemsTotal,
			RunsTotal,
			QueueDepth,
			RequestQueueStats,
			FetchDuration,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			NotifyTotal,
			TaskAutoClaimTotal,
			TaskDLQTotal,
		)
	})
}
