package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boothsync/internal/config"
	"boothsync/internal/crawler"
	"boothsync/internal/model"
	"boothsync/internal/pkg/metrics"
	"boothsync/internal/pkg/queue"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Mode 抓取模式。
type Mode string

const (
	ModeDiscover Mode = "DISCOVER" // 从第一页扫描最新商品
	ModeBackfill Mode = "BACKFILL" // 从游标处继续向后扫描
)

// FailurePolicy 已存在检查失败时的处理方式。
type FailurePolicy string

const (
	PolicyContinue FailurePolicy = "continue" // 视为全部不存在
	PolicyStop     FailurePolicy = "stop"     // 放弃本页，全部计为失败
)

var (
	ErrInvalidMode = errors.New("invalid mode")
	ErrNoTarget    = errors.New("target label required")
)

const (
	defaultDiscoverPages    = 3
	defaultBackfillPages    = 10
	defaultDiscoverInterval = 2500 * time.Millisecond
	defaultBackfillInterval = 4000 * time.Millisecond
	defaultLogBuffer        = 100
)

// ParseMode 解析模式字符串。
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDiscover, ModeBackfill:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// TaskOptions 单个任务的参数，零值表示使用默认值。
type TaskOptions struct {
	PageLimit                   int           `json:"page_limit,omitempty"`
	RequestIntervalMs           int           `json:"request_interval_ms,omitempty"`
	MaxItems                    int           `json:"max_items,omitempty"`
	ExistenceCheckFailurePolicy FailurePolicy `json:"existence_check_failure_policy,omitempty"`
}

// Task 等待执行的抓取任务。
type Task struct {
	ID          string      `json:"id"`
	Mode        Mode        `json:"mode"`
	RequestedBy uint        `json:"requested_by"`
	TargetLabel string      `json:"target_label"`
	Options     TaskOptions `json:"options"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

// EnqueueRequest 入队请求。AllTargets 为 true 时展开为全部启用的目标。
type EnqueueRequest struct {
	Mode        Mode
	RequestedBy uint
	TargetLabel string
	AllTargets  bool
	Options     TaskOptions
}

// Progress 运行计数器。
type Progress struct {
	PagesProcessed    int `json:"pages_processed"`
	ItemsFound        int `json:"items_found"`
	ItemsExisting     int `json:"items_existing"`
	ItemsCreated      int `json:"items_created"`
	ItemsSkipped      int `json:"items_skipped"`
	ItemsFailed       int `json:"items_failed"`
	LastProcessedPage int `json:"last_processed_page"`
	Errors            int `json:"errors"`
}

// LogEntry 运行日志。
type LogEntry struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// RunStatus 当前运行的快照。
type RunStatus struct {
	RunID       string     `json:"run_id"`
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	Mode        Mode       `json:"mode"`
	TargetLabel string     `json:"target_label"`
	StartTime   time.Time  `json:"start_time"`
	Progress    Progress   `json:"progress"`
	Logs        []LogEntry `json:"logs"`
}

// Status 当前运行与等待队列。
type Status struct {
	Current *RunStatus `json:"current"`
	Queue   []Task     `json:"queue"`
}

// ListingRunner 逐页遍历列表。
type ListingRunner interface {
	Run(ctx context.Context, opts crawler.RunOptions) crawler.RunResult
}

// ExistenceChecker 过滤已入库的 URL。
type ExistenceChecker interface {
	FilterExisting(ctx context.Context, urls []string) (map[string]struct{}, error)
}

// Committer 商品入库。
type Committer interface {
	Commit(ctx context.Context, draft *crawler.DraftItem, actorID uint) (*model.Product, error)
}

// Claimer 跨进程认领商品 URL。
type Claimer interface {
	Claim(ctx context.Context, url string) (bool, error)
	Release(ctx context.Context, url string) error
}

// Deps 编排器依赖。Claimer 可为空。
type Deps struct {
	DB        *gorm.DB
	Listing   ListingRunner
	Fetcher   crawler.PageFetcher
	Existence ExistenceChecker
	Committer Committer
	Claimer   Claimer
	Queue     *queue.Queue
}

// Orchestrator 单飞任务编排器。
//
// 任务按 FIFO 顺序逐个执行，同一时刻最多一个运行。运行记录与日志写入数据库，
// 每处理完一页检查一次远程停止标记。
type Orchestrator struct {
	db        *gorm.DB
	listing   ListingRunner
	fetcher   crawler.PageFetcher
	existence ExistenceChecker
	committer Committer
	claimer   Claimer
	queue     *queue.Queue
	cfg       config.ScraperConfig
	owner     string
	logger    *slog.Logger

	startQueue sync.Once
	wake       chan struct{}

	mu      sync.Mutex
	pending []*Task
	current *activeRun
	logSeq  uint64
}

// activeRun 执行中的运行状态，由 Orchestrator.mu 保护。
type activeRun struct {
	task      *Task
	runID     string
	status    string
	startTime time.Time
	target    crawler.Target
	maxItems  int
	processed int
	progress  Progress
	logs      []LogEntry
	cancel    context.CancelFunc

	nextPage   int  // 期望处理的下一页
	cursorHeld bool // 出现跳过或未完成的页后不再推进游标
	finalized  bool
}

// NewOrchestrator 创建编排器。owner 标识当前进程，用于启动时回收本进程遗留的运行记录。
func NewOrchestrator(deps Deps, cfg config.ScraperConfig, owner string, logger *slog.Logger) *Orchestrator {
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = defaultLogBuffer
	}
	if cfg.InterTaskDelay < 0 {
		cfg.InterTaskDelay = 0
	}
	return &Orchestrator{
		db:        deps.DB,
		listing:   deps.Listing,
		fetcher:   deps.Fetcher,
		existence: deps.Existence,
		committer: deps.Committer,
		claimer:   deps.Claimer,
		queue:     deps.Queue,
		cfg:       cfg,
		owner:     owner,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue 追加任务并返回第一个任务 ID，没有任务入队时返回空字符串。
//
// AllTargets 请求在一次加锁内展开为每个启用目标一个任务，每个任务持有独立的选项副本。
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if _, err := ParseMode(string(req.Mode)); err != nil {
		return "", err
	}

	var labels []string
	if req.AllTargets {
		var targets []model.TargetLabel
		if err := o.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&targets).Error; err != nil {
			return "", fmt.Errorf("load targets: %w", err)
		}
		for _, t := range targets {
			labels = append(labels, t.Label)
		}
	} else {
		if req.TargetLabel == "" {
			return "", ErrNoTarget
		}
		labels = []string{req.TargetLabel}
	}
	if len(labels) == 0 {
		return "", nil
	}

	now := time.Now()
	tasks := make([]*Task, 0, len(labels))
	for _, label := range labels {
		tasks = append(tasks, &Task{
			ID:          uuid.NewString(),
			Mode:        req.Mode,
			RequestedBy: req.RequestedBy,
			TargetLabel: label,
			Options:     req.Options,
			EnqueuedAt:  now,
		})
	}

	o.mu.Lock()
	o.pending = append(o.pending, tasks...)
	depth := len(o.pending)
	o.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	o.logger.Info("tasks enqueued",
		slog.String("mode", string(req.Mode)),
		slog.Int("count", len(tasks)),
		slog.Int("queue_depth", depth))
	o.signal()
	return tasks[0].ID, nil
}

// SkipCurrent 请求停止当前运行。runID 为空表示当前运行；不匹配时什么也不做。
func (o *Orchestrator) SkipCurrent(runID string) bool {
	o.mu.Lock()
	run := o.current
	if run == nil || (runID != "" && run.runID != runID) {
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()
	return o.markStopping(run, "Skip requested")
}

// StopAll 清空等待队列并停止当前运行。
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	dropped := len(o.pending)
	o.pending = nil
	run := o.current
	o.mu.Unlock()

	metrics.QueueDepth.Set(0)
	if dropped > 0 {
		o.logger.Info("queue drained", slog.Int("dropped", dropped))
	}
	if run != nil {
		o.markStopping(run, "Stop all requested")
	}
}

// Remove 从等待队列中移除任务，任务不存在时返回 false。
func (o *Orchestrator) Remove(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, t := range o.pending {
		if t.ID == taskID {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			metrics.QueueDepth.Set(float64(len(o.pending)))
			return true
		}
	}
	return false
}

// Status 返回当前运行快照和等待队列。
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{Queue: make([]Task, 0, len(o.pending))}
	for _, t := range o.pending {
		st.Queue = append(st.Queue, *t)
	}
	if run := o.current; run != nil {
		st.Current = &RunStatus{
			RunID:       run.runID,
			TaskID:      run.task.ID,
			Status:      run.status,
			Mode:        run.task.Mode,
			TargetLabel: run.task.TargetLabel,
			StartTime:   run.startTime,
			Progress:    run.progress,
			Logs:        append([]LogEntry(nil), run.logs...),
		}
	}
	return st
}

// Busy 是否有运行中或等待中的任务。
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil || len(o.pending) > 0
}

// RequestRemoteStop 设置运行记录的远程停止标记；运行属于本进程时同时立即停止。
func (o *Orchestrator) RequestRemoteStop(ctx context.Context, runID string) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.ScraperRun{}).
		Where("run_id = ? AND status IN ?", runID, []string{model.RunStatusRunning, model.RunStatusStopping}).
		Update("skip_requested", true)
	if res.Error != nil {
		return false, fmt.Errorf("set skip flag: %w", res.Error)
	}
	o.SkipCurrent(runID)
	return res.RowsAffected > 0, nil
}

// RunLogs 返回某次运行的持久化日志。
func (o *Orchestrator) RunLogs(ctx context.Context, runID string, limit int) ([]model.ScraperLog, error) {
	if limit <= 0 {
		limit = o.cfg.LogBufferSize
	}
	var logs []model.ScraperLog
	err := o.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// startNext 取出队首任务并在同一次加锁内登记为当前运行，停止请求不会落在两者之间。
func (o *Orchestrator) startNext(ctx context.Context) (*activeRun, context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return nil, nil
	}
	task := o.pending[0]
	o.pending = o.pending[1:]
	metrics.QueueDepth.Set(float64(len(o.pending)))

	taskCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{
		task:      task,
		runID:     uuid.NewString(),
		status:    model.RunStatusRunning,
		startTime: time.Now(),
		target:    crawler.Target{Label: task.TargetLabel},
		maxItems:  o.maxItems(task),
		cancel:    cancel,
	}
	o.current = run
	return run, taskCtx
}

// markStopping 把运行置为 STOPPING 并取消任务上下文，只对 RUNNING 生效。
func (o *Orchestrator) markStopping(run *activeRun, reason string) bool {
	o.mu.Lock()
	if run.status != model.RunStatusRunning {
		o.mu.Unlock()
		return false
	}
	run.status = model.RunStatusStopping
	cancel := run.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.addLog(run, "%s, stopping", reason)
	if err := o.db.Model(&model.ScraperRun{}).Where("run_id = ?", run.runID).
		Update("status", model.RunStatusStopping).Error; err != nil {
		o.logger.Warn("persist stopping status failed",
			slog.String("run_id", run.runID),
			slog.String("error", err.Error()))
	}
	return true
}

// addLog 追加到内存环形缓冲并写入 scraper_logs。
func (o *Orchestrator) addLog(run *activeRun, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	now := time.Now()

	o.mu.Lock()
	o.logSeq++
	run.logs = append(run.logs, LogEntry{ID: o.logSeq, Timestamp: now, Message: msg})
	if over := len(run.logs) - o.cfg.LogBufferSize; over > 0 {
		run.logs = append(run.logs[:0], run.logs[over:]...)
	}
	o.mu.Unlock()

	o.logger.Info(msg, slog.String("run_id", run.runID))
	if err := o.db.Create(&model.ScraperLog{RunID: run.runID, Timestamp: now, Message: msg}).Error; err != nil {
		o.logger.Warn("persist run log failed",
			slog.String("run_id", run.runID),
			slog.String("error", err.Error()))
	}
}

// update 在锁内修改计数器。
func (o *Orchestrator) update(run *activeRun, fn func(p *Progress)) {
	o.mu.Lock()
	fn(&run.progress)
	o.mu.Unlock()
}

func (o *Orchestrator) snapshot(run *activeRun) (Progress, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return run.progress, run.status
}
