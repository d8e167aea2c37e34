package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"boothsync/internal/catalog"
	"boothsync/internal/crawler"
	"boothsync/internal/model"
	"boothsync/internal/pkg/metrics"

	"gorm.io/gorm"
)

// Run 启动调度循环，直到 ctx 被取消。
//
// 启动时先把本进程遗留的 RUNNING/STOPPING 记录标记为 FAILED，然后按 FIFO 顺序执行任务，
// 每个任务结束后等待 InterTaskDelay 再取下一个。
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ensureQueue(ctx)
	if err := o.RecoverStale(ctx); err != nil {
		o.logger.Warn("recover stale runs failed", slog.String("error", err.Error()))
	}

	o.logger.Info("orchestrator started",
		slog.String("owner", o.owner),
		slog.String("inter_task_delay", o.cfg.InterTaskDelay.String()))

	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

	for {
		if o.RunNext(ctx) {
			if err := sleepCtx(ctx, o.cfg.InterTaskDelay); err != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return nil
		case <-o.wake:
		case <-statsTicker.C:
			o.recordQueueStats()
		}
	}
}

// RunNext 同步执行队首任务，队列为空时返回 false。
func (o *Orchestrator) RunNext(ctx context.Context) (ran bool) {
	if ctx.Err() != nil {
		return false
	}
	o.ensureQueue(ctx)
	run, taskCtx := o.startNext(ctx)
	if run == nil {
		return false
	}
	defer run.cancel()
	ran = true

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("PANIC in task execution",
				slog.String("task_id", run.task.ID),
				slog.Any("panic", r))
			o.mu.Lock()
			run.status = model.RunStatusFailed
			o.mu.Unlock()
			o.finalize(ctx, run)
		}
	}()
	o.execute(ctx, taskCtx, run)
	return true
}

// RecoverStale 把属于本进程的未结束运行标记为 FAILED（上次崩溃遗留）。
func (o *Orchestrator) RecoverStale(ctx context.Context) error {
	if o.owner == "" {
		return nil
	}
	now := time.Now()
	res := o.db.WithContext(ctx).Model(&model.ScraperRun{}).
		Where("owner = ? AND status IN ?", o.owner, []string{model.RunStatusRunning, model.RunStatusStopping}).
		Updates(map[string]any{"status": model.RunStatusFailed, "end_time": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		o.logger.Warn("marked stale runs as failed",
			slog.String("owner", o.owner),
			slog.Int64("count", res.RowsAffected))
	}
	return nil
}

func (o *Orchestrator) ensureQueue(ctx context.Context) {
	o.startQueue.Do(func() {
		o.queue.Start(ctx)
	})
}

func (o *Orchestrator) execute(ctx, taskCtx context.Context, run *activeRun) {
	task := run.task

	startPage := 1
	target, err := o.loadTarget(ctx, task)
	if err != nil {
		o.logger.Warn("load target failed",
			slog.String("target", task.TargetLabel),
			slog.String("error", err.Error()))
	} else if target != nil {
		run.target.Category = target.Category
		if task.Mode == ModeBackfill {
			startPage = target.LastBackfillPage + 1
		}
	}
	run.nextPage = startPage

	row := model.ScraperRun{
		RunID:       run.runID,
		Status:      model.RunStatusRunning,
		StartTime:   run.startTime,
		Mode:        string(task.Mode),
		TargetLabel: task.TargetLabel,
		RequestedBy: task.RequestedBy,
		Owner:       o.owner,
	}
	if err := o.db.WithContext(ctx).Create(&row).Error; err != nil {
		o.logger.Error("create run record failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		metrics.RunsTotal.WithLabelValues(model.RunStatusFailed).Inc()
		o.mu.Lock()
		run.finalized = true
		if o.current == run {
			o.current = nil
		}
		o.mu.Unlock()
		return
	}

	// 启动期间收到的停止请求
	if _, status := o.snapshot(run); status != model.RunStatusRunning {
		o.addLog(run, "Run stopped before crawl started")
		o.finalize(ctx, run)
		return
	}

	interval := o.interval(task)
	maxPages := o.pageLimit(task)
	o.queue.SetPacing(interval, o.cfg.JitterMax)

	o.addLog(run, "Starting crawl: Mode=%s, Target=%s, StartPage=%d, MaxPages=%d, Interval=%dms",
		task.Mode, task.TargetLabel, startPage, maxPages, interval.Milliseconds())

	// 列表请求使用进程级 ctx，停止请求在页边界生效
	result := o.listing.Run(ctx, crawler.RunOptions{
		StartPage: startPage,
		MaxPages:  maxPages,
		Target:    run.target,
		Interval:  interval,
		Stop:      taskCtx.Done(),
		OnPage: func(_ context.Context, urls []string, page int) bool {
			return o.processPage(ctx, taskCtx, run, urls, page)
		},
		OnPageFailed: func(page int, err error) bool {
			o.mu.Lock()
			run.cursorHeld = true
			run.nextPage = page + 1
			o.mu.Unlock()
			o.update(run, func(p *Progress) { p.Errors++ })
			o.addLog(run, "Listing page %d failed, skipped: %v", page, err)
			return taskCtx.Err() == nil
		},
	})
	o.addLog(run, "Crawl finished: reason=%s, pages=%d", result.Reason, result.PagesVisited)

	o.finalize(ctx, run)
}

// processPage 处理一页商品 URL，返回 false 时停止翻页。
//
// 商品任务在进程级 ctx 下执行，停止请求到来时已派发的任务仍会跑完。
func (o *Orchestrator) processPage(ctx, taskCtx context.Context, run *activeRun, urls []string, page int) bool {
	if taskCtx.Err() != nil {
		return false
	}

	o.update(run, func(p *Progress) {
		p.LastProcessedPage = page
		p.PagesProcessed++
		p.ItemsFound += len(urls)
	})
	o.addLog(run, "Processing page %d: %d items found", page, len(urls))

	complete := o.processBatch(ctx, taskCtx, run, urls)
	if run.task.Mode == ModeBackfill && o.cursorAdvances(run, page, complete) {
		o.advanceCursor(ctx, run, page)
	}

	o.mirror(ctx, run)
	o.recordQueueStats()
	o.pollRemoteStop(ctx, run)

	if ctx.Err() != nil || taskCtx.Err() != nil {
		return false
	}
	if run.maxItems > 0 && o.processedCount(run) >= run.maxItems {
		o.addLog(run, "Item limit of %d reached, stopping", run.maxItems)
		return false
	}
	return true
}

// processBatch 处理一页内的 URL，全部处理完成时返回 true。
func (o *Orchestrator) processBatch(ctx, taskCtx context.Context, run *activeRun, urls []string) bool {
	existing, err := o.existence.FilterExisting(taskCtx, urls)
	if err != nil {
		if run.task.Options.ExistenceCheckFailurePolicy == PolicyStop {
			o.update(run, func(p *Progress) {
				p.ItemsFailed += len(urls)
				p.Errors++
			})
			metrics.ItemsTotal.WithLabelValues("failed").Add(float64(len(urls)))
			o.addLog(run, "Existence check failed, stopping batch as configured: %v", err)
			return false
		}
		o.update(run, func(p *Progress) { p.Errors++ })
		o.addLog(run, "Existence check failed, continuing with empty set: %v", err)
		existing = nil
	}

	fresh := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := existing[u]; !ok {
			fresh = append(fresh, u)
		}
	}
	if n := len(urls) - len(fresh); n > 0 {
		o.update(run, func(p *Progress) { p.ItemsExisting += n })
		metrics.ItemsTotal.WithLabelValues("existing").Add(float64(n))
	}

	complete := true
	var wg sync.WaitGroup
	for _, u := range fresh {
		if taskCtx.Err() != nil {
			complete = false
			break
		}
		if run.maxItems > 0 && o.processedCount(run) >= run.maxItems {
			complete = false
			break
		}

		claimed := true
		if o.claimer != nil {
			ok, err := o.claimer.Claim(taskCtx, u)
			if err != nil {
				o.logger.Warn("claim item failed, processing anyway",
					slog.String("url", u),
					slog.String("error", err.Error()))
			} else {
				claimed = ok
			}
		}
		o.mu.Lock()
		run.processed++
		o.mu.Unlock()
		if !claimed {
			o.update(run, func(p *Progress) { p.ItemsSkipped++ })
			metrics.ItemsTotal.WithLabelValues("skipped").Inc()
			o.addLog(run, "Skipped %s: claimed by another worker", u)
			continue
		}

		url := u
		wg.Add(1)
		job := func(jobCtx context.Context) error {
			defer wg.Done()
			return o.processItem(jobCtx, run, url)
		}
		if err := o.queue.EnqueueBlocking(taskCtx, job); err != nil {
			// 未派发的商品不计数，留给下一次运行
			wg.Done()
			complete = false
			o.mu.Lock()
			run.processed--
			o.mu.Unlock()
			o.releaseClaim(ctx, url)
			break
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return false
	}
	return complete
}

// processItem 抓取详情页、解析并入库。
func (o *Orchestrator) processItem(ctx context.Context, run *activeRun, url string) error {
	draft, err := crawler.FetchItem(ctx, o.fetcher, url)
	if err != nil {
		o.itemFailed(ctx, run, url, err)
		return err
	}

	_, err = o.committer.Commit(ctx, draft, run.task.RequestedBy)
	switch {
	case errors.Is(err, catalog.ErrDuplicateItem):
		o.update(run, func(p *Progress) { p.ItemsSkipped++ })
		metrics.ItemsTotal.WithLabelValues("skipped").Inc()
		o.addLog(run, "Skipped %s: already in catalog", url)
		return nil
	case err != nil:
		o.itemFailed(ctx, run, url, err)
		return err
	}

	o.update(run, func(p *Progress) { p.ItemsCreated++ })
	metrics.ItemsTotal.WithLabelValues("created").Inc()
	o.addLog(run, "Created %s", url)
	return nil
}

func (o *Orchestrator) itemFailed(ctx context.Context, run *activeRun, url string, err error) {
	o.update(run, func(p *Progress) {
		p.ItemsFailed++
		p.Errors++
	})
	metrics.ItemsTotal.WithLabelValues("failed").Inc()

	switch {
	case errors.Is(err, crawler.ErrPolicyDenied):
		o.addLog(run, "Skipped %s: disallowed by robots.txt", url)
	case errors.Is(err, crawler.ErrParseFailure):
		o.addLog(run, "Failed to parse %s", url)
	default:
		o.addLog(run, "Error processing %s: %v", url, err)
	}

	o.releaseClaim(ctx, url)
}

func (o *Orchestrator) releaseClaim(ctx context.Context, url string) {
	if o.claimer == nil {
		return
	}
	if err := o.claimer.Release(context.WithoutCancel(ctx), url); err != nil {
		o.logger.Warn("release claim failed",
			slog.String("url", url),
			slog.String("error", err.Error()))
	}
}

// cursorAdvances 判断本页能否推进游标：之前的页必须全部连续完成。
func (o *Orchestrator) cursorAdvances(run *activeRun, page int, complete bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if page != run.nextPage || !complete {
		run.cursorHeld = true
	}
	run.nextPage = page + 1
	return !run.cursorHeld
}

// advanceCursor 单调推进 BACKFILL 游标。
func (o *Orchestrator) advanceCursor(ctx context.Context, run *activeRun, page int) {
	err := o.db.WithContext(ctx).Model(&model.TargetLabel{}).
		Where("label = ? AND last_backfill_page < ?", run.task.TargetLabel, page).
		Update("last_backfill_page", page).Error
	if err != nil {
		o.logger.Warn("advance backfill cursor failed",
			slog.String("target", run.task.TargetLabel),
			slog.Int("page", page),
			slog.String("error", err.Error()))
	}
}

// mirror 把计数器写回运行记录。
func (o *Orchestrator) mirror(ctx context.Context, run *activeRun) {
	p, _ := o.snapshot(run)
	err := o.db.WithContext(context.WithoutCancel(ctx)).Model(&model.ScraperRun{}).
		Where("run_id = ?", run.runID).
		Updates(progressColumns(p)).Error
	if err != nil {
		o.logger.Warn("update run progress failed",
			slog.String("run_id", run.runID),
			slog.String("error", err.Error()))
	}
}

// pollRemoteStop 检查运行记录上的远程停止标记。
func (o *Orchestrator) pollRemoteStop(ctx context.Context, run *activeRun) {
	var flags []bool
	err := o.db.WithContext(ctx).Model(&model.ScraperRun{}).
		Where("run_id = ?", run.runID).
		Pluck("skip_requested", &flags).Error
	if err != nil {
		o.logger.Warn("poll remote stop failed",
			slog.String("run_id", run.runID),
			slog.String("error", err.Error()))
		return
	}
	if len(flags) > 0 && flags[0] {
		o.markStopping(run, "Remote stop requested")
	}
}

func (o *Orchestrator) finalize(ctx context.Context, run *activeRun) {
	o.mu.Lock()
	if run.finalized {
		o.mu.Unlock()
		return
	}
	run.finalized = true
	final := model.RunStatusCompleted
	if run.status != model.RunStatusRunning || ctx.Err() != nil {
		final = model.RunStatusFailed
	}
	run.status = final
	p := run.progress
	o.mu.Unlock()

	end := time.Now()
	cols := progressColumns(p)
	cols["status"] = final
	cols["end_time"] = end
	if err := o.db.WithContext(context.WithoutCancel(ctx)).Model(&model.ScraperRun{}).
		Where("run_id = ?", run.runID).Updates(cols).Error; err != nil {
		o.logger.Error("finalize run failed",
			slog.String("run_id", run.runID),
			slog.String("error", err.Error()))
	}
	metrics.RunsTotal.WithLabelValues(final).Inc()
	o.addLog(run, "Run finalized. Status: %s (created=%d, failed=%d)", final, p.ItemsCreated, p.ItemsFailed)

	o.mu.Lock()
	if o.current == run {
		o.current = nil
	}
	o.mu.Unlock()
}

func (o *Orchestrator) loadTarget(ctx context.Context, task *Task) (*model.TargetLabel, error) {
	var target model.TargetLabel
	err := o.db.WithContext(ctx).Where("label = ?", task.TargetLabel).First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &target, nil
}

func (o *Orchestrator) processedCount(run *activeRun) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return run.processed
}

func (o *Orchestrator) recordQueueStats() {
	if o.queue == nil {
		return
	}
	s := o.queue.Stats()
	metrics.RequestQueueStats.WithLabelValues("enqueued").Set(float64(s.TotalEnqueued))
	metrics.RequestQueueStats.WithLabelValues("processed").Set(float64(s.TotalProcessed))
	metrics.RequestQueueStats.WithLabelValues("failed").Set(float64(s.TotalFailed))
	metrics.RequestQueueStats.WithLabelValues("dropped").Set(float64(s.TotalDropped))
	metrics.RequestQueueStats.WithLabelValues("panics").Set(float64(s.TotalPanics))
}

func (o *Orchestrator) pageLimit(task *Task) int {
	if task.Options.PageLimit > 0 {
		return task.Options.PageLimit
	}
	if task.Mode == ModeBackfill {
		if o.cfg.BackfillPageLimit > 0 {
			return o.cfg.BackfillPageLimit
		}
		return defaultBackfillPages
	}
	if o.cfg.DiscoverPageLimit > 0 {
		return o.cfg.DiscoverPageLimit
	}
	return defaultDiscoverPages
}

func (o *Orchestrator) interval(task *Task) time.Duration {
	if task.Options.RequestIntervalMs > 0 {
		return time.Duration(task.Options.RequestIntervalMs) * time.Millisecond
	}
	if task.Mode == ModeBackfill {
		if o.cfg.BackfillInterval > 0 {
			return o.cfg.BackfillInterval
		}
		return defaultBackfillInterval
	}
	if o.cfg.DiscoverInterval > 0 {
		return o.cfg.DiscoverInterval
	}
	return defaultDiscoverInterval
}

// maxItems BACKFILL 默认使用 BackfillProductLimit，DISCOVER 默认不限。
func (o *Orchestrator) maxItems(task *Task) int {
	if task.Options.MaxItems > 0 {
		return task.Options.MaxItems
	}
	if task.Mode == ModeBackfill {
		return o.cfg.BackfillProductLimit
	}
	return 0
}

func progressColumns(p Progress) map[string]any {
	return map[string]any{
		"pages_processed":     p.PagesProcessed,
		"items_found":         p.ItemsFound,
		"items_existing":      p.ItemsExisting,
		"items_created":       p.ItemsCreated,
		"items_skipped":       p.ItemsSkipped,
		"items_failed":        p.ItemsFailed,
		"last_processed_page": p.LastProcessedPage,
		"errors":              p.Errors,
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
