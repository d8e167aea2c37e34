package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"boothsync/internal/api/middleware"
	"boothsync/internal/catalog"
	"boothsync/internal/config"
	"boothsync/internal/model"
	"boothsync/internal/pkg/taskqueue"
	"boothsync/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	defaultLogLimit    = 100
	maxLogLimit        = 1000
	recentRunsLimit    = 10
	healthCheckTimeout = 2 * time.Second
)

// Server 封装了管理 API 所需的依赖和路由处理。
//
// 抓取任务由本进程的编排器执行；启用 Redis 队列时，入队与控制请求改为发布到 Stream，
// 由 Worker 进程执行。
type Server struct {
	cfg          *config.Config
	logger       *slog.Logger
	db           *gorm.DB
	rdb          *redis.Client
	router       *gin.Engine
	orch         Orchestrator
	publisher    TaskPublisher
	targets      TargetStore
	runs         RunStore
	systemUserID uint
}

// Orchestrator 任务编排器。
type Orchestrator interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (string, error)
	SkipCurrent(runID string) bool
	StopAll()
	Remove(taskID string) bool
	Status() scheduler.Status
	RequestRemoteStop(ctx context.Context, runID string) (bool, error)
	RunLogs(ctx context.Context, runID string, limit int) ([]model.ScraperLog, error)
}

// TaskPublisher 把请求转发给 Worker。
type TaskPublisher interface {
	Submit(ctx context.Context, msg *taskqueue.TaskMessage) error
	QueueLength(ctx context.Context) (int64, error)
}

// TargetStore 抓取目标的存取。
type TargetStore interface {
	ListTargets(ctx context.Context) ([]model.TargetLabel, error)
	CreateTarget(ctx context.Context, target *model.TargetLabel) error
	SetTargetEnabled(ctx context.Context, id uint, enabled bool) (bool, error)
}

// RunStore 运行记录查询。
type RunStore interface {
	RecentRuns(ctx context.Context, limit int) ([]model.ScraperRun, error)
}

// Deps API 服务依赖。Redis 与 Publisher 可为空。
type Deps struct {
	DB           *gorm.DB
	Redis        *redis.Client
	Orchestrator Orchestrator
	Publisher    TaskPublisher
	SystemUserID uint
}

// NewServer 初始化 API 服务器并注册路由。
func NewServer(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		db:           deps.DB,
		rdb:          deps.Redis,
		router:       r,
		orch:         deps.Orchestrator,
		publisher:    deps.Publisher,
		targets:      dbTargetStore{db: deps.DB},
		runs:         dbRunStore{db: deps.DB},
		systemUserID: deps.SystemUserID,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if err := catalog.Close(s.db); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	g := s.router.Group("/scraper")
	g.POST("/tasks", s.handleEnqueueTask)
	g.GET("/status", s.handleStatus)
	g.POST("/skip", s.handleSkip)
	g.POST("/stop", s.handleStopAll)
	g.DELETE("/queue/:id", s.handleRemoveTask)
	g.POST("/runs/:runId/skip", s.handleRemoteStop)
	g.GET("/runs/:runId/logs", s.handleRunLogs)
	g.GET("/targets", s.handleListTargets)
	g.POST("/targets", s.handleCreateTarget)
	g.PATCH("/targets/:id", s.handleUpdateTarget)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// enqueueTaskRequest 创建抓取任务的请求参数。
type enqueueTaskRequest struct {
	Mode        string                `json:"mode" binding:"required"`
	RequestedBy uint                  `json:"requested_by"`
	TargetLabel string                `json:"target_label"`
	AllTargets  bool                  `json:"all_targets"`
	Options     scheduler.TaskOptions `json:"options"`
}

type skipRequest struct {
	RunID string `json:"run_id"`
}

// handleEnqueueTask 入队抓取任务。
//
// POST /scraper/tasks
func (s *Server) handleEnqueueTask(c *gin.Context) {
	var req enqueueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := scheduler.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.AllTargets && req.TargetLabel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": scheduler.ErrNoTarget.Error()})
		return
	}
	switch req.Options.ExistenceCheckFailurePolicy {
	case "", scheduler.PolicyContinue, scheduler.PolicyStop:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid existence_check_failure_policy"})
		return
	}
	if req.RequestedBy == 0 {
		req.RequestedBy = s.systemUserID
	}

	if s.publisher != nil {
		msg := taskqueue.NewEnqueueMessage(string(mode), req.RequestedBy, req.TargetLabel, req.AllTargets, taskqueue.TaskOptions{
			PageLimit:                   req.Options.PageLimit,
			RequestIntervalMs:           req.Options.RequestIntervalMs,
			MaxItems:                    req.Options.MaxItems,
			ExistenceCheckFailurePolicy: string(req.Options.ExistenceCheckFailurePolicy),
		}, "api")
		if err := s.publisher.Submit(c.Request.Context(), msg); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
		return
	}

	taskID, err := s.orch.Enqueue(c.Request.Context(), scheduler.EnqueueRequest{
		Mode:        mode,
		RequestedBy: req.RequestedBy,
		TargetLabel: req.TargetLabel,
		AllTargets:  req.AllTargets,
		Options:     req.Options,
	})
	switch {
	case errors.Is(err, scheduler.ErrInvalidMode), errors.Is(err, scheduler.ErrNoTarget):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("enqueue task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue task failed"})
		return
	}
	if taskID == "" {
		c.JSON(http.StatusOK, gin.H{"task_id": "", "status": "no_enabled_targets"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": taskID})
}

// handleStatus 返回当前运行、等待队列与最近的运行记录。
//
// GET /scraper/status
func (s *Server) handleStatus(c *gin.Context) {
	st := s.orch.Status()
	resp := gin.H{
		"current": st.Current,
		"queue":   st.Queue,
	}

	runs, err := s.runs.RecentRuns(c.Request.Context(), recentRunsLimit)
	if err != nil {
		s.logger.Warn("load recent runs failed", slog.String("error", err.Error()))
		runs = []model.ScraperRun{}
	}
	resp["recent_runs"] = runs

	if s.publisher != nil {
		if n, err := s.publisher.QueueLength(c.Request.Context()); err == nil {
			resp["stream_length"] = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleSkip 跳过当前运行。
//
// POST /scraper/skip
func (s *Server) handleSkip(c *gin.Context) {
	var req skipRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if s.publisher != nil {
		s.publishControl(c, taskqueue.ActionSkip, req.RunID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"skipped": s.orch.SkipCurrent(req.RunID)})
}

// handleStopAll 停止当前运行并清空队列。
//
// POST /scraper/stop
func (s *Server) handleStopAll(c *gin.Context) {
	if s.publisher != nil {
		s.publishControl(c, taskqueue.ActionStopAll, "")
		return
	}
	s.orch.StopAll()
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// handleRemoveTask 从等待队列移除任务，任务不存在时不报错。
//
// DELETE /scraper/queue/:id
func (s *Server) handleRemoveTask(c *gin.Context) {
	id := c.Param("id")
	if s.publisher != nil {
		s.publishControl(c, taskqueue.ActionRemove, id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": s.orch.Remove(id)})
}

func (s *Server) publishControl(c *gin.Context, action, refID string) {
	if err := s.publisher.Submit(c.Request.Context(), taskqueue.NewControlMessage(action, refID)); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

// handleRemoteStop 设置运行记录的停止标记，执行该运行的进程在下一页边界停止。
//
// POST /scraper/runs/:runId/skip
func (s *Server) handleRemoteStop(c *gin.Context) {
	runID := c.Param("runId")
	ok, err := s.orch.RequestRemoteStop(c.Request.Context(), runID)
	if err != nil {
		s.logger.Error("remote stop failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remote stop failed"})
		return
	}
	// 未在运行的 id 视为空操作
	c.JSON(http.StatusOK, gin.H{"stop_requested": ok})
}

// handleRunLogs 返回某次运行的日志。
//
// GET /scraper/runs/:runId/logs?limit=100
func (s *Server) handleRunLogs(c *gin.Context) {
	limit := defaultLogLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxLogLimit)
	}

	logs, err := s.orch.RunLogs(c.Request.Context(), c.Param("runId"), limit)
	if err != nil {
		s.logger.Error("load run logs failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load run logs failed"})
		return
	}
	if logs == nil {
		logs = []model.ScraperLog{}
	}
	c.JSON(http.StatusOK, logs)
}
