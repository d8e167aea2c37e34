package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"boothsync/internal/catalog"
	"boothsync/internal/config"
	"boothsync/internal/model"
	"boothsync/internal/pkg/metrics"
	"boothsync/internal/pkg/taskqueue"
	"boothsync/internal/scheduler"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type mockOrchestrator struct {
	enqueueFunc    func(ctx context.Context, req scheduler.EnqueueRequest) (string, error)
	remoteStopFunc func(ctx context.Context, runID string) (bool, error)
	status         scheduler.Status
	skipResult     bool
	removeResult   bool

	enqueueCalls int
	skipCalls    int
	stopCalls    int
	removeCalls  int
	lastRequest  scheduler.EnqueueRequest
	lastRunID    string
}

func (m *mockOrchestrator) Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (string, error) {
	m.enqueueCalls++
	m.lastRequest = req
	if m.enqueueFunc == nil {
		return "task-1", nil
	}
	return m.enqueueFunc(ctx, req)
}

func (m *mockOrchestrator) SkipCurrent(runID string) bool {
	m.skipCalls++
	m.lastRunID = runID
	return m.skipResult
}

func (m *mockOrchestrator) StopAll() { m.stopCalls++ }

func (m *mockOrchestrator) Remove(taskID string) bool {
	m.removeCalls++
	return m.removeResult
}

func (m *mockOrchestrator) Status() scheduler.Status { return m.status }

func (m *mockOrchestrator) RequestRemoteStop(ctx context.Context, runID string) (bool, error) {
	if m.remoteStopFunc == nil {
		return true, nil
	}
	return m.remoteStopFunc(ctx, runID)
}

func (m *mockOrchestrator) RunLogs(ctx context.Context, runID string, limit int) ([]model.ScraperLog, error) {
	logs := []model.ScraperLog{}
	for i := 0; i < limit && i < 3; i++ {
		logs = append(logs, model.ScraperLog{RunID: runID, Message: "line"})
	}
	return logs, nil
}

type mockPublisher struct {
	submitErr error
	messages  []*taskqueue.TaskMessage
}

func (m *mockPublisher) Submit(ctx context.Context, msg *taskqueue.TaskMessage) error {
	if m.submitErr != nil {
		return m.submitErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockPublisher) QueueLength(ctx context.Context) (int64, error) {
	return int64(len(m.messages)), nil
}

type mockRunStore struct{}

func (mockRunStore) RecentRuns(ctx context.Context, limit int) ([]model.ScraperRun, error) {
	return []model.ScraperRun{{RunID: "r-1", Status: model.RunStatusCompleted}}, nil
}

func newTestServer(orch Orchestrator, pub TaskPublisher) *Server {
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics()
	s := &Server{
		cfg:          &config.Config{},
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		router:       gin.New(),
		orch:         orch,
		runs:         mockRunStore{},
		systemUserID: 42,
	}
	if pub != nil {
		s.publisher = pub
	}
	s.registerRoutes()
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ============================================================================
// 入队
// ============================================================================

func TestEnqueueTask_Local(t *testing.T) {
	orch := &mockOrchestrator{}
	s := newTestServer(orch, nil)

	w := doJSON(t, s, http.MethodPost, "/scraper/tasks", gin.H{
		"mode":         "BACKFILL",
		"target_label": "VRChat",
		"options":      gin.H{"page_limit": 3, "existence_check_failure_policy": "stop"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if orch.enqueueCalls != 1 {
		t.Fatalf("expected enqueue to be called")
	}
	req := orch.lastRequest
	if req.Mode != scheduler.ModeBackfill || req.TargetLabel != "VRChat" || req.Options.PageLimit != 3 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Options.ExistenceCheckFailurePolicy != scheduler.PolicyStop {
		t.Fatalf("policy not forwarded")
	}
	if req.RequestedBy != 42 {
		t.Fatalf("expected system user as default actor, got %d", req.RequestedBy)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("task-1")) {
		t.Fatalf("expected task id in body")
	}
}

func TestEnqueueTask_Validation(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"missing_mode", gin.H{"target_label": "x"}},
		{"bad_mode", gin.H{"mode": "NEWEST", "target_label": "x"}},
		{"no_target", gin.H{"mode": "DISCOVER"}},
		{"bad_policy", gin.H{"mode": "DISCOVER", "target_label": "x", "options": gin.H{"existence_check_failure_policy": "retry"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &mockOrchestrator{}
			s := newTestServer(orch, nil)
			w := doJSON(t, s, http.MethodPost, "/scraper/tasks", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if orch.enqueueCalls != 0 {
				t.Fatalf("enqueue must not be called")
			}
		})
	}
}

func TestEnqueueTask_NoEnabledTargets(t *testing.T) {
	orch := &mockOrchestrator{enqueueFunc: func(ctx context.Context, req scheduler.EnqueueRequest) (string, error) {
		return "", nil
	}}
	s := newTestServer(orch, nil)

	w := doJSON(t, s, http.MethodPost, "/scraper/tasks", gin.H{"mode": "DISCOVER", "all_targets": true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !orch.lastRequest.AllTargets {
		t.Fatalf("all_targets not forwarded")
	}
}

func TestEnqueueTask_StoreError(t *testing.T) {
	orch := &mockOrchestrator{enqueueFunc: func(ctx context.Context, req scheduler.EnqueueRequest) (string, error) {
		return "", errors.New("db down")
	}}
	s := newTestServer(orch, nil)

	w := doJSON(t, s, http.MethodPost, "/scraper/tasks", gin.H{"mode": "DISCOVER", "all_targets": true})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestEnqueueTask_PublishesWhenQueueEnabled(t *testing.T) {
	orch := &mockOrchestrator{}
	pub := &mockPublisher{}
	s := newTestServer(orch, pub)

	w := doJSON(t, s, http.MethodPost, "/scraper/tasks", gin.H{
		"mode":         "DISCOVER",
		"requested_by": 7,
		"target_label": "衣装",
		"options":      gin.H{"max_items": 5},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if orch.enqueueCalls != 0 {
		t.Fatalf("local orchestrator must not be used")
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected 1 published message")
	}
	msg := pub.messages[0]
	if msg.Action != taskqueue.ActionEnqueue || msg.Mode != "DISCOVER" || msg.TargetLabel != "衣装" ||
		msg.RequestedBy != 7 || msg.Options.MaxItems != 5 || msg.Source != "api" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestEnqueueTask_PublishFailure(t *testing.T) {
	pub := &mockPublisher{submitErr: errors.New("redis down")}
	s := newTestServer(&mockOrchestrator{}, pub)

	w := doJSON(t, s, http.MethodPost, "/scraper/tasks", gin.H{"mode": "DISCOVER", "target_label": "x"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

// ============================================================================
// 控制
// ============================================================================

func TestControlEndpoints_Local(t *testing.T) {
	orch := &mockOrchestrator{skipResult: true}
	s := newTestServer(orch, nil)

	if w := doJSON(t, s, http.MethodPost, "/scraper/skip", gin.H{"run_id": "r-9"}); w.Code != http.StatusOK {
		t.Fatalf("skip: expected 200, got %d", w.Code)
	}
	if orch.skipCalls != 1 || orch.lastRunID != "r-9" {
		t.Fatalf("skip not forwarded: %+v", orch)
	}
	if w := doJSON(t, s, http.MethodPost, "/scraper/skip", nil); w.Code != http.StatusOK {
		t.Fatalf("skip without body: expected 200, got %d", w.Code)
	}
	if orch.lastRunID != "" {
		t.Fatalf("empty body must skip the current run")
	}

	if w := doJSON(t, s, http.MethodPost, "/scraper/stop", nil); w.Code != http.StatusOK || orch.stopCalls != 1 {
		t.Fatalf("stop: code %d calls %d", w.Code, orch.stopCalls)
	}

	w := doJSON(t, s, http.MethodDelete, "/scraper/queue/missing", nil)
	if w.Code != http.StatusOK || orch.removeCalls != 1 {
		t.Fatalf("remove of missing task must be a 200 no-op, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"removed":false`)) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestControlEndpoints_Published(t *testing.T) {
	orch := &mockOrchestrator{}
	pub := &mockPublisher{}
	s := newTestServer(orch, pub)

	doJSON(t, s, http.MethodPost, "/scraper/skip", gin.H{"run_id": "r-1"})
	doJSON(t, s, http.MethodPost, "/scraper/stop", nil)
	doJSON(t, s, http.MethodDelete, "/scraper/queue/t-1", nil)

	if orch.skipCalls+orch.stopCalls+orch.removeCalls != 0 {
		t.Fatalf("local orchestrator must not be used")
	}
	want := []struct{ action, ref string }{
		{taskqueue.ActionSkip, "r-1"},
		{taskqueue.ActionStopAll, ""},
		{taskqueue.ActionRemove, "t-1"},
	}
	if len(pub.messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(pub.messages))
	}
	for i, w := range want {
		if pub.messages[i].Action != w.action || pub.messages[i].RefID != w.ref {
			t.Fatalf("message %d: got %+v", i, pub.messages[i])
		}
	}
}

func TestRemoteStop(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(ctx context.Context, runID string) (bool, error)
		wantCode int
		wantBody string
	}{
		{"active", func(ctx context.Context, runID string) (bool, error) { return true, nil }, http.StatusOK, `"stop_requested":true`},
		{"not_active_is_noop", func(ctx context.Context, runID string) (bool, error) { return false, nil }, http.StatusOK, `"stop_requested":false`},
		{"store_error", func(ctx context.Context, runID string) (bool, error) { return false, errors.New("db") }, http.StatusInternalServerError, `"error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&mockOrchestrator{remoteStopFunc: tt.fn}, nil)
			w := doJSON(t, s, http.MethodPost, "/scraper/runs/r-1/skip", nil)
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Fatalf("expected body containing %s, got %s", tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestStatusAndLogs(t *testing.T) {
	orch := &mockOrchestrator{status: scheduler.Status{
		Current: &scheduler.RunStatus{RunID: "r-2", Status: model.RunStatusRunning},
		Queue:   []scheduler.Task{{ID: "t-1", Mode: scheduler.ModeDiscover}},
	}}
	s := newTestServer(orch, nil)

	w := doJSON(t, s, http.MethodGet, "/scraper/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	var body struct {
		Current    *scheduler.RunStatus `json:"current"`
		Queue      []scheduler.Task     `json:"queue"`
		RecentRuns []json.RawMessage    `json:"recent_runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Current == nil || body.Current.RunID != "r-2" || len(body.Queue) != 1 || len(body.RecentRuns) != 1 {
		t.Fatalf("unexpected status %s", w.Body.String())
	}

	if w := doJSON(t, s, http.MethodGet, "/scraper/runs/r-2/logs?limit=abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/scraper/runs/r-2/logs?limit=2", nil)
	var logs []model.ScraperLog
	if err := json.Unmarshal(w.Body.Bytes(), &logs); err != nil || len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %s", w.Body.String())
	}
}

// ============================================================================
// 抓取目标（SQLite）
// ============================================================================

func newDBServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	db, err := catalog.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = catalog.Close(db) })

	s := newTestServer(&mockOrchestrator{}, nil)
	s.db = db
	s.targets = dbTargetStore{db: db}
	s.runs = dbRunStore{db: db}
	return s, db
}

func TestTargets_CRUD(t *testing.T) {
	s, db := newDBServer(t)

	if w := doJSON(t, s, http.MethodPost, "/scraper/targets", gin.H{"label": " VRChat ", "category": "3D"}); w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, s, http.MethodPost, "/scraper/targets", gin.H{"label": "衣装", "enabled": false}); w.Code != http.StatusCreated {
		t.Fatalf("create disabled: expected 201, got %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodPost, "/scraper/targets", gin.H{"label": "VRChat"}); w.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", w.Code)
	}

	var stored []model.TargetLabel
	db.Order("id").Find(&stored)
	if len(stored) != 2 || stored[0].Label != "VRChat" || !stored[0].Enabled || stored[1].Enabled {
		t.Fatalf("unexpected targets %+v", stored)
	}

	w := doJSON(t, s, http.MethodPatch, "/scraper/targets/2", gin.H{"enabled": true})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d", w.Code)
	}
	var second model.TargetLabel
	db.First(&second, 2)
	if !second.Enabled {
		t.Fatalf("target not enabled")
	}

	if w := doJSON(t, s, http.MethodPatch, "/scraper/targets/99", gin.H{"enabled": false}); w.Code != http.StatusNotFound {
		t.Fatalf("missing target: expected 404, got %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodPatch, "/scraper/targets/1", gin.H{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing enabled: expected 400, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/scraper/targets", nil)
	var listed []model.TargetLabel
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil || len(listed) != 2 {
		t.Fatalf("list: %s", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newDBServer(t)
	if w := doJSON(t, s, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	mr := miniredis.RunT(t)
	s.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer s.rdb.Close()
	if w := doJSON(t, s, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with redis, got %d", w.Code)
	}
	mr.Close()
	if w := doJSON(t, s, http.MethodGet, "/healthz", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when redis is down, got %d", w.Code)
	}

	s.db = nil
	if w := doJSON(t, s, http.MethodGet, "/healthz", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without db, got %d", w.Code)
	}
}

// ============================================================================
// Redis Streams 端到端
// ============================================================================

func TestEnqueueTask_StreamRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	const stream = "boothsync:test:queue"
	consumer, err := taskqueue.NewConsumer(ctx, rdb, logger, stream, "g", "c1", taskqueue.WithBlockTime(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	s := newTestServer(&mockOrchestrator{}, taskqueue.NewProducer(rdb, logger, stream))
	if w := doJSON(t, s, http.MethodPost, "/scraper/tasks", gin.H{"mode": "BACKFILL", "all_targets": true}); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	got := make(chan *taskqueue.TaskMessage, 1)
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	go func() {
		_ = consumer.Run(runCtx, func(ctx context.Context, msg *taskqueue.TaskMessage) error {
			got <- msg
			cancel()
			return nil
		})
	}()

	select {
	case msg := <-got:
		if msg.Mode != "BACKFILL" || !msg.AllTargets || msg.RequestedBy != 42 {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-runCtx.Done():
		t.Fatalf("message not consumed")
	}
}
