package taskqueue

import "time"

// 消息类型。
const (
	ActionEnqueue = "enqueue"  // 入队抓取任务
	ActionSkip    = "skip"     // 跳过当前运行
	ActionStopAll = "stop_all" // 停止当前运行并清空队列
	ActionRemove  = "remove"   // 从队列中移除一个任务
)

// TaskOptions 抓取任务参数，字段与编排器的选项一一对应。
type TaskOptions struct {
	PageLimit                   int    `json:"page_limit,omitempty"`
	RequestIntervalMs           int    `json:"request_interval_ms,omitempty"`
	MaxItems                    int    `json:"max_items,omitempty"`
	ExistenceCheckFailurePolicy string `json:"existence_check_failure_policy,omitempty"`
}

// TaskMessage 表示任务队列中的消息结构。
//
// API 进程把控制请求写入 Redis Streams，由 Worker 进程中的编排器执行。
type TaskMessage struct {
	Action      string      `json:"action"`                 // 消息类型
	Mode        string      `json:"mode,omitempty"`         // DISCOVER / BACKFILL
	RequestedBy uint        `json:"requested_by,omitempty"` // 发起人
	TargetLabel string      `json:"target_label,omitempty"` // 单个目标
	AllTargets  bool        `json:"all_targets,omitempty"`  // 展开为全部启用目标
	Options     TaskOptions `json:"options"`                // 任务参数
	RefID       string      `json:"ref_id,omitempty"`       // skip 的 runID 或 remove 的 taskID
	Timestamp   time.Time   `json:"timestamp"`              // 消息创建时间
	Retry       int         `json:"retry"`                  // 重试次数
	Source      string      `json:"source"`                 // 消息来源: "api" / "cron"
}

// NewEnqueueMessage 创建一个入队消息。
func NewEnqueueMessage(mode string, requestedBy uint, target string, allTargets bool, opts TaskOptions, source string) *TaskMessage {
	return &TaskMessage{
		Action:      ActionEnqueue,
		Mode:        mode,
		RequestedBy: requestedBy,
		TargetLabel: target,
		AllTargets:  allTargets,
		Options:     opts,
		Timestamp:   time.Now(),
		Source:      source,
	}
}

// NewControlMessage 创建 skip / stop_all / remove 控制消息。
func NewControlMessage(action string, refID string) *TaskMessage {
	return &TaskMessage{
		Action:    action,
		RefID:     refID,
		Timestamp: time.Now(),
		Source:    "api",
	}
}
