package scheduler

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority 任务优先级。数值越大越先调度，同级之间按提交顺序。
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent

	numPriorities = int(PriorityUrgent) + 1
)

// String 返回优先级名称
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid 判断优先级是否在已定义范围内
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// TaskState 任务状态
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// IsTerminal 判断是否为终态
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task 会话内的单个分析任务。
// 状态机：pending → running → {completed, failed}；
// 未开始的任务可经 pending → cancelled 直接终止。
type Task struct {
	ID       string    `json:"id"`
	ItemKey  string    `json:"item_key"`
	Index    int       `json:"index"` // 提交顺序位
	Priority Priority  `json:"priority"`
	State    TaskState `json:"state"`
	CacheHit bool      `json:"cache_hit"`
	Error    error     `json:"error,omitempty"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Item 带独立优先级的提交项
type Item struct {
	Key      string   `json:"key"`
	Priority Priority `json:"priority"`
}

// TaskResult 单个任务的最终结果。会话结果按 Index（提交顺序）排列。
type TaskResult struct {
	ItemKey  string          `json:"item_key"`
	Index    int             `json:"index"`
	State    TaskState       `json:"state"`
	Value    json.RawMessage `json:"value,omitempty"`
	CacheHit bool            `json:"cache_hit"`
	Error    error           `json:"error,omitempty"`
	// Discarded 任务在会话取消时仍在运行，结果不计入有效集
	Discarded bool          `json:"discarded,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// TaskOutcome 进度回调携带的最近完成任务概要
type TaskOutcome struct {
	ItemKey  string    `json:"item_key"`
	State    TaskState `json:"state"`
	CacheHit bool      `json:"cache_hit"`
	Error    error     `json:"error,omitempty"`
}
