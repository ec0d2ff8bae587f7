package scheduler

import (
	"maps"
	"time"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// 优先级范围，1 最高。
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Task 描述一次被调度的工具调用。
type Task struct {
	ID          int64          `json:"id"`
	SessionID   string         `json:"session_id,omitempty"`
	Type        string         `json:"type"`
	Tool        string         `json:"tool,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Priority    int            `json:"priority"`
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      string         `json:"result,omitempty"`
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Parameters = maps.Clone(t.Parameters)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}

// Stats 聚合调度器内的任务状态计数。
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
