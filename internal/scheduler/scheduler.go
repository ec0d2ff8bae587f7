package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/pkg/logger"
)

// CodeInvalidPriority 表示优先级超出 1..10。
const CodeInvalidPriority xerrors.Code = "SCHEDULER_INVALID_PRIORITY"

func init() {
	xerrors.Register(CodeInvalidPriority, xerrors.Attributes{
		Message:  "priority out of range",
		Severity: xerrors.SeverityInfo,
	})
}

// Archive 接收每个进入终态的任务快照。
type Archive interface {
	Archive(ctx context.Context, task *Task) error
}

// ArchiveFunc 让普通函数满足 Archive。
type ArchiveFunc func(ctx context.Context, task *Task) error

// Archive 实现 Archive。
func (f ArchiveFunc) Archive(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// Scheduler 按优先级维护任务队列。同优先级保持插入顺序。
// 所有方法并发安全，返回值均为副本。
type Scheduler struct {
	mu        sync.Mutex
	nextID    int64
	queue     []*Task
	index     map[int64]*Task
	completed []*Task

	sessionID      string
	maxRetries     int
	completedLimit int
	archive        Archive
	now            func() time.Time
	logger         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithMaxRetries 设置单个任务允许的最大重试次数，默认 3。
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithArchive 配置终态任务的归档。
func WithArchive(a Archive) Option {
	return func(s *Scheduler) {
		s.archive = a
	}
}

// WithSessionID 为新任务打上会话标签。
func WithSessionID(id string) Option {
	return func(s *Scheduler) {
		s.sessionID = id
	}
}

// WithCompletedLimit 限制完成日志保留的条数，0 表示不限制。
func WithCompletedLimit(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.completedLimit = n
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 创建调度器。
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		index:          make(map[int64]*Task),
		maxRetries:     3,
		completedLimit: 256,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("scheduler")
	}
	return s
}

// TaskOption 为单个任务提供附加属性。
type TaskOption func(*Task)

// WithTool 记录任务要调用的工具名。
func WithTool(name string) TaskOption {
	return func(t *Task) {
		t.Tool = name
	}
}

// MaxRetries 返回配置的最大重试次数。
func (s *Scheduler) MaxRetries() int {
	return s.maxRetries
}

// AddTask 追加任务并按优先级稳定排序整个队列。
func (s *Scheduler) AddTask(taskType string, parameters map[string]any, priority int, opts ...TaskOption) (*Task, error) {
	if priority < MinPriority || priority > MaxPriority {
		return nil, xerrors.New(CodeInvalidPriority,
			fmt.Sprintf("优先级必须在%d-%d之间: %d", MinPriority, MaxPriority, priority),
			xerrors.WithMetadata("priority", fmt.Sprint(priority)))
	}

	s.mu.Lock()
	s.nextID++
	task := &Task{
		ID:         s.nextID,
		SessionID:  s.sessionID,
		Type:       taskType,
		Parameters: maps.Clone(parameters),
		Priority:   priority,
		Status:     StatusPending,
		CreatedAt:  s.now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(task)
		}
	}
	s.queue = append(s.queue, task)
	s.index[task.ID] = task
	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].Priority < s.queue[j].Priority
	})
	clone := task.Clone()
	s.mu.Unlock()

	s.logger.Info("任务已添加",
		slog.Int64("task_id", clone.ID),
		slog.String("type", clone.Type),
		slog.Int("priority", clone.Priority))
	return clone, nil
}

// GetNextTask 返回队列中第一个 pending 任务并将其置为 executing。
func (s *Scheduler) GetNextTask() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.queue {
		if task.Status == StatusPending {
			task.Status = StatusExecuting
			return task.Clone(), true
		}
	}
	return nil, false
}

// CompleteTask 将 executing 任务置为 completed 或 failed，并写入完成日志。
// id 不存在或任务不处于 executing 时返回 false。
func (s *Scheduler) CompleteTask(ctx context.Context, id int64, result string, success bool) bool {
	s.mu.Lock()
	task, ok := s.index[id]
	if !ok || task.Status != StatusExecuting {
		s.mu.Unlock()
		return false
	}
	task.Status = StatusCompleted
	if !success {
		task.Status = StatusFailed
	}
	at := s.now()
	task.CompletedAt = &at
	task.Result = result
	snapshot := task.Clone()
	s.completed = append(s.completed, snapshot)
	if s.completedLimit > 0 && len(s.completed) > s.completedLimit {
		s.completed = append([]*Task(nil), s.completed[len(s.completed)-s.completedLimit:]...)
	}
	archive := s.archive
	s.mu.Unlock()

	logger.Audit().Info("任务完成",
		slog.Int64("task_id", id),
		slog.String("session_id", snapshot.SessionID),
		slog.String("tool", snapshot.Tool),
		slog.Bool("success", success),
		slog.Int("retry_count", snapshot.RetryCount))

	if archive != nil {
		if err := archive.Archive(ctx, snapshot.Clone()); err != nil {
			s.logger.Warn("归档任务失败", slog.Int64("task_id", id), slog.Any("error", err))
		}
	}
	return true
}

// RetryTask 将 failed 任务重置为 pending 并增加重试计数。
// 任务不处于 failed 或重试次数已达上限时返回 false。
func (s *Scheduler) RetryTask(id int64) bool {
	s.mu.Lock()
	task, ok := s.index[id]
	if !ok || task.Status != StatusFailed || task.RetryCount >= s.maxRetries {
		s.mu.Unlock()
		return false
	}
	task.Status = StatusPending
	task.RetryCount++
	task.CompletedAt = nil
	count := task.RetryCount
	s.mu.Unlock()

	s.logger.Info("任务重试", slog.Int64("task_id", id), slog.Int("retry_count", count))
	return true
}

// Get 返回指定任务。
func (s *Scheduler) Get(id int64) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks 按队列顺序返回全部任务。
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, len(s.queue))
	for i, task := range s.queue {
		out[i] = task.Clone()
	}
	return out
}

// Completed 返回完成日志，按完成先后排列。
func (s *Scheduler) Completed() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, len(s.completed))
	for i, task := range s.completed {
		out[i] = task.Clone()
	}
	return out
}

// PruneFinished 从队列中移除 completed 与 failed 任务，完成日志保持不变。
// 返回移除的数量。
func (s *Scheduler) PruneFinished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	removed := 0
	for _, task := range s.queue {
		if task.Status == StatusCompleted || task.Status == StatusFailed {
			delete(s.index, task.ID)
			removed++
			continue
		}
		kept = append(kept, task)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	return removed
}

// Stats 统计队列中各状态的任务数。
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Total: len(s.queue)}
	for _, task := range s.queue {
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusExecuting:
			stats.Executing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}
