package agent

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/llm"
	"Mofy-Agent/internal/memory"
	"Mofy-Agent/internal/tools"
	"Mofy-Agent/pkg/logger"
)

// Sessions 按会话 ID 管理 Agent。工具注册表与记忆管理器在会话间共享，
// 每个会话拥有独立的调度器。
type Sessions struct {
	mu     sync.Mutex
	agents map[string]*Agent

	llmClient llm.Client
	registry  *tools.Registry
	memory    *memory.Manager
	opts      []Option
}

// NewSessions 创建会话管理器，opts 会应用到每个新建的 Agent。
func NewSessions(llmClient llm.Client, registry *tools.Registry, mem *memory.Manager, opts ...Option) *Sessions {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if mem == nil {
		mem = memory.New()
	}
	return &Sessions{
		agents:    make(map[string]*Agent),
		llmClient: llmClient,
		registry:  registry,
		memory:    mem,
		opts:      opts,
	}
}

// Registry 返回共享的工具注册表。
func (s *Sessions) Registry() *tools.Registry {
	return s.registry
}

// Memory 返回共享的记忆管理器。
func (s *Sessions) Memory() *memory.Manager {
	return s.memory
}

// GetOrCreate 返回会话对应的 Agent，id 为空时生成新的会话 ID。
func (s *Sessions) GetOrCreate(id string) *Agent {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ag, ok := s.agents[id]; ok {
		return ag
	}
	opts := append(append([]Option(nil), s.opts...), WithSessionID(id))
	ag := New(s.llmClient, s.registry, s.memory, opts...)
	s.agents[id] = ag
	return ag
}

// Get 返回已存在的会话。
func (s *Sessions) Get(id string) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ag, ok := s.agents[id]
	return ag, ok
}

// Process 在指定会话中处理消息，返回实际使用的会话 ID 与回复。
func (s *Sessions) Process(ctx context.Context, sessionID, message string) (string, string) {
	id, reply, _ := s.Handle(ctx, sessionID, message)
	return id, reply
}

// Handle 与 Process 相同，额外返回错误回复的原因。
func (s *Sessions) Handle(ctx context.Context, sessionID, message string) (string, string, error) {
	ag := s.GetOrCreate(sessionID)
	reply, err := ag.Handle(ctx, message)
	return ag.SessionID(), reply, err
}

// Close 结束会话并清除其短期记忆。
func (s *Sessions) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.agents[id]
	delete(s.agents, id)
	s.mu.Unlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "会话不存在", xerrors.WithMetadata("session_id", id))
	}
	return s.memory.ClearSession(ctx, id)
}

// List 返回全部会话 ID，按字典序排列。
func (s *Sessions) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CleanupExpired 移除空闲超过 maxAge 的会话并清除其短期记忆，返回移除的数量。
// 正在处理消息的会话不会被移除。maxAge 不大于 0 时不做任何事。
func (s *Sessions) CleanupExpired(ctx context.Context, maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	var evicted []string
	s.mu.Lock()
	for id, ag := range s.agents {
		if !ag.Expired(maxAge) || !ag.procMu.TryLock() {
			continue
		}
		delete(s.agents, id)
		ag.procMu.Unlock()
		evicted = append(evicted, id)
	}
	s.mu.Unlock()

	log := logger.Named("sessions")
	for _, id := range evicted {
		if err := s.memory.ClearSession(ctx, id); err != nil {
			log.Warn("清除过期会话记忆失败", slog.String("session_id", id), slog.Any("error", err))
		}
	}
	if len(evicted) > 0 {
		log.Info("已回收过期会话", slog.Int("count", len(evicted)), slog.Duration("max_age", maxAge))
	}
	return len(evicted)
}

// RunCleanup 每隔 interval 回收一次过期会话，直到 ctx 结束。
func (s *Sessions) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupExpired(ctx, maxAge)
		}
	}
}
