package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/storage"
	"Mofy-Agent/pkg/logger"
)

const (
	shortTermPrefix = "short_term:"
	longTermPrefix  = "long_term:"

	// DefaultTTL 是短期记忆的默认存活时间。
	DefaultTTL = time.Hour
	// DefaultRecentLimit 是上下文中保留的最近对话条数。
	DefaultRecentLimit = 5
	// DefaultLongTermMatches 是上下文中保留的长期记忆条数。
	DefaultLongTermMatches = 3
	// DefaultMaxContextLength 是上下文的最大字符数。
	DefaultMaxContextLength = 2000

	mirrorLimit = 50
)

// ShortTermRecord 是一条会话内的对话记录。
type ShortTermRecord struct {
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// LongTermRecord 是按 key 保存的结构化知识，不会自动过期。
type LongTermRecord struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager 管理短期与长期记忆，可选地镜像到持久化 KV。
// 多个会话共享同一个 Manager，所有方法并发安全。
type Manager struct {
	mu        sync.RWMutex
	shortTerm []ShortTermRecord
	longTerm  map[string]LongTermRecord

	store            storage.KV
	ttl              time.Duration
	recentLimit      int
	longTermMatches  int
	maxContextLength int
	longTermEnabled  bool
	now              func() time.Time
	logger           *slog.Logger
}

// Option 定义可选配置。
type Option func(*Manager)

// WithStore 配置持久化镜像，nil 表示纯内存模式。
func WithStore(store storage.KV) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithTTL 设置短期记忆存活时间。
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRecentLimit 设置上下文中的最近对话条数。
func WithRecentLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.recentLimit = n
		}
	}
}

// WithLongTermMatches 设置上下文中的长期记忆条数。
func WithLongTermMatches(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.longTermMatches = n
		}
	}
}

// WithMaxContextLength 设置上下文字符上限。
func WithMaxContextLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxContextLength = n
		}
	}
}

// WithLongTerm 开关长期记忆。
func WithLongTerm(enabled bool) Option {
	return func(m *Manager) {
		m.longTermEnabled = enabled
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New 创建记忆管理器。
func New(opts ...Option) *Manager {
	m := &Manager{
		longTerm:         make(map[string]LongTermRecord),
		ttl:              DefaultTTL,
		recentLimit:      DefaultRecentLimit,
		longTermMatches:  DefaultLongTermMatches,
		maxContextLength: DefaultMaxContextLength,
		longTermEnabled:  true,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("memory")
	}
	return m
}

// AddExperience 追加一条短期记录，并清理超过 TTL 的记录。
// 镜像写入失败只记录告警。
func (m *Manager) AddExperience(ctx context.Context, sessionID, content string) error {
	if strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	now := m.now()
	record := ShortTermRecord{SessionID: sessionID, Content: content, Timestamp: now}

	m.mu.Lock()
	m.shortTerm = append(m.shortTerm, record)
	m.pruneLocked(now)
	var mirror []ShortTermRecord
	if m.store != nil {
		mirror = m.sessionLocked(sessionID, mirrorLimit)
	}
	m.mu.Unlock()

	if mirror != nil {
		m.writeJSON(ctx, shortTermPrefix+sessionID, mirror, m.ttl)
	}
	return nil
}

// pruneLocked 删除时间已达 TTL 的记录。
func (m *Manager) pruneLocked(now time.Time) {
	kept := m.shortTerm[:0]
	for _, r := range m.shortTerm {
		if now.Sub(r.Timestamp) < m.ttl {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(m.shortTerm); i++ {
		m.shortTerm[i] = ShortTermRecord{}
	}
	m.shortTerm = kept
}

// sessionLocked 返回会话最近的 limit 条记录，最新的在前。
func (m *Manager) sessionLocked(sessionID string, limit int) []ShortTermRecord {
	var out []ShortTermRecord
	for i := len(m.shortTerm) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.shortTerm[i].SessionID == sessionID {
			out = append(out, m.shortTerm[i])
		}
	}
	return out
}

// GetShortTerm 返回会话最近的记录，最新的在前。内存中没有时回退到持久化镜像。
func (m *Manager) GetShortTerm(ctx context.Context, sessionID string, limit int) []ShortTermRecord {
	now := m.now()
	m.mu.RLock()
	var out []ShortTermRecord
	for _, r := range m.sessionLocked(sessionID, 0) {
		if now.Sub(r.Timestamp) < m.ttl {
			out = append(out, r)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	m.mu.RUnlock()
	if len(out) > 0 || m.store == nil {
		return out
	}

	var mirrored []ShortTermRecord
	if !m.readJSON(ctx, shortTermPrefix+sessionID, &mirrored) {
		return nil
	}
	if limit > 0 && len(mirrored) > limit {
		mirrored = mirrored[:limit]
	}
	return mirrored
}

// AddStructured 按 key 写入或覆盖长期记忆。长期记忆关闭时不做任何事。
func (m *Manager) AddStructured(ctx context.Context, sessionID, key, content string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "长期记忆的 key 不能为空")
	}
	if !m.longTermEnabled {
		return nil
	}
	record := LongTermRecord{Key: key, Content: content, SessionID: sessionID, UpdatedAt: m.now()}

	m.mu.Lock()
	m.longTerm[key] = record
	m.mu.Unlock()

	if m.store != nil {
		m.writeJSON(ctx, longTermPrefix+key, record, 0)
	}
	return nil
}

// GetLongTerm 返回指定 key 的长期记忆，内存中没有时回退到持久化镜像。
func (m *Manager) GetLongTerm(ctx context.Context, key string) (LongTermRecord, bool) {
	m.mu.RLock()
	record, ok := m.longTerm[key]
	m.mu.RUnlock()
	if ok || m.store == nil {
		return record, ok
	}
	if !m.readJSON(ctx, longTermPrefix+key, &record) {
		return LongTermRecord{}, false
	}
	m.mu.Lock()
	if _, exists := m.longTerm[key]; !exists {
		m.longTerm[key] = record
	}
	m.mu.Unlock()
	return record, true
}

// SearchLongTerm 返回内容包含任一查询词（按空白切分、长度大于 2）的长期记忆，
// 按更新时间倒序。
func (m *Manager) SearchLongTerm(query string) []LongTermRecord {
	var tokens []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len([]rune(w)) > 2 {
			tokens = append(tokens, w)
		}
	}
	if len(tokens) == 0 {
		return nil
	}

	m.mu.RLock()
	var out []LongTermRecord
	for _, r := range m.longTerm {
		content := strings.ToLower(r.Content)
		for _, tok := range tokens {
			if strings.Contains(content, tok) {
				out = append(out, r)
				break
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// GetRelevantMemory 拼接最近对话与相关长期记忆，并截断到字符上限。
func (m *Manager) GetRelevantMemory(ctx context.Context, sessionID, query string) string {
	var parts []string
	if recent := m.GetShortTerm(ctx, sessionID, m.recentLimit); len(recent) > 0 {
		lines := make([]string, len(recent))
		for i, r := range recent {
			lines[i] = "- " + r.Content
		}
		parts = append(parts, "最近对话:\n"+strings.Join(lines, "\n"))
	}
	if m.longTermEnabled {
		matches := m.SearchLongTerm(query)
		if len(matches) > m.longTermMatches {
			matches = matches[:m.longTermMatches]
		}
		if len(matches) > 0 {
			lines := make([]string, len(matches))
			for i, r := range matches {
				lines[i] = "- " + r.Key + ": " + r.Content
			}
			parts = append(parts, "相关记忆:\n"+strings.Join(lines, "\n"))
		}
	}
	return truncateRunes(strings.Join(parts, "\n\n"), m.maxContextLength)
}

// ClearSession 删除会话的短期记忆及其镜像，长期记忆保留。
func (m *Manager) ClearSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	kept := m.shortTerm[:0]
	for _, r := range m.shortTerm {
		if r.SessionID != sessionID {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(m.shortTerm); i++ {
		m.shortTerm[i] = ShortTermRecord{}
	}
	m.shortTerm = kept
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, shortTermPrefix+sessionID); err != nil {
		return xerrors.Wrap(xerrors.CodeMemoryFailure, err, "清理会话镜像失败",
			xerrors.WithMetadata("session_id", sessionID))
	}
	return nil
}

// Len 返回当前短期与长期记录数量。
func (m *Manager) Len() (shortTerm, longTerm int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shortTerm), len(m.longTerm)
}

func (m *Manager) writeJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("序列化记忆失败", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := m.store.Set(ctx, key, string(payload), ttl); err != nil {
		m.logger.Warn("写入记忆镜像失败，退化为内存模式", slog.String("key", key), slog.Any("error", err))
	}
}

func (m *Manager) readJSON(ctx context.Context, key string, v any) bool {
	raw, found, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("读取记忆镜像失败", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		m.logger.Warn("记忆镜像格式错误", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
