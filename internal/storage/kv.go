// Package storage defines the durable key/value contract used for memory
// mirroring and completion caching, plus an in-process implementation.
package storage

import (
	"context"
	"sync"
	"time"
)

// KV 是可选的持久化键值存储。缺省时调用方退化为纯内存模式。
type KV interface {
	// Get 返回键对应的值；键不存在或已过期时 found 为 false。
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set 写入键值，ttl <= 0 表示永不过期。
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryKV 以内存 map 实现 KV，过期键在读取时惰性清除。
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// NewMemoryKV 创建内存 KV。
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]entry), now: time.Now}
}

// Get 实现 KV。
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		m.mu.Lock()
		if current, still := m.items[key]; still && current == item {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return item.value, true, nil
}

// Set 实现 KV。
func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	item := entry{value: value}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

// Delete 实现 KV。
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Len 返回当前保存的键数量，包括尚未清除的过期键。
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

var _ KV = (*MemoryKV)(nil)
