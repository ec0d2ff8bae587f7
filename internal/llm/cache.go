package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"Mofy-Agent/internal/storage"
	"Mofy-Agent/pkg/logger"
)

// CachedClient 以 llm_cache:<provider>:<model>:<md5(prompt)> 为键缓存补全结果。
// 缓存读写失败只记录日志，不影响调用。
type CachedClient struct {
	next     Client
	store    storage.KV
	provider string
	model    string
	ttl      time.Duration
}

// NewCachedClient 包装 next。store 为空时直接透传。
func NewCachedClient(next Client, store storage.KV, provider, model string, ttl time.Duration) *CachedClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedClient{next: next, store: store, provider: provider, model: model, ttl: ttl}
}

// CacheKey 返回 prompt 对应的缓存键。
func (c *CachedClient) CacheKey(req Request) string {
	sum := md5.Sum([]byte(req.System + "\x00" + req.Prompt))
	return fmt.Sprintf("llm_cache:%s:%s:%s", c.provider, c.model, hex.EncodeToString(sum[:]))
}

// Generate 实现 Client。
func (c *CachedClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if c.store == nil || req.NoCache {
		return c.next.Generate(ctx, req)
	}
	key := c.CacheKey(req)
	log := logger.Named("llm")

	if content, ok, err := c.store.Get(ctx, key); err != nil {
		log.Warn("读取LLM缓存失败", slog.String("key", key), slog.Any("error", err))
	} else if ok {
		log.Debug("LLM缓存命中", slog.String("key", key[:min(len(key), 32)]))
		return &Response{Content: content, Model: c.model, Cached: true}, nil
	}

	resp, err := c.next.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, resp.Content, c.ttl); err != nil {
		log.Warn("写入LLM缓存失败", slog.String("key", key), slog.Any("error", err))
	}
	return resp, nil
}
