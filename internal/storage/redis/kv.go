package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/storage"
)

// KV 使用 Redis 字符串类型保存键值。
type KV struct {
	client goredis.UniversalClient
	prefix string
}

// Option 定义可选配置。
type Option func(*KV)

// WithPrefix 为所有键添加命名空间前缀。
func WithPrefix(prefix string) Option {
	return func(k *KV) {
		k.prefix = prefix
	}
}

// Dial 解析 redis:// URL 并确认连接可用。
func Dial(ctx context.Context, url string, opts ...Option) (*KV, error) {
	if strings.TrimSpace(url) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis URL 不能为空")
	}
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 Redis URL 失败")
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return New(client, opts...), nil
}

// New 基于已有客户端构造 KV。
func New(client goredis.UniversalClient, opts ...Option) *KV {
	kv := &KV{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(kv)
		}
	}
	return kv
}

// Client 返回底层客户端，队列实现会复用同一连接。
func (k *KV) Client() goredis.UniversalClient {
	return k.client
}

func (k *KV) key(key string) string {
	return k.prefix + key
}

// Get 实现 storage.KV。
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := k.client.Get(ctx, k.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取 %s 失败", key))
	}
	return value, true, nil
}

// Set 实现 storage.KV，ttl <= 0 时不设置过期时间。
func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := k.client.Set(ctx, k.key(key), value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 %s 失败", key))
	}
	return nil
}

// Delete 实现 storage.KV。
func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.client.Del(ctx, k.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("删除 %s 失败", key))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (k *KV) Close() error {
	if k == nil || k.client == nil {
		return nil
	}
	return k.client.Close()
}

var _ storage.KV = (*KV)(nil)
