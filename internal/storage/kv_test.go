package storage

import (
	"context"
	"testing"
	"time"
)

func TestMemoryKVExpiresLazily(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	now := time.Unix(1_700_000_000, 0)
	kv.now = func() time.Time { return now }

	if err := kv.Set(ctx, "short_term:s1", "payload", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Set(ctx, "long_term:k", "forever", 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	if v, ok, _ := kv.Get(ctx, "short_term:s1"); !ok || v != "payload" {
		t.Fatalf("expected live value, got %q %v", v, ok)
	}

	now = now.Add(time.Minute)
	if _, ok, _ := kv.Get(ctx, "short_term:s1"); ok {
		t.Fatalf("value should expire at ttl")
	}
	if kv.Len() != 1 {
		t.Fatalf("expired key should be removed on read, len=%d", kv.Len())
	}
	if _, ok, _ := kv.Get(ctx, "long_term:k"); !ok {
		t.Fatalf("zero ttl must not expire")
	}

	if err := kv.Delete(ctx, "long_term:k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "long_term:k"); ok {
		t.Fatalf("deleted key still present")
	}
}
