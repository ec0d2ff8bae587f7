package llm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"Mofy-Agent/internal/storage"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, true},
		{"surrounded", "分析如下：{\"type\":\"参数错误\"} 以上", `{"type":"参数错误"}`, true},
		{"nested", `x {"a":{"b":2}} {"c":3}`, `{"a":{"b":2}}`, true},
		{"brace in string", `{"reason":"缺少 } 号"}`, `{"reason":"缺少 } 号"}`, true},
		{"escaped quote", `{"r":"say \"}\""} tail`, `{"r":"say \"}\""}`, true},
		{"unterminated", `pre {"a":1`, `{"a":1`, true},
		{"none", "no json here", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractJSON(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ExtractJSON(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestDecodeObjectRepairsMalformedJSON(t *testing.T) {
	var out struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := DecodeObject("```json\n{'type': '工具失败', 'reason': 'timeout',}\n```", &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != "工具失败" || out.Reason != "timeout" {
		t.Fatalf("unexpected result: %+v", out)
	}

	if err := DecodeObject("nothing", &out); !errors.Is(err, ErrNoJSON) {
		t.Fatalf("expected ErrNoJSON, got %v", err)
	}
}

func TestCachedClientServesRepeatedPrompts(t *testing.T) {
	var calls atomic.Int32
	backend := ClientFunc(func(_ context.Context, req Request) (*Response, error) {
		calls.Add(1)
		return &Response{Content: "echo:" + req.Prompt}, nil
	})
	kv := storage.NewMemoryKV()
	client := NewCachedClient(backend, kv, "openai", "gpt-4o", time.Minute)
	ctx := context.Background()

	first, err := client.Generate(ctx, Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := client.Generate(ctx, Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first.Cached || !second.Cached || second.Content != "echo:hi" {
		t.Fatalf("unexpected responses: %+v %+v", first, second)
	}
	if calls.Load() != 1 {
		t.Fatalf("backend should be called once, got %d", calls.Load())
	}

	if _, err := client.Generate(ctx, Request{Prompt: "hi", NoCache: true}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("NoCache should bypass cache")
	}

	key := client.CacheKey(Request{Prompt: "hi"})
	if !strings.HasPrefix(key, "llm_cache:openai:gpt-4o:") || len(key) != len("llm_cache:openai:gpt-4o:")+32 {
		t.Fatalf("unexpected cache key %q", key)
	}
}

func TestCachedClientPropagatesBackendError(t *testing.T) {
	boom := errors.New("boom")
	client := NewCachedClient(ClientFunc(func(context.Context, Request) (*Response, error) {
		return nil, boom
	}), storage.NewMemoryKV(), "p", "m", 0)
	if _, err := client.Generate(context.Background(), Request{Prompt: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestScriptedCyclesResponses(t *testing.T) {
	s := NewScripted("a", "b")
	ctx := context.Background()
	var got []string
	for i := 0; i < 3; i++ {
		resp, err := s.Generate(ctx, Request{Prompt: "p"})
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		got = append(got, resp.Content)
	}
	if strings.Join(got, ",") != "a,b,a" {
		t.Fatalf("unexpected sequence %v", got)
	}
	if len(s.Requests()) != 3 {
		t.Fatalf("requests not recorded")
	}
}
