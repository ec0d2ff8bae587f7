package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"Mofy-Agent/internal/agent"
	"Mofy-Agent/internal/dispatch"
	"Mofy-Agent/internal/llm"
	"Mofy-Agent/internal/memory"
	"Mofy-Agent/internal/observability/metrics"
	"Mofy-Agent/internal/tools"
	"Mofy-Agent/internal/tools/builtin"
)

const noToolPlan = `{"intent":"闲聊","tasks":[]}`

type fixture struct {
	handler  http.Handler
	sessions *agent.Sessions
	memory   *memory.Manager
	jobs     *dispatch.Service
}

func newFixture(t *testing.T, withJobs bool) *fixture {
	t.Helper()
	registry := tools.NewRegistry()
	if err := builtin.Register(registry, nil); err != nil {
		t.Fatalf("register builtin tools: %v", err)
	}
	mem := memory.New()
	sessions := agent.NewSessions(llm.NewScripted(noToolPlan), registry, mem)

	opts := []Option{WithMetrics(metrics.MustNew(prometheus.NewRegistry()))}
	f := &fixture{sessions: sessions, memory: mem}
	if withJobs {
		queue := dispatch.NewMemoryQueue(16)
		t.Cleanup(func() { queue.Close() })
		f.jobs = dispatch.NewService(dispatch.NewMemoryStore(), queue, 3)
		opts = append(opts, WithJobs(f.jobs))
	}
	f.handler = NewServer(":0", sessions, opts...).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestChatCreatesSession(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{SessionID: "s-1", Message: "你好"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ChatResponse](t, rec)
	if resp.SessionID != "s-1" || resp.Reply != "我理解了您的需求，但没有找到合适的工具来处理。" {
		t.Fatalf("unexpected chat response: %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/s-1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	status := decode[agent.Status](t, rec)
	if status.SessionID != "s-1" || status.PendingTasks != 0 {
		t.Fatalf("unexpected session status: %+v", status)
	}

	list := decode[map[string][]string](t, f.do(t, http.MethodGet, "/api/v1/sessions", nil))
	if len(list["sessions"]) != 1 || list["sessions"][0] != "s-1" {
		t.Fatalf("unexpected session list: %v", list)
	}
}

func TestChatGeneratesSessionID(t *testing.T) {
	f := newFixture(t, false)
	resp := decode[ChatResponse](t, f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{Message: "你好"}))
	if resp.SessionID == "" {
		t.Fatal("expected a generated session id")
	}
}

func TestChatValidation(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{Message: "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Code != "INVALID_ARGUMENT" || got.Message != "消息内容不能为空" {
		t.Fatalf("unexpected error body: %+v", got)
	}

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/chat", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestSessionLifecycleErrors(t *testing.T) {
	f := newFixture(t, false)

	if rec := f.do(t, http.MethodGet, "/api/v1/sessions/missing/status", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/sessions/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on closing unknown session, got %d", rec.Code)
	}

	f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{SessionID: "s-2", Message: "你好"})
	if rec := f.do(t, http.MethodDelete, "/api/v1/sessions/s-2", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if records := f.memory.GetShortTerm(t.Context(), "s-2", 0); len(records) != 0 {
		t.Fatalf("expected short-term memory to be cleared, got %d records", len(records))
	}
}

func TestAddMemory(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/s-1/memories", MemoryRequest{Key: "favorite_city", Content: "用户最喜欢的城市是 hangzhou"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	record, ok := f.memory.GetLongTerm(t.Context(), "favorite_city")
	if !ok || record.SessionID != "s-1" {
		t.Fatalf("unexpected long-term record: %+v %v", record, ok)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/s-1/memories", MemoryRequest{Key: " ", Content: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty key, got %d", rec.Code)
	}
}

func TestListTools(t *testing.T) {
	f := newFixture(t, false)
	resp := decode[ToolsResponse](t, f.do(t, http.MethodGet, "/api/v1/tools", nil))
	names := map[string]bool{}
	for _, schema := range resp.Tools {
		names[schema.Name] = true
	}
	for _, want := range []string{"calculator", "search", "weather"} {
		if !names[want] {
			t.Fatalf("expected tool %s in %v", want, names)
		}
	}
}

func TestJobsEndpoints(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", dispatch.Request{ID: "job-1", SessionID: "s-1", Message: "查天气"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	job := decode[dispatch.Job](t, rec)
	if job.ID != "job-1" || job.Status != dispatch.StatusPending {
		t.Fatalf("unexpected job: %+v", job)
	}

	detail := decode[dispatch.Job](t, f.do(t, http.MethodGet, "/api/v1/jobs/job-1", nil))
	if detail.Message != "查天气" {
		t.Fatalf("unexpected job detail: %+v", detail)
	}

	jobs := decode[[]dispatch.Job](t, f.do(t, http.MethodGet, "/api/v1/jobs?session_id=s-1&status=pending,running&limit=5", nil))
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %+v", jobs)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/jobs/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/jobs?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/jobs", dispatch.Request{Message: ""}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rec.Code)
	}
}

func TestJobsDisabled(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/api/v1/jobs", dispatch.Request{Message: "hi"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{Message: "你好"})
	f.do(t, http.MethodGet, "/nowhere", nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`handler="POST /api/v1/chat"`, `handler="unmatched"`, "mofy_http_request_duration_seconds"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in exposition:\n%s", want, body)
		}
	}
}
