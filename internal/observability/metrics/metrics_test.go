package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := MustNew(reg)

	c.ObserveToolCall("calculator", true, 10*time.Millisecond)
	c.ObserveToolCall("calculator", false, 20*time.Millisecond)
	c.ObserveToolCall("calculator", true, 5*time.Millisecond)
	c.ObserveHTTPRequest("chat", "POST", 200, time.Millisecond)
	c.ObserveJob("succeeded")

	if got := testutil.ToFloat64(c.toolCalls.WithLabelValues("calculator", "success")); got != 2 {
		t.Fatalf("expected 2 successful calls, got %v", got)
	}
	if got := testutil.ToFloat64(c.toolCalls.WithLabelValues("calculator", "failure")); got != 1 {
		t.Fatalf("expected 1 failed call, got %v", got)
	}
	if got := testutil.ToFloat64(c.jobs.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("expected 1 job, got %v", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"mofy_tool_calls_total", "mofy_http_requests_total", "mofy_tool_duration_seconds_bucket"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %s in exposition, got:\n%s", want, body)
		}
	}
}

func TestMustNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNew(reg)
	second := MustNew(reg)

	first.ObserveToolCall("search", true, time.Millisecond)
	second.ObserveToolCall("search", true, time.Millisecond)

	if got := testutil.ToFloat64(first.toolCalls.WithLabelValues("search", "success")); got != 2 {
		t.Fatalf("expected shared counter to reach 2, got %v", got)
	}
}

func TestNilCollectorsAreNoop(t *testing.T) {
	var c *Collectors
	c.ObserveToolCall("x", true, 0)
	c.ObserveHTTPRequest("x", "GET", 200, 0)
	c.ObserveJob("failed")
}
