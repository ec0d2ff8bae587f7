package mofy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestChatPostsMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("unexpected body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ChatReply{SessionID: "s-1", Reply: "echo: " + body["message"]})
	})

	reply, err := client.Chat(context.Background(), "", "你好")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply.SessionID != "s-1" || reply.Reply != "echo: 你好" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestListJobsEncodesFilter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("session_id") != "s-1" || q.Get("status") != "pending,failed" || q.Get("limit") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Job{{ID: "job-1", Status: "pending"}})
	})

	jobs, err := client.ListJobs(context.Background(), JobFilter{SessionID: "s-1", Statuses: []string{"pending", "failed"}, Limit: 5})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestWaitForJobPollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/job-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		status := "running"
		if polls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: status, Reply: "ok"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := client.WaitForJob(ctx, "job-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !job.Done() || job.Reply != "ok" || polls.Load() != 3 {
		t.Fatalf("unexpected job %+v after %d polls", job, polls.Load())
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{Code: "JOB_NOT_FOUND", Message: "job not found"})
	})

	_, err := client.GetJob(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "JOB_NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
	})

	err := client.CloseSession(context.Background(), "s-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "服务已关闭" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("://bad", nil); err == nil {
		t.Fatal("expected error for malformed url")
	}
}
