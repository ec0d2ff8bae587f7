// Package mofy is a Go client for the Mofy agent REST API.
package mofy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous chat waits for the model, so it is longer than a typical API call.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the Mofy REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// ChatReply is the answer to a synchronous chat message.
type ChatReply struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

// JobSubmission queues a message for asynchronous processing. A non-empty ID
// makes the submission idempotent.
type JobSubmission struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// Job is the server-side view of a queued message.
type Job struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	Message    string `json:"message"`
	Status     string `json:"status"`
	Reply      string `json:"reply,omitempty"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Done reports whether the job reached a final state.
func (j Job) Done() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	SessionID string
	Statuses  []string
	Limit     int
}

// ToolMetric holds cumulative call statistics for one tool.
type ToolMetric struct {
	Calls     int64         `json:"calls"`
	Successes int64         `json:"successes"`
	Failures  int64         `json:"failures"`
	TotalTime time.Duration `json:"total_time"`
}

// SessionStatus describes an active session.
type SessionStatus struct {
	SessionID      string                `json:"session_id"`
	LastActive     time.Time             `json:"last_active"`
	PendingTasks   int                   `json:"pending_tasks"`
	CompletedTasks int                   `json:"completed_tasks"`
	ToolMetrics    map[string]ToolMetric `json:"tool_metrics"`
}

// ToolParameter describes one argument of a tool.
type ToolParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Choices     []string `json:"choices,omitempty"`
}

// Tool describes a registered tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

// ToolCatalog lists tools together with their call statistics.
type ToolCatalog struct {
	Tools   []Tool                `json:"tools"`
	Metrics map[string]ToolMetric `json:"metrics"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mofy api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mofy api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Mofy API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Chat sends a message and waits for the reply. An empty sessionID starts a
// new session; its id is returned in the reply.
func (c *Client) Chat(ctx context.Context, sessionID, message string) (ChatReply, error) {
	var reply ChatReply
	payload := map[string]string{"session_id": sessionID, "message": message}
	if err := c.send(ctx, http.MethodPost, "/api/v1/chat", nil, payload, &reply); err != nil {
		return ChatReply{}, err
	}
	return reply, nil
}

// SubmitJob queues a message for asynchronous processing.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodPost, "/api/v1/jobs", nil, submission, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs returns the most recently updated jobs matching filter.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := url.Values{}
	if filter.SessionID != "" {
		query.Set("session_id", filter.SessionID)
	}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var jobs []Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs", query, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// WaitForJob polls until the job succeeds or fails for good, or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SessionStatus reports the state of an active session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var status SessionStatus
	endpoint := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/status"
	if err := c.send(ctx, http.MethodGet, endpoint, nil, nil, &status); err != nil {
		return SessionStatus{}, err
	}
	return status, nil
}

// CloseSession ends a session and clears its short-term memory.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, nil, nil)
}

// Remember stores a long-term memory entry on behalf of a session.
func (c *Client) Remember(ctx context.Context, sessionID, key, content string) error {
	endpoint := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/memories"
	payload := map[string]string{"key": key, "content": content}
	return c.send(ctx, http.MethodPost, endpoint, nil, payload, nil)
}

// ListTools returns the registered tools and their call statistics.
func (c *Client) ListTools(ctx context.Context) (ToolCatalog, error) {
	var catalog ToolCatalog
	if err := c.send(ctx, http.MethodGet, "/api/v1/tools", nil, nil, &catalog); err != nil {
		return ToolCatalog{}, err
	}
	return catalog, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
