package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Mofy-Agent/internal/agent"
	"Mofy-Agent/internal/dispatch"
	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/observability/metrics"
	"Mofy-Agent/internal/tools"
	"Mofy-Agent/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部驱动智能体会话。
type Server struct {
	addr     string
	sessions *agent.Sessions
	jobs     *dispatch.Service
	metrics  *metrics.Collectors
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithJobs 启用异步消息任务接口。
func WithJobs(svc *dispatch.Service) Option {
	return func(s *Server) {
		s.jobs = svc
	}
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(c *metrics.Collectors) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, sessions *agent.Sessions, opts ...Option) *Server {
	s := &Server{addr: addr, sessions: sessions}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleJobDetail)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}/status", s.handleSessionStatus)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/memories", s.handleAddMemory)
	mux.HandleFunc("GET /api/v1/tools", s.handleListTools)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ChatRequest 是同步对话请求。
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// ChatResponse 是同步对话的回复。
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

// MemoryRequest 写入一条长期记忆。
type MemoryRequest struct {
	Key     string `json:"key"`
	Content string `json:"content"`
}

// ToolsResponse 列出已注册工具及其调用统计。
type ToolsResponse struct {
	Tools   []tools.Schema          `json:"tools"`
	Metrics map[string]tools.Metric `json:"metrics"`
}

// ErrorResponse 是所有错误的响应体。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空"))
		return
	}
	sessionID, reply := s.sessions.Process(r.Context(), req.SessionID, req.Message)
	writeJSON(w, http.StatusOK, ChatResponse{SessionID: sessionID, Reply: reply})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireJobs(w) {
		return
	}
	var req dispatch.Request
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireJobs(w) {
		return
	}
	query := r.URL.Query()
	opts := []dispatch.ListOption{dispatch.WithSession(query.Get("session_id"))}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		opts = append(opts, dispatch.WithLimit(limit))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []dispatch.Status
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, dispatch.Status(part))
			}
		}
		opts = append(opts, dispatch.WithStatuses(statuses...))
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if !s.requireJobs(w) {
		return
	}
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": s.sessions.List()})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ag, ok := s.sessions.Get(id)
	if !ok {
		s.writeError(w, xerrors.New(xerrors.CodeNotFound, "会话不存在"))
		return
	}
	writeJSON(w, http.StatusOK, ag.Status())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req MemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "记忆内容不能为空"))
		return
	}
	sessionID := r.PathValue("id")
	if err := s.sessions.Memory().AddStructured(r.Context(), sessionID, req.Key, req.Content); err != nil {
		s.writeError(w, err)
		return
	}
	logger.Audit().Info("写入长期记忆",
		slog.String("session_id", sessionID),
		slog.String("key", strings.TrimSpace(req.Key)))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	registry := s.sessions.Registry()
	writeJSON(w, http.StatusOK, ToolsResponse{
		Tools:   registry.Schemas(),
		Metrics: registry.Metrics(),
	})
}

func (s *Server) requireJobs(w http.ResponseWriter) bool {
	if s.jobs == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步任务服务未启用"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	message := err.Error()
	if coded, ok := xerrors.From(err); ok {
		message = coded.Message()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, ErrorResponse{Code: string(code), Message: message})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, dispatch.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, dispatch.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, dispatch.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case dispatch.CodeJobPublish, xerrors.CodeQueueFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Code:    string(xerrors.CodeInvalidArgument),
			Message: "请求体解析失败",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 按路由模式记录请求计数与耗时。
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
