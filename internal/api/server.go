package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"piper-nodes/internal/auth"
	xerrors "piper-nodes/internal/errors"
	"piper-nodes/internal/jobs"
	"piper-nodes/internal/nodes"
	"piper-nodes/internal/observability/metrics"
)

const jobsPrefix = "/api/v1/jobs"

// NodeLister 列出可提交的节点。
type NodeLister interface {
	All() []nodes.Definition
}

// Server 负责暴露 REST 接口，供外部提交与查询作业。
type Server struct {
	addr            string
	jobs            *jobs.Service
	nodes           NodeLister
	shutdownTimeout time.Duration
	auth            *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *jobs.Service, lister NodeLister) *Server {
	return &Server{addr: addr, jobs: svc, nodes: lister, shutdownTimeout: 5 * time.Second}
}

// WithShutdownTimeout 设置优雅关闭的最长等待时间。
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	if d > 0 {
		s.shutdownTimeout = d
	}
	return s
}

// WithAuth 为 /api/v1 路由启用令牌认证，/healthz 与 /metrics 保持开放。
func (s *Server) WithAuth(svc *auth.Service) *Server {
	s.auth = svc
	return s
}

// Handler 返回挂载了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	protect := s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.DefaultJobsPermissions()})
	route := func(name string, h http.HandlerFunc) http.Handler {
		return metrics.Instrument(name, protect(h))
	}
	mux := http.NewServeMux()
	mux.Handle(jobsPrefix, route("jobs", s.handleJobs))
	mux.Handle(jobsPrefix+"/", route("job_detail", s.handleJobDetail))
	mux.Handle("/api/v1/stats", route("stats", s.handleStats))
	mux.Handle("/api/v1/nodes", route("nodes", s.handleNodes))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
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

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET/POST")
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "作业服务未初始化")
		return
	}
	var req jobs.SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "作业服务未初始化")
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, jobsPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "缺少作业 ID")
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "作业服务未初始化")
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "作业服务未初始化")
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	defs := []nodes.Definition{}
	if s.nodes != nil {
		defs = s.nodes.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": defs})
}

// listOptionsFromQuery 解析 status、node、q、limit、offset、order 查询参数。
func listOptionsFromQuery(r *http.Request) ([]jobs.ListOption, error) {
	query := r.URL.Query()
	var opts []jobs.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errors.New("limit 必须为正整数")
		}
		opts = append(opts, jobs.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 必须为非负整数")
		}
		opts = append(opts, jobs.WithOffset(offset))
	}
	if values := splitValues(query["status"]); len(values) > 0 {
		statuses := make([]jobs.Status, 0, len(values))
		for _, v := range values {
			status := jobs.Status(v)
			if !jobs.IsValidStatus(status) {
				return nil, errors.New("未知的作业状态: " + v)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, jobs.WithStatuses(statuses...))
	}
	if values := splitValues(query["node"]); len(values) > 0 {
		opts = append(opts, jobs.WithNodes(values...))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, jobs.WithQuery(q))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, jobs.WithSortOrder(jobs.SortByUpdatedAsc))
	default:
		return nil, errors.New("order 仅支持 asc/desc")
	}
	return opts, nil
}

func splitValues(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeServiceError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case jobs.CodeJobNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case jobs.CodeJobValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case jobs.CodeJobConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	case jobs.CodeJobPublish, xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
		if cause := errors.Unwrap(e); cause != nil {
			message += ": " + cause.Error()
		}
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: message})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Code: http.StatusText(status), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
