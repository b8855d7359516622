package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Orchestra/internal/auth"
	"OpenMCP-Orchestra/internal/chain"
	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/observability/metrics"
	"OpenMCP-Orchestra/internal/workflow"
	"OpenMCP-Orchestra/pkg/plugin"
)

// Server 负责暴露 REST 接口，供外部提交工作流、执行推理链并查询状态。
type Server struct {
	addr      string
	workflows *workflow.Service
	chains    *chain.Engine
	plugins   *plugin.Manager
	auth      *auth.Service
}

// ServerOption 定义可选配置。
type ServerOption func(*Server)

// WithAuthService 启用认证与授权中间件。
func WithAuthService(svc *auth.Service) ServerOption {
	return func(s *Server) { s.auth = svc }
}

// WithPluginManager 启用插件清单查询接口。
func WithPluginManager(m *plugin.Manager) ServerOption {
	return func(s *Server) { s.plugins = m }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, workflows *workflow.Service, chains *chain.Engine, opts ...ServerOption) *Server {
	s := &Server{addr: addr, workflows: workflows, chains: chains}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 构建完整的路由表，测试可以直接驱动它而不必监听端口。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/auth/token", instrument("auth_token", http.HandlerFunc(s.handleToken)))
	mux.Handle("/api/v1/workflows", s.protect("workflows", map[string][]string{
		http.MethodGet:  {"workflow:read"},
		http.MethodPost: {"workflow:write"},
	}, http.HandlerFunc(s.handleWorkflows)))
	mux.Handle("/api/v1/workflows/", s.protect("workflow_item", map[string][]string{
		http.MethodGet:  {"workflow:read"},
		http.MethodPost: {"workflow:write"},
	}, http.HandlerFunc(s.handleWorkflowItem)))
	mux.Handle("/api/v1/chains", s.protect("chains", map[string][]string{
		http.MethodPost: {"chain:execute"},
	}, http.HandlerFunc(s.handleChains)))
	mux.Handle("/api/v1/sessions/", s.protect("sessions", map[string][]string{
		http.MethodDelete: {"chain:execute"},
	}, http.HandlerFunc(s.handleSession)))
	mux.Handle("/api/v1/plugins", s.protect("plugins", map[string][]string{
		http.MethodGet: {"admin"},
	}, http.HandlerFunc(s.handlePlugins)))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

// protect 先套认证中间件再套指标采集，保证 401/403 同样会被观测。
func (s *Server) protect(name string, perms map[string][]string, next http.Handler) http.Handler {
	handler := next
	if s.auth != nil {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: perms,
			AuditEvent:          name,
		})(handler)
	}
	return instrument(name, handler)
}

// handleToken 签发访问令牌，支持 password 与 refresh_token 两种授权方式。
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil {
		writeError(w, http.StatusNotFound, "AUTH_DISABLED", "authentication is not configured")
		return
	}

	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeValidation), "请求体解析失败")
		return
	}

	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error())
		case errors.Is(err, auth.ErrUnsupportedGrant):
			writeError(w, http.StatusBadRequest, "UNSUPPORTED_GRANT", err.Error())
		case errors.Is(err, auth.ErrSubjectRevoked):
			writeError(w, http.StatusForbidden, "SUBJECT_REVOKED", err.Error())
		case errors.Is(err, auth.ErrDisabled):
			writeError(w, http.StatusNotFound, "AUTH_DISABLED", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, string(xerrors.CodeInternal), err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitWorkflow(w, r)
	case http.MethodGet:
		s.handleListWorkflows(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitWorkflow 受理新工作流。异步提交返回 202；
// 请求体 sync 或查询参数 sync=1 会在本次调用内执行完毕并返回 200。
// Content-Type 为 YAML 时请求体被当作工作流定义文件原样提交，
// 标识与种子沿用定义内声明，工作流 id 可由查询参数 id 指定。
func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeValidation), "请求体读取失败")
		return
	}

	var req workflow.SubmitRequest
	if isYAMLContentType(r.Header.Get("Content-Type")) {
		def, err := workflow.ParseDefinition(body)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		req.Definition = *def
		req.ID = r.URL.Query().Get("id")
	} else if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeValidation), "请求体解析失败")
		return
	}
	if raw := r.URL.Query().Get("sync"); raw != "" {
		req.Sync = raw == "1" || strings.EqualFold(raw, "true")
	}

	wf, err := s.workflows.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusAccepted
	if req.Sync {
		status = http.StatusOK
	}
	writeJSON(w, status, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeValidation), err.Error())
		return
	}
	list, err := s.workflows.List(r.Context(), opts...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleWorkflowItem 分发单个工作流的查询与 pause/resume/cancel 控制操作。
// /api/v1/workflows/stats 是保留路径，返回状态分布统计。
func (s *Server) handleWorkflowItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/"), "/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	if rest == "stats" {
		s.handleWorkflowStats(w, r)
		return
	}

	id, action, hasAction := strings.Cut(rest, "/")
	if !hasAction {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		wf, err := s.workflows.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var err error
	switch action {
	case "pause":
		err = s.workflows.Pause(r.Context(), id)
	case "resume":
		err = s.workflows.Resume(r.Context(), id)
	case "cancel":
		err = s.workflows.Cancel(r.Context(), id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// 返回刷新后的记录，调用方无需再次查询即可确认状态。
	wf, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeValidation), err.Error())
		return
	}
	stats, err := s.workflows.Stats(r.Context(), opts...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleChains 同步执行一条推理链。执行中途失败时若已有部分结果，
// 会把带错误码的结果体按映射后的状态码返回，方便调用方排查。
func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req chain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeValidation), "请求体解析失败")
		return
	}

	result, err := s.chains.Solve(r.Context(), req)
	if err != nil {
		if result != nil {
			writeJSON(w, statusFromCode(xerrors.CodeOf(err)), result)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSession 清空一个会话积累的上下文记忆。
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "仅支持 DELETE", http.StatusMethodNotAllowed)
		return
	}
	session := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"), "/")
	if session == "" {
		http.NotFound(w, r)
		return
	}
	if err := s.chains.ClearSession(r.Context(), session); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	descriptors := []plugin.Descriptor{}
	if s.plugins != nil {
		descriptors = s.plugins.Describe()
	}
	writeJSON(w, http.StatusOK, descriptors)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listOptionsFromQuery 把查询参数翻译为存储层的过滤选项。
func listOptionsFromQuery(r *http.Request) ([]workflow.ListOption, error) {
	q := r.URL.Query()
	opts := make([]workflow.ListOption, 0, 8)

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("limit 参数无效: %q", raw)
		}
		opts = append(opts, workflow.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("offset 参数无效: %q", raw)
		}
		opts = append(opts, workflow.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []workflow.Status
		for _, part := range strings.Split(raw, ",") {
			status := workflow.Status(strings.ToLower(strings.TrimSpace(part)))
			if !workflow.IsValidStatus(status) {
				return nil, fmt.Errorf("status 参数无效: %q", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, workflow.WithStatuses(statuses...))
	}
	if raw := q.Get("updated_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("updated_since 参数无效: %q", raw)
		}
		opts = append(opts, workflow.WithUpdatedSince(ts))
	}
	if raw := q.Get("updated_until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("updated_until 参数无效: %q", raw)
		}
		opts = append(opts, workflow.WithUpdatedUntil(ts))
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("has_result 参数无效: %q", raw)
		}
		opts = append(opts, workflow.WithResultPresence(has))
	}
	if raw := q.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			opts = append(opts, workflow.WithSortOrder(workflow.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, workflow.WithSortOrder(workflow.SortByUpdatedDesc))
		default:
			return nil, fmt.Errorf("order 参数无效: %q", raw)
		}
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, workflow.WithQuery(raw))
	}
	return opts, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeDomainError 把内部错误翻译为带错误码的 JSON 响应。
// isYAMLContentType 识别常见的 YAML 媒体类型，参数部分被忽略。
func isYAMLContentType(header string) bool {
	mediaType, _, _ := strings.Cut(header, ";")
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeError(w, statusFromCode(code), string(code), message)
}

// statusFromCode 维护错误码到 HTTP 状态码的映射，未知错误一律 500。
func statusFromCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeValidation:
		return http.StatusBadRequest
	case workflow.CodeWorkflowNotFound, xerrors.CodeNotFound, xerrors.CodeKeyNotFound:
		return http.StatusNotFound
	case workflow.CodeWorkflowConflict, workflow.CodeWorkflowCompleted, xerrors.CodeConflict, xerrors.CodeDuplicateKey:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// instrument 记录每个接口的请求量与时延。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(started))
	})
}

// statusWriter 捕获响应状态码供指标使用。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
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
