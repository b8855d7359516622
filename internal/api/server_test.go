package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenMCP-Orchestra/internal/auth"
	"OpenMCP-Orchestra/internal/chain"
	"OpenMCP-Orchestra/internal/ctxstore"
	"OpenMCP-Orchestra/internal/mcp"
	"OpenMCP-Orchestra/internal/provider"
	"OpenMCP-Orchestra/internal/workflow"
	"OpenMCP-Orchestra/pkg/plugin"
)

// echoDriver 返回固定格式应答的假驱动，供接口测试使用。
type echoDriver struct{}

func (echoDriver) Send(_ context.Context, req *mcp.Request) (*mcp.Response, error) {
	text := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			text = req.Messages[i].Content
			break
		}
	}
	return &mcp.Response{Text: "echo: " + text, Model: req.Model, FinishReason: "stop"}, nil
}

func (echoDriver) Stream(_ context.Context, req *mcp.Request) (<-chan mcp.PartialResponse, error) {
	ch := make(chan mcp.PartialResponse, 1)
	ch <- mcp.PartialResponse{PartialText: "echo", IsFinal: true, Metadata: map[string]any{"model": req.Model}}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	registry := provider.NewRegistry()
	if err := registry.Register("echo", echoDriver{}); err != nil {
		t.Fatalf("register echo driver: %v", err)
	}
	contexts := ctxstore.NewMemoryStore()
	store := workflow.NewMemoryStore()
	engine := workflow.NewEngine(contexts, registry, workflow.WithEngineStore(store))
	svc := workflow.NewService(store, workflow.NewMemoryQueue(16), 3, workflow.WithServiceRunner(engine))
	t.Cleanup(func() { _ = svc.Close() })
	chains := chain.New(registry, contexts)
	return NewServer(":0", svc, chains, opts...)
}

func doJSON(t *testing.T, handler http.Handler, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func echoDef(names ...string) workflow.Definition {
	def := workflow.Definition{Name: "digest", DefaultModel: "test-model"}
	for _, name := range names {
		def.Steps = append(def.Steps, workflow.StepDef{Name: name, Prompt: "prompt " + name, Provider: "echo"})
	}
	return def
}

func TestSubmitWorkflowSyncExecutes(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/workflows?sync=1",
		workflow.SubmitRequest{Definition: echoDef("draft")}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync submit status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	wf := decodeBody[workflow.Workflow](t, rec)
	if wf.ID == "" {
		t.Fatal("缺少工作流 ID")
	}
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", wf.Status)
	}
	result, ok := wf.Result["draft"].(string)
	if !ok || !strings.Contains(result, "echo: ") {
		t.Fatalf("result[draft] = %v, want echo output", wf.Result["draft"])
	}
}

func TestSubmitWorkflowAcceptsYAMLDefinition(t *testing.T) {
	handler := newTestServer(t).Handler()

	doc := `name: digest
default_model: test-model
steps:
  - name: draft
    provider: echo
    prompt: draft the digest
  - name: review
    provider: echo
    prompt: "review {draft.result}"
`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows?sync=1&id=wf-yaml-1", strings.NewReader(doc))
	req.Header.Set("Content-Type", "application/yaml; charset=utf-8")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("yaml submit status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	wf := decodeBody[workflow.Workflow](t, rec)
	if wf.ID != "wf-yaml-1" {
		t.Fatalf("id = %q, want wf-yaml-1", wf.ID)
	}
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", wf.Status)
	}
	review, ok := wf.Result["review"].(string)
	if !ok || !strings.Contains(review, "echo: review") {
		t.Fatalf("result[review] = %v, want resolved echo output", wf.Result["review"])
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader("steps: ["))
	req.Header.Set("Content-Type", "text/yaml")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("broken yaml status = %d, want 400", rec.Code)
	}
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/workflows",
		workflow.SubmitRequest{Definition: echoDef("draft", "review")}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("async submit status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	wf := decodeBody[workflow.Workflow](t, rec)
	if wf.Status != workflow.StatusPending {
		t.Fatalf("status = %s, want pending", wf.Status)
	}

	item := "/api/v1/workflows/" + wf.ID
	rec = doJSON(t, handler, http.MethodGet, item, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, item+"/pause", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[workflow.Workflow](t, rec); got.Status != workflow.StatusPaused {
		t.Fatalf("pause 后 status = %s, want paused", got.Status)
	}

	rec = doJSON(t, handler, http.MethodPost, item+"/resume", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[workflow.Workflow](t, rec); got.Status != workflow.StatusPending {
		t.Fatalf("resume 后 status = %s, want pending", got.Status)
	}

	rec = doJSON(t, handler, http.MethodPost, item+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[workflow.Workflow](t, rec); got.Status != workflow.StatusCancelled {
		t.Fatalf("cancel 后 status = %s, want cancelled", got.Status)
	}

	// 终态后的控制操作返回冲突。
	rec = doJSON(t, handler, http.MethodPost, item+"/cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat cancel status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody[errorBody](t, rec); body.Code != string(workflow.CodeWorkflowCompleted) {
		t.Fatalf("error code = %s, want %s", body.Code, workflow.CodeWorkflowCompleted)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/workflows?status=cancelled", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	list := decodeBody[[]workflow.Workflow](t, rec)
	if len(list) != 1 || list[0].ID != wf.ID {
		t.Fatalf("list = %d 条, want 1 cancelled", len(list))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/workflows/stats", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", rec.Code)
	}
	stats := decodeBody[workflow.WorkflowStats](t, rec)
	if stats.Total != 1 || stats.Cancelled != 1 {
		t.Fatalf("stats = %+v, want total=1 cancelled=1", stats)
	}
}

func TestWorkflowValidationAndNotFound(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("broken body status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/workflows/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing workflow status = %d, want 404", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Code != string(workflow.CodeWorkflowNotFound) {
		t.Fatalf("error code = %s, want %s", body.Code, workflow.CodeWorkflowNotFound)
	}

	for _, target := range []string{
		"/api/v1/workflows?limit=abc",
		"/api/v1/workflows?offset=-1",
		"/api/v1/workflows?status=bogus",
		"/api/v1/workflows?updated_since=yesterday",
		"/api/v1/workflows?has_result=maybe",
		"/api/v1/workflows?order=sideways",
	} {
		rec = doJSON(t, handler, http.MethodGet, target, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", target, rec.Code)
		}
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/workflows/someid/restart", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/workflows/someid", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("delete item status = %d, want 405", rec.Code)
	}
}

func TestChainSolveAndSessionClear(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/chains", chain.Request{
		Session: "support:42",
		Steps: []chain.Step{
			{Name: "draft", Prompt: "总结工单", Provider: "echo"},
			{Name: "polish", Prompt: "润色 {draft.result}", Provider: "echo"},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("chain solve status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[chain.Result](t, rec)
	if result.Status != chain.StatusCompleted {
		t.Fatalf("chain status = %s, want completed", result.Status)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("chain steps = %d, want 2", len(result.Steps))
	}
	if result.Final == nil || !strings.Contains(result.Final.Result, "echo: ") {
		t.Fatalf("final = %+v, want echo output", result.Final)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/sessions/support:42", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear session status = %d, want 204: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/chains", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("get chains status = %d, want 405", rec.Code)
	}
}

func TestPluginsEndpoint(t *testing.T) {
	rec := doJSON(t, newTestServer(t).Handler(), http.MethodGet, "/api/v1/plugins", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("plugins status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("未配置插件时应返回空数组, got %s", got)
	}

	manager, err := plugin.NewManager(plugin.ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := manager.Register("redact", &noopPlugin{}, nil, plugin.IsolationPolicy{}); err != nil {
		t.Fatalf("register plugin: %v", err)
	}

	handler := newTestServer(t, WithPluginManager(manager)).Handler()
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/plugins", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("plugins status = %d, want 200", rec.Code)
	}
	descriptors := decodeBody[[]plugin.Descriptor](t, rec)
	if len(descriptors) != 1 || descriptors[0].ID != "redact" {
		t.Fatalf("descriptors = %+v, want one entry redact", descriptors)
	}
}

type noopPlugin struct{}

func (p *noopPlugin) Info() plugin.Info {
	return plugin.Info{ID: "redact", Name: "Redact", Version: "0.1.0", Category: plugin.TypeProcessor}
}

func (p *noopPlugin) Configure(map[string]any) error       { return nil }
func (p *noopPlugin) Init(*plugin.ExecutionContext) error  { return nil }
func (p *noopPlugin) Start(*plugin.ExecutionContext) error { return nil }
func (p *noopPlugin) Stop(*plugin.ExecutionContext) error  { return nil }

func TestHealthEndpoint(t *testing.T) {
	rec := doJSON(t, newTestServer(t).Handler(), http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("healthz body = %v, want status ok", body)
	}
}

func TestAuthEnforcement(t *testing.T) {
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeStatic,
		StaticTokens: []auth.StaticToken{
			{Token: "writer-token", Username: "writer", Permissions: []string{"workflow:read", "workflow:write"}},
			{Token: "reader-token", Username: "reader", Permissions: []string{"workflow:read"}},
			{Token: "admin-token", Username: "ops", Permissions: []string{"admin"}},
		},
	}, nil)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	handler := newTestServer(t, WithAuthService(authSvc)).Handler()

	submit := workflow.SubmitRequest{Definition: echoDef("draft")}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/workflows", submit, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("无令牌请求 status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/workflows", submit,
		map[string]string{"Authorization": "Bearer reader-token"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("只读令牌提交 status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/workflows", submit,
		map[string]string{"Authorization": "Bearer writer-token"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("写令牌提交 status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/plugins", nil,
		map[string]string{"Authorization": "Bearer writer-token"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("非管理员查询插件 status = %d, want 403", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/plugins", nil,
		map[string]string{"Authorization": "Bearer admin-token"})
	if rec.Code != http.StatusOK {
		t.Fatalf("管理员查询插件 status = %d, want 200", rec.Code)
	}

	// 静态模式不提供在线签发。
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/token",
		auth.TokenRequest{GrantType: "password", Username: "writer", Password: "x"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("static token grant status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody[errorBody](t, rec); body.Code != "UNSUPPORTED_GRANT" {
		t.Fatalf("error code = %s, want UNSUPPORTED_GRANT", body.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz 不应要求认证, status = %d", rec.Code)
	}
}

func TestTokenEndpointIssuesJWT(t *testing.T) {
	store, err := auth.NewMemoryStore([]auth.Seed{
		{Username: "ops", Password: "secret", Roles: []string{"operator"}, Permissions: []string{"workflow:read"}},
	})
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "0123456789abcdef", Issuer: "orchestra", Audience: []string{"api"}},
	}, store)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	handler := newTestServer(t, WithAuthService(authSvc)).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/token",
		auth.TokenRequest{GrantType: "password", Username: "ops", Password: "secret"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	pair := decodeBody[auth.TokenPair](t, rec)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("令牌对不完整")
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/workflows", nil,
		map[string]string{"Authorization": "Bearer " + pair.AccessToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("签发令牌应可读取工作流, status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/token",
		auth.TokenRequest{GrantType: "password", Username: "ops", Password: "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("错误口令 status = %d, want 401", rec.Code)
	}
}
