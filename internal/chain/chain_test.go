package chain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"OpenMCP-Orchestra/internal/ctxstore"
	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/mcp"
	"OpenMCP-Orchestra/internal/pipeline"
	"OpenMCP-Orchestra/internal/provider"
	"OpenMCP-Orchestra/internal/seeds"
	"OpenMCP-Orchestra/pkg/plugin"
)

// stubDriver 按步骤名脚本化失败与延迟，并记录收到的请求。
type stubDriver struct {
	mu       sync.Mutex
	requests []*mcp.Request
	failures map[string]int
	failWith error
	latency  map[string]time.Duration
}

func (d *stubDriver) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req.Clone())
	step, _ := req.Metadata["step"].(string)
	wait := d.latency[step]
	fail := false
	if d.failures[step] > 0 {
		d.failures[step]--
		fail = true
	}
	failWith := d.failWith
	d.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		if failWith != nil {
			return nil, failWith
		}
		return nil, xerrors.New(xerrors.CodeProvider, fmt.Sprintf("scripted failure on %s", step))
	}
	return &mcp.Response{
		Text:         "echo: " + lastUserContent(req),
		Model:        req.Model,
		FinishReason: "stop",
		Usage:        mcp.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}, nil
}

func (d *stubDriver) Stream(ctx context.Context, req *mcp.Request) (<-chan mcp.PartialResponse, error) {
	return nil, xerrors.New(xerrors.CodeProvider, "stub driver does not stream")
}

func (d *stubDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *stubDriver) requestForStep(step string) *mcp.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, req := range d.requests {
		if name, _ := req.Metadata["step"].(string); name == step {
			return req
		}
	}
	return nil
}

func lastUserContent(req *mcp.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

func newTestEngine(t *testing.T, driver provider.Driver, opts ...Option) (*Engine, ctxstore.Store) {
	t.Helper()
	registry := provider.NewRegistry()
	if err := registry.Register("stub", driver); err != nil {
		t.Fatalf("register stub driver: %v", err)
	}
	contexts := ctxstore.NewMemoryStore()
	opts = append([]Option{WithDefaultModel("test-model")}, opts...)
	return New(registry, contexts, opts...), contexts
}

func TestSolveChainedSteps(t *testing.T) {
	driver := &stubDriver{}
	engine, _ := newTestEngine(t, driver)

	res, err := engine.Solve(context.Background(), Request{
		ID: "chain-1",
		Steps: []Step{
			{Name: "analyze", Prompt: "analyze the data"},
			{Name: "synthesize", Prompt: "synthesize {analyze.result}"},
		},
	})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Status, StatusCompleted)
	}
	if res.ChainID != "chain-1" {
		t.Fatalf("chain id = %s", res.ChainID)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(res.Steps))
	}
	if res.Steps[1].Prompt != "synthesize echo: analyze the data" {
		t.Fatalf("unexpected resolved prompt: %q", res.Steps[1].Prompt)
	}
	if res.Final == nil || res.Final.Name != "synthesize" {
		t.Fatalf("unexpected final step: %+v", res.Final)
	}
	if res.Final.Result != "echo: synthesize echo: analyze the data" {
		t.Fatalf("unexpected final result: %q", res.Final.Result)
	}
	if res.Usage.TotalTokens != 14 {
		t.Fatalf("usage total = %d, want 14", res.Usage.TotalTokens)
	}
}

func TestSolveGeneratesChainID(t *testing.T) {
	engine, _ := newTestEngine(t, &stubDriver{})

	res, err := engine.Solve(context.Background(), Request{
		Steps: []Step{{Name: "only", Prompt: "say hi"}},
	})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if res.ChainID == "" {
		t.Fatalf("expected generated chain id")
	}
}

func TestSolveResolvesSeeds(t *testing.T) {
	driver := &stubDriver{}
	engine, _ := newTestEngine(t, driver)

	res, err := engine.Solve(context.Background(), Request{
		ID:    "seeded",
		Seeds: []seeds.Seed{{Key: "topic", Fields: map[string]any{"result": "edge caching"}}},
		Steps: []Step{{Name: "analyze", Prompt: "analyze {topic.result}"}},
	})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if res.Steps[0].Prompt != "analyze edge caching" {
		t.Fatalf("seed not resolved: %q", res.Steps[0].Prompt)
	}
}

func TestSolveHaltsOnStepFailure(t *testing.T) {
	driver := &stubDriver{failures: map[string]int{"expand": 1}}
	engine, _ := newTestEngine(t, driver)

	res, err := engine.Solve(context.Background(), Request{
		ID: "halting",
		Steps: []Step{
			{Name: "draft", Prompt: "draft the outline"},
			{Name: "expand", Prompt: "expand {draft.result}"},
			{Name: "polish", Prompt: "polish {expand.result}"},
		},
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeProvider {
		t.Fatalf("error code = %s, want %s", code, xerrors.CodeProvider)
	}
	if res == nil {
		t.Fatalf("failure must still carry a result")
	}
	if res.Status != StatusFailed || res.FailedStep != "expand" {
		t.Fatalf("unexpected failure shape: %+v", res)
	}
	if len(res.Steps) != 1 || res.Steps[0].Name != "draft" {
		t.Fatalf("expected only the draft result, got %+v", res.Steps)
	}
	if res.Final != nil {
		t.Fatalf("failed chain must not expose a final result")
	}
	if !strings.Contains(res.ErrorMessage, "scripted failure on expand") {
		t.Fatalf("unexpected error message: %q", res.ErrorMessage)
	}
	if driver.calls() != 2 {
		t.Fatalf("polish must not be dispatched, driver saw %d calls", driver.calls())
	}
}

func TestSolveVisibility(t *testing.T) {
	driver := &stubDriver{}
	engine, _ := newTestEngine(t, driver, WithVisibility(VisibilityHidden))

	res, err := engine.Solve(context.Background(), Request{
		ID: "quiet",
		Steps: []Step{
			{Name: "a", Prompt: "first thought"},
			{Name: "b", Prompt: "second {a.result}"},
		},
	})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if res.Steps != nil {
		t.Fatalf("hidden mode must not expose intermediate steps: %+v", res.Steps)
	}
	if res.Final == nil || res.Final.Name != "b" {
		t.Fatalf("hidden mode still returns the terminal result: %+v", res.Final)
	}

	// 单次请求可以覆盖引擎默认的可见性。
	res, err = engine.Solve(context.Background(), Request{
		ID:         "loud",
		Visibility: VisibilityVisible,
		Steps:      []Step{{Name: "a", Prompt: "first thought"}},
	})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if len(res.Steps) != 1 {
		t.Fatalf("visible override ignored: %+v", res.Steps)
	}

	// 失败时 hidden 模式同样不携带已完成步骤，但错误信息完整。
	driver.mu.Lock()
	driver.failures = map[string]int{"bad": 1}
	driver.mu.Unlock()
	res, err = engine.Solve(context.Background(), Request{
		ID: "quiet-fail",
		Steps: []Step{
			{Name: "ok", Prompt: "fine"},
			{Name: "bad", Prompt: "boom"},
		},
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if res.Steps != nil {
		t.Fatalf("hidden failure must not expose steps")
	}
	if res.FailedStep != "bad" || res.ErrorMessage == "" {
		t.Fatalf("failure info missing: %+v", res)
	}
}

func TestSolveRejectsInvalidRequests(t *testing.T) {
	cases := []struct {
		name     string
		req      Request
		fragment string
	}{
		{
			name:     "missing step name",
			req:      Request{Steps: []Step{{Prompt: "hi"}}},
			fragment: "步骤名称不能为空",
		},
		{
			name:     "name not referenceable",
			req:      Request{Steps: []Step{{Name: "9lives", Prompt: "hi"}}},
			fragment: "无法被后续步骤引用",
		},
		{
			name: "duplicate step name",
			req: Request{Steps: []Step{
				{Name: "a", Prompt: "hi"},
				{Name: "a", Prompt: "again"},
			}},
			fragment: "重复",
		},
		{
			name:     "empty prompt",
			req:      Request{Steps: []Step{{Name: "a", Prompt: "   "}}},
			fragment: "提示词不能为空",
		},
		{
			name:     "self reference",
			req:      Request{Steps: []Step{{Name: "a", Prompt: "loop {a.result}"}}},
			fragment: "引用了自身",
		},
		{
			name: "forward reference",
			req: Request{Steps: []Step{
				{Name: "first", Prompt: "peek {second.result}"},
				{Name: "second", Prompt: "fine"},
			}},
			fragment: "引用了后续步骤",
		},
		{
			name: "step name collides with seed",
			req: Request{
				Seeds: []seeds.Seed{{Key: "topic", Fields: map[string]any{"result": "x"}}},
				Steps: []Step{{Name: "topic", Prompt: "hi"}},
			},
			fragment: "与种子键冲突",
		},
		{
			name:     "malformed template",
			req:      Request{Steps: []Step{{Name: "a", Prompt: "broken {not valid}"}}},
			fragment: "模板非法",
		},
		{
			name:     "invalid seed key",
			req:      Request{Seeds: []seeds.Seed{{Key: "9bad", Fields: map[string]any{"result": "x"}}}},
			fragment: "种子键",
		},
		{
			name: "invalid visibility",
			req: Request{
				Visibility: Visibility("loud"),
				Steps:      []Step{{Name: "a", Prompt: "hi"}},
			},
			fragment: "可见性",
		},
		{
			name:     "no steps",
			req:      Request{},
			fragment: "没有步骤",
		},
	}

	engine, _ := newTestEngine(t, &stubDriver{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Solve(context.Background(), tc.req)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if code := xerrors.CodeOf(err); code != xerrors.CodeValidation {
				t.Fatalf("error code = %s, want %s", code, xerrors.CodeValidation)
			}
			if !strings.Contains(err.Error(), tc.fragment) {
				t.Fatalf("error %q does not mention %q", err, tc.fragment)
			}
		})
	}
}

func TestChainBuilderAddStep(t *testing.T) {
	driver := &stubDriver{}
	engine, _ := newTestEngine(t, driver)

	c, err := engine.NewChain(Request{ID: "built"})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if c.ID() != "built" {
		t.Fatalf("chain id = %s", c.ID())
	}
	if err := c.AddStep(Step{Name: "one", Prompt: "count"}); err != nil {
		t.Fatalf("add step: %v", err)
	}
	if err := c.AddStep(Step{Name: "two", Prompt: "then {one.result}"}); err != nil {
		t.Fatalf("add step: %v", err)
	}

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Steps[1].Prompt != "then echo: count" {
		t.Fatalf("unexpected prompt: %q", res.Steps[1].Prompt)
	}
}

func TestSolveStepTimeout(t *testing.T) {
	driver := &stubDriver{latency: map[string]time.Duration{"slow": 500 * time.Millisecond}}
	engine, _ := newTestEngine(t, driver, WithStepTimeout(30*time.Millisecond))

	res, err := engine.Solve(context.Background(), Request{
		ID: "timed",
		Steps: []Step{
			{Name: "fast", Prompt: "quick"},
			{Name: "slow", Prompt: "ponder"},
			{Name: "after", Prompt: "never"},
		},
	})
	if err == nil {
		t.Fatalf("expected timeout")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeTimeout {
		t.Fatalf("error code = %s, want %s", code, xerrors.CodeTimeout)
	}
	if !strings.Contains(err.Error(), "推理超时") {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FailedStep != "slow" || len(res.Steps) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if driver.calls() != 2 {
		t.Fatalf("later steps must not run, driver saw %d calls", driver.calls())
	}
}

func TestSolveCancelledContext(t *testing.T) {
	driver := &stubDriver{}
	engine, _ := newTestEngine(t, driver)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := engine.Solve(ctx, Request{
		ID:    "cancelled",
		Steps: []Step{{Name: "a", Prompt: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected cancellation")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeCancelled {
		t.Fatalf("error code = %s, want %s", code, xerrors.CodeCancelled)
	}
	if res.FailedStep != "a" {
		t.Fatalf("unexpected failed step: %s", res.FailedStep)
	}
	if driver.calls() != 0 {
		t.Fatalf("driver must not be reached")
	}
}

func TestSolveAppliesDefaults(t *testing.T) {
	driver := &stubDriver{}
	engine, _ := newTestEngine(t, driver,
		WithDefaultProvider("stub"),
		WithDefaultModel("base-model"))

	_, err := engine.Solve(context.Background(), Request{
		ID: "defaults",
		Steps: []Step{
			{Name: "plain", Prompt: "hello"},
			{Name: "custom", Prompt: "hello", Model: "fancy"},
		},
	})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	plain := driver.requestForStep("plain")
	if plain == nil || plain.Provider != "stub" || plain.Model != "base-model" {
		t.Fatalf("defaults not applied: %+v", plain)
	}
	custom := driver.requestForStep("custom")
	if custom == nil || custom.Model != "fancy" {
		t.Fatalf("step model not honoured: %+v", custom)
	}
}

func TestSolveRequiresModel(t *testing.T) {
	registry := provider.NewRegistry()
	if err := registry.Register("stub", &stubDriver{}); err != nil {
		t.Fatalf("register stub driver: %v", err)
	}
	engine := New(registry, ctxstore.NewMemoryStore())

	res, err := engine.Solve(context.Background(), Request{
		ID:    "modelless",
		Steps: []Step{{Name: "a", Prompt: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeValidation {
		t.Fatalf("error code = %s, want %s", code, xerrors.CodeValidation)
	}
	if res == nil || res.FailedStep != "a" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// markerHooks 在请求前后各打一个标记，验证钩子在链路径上生效。
type markerHooks struct{}

func (h *markerHooks) Info() plugin.Info {
	return plugin.Info{ID: "marker", Name: "Marker", Version: "0.1.0", Category: plugin.TypeHook}
}

func (h *markerHooks) Configure(map[string]any) error       { return nil }
func (h *markerHooks) Init(*plugin.ExecutionContext) error  { return nil }
func (h *markerHooks) Start(*plugin.ExecutionContext) error { return nil }
func (h *markerHooks) Stop(*plugin.ExecutionContext) error  { return nil }

func (h *markerHooks) PreRequest(ctx context.Context, req *mcp.Request) (*mcp.Request, error) {
	next := req.Clone()
	if len(next.Messages) > 0 {
		next.Messages[len(next.Messages)-1].Content += " [pre]"
	}
	return next, nil
}

func (h *markerHooks) PostResponse(ctx context.Context, resp *mcp.Response) (*mcp.Response, error) {
	next := resp.Clone()
	next.Text = "[post] " + next.Text
	if next.PluginData == nil {
		next.PluginData = map[string]any{}
	}
	next.PluginData["marker"] = true
	return next, nil
}

func TestSolveAppliesPluginHooks(t *testing.T) {
	manager, err := plugin.NewManager(plugin.ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := manager.Register("marker", &markerHooks{}, nil, plugin.IsolationPolicy{}); err != nil {
		t.Fatalf("register plugin: %v", err)
	}
	if err := manager.Start(context.Background(), "marker"); err != nil {
		t.Fatalf("start plugin: %v", err)
	}

	driver := &stubDriver{}
	engine, contexts := newTestEngine(t, driver, WithPipeline(pipeline.New(manager)))

	res, err := engine.Solve(context.Background(), Request{
		ID:    "hooked",
		Steps: []Step{{Name: "greet", Prompt: "hello"}},
	})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	sent := driver.requestForStep("greet")
	if sent == nil || lastUserContent(sent) != "hello [pre]" {
		t.Fatalf("pre hook not applied: %+v", sent)
	}
	if res.Final.Result != "[post] echo: hello [pre]" {
		t.Fatalf("post hook not applied: %q", res.Final.Result)
	}

	entry, err := contexts.Get(context.Background(), chainScope("hooked"), "greet")
	if err != nil {
		t.Fatalf("context entry missing: %v", err)
	}
	data, ok := entry.Fields["plugin_data"].(map[string]any)
	if !ok || data["marker"] != true {
		t.Fatalf("plugin data not stored: %+v", entry.Fields)
	}
}
