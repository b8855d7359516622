package pipeline

import (
	"context"
	"errors"
	"testing"

	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/mcp"
	"OpenMCP-Orchestra/pkg/plugin"
)

type hookPlugin struct {
	id      string
	log     *[]string
	preErr  error
	postErr error
}

func (p *hookPlugin) Info() plugin.Info {
	return plugin.Info{ID: p.id, Name: p.id, Category: plugin.TypeHook}
}

func (p *hookPlugin) Configure(map[string]any) error       { return nil }
func (p *hookPlugin) Init(*plugin.ExecutionContext) error  { return nil }
func (p *hookPlugin) Start(*plugin.ExecutionContext) error { return nil }
func (p *hookPlugin) Stop(*plugin.ExecutionContext) error  { return nil }

func (p *hookPlugin) PreRequest(_ context.Context, req *mcp.Request) (*mcp.Request, error) {
	if p.preErr != nil {
		return nil, p.preErr
	}
	*p.log = append(*p.log, "pre:"+p.id)
	return req, nil
}

func (p *hookPlugin) PostResponse(_ context.Context, resp *mcp.Response) (*mcp.Response, error) {
	if p.postErr != nil {
		return nil, p.postErr
	}
	*p.log = append(*p.log, "post:"+p.id)
	return resp, nil
}

type processorPlugin struct {
	id string
}

func (p *processorPlugin) Info() plugin.Info {
	return plugin.Info{ID: p.id, Name: p.id, Category: plugin.TypeProcessor}
}

func (p *processorPlugin) Configure(map[string]any) error       { return nil }
func (p *processorPlugin) Init(*plugin.ExecutionContext) error  { return nil }
func (p *processorPlugin) Start(*plugin.ExecutionContext) error { return nil }
func (p *processorPlugin) Stop(*plugin.ExecutionContext) error  { return nil }

func (p *processorPlugin) ProcessStep(_ context.Context, method string, payload map[string]any) (map[string]any, error) {
	if method == "fail" {
		return nil, errors.New("processor boom")
	}
	out := map[string]any{"method": method}
	for k, v := range payload {
		out[k] = v
	}
	return out, nil
}

func newTestPipeline(t *testing.T, plugins ...plugin.Plugin) *Pipeline {
	t.Helper()
	manager, err := plugin.NewManager(plugin.ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	for _, p := range plugins {
		if err := manager.Register(p.Info().ID, p, nil, plugin.IsolationPolicy{}); err != nil {
			t.Fatalf("register %s: %v", p.Info().ID, err)
		}
	}
	return New(manager)
}

func TestPipelineHookOrder(t *testing.T) {
	var log []string
	first := &hookPlugin{id: "first", log: &log}
	second := &hookPlugin{id: "second", log: &log}

	p := newTestPipeline(t, first, second)
	if err := p.Manager().StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}

	req := &mcp.Request{Model: "openai/gpt-4o", Messages: []mcp.Message{{Role: mcp.RoleUser, Content: "hi"}}}
	if _, err := p.ApplyPreRequest(context.Background(), req); err != nil {
		t.Fatalf("pre request: %v", err)
	}
	if _, err := p.ApplyPostResponse(context.Background(), &mcp.Response{Text: "ok"}); err != nil {
		t.Fatalf("post response: %v", err)
	}

	want := []string{"pre:first", "pre:second", "post:second", "post:first"}
	if len(log) != len(want) {
		t.Fatalf("unexpected call log: %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, log)
		}
	}
}

func TestPipelineSkipsStoppedPlugins(t *testing.T) {
	var log []string
	active := &hookPlugin{id: "active", log: &log}
	inactive := &hookPlugin{id: "inactive", log: &log}

	p := newTestPipeline(t, active, inactive)
	if err := p.Manager().Start(context.Background(), "active"); err != nil {
		t.Fatalf("start active: %v", err)
	}

	req := &mcp.Request{Model: "openai/gpt-4o", Messages: []mcp.Message{{Role: mcp.RoleUser, Content: "hi"}}}
	if _, err := p.ApplyPreRequest(context.Background(), req); err != nil {
		t.Fatalf("pre request: %v", err)
	}
	if len(log) != 1 || log[0] != "pre:active" {
		t.Fatalf("stopped plugin must be skipped, log: %v", log)
	}
}

func TestPipelineHookFailure(t *testing.T) {
	var log []string
	ok := &hookPlugin{id: "ok", log: &log}
	bad := &hookPlugin{id: "bad", log: &log, preErr: errors.New("hook boom")}

	p := newTestPipeline(t, ok, bad)
	if err := p.Manager().StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}

	req := &mcp.Request{Model: "openai/gpt-4o", Messages: []mcp.Message{{Role: mcp.RoleUser, Content: "hi"}}}
	_, err := p.ApplyPreRequest(context.Background(), req)
	if xerrors.CodeOf(err) != xerrors.CodePlugin {
		t.Fatalf("expected PLUGIN error, got %v", err)
	}
	xe, _ := xerrors.From(err)
	if xe.Metadata()["plugin"] != "bad" {
		t.Fatalf("failing plugin not attributed: %v", err)
	}
}

func TestPipelineProcess(t *testing.T) {
	p := newTestPipeline(t, &processorPlugin{id: "transform"})
	if err := p.Manager().StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}

	result, err := p.Process(context.Background(), "transform", "uppercase", map[string]any{"text": "abc"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result["method"] != "uppercase" || result["text"] != "abc" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, err := p.Process(context.Background(), "missing", "any", nil); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if _, err := p.Process(context.Background(), "transform", "fail", nil); xerrors.CodeOf(err) != xerrors.CodePlugin {
		t.Fatalf("expected PLUGIN error, got %v", err)
	}
}

func TestPipelineProcessRequiresStartedPlugin(t *testing.T) {
	p := newTestPipeline(t, &processorPlugin{id: "idle"})

	_, err := p.Process(context.Background(), "idle", "any", nil)
	if xerrors.CodeOf(err) != xerrors.CodePlugin {
		t.Fatalf("expected PLUGIN error for stopped plugin, got %v", err)
	}
}
