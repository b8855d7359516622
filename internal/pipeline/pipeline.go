// Package pipeline 将插件管理器编排为围绕模型调用的处理管线。
package pipeline

import (
	"context"
	"fmt"

	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/mcp"
	"OpenMCP-Orchestra/pkg/plugin"
)

// PreRequestHook 在请求发往模型驱动之前执行，可改写请求。
type PreRequestHook interface {
	PreRequest(ctx context.Context, req *mcp.Request) (*mcp.Request, error)
}

// PostResponseHook 在模型响应返回之后执行，可改写响应。
type PostResponseHook interface {
	PostResponse(ctx context.Context, resp *mcp.Response) (*mcp.Response, error)
}

// StepProcessor 直接处理工作流步骤载荷，用于 "plugin.method" 形式的动作。
type StepProcessor interface {
	ProcessStep(ctx context.Context, method string, payload map[string]any) (map[string]any, error)
}

// Pipeline 按注册顺序遍历插件：前置钩子正序执行，后置钩子逆序执行。
// 未启动的插件被跳过，任一钩子失败即终止并标注出错插件。
type Pipeline struct {
	manager *plugin.Manager
}

// New 基于插件管理器创建管线。
func New(manager *plugin.Manager) *Pipeline {
	return &Pipeline{manager: manager}
}

// Manager 返回底层插件管理器。
func (p *Pipeline) Manager() *plugin.Manager {
	return p.manager
}

// ApplyPreRequest 正序执行全部已启动插件的前置钩子。
func (p *Pipeline) ApplyPreRequest(ctx context.Context, req *mcp.Request) (*mcp.Request, error) {
	if p == nil || p.manager == nil {
		return req, nil
	}
	for _, id := range p.manager.IDs() {
		impl := p.started(id)
		if impl == nil {
			continue
		}
		hook, ok := impl.(PreRequestHook)
		if !ok {
			continue
		}
		next, err := hook.PreRequest(ctx, req)
		if err != nil {
			return nil, hookError(id, "pre_request", err)
		}
		if next != nil {
			req = next
		}
	}
	return req, nil
}

// ApplyPostResponse 逆序执行全部已启动插件的后置钩子。
func (p *Pipeline) ApplyPostResponse(ctx context.Context, resp *mcp.Response) (*mcp.Response, error) {
	if p == nil || p.manager == nil {
		return resp, nil
	}
	ids := p.manager.IDs()
	for i := len(ids) - 1; i >= 0; i-- {
		impl := p.started(ids[i])
		if impl == nil {
			continue
		}
		hook, ok := impl.(PostResponseHook)
		if !ok {
			continue
		}
		next, err := hook.PostResponse(ctx, resp)
		if err != nil {
			return nil, hookError(ids[i], "post_response", err)
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

// Process 将步骤载荷交给指定插件处理。插件必须已启动且实现 StepProcessor。
func (p *Pipeline) Process(ctx context.Context, pluginID, method string, payload map[string]any) (map[string]any, error) {
	if p == nil || p.manager == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "插件管线未初始化")
	}
	impl, state, err := p.manager.Lookup(pluginID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err,
			fmt.Sprintf("插件 %s 未注册", pluginID),
			xerrors.WithMetadata("plugin", pluginID))
	}
	if state != plugin.StateStarted {
		return nil, xerrors.New(xerrors.CodePlugin,
			fmt.Sprintf("插件 %s 尚未启动", pluginID),
			xerrors.WithMetadata("plugin", pluginID),
			xerrors.WithMetadata("state", string(state)))
	}
	processor, ok := impl.(StepProcessor)
	if !ok {
		return nil, xerrors.New(xerrors.CodePlugin,
			fmt.Sprintf("插件 %s 不支持步骤处理", pluginID),
			xerrors.WithMetadata("plugin", pluginID))
	}
	result, err := processor.ProcessStep(ctx, method, payload)
	if err != nil {
		return nil, hookError(pluginID, method, err)
	}
	return result, nil
}

// Describe 返回全部插件的只读视图。
func (p *Pipeline) Describe() []plugin.Descriptor {
	if p == nil || p.manager == nil {
		return nil
	}
	return p.manager.Describe()
}

// started 返回已启动的插件实现，未注册或未启动时返回 nil。
func (p *Pipeline) started(id string) plugin.Plugin {
	impl, state, err := p.manager.Lookup(id)
	if err != nil || state != plugin.StateStarted {
		return nil
	}
	return impl
}

// hookError 统一标注出错插件与阶段，保留原始错误供排查。
func hookError(id, stage string, err error) error {
	if xerrors.CodeOf(err) != xerrors.CodeUnknown {
		return xerrors.Wrap(xerrors.CodeOf(err), err,
			fmt.Sprintf("插件 %s 在 %s 阶段失败", id, stage),
			xerrors.WithMetadata("plugin", id),
			xerrors.WithMetadata("stage", stage))
	}
	return xerrors.Wrap(xerrors.CodePlugin, err,
		fmt.Sprintf("插件 %s 在 %s 阶段失败", id, stage),
		xerrors.WithMetadata("plugin", id),
		xerrors.WithMetadata("stage", stage))
}
