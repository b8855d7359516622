package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Orchestra/internal/ctxstore"
	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/mcp"
	"OpenMCP-Orchestra/internal/observability/metrics"
	"OpenMCP-Orchestra/internal/seeds"
)

// Chain 是一条已校验的线性推理链。步骤通过 AddStep 逐个加入，
// 加入时即完成名称、提示词与引用方向的校验。
type Chain struct {
	engine     *Engine
	id         string
	session    string
	scope      string
	visibility Visibility

	steps    []Step
	names    map[string]struct{}
	seeds    []seeds.Seed
	seedKeys map[string]struct{}
	// refs 记录 引用键 -> 依赖它的步骤，供裁剪前登记 Pin。
	refs map[string][]string
	// pending 记录尚未被任何种子或先行步骤满足的引用键及首个引用方。
	pending map[string]string
}

// NewChain 依据请求构建推理链。请求中的步骤按顺序加入，
// 任何一步不合法都会使整条链被拒绝。
func (e *Engine) NewChain(req Request) (*Chain, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	session := strings.TrimSpace(req.Session)

	c := &Chain{
		engine:     e,
		id:         id,
		session:    session,
		scope:      chainScope(id),
		visibility: e.visibility,
		names:      make(map[string]struct{}),
		seedKeys:   make(map[string]struct{}),
		refs:       make(map[string][]string),
		pending:    make(map[string]string),
	}
	if session != "" {
		c.scope = sessionScope(session)
	}
	if req.Visibility != "" {
		if req.Visibility != VisibilityVisible && req.Visibility != VisibilityHidden {
			return nil, xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("可见性 %q 不合法", req.Visibility))
		}
		c.visibility = req.Visibility
	}

	for _, seed := range req.Seeds {
		key := strings.TrimSpace(seed.Key)
		if !ctxstore.ValidRefName(key) {
			return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("种子键 %q 不合法", seed.Key))
		}
		if _, exists := c.seedKeys[key]; exists {
			return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("种子键 %q 重复", key))
		}
		c.seedKeys[key] = struct{}{}
		c.seeds = append(c.seeds, seeds.Seed{Key: key, Fields: seed.Fields})
	}

	for _, step := range req.Steps {
		if err := c.AddStep(step); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddStep 校验并追加一个步骤。名称必须唯一且可被后续步骤引用，
// 提示词不能为空；对后续步骤的引用在加入时即被拒绝。
func (c *Chain) AddStep(step Step) error {
	name := strings.TrimSpace(step.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeValidation, "步骤名称不能为空")
	}
	if !ctxstore.ValidRefName(name) {
		return xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("步骤名称 %q 无法被后续步骤引用", name))
	}
	if _, exists := c.names[name]; exists {
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("步骤名称 %q 重复", name))
	}
	if _, exists := c.seedKeys[name]; exists {
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("步骤名称 %q 与种子键冲突", name))
	}
	if referrer, referenced := c.pending[name]; referenced {
		return xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("步骤 %q 引用了后续步骤 %q", referrer, name))
	}
	if strings.TrimSpace(step.Prompt) == "" {
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("步骤 %q 的提示词不能为空", name))
	}

	refs, err := stepRefs(step)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("步骤 %q 的模板非法", name))
	}
	for _, ref := range refs {
		if ref.Step == name {
			return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("步骤 %q 引用了自身", name))
		}
		c.refs[ref.Step] = append(c.refs[ref.Step], name)
		if _, satisfied := c.names[ref.Step]; satisfied {
			continue
		}
		if _, satisfied := c.seedKeys[ref.Step]; satisfied {
			continue
		}
		// 未知键可能来自会话中先前求解的输出，留到解析时再判定。
		if _, tracked := c.pending[ref.Step]; !tracked {
			c.pending[ref.Step] = name
		}
	}

	step.Name = name
	c.steps = append(c.steps, step)
	c.names[name] = struct{}{}
	return nil
}

// ID 返回推理链标识。
func (c *Chain) ID() string {
	return c.id
}

// Run 按提交顺序执行全部步骤。首个失败立即中止，
// 返回的 Result 在 visible 模式下仍携带已完成的步骤结果。
func (c *Chain) Run(ctx context.Context) (*Result, error) {
	return c.engine.run(ctx, c)
}

// Solve 构建并执行推理链，是面向接口层的一次性入口。
func (e *Engine) Solve(ctx context.Context, req Request) (*Result, error) {
	c, err := e.NewChain(req)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx)
}

// ClearSession 清空指定会话积累的上下文与引用登记。
func (e *Engine) ClearSession(ctx context.Context, session string) error {
	session = strings.TrimSpace(session)
	if session == "" {
		return xerrors.New(xerrors.CodeValidation, "会话标识不能为空")
	}
	if e.contexts == nil {
		return xerrors.New(xerrors.CodeInternal, "上下文存储未配置")
	}
	return e.contexts.Clear(ctx, sessionScope(session))
}

func (e *Engine) run(ctx context.Context, c *Chain) (*Result, error) {
	if e.drivers == nil {
		return nil, xerrors.New(xerrors.CodeInternal, "模型注册表未配置")
	}
	if e.contexts == nil {
		return nil, xerrors.New(xerrors.CodeInternal, "上下文存储未配置")
	}
	if len(c.steps) == 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "推理链没有步骤")
	}

	started := time.Now()
	// 会话作用域保留历史输出，一次性作用域每次求解都从零开始。
	if c.session == "" {
		if err := e.contexts.Clear(ctx, c.scope); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理推理链上下文失败")
		}
	}
	for _, seed := range c.seeds {
		if err := e.contexts.Put(ctx, c.scope, seed.Key, seed.Fields, ctxstore.WithOverwrite()); err != nil {
			return nil, err
		}
	}
	if len(c.refs) > 0 {
		if err := e.contexts.PinReferences(ctx, c.scope, c.refs); err != nil {
			return nil, err
		}
	}
	defer func() {
		// 中止路径上未执行步骤的 Pin 不能滞留，否则会话裁剪永远跳过这些键。
		for _, step := range c.steps {
			_ = e.contexts.ReleasePins(context.Background(), c.scope, step.Name)
		}
	}()

	completed := make([]StepResult, 0, len(c.steps))
	var usage mcp.Usage
	for _, step := range c.steps {
		if err := ctx.Err(); err != nil {
			return e.halt(c, completed, usage, step.Name,
				xerrors.Wrap(xerrors.CodeCancelled, err, "推理链被取消"))
		}

		stepStarted := time.Now().Unix()
		prompt, err := e.contexts.Resolve(ctx, c.scope, step.Prompt)
		if err != nil {
			return e.halt(c, completed, usage, step.Name, err)
		}
		params, err := e.resolveParams(ctx, c.scope, step.Params)
		if err != nil {
			return e.halt(c, completed, usage, step.Name, err)
		}

		resp, err := e.invoke(ctx, c, step, prompt, params)
		if err != nil {
			return e.halt(c, completed, usage, step.Name, err)
		}

		fields := map[string]any{ctxstore.FieldResult: resp.Text}
		fields["prompt"] = prompt
		if resp.Model != "" {
			fields["model"] = resp.Model
		}
		if resp.FinishReason != "" {
			fields["finish_reason"] = resp.FinishReason
		}
		if len(resp.PluginData) > 0 {
			fields["plugin_data"] = resp.PluginData
		}
		// 同名步骤在会话续跑时会再次写入，按重试语义覆盖。
		if err := e.contexts.Put(ctx, c.scope, step.Name, fields, ctxstore.WithOverwrite()); err != nil {
			return e.halt(c, completed, usage, step.Name, err)
		}

		completed = append(completed, StepResult{
			Name:         step.Name,
			Prompt:       prompt,
			Result:       resp.Text,
			Model:        resp.Model,
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
			StartedAt:    stepStarted,
			FinishedAt:   time.Now().Unix(),
		})
		usage.Add(resp.Usage)

		if err := e.contexts.ReleasePins(ctx, c.scope, step.Name); err != nil {
			e.logger.Warn("failed to release context pins", "chain_id", c.id, "step", step.Name, "error", err)
		}
		if e.prune.Enabled() {
			removed, err := e.contexts.Prune(ctx, c.scope, e.prune)
			if err != nil {
				e.logger.Warn("context prune failed", "chain_id", c.id, "error", err)
			} else if removed > 0 {
				e.logger.Debug("context pruned", "chain_id", c.id, "removed", removed)
			}
		}
	}

	final := completed[len(completed)-1]
	result := &Result{
		ChainID:   c.id,
		Session:   c.session,
		Status:    StatusCompleted,
		Final:     &final,
		Usage:     usage,
		CreatedAt: time.Now().Unix(),
	}
	if c.visibility == VisibilityVisible {
		result.Steps = completed
	}
	metrics.ChainSolved(string(StatusCompleted))
	e.logger.Info("chain completed",
		"chain_id", c.id,
		"steps", len(completed),
		"duration", time.Since(started).String())
	return result, nil
}

// halt 组装失败结果。已完成步骤仅在 visible 模式下返回，
// 但无论哪种模式失败信息都会完整带出。
func (e *Engine) halt(c *Chain, completed []StepResult, usage mcp.Usage, failed string, err error) (*Result, error) {
	result := &Result{
		ChainID:      c.id,
		Session:      c.session,
		Status:       StatusFailed,
		FailedStep:   failed,
		ErrorCode:    string(xerrors.CodeOf(err)),
		ErrorMessage: err.Error(),
		Usage:        usage,
		CreatedAt:    time.Now().Unix(),
	}
	if c.visibility == VisibilityVisible {
		result.Steps = completed
	}
	metrics.ChainSolved(string(StatusFailed))
	e.logger.Warn("chain halted",
		"chain_id", c.id,
		"step", failed,
		"completed", len(completed),
		"error", err)
	return result, err
}

// invoke 调用模型网关完成一步推理，超时统一换算为 TIMEOUT 错误。
func (e *Engine) invoke(parent context.Context, c *Chain, step Step, prompt string, params map[string]any) (*mcp.Response, error) {
	providerName := step.Provider
	if providerName == "" {
		providerName = e.defProvider
	}
	model := step.Model
	if model == "" {
		model = e.defModel
	}

	req := &mcp.Request{
		Provider:   providerName,
		Model:      model,
		Messages:   []mcp.Message{{Role: mcp.RoleUser, Content: prompt}},
		Parameters: params,
		Metadata:   map[string]any{"chain_id": c.id, "step": step.Name},
	}
	if c.session != "" {
		req.Metadata["session_id"] = c.session
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx := parent
	cancel := func() {}
	if e.stepTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, e.stepTimeout)
	}
	defer cancel()

	if e.plugins != nil {
		adjusted, err := e.plugins.ApplyPreRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		req = adjusted
	}
	resp, err := e.drivers.Dispatch(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && parent.Err() == nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err,
				fmt.Sprintf("步骤 %q 推理超时", step.Name))
		}
		return nil, err
	}
	if e.plugins != nil {
		adjusted, err := e.plugins.ApplyPostResponse(ctx, resp)
		if err != nil {
			return nil, err
		}
		resp = adjusted
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

// resolveParams 深拷贝参数树并解析其中的字符串模板。
func (e *Engine) resolveParams(ctx context.Context, scope string, params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	resolved, err := e.resolveValue(ctx, scope, map[string]any(params))
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (e *Engine) resolveValue(ctx context.Context, scope string, value any) (any, error) {
	switch v := value.(type) {
	case string:
		return e.contexts.Resolve(ctx, scope, v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := e.resolveValue(ctx, scope, item)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := e.resolveValue(ctx, scope, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// stepRefs 收集步骤提示词与字符串参数中的全部引用。
func stepRefs(step Step) ([]ctxstore.Ref, error) {
	refs, err := ctxstore.ExtractRefs(step.Prompt)
	if err != nil {
		return nil, err
	}
	seen := make(map[ctxstore.Ref]bool, len(refs))
	for _, ref := range refs {
		seen[ref] = true
	}
	err = walkStrings(step.Params, func(template string) error {
		found, ferr := ctxstore.ExtractRefs(template)
		if ferr != nil {
			return ferr
		}
		for _, ref := range found {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// walkStrings 深度遍历参数树并对每个字符串值调用 visit。
func walkStrings(value any, visit func(string) error) error {
	switch v := value.(type) {
	case string:
		return visit(v)
	case map[string]any:
		for _, item := range v {
			if err := walkStrings(item, visit); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, item := range v {
			if err := walkStrings(item, visit); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
