package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"OpenMCP-Orchestra/internal/ctxstore"
	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/mcp"
	"OpenMCP-Orchestra/internal/observability/metrics"
	"OpenMCP-Orchestra/internal/pipeline"
	"OpenMCP-Orchestra/internal/provider"
	"OpenMCP-Orchestra/pkg/logger"
)

// defaultEngineConcurrency 限制引擎全局同时执行的步骤数，跨工作流共享。
const defaultEngineConcurrency = 64

// Engine 驱动单个工作流的步骤图：提升就绪步骤、解析模板、调用模型或插件、
// 聚合终态。Run 在主协程上串行修改记录，步骤执行在各自协程内完成并通过
// outcome 通道汇报，互不共享可变状态。
type Engine struct {
	contexts ctxstore.Store
	drivers  *provider.Registry
	plugins  *pipeline.Pipeline
	store    Store
	logger   *slog.Logger
	sem      *semaphore.Weighted
}

// EngineOption 配置引擎的可选依赖。
type EngineOption func(*Engine)

// WithPipeline 启用插件管道，llm 步骤经过前后置钩子，plugin 动作由其分发。
func WithPipeline(p *pipeline.Pipeline) EngineOption {
	return func(e *Engine) {
		e.plugins = p
	}
}

// WithEngineStore 让引擎在每次状态变化后落盘，查询接口能看到实时进度。
func WithEngineStore(store Store) EngineOption {
	return func(e *Engine) {
		e.store = store
	}
}

// WithEngineLogger 覆盖默认日志器。
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineConcurrency 调整引擎全局并行上限。
func WithEngineConcurrency(n int64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(n)
		}
	}
}

// NewEngine 构造工作流引擎，contexts 与 drivers 是必需依赖。
func NewEngine(contexts ctxstore.Store, drivers *provider.Registry, opts ...EngineOption) *Engine {
	engine := &Engine{
		contexts: contexts,
		drivers:  drivers,
		logger:   logger.L(),
		sem:      semaphore.NewWeighted(defaultEngineConcurrency),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// stepOutcome 由步骤协程汇报给主循环。
type stepOutcome struct {
	name       string
	status     StepStatus
	attempts   []Attempt
	startedAt  int64
	finishedAt int64
	code       xerrors.Code
	message    string
}

// Run 执行工作流直至终态、暂停或取消。
// 步骤层面的失败会被记录进工作流，不作为错误返回；返回错误意味着
// 执行没能开始（图非法、种子写入失败等），调用方可按可重试性处理。
func (e *Engine) Run(ctx context.Context, wf *Workflow, control *Control) error {
	if control == nil {
		control = NewControl()
	}
	p, err := compile(&wf.Definition)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-control.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := e.prepare(runCtx, wf, p); err != nil {
		return err
	}
	wf.Status = StatusRunning
	if wf.StartedAt == 0 {
		wf.StartedAt = time.Now().Unix()
	}
	e.save(runCtx, wf)

	outcomes := make(chan stepOutcome, len(wf.Steps))
	running := 0
	aborted := false

	for {
		if !aborted && runCtx.Err() == nil && !control.Cancelled() && !control.Paused() {
			e.promote(runCtx, wf, p)
			launched, starved := e.dispatch(runCtx, wf, p, outcomes, running)
			running += launched
			if running == 0 && starved {
				// 全局额度被其他工作流占满，等到一个空位再重新扫描。
				if err := e.sem.Acquire(runCtx, 1); err == nil {
					e.sem.Release(1)
					continue
				}
			}
		}
		if running == 0 {
			break
		}
		outcome := <-outcomes
		running--
		failed := e.apply(runCtx, wf, p, outcome)
		if failed && p.def.FailFast && !aborted {
			aborted = true
			cancel()
		}
	}

	e.finalize(wf, control, aborted, ctx.Err() != nil)
	e.save(context.Background(), wf)
	return nil
}

// prepare 写入种子条目并登记仍被未完成步骤引用的钉扎。
// 恢复执行时种子已存在，重复键直接忽略。
func (e *Engine) prepare(ctx context.Context, wf *Workflow, p *plan) error {
	for _, seed := range wf.Seeds {
		err := e.contexts.Put(ctx, wf.ID, seed.Key, seed.Fields)
		if err != nil && xerrors.CodeOf(err) != xerrors.CodeDuplicateKey {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("seed context entry %q", seed.Key))
		}
	}
	pins := make(map[string][]string, len(p.pins))
	for key, steps := range p.pins {
		var active []string
		for _, name := range steps {
			if record := wf.Step(name); record != nil && !stepTerminal(record.Status) {
				active = append(active, name)
			}
		}
		if len(active) > 0 {
			pins[key] = active
		}
	}
	if len(pins) == 0 {
		return nil
	}
	return e.contexts.PinReferences(ctx, wf.ID, pins)
}

// promote 反复扫描待执行步骤：依赖全部进入终态后提升为就绪，
// 或按依赖失败策略直接跳过。跳过会解锁后继步骤，因此循环至不再有变化。
func (e *Engine) promote(ctx context.Context, wf *Workflow, p *plan) {
	for {
		progressed := false
		for _, name := range p.order {
			record := wf.Step(name)
			if record.Status != StepPending {
				continue
			}
			allTerminal := true
			anyBad := false
			for _, dep := range p.deps[name] {
				depRecord := wf.Step(dep)
				if !stepTerminal(depRecord.Status) {
					allTerminal = false
					break
				}
				if depRecord.Status != StepSucceeded {
					anyBad = true
				}
			}
			if !allTerminal {
				continue
			}
			if anyBad && dependencyPolicy(p.steps[name]) == DependencySkip {
				e.skip(ctx, wf, record)
				progressed = true
				continue
			}
			record.Status = StepReady
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// dispatch 在并发额度内启动就绪步骤。
// 返回启动数量，以及是否有步骤因全局额度耗尽而等待。
func (e *Engine) dispatch(ctx context.Context, wf *Workflow, p *plan, outcomes chan<- stepOutcome, running int) (int, bool) {
	launched := 0
	limit := p.def.MaxConcurrency
	for _, name := range p.order {
		record := wf.Step(name)
		if record.Status != StepReady {
			continue
		}
		if limit > 0 && running+launched >= limit {
			break
		}
		if !e.sem.TryAcquire(1) {
			return launched, true
		}
		record.Status = StepRunning
		record.StartedAt = time.Now().Unix()
		e.save(ctx, wf)

		step := p.steps[name]
		policy := p.policies[name]
		timeout := p.timeouts[name]
		go func() {
			defer e.sem.Release(1)
			outcomes <- e.executeStep(ctx, wf.ID, step, policy, timeout)
		}()
		launched++
	}
	return launched, false
}

// apply 把步骤结果写回记录并维护上下文：失败步骤写入 error 占位条目
// 供 proceed 策略的后继引用，成功后按策略裁剪，终态一律释放钉扎。
func (e *Engine) apply(ctx context.Context, wf *Workflow, p *plan, outcome stepOutcome) bool {
	record := wf.Step(outcome.name)
	record.Status = outcome.status
	record.Attempts = outcome.attempts
	record.StartedAt = outcome.startedAt
	record.FinishedAt = outcome.finishedAt
	record.ErrorCode = string(outcome.code)
	record.ErrorMessage = outcome.message

	if outcome.status == StepFailed {
		sentinel := map[string]any{ctxstore.FieldError: outcome.message}
		if err := e.contexts.Put(ctx, wf.ID, record.Key, sentinel, ctxstore.WithOverwrite()); err != nil {
			e.logger.Warn("failed to write failure placeholder",
				"workflow_id", wf.ID, "step", outcome.name, "error", err)
		}
	}
	if err := e.contexts.ReleasePins(ctx, wf.ID, outcome.name); err != nil {
		e.logger.Warn("failed to release pins", "workflow_id", wf.ID, "step", outcome.name, "error", err)
	}
	if outcome.status == StepSucceeded && p.def.Prune != nil && p.def.Prune.Enabled() {
		if _, err := e.contexts.Prune(ctx, wf.ID, *p.def.Prune); err != nil {
			e.logger.Warn("context prune failed", "workflow_id", wf.ID, "error", err)
		}
	}
	e.save(ctx, wf)
	e.logger.Info("workflow step finished",
		"workflow_id", wf.ID, "step", outcome.name, "status", string(outcome.status))
	return outcome.status == StepFailed
}

// skip 将步骤标记为跳过并写入占位条目。
func (e *Engine) skip(ctx context.Context, wf *Workflow, record *StepRecord) {
	record.Status = StepSkipped
	record.FinishedAt = time.Now().Unix()
	record.ErrorMessage = "dependency failed or skipped"
	sentinel := map[string]any{ctxstore.FieldError: "step skipped: dependency failed"}
	if err := e.contexts.Put(ctx, wf.ID, record.Key, sentinel, ctxstore.WithOverwrite()); err != nil {
		e.logger.Warn("failed to write skip placeholder",
			"workflow_id", wf.ID, "step", record.Name, "error", err)
	}
	if err := e.contexts.ReleasePins(ctx, wf.ID, record.Name); err != nil {
		e.logger.Warn("failed to release pins", "workflow_id", wf.ID, "step", record.Name, "error", err)
	}
	e.save(ctx, wf)
}

// finalize 收束工作流状态。
// 取消优先；宿主关停时把中断的步骤还原为待执行并挂起，等待恢复；
// 协作暂停保留进度；其余情况按步骤终态聚合。
func (e *Engine) finalize(wf *Workflow, control *Control, aborted, interrupted bool) {
	now := time.Now().Unix()
	switch {
	case control.Cancelled():
		for _, step := range wf.Steps {
			if !stepTerminal(step.Status) {
				step.Status = StepCancelled
				step.FinishedAt = now
			}
		}
		wf.Status = StatusCancelled
		wf.ErrorCode = string(xerrors.CodeCancelled)
		wf.ErrorMessage = "workflow cancelled"
		wf.FinishedAt = now
		metrics.WorkflowFinished(string(StatusCancelled))
	case aborted:
		e.aggregate(wf, now)
	case interrupted:
		for _, step := range wf.Steps {
			switch step.Status {
			case StepRunning, StepReady, StepCancelled:
				step.Status = StepPending
				step.StartedAt = 0
				step.FinishedAt = 0
			}
		}
		wf.Status = StatusPaused
	case control.Paused() && hasRemaining(wf):
		for _, step := range wf.Steps {
			if step.Status == StepReady {
				step.Status = StepPending
			}
		}
		wf.Status = StatusPaused
	default:
		e.aggregate(wf, now)
	}
}

// aggregate 按步骤终态推导工作流终态：存在失败即失败，否则完成。
// fail-fast 中止后残留的非终态步骤记为跳过。
func (e *Engine) aggregate(wf *Workflow, now int64) {
	for _, step := range wf.Steps {
		if !stepTerminal(step.Status) {
			step.Status = StepSkipped
			step.ErrorMessage = "skipped after earlier failure"
		}
	}
	var failures []string
	code := ""
	for _, step := range wf.Steps {
		if step.Status == StepFailed {
			if code == "" {
				code = step.ErrorCode
			}
			failures = append(failures, fmt.Sprintf("%s: %s", step.Name, step.ErrorMessage))
		}
	}
	if len(failures) > 0 {
		wf.Status = StatusFailed
		wf.ErrorCode = code
		wf.ErrorMessage = strings.Join(failures, "; ")
	} else {
		wf.Status = StatusCompleted
		wf.Result = e.collectResult(wf)
	}
	wf.FinishedAt = now
	metrics.WorkflowFinished(string(wf.Status))
}

// collectResult 汇总成功步骤的主输出，作为工作流结果快照。
func (e *Engine) collectResult(wf *Workflow) map[string]any {
	entries, err := e.contexts.Snapshot(context.Background(), wf.ID)
	if err != nil {
		e.logger.Warn("failed to snapshot workflow result", "workflow_id", wf.ID, "error", err)
		return nil
	}
	byKey := make(map[string]map[string]any, len(entries))
	for _, entry := range entries {
		byKey[entry.Key] = entry.Fields
	}
	result := make(map[string]any)
	for _, step := range wf.Steps {
		if step.Status != StepSucceeded {
			continue
		}
		fields, ok := byKey[step.Key]
		if !ok {
			continue
		}
		if text, ok := fields[ctxstore.FieldResult].(string); ok {
			result[step.Key] = text
		} else {
			result[step.Key] = fields
		}
	}
	return result
}

// executeStep 在重试策略内执行单个步骤。
func (e *Engine) executeStep(ctx context.Context, scope string, step StepDef, policy RetryPolicy, timeout time.Duration) stepOutcome {
	out := stepOutcome{name: step.Name, startedAt: time.Now().Unix()}
	for attempt := 1; ; attempt++ {
		record := Attempt{Number: attempt, StartedAt: time.Now().Unix()}
		started := time.Now()
		err := e.attempt(ctx, scope, step, timeout)
		record.FinishedAt = time.Now().Unix()
		if err == nil {
			metrics.StepExecuted(step.Provider, "ok", time.Since(started))
			out.attempts = append(out.attempts, record)
			out.status = StepSucceeded
			out.finishedAt = record.FinishedAt
			return out
		}
		metrics.StepExecuted(step.Provider, "error", time.Since(started))
		code := xerrors.CodeOf(err)
		record.ErrorCode = string(code)
		record.ErrorMessage = err.Error()
		out.attempts = append(out.attempts, record)
		out.finishedAt = record.FinishedAt

		if ctx.Err() != nil || code == xerrors.CodeCancelled {
			out.status = StepCancelled
			out.code = xerrors.CodeCancelled
			out.message = "step cancelled"
			return out
		}
		retryable := xerrors.RetryableError(err)
		if code == xerrors.CodeTimeout {
			retryable = policy.RetryOnTimeout
		}
		if !retryable {
			if code == xerrors.CodePlugin {
				pluginID, _, _ := strings.Cut(step.Action, ".")
				metrics.PluginFailure(pluginID)
			}
			out.status = StepFailed
			out.code = code
			out.message = err.Error()
			return out
		}
		if !policy.allows(attempt) {
			out.status = StepFailed
			out.code = xerrors.CodeExhausted
			out.message = fmt.Sprintf("retry budget exhausted (attempts=%d): %v", attempt, err)
			return out
		}
		metrics.StepRetried()
		if delay := policy.backoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				out.status = StepCancelled
				out.code = xerrors.CodeCancelled
				out.message = "step cancelled"
				out.finishedAt = time.Now().Unix()
				return out
			case <-timer.C:
			}
		}
	}
}

// attempt 执行一次尝试，超时在这里统一换算为 TIMEOUT 错误。
func (e *Engine) attempt(ctx context.Context, scope string, step StepDef, timeout time.Duration) error {
	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err := e.invoke(attemptCtx, scope, step)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("step %q timed out after %s", step.Name, timeout))
	}
	return err
}

// invoke 解析模板后按动作类型调用模型网关或插件。
func (e *Engine) invoke(ctx context.Context, scope string, step StepDef) error {
	prompt, err := e.contexts.Resolve(ctx, scope, step.Prompt)
	if err != nil {
		return err
	}
	system, err := e.contexts.Resolve(ctx, scope, step.System)
	if err != nil {
		return err
	}
	params, err := e.resolveParams(ctx, scope, step.Params)
	if err != nil {
		return err
	}
	if step.Action == "" || step.Action == ActionLLM {
		return e.invokeLLM(ctx, scope, step, prompt, system, params)
	}
	pluginID, method, _ := strings.Cut(step.Action, ".")
	return e.invokePlugin(ctx, scope, step, pluginID, method, params)
}

func (e *Engine) invokeLLM(ctx context.Context, scope string, step StepDef, prompt, system string, params map[string]any) error {
	var messages []mcp.Message
	if system != "" {
		messages = append(messages, mcp.Message{Role: mcp.RoleSystem, Content: system})
	}
	messages = append(messages, mcp.Message{Role: mcp.RoleUser, Content: prompt})

	req := &mcp.Request{
		Provider:   step.Provider,
		Model:      step.Model,
		Messages:   messages,
		Stream:     step.Stream,
		Parameters: params,
		Metadata:   map[string]any{"workflow_id": scope, "step": step.Name},
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if e.plugins != nil {
		adjusted, err := e.plugins.ApplyPreRequest(ctx, req)
		if err != nil {
			return err
		}
		req = adjusted
	}

	var resp *mcp.Response
	if step.Stream {
		stream, err := e.drivers.DispatchStream(ctx, req)
		if err != nil {
			return err
		}
		resp = mcp.Collect(stream)
	} else {
		var err error
		resp, err = e.drivers.Dispatch(ctx, req)
		if err != nil {
			return err
		}
	}
	if e.plugins != nil {
		adjusted, err := e.plugins.ApplyPostResponse(ctx, resp)
		if err != nil {
			return err
		}
		resp = adjusted
	}
	if err := resp.Validate(); err != nil {
		return err
	}

	fields := map[string]any{ctxstore.FieldResult: resp.Text}
	if resp.Model != "" {
		fields["model"] = resp.Model
	}
	if resp.FinishReason != "" {
		fields["finish_reason"] = resp.FinishReason
	}
	if resp.Usage.TotalTokens > 0 {
		fields["usage"] = map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}
	if len(resp.PluginData) > 0 {
		fields["plugin_data"] = resp.PluginData
	}
	// 中断恢复会重跑未记账的步骤，条目可能已写入，按重试语义覆盖。
	return e.contexts.Put(ctx, scope, step.storeKey(), fields, ctxstore.WithOverwrite())
}

func (e *Engine) invokePlugin(ctx context.Context, scope string, step StepDef, pluginID, method string, params map[string]any) error {
	if e.plugins == nil {
		return xerrors.New(xerrors.CodePlugin,
			fmt.Sprintf("step %q requires plugin %q but no pipeline is configured", step.Name, pluginID))
	}
	payload := make(map[string]any, len(params)+2)
	for key, value := range params {
		payload[key] = value
	}
	payload["workflow_id"] = scope
	payload["step"] = step.Name

	result, err := e.plugins.Process(ctx, pluginID, method, payload)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		return xerrors.New(xerrors.CodePlugin, fmt.Sprintf("plugin %q returned no fields", pluginID))
	}
	return e.contexts.Put(ctx, scope, step.storeKey(), result, ctxstore.WithOverwrite())
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

func (e *Engine) save(ctx context.Context, wf *Workflow) {
	if e.store == nil {
		return
	}
	wf.UpdatedAt = time.Now().Unix()
	if err := e.store.Save(ctx, wf); err != nil {
		e.logger.Warn("failed to persist workflow progress", "workflow_id", wf.ID, "error", err)
	}
}

func stepTerminal(status StepStatus) bool {
	switch status {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

func hasRemaining(wf *Workflow) bool {
	for _, step := range wf.Steps {
		if step.Status == StepPending || step.Status == StepReady {
			return true
		}
	}
	return false
}
