package chain

import (
	"log/slog"
	"time"

	"OpenMCP-Orchestra/internal/ctxstore"
	"OpenMCP-Orchestra/internal/mcp"
	"OpenMCP-Orchestra/internal/pipeline"
	"OpenMCP-Orchestra/internal/provider"
	"OpenMCP-Orchestra/internal/seeds"
	"OpenMCP-Orchestra/pkg/logger"
)

// Visibility 控制最终结果中是否携带中间步骤。
type Visibility string

const (
	// VisibilityVisible 返回按执行顺序排列的全部步骤结果。
	VisibilityVisible Visibility = "visible"
	// VisibilityHidden 仅返回末尾步骤的结果与元信息。
	VisibilityHidden Visibility = "hidden"
)

// Status 是推理链的终态。
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step 描述推理链中的一步。提示词可以通过 {step.field} 引用
// 更早步骤的输出或种子条目。
type Step struct {
	Name     string         `json:"name"`
	Prompt   string         `json:"prompt"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Request 是一次推理链提交。Session 非空时推理发生在持久会话
// 作用域内，先前求解积累的上下文仍然可以被引用。
type Request struct {
	ID         string       `json:"id,omitempty"`
	Session    string       `json:"session,omitempty"`
	Steps      []Step       `json:"steps"`
	Seeds      []seeds.Seed `json:"seeds,omitempty"`
	Visibility Visibility   `json:"visibility,omitempty"`
}

// StepResult 记录一步的解析提示词与模型输出。
type StepResult struct {
	Name         string    `json:"name"`
	Prompt       string    `json:"prompt"`
	Result       string    `json:"result"`
	Model        string    `json:"model,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        mcp.Usage `json:"usage,omitempty"`
	StartedAt    int64     `json:"started_at"`
	FinishedAt   int64     `json:"finished_at"`
}

// Result 汇总一次求解。失败时 Steps 仍然携带已完成的步骤
// （visible 模式），FailedStep 指向中断推理的那一步。
type Result struct {
	ChainID      string       `json:"chain_id"`
	Session      string       `json:"session,omitempty"`
	Status       Status       `json:"status"`
	Steps        []StepResult `json:"steps,omitempty"`
	Final        *StepResult  `json:"final,omitempty"`
	FailedStep   string       `json:"failed_step,omitempty"`
	ErrorCode    string       `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Usage        mcp.Usage    `json:"usage,omitempty"`
	CreatedAt    int64        `json:"created_at"`
}

// Engine 执行严格线性的推理链：步骤按提交顺序运行，每一步的
// 提示词在派发前针对更早步骤的输出完成解析，首个失败即中止。
type Engine struct {
	drivers  *provider.Registry
	contexts ctxstore.Store
	plugins  *pipeline.Pipeline
	logger   *slog.Logger

	visibility  Visibility
	prune       ctxstore.PrunePolicy
	defProvider string
	defModel    string
	stepTimeout time.Duration
}

// Option 定义可选的引擎配置。
type Option func(*Engine)

// WithPipeline 启用插件管道，模型调用经过前后置钩子。
func WithPipeline(p *pipeline.Pipeline) Option {
	return func(e *Engine) {
		e.plugins = p
	}
}

// WithVisibility 设置默认的可见性模式，单次请求可以覆盖。
func WithVisibility(v Visibility) Option {
	return func(e *Engine) {
		if v == VisibilityVisible || v == VisibilityHidden {
			e.visibility = v
		}
	}
}

// WithPrunePolicy 设置步骤之间的上下文裁剪预算。
func WithPrunePolicy(policy ctxstore.PrunePolicy) Option {
	return func(e *Engine) {
		e.prune = policy
	}
}

// WithDefaultProvider 设置步骤未指定时使用的驱动名。
func WithDefaultProvider(name string) Option {
	return func(e *Engine) {
		e.defProvider = name
	}
}

// WithDefaultModel 设置步骤未指定时使用的模型名。
func WithDefaultModel(model string) Option {
	return func(e *Engine) {
		e.defModel = model
	}
}

// WithStepTimeout 设置单步推理的超时时间。
func WithStepTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout <= 0 {
			e.stepTimeout = 0
			return
		}
		e.stepTimeout = timeout
	}
}

// WithLogger 覆盖默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New 创建推理链引擎，drivers 与 contexts 是必需依赖。
func New(drivers *provider.Registry, contexts ctxstore.Store, opts ...Option) *Engine {
	engine := &Engine{
		drivers:    drivers,
		contexts:   contexts,
		logger:     logger.L(),
		visibility: VisibilityVisible,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// scope 前缀将推理链与工作流的上下文隔离在不同命名空间。
const (
	chainScopePrefix   = "chain:"
	sessionScopePrefix = "session:"
)

func chainScope(id string) string {
	return chainScopePrefix + id
}

func sessionScope(session string) string {
	return sessionScopePrefix + session
}
