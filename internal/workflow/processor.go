package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/observability/alerting"
	"OpenMCP-Orchestra/pkg/logger"
)

// Runner 定义了处理器所需的引擎能力。
type Runner interface {
	Run(ctx context.Context, wf *Workflow, control *Control) error
}

// Processor 负责从队列消费工作流并交给引擎执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	hub         *Hub
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithControlHub 共享控制句柄注册表，服务层据此转发暂停与取消请求。
func WithControlHub(hub *Hub) ProcessorOption {
	return func(p *Processor) {
		if hub != nil {
			p.hub = hub
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		hub:         NewHub(),
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Hub 返回控制句柄注册表。
func (p *Processor) Hub() *Hub {
	return p.hub
}

// Start 启动工作流处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInternal, "未配置工作流消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, workflowID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInternal, "处理器未初始化")
	}
	wf, err := p.store.Claim(ctx, workflowID)
	if err != nil {
		if stdErrors.Is(err, ErrWorkflowNotFound) || stdErrors.Is(err, ErrWorkflowCompleted) ||
			stdErrors.Is(err, ErrWorkflowExhausted) || stdErrors.Is(err, ErrWorkflowConflict) {
			p.logDebug("跳过工作流", slog.String("workflow_id", workflowID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取工作流失败", slog.Any("error", err), slog.String("workflow_id", workflowID))
		p.emitAlert(ctx, &Workflow{ID: workflowID}, CodeWorkflowProcessing, err, "claim")
		return err
	}

	control, registered := p.hub.Register(wf.ID)
	if !registered {
		p.logDebug("工作流已在本地执行", slog.String("workflow_id", wf.ID))
		return nil
	}
	defer p.hub.Release(wf.ID)

	if runErr := p.runner.Run(ctx, wf, control); runErr != nil {
		return p.handleRunFailure(ctx, wf, runErr)
	}

	switch wf.Status {
	case StatusCompleted:
		logger.Audit().Info("工作流执行完成",
			slog.String("workflow_id", wf.ID),
			slog.String("name", wf.Name),
			slog.Int("steps", len(wf.Steps)),
		)
	case StatusFailed:
		logger.Audit().Warn("工作流执行失败",
			slog.String("workflow_id", wf.ID),
			slog.String("name", wf.Name),
			slog.String("error_code", wf.ErrorCode),
			slog.String("error", wf.ErrorMessage),
		)
		p.emitAlert(ctx, wf, xerrors.Code(wf.ErrorCode), stdErrors.New(wf.ErrorMessage), "terminal")
	case StatusPaused:
		logger.Audit().Info("工作流已暂停", slog.String("workflow_id", wf.ID))
	case StatusCancelled:
		logger.Audit().Info("工作流已取消", slog.String("workflow_id", wf.ID))
	}
	return nil
}

// handleRunFailure 处理引擎层面的执行错误。
// 步骤失败由引擎记录在工作流内，不会走到这里；这里面对的是
// 图编译、种子写入之类让执行无法开始的错误。
func (p *Processor) handleRunFailure(ctx context.Context, wf *Workflow, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeWorkflowProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := (wf.MaxRetries > 0 && wf.Attempts >= wf.MaxRetries) || !retryable

	if !retryable && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, wf, runErr)
		if recErr != nil {
			logger.L().Error("执行补偿逻辑失败", slog.Any("error", recErr), slog.String("workflow_id", wf.ID))
			p.emitAlert(ctx, wf, code, recErr, "compensate")
		} else if fallback != nil {
			wf.Status = StatusCompleted
			wf.Result = fallback
			wf.ErrorCode = ""
			wf.ErrorMessage = ""
			wf.FinishedAt = time.Now().Unix()
			wf.UpdatedAt = wf.FinishedAt
			if err := p.store.Save(ctx, wf); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("workflow_id", wf.ID))
				return err
			}
			logger.Audit().Warn("工作流降级完成",
				slog.String("workflow_id", wf.ID),
				slog.String("name", wf.Name),
			)
			p.emitAlert(ctx, wf, code, runErr, "degraded")
			return nil
		}
	}

	if terminal {
		wf.Status = StatusFailed
		wf.FinishedAt = time.Now().Unix()
	} else {
		wf.Status = StatusPending
	}
	wf.ErrorCode = string(code)
	wf.ErrorMessage = runErr.Error()
	wf.UpdatedAt = time.Now().Unix()
	if err := p.store.Save(ctx, wf); err != nil {
		logger.L().Error("回写失败状态出错", slog.Any("error", err), slog.String("workflow_id", wf.ID))
		return err
	}
	logger.Audit().Warn("工作流执行出错",
		slog.String("workflow_id", wf.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", wf.Attempts),
		slog.Int("max_retries", wf.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, wf, code, runErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, wf.ID); pubErr != nil {
			return xerrors.Wrap(CodeWorkflowPublish, pubErr, fmt.Sprintf("工作流 %s 重投失败", wf.ID))
		}
		p.logDebug("工作流已重新排队", slog.String("workflow_id", wf.ID), slog.Int("attempts", wf.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, wf *Workflow, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || wf == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		WorkflowID: wf.ID,
		Attempts:   wf.Attempts,
		MaxRetries: wf.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("workflow_id", wf.ID),
			slog.String("stage", stage),
		)
	}
}
