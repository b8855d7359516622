package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Orchestra/internal/ctxstore"
	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/observability/metrics"
	"OpenMCP-Orchestra/internal/seeds"
	"OpenMCP-Orchestra/pkg/logger"
)

// SubmitRequest 描述提交一个工作流所需的全部信息。
type SubmitRequest struct {
	// ID 可选；指定后重复提交会返回已有记录，便于幂等重试。
	ID         string       `json:"id,omitempty"`
	Definition Definition   `json:"definition"`
	SeedSet    string       `json:"seed_set,omitempty"`
	Seeds      []seeds.Seed `json:"seeds,omitempty"`
	// Sync 为 true 时绕过队列，在当前调用内执行完毕后返回。
	Sync bool `json:"sync,omitempty"`
}

// Service 负责工作流的受理、查询与生命周期控制。
type Service struct {
	store      Store
	producer   Producer
	runner     Runner
	hub        *Hub
	library    seeds.Provider
	maxRetries int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithServiceRunner 启用同步执行模式所需的引擎。
func WithServiceRunner(runner Runner) ServiceOption {
	return func(s *Service) {
		s.runner = runner
	}
}

// WithServiceHub 与处理器共享控制句柄注册表，暂停与取消请求据此路由到本地执行。
func WithServiceHub(hub *Hub) ServiceOption {
	return func(s *Service) {
		if hub != nil {
			s.hub = hub
		}
	}
}

// WithSeedLibrary 配置命名种子集的来源。
func WithSeedLibrary(library seeds.Provider) ServiceOption {
	return func(s *Service) {
		s.library = library
	}
}

// NewService 构造工作流服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, hub: NewHub(), maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 受理一个工作流：校验定义、合并种子，然后入队或同步执行。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Workflow, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInternal, "工作流服务未初始化")
	}
	if req.Sync && s.runner == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "同步执行未启用")
	}
	if err := req.Definition.Validate(); err != nil {
		return nil, err
	}

	workflowID := strings.TrimSpace(req.ID)
	if workflowID != "" {
		existing, err := s.store.Get(ctx, workflowID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrWorkflowNotFound) {
			return nil, err
		}
	} else {
		workflowID = uuid.NewString()
	}

	merged, err := s.mergeSeeds(&req)
	if err != nil {
		return nil, err
	}

	wf := NewWorkflow(workflowID, req.Definition)
	wf.Seeds = merged
	wf.MaxRetries = s.maxRetries
	if err := s.store.Create(ctx, wf); err != nil {
		if stdErrors.Is(err, ErrWorkflowConflict) {
			existing, getErr := s.store.Get(ctx, workflowID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrWorkflowNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	metrics.WorkflowSubmitted()

	if req.Sync {
		return s.runInline(ctx, wf.ID)
	}

	if err := s.producer.Publish(ctx, wf.ID); err != nil {
		logger.L().Error("工作流入队失败", slog.Any("error", err), slog.String("workflow_id", wf.ID))
		wrapped := xerrors.Wrap(CodeWorkflowPublish, err, "发布工作流到队列失败")
		s.markFailed(ctx, wf, CodeWorkflowPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("工作流入队成功",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.Int("steps", len(wf.Steps)),
		slog.Int("max_retries", wf.MaxRetries),
	)
	return wf, nil
}

// runInline 同步执行：抢占记录后在当前调用内跑完整个工作流。
// 执行前错误不做队列重试，直接置为失败并返回。
func (s *Service) runInline(ctx context.Context, id string) (*Workflow, error) {
	wf, err := s.store.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	control, registered := s.hub.Register(wf.ID)
	if !registered {
		return nil, ErrWorkflowConflict
	}
	defer s.hub.Release(wf.ID)

	if runErr := s.runner.Run(ctx, wf, control); runErr != nil {
		code := xerrors.CodeOf(runErr)
		if code == xerrors.CodeUnknown {
			code = CodeWorkflowProcessing
		}
		s.markFailed(ctx, wf, code, runErr.Error())
		return nil, runErr
	}
	return wf, nil
}

// mergeSeeds 按 种子集 → 定义内联种子 → 请求种子 的顺序合并，后写入的按 key 覆盖先写入的。
func (s *Service) mergeSeeds(req *SubmitRequest) ([]seeds.Seed, error) {
	setName := strings.TrimSpace(req.SeedSet)
	if setName == "" {
		setName = strings.TrimSpace(req.Definition.SeedSet)
	}

	var base []seeds.Seed
	if setName != "" {
		if s.library == nil {
			return nil, xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("未配置种子库，无法使用种子集 %q", setName))
		}
		base = s.library.Lookup(setName)
		if base == nil {
			return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("种子集 %q 不存在", setName))
		}
	}

	stepKeys := make(map[string]string, len(req.Definition.Steps))
	for _, step := range req.Definition.Steps {
		stepKeys[step.storeKey()] = step.Name
	}

	merged := make([]seeds.Seed, 0, len(base)+len(req.Definition.Seeds)+len(req.Seeds))
	index := make(map[string]int)
	appendSeed := func(seed seeds.Seed) error {
		key := strings.TrimSpace(seed.Key)
		if !ctxstore.ValidRefName(key) {
			return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("种子 key %q 不合法", seed.Key))
		}
		if owner, taken := stepKeys[key]; taken {
			return xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("种子 key %q 与步骤 %s 的输出键冲突", key, owner))
		}
		entry := seeds.Seed{Key: key, Fields: cloneValueMap(seed.Fields)}
		if pos, exists := index[key]; exists {
			merged[pos] = entry
			return nil
		}
		index[key] = len(merged)
		merged = append(merged, entry)
		return nil
	}
	for _, group := range [][]seeds.Seed{base, req.Definition.Seeds, req.Seeds} {
		for _, seed := range group {
			if err := appendSeed(seed); err != nil {
				return nil, err
			}
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return merged, nil
}

// markFailed 把工作流直接置为失败终态，用于入队失败等执行前错误。
func (s *Service) markFailed(ctx context.Context, wf *Workflow, code xerrors.Code, message string) {
	now := time.Now().Unix()
	wf.Status = StatusFailed
	wf.ErrorCode = string(code)
	wf.ErrorMessage = message
	wf.UpdatedAt = now
	wf.FinishedAt = now
	if err := s.store.Save(ctx, wf); err != nil {
		logger.L().Error("回写失败状态出错", slog.Any("error", err), slog.String("workflow_id", wf.ID))
	}
}

// Pause 请求暂停工作流。本地在跑的通过控制句柄协作暂停；
// 还在排队的直接落库为已暂停，滞留的队列消息会被 Claim 拒绝。
func (s *Service) Pause(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInternal, "工作流存储未初始化")
	}
	wf, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Terminal() {
		return ErrWorkflowCompleted
	}

	switch wf.Status {
	case StatusRunning:
		control, ok := s.hub.Get(id)
		if !ok {
			return xerrors.New(xerrors.CodeConflict, "工作流正在其他节点执行，无法暂停")
		}
		control.Pause()
		logger.Audit().Info("工作流暂停请求已下发", slog.String("workflow_id", id))
		return nil
	case StatusPending:
		wf.Status = StatusPaused
		wf.UpdatedAt = time.Now().Unix()
		if err := s.store.Save(ctx, wf); err != nil {
			return err
		}
		logger.Audit().Info("工作流已暂停", slog.String("workflow_id", id), slog.String("name", wf.Name))
		return nil
	default:
		return nil
	}
}

// Resume 恢复已暂停的工作流：重置排队尝试次数并重新入队。
// 人为恢复视作新一轮执行，不继承此前耗尽的排队预算。
func (s *Service) Resume(ctx context.Context, id string) error {
	if s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInternal, "工作流服务未初始化")
	}
	wf, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Terminal() {
		return ErrWorkflowCompleted
	}

	switch wf.Status {
	case StatusRunning:
		// 协作暂停尚未落库完成时，控制句柄仍在本地。
		if control, ok := s.hub.Get(id); ok && control.Paused() {
			control.Resume()
			logger.Audit().Info("工作流恢复请求已下发", slog.String("workflow_id", id))
		}
		return nil
	case StatusPaused:
		wf.Status = StatusPending
		wf.Attempts = 0
		wf.UpdatedAt = time.Now().Unix()
		if err := s.store.Save(ctx, wf); err != nil {
			return err
		}
		if err := s.producer.Publish(ctx, id); err != nil {
			wf.Status = StatusPaused
			wf.UpdatedAt = time.Now().Unix()
			if saveErr := s.store.Save(ctx, wf); saveErr != nil {
				logger.L().Error("恢复失败后回写暂停状态出错",
					slog.Any("error", saveErr), slog.String("workflow_id", id))
			}
			return xerrors.Wrap(CodeWorkflowPublish, err, "重新发布工作流失败")
		}
		logger.Audit().Info("工作流已恢复", slog.String("workflow_id", id), slog.String("name", wf.Name))
		return nil
	default:
		return nil
	}
}

// Cancel 终止工作流。本地在跑的通过控制句柄取消；排队或已暂停的直接落库为已取消。
func (s *Service) Cancel(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInternal, "工作流存储未初始化")
	}
	wf, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Terminal() {
		return ErrWorkflowCompleted
	}

	if wf.Status == StatusRunning {
		control, ok := s.hub.Get(id)
		if !ok {
			return xerrors.New(xerrors.CodeConflict, "工作流正在其他节点执行，无法取消")
		}
		control.Cancel()
		logger.Audit().Info("工作流取消请求已下发", slog.String("workflow_id", id))
		return nil
	}

	now := time.Now().Unix()
	for _, step := range wf.Steps {
		if !stepTerminal(step.Status) {
			step.Status = StepCancelled
			step.FinishedAt = now
		}
	}
	wf.Status = StatusCancelled
	wf.ErrorCode = string(xerrors.CodeCancelled)
	wf.ErrorMessage = "workflow cancelled"
	wf.UpdatedAt = now
	wf.FinishedAt = now
	if err := s.store.Save(ctx, wf); err != nil {
		return err
	}
	logger.Audit().Info("工作流已取消", slog.String("workflow_id", id), slog.String("name", wf.Name))
	return nil
}

// Get 返回指定工作流的当前记录。
func (s *Service) Get(ctx context.Context, id string) (*Workflow, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInternal, "工作流存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的工作流列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Workflow, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInternal, "工作流存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的工作流统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (WorkflowStats, error) {
	if s.store == nil {
		return WorkflowStats{}, xerrors.New(xerrors.CodeInternal, "工作流存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询工作流直到进入终态或暂停为止。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Workflow, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		wf, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.Terminal() || wf.Status == StatusPaused {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
