package workflow

import (
	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/seeds"
)

// Status 表示工作流在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepStatus 表示单个步骤的状态。
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Attempt 记录步骤的一次执行尝试。
type Attempt struct {
	Number       int    `json:"number"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   int64  `json:"finished_at"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StepRecord 保存步骤的执行历史，供查询接口与恢复逻辑使用。
type StepRecord struct {
	Name         string     `json:"name"`
	Key          string     `json:"key"`
	Status       StepStatus `json:"status"`
	Attempts     []Attempt  `json:"attempts,omitempty"`
	StartedAt    int64      `json:"started_at,omitempty"`
	FinishedAt   int64      `json:"finished_at,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Workflow 描述了一次编排执行的完整记录。
type Workflow struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Definition   Definition     `json:"definition"`
	Seeds        []seeds.Seed   `json:"seeds,omitempty"`
	Status       Status         `json:"status"`
	Steps        []*StepRecord  `json:"steps"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	MaxRetries   int            `json:"max_retries"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
	StartedAt    int64          `json:"started_at,omitempty"`
	FinishedAt   int64          `json:"finished_at,omitempty"`
}

// Step 返回指定名称的步骤记录，不存在时返回 nil。
func (w *Workflow) Step(name string) *StepRecord {
	for _, step := range w.Steps {
		if step.Name == name {
			return step
		}
	}
	return nil
}

// Terminal 判断工作流是否已进入终态。
func (w *Workflow) Terminal() bool {
	switch w.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Clone 返回工作流记录的深拷贝。
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	clone := *w
	clone.Steps = make([]*StepRecord, len(w.Steps))
	for i, step := range w.Steps {
		stepCopy := *step
		stepCopy.Attempts = append([]Attempt(nil), step.Attempts...)
		clone.Steps[i] = &stepCopy
	}
	clone.Result = cloneValueMap(w.Result)
	clone.Seeds = cloneSeeds(w.Seeds)
	return &clone
}

func cloneValueMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	cloned := make(map[string]any, len(values))
	for key, value := range values {
		cloned[key] = value
	}
	return cloned
}

func cloneSeeds(list []seeds.Seed) []seeds.Seed {
	if list == nil {
		return nil
	}
	cloned := make([]seeds.Seed, len(list))
	for i, seed := range list {
		cloned[i] = seeds.Seed{Key: seed.Key, Fields: cloneValueMap(seed.Fields)}
	}
	return cloned
}

var (
	// ErrWorkflowNotFound 表示指定的工作流不存在。
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrWorkflowConflict 表示工作流在当前状态下无法进行所请求的操作。
	ErrWorkflowConflict = xerrors.New(CodeWorkflowConflict, "workflow conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrWorkflowCompleted 表示工作流已经进入终态。
	ErrWorkflowCompleted = xerrors.New(CodeWorkflowCompleted, "workflow already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrWorkflowExhausted 表示工作流的排队重试次数已经耗尽。
	ErrWorkflowExhausted = xerrors.New(CodeWorkflowExhausted, "workflow retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeWorkflowNotFound   xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowConflict   xerrors.Code = "WORKFLOW_CONFLICT"
	CodeWorkflowCompleted  xerrors.Code = "WORKFLOW_COMPLETED"
	CodeWorkflowExhausted  xerrors.Code = "WORKFLOW_RETRIES_EXHAUSTED"
	CodeWorkflowPublish    xerrors.Code = "WORKFLOW_PUBLISH_FAILED"
	CodeWorkflowProcessing xerrors.Code = "WORKFLOW_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:   "workflow not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowConflict, xerrors.Attributes{
		Message:   "workflow conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowCompleted, xerrors.Attributes{
		Message:   "workflow already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowExhausted, xerrors.Attributes{
		Message:   "workflow retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeWorkflowPublish, xerrors.Attributes{
		Message:   "failed to publish workflow",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeWorkflowProcessing, xerrors.Attributes{
		Message:   "workflow execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的工作流状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
