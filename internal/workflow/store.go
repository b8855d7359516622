package workflow

import "context"

// Store 抽象了工作流记录的持久化接口。
type Store interface {
	Create(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	Claim(ctx context.Context, id string) (*Workflow, error)
	Save(ctx context.Context, wf *Workflow) error
	List(ctx context.Context, opts ListOptions) ([]*Workflow, error)
	Stats(ctx context.Context, opts ListOptions) (WorkflowStats, error)
	Close() error
}
