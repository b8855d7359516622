package workflow

import "context"

// RecoveryHandler 定义了工作流执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行补偿或降级。
	// 返回的快照将作为降级结果写入工作流；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, wf *Workflow, cause error) (map[string]any, error)
}
