package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore 是基于内存的 Store 实现，适用于测试与单机部署。
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow)}
}

// Create 保存一条新的工作流记录，ID 冲突时拒绝。
func (s *MemoryStore) Create(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return ErrWorkflowConflict
	}
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, exists := s.workflows[id]
	if !exists {
		return nil, ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

// Claim 将待执行的工作流标记为运行中，并累加排队尝试次数。
// 已暂停的工作流必须先通过 Resume 转回待执行，滞留的队列消息不会唤醒它。
func (s *MemoryStore) Claim(_ context.Context, id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, exists := s.workflows[id]
	if !exists {
		return nil, ErrWorkflowNotFound
	}
	if wf.Terminal() {
		return nil, ErrWorkflowCompleted
	}
	if wf.Status == StatusRunning || wf.Status == StatusPaused {
		return nil, ErrWorkflowConflict
	}
	if wf.MaxRetries > 0 && wf.Attempts >= wf.MaxRetries {
		return nil, ErrWorkflowExhausted
	}
	wf.Attempts++
	wf.Status = StatusRunning
	wf.UpdatedAt = time.Now().Unix()
	return wf.Clone(), nil
}

// Save 覆盖写回整条记录。
func (s *MemoryStore) Save(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; !exists {
		return ErrWorkflowNotFound
	}
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Workflow, error) {
	opts.applyDefaults()

	s.mu.RLock()
	matched := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if matchesListFilters(wf, &opts) {
			matched = append(matched, wf.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt == matched[j].UpdatedAt {
			return matched[i].ID < matched[j].ID
		}
		if opts.Order == SortByUpdatedAsc {
			return matched[i].UpdatedAt < matched[j].UpdatedAt
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})

	if opts.Offset >= len(matched) {
		return []*Workflow{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Stats(_ context.Context, opts ListOptions) (WorkflowStats, error) {
	opts.applyDefaults()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := WorkflowStats{}
	for _, wf := range s.workflows {
		if !matchesListFilters(wf, &opts) {
			continue
		}
		stats.Total++
		switch wf.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusPaused:
			stats.Paused++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
		if stats.OldestUpdatedAt == 0 || wf.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = wf.UpdatedAt
		}
		if wf.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = wf.UpdatedAt
		}
	}
	return stats, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// matchesListFilters 判断记录是否满足查询条件。
func matchesListFilters(wf *Workflow, opts *ListOptions) bool {
	if len(opts.Statuses) > 0 {
		ok := false
		for _, status := range opts.Statuses {
			if wf.Status == status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && wf.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && wf.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && *opts.HasResult != (len(wf.Result) > 0) {
		return false
	}
	if opts.Query != "" {
		needle := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(wf.ID), needle) &&
			!strings.Contains(strings.ToLower(wf.Name), needle) &&
			!strings.Contains(strings.ToLower(wf.ErrorMessage), needle) {
			return false
		}
	}
	return true
}
