package ctxstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是基于进程内存的 Store 实现，读写经深拷贝隔离。
// 枚举与裁剪通过 store 级锁与并发写入串行化。
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]*scopeLog
}

type scopeLog struct {
	entries []Entry
	index   map[string]int
	pins    map[string]map[string]struct{}
	nextSeq int64
}

// NewMemoryStore 创建内存上下文存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]*scopeLog)}
}

func (s *MemoryStore) scope(name string) *scopeLog {
	sl, ok := s.scopes[name]
	if !ok {
		sl = &scopeLog{
			index: make(map[string]int),
			pins:  make(map[string]map[string]struct{}),
		}
		s.scopes[name] = sl
	}
	return sl
}

// Put 追加一条命名输出，重复键未显式覆盖时拒绝。
func (s *MemoryStore) Put(_ context.Context, scope, key string, fields map[string]any, opts ...PutOption) error {
	options := buildPutOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.scope(scope)
	cloned := make(map[string]any, len(fields))
	for k, v := range fields {
		cloned[k] = v
	}

	if idx, exists := sl.index[key]; exists {
		if !options.overwrite {
			return duplicateKeyError(scope, key)
		}
		// 重试覆盖：字段更新，插入位置保持不变。
		sl.entries[idx].Fields = cloned
		sl.entries[idx].Tokens = estimateTokens(cloned)
		sl.entries[idx].CreatedAt = time.Now().Unix()
		return nil
	}

	sl.nextSeq++
	sl.entries = append(sl.entries, Entry{
		Key:       key,
		Fields:    cloned,
		Seq:       sl.nextSeq,
		Tokens:    estimateTokens(cloned),
		CreatedAt: time.Now().Unix(),
	})
	sl.index[key] = len(sl.entries) - 1
	return nil
}

// Get 返回指定键的条目副本。
func (s *MemoryStore) Get(_ context.Context, scope, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.scopes[scope]
	if !ok {
		return nil, keyNotFoundError(scope, key)
	}
	idx, ok := sl.index[key]
	if !ok {
		return nil, keyNotFoundError(scope, key)
	}
	entry := sl.entries[idx].Clone()
	return &entry, nil
}

// Snapshot 返回 scope 日志的有序副本。
func (s *MemoryStore) Snapshot(_ context.Context, scope string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.scopes[scope]
	if !ok {
		return nil, nil
	}
	return cloneEntries(sl.entries), nil
}

// Resolve 以当前快照解析模板。
func (s *MemoryStore) Resolve(ctx context.Context, scope, template string) (string, error) {
	snapshot, err := s.Snapshot(ctx, scope)
	if err != nil {
		return "", err
	}
	return ResolveTemplate(template, snapshot)
}

// Prune 从最旧的未被引用条目开始移除，直到满足预算。
func (s *MemoryStore) Prune(_ context.Context, scope string, policy PrunePolicy) (int, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.scopes[scope]
	if !ok {
		return 0, nil
	}

	removed := 0
	for sl.overBudget(policy) {
		victim := -1
		for i := range sl.entries {
			if len(sl.pins[sl.entries[i].Key]) == 0 {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		delete(sl.index, sl.entries[victim].Key)
		sl.entries = append(sl.entries[:victim], sl.entries[victim+1:]...)
		removed++
	}
	if removed > 0 {
		sl.reindex()
	}
	return removed, nil
}

func (sl *scopeLog) overBudget(policy PrunePolicy) bool {
	if policy.MaxEntries > 0 && len(sl.entries) > policy.MaxEntries {
		return true
	}
	if policy.MaxTokens > 0 {
		total := 0
		for i := range sl.entries {
			total += sl.entries[i].Tokens
		}
		if total > policy.MaxTokens {
			return true
		}
	}
	return false
}

func (sl *scopeLog) reindex() {
	for k := range sl.index {
		delete(sl.index, k)
	}
	for i := range sl.entries {
		sl.index[sl.entries[i].Key] = i
	}
}

// PinReferences 登记前向引用，保护尚未消费的键不被裁剪。
func (s *MemoryStore) PinReferences(_ context.Context, scope string, refs map[string][]string) error {
	if len(refs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.scope(scope)
	for key, steps := range refs {
		set, ok := sl.pins[key]
		if !ok {
			set = make(map[string]struct{}, len(steps))
			sl.pins[key] = set
		}
		for _, step := range steps {
			set[step] = struct{}{}
		}
	}
	return nil
}

// ReleasePins 释放某步骤持有的全部引用。
func (s *MemoryStore) ReleasePins(_ context.Context, scope, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.scopes[scope]
	if !ok {
		return nil
	}
	for key, set := range sl.pins {
		delete(set, step)
		if len(set) == 0 {
			delete(sl.pins, key)
		}
	}
	return nil
}

// Clear 清空 scope 的全部状态。
func (s *MemoryStore) Clear(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, scope)
	return nil
}

// Close 实现 Store 接口，内存实现无需释放资源。
func (s *MemoryStore) Close() error {
	return nil
}

// 确保 MemoryStore 实现 Store 接口。
var _ Store = (*MemoryStore)(nil)
