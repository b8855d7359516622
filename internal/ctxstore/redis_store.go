package ctxstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Orchestra/internal/errors"
)

// RedisStoreConfig 描述 Redis 上下文存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisStore 将每个 scope 的日志序列化为单个 JSON 文档，
// 键形如 context:<scope>。文档读改写经进程内锁串行化。
type RedisStore struct {
	mu     sync.Mutex
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// scopeDocument 是 Redis 中存储的文档结构。
type scopeDocument struct {
	Entries []Entry             `json:"entries"`
	Pins    map[string][]string `json:"pins,omitempty"`
	NextSeq int64               `json:"next_seq"`
}

// NewRedisStore 创建 Redis 上下文存储实例。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "context:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) key(scope string) string {
	return s.prefix + scope
}

func (s *RedisStore) load(ctx context.Context, scope string) (*scopeDocument, error) {
	raw, err := s.client.Get(ctx, s.key(scope)).Result()
	if err != nil {
		if err == redis.Nil {
			return &scopeDocument{Pins: make(map[string][]string)}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取上下文文档失败")
	}
	var doc scopeDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析上下文文档失败")
	}
	if doc.Pins == nil {
		doc.Pins = make(map[string][]string)
	}
	return &doc, nil
}

func (s *RedisStore) save(ctx context.Context, scope string, doc *scopeDocument) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化上下文文档失败")
	}
	if err := s.client.Set(ctx, s.key(scope), encoded, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入上下文文档失败")
	}
	return nil
}

func (doc *scopeDocument) find(key string) int {
	for i := range doc.Entries {
		if doc.Entries[i].Key == key {
			return i
		}
	}
	return -1
}

// Put 追加一条命名输出。
func (s *RedisStore) Put(ctx context.Context, scope, key string, fields map[string]any, opts ...PutOption) error {
	options := buildPutOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, scope)
	if err != nil {
		return err
	}
	if idx := doc.find(key); idx >= 0 {
		if !options.overwrite {
			return duplicateKeyError(scope, key)
		}
		doc.Entries[idx].Fields = fields
		doc.Entries[idx].Tokens = estimateTokens(fields)
		doc.Entries[idx].CreatedAt = time.Now().Unix()
		return s.save(ctx, scope, doc)
	}
	doc.NextSeq++
	doc.Entries = append(doc.Entries, Entry{
		Key:       key,
		Fields:    fields,
		Seq:       doc.NextSeq,
		Tokens:    estimateTokens(fields),
		CreatedAt: time.Now().Unix(),
	})
	return s.save(ctx, scope, doc)
}

// Get 返回指定键的条目。
func (s *RedisStore) Get(ctx context.Context, scope, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	idx := doc.find(key)
	if idx < 0 {
		return nil, keyNotFoundError(scope, key)
	}
	entry := doc.Entries[idx].Clone()
	return &entry, nil
}

// Snapshot 返回 scope 日志按插入顺序的副本。
func (s *RedisStore) Snapshot(ctx context.Context, scope string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return cloneEntries(doc.Entries), nil
}

// Resolve 以当前快照解析模板。
func (s *RedisStore) Resolve(ctx context.Context, scope, template string) (string, error) {
	snapshot, err := s.Snapshot(ctx, scope)
	if err != nil {
		return "", err
	}
	return ResolveTemplate(template, snapshot)
}

// Prune 从最旧的未被引用条目开始移除，直到满足预算。
func (s *RedisStore) Prune(ctx context.Context, scope string, policy PrunePolicy) (int, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, scope)
	if err != nil {
		return 0, err
	}

	removed := 0
	for overBudget(doc.Entries, policy) {
		victim := -1
		for i := range doc.Entries {
			if len(doc.Pins[doc.Entries[i].Key]) == 0 {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		doc.Entries = append(doc.Entries[:victim], doc.Entries[victim+1:]...)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(ctx, scope, doc)
}

func overBudget(entries []Entry, policy PrunePolicy) bool {
	if policy.MaxEntries > 0 && len(entries) > policy.MaxEntries {
		return true
	}
	if policy.MaxTokens > 0 {
		total := 0
		for i := range entries {
			total += entries[i].Tokens
		}
		if total > policy.MaxTokens {
			return true
		}
	}
	return false
}

// PinReferences 登记前向引用。
func (s *RedisStore) PinReferences(ctx context.Context, scope string, refs map[string][]string) error {
	if len(refs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, scope)
	if err != nil {
		return err
	}
	for key, steps := range refs {
		doc.Pins[key] = mergeSteps(doc.Pins[key], steps)
	}
	return s.save(ctx, scope, doc)
}

func mergeSteps(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, lists := range [][]string{existing, incoming} {
		for _, step := range lists {
			if _, ok := seen[step]; ok {
				continue
			}
			seen[step] = struct{}{}
			merged = append(merged, step)
		}
	}
	return merged
}

// ReleasePins 释放某步骤持有的全部引用。
func (s *RedisStore) ReleasePins(ctx context.Context, scope, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, scope)
	if err != nil {
		return err
	}
	changed := false
	for key, steps := range doc.Pins {
		kept := steps[:0]
		for _, holder := range steps {
			if holder == step {
				changed = true
				continue
			}
			kept = append(kept, holder)
		}
		if len(kept) == 0 {
			delete(doc.Pins, key)
		} else {
			doc.Pins[key] = kept
		}
	}
	if !changed {
		return nil
	}
	return s.save(ctx, scope, doc)
}

// Clear 删除 scope 对应的文档。
func (s *RedisStore) Clear(ctx context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Del(ctx, s.key(scope)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除上下文文档失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// 确保 RedisStore 实现 Store 接口。
var _ Store = (*RedisStore)(nil)
