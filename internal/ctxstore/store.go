package ctxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "OpenMCP-Orchestra/internal/errors"
)

// FieldResult 是每个条目必备的主输出字段，FieldError 在步骤失败时写入。
const (
	FieldResult = "result"
	FieldError  = "error"
)

// Entry 表示 scope 日志中的一条命名输出。
type Entry struct {
	Key       string         `json:"key"`
	Fields    map[string]any `json:"fields"`
	Seq       int64          `json:"seq"`
	Tokens    int            `json:"tokens"`
	CreatedAt int64          `json:"created_at"`
}

// Clone 返回条目的深拷贝。
func (e Entry) Clone() Entry {
	clone := e
	if e.Fields != nil {
		clone.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			clone.Fields[k] = v
		}
	}
	return clone
}

// PrunePolicy 定义裁剪预算，零值表示对应维度不限制。
type PrunePolicy struct {
	MaxEntries int `json:"max_entries,omitempty"`
	MaxTokens  int `json:"max_tokens,omitempty"`
}

// Enabled 判断策略是否存在任一预算。
func (p PrunePolicy) Enabled() bool {
	return p.MaxEntries > 0 || p.MaxTokens > 0
}

// PutOption 定义写入时的可选行为。
type PutOption func(*putOptions)

type putOptions struct {
	overwrite bool
}

// WithOverwrite 允许覆盖同名键，仅供重试路径使用。
func WithOverwrite() PutOption {
	return func(o *putOptions) { o.overwrite = true }
}

func buildPutOptions(opts []PutOption) putOptions {
	var options putOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Store 是上下文存储的能力接口。所有实现必须保证：
//   - 同一 scope 内写入按插入顺序对读者可见；
//   - 重复写入同名键返回 DUPLICATE_KEY（除非显式允许覆盖）；
//   - 裁剪永不移除仍被未执行步骤引用（已 Pin）的键。
type Store interface {
	// Put 在 scope 的日志尾部追加一条命名输出。
	Put(ctx context.Context, scope, key string, fields map[string]any, opts ...PutOption) error
	// Get 返回指定键的条目，不存在时返回 KEY_NOT_FOUND。
	Get(ctx context.Context, scope, key string) (*Entry, error)
	// Snapshot 返回 scope 日志按插入顺序的副本。
	Snapshot(ctx context.Context, scope string) ([]Entry, error)
	// Resolve 以当前快照替换模板中的全部 {step.field} 引用。
	// 任一引用缺失时返回 UNRESOLVED_REFERENCE，调用方必须在派发前完成解析。
	Resolve(ctx context.Context, scope, template string) (string, error)
	// Prune 按策略从最旧的条目开始裁剪，返回移除的条目数。
	Prune(ctx context.Context, scope string, policy PrunePolicy) (int, error)
	// PinReferences 登记提交期收集的前向引用：键 -> 依赖它的步骤列表。
	PinReferences(ctx context.Context, scope string, refs map[string][]string) error
	// ReleasePins 在步骤到达终态后释放它持有的全部引用。
	ReleasePins(ctx context.Context, scope, step string) error
	// Clear 清空 scope 的日志与引用登记。
	Clear(ctx context.Context, scope string) error
	// Close 释放底层资源。
	Close() error
}

func duplicateKeyError(scope, key string) error {
	return xerrors.New(xerrors.CodeDuplicateKey,
		fmt.Sprintf("context key %q already written in scope %q", key, scope),
		xerrors.WithMetadata("scope", scope),
		xerrors.WithMetadata("key", key))
}

func keyNotFoundError(scope, key string) error {
	return xerrors.New(xerrors.CodeKeyNotFound,
		fmt.Sprintf("context key %q not found in scope %q", key, scope),
		xerrors.WithMetadata("scope", scope),
		xerrors.WithMetadata("key", key))
}

// estimateTokens 以空白分词估算字段占用的 token 数。
func estimateTokens(fields map[string]any) int {
	total := 0
	for _, value := range fields {
		switch v := value.(type) {
		case string:
			total += len(strings.Fields(v))
		case nil:
			// 跳过空值
		default:
			if encoded, err := json.Marshal(v); err == nil {
				total += len(strings.Fields(string(encoded)))
			}
		}
	}
	return total
}

// cloneEntries 返回条目切片的深拷贝。
func cloneEntries(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}
	clone := make([]Entry, len(entries))
	for i, entry := range entries {
		clone[i] = entry.Clone()
	}
	return clone
}
