// Package seeds 提供预置上下文条目的加载与检索能力。
package seeds

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "OpenMCP-Orchestra/internal/errors"
)

// Provider 定义种子集检索的通用接口。
type Provider interface {
	Lookup(name string) []Seed
}

// Seed 描述一条在工作流执行前写入上下文的预置条目。
type Seed struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

// Library 按名称管理多组种子集，通常从 JSON 文件加载。
type Library struct {
	sets map[string][]Seed
}

// NewLibrary 基于内存中的种子集创建库。
func NewLibrary(sets map[string][]Seed) *Library {
	if sets == nil {
		sets = map[string][]Seed{}
	}
	return &Library{sets: sets}
}

// LoadLibrary 从 JSON 文件加载种子集，文件内容为 {"set-name": [{"key": ..., "fields": ...}]}。
func LoadLibrary(path string) (*Library, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "种子文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "解析种子文件路径失败")
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取种子文件失败")
	}
	defer file.Close()

	var sets map[string][]Seed
	if err := json.NewDecoder(file).Decode(&sets); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "解析种子文件失败")
	}

	for name, set := range sets {
		for _, seed := range set {
			if strings.TrimSpace(seed.Key) == "" {
				return nil, xerrors.New(xerrors.CodeValidation,
					"种子集 "+name+" 中存在空 key 的条目")
			}
		}
	}
	return NewLibrary(sets), nil
}

// Lookup 返回指定种子集的副本，未命中时返回 nil。
func (l *Library) Lookup(name string) []Seed {
	if l == nil {
		return nil
	}
	set, ok := l.sets[name]
	if !ok {
		return nil
	}

	cloned := make([]Seed, len(set))
	for i, seed := range set {
		cloned[i] = Seed{Key: seed.Key, Fields: make(map[string]any, len(seed.Fields))}
		for k, v := range seed.Fields {
			cloned[i].Fields[k] = v
		}
	}
	return cloned
}

// Names 返回全部种子集名称的有序列表。
func (l *Library) Names() []string {
	if l == nil {
		return nil
	}
	names := make([]string, 0, len(l.sets))
	for name := range l.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// 确保 Library 实现 Provider 接口。
var _ Provider = (*Library)(nil)
