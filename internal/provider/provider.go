package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/mcp"
)

// Driver 定义了调用模型后端的统一接口。
type Driver interface {
	// Send 执行一次完整的请求并返回最终响应。
	Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error)
	// Stream 以分片形式返回响应，通道在最后一个分片之后关闭。
	Stream(ctx context.Context, req *mcp.Request) (<-chan mcp.PartialResponse, error)
}

// Registry 维护命名驱动的集合，并依据请求选择目标驱动。
type Registry struct {
	mu            sync.RWMutex
	drivers       map[string]Driver
	defaultName   string
	defaultModels map[string]string
}

// NewRegistry 创建空的驱动注册表。
func NewRegistry() *Registry {
	return &Registry{
		drivers:       make(map[string]Driver),
		defaultModels: make(map[string]string),
	}
}

// Register 注册一个命名驱动，重复注册返回 CONFLICT。
func (r *Registry) Register(name string, driver Driver) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return xerrors.New(xerrors.CodeValidation, "驱动名称不能为空")
	}
	if driver == nil {
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("驱动 %s 不能为空", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("驱动 %s 已注册", name))
	}
	r.drivers[name] = driver
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// SetDefault 指定在请求未声明 provider 时使用的驱动。
func (r *Registry) SetDefault(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[name]; !exists {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("默认驱动 %s 未注册", name))
	}
	r.defaultName = name
	return nil
}

// SetDefaultModel 记录某驱动在请求未声明 model 时的默认模型。
func (r *Registry) SetDefaultModel(name, model string) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModels[name] = model
}

// Get 按名称返回驱动。
func (r *Registry) Get(name string) (Driver, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	driver, exists := r.drivers[name]
	if !exists {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("未注册的驱动 %s", name),
			xerrors.WithMetadata("provider", name))
	}
	return driver, nil
}

// Names 返回已注册驱动名称的有序列表。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 根据请求选择驱动：优先显式 provider 字段，
// 其次 "provider/model" 前缀，最后落到默认驱动。
func (r *Registry) Resolve(req *mcp.Request) (Driver, string, error) {
	if req == nil {
		return nil, "", xerrors.New(xerrors.CodeValidation, "请求不能为空")
	}

	name := strings.ToLower(req.ResolveProvider())
	if name == "" {
		r.mu.RLock()
		name = r.defaultName
		r.mu.RUnlock()
	}
	if name == "" {
		return nil, "", xerrors.New(xerrors.CodeNotFound, "没有可用的模型驱动")
	}

	driver, err := r.Get(name)
	if err != nil {
		return nil, "", err
	}
	return driver, name, nil
}

// Dispatch 解析驱动并执行请求，补齐默认模型后转发。
func (r *Registry) Dispatch(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	driver, name, err := r.Resolve(req)
	if err != nil {
		return nil, err
	}
	prepared := r.prepare(req, name)
	resp, err := driver.Send(ctx, prepared)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Model == "" {
		resp.Model = prepared.Model
	}
	return resp, nil
}

// DispatchStream 解析驱动并发起流式请求。
func (r *Registry) DispatchStream(ctx context.Context, req *mcp.Request) (<-chan mcp.PartialResponse, error) {
	driver, name, err := r.Resolve(req)
	if err != nil {
		return nil, err
	}
	return driver.Stream(ctx, r.prepare(req, name))
}

// prepare 克隆请求并归一化 provider 与 model 字段。
func (r *Registry) prepare(req *mcp.Request, name string) *mcp.Request {
	prepared := req.Clone()
	prepared.Provider = name
	prepared.Model = req.BareModel()
	if prepared.Model == "" {
		r.mu.RLock()
		prepared.Model = r.defaultModels[name]
		r.mu.RUnlock()
	}
	return prepared
}
