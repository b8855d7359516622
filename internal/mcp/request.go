package mcp

import (
	"fmt"
	"strings"

	xerrors "OpenMCP-Orchestra/internal/errors"
)

// 会话角色常量。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 表示一轮对话中的单条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request 是面向所有 Provider 的统一请求结构。
// 对于非 LLM 服务（github/slack/jira 等）允许空消息列表，服务动作记录在 Metadata 中。
type Request struct {
	Provider    string         `json:"provider,omitempty"`
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// nonLLMServices 列出无需消息体的服务型 Provider。
var nonLLMServices = map[string]struct{}{
	"github": {},
	"slack":  {},
	"jira":   {},
}

// Validate 校验请求是否满足协议要求。
func (r *Request) Validate() error {
	if r == nil {
		return xerrors.New(xerrors.CodeValidation, "request is nil")
	}
	if strings.TrimSpace(r.Model) == "" {
		return xerrors.New(xerrors.CodeValidation, "request must specify a model")
	}
	if r.isServiceRequest() {
		return nil
	}
	if len(r.Messages) == 0 {
		return xerrors.New(xerrors.CodeValidation, "messages cannot be empty for LLM requests")
	}
	for i, msg := range r.Messages {
		if strings.TrimSpace(msg.Role) == "" || msg.Content == "" {
			return xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("message %d must carry both role and content", i))
		}
	}
	return nil
}

// isServiceRequest 判断请求是否面向非 LLM 服务。
func (r *Request) isServiceRequest() bool {
	if _, ok := nonLLMServices[strings.ToLower(r.Model)]; ok {
		return true
	}
	if r.Metadata == nil {
		return false
	}
	if v, ok := r.Metadata["service_type"].(string); ok && v == "non_llm" {
		return true
	}
	if v, ok := r.Metadata["api_type"].(string); ok {
		_, known := nonLLMServices[strings.ToLower(v)]
		return known
	}
	return false
}

// ResolveProvider 返回请求归属的 Provider 名称。
// 优先使用显式字段，否则从 "provider/model" 形式的模型名中推断。
func (r *Request) ResolveProvider() string {
	if r == nil {
		return ""
	}
	if r.Provider != "" {
		return r.Provider
	}
	if idx := strings.Index(r.Model, "/"); idx > 0 {
		return r.Model[:idx]
	}
	return ""
}

// BareModel 返回剥离 Provider 前缀后的模型名。
func (r *Request) BareModel() string {
	if r == nil {
		return ""
	}
	if idx := strings.Index(r.Model, "/"); idx > 0 {
		return r.Model[idx+1:]
	}
	return r.Model
}

// Clone 返回请求的深拷贝，供插件管道安全修改。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := &Request{
		Provider: r.Provider,
		Model:    r.Model,
		Stream:   r.Stream,
	}
	if r.Temperature != nil {
		t := *r.Temperature
		clone.Temperature = &t
	}
	if r.MaxTokens != nil {
		m := *r.MaxTokens
		clone.MaxTokens = &m
	}
	if len(r.Messages) > 0 {
		clone.Messages = make([]Message, len(r.Messages))
		copy(clone.Messages, r.Messages)
	}
	clone.Parameters = cloneAnyMap(r.Parameters)
	clone.Metadata = cloneAnyMap(r.Metadata)
	return clone
}

func cloneAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
