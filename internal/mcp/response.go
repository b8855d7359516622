package mcp

import (
	xerrors "OpenMCP-Orchestra/internal/errors"
)

// Usage 记录一次调用消耗的 token 数。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Add 累加另一份用量统计。
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Response 是 Provider 返回的统一响应结构。
type Response struct {
	Text         string         `json:"text"`
	Usage        Usage          `json:"usage,omitempty"`
	Model        string         `json:"model,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PluginData   map[string]any `json:"plugin_data,omitempty"`
}

// Validate 校验响应是否满足协议要求。
func (r *Response) Validate() error {
	if r == nil {
		return xerrors.New(xerrors.CodeValidation, "response is nil")
	}
	if r.Text == "" {
		return xerrors.New(xerrors.CodeValidation, "response text cannot be empty")
	}
	return nil
}

// Clone 返回响应的深拷贝，供插件管道安全修改。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Metadata = cloneAnyMap(r.Metadata)
	clone.PluginData = cloneAnyMap(r.PluginData)
	return &clone
}

// PartialResponse 表示流式响应中的一个分片，IsFinal 标记序列结束。
type PartialResponse struct {
	PartialText string         `json:"partial_text"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IsFinal     bool           `json:"is_final"`
	PluginData  map[string]any `json:"plugin_data,omitempty"`
}

// Collect 排空一个分片序列并聚合成完整响应。
// 序列有限且不可重放，调用方负责在超时后放弃读取。
func Collect(stream <-chan PartialResponse) *Response {
	var text []byte
	resp := &Response{}
	for part := range stream {
		text = append(text, part.PartialText...)
		if part.IsFinal {
			if model, ok := part.Metadata["model"].(string); ok {
				resp.Model = model
			}
			if reason, ok := part.Metadata["finish_reason"].(string); ok {
				resp.FinishReason = reason
			}
			if len(part.PluginData) > 0 {
				resp.PluginData = cloneAnyMap(part.PluginData)
			}
		}
	}
	resp.Text = string(text)
	return resp
}
