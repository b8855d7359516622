package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/mcp"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModelName = "claude-3-5-sonnet-20241022"
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 1024
	apiVersion       = "2023-06-01"
)

// Config 描述了调用 Anthropic Messages API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 Anthropic 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "未提供 Anthropic API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// DefaultModel 返回客户端缺省使用的模型名。
func (c *Client) DefaultModel() string {
	return c.model
}

// Send 调用 Messages API 并返回完整响应。
func (c *Client) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "解析 Anthropic 响应失败")
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, xerrors.New(xerrors.CodeProvider, "Anthropic 响应内容为空")
	}

	return &mcp.Response{
		Text: text.String(),
		Usage: mcp.Usage{
			PromptTokens:     decoded.Usage.InputTokens,
			CompletionTokens: decoded.Usage.OutputTokens,
			TotalTokens:      decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
		},
		Model:        decoded.Model,
		FinishReason: decoded.StopReason,
	}, nil
}

// Stream 以 SSE 分片返回响应，通道在最后一个分片后关闭。
func (c *Client) Stream(ctx context.Context, req *mcp.Request) (<-chan mcp.PartialResponse, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan mcp.PartialResponse)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var model, stopReason string
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var event struct {
				Type    string `json:"type"`
				Message struct {
					Model string `json:"model"`
				} `json:"message"`
				Delta struct {
					Type       string `json:"type"`
					Text       string `json:"text"`
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message.Model != "" {
					model = event.Message.Model
				}
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					select {
					case out <- mcp.PartialResponse{PartialText: event.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					stopReason = event.Delta.StopReason
				}
			}
		}

		final := mcp.PartialResponse{
			IsFinal:  true,
			Metadata: map[string]any{},
		}
		if model != "" {
			final.Metadata["model"] = model
		}
		if stopReason != "" {
			final.Metadata["finish_reason"] = stopReason
		}
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (c *Client) post(ctx context.Context, req *mcp.Request, stream bool) (*http.Response, error) {
	payload, err := c.buildPayload(req, stream)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "构建 Anthropic 请求失败")
	}

	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "请求 Anthropic 失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, providerStatusError(resp.StatusCode, body)
	}
	return resp, nil
}

// buildPayload 组装 Messages API 请求体。system 消息提取到顶层 system 字段。
func (c *Client) buildPayload(req *mcp.Request, stream bool) ([]byte, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	var system strings.Builder
	messages := make([]mcp.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == mcp.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.Content)
			continue
		}
		messages = append(messages, msg)
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if system.Len() > 0 {
		body["system"] = system.String()
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	for key, value := range req.Parameters {
		body[key] = value
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "序列化 Anthropic 请求失败")
	}
	return encoded, nil
}

func providerStatusError(status int, body []byte) error {
	message := fmt.Sprintf("Anthropic 返回错误状态 %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return xerrors.New(xerrors.CodeProvider, message,
			xerrors.WithMetadata("status", strconv.Itoa(status)))
	}
	return xerrors.New(xerrors.CodeProvider, message,
		xerrors.WithMetadata("status", strconv.Itoa(status)),
		xerrors.WithRetryable(false))
}
