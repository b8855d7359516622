package openai

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
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "未提供 OpenAI API Key")
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

// Send 调用 Chat Completions 并返回完整响应。
func (c *Client) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProvider, "OpenAI 响应中没有有效的 choices")
	}

	content := decoded.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, xerrors.New(xerrors.CodeProvider, "OpenAI 响应内容为空")
	}

	return &mcp.Response{
		Text: content,
		Usage: mcp.Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
		Model:        decoded.Model,
		FinishReason: decoded.Choices[0].FinishReason,
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

		var model, finishReason string
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var chunk struct {
				Model   string `json:"model"`
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if reason := chunk.Choices[0].FinishReason; reason != "" {
				finishReason = reason
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case out <- mcp.PartialResponse{PartialText: text}:
				case <-ctx.Done():
					return
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
		if finishReason != "" {
			final.Metadata["finish_reason"] = finishReason
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

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "构建 OpenAI 请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "请求 OpenAI 失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, providerStatusError(resp.StatusCode, body)
	}
	return resp, nil
}

func (c *Client) buildPayload(req *mcp.Request, stream bool) ([]byte, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	body := map[string]any{
		"model":    model,
		"messages": req.Messages,
		"stream":   stream,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	for key, value := range req.Parameters {
		body[key] = value
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

// providerStatusError 将 HTTP 状态映射为统一错误。限流与服务端错误可重试。
func providerStatusError(status int, body []byte) error {
	message := fmt.Sprintf("OpenAI 返回错误状态 %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return xerrors.New(xerrors.CodeProvider, message,
			xerrors.WithMetadata("status", strconv.Itoa(status)))
	}
	return xerrors.New(xerrors.CodeProvider, message,
		xerrors.WithMetadata("status", strconv.Itoa(status)),
		xerrors.WithRetryable(false))
}
