package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/pkg/logger"
)

// 内建渠道：结构化日志与通用 Webhook。
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// LogNotifier 把告警事件写入结构化日志，是无外部依赖的兜底渠道。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 按事件严重级别映射日志级别。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := logger.L()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("workflow_id", event.WorkflowID),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
	}
	if event.Step != "" {
		attrs = append(attrs, slog.String("step", event.Step))
	}
	for key, value := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+key, value))
	}

	switch event.Severity {
	case xerrors.SeverityCritical:
		log.Error(event.Message, attrs...)
	case xerrors.SeverityWarning:
		log.Warn(event.Message, attrs...)
	default:
		log.Info(event.Message, attrs...)
	}
	return nil
}

// webhookPayload 是 Webhook 渠道的线上格式。
type webhookPayload struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Step       string            `json:"step,omitempty"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt string            `json:"occurred_at"`
}

// WebhookNotifier 将事件以 JSON 形式 POST 到外部接收端。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 投递事件，接收端返回 4xx/5xx 视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("workflow_id", event.WorkflowID))
		return nil
	}

	payload, err := json.Marshal(webhookPayload{
		Code:       string(event.Code),
		Message:    event.Message,
		Severity:   string(event.Severity),
		WorkflowID: event.WorkflowID,
		Step:       event.Step,
		Attempts:   event.Attempts,
		MaxRetries: event.MaxRetries,
		Metadata:   event.Metadata,
		OccurredAt: event.OccurredAt.Format(time.RFC3339),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInternal, err, "序列化告警事件失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInternal, err, "构建告警请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInternal, err, "发送告警失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(xerrors.CodeInternal,
			fmt.Sprintf("告警接收端返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}

// SlackWebhookSender 通过 Slack Incoming Webhook 投递消息。
type SlackWebhookSender struct {
	WebhookURL string
	Client     *http.Client
}

// NewSlackWebhookSender 创建指向给定 Incoming Webhook 的发送器。
func NewSlackWebhookSender(webhookURL string) *SlackWebhookSender {
	return &SlackWebhookSender{WebhookURL: webhookURL}
}

// Send 发送一条消息，channel 为空时由 Webhook 的默认频道接收。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	if s == nil || strings.TrimSpace(s.WebhookURL) == "" {
		return xerrors.New(xerrors.CodeValidation, "Slack Webhook 地址未配置")
	}

	body := map[string]string{"text": content}
	if channel != "" {
		body["channel"] = channel
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInternal, err, "序列化 Slack 消息失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInternal, err, "构建 Slack 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInternal, err, "发送 Slack 消息失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(xerrors.CodeInternal,
			fmt.Sprintf("Slack 返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	return nil
}
