package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了编排引擎在启动阶段需要加载的核心配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Metrics       MetricsConfig       `json:"metrics"`
	Logging       LoggingConfig       `json:"logging"`
	Auth          AuthConfig          `json:"auth"`
	ContextStore  ContextStoreConfig  `json:"context_store"`
	WorkflowStore WorkflowStoreConfig `json:"workflow_store"`
	Queue         QueueConfig         `json:"queue"`
	Providers     []ProviderConfig    `json:"providers"`
	Engine        EngineConfig        `json:"engine"`
	Plugins       PluginsConfig       `json:"plugins"`
	Seeds         SeedsConfig         `json:"seeds"`
	Alerting      AlertingConfig      `json:"alerting"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务的开关与监听地址。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// LoggingConfig 描述全局日志的输出方式。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	AddSource   bool           `json:"add_source"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志文件及其轮转策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AuthConfig 描述 API 鉴权方式，支持 disabled、static 与 jwt 三种模式。
type AuthConfig struct {
	Mode         string              `json:"mode"`
	JWT          JWTConfig           `json:"jwt"`
	StaticTokens []StaticTokenConfig `json:"static_tokens"`
	Seeds        []AuthSeedConfig    `json:"seeds"`
	Store        AuthStoreConfig     `json:"store"`
}

// JWTConfig 描述本地签发 JWT 所需的参数。
type JWTConfig struct {
	Secret     string   `json:"secret"`
	SecretEnv  string   `json:"secret_env"`
	Issuer     string   `json:"issuer"`
	Audience   []string `json:"audience"`
	AccessTTL  int64    `json:"access_ttl_seconds"`
	RefreshTTL int64    `json:"refresh_ttl_seconds"`
}

// StaticTokenConfig 描述静态令牌及其对应主体的权限。
type StaticTokenConfig struct {
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// AuthSeedConfig 描述启动时写入用户目录的初始账号。
type AuthSeedConfig struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// AuthStoreConfig 描述用户目录的持久化后端。
type AuthStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ContextStoreConfig 描述上下文存储的后端驱动。
type ContextStoreConfig struct {
	Driver string           `json:"driver"`
	DSN    string           `json:"dsn"`
	Redis  RedisStoreConfig `json:"redis"`
}

// RedisStoreConfig 描述基于 Redis 的上下文存储连接信息。
type RedisStoreConfig struct {
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	KeyPrefix  string `json:"key_prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// WorkflowStoreConfig 描述工作流记录的持久化后端。
type WorkflowStoreConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	MaxRetries int    `json:"max_retries"`
}

// QueueConfig 描述工作流提交队列的驱动与消费参数。
type QueueConfig struct {
	Driver   string              `json:"driver"`
	Buffer   int                 `json:"buffer"`
	Workers  int                 `json:"workers"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接信息。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ProviderConfig 描述一个模型驱动。列表中的第一项作为默认驱动。
type ProviderConfig struct {
	Name       string   `json:"name"`
	Driver     string   `json:"driver"`
	APIKey     string   `json:"api_key"`
	APIKeyEnv  string   `json:"api_key_env"`
	BaseURL    string   `json:"base_url"`
	Model      string   `json:"model"`
	Timeout    int      `json:"timeout_seconds"`
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	WorkingDir string   `json:"working_dir"`
}

// EngineConfig 描述推理执行的运行参数，作用于工作流引擎与推理链引擎。
type EngineConfig struct {
	MaxParallel       int64  `json:"max_parallel"`
	DefaultProvider   string `json:"default_provider"`
	DefaultModel      string `json:"default_model"`
	StepTimeout       int    `json:"step_timeout_seconds"`
	ChainVisibility   string `json:"chain_visibility"`
	SessionMaxEntries int    `json:"session_max_entries"`
	SessionMaxTokens  int    `json:"session_max_tokens"`
}

// PluginsConfig 指向插件管理器的 YAML 配置文件。
type PluginsConfig struct {
	Enabled bool   `json:"enabled"`
	Config  string `json:"config"`
}

// SeedsConfig 指向初始上下文种子库的 JSON 文件。
type SeedsConfig struct {
	Library string `json:"library"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	Enabled bool               `json:"enabled"`
	Webhook WebhookAlertConfig `json:"webhook"`
	Slack   SlackAlertConfig   `json:"slack"`
}

// WebhookAlertConfig 描述通用 Webhook 告警的目标地址。
type WebhookAlertConfig struct {
	URL     string `json:"url"`
	Timeout int    `json:"timeout_seconds"`
}

// SlackAlertConfig 描述 Slack 告警使用的 Webhook 与频道。
type SlackAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	for i, path := range c.Logging.OutputPaths {
		if path == "stdout" || path == "stderr" {
			continue
		}
		c.Logging.OutputPaths[i] = resolvePath(baseDir, path)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Store.Driver == "" {
		c.Auth.Store.Driver = "memory"
	}

	if c.ContextStore.Driver == "" {
		c.ContextStore.Driver = "memory"
	}

	if c.WorkflowStore.Driver == "" {
		c.WorkflowStore.Driver = "memory"
	}
	if c.WorkflowStore.MaxRetries <= 0 {
		c.WorkflowStore.MaxRetries = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Engine.MaxParallel <= 0 {
		c.Engine.MaxParallel = 4
	}
	if c.Engine.ChainVisibility == "" {
		c.Engine.ChainVisibility = "visible"
	}

	c.Plugins.Config = resolvePath(baseDir, c.Plugins.Config)
	c.Seeds.Library = resolvePath(baseDir, c.Seeds.Library)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
}

// resolvePath 将相对路径解析为基于配置文件目录的绝对路径。
func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
