package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OpenMCP-Orchestra/internal/api"
	"OpenMCP-Orchestra/internal/auth"
	"OpenMCP-Orchestra/internal/chain"
	"OpenMCP-Orchestra/internal/config"
	"OpenMCP-Orchestra/internal/ctxstore"
	"OpenMCP-Orchestra/internal/observability/alerting"
	"OpenMCP-Orchestra/internal/observability/metrics"
	"OpenMCP-Orchestra/internal/pipeline"
	"OpenMCP-Orchestra/internal/provider"
	"OpenMCP-Orchestra/internal/provider/anthropic"
	"OpenMCP-Orchestra/internal/provider/localexec"
	"OpenMCP-Orchestra/internal/provider/openai"
	"OpenMCP-Orchestra/internal/seeds"
	"OpenMCP-Orchestra/internal/storage/mysql"
	"OpenMCP-Orchestra/internal/workflow"
	"OpenMCP-Orchestra/pkg/logger"
	"OpenMCP-Orchestra/pkg/plugin"
)

// main 是编排守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("orchestrad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ORCHESTRA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "orchestra.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		AddSource:   cfg.Logging.AddSource,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	registry, err := createProviderRegistry(cfg)
	if err != nil {
		return err
	}

	// 上下文存储。
	var contexts ctxstore.Store
	switch cfg.ContextStore.Driver {
	case "", "memory":
		contexts = ctxstore.NewMemoryStore()
	case "mysql":
		store, err := ctxstore.NewMySQLStore(cfg.ContextStore.DSN)
		if err != nil {
			return err
		}
		contexts = store
	case "redis":
		store, err := ctxstore.NewRedisStore(ctxstore.RedisStoreConfig{
			Address:   cfg.ContextStore.Redis.Address,
			Password:  cfg.ContextStore.Redis.Password,
			DB:        cfg.ContextStore.Redis.DB,
			KeyPrefix: cfg.ContextStore.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.ContextStore.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		contexts = store
	default:
		return fmt.Errorf("未知的上下文存储驱动: %s", cfg.ContextStore.Driver)
	}
	defer closeQuietly(contexts, "上下文存储")

	// 工作流存储。
	var store workflow.Store
	switch cfg.WorkflowStore.Driver {
	case "", "memory":
		store = workflow.NewMemoryStore()
	case "mysql":
		s, err := workflow.NewMySQLStore(cfg.WorkflowStore.DSN)
		if err != nil {
			return err
		}
		store = s
	default:
		return fmt.Errorf("未知的工作流存储驱动: %s", cfg.WorkflowStore.Driver)
	}
	defer closeQuietly(store, "工作流存储")

	// 工作流队列。
	var queue workflow.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = workflow.NewMemoryQueue(cfg.Queue.Buffer)
	case "redis":
		q, err := workflow.NewRedisQueue(workflow.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := workflow.NewRabbitMQQueue(workflow.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭工作流队列失败", slog.Any("error", err))
		}
	}()

	// 插件管理器与处理管线。
	var manager *plugin.Manager
	var pipe *pipeline.Pipeline
	if cfg.Plugins.Enabled && cfg.Plugins.Config != "" {
		managerCfg, err := plugin.LoadManagerConfig(cfg.Plugins.Config)
		if err != nil {
			return err
		}
		manager, err = plugin.NewManager(managerCfg)
		if err != nil {
			return err
		}
		if err := manager.StartAll(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := manager.StopAll(stopCtx); err != nil {
				logger.L().Warn("停止插件失败", slog.Any("error", err))
			}
		}()
		pipe = pipeline.New(manager)
	}

	// 种子库。
	var library seeds.Provider
	if cfg.Seeds.Library != "" {
		lib, err := seeds.LoadLibrary(cfg.Seeds.Library)
		if err != nil {
			return err
		}
		library = lib
	}

	dispatcher := createAlertDispatcher(cfg)

	hub := workflow.NewHub()
	engine := workflow.NewEngine(contexts, registry,
		workflow.WithPipeline(pipe),
		workflow.WithEngineStore(store),
		workflow.WithEngineConcurrency(cfg.Engine.MaxParallel),
	)
	chains := chain.New(registry, contexts,
		chain.WithPipeline(pipe),
		chain.WithVisibility(chain.Visibility(cfg.Engine.ChainVisibility)),
		chain.WithPrunePolicy(ctxstore.PrunePolicy{
			MaxEntries: cfg.Engine.SessionMaxEntries,
			MaxTokens:  cfg.Engine.SessionMaxTokens,
		}),
		chain.WithDefaultProvider(cfg.Engine.DefaultProvider),
		chain.WithDefaultModel(cfg.Engine.DefaultModel),
		chain.WithStepTimeout(time.Duration(cfg.Engine.StepTimeout)*time.Second),
	)

	serviceOpts := []workflow.ServiceOption{
		workflow.WithServiceRunner(engine),
		workflow.WithServiceHub(hub),
	}
	if library != nil {
		serviceOpts = append(serviceOpts, workflow.WithSeedLibrary(library))
	}
	svc := workflow.NewService(store, queue, cfg.WorkflowStore.MaxRetries, serviceOpts...)

	processorOpts := []workflow.ProcessorOption{
		workflow.WithWorkerCount(cfg.Queue.Workers),
		workflow.WithControlHub(hub),
		workflow.WithProcessorLogger(logger.L()),
	}
	if dispatcher != nil {
		processorOpts = append(processorOpts, workflow.WithAlertDispatcher(dispatcher))
	}
	processor := workflow.NewProcessor(engine, store, queue, queue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("工作流处理器异常退出", slog.Any("error", err))
		}
	}()

	authSvc, err := createAuthService(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	serverOpts := []api.ServerOption{}
	if authSvc != nil {
		serverOpts = append(serverOpts, api.WithAuthService(authSvc))
	}
	if manager != nil {
		serverOpts = append(serverOpts, api.WithPluginManager(manager))
	}
	server := api.NewServer(cfg.Server.Address, svc, chains, serverOpts...)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createProviderRegistry 注册配置的全部模型驱动，第一项作为默认驱动。
func createProviderRegistry(cfg *config.Config) (*provider.Registry, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("至少需要配置一个模型 provider")
	}

	registry := provider.NewRegistry()
	for i, p := range cfg.Providers {
		driver, err := createDriver(p)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(p.Name, driver); err != nil {
			return nil, err
		}
		if p.Model != "" {
			registry.SetDefaultModel(p.Name, p.Model)
		}
		if i == 0 {
			if err := registry.SetDefault(p.Name); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

func createDriver(p config.ProviderConfig) (provider.Driver, error) {
	timeout := time.Duration(p.Timeout) * time.Second
	switch p.Driver {
	case "openai":
		apiKey, err := resolveAPIKey(p)
		if err != nil {
			return nil, err
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: p.BaseURL,
			Model:   p.Model,
			Timeout: timeout,
		})
	case "anthropic":
		apiKey, err := resolveAPIKey(p)
		if err != nil {
			return nil, err
		}
		return anthropic.NewClient(anthropic.Config{
			APIKey:  apiKey,
			BaseURL: p.BaseURL,
			Model:   p.Model,
			Timeout: timeout,
		})
	case "localexec":
		return localexec.NewRunner(p.Command, p.Args, p.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的模型驱动: %s", p.Driver)
	}
}

func resolveAPIKey(p config.ProviderConfig) (string, error) {
	apiKey := strings.TrimSpace(p.APIKey)
	if apiKey == "" && p.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(p.APIKeyEnv))
	}
	if apiKey == "" {
		return "", fmt.Errorf("provider %s 需要配置 api_key 或 api_key_env", p.Name)
	}
	return apiKey, nil
}

// createAuthService 按配置构建认证服务，disabled 模式返回 nil。
func createAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	mode := auth.Mode(cfg.Auth.Mode)
	if mode == "" || mode == auth.ModeDisabled {
		return nil, nil
	}

	var store auth.Store
	switch cfg.Auth.Store.Driver {
	case "", "memory":
		s, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = s
	case "mysql":
		s, err := mysql.NewSQLAuthStore(ctx, mysql.Config{DSN: cfg.Auth.Store.DSN})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("未知的用户目录驱动: %s", cfg.Auth.Store.Driver)
	}

	authCfg := auth.Config{
		Mode: mode,
		JWT: auth.JWTOptions{
			Secret:     resolveJWTSecret(cfg.Auth.JWT),
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
	}
	for _, token := range cfg.Auth.StaticTokens {
		value := strings.TrimSpace(token.Token)
		if value == "" && token.TokenEnv != "" {
			value = strings.TrimSpace(os.Getenv(token.TokenEnv))
		}
		authCfg.StaticTokens = append(authCfg.StaticTokens, auth.StaticToken{
			Token:       value,
			Username:    token.Username,
			Roles:       token.Roles,
			Permissions: token.Permissions,
			Disabled:    token.Disabled,
		})
	}
	for _, seed := range cfg.Auth.Seeds {
		authCfg.Seeds = append(authCfg.Seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}
	return auth.NewService(ctx, authCfg, store)
}

func resolveJWTSecret(cfg config.JWTConfig) string {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" && cfg.SecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(cfg.SecretEnv))
	}
	return secret
}

// createAlertDispatcher 组装告警渠道，未启用时返回 nil。
func createAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	if !cfg.Alerting.Enabled {
		return nil
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.Webhook.URL != "" {
		notifier := &alerting.WebhookNotifier{URL: cfg.Alerting.Webhook.URL}
		if cfg.Alerting.Webhook.Timeout > 0 {
			notifier.Client = &http.Client{Timeout: time.Duration(cfg.Alerting.Webhook.Timeout) * time.Second}
		}
		notifiers = append(notifiers, notifier)
	}
	if cfg.Alerting.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhookSender(cfg.Alerting.Slack.WebhookURL),
			ChannelID: cfg.Alerting.Slack.Channel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func closeQuietly(v any, name string) {
	if closer, ok := v.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.L().Warn("关闭"+name+"失败", slog.Any("error", err))
		}
	}
}
