package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"VCMilei/internal/agent"
	"VCMilei/internal/config"
	"VCMilei/internal/data"
	"VCMilei/internal/dispatch"
	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/feed/twitter"
	"VCMilei/internal/llm"
	"VCMilei/internal/llm/gemini"
	"VCMilei/internal/llm/openai"
	"VCMilei/internal/memory"
	"VCMilei/internal/observability/alerting"
	mysqlstore "VCMilei/internal/storage/mysql"
	redisstore "VCMilei/internal/storage/redis"
	"VCMilei/internal/task"
	"VCMilei/internal/web3/provider"
	"VCMilei/pkg/logger"
)

// resources 持有多个组件共享的外部连接。
type resources struct {
	db    *sql.DB
	redis redis.UniversalClient
}

func openResources(ctx context.Context, cfg *config.Config) (*resources, error) {
	res := &resources{}
	if cfg.NeedsMySQL() {
		db, err := mysqlstore.Open(ctx, mysqlstore.Config{
			DSN:             cfg.MySQLDSN(),
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: config.Seconds(cfg.Storage.MySQL.ConnMaxLifetimeSeconds),
		})
		if err != nil {
			return nil, err
		}
		res.db = db
	}
	if cfg.NeedsRedis() {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Storage.Redis.Address},
			Password: config.Secret(cfg.Storage.Redis.PasswordEnv),
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			res.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
		}
		res.redis = client
	}
	return res, nil
}

func (r *resources) Close() {
	log := logger.Named("vcmileid")
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			log.Warn("关闭 Redis 连接失败", slog.Any("error", err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			log.Warn("关闭 MySQL 连接失败", slog.Any("error", err))
		}
	}
}

// createLLM 按配置创建对话客户端与向量客户端。embedding.provider 为 none 时返回空的 Embedder。
func createLLM(ctx context.Context, cfg *config.Config) (llm.Client, llm.Embedder, error) {
	var (
		client    llm.Client
		openaiCli *openai.Client
		geminiCli *gemini.Client
		err       error
	)
	switch cfg.LLM.Provider {
	case "openai":
		if openaiCli, err = newOpenAI(cfg); err != nil {
			return nil, nil, err
		}
		client = openaiCli
	case "gemini":
		if geminiCli, err = newGemini(ctx, cfg); err != nil {
			return nil, nil, err
		}
		client = geminiCli
	default:
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的大模型提供方: %s", cfg.LLM.Provider))
	}

	switch cfg.Embedding.Provider {
	case "none":
		return client, nil, nil
	case "openai":
		if openaiCli == nil {
			if openaiCli, err = newOpenAI(cfg); err != nil {
				return nil, nil, err
			}
		}
		return client, openai.NewEmbedder(openaiCli, cfg.Embedding.Model), nil
	case "gemini":
		if geminiCli == nil {
			if geminiCli, err = newGemini(ctx, cfg); err != nil {
				return nil, nil, err
			}
		}
		return client, geminiCli, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的向量提供方: %s", cfg.Embedding.Provider))
	}
}

func newOpenAI(cfg *config.Config) (*openai.Client, error) {
	return openai.NewClient(openai.Config{
		APIKey:     config.Secret(cfg.LLM.OpenAI.APIKeyEnv),
		BaseURL:    cfg.LLM.OpenAI.BaseURL,
		Model:      cfg.LLM.OpenAI.Model,
		Timeout:    config.Seconds(cfg.LLM.OpenAI.TimeoutSeconds),
		MaxRetries: cfg.LLM.OpenAI.MaxRetries,
	})
}

func newGemini(ctx context.Context, cfg *config.Config) (*gemini.Client, error) {
	embeddingModel := ""
	if cfg.Embedding.Provider == "gemini" {
		embeddingModel = cfg.Embedding.Model
	}
	return gemini.New(ctx, gemini.Config{
		APIKey:         config.Secret(cfg.LLM.Gemini.APIKeyEnv),
		Model:          cfg.LLM.Gemini.Model,
		EmbeddingModel: embeddingModel,
	})
}

func createRecorder(cfg *config.Config, res *resources, embedder llm.Embedder) (*memory.Recorder, error) {
	var store memory.Store
	switch cfg.Storage.Memory.Driver {
	case "file":
		fileStore, err := memory.NewFileStore(cfg.Runtime.DataDir)
		if err != nil {
			return nil, err
		}
		store = fileStore
	case "mysql":
		repo, err := mysqlstore.NewMemoryRepository(res.db)
		if err != nil {
			return nil, err
		}
		store = repo
	case "redis":
		redisStore, err := redisstore.NewMemoryStore(res.redis, cfg.Storage.Memory.RedisPrefix)
		if err != nil {
			return nil, err
		}
		store = redisStore
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的记忆存储驱动: %s", cfg.Storage.Memory.Driver))
	}
	return memory.NewRecorder(store, embedder,
		memory.WithThreshold(cfg.Storage.Memory.Threshold),
		memory.WithSearchLimit(cfg.Storage.Memory.SearchLimit),
	), nil
}

// sources 持有需要关闭或在分发器中复用的外部数据源。
type sources struct {
	wallets *provider.Registry
	twitter *twitter.Client
}

func (s *sources) Close() {
	if s.wallets != nil {
		s.wallets.Close()
	}
}

// attachSources 创建数据源并写入 deps。可选数据源缺少凭据时跳过，对应工具返回失败结果。
func attachSources(ctx context.Context, cfg *config.Config, deps *agent.Deps) (*sources, error) {
	log := logger.Named("vcmileid")
	out := &sources{}

	deps.Market = data.NewModeExplorer(cfg.Feeds.Explorer.BaseURL, config.Seconds(cfg.Feeds.Explorer.TimeoutSeconds))
	deps.News = data.NewNewsProvider(data.NewsConfig{
		CryptoPanicURL:   cfg.Feeds.News.CryptoPanicURL,
		CryptoPanicToken: config.Secret(cfg.Feeds.News.CryptoPanicEnv),
		CointelegraphRSS: cfg.Feeds.News.CointelegraphRSS,
		Timeout:          config.Seconds(cfg.Feeds.News.TimeoutSeconds),
	})

	tw := cfg.Feeds.Twitter
	client, err := twitter.NewClient(twitter.Config{
		BaseURL:     tw.BaseURL,
		BearerToken: config.Secret(tw.BearerTokenEnv),
		Username:    tw.Username,
		PostDelay:   config.Seconds(tw.ReplyDelaySeconds),
		DryRun:      tw.DryRun,
	})
	switch {
	case err == nil:
		out.twitter = client
		deps.Social = data.NewSocialProvider(client)
		deps.Trends = client
		deps.Poster = client
	case tw.Enabled:
		return nil, err
	default:
		log.Warn("未配置 X API，社交相关工具不可用", slog.Any("error", err))
	}

	if cfg.Web3.ChainConfig != "" {
		registry, err := provider.NewRegistry(ctx, provider.Options{
			ChainConfig:  cfg.Web3.ChainConfig,
			DefaultChain: cfg.Web3.DefaultChain,
			PrivateKey:   config.Secret(cfg.Web3.PrivateKeyEnv),
		})
		if err != nil {
			log.Warn("钱包初始化失败，链上工具不可用", slog.Any("error", err))
		} else {
			out.wallets = registry
			wallet, err := registry.Default()
			if err != nil {
				registry.Close()
				return nil, err
			}
			deps.Wallet = wallet
			log.Info("钱包已就绪", slog.Any("chains", registry.Chains()))
		}
	}
	return out, nil
}

func createAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func createTaskStore(cfg *config.Config, res *resources) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(res.db)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver))
	}
}

func createTaskQueue(ctx context.Context, cfg *config.Config, res *resources) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.TaskQueue.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, res.redis, task.RedisQueueConfig{
			Queue:           cfg.TaskQueue.Redis.Queue,
			BlockWait:       config.Seconds(cfg.TaskQueue.Redis.BlockWaitSeconds),
			RecoverInFlight: cfg.TaskQueue.Redis.RecoverInFlight,
		})
	case "rabbitmq":
		rabbit := cfg.TaskQueue.RabbitMQ
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      config.Secret(rabbit.URLEnv),
			Queue:    rabbit.Queue,
			Prefetch: rabbit.Prefetch,
			Durable:  rabbit.Durable,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.TaskQueue.Driver))
	}
}

func createLedgerStore(cfg *config.Config, res *resources) (dispatch.LedgerStore, error) {
	switch cfg.Storage.Ledger.Driver {
	case "file":
		return dispatch.NewFileLedgerStore(cfg.Storage.Ledger.Path), nil
	case "redis":
		return dispatch.NewRedisLedgerStore(res.redis, cfg.Storage.Ledger.Key), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的账本存储驱动: %s", cfg.Storage.Ledger.Driver))
	}
}

// registerFeeds 注册提及轮询与定时发帖。
func registerFeeds(ctx context.Context, cfg *config.Config, res *resources, d *dispatch.Dispatcher, bot *agent.VCMileiAgent, src *sources) error {
	log := logger.Named("vcmileid")

	if cfg.Feeds.Twitter.Enabled {
		if src.twitter == nil {
			return xerrors.New(xerrors.CodeInitializationFailure, "已启用提及轮询但 X API 客户端不可用")
		}
		feed, err := twitter.NewMentionFeed(src.twitter)
		if err != nil {
			return err
		}
		store, err := createLedgerStore(cfg, res)
		if err != nil {
			return err
		}
		if _, err := d.Watch(ctx, feed, bot.MentionHandler(),
			dispatch.WithInterval(config.Seconds(cfg.Feeds.Twitter.IntervalSeconds)),
			dispatch.WithFetchLimit(cfg.Feeds.Twitter.FetchLimit),
			dispatch.WithLedger(store, cfg.Dispatch.LedgerSize),
			dispatch.WithImmediateStart(),
		); err != nil {
			return err
		}
		log.Info("已注册提及轮询",
			slog.String("username", src.twitter.Username()),
			slog.String("ledger", ledgerLocation(cfg)),
		)
	}

	if cfg.Feeds.News.Enabled {
		interval := config.Seconds(cfg.Feeds.News.IntervalSeconds)
		d.Every("news.post", interval, bot.PostNews)
		log.Info("已注册定时新闻", slog.Duration("interval", interval))
	}
	return nil
}

func ledgerLocation(cfg *config.Config) string {
	if cfg.Storage.Ledger.Driver == "redis" {
		return "redis:" + cfg.Storage.Ledger.Key
	}
	return filepath.Clean(cfg.Storage.Ledger.Path)
}
