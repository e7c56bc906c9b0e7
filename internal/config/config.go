package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "VCMilei/internal/errors"
)

const (
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath = "VCMILEI_CONFIG"
	// DefaultConfigPath 是未设置环境变量时使用的配置文件。
	DefaultConfigPath = "configs/vcmilei.json"
)

// Config 描述了 VCMilei 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Alerting  AlertingConfig  `json:"alerting"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`
	Web3      Web3Config      `json:"web3"`
	Feeds     FeedsConfig     `json:"feeds"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
	// APIKeysEnv 指向形如 "name:secret:perm1|perm2,..." 的环境变量，为空或变量未设置时不做认证。
	APIKeysEnv string `json:"api_keys_env"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
	MaxSizeMB   int      `json:"max_size_mb"`
	MaxBackups  int      `json:"max_backups"`
	MaxAgeDays  int      `json:"max_age_days"`
}

// MetricsConfig 控制 Prometheus 指标。Address 为空时指标挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 配置告警的 Webhook 渠道，URL 为空时只写日志。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// StorageConfig 描述记忆、账本与任务状态的持久化后端。
type StorageConfig struct {
	Memory    MemoryStoreConfig `json:"memory"`
	Ledger    LedgerStoreConfig `json:"ledger"`
	TaskStore TaskStoreConfig   `json:"task_store"`
	MySQL     MySQLConfig       `json:"mysql"`
	Redis     RedisConfig       `json:"redis"`
}

// MemoryStoreConfig 选择记忆后端：file、mysql 或 redis。
type MemoryStoreConfig struct {
	Driver      string  `json:"driver"`
	Threshold   float64 `json:"threshold"`
	SearchLimit int     `json:"search_limit"`
	RedisPrefix string  `json:"redis_prefix"`
}

// LedgerStoreConfig 选择推送账本后端：file 或 redis。
type LedgerStoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	Key    string `json:"key"`
}

// TaskStoreConfig 选择任务状态后端：memory 或 mysql。
type TaskStoreConfig struct {
	Driver string `json:"driver"`
}

// MySQLConfig 描述共享的 MySQL 连接池。DSN 优先从 DSNEnv 指定的环境变量读取。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig 描述共享的 Redis 连接。
type RedisConfig struct {
	Address     string `json:"address"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
}

// TaskQueueConfig 描述异步任务队列与工作协程。
type TaskQueueConfig struct {
	Driver               string              `json:"driver"`
	Workers              int                 `json:"workers"`
	MaxRetries           int                 `json:"max_retries"`
	Buffer               int                 `json:"buffer"`
	ExecutionTimeoutSecs int                 `json:"execution_timeout_seconds"`
	Redis                RedisQueueConfig    `json:"redis"`
	RabbitMQ             RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列。
type RedisQueueConfig struct {
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
	// RecoverInFlight 启动时把上次未确认的任务放回队列，多实例消费时必须关闭。
	RecoverInFlight bool `json:"recover_in_flight"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列。URL 可能包含凭据，因此从 URLEnv 读取。
type RabbitMQQueueConfig struct {
	URLEnv   string `json:"url_env"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// LLMConfig 选择大模型提供方以及编排循环的参数。
type LLMConfig struct {
	Provider            string       `json:"provider"`
	OpenAI              OpenAIConfig `json:"openai"`
	Gemini              GeminiConfig `json:"gemini"`
	MaxRounds           int          `json:"max_rounds"`
	Temperature         float64      `json:"temperature"`
	RoundTimeoutSeconds int          `json:"round_timeout_seconds"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// GeminiConfig 描述 Gemini 接口。
type GeminiConfig struct {
	APIKeyEnv string `json:"api_key_env"`
	Model     string `json:"model"`
}

// EmbeddingConfig 选择记忆向量的提供方：openai、gemini 或 none。
type EmbeddingConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Web3Config 描述链配置与钱包私钥。ChainConfig 为空时不启用钱包工具。
type Web3Config struct {
	ChainConfig   string `json:"chain_config"`
	DefaultChain  string `json:"default_chain"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// FeedsConfig 描述外部数据源与推送源。
type FeedsConfig struct {
	Twitter  TwitterConfig  `json:"twitter"`
	News     NewsConfig     `json:"news"`
	Explorer ExplorerConfig `json:"explorer"`
}

// TwitterConfig 描述 X 账号与提及轮询。
type TwitterConfig struct {
	Enabled           bool   `json:"enabled"`
	Username          string `json:"username"`
	BearerTokenEnv    string `json:"bearer_token_env"`
	BaseURL           string `json:"base_url"`
	IntervalSeconds   int    `json:"interval_seconds"`
	FetchLimit        int    `json:"fetch_limit"`
	ReplyDelaySeconds int    `json:"reply_delay_seconds"`
	DryRun            bool   `json:"dry_run"`
}

// NewsConfig 描述新闻源与定时发帖。
type NewsConfig struct {
	Enabled          bool   `json:"enabled"`
	IntervalSeconds  int    `json:"interval_seconds"`
	CryptoPanicURL   string `json:"cryptopanic_url"`
	CryptoPanicEnv   string `json:"cryptopanic_token_env"`
	CointelegraphRSS string `json:"cointelegraph_rss"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// ExplorerConfig 描述 Mode 区块浏览器。
type ExplorerConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// DispatchConfig 描述提及分发的投递语义与账本容量。
type DispatchConfig struct {
	Policy     string `json:"policy"`
	LedgerSize int    `json:"ledger_size"`
}

// KnowledgeConfig 指定角色设定文件，为空时使用内置设定。
type KnowledgeConfig struct {
	Source string `json:"source"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// ResolvePath 返回 VCMILEI_CONFIG 指定的路径，未设置时返回默认路径。
func ResolvePath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析配置失败")
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查枚举字段的取值。
func (c *Config) Validate() error {
	checks := []struct {
		field   string
		value   string
		allowed []string
	}{
		{"llm.provider", c.LLM.Provider, []string{"openai", "gemini"}},
		{"embedding.provider", c.Embedding.Provider, []string{"openai", "gemini", "none"}},
		{"storage.memory.driver", c.Storage.Memory.Driver, []string{"file", "mysql", "redis"}},
		{"storage.ledger.driver", c.Storage.Ledger.Driver, []string{"file", "redis"}},
		{"storage.task_store.driver", c.Storage.TaskStore.Driver, []string{"memory", "mysql"}},
		{"task_queue.driver", c.TaskQueue.Driver, []string{"memory", "redis", "rabbitmq"}},
		{"dispatch.policy", c.Dispatch.Policy, []string{"at-most-once", "at-least-once"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("配置项 %s 的取值 %q 无效，可选值: %s", check.field, check.value, strings.Join(check.allowed, ", ")))
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return xerrors.New(xerrors.CodeInvalidArgument, "llm.temperature 必须位于 [0, 2]")
	}
	if c.Storage.Memory.Threshold < 0 || c.Storage.Memory.Threshold > 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "storage.memory.threshold 必须位于 [0, 1]")
	}
	return nil
}

// NeedsMySQL 判断是否有组件使用 MySQL。
func (c *Config) NeedsMySQL() bool {
	return c.Storage.Memory.Driver == "mysql" || c.Storage.TaskStore.Driver == "mysql"
}

// NeedsRedis 判断是否有组件使用 Redis。
func (c *Config) NeedsRedis() bool {
	return c.Storage.Memory.Driver == "redis" || c.Storage.Ledger.Driver == "redis" || c.TaskQueue.Driver == "redis"
}

// Secret 读取配置中指定名称的环境变量，名称为空时返回空字符串。
func Secret(envName string) string {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

// MySQLDSN 返回 MySQL DSN，环境变量优先于文件中的明文值。
func (c *Config) MySQLDSN() string {
	if dsn := Secret(c.Storage.MySQL.DSNEnv); dsn != "" {
		return dsn
	}
	return c.Storage.MySQL.DSN
}

// Seconds 把配置中的秒数转换为 time.Duration。
func Seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
