package config

import (
	"path/filepath"
	"strings"
)

// applyDefaults 在用户未填写部分字段时设置默认值，相对路径以配置文件所在目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3078"
	}
	if c.Server.APIKeysEnv == "" {
		c.Server.APIKeysEnv = "VCMILEI_API_KEYS"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.LLM.Provider = lower(c.LLM.Provider, "openai")
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}
	if c.LLM.OpenAI.MaxRetries <= 0 {
		c.LLM.OpenAI.MaxRetries = 3
	}
	if c.LLM.Gemini.APIKeyEnv == "" {
		c.LLM.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.LLM.MaxRounds <= 0 {
		c.LLM.MaxRounds = 50
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.RoundTimeoutSeconds <= 0 {
		c.LLM.RoundTimeoutSeconds = 60
	}

	c.Embedding.Provider = lower(c.Embedding.Provider, c.LLM.Provider)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = "data"
	}
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)

	c.Storage.Memory.Driver = lower(c.Storage.Memory.Driver, "file")
	if c.Storage.Memory.Threshold == 0 {
		c.Storage.Memory.Threshold = 0.7
	}
	if c.Storage.Memory.SearchLimit <= 0 {
		c.Storage.Memory.SearchLimit = 5
	}
	c.Storage.Ledger.Driver = lower(c.Storage.Ledger.Driver, "file")
	if c.Storage.Ledger.Path == "" {
		c.Storage.Ledger.Path = filepath.Join(c.Runtime.DataDir, "processed_tweets.json")
	} else {
		c.Storage.Ledger.Path = resolve(baseDir, c.Storage.Ledger.Path)
	}
	c.Storage.TaskStore.Driver = lower(c.Storage.TaskStore.Driver, "memory")
	if c.Storage.Redis.Address == "" {
		c.Storage.Redis.Address = "127.0.0.1:6379"
	}

	c.TaskQueue.Driver = lower(c.TaskQueue.Driver, "memory")
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 256
	}
	if c.TaskQueue.ExecutionTimeoutSecs <= 0 {
		c.TaskQueue.ExecutionTimeoutSecs = 600
	}
	if c.TaskQueue.RabbitMQ.URLEnv == "" {
		c.TaskQueue.RabbitMQ.URLEnv = "VCMILEI_RABBITMQ_URL"
	}

	if c.Web3.PrivateKeyEnv == "" {
		c.Web3.PrivateKeyEnv = "VCMILEI_PRIVATE_KEY"
	}
	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}

	tw := &c.Feeds.Twitter
	if tw.BearerTokenEnv == "" {
		tw.BearerTokenEnv = "TWITTER_BEARER_TOKEN"
	}
	if tw.IntervalSeconds <= 0 {
		tw.IntervalSeconds = 60
	}
	if tw.FetchLimit <= 0 {
		tw.FetchLimit = 20
	}
	if tw.ReplyDelaySeconds <= 0 {
		tw.ReplyDelaySeconds = 5
	}
	if c.Feeds.News.IntervalSeconds <= 0 {
		c.Feeds.News.IntervalSeconds = 1000
	}
	if c.Feeds.News.CryptoPanicEnv == "" {
		c.Feeds.News.CryptoPanicEnv = "CRYPTOPANIC_API_KEY"
	}
	if c.Feeds.News.TimeoutSeconds <= 0 {
		c.Feeds.News.TimeoutSeconds = 15
	}
	if c.Feeds.Explorer.TimeoutSeconds <= 0 {
		c.Feeds.Explorer.TimeoutSeconds = 15
	}

	c.Dispatch.Policy = lower(c.Dispatch.Policy, "at-most-once")
	if c.Dispatch.LedgerSize <= 0 {
		c.Dispatch.LedgerSize = 1000
	}

	if c.Knowledge.Source != "" {
		c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source)
	}
	if c.Logging.AuditPath != "" {
		c.Logging.AuditPath = resolve(baseDir, c.Logging.AuditPath)
	}
}

func lower(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
