package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/memory"
	"VCMilei/pkg/logger"
)

const defaultPrefix = "vcmilei:memories"

// MemoryStore 把每条记忆追加到全量列表和所属类别的列表中，实现 memory.Store。
type MemoryStore struct {
	client redis.UniversalClient
	prefix string
}

// NewMemoryStore 创建 Redis 记忆存储，prefix 为空时使用 vcmilei:memories。
func NewMemoryStore(client redis.UniversalClient, prefix string) (*MemoryStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &MemoryStore{client: client, prefix: prefix}, nil
}

// Save 在一个事务中写入两个列表。
func (s *MemoryStore) Save(ctx context.Context, record memory.Record) (memory.Record, error) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return memory.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化记忆失败")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.listKey(""), encoded)
		pipe.RPush(ctx, s.listKey(record.Category), encoded)
		return nil
	})
	if err != nil {
		return memory.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 记忆失败")
	}
	return record, nil
}

// Load 按写入顺序返回记忆；Limit 大于 0 时只取列表尾部。
func (s *MemoryStore) Load(ctx context.Context, filter memory.Filter) ([]memory.Record, error) {
	start := int64(0)
	if filter.Limit > 0 {
		start = -int64(filter.Limit)
	}
	values, err := s.client.LRange(ctx, s.listKey(filter.Category), start, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 记忆失败")
	}
	return decodeRecords(values, s.listKey(filter.Category)), nil
}

func (s *MemoryStore) listKey(category memory.Category) string {
	if category == "" {
		return s.prefix + ":all"
	}
	return s.prefix + ":" + strings.ToLower(string(category))
}

func decodeRecords(values []string, key string) []memory.Record {
	records := make([]memory.Record, 0, len(values))
	skipped := 0
	for _, value := range values {
		var record memory.Record
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			skipped++
			continue
		}
		records = append(records, record)
	}
	if skipped > 0 {
		logger.L().Warn("Redis 中存在无法解析的记忆", slog.String("key", key), slog.Int("skipped", skipped))
	}
	return records
}
