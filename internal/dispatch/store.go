package dispatch

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

// LedgerStore 持久化账本快照。
type LedgerStore interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// FileLedgerStore 把账本写入 JSON 文件。写入先落到同目录的临时文件，再原子替换目标文件。
type FileLedgerStore struct {
	path string
}

// NewFileLedgerStore 创建文件账本存储。
func NewFileLedgerStore(path string) *FileLedgerStore {
	return &FileLedgerStore{path: path}
}

// Path 返回账本文件路径。
func (s *FileLedgerStore) Path() string { return s.path }

// Load 读取账本。文件不存在或内容损坏时返回空快照与 false，损坏会记录日志。
func (s *FileLedgerStore) Load(_ context.Context) (Snapshot, bool, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "读取账本文件失败")
	}
	var snapshot Snapshot
	if err := json.Unmarshal(content, &snapshot); err != nil {
		logger.L().Warn("账本文件已损坏，使用空账本",
			slog.String("path", s.path),
			slog.Any("error", err),
		)
		return Snapshot{}, false, nil
	}
	return snapshot, true, nil
}

// Save 原子地写入账本。
func (s *FileLedgerStore) Save(_ context.Context, snapshot Snapshot) error {
	if snapshot.ProcessedIDs == nil {
		snapshot.ProcessedIDs = []string{}
	}
	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "序列化账本失败")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "创建账本目录失败")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "创建临时账本文件失败")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "写入临时账本文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "同步临时账本文件失败")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "关闭临时账本文件失败")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "替换账本文件失败")
	}
	return nil
}

// RedisLedgerStore 把账本作为单个 JSON 值保存在 Redis 中，SET 本身是原子的。
type RedisLedgerStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLedgerStore 创建 Redis 账本存储。
func NewRedisLedgerStore(client redis.UniversalClient, key string) *RedisLedgerStore {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "vcmilei:ledger"
	}
	return &RedisLedgerStore{client: client, key: key}
}

// Load 读取账本。
func (s *RedisLedgerStore) Load(ctx context.Context) (Snapshot, bool, error) {
	content, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "读取 Redis 账本失败")
	}
	var snapshot Snapshot
	if err := json.Unmarshal(content, &snapshot); err != nil {
		logger.L().Warn("Redis 账本已损坏，使用空账本", slog.String("key", s.key), slog.Any("error", err))
		return Snapshot{}, false, nil
	}
	return snapshot, true, nil
}

// Save 写入账本。
func (s *RedisLedgerStore) Save(ctx context.Context, snapshot Snapshot) error {
	if snapshot.ProcessedIDs == nil {
		snapshot.ProcessedIDs = []string{}
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "序列化账本失败")
	}
	if err := s.client.Set(ctx, s.key, encoded, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "写入 Redis 账本失败")
	}
	return nil
}
