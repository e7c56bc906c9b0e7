package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

// FileStore 以 JSON Lines 形式把记忆追加写入本地文件，适合单机部署。
type FileStore struct {
	mu       sync.RWMutex
	dataFile string
	records  []Record
}

// NewFileStore 在 dataDir 下打开 memories.log 并加载已有记录。
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	store := &FileStore{dataFile: filepath.Join(dataDir, "memories.log")}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Save 追加写入一条记忆。
func (s *FileStore) Save(_ context.Context, record Record) (Record, error) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化记忆失败")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开记忆日志失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆日志失败")
	}
	s.records = append(s.records, record)
	return record, nil
}

// Load 返回符合条件的记录，按写入顺序排列。
func (s *FileStore) Load(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return applyFilter(s.records, filter), nil
}

func (s *FileStore) loadFromDisk() error {
	file, err := os.OpenFile(s.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取记忆日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	skipped := 0
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			skipped++
			continue
		}
		s.records = append(s.records, record)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆日志失败")
	}
	if skipped > 0 {
		logger.L().Warn("记忆日志中存在无法解析的行", slog.String("path", s.dataFile), slog.Int("skipped", skipped))
	}
	return nil
}

// applyFilter 按类别过滤并截取最近的记录。
func applyFilter(records []Record, filter Filter) []Record {
	out := make([]Record, 0, len(records))
	for _, record := range records {
		if filter.Category != "" && record.Category != filter.Category {
			continue
		}
		out = append(out, record)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}
