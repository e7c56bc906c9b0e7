package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/memory"
)

// MemoryRepository 把记忆写入 memories 表，实现 memory.Store。
type MemoryRepository struct {
	db *sql.DB
}

// NewMemoryRepository 基于已迁移的连接池创建记忆仓库。
func NewMemoryRepository(db *sql.DB) (*MemoryRepository, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接未初始化")
	}
	return &MemoryRepository{db: db}, nil
}

// Save 插入一条记忆；主键冲突视为 CodeConflict。
func (r *MemoryRepository) Save(ctx context.Context, record memory.Record) (memory.Record, error) {
	var embedding sql.NullString
	if len(record.Embedding) > 0 {
		encoded, err := json.Marshal(record.Embedding)
		if err != nil {
			return memory.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化记忆向量失败")
		}
		embedding = sql.NullString{String: string(encoded), Valid: true}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO memories (id, content, category, embedding, created_at)
VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.Content, string(record.Category), embedding, record.CreatedAt.UnixMilli())
	if err != nil {
		if IsDuplicateKey(err) {
			return memory.Record{}, xerrors.Wrap(xerrors.CodeConflict, err, "记忆 ID 已存在")
		}
		return memory.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆失败")
	}
	return record, nil
}

// Load 返回符合条件的记忆，按写入时间从旧到新排列。
func (r *MemoryRepository) Load(ctx context.Context, filter memory.Filter) ([]memory.Record, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(filter.Category))
	}
	query := "SELECT id, content, category, embedding, created_at FROM memories"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记忆失败")
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		record, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记忆失败")
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func scanMemory(rows *sql.Rows) (memory.Record, error) {
	var (
		record    memory.Record
		category  string
		embedding sql.NullString
		createdAt int64
	)
	if err := rows.Scan(&record.ID, &record.Content, &category, &embedding, &createdAt); err != nil {
		return memory.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆失败")
	}
	record.Category = memory.Category(category)
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &record.Embedding); err != nil {
			return memory.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆向量失败")
		}
	}
	return record, nil
}
