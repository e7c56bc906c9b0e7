package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"VCMilei/internal/agent"
	xerrors "VCMilei/internal/errors"
	mysqlstore "VCMilei/internal/storage/mysql"
)

const taskColumns = `id, kind, input, metadata, status, attempts, max_retries, last_error, error_code,
        output, completed_at, created_at, updated_at`

// MySQLStore 使用 agent_tasks 表记录任务状态，表结构由内嵌迁移创建。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已迁移的连接池创建任务存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接未初始化")
	}
	return &MySQLStore{db: db, now: time.Now}, nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}

	const stmt = `INSERT INTO agent_tasks
        (id, kind, input, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		string(task.Kind),
		rawValue(task.Input),
		metadata,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if mysqlstore.IsDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM agent_tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将待执行任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE agent_tasks SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), s.now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	switch {
	case task.Status == StatusSucceeded:
		return task, ErrTaskCompleted
	case task.Status == StatusFailed, task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	default:
		return task, ErrTaskConflict
	}
}

// MarkSucceeded 保存输出并清除错误信息。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	return s.updateOne(ctx, "写入任务结果失败",
		`UPDATE agent_tasks SET status = ?, output = ?, completed_at = ?, updated_at = ?,
        last_error = '', error_code = '' WHERE id = ?`,
		string(StatusSucceeded), rawValue(result.Output), result.CompletedAt, s.now().Unix(), id,
	)
}

// MarkFailed 记录失败原因；非终态任务回到 pending 等待重新入队。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	return s.updateOne(ctx, "写入任务失败状态出错",
		`UPDATE agent_tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, string(code), s.now().Unix(), id,
	)
}

// updateOne 执行按 ID 更新的语句，没有命中任何行时返回 ErrTaskNotFound。
func (s *MySQLStore) updateOne(ctx context.Context, failure, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, failure)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 按过滤条件分页返回任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts = opts.normalized()

	query := "SELECT " + taskColumns + " FROM agent_tasks"
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	direction := "DESC"
	if opts.Order == SortByUpdatedAsc {
		direction = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY updated_at %[1]s, created_at %[1]s, id %[1]s LIMIT ? OFFSET ?", direction)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// statusOrder 决定统计查询中各状态计数列的顺序。
var statusOrder = []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}

// Stats 在数据库侧聚合各状态的数量与更新时间范围。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts = opts.normalized()

	columns := []string{"COUNT(*)"}
	args := make([]any, 0, len(statusOrder))
	for _, status := range statusOrder {
		columns = append(columns, "COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)")
		args = append(args, string(status))
	}
	columns = append(columns, "COALESCE(MIN(updated_at), 0)", "COALESCE(MAX(updated_at), 0)")
	query := "SELECT " + strings.Join(columns, ", ") + " FROM agent_tasks"
	if clause, filterArgs := buildFilterClause(opts); clause != "" {
		query += " WHERE " + clause
		args = append(args, filterArgs...)
	}

	var stats TaskStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Pending, &stats.Running, &stats.Succeeded, &stats.Failed,
		&stats.OldestUpdatedAt, &stats.NewestUpdatedAt,
	)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 由连接池的所有者负责关闭，这里不做处理。
func (s *MySQLStore) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		task        Task
		kind        string
		status      string
		input       sql.NullString
		metadata    sql.NullString
		output      sql.NullString
		completedAt int64
	)
	if err := row.Scan(
		&task.ID,
		&kind,
		&input,
		&metadata,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&task.LastError,
		&task.ErrorCode,
		&output,
		&completedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Kind = agent.Kind(kind)
	task.Status = Status(status)
	if input.Valid && input.String != "" {
		task.Input = json.RawMessage(input.String)
	}
	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	task.Metadata = decoded
	if output.Valid && output.String != "" {
		task.Result = &ExecutionResult{Output: json.RawMessage(output.String), CompletedAt: completedAt}
	}
	return &task, nil
}

func rawValue(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// whereBuilder 累积以 AND 连接的条件及其参数。
type whereBuilder struct {
	conditions []string
	args       []any
}

func (w *whereBuilder) add(condition string, args ...any) {
	w.conditions = append(w.conditions, condition)
	w.args = append(w.args, args...)
}

func inCondition[T ~string](w *whereBuilder, column string, values []T) {
	if len(values) == 0 {
		return
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = string(v)
	}
	w.add(fmt.Sprintf("%s IN (%s)", column, placeholders(len(values))), args...)
}

// buildFilterClause 把查询条件翻译为 WHERE 子句，语义与 ListOptions.matches 一致。
func buildFilterClause(opts ListOptions) (string, []any) {
	var w whereBuilder
	inCondition(&w, "status", opts.Statuses)
	inCondition(&w, "kind", opts.Kinds)
	if opts.UpdatedGTE > 0 {
		w.add("updated_at >= ?", opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		w.add("updated_at <= ?", opts.UpdatedLTE)
	}
	switch {
	case opts.HasResult == nil:
	case *opts.HasResult:
		w.add("(output IS NOT NULL AND output <> '')")
	default:
		w.add("(output IS NULL OR output = '')")
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		w.add("(id LIKE ? OR input LIKE ? OR last_error LIKE ?)", pattern, pattern, pattern)
	}
	return strings.Join(w.conditions, " AND "), w.args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ Store = (*MySQLStore)(nil)
