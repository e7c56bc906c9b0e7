package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

// 测试用的脚本化驱动：按顺序核对每一次 Exec/Query/事务操作，SQL 比较时忽略空白差异。

type opKind string

const (
	opExec     opKind = "exec"
	opQuery    opKind = "query"
	opBegin    opKind = "begin"
	opCommit   opKind = "commit"
	opRollback opKind = "rollback"
)

type mockOperation struct {
	kind   opKind
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{kind: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{kind: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation    { return mockOperation{kind: opBegin} }
func commitOp() mockOperation   { return mockOperation{kind: opCommit} }
func rollbackOp() mockOperation { return mockOperation{kind: opRollback} }

// script 同时实现 driver.Connector 与 driver.Driver，所有连接共享同一份期望序列。
type script struct {
	mu   sync.Mutex
	ops  []mockOperation
	next int
}

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *script) {
	t.Helper()
	s := &script{ops: ops}
	db := sql.OpenDB(s)
	db.SetMaxOpenConns(1)
	return db, s
}

func (s *script) assertConsumed(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next != len(s.ops) {
		t.Fatalf("script not finished: %d/%d operations consumed", s.next, len(s.ops))
	}
}

// take 取出下一步并核对类型与 SQL。
func (s *script) take(kind opKind, query string) (mockOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.ops) {
		return mockOperation{}, fmt.Errorf("unexpected %s %q", kind, query)
	}
	op := s.ops[s.next]
	s.next++
	if op.kind != kind {
		return mockOperation{}, fmt.Errorf("step %d: want %s, got %s", s.next, op.kind, kind)
	}
	if op.query != "" && squash(op.query) != squash(query) {
		return mockOperation{}, fmt.Errorf("step %d: want query %q, got %q", s.next, squash(op.query), squash(query))
	}
	return op, op.err
}

func squash(query string) string { return strings.Join(strings.Fields(query), " ") }

func (s *script) Connect(context.Context) (driver.Conn, error) { return scriptConn{s}, nil }
func (s *script) Driver() driver.Driver                        { return s }
func (s *script) Open(string) (driver.Conn, error)             { return scriptConn{s}, nil }

type scriptConn struct{ s *script }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepared statements are not scripted: %s", query)
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.s.take(opBegin, ""); err != nil {
		return nil, err
	}
	return scriptTx(c), nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.s.take(opExec, query)
	if err != nil {
		return nil, err
	}
	return op.result, nil
}

func (c scriptConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.s.take(opQuery, query)
	if err != nil {
		return nil, err
	}
	return &scriptRows{data: op.rows}, nil
}

type scriptTx scriptConn

func (t scriptTx) Commit() error {
	_, err := t.s.take(opCommit, "")
	return err
}

func (t scriptTx) Rollback() error {
	_, err := t.s.take(opRollback, "")
	return err
}

type scriptRows struct {
	data mockRowsData
	pos  int
}

func (r *scriptRows) Columns() []string { return r.data.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data.values) {
		return io.EOF
	}
	copy(dest, r.data.values[r.pos])
	r.pos++
	return nil
}
