package sqlquery

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	fields []pgconn.FieldDescription
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		d, ok := dest[i].(*string)
		if !ok {
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
		*d = v.(string)
	}
	return nil
}

func (r *mockRows) Values() ([]any, error) { return r.data[r.idx-1], nil }

// queryCall records a single invocation of Query.
type queryCall struct {
	SQL  string
	Args []any
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	beginErr  error
	calls     []queryCall
	txOpts    []pgx.TxOptions
	txQueries []string
	rollbacks int
	commits   int
}

func (m *mockDB) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	m.txOpts = append(m.txOpts, opts)
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return &mockTx{db: m}, nil
}

// mockTx routes queries back to its mockDB. Methods not overridden panic.
type mockTx struct {
	pgx.Tx
	db *mockDB
}

func (t *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.db.txQueries = append(t.db.txQueries, sql)
	return t.db.Query(ctx, sql, args...)
}

func (t *mockTx) Rollback(context.Context) error {
	t.db.rollbacks++
	return nil
}

func (t *mockTx) Commit(context.Context) error {
	t.db.commits++
	return nil
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.calls = append(m.calls, queryCall{SQL: sql, Args: args})
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

// querier is a scripted Querier.
type querier struct {
	rows  []Row
	err   error
	calls []string
}

func (q *querier) Query(_ context.Context, sql string) ([]Row, error) {
	q.calls = append(q.calls, sql)
	return q.rows, q.err
}
