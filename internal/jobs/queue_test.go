package jobs

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// recorder is a database/sql connector that records every statement and
// answers queries with a fixed single-column result.
type recorder struct {
	mu         sync.Mutex
	statements []string
	column     string
	values     []string
}

func (r *recorder) Connect(context.Context) (driver.Conn, error) { return &recConn{r}, nil }
func (r *recorder) Driver() driver.Driver                         { return nil }

func (r *recorder) record(query string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statements = append(r.statements, query)
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statements) == 0 {
		return ""
	}
	return r.statements[len(r.statements)-1]
}

type recConn struct{ r *recorder }

func (c *recConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (c *recConn) Close() error                        { return nil }
func (c *recConn) Begin() (driver.Tx, error)           { return nil, errors.New("tx not supported") }

func (c *recConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.r.record(query)
	return driver.RowsAffected(1), nil
}

func (c *recConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.r.record(query)
	return &recRows{column: c.r.column, values: c.r.values}, nil
}

type recRows struct {
	column string
	values []string
	i      int
}

func (r *recRows) Columns() []string { return []string{r.column} }
func (r *recRows) Close() error      { return nil }

func (r *recRows) Next(dest []driver.Value) error {
	if r.i >= len(r.values) {
		return io.EOF
	}
	dest[0] = r.values[r.i]
	r.i++
	return nil
}

func newRecordedQueue(t *testing.T, rec *recorder, maxRetries int) *Queue {
	t.Helper()
	sqldb := sql.OpenDB(rec)
	t.Cleanup(func() { _ = sqldb.Close() })
	db := bun.NewDB(sqldb, pgdialect.New())

	cfg := DefaultQueueConfig("kb.relation_inference_queue", "entity_id")
	cfg.MaxRetries = maxRetries
	return NewQueue(db, cfg, discardLogger())
}

func TestRecoverStale_CountsAnAttempt(t *testing.T) {
	rec := &recorder{column: "status", values: []string{"failed", "failed", "pending"}}
	q := newRecordedQueue(t, rec, 0)

	n, err := q.RecoverStale(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stmt := rec.last()
	assert.Contains(t, stmt, "retry_count = retry_count + 1")
	assert.Contains(t, stmt, "WHEN retry_count + 1 > 0 THEN 'failed' ELSE 'pending'")
	assert.Contains(t, stmt, "status = 'processing'")
	assert.Contains(t, stmt, "mins => 15")
}

func TestRecoverStale_RespectsRetryBudget(t *testing.T) {
	rec := &recorder{column: "status", values: []string{"pending"}}
	q := newRecordedQueue(t, rec, 3)

	n, err := q.RecoverStale(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stmt := rec.last()
	assert.Contains(t, stmt, "WHEN retry_count + 1 > 3 THEN 'failed'")
	assert.Contains(t, stmt, "mins => 10")
}

func TestMarkFailed_PersistsValidUTF8(t *testing.T) {
	rec := &recorder{column: "status"}
	q := newRecordedQueue(t, rec, 0)

	msg := "x" + strings.Repeat("고객", 300)
	status, err := q.MarkFailed(context.Background(), "00000000-0000-0000-0000-000000000001", 0, msg)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	stmt := rec.last()
	assert.True(t, utf8.ValidString(stmt))
	assert.Contains(t, stmt, "status = 'failed'")
}
