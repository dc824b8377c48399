package sqlite

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

const slowQueryThreshold = 100 * time.Millisecond

// dbHandle is what Store needs from the database; *sql.DB and *queryLogger
// both satisfy it.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// queryLogger reports statements slower than threshold. Statements run inside
// a transaction go through *sql.Tx and are not timed individually.
type queryLogger struct {
	inner     *sql.DB
	threshold time.Duration
	logf      func(format string, args ...any)
	slow      atomic.Int64
}

func newQueryLogger(db *sql.DB) *queryLogger {
	return &queryLogger{inner: db, threshold: slowQueryThreshold, logf: log.Printf}
}

func (q *queryLogger) observe(start time.Time, query string) {
	d := time.Since(start)
	if d < q.threshold {
		return
	}
	q.slow.Add(1)
	q.logf("store: slow query %s: %s", d.Round(time.Millisecond), compactQuery(query))
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer q.observe(time.Now(), query)
	return q.inner.ExecContext(ctx, query, args...)
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer q.observe(time.Now(), query)
	return q.inner.QueryContext(ctx, query, args...)
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer q.observe(time.Now(), query)
	return q.inner.QueryRowContext(ctx, query, args...)
}

func (q *queryLogger) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return q.inner.BeginTx(ctx, opts)
}

func (q *queryLogger) Close() error {
	return q.inner.Close()
}

// compactQuery folds whitespace so multi-line SQL logs on one line, and
// truncates long statements.
func compactQuery(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 160 {
		return s[:160] + "..."
	}
	return s
}

// SlowQueries reports how many statements exceeded the slow threshold since
// the store was opened.
func (s *Store) SlowQueries() int64 {
	if q, ok := s.db.(*queryLogger); ok {
		return q.slow.Load()
	}
	return 0
}
