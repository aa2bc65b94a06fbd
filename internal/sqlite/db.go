// Package sqlite wraps the storage engine underneath strata: connection
// setup, busy retry, immediate transactions with savepoints, the version
// counters (data_version, user_version, sqlite_sequence), and the migration
// ledger. Everything above this package speaks maps and SQL strings, never
// database/sql directly.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/stratadb/strata/pkg/types"
)

// Querier is the query surface shared by DB and Tx, letting the document
// table run against either a plain connection or an open transaction.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryAll(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	QueryOne(ctx context.Context, query string, args ...any) (map[string]any, error)
	QueryValue(ctx context.Context, query string, args ...any) (any, error)
}

// DB is one logical database connection. The underlying pool is pinned to a
// single physical connection so pragmas, transactions and data_version
// behave predictably.
type DB struct {
	sql      *sql.DB
	path     string
	readOnly bool
	log      *zap.Logger

	busyRetries int

	// writeMu serializes write transactions in-process; the storage engine
	// serializes them across processes.
	writeMu sync.Mutex
	// writes counts own committed write transactions. PRAGMA data_version
	// only moves for other connections' commits, so DataVersion folds this
	// in to cover both.
	writes atomic.Int64
}

// Option configures a DB.
type Option func(*DB)

// ReadOnly opens the database in read-only mode.
func ReadOnly() Option {
	return func(d *DB) { d.readOnly = true }
}

// WithLogger attaches a logger; the default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *DB) { d.log = log }
}

// WithBusyRetries bounds the retry count for busy/locked errors.
func WithBusyRetries(n int) Option {
	return func(d *DB) { d.busyRetries = n }
}

// Open opens (and creates if needed) the database at path. ":memory:" opens
// a private in-memory database.
func Open(path string, opts ...Option) (*DB, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	d := &DB{
		path:        path,
		log:         zap.NewNop(),
		busyRetries: types.DefaultBusyRetries,
	}
	for _, opt := range opts {
		opt(d)
	}

	db, err := sql.Open("sqlite", d.dsn())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// One physical connection per handle; see DB doc comment.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	d.sql = db
	d.log.Debug("database opened",
		zap.String("path", path), zap.Bool("readOnly", d.readOnly))
	return d, nil
}

func (d *DB) dsn() string {
	mem := d.path == ":memory:"
	dsn := "file:" + url.PathEscape(d.path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(2000)&_txlock=immediate"
	if mem {
		// A URI-style :memory: needs its own cache to stay private.
		dsn = "file::memory:?_pragma=foreign_keys(1)&_txlock=immediate"
	} else {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	if d.readOnly {
		dsn += "&mode=ro"
	}
	return dsn
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// IsReadOnly reports whether the connection rejects writes.
func (d *DB) IsReadOnly() bool { return d.readOnly }

// Reopen drops the underlying connection and establishes a fresh one,
// keeping the handle and everything built on it valid. Used to recover from
// persistent lock contention.
func (d *DB) Reopen() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.sql != nil {
		d.sql.Close()
	}
	db, err := sql.Open("sqlite", d.dsn())
	if err != nil {
		return fmt.Errorf("reopening %s: %w", d.path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("reopening %s: %w", d.path, err)
	}
	d.sql = db
	d.log.Info("database reopened", zap.String("path", d.path))
	return nil
}

// Close releases the connection. Safe to call twice.
func (d *DB) Close() error {
	if d.sql == nil {
		return nil
	}
	err := d.sql.Close()
	d.sql = nil
	return err
}

// IsBusy reports whether err is lock contention the caller may retry.
func IsBusy(err error) bool {
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// IsConstraint reports whether err is a constraint violation, e.g. a
// duplicate value in a unique column.
func IsConstraint(err error) bool {
	var se *sqlitedrv.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// withRetry runs op, retrying busy/locked failures with jittered backoff up
// to the configured bound. One policy covers calls and transaction begins.
func (d *DB) withRetry(ctx context.Context, op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !IsBusy(err) || attempt >= d.busyRetries {
			return err
		}
		shift := attempt
		if shift > 6 {
			shift = 6
		}
		wait := time.Duration(1<<uint(shift)) * time.Millisecond
		wait += time.Duration(rand.Int63n(int64(wait) + 1))
		d.log.Debug("retrying busy database",
			zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Exec runs a statement with busy retry.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := d.withRetry(ctx, func() error {
		var err error
		res, err = d.sql.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", query, err)
	}
	return res, nil
}

// QueryAll returns every row as a column-name-keyed map.
func (d *DB) QueryAll(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var out []map[string]any
	err := d.withRetry(ctx, func() error {
		rows, err := d.sql.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanAll(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	return out, nil
}

// QueryOne returns the first row, or nil when there is none.
func (d *DB) QueryOne(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := d.QueryAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// QueryValue returns the first column of the first row, or nil.
func (d *DB) QueryValue(ctx context.Context, query string, args ...any) (any, error) {
	var out any
	err := d.withRetry(ctx, func() error {
		row := d.sql.QueryRowContext(ctx, query, args...)
		err := row.Scan(&out)
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	if b, ok := out.([]byte); ok {
		out = string(b)
	}
	return out, nil
}

// scanAll reads all rows into maps keyed by column name.
func scanAll(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			v := vals[i]
			// Normalize driver byte slices to strings; all strata columns
			// are text, numeric or JSON.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
