package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Tx is an immediate-mode write transaction. Only one is in flight per DB at
// a time; BeginImmediate blocks until the previous one finishes.
type Tx struct {
	tx   *sql.Tx
	d    *DB
	done bool
}

// BeginImmediate starts a write transaction, taking the write lock up front
// so later statements cannot hit a lock upgrade deadlock. Begins hitting
// cross-process contention are retried under the same policy as plain calls.
func (d *DB) BeginImmediate(ctx context.Context) (*Tx, error) {
	if d.readOnly {
		return nil, fmt.Errorf("begin transaction: store is read-only")
	}
	d.writeMu.Lock()
	var tx *sql.Tx
	err := d.withRetry(ctx, func() error {
		var err error
		tx, err = d.sql.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		d.writeMu.Unlock()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx, d: d}, nil
}

func (t *Tx) finish() {
	if !t.done {
		t.done = true
		t.d.writeMu.Unlock()
	}
}

// Commit commits the transaction and bumps the own-write counter.
func (t *Tx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	err := t.tx.Commit()
	t.finish()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.d.writes.Add(1)
	return nil
}

// Rollback aborts the transaction. Calling it after Commit is a no-op, so it
// is safe to defer.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	err := t.tx.Rollback()
	t.finish()
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Savepoint sets a named savepoint.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+QuoteIdent(name))
	if err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}

// ReleaseSavepoint commits the savepoint into the enclosing transaction.
func (t *Tx) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+QuoteIdent(name))
	if err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// RollbackTo undoes everything since the savepoint but keeps the transaction
// open. The savepoint is released afterwards so the name can be reused.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	q := QuoteIdent(name)
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+q); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, err)
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+q); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", query, err)
	}
	return res, nil
}

// QueryAll returns every row as a column-name-keyed map.
func (t *Tx) QueryAll(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	defer rows.Close()
	out, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	return out, nil
}

// QueryOne returns the first row, or nil when there is none.
func (t *Tx) QueryOne(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := t.QueryAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// QueryValue returns the first column of the first row, or nil.
func (t *Tx) QueryValue(ctx context.Context, query string, args ...any) (any, error) {
	var out any
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	if b, ok := out.([]byte); ok {
		out = string(b)
	}
	return out, nil
}

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
