package sqlite

import (
	"context"
	"fmt"
)

// DataVersion returns a value that changes whenever any connection commits a
// write to the database: PRAGMA data_version moves for other connections'
// commits, the own-write counter for this connection's. Comparing the
// returned value against a cached one is a cheap "did anything change" test.
func (d *DB) DataVersion(ctx context.Context) (int64, error) {
	v, err := d.QueryValue(ctx, "PRAGMA data_version")
	if err != nil {
		return 0, err
	}
	return toInt64(v) + d.writes.Load(), nil
}

// UserVersion reads the durable schema version counter, the "all events up
// to V are applied" checkpoint.
func (d *DB) UserVersion(ctx context.Context) (int64, error) {
	v, err := d.QueryValue(ctx, "PRAGMA user_version")
	if err != nil {
		return 0, err
	}
	return toInt64(v), nil
}

// SetUserVersion writes the schema version counter through q, normally an
// open transaction so the checkpoint commits atomically with the state it
// covers.
func SetUserVersion(ctx context.Context, q Querier, v int64) error {
	// PRAGMA does not take bound parameters.
	_, err := q.Exec(ctx, fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}

// SetAutoIncrement fast-forwards table's auto-increment sequence to at least
// v. A single atomic adjustment; no enclosing transaction required.
func (d *DB) SetAutoIncrement(ctx context.Context, table string, v int64) error {
	res, err := d.Exec(ctx,
		"UPDATE sqlite_sequence SET seq = ? WHERE name = ? AND seq < ?", v, table, v)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Either already past v or no sequence row yet; insert one if missing.
	existing, err := d.QueryValue(ctx,
		"SELECT seq FROM sqlite_sequence WHERE name = ?", table)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = d.Exec(ctx,
		"INSERT INTO sqlite_sequence (name, seq) VALUES (?, ?)", table, v)
	return err
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
