package sqlite

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Migration is one forward-only schema step. Keys are namespaced per domain
// (model or subsystem name) in the ledger.
type Migration struct {
	Key string
	Run func(ctx context.Context, tx *Tx) error
}

const createLedger = `CREATE TABLE IF NOT EXISTS _migrations (
    key TEXT NOT NULL,
    ts INTEGER NOT NULL,
    up INTEGER NOT NULL
);`

// RunMigrations applies the pending migrations for domain, recording each in
// the append-only ledger. A migration counts as done when its latest ledger
// row has up = 1. Each migration commits separately so a failure leaves the
// completed ones durable.
func (d *DB) RunMigrations(ctx context.Context, domain string, migrations []Migration) error {
	if d.readOnly {
		return d.checkMigrated(ctx, domain, migrations)
	}
	if _, err := d.Exec(ctx, createLedger); err != nil {
		return fmt.Errorf("migration ledger: %w", err)
	}
	done, err := d.migratedKeys(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		key := domain + "/" + m.Key
		if done[key] {
			continue
		}
		tx, err := d.BeginImmediate(ctx)
		if err != nil {
			return fmt.Errorf("migration %s: %w", key, err)
		}
		if err := m.Run(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", key, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO _migrations (key, ts, up) VALUES (?, ?, 1)",
			key, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", key, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: %w", key, err)
		}
		d.log.Info("migration applied", zap.String("key", key))
	}
	return nil
}

// checkMigrated verifies a read-only database already carries the schema.
func (d *DB) checkMigrated(ctx context.Context, domain string, migrations []Migration) error {
	done, err := d.migratedKeys(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		key := domain + "/" + m.Key
		if !done[key] {
			return fmt.Errorf("migration %s pending on read-only store", key)
		}
	}
	return nil
}

// migratedKeys returns the keys whose latest ledger row has up = 1.
func (d *DB) migratedKeys(ctx context.Context) (map[string]bool, error) {
	exists, err := d.QueryValue(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = '_migrations'")
	if err != nil {
		return nil, err
	}
	if exists == nil {
		return map[string]bool{}, nil
	}
	rows, err := d.QueryAll(ctx, "SELECT key, up FROM _migrations ORDER BY ts, rowid")
	if err != nil {
		return nil, fmt.Errorf("reading migration ledger: %w", err)
	}
	done := make(map[string]bool, len(rows))
	for _, row := range rows {
		done[row["key"].(string)] = toInt64(row["up"]) == 1
	}
	return done, nil
}
