// Package queue implements the append-only event log: auto-incremented
// versions, lookup by version, a blocking "wait for the next event" that
// also observes writers in other processes, and sequence reconciliation for
// stores migrated from legacy version tracking.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratadb/strata/internal/sqlite"
	"github.com/stratadb/strata/pkg/types"
)

// Table is the physical event log table.
const Table = "history"

// Queue is the append-only event log over one database connection.
type Queue struct {
	db  *sqlite.DB
	log *zap.Logger

	// addMu serializes Add so assigned versions match call order; the
	// storage engine alone does not guarantee cross-call ordering.
	addMu sync.Mutex

	// mu guards the caches and the notification channels.
	mu       sync.Mutex
	currentV int64
	dataV    int64
	haveV    bool
	wakeCh   chan struct{}
	cancelCh chan struct{}

	pollWait time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithPollWait tunes the bounded wait before GetNext re-polls for events
// written by other processes.
func WithPollWait(d time.Duration) Option {
	return func(q *Queue) { q.pollWait = d }
}

// New opens the queue on db, creating the log table if needed.
func New(ctx context.Context, db *sqlite.DB, opts ...Option) (*Queue, error) {
	q := &Queue{
		db:       db,
		log:      zap.NewNop(),
		wakeCh:   make(chan struct{}),
		cancelCh: make(chan struct{}),
		pollWait: types.DefaultPollWait,
	}
	for _, opt := range opts {
		opt(q)
	}
	err := db.RunMigrations(ctx, Table, []sqlite.Migration{{
		Key: "0 table",
		Run: func(ctx context.Context, tx *sqlite.Tx) error {
			_, err := tx.Exec(ctx, `CREATE TABLE history (
    v INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    ts INTEGER NOT NULL,
    data JSON,
    result JSON,
    error JSON,
    events JSON
)`)
			return err
		},
	}})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Add appends an event. The version is assigned by the storage engine's
// auto-increment; same-process calls are serialized so insertion order
// matches call order. Data is normalized through JSON so the caller sees the
// same value shapes a later replay will.
func (q *Queue) Add(ctx context.Context, typ string, data any, ts int64) (*types.Event, error) {
	if typ == "" {
		return nil, fmt.Errorf("queue: event type is required")
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	var dataJSON any
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("queue: marshaling event data: %w", err)
		}
		dataJSON = string(raw)
	}

	q.addMu.Lock()
	defer q.addMu.Unlock()

	res, err := q.db.Exec(ctx,
		"INSERT INTO history (type, ts, data) VALUES (?, ?, ?)", typ, ts, dataJSON)
	if err != nil {
		return nil, fmt.Errorf("queue: appending event: %w", err)
	}
	v, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("queue: appending event: %w", err)
	}

	ev := &types.Event{V: v, Type: typ, TS: ts}
	if s, ok := dataJSON.(string); ok {
		if err := json.Unmarshal([]byte(s), &ev.Data); err != nil {
			return nil, fmt.Errorf("queue: event data round-trip: %w", err)
		}
	}

	q.mu.Lock()
	if v > q.currentV {
		q.currentV = v
		q.haveV = true
	}
	close(q.wakeCh)
	q.wakeCh = make(chan struct{})
	q.mu.Unlock()

	q.log.Debug("event appended", zap.Int64("v", v), zap.String("type", typ))
	return ev, nil
}

// LatestVersion returns the highest version in the log. The result is cached
// and only re-queried when the storage engine's change counter moved, so a
// quiet database answers without a MAX(v) scan.
func (q *Queue) LatestVersion(ctx context.Context) (int64, error) {
	dv, err := q.db.DataVersion(ctx)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	if q.haveV && dv == q.dataV {
		v := q.currentV
		q.mu.Unlock()
		return v, nil
	}
	q.mu.Unlock()

	raw, err := q.db.QueryValue(ctx, "SELECT COALESCE(MAX(v), 0) FROM history")
	if err != nil {
		return 0, err
	}
	v := toInt64(raw)

	q.mu.Lock()
	q.currentV = v
	q.dataV = dv
	q.haveV = true
	q.mu.Unlock()
	return v, nil
}

// Get returns the event with version v, or nil.
func (q *Queue) Get(ctx context.Context, v int64) (*types.Event, error) {
	row, err := q.db.QueryOne(ctx,
		"SELECT v, type, ts, data, result, error, events FROM history WHERE v = ?", v)
	if err != nil || row == nil {
		return nil, err
	}
	return scanEvent(row)
}

// List returns up to limit events with versions above after, in version
// order. A non-positive limit returns everything.
func (q *Queue) List(ctx context.Context, after int64, limit int) ([]*types.Event, error) {
	query := "SELECT v, type, ts, data, result, error, events FROM history WHERE v > ? ORDER BY v"
	args := []any{after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.db.QueryAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := scanEvent(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// GetNext returns the first event with a version greater than after. With
// noWait it returns nil immediately when there is none; otherwise it
// suspends until a same-process Add lands, the poll wait elapses (so other
// processes' writes are picked up), or CancelNext aborts the wait, in which
// case it returns nil.
func (q *Queue) GetNext(ctx context.Context, after int64, noWait bool) (*types.Event, error) {
	for {
		q.mu.Lock()
		wake := q.wakeCh
		cancel := q.cancelCh
		q.mu.Unlock()

		row, err := q.db.QueryOne(ctx,
			"SELECT v, type, ts, data, result, error, events FROM history WHERE v > ? ORDER BY v LIMIT 1",
			after)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return scanEvent(row)
		}
		if noWait {
			return nil, nil
		}

		timer := time.NewTimer(q.pollWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-cancel:
			timer.Stop()
			return nil, nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
			// Re-poll; a writer in another process cannot notify us.
		}
	}
}

// CancelNext aborts any wait currently blocked in GetNext.
func (q *Queue) CancelNext() {
	q.mu.Lock()
	close(q.cancelCh)
	q.cancelCh = make(chan struct{})
	q.mu.Unlock()
}

// SetKnownV fast-forwards the auto-increment sequence to at least v, so the
// next Add gets a version above an externally tracked one. Idempotent; a
// single atomic adjustment.
func (q *Queue) SetKnownV(ctx context.Context, v int64) error {
	if v <= 0 {
		return nil
	}
	if err := q.db.SetAutoIncrement(ctx, Table, v); err != nil {
		return fmt.Errorf("queue: setting known version %d: %w", v, err)
	}
	q.mu.Lock()
	if v > q.currentV {
		q.currentV = v
	}
	q.mu.Unlock()
	return nil
}

// SetResult writes the handled event's outcome back onto its log row,
// through q's own connection or an open transaction. The data column is
// rewritten too, so ids assigned during preprocessing are visible to readers
// in other processes.
func (q *Queue) SetResult(ctx context.Context, exec sqlite.Querier, ev *types.Event) error {
	dataJSON, err := marshalOrNil(ev.Data)
	if err != nil {
		return fmt.Errorf("queue: marshaling data v%d: %w", ev.V, err)
	}
	resultJSON, err := marshalOrNil(ev.Result)
	if err == nil && ev.FailedResult != nil {
		// The failed result replaces the result column content; the error
		// column flags it as rolled back.
		resultJSON, err = marshalOrNil(map[string]any{"failedResult": ev.FailedResult})
	}
	if err != nil {
		return fmt.Errorf("queue: marshaling result v%d: %w", ev.V, err)
	}
	errorJSON, err := marshalOrNil(ev.Error)
	if err != nil {
		return fmt.Errorf("queue: marshaling error v%d: %w", ev.V, err)
	}
	eventsJSON, err := marshalOrNil(ev.Events)
	if err != nil {
		return fmt.Errorf("queue: marshaling sub-events v%d: %w", ev.V, err)
	}
	_, err = exec.Exec(ctx,
		"UPDATE history SET data = ?, result = ?, error = ?, events = ? WHERE v = ?",
		dataJSON, resultJSON, errorJSON, eventsJSON, ev.V)
	if err != nil {
		return fmt.Errorf("queue: recording result v%d: %w", ev.V, err)
	}
	return nil
}

func marshalOrNil(v any) (any, error) {
	switch x := v.(type) {
	case map[string]*types.Result:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	case []*types.Event:
		if len(x) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// scanEvent rebuilds an event from a log row.
func scanEvent(row map[string]any) (*types.Event, error) {
	ev := &types.Event{
		V:    toInt64(row["v"]),
		Type: fmt.Sprint(row["type"]),
		TS:   toInt64(row["ts"]),
	}
	if s, ok := row["data"].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &ev.Data); err != nil {
			return nil, fmt.Errorf("queue: parsing event v%d data: %w", ev.V, err)
		}
	}
	if s, ok := row["result"].(string); ok && s != "" {
		var wrapper struct {
			FailedResult map[string]*types.Result `json:"failedResult"`
		}
		if err := json.Unmarshal([]byte(s), &wrapper); err == nil && wrapper.FailedResult != nil {
			ev.FailedResult = wrapper.FailedResult
		} else if err := json.Unmarshal([]byte(s), &ev.Result); err != nil {
			return nil, fmt.Errorf("queue: parsing event v%d result: %w", ev.V, err)
		}
	}
	if s, ok := row["error"].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &ev.Error); err != nil {
			return nil, fmt.Errorf("queue: parsing event v%d error: %w", ev.V, err)
		}
	}
	if s, ok := row["events"].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &ev.Events); err != nil {
			return nil, fmt.Errorf("queue: parsing event v%d sub-events: %w", ev.V, err)
		}
	}
	return ev, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
