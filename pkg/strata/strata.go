// Package strata is the public face of the store: open a database, declare
// models, dispatch events, and query document state. Implementation lives in
// the internal packages; this one only re-exports the contract types and a
// thin handle.
package strata

import (
	"context"

	"go.uber.org/zap"

	"github.com/stratadb/strata/internal/engine"
	"github.com/stratadb/strata/pkg/types"
)

// Contract types, re-exported so applications import one package.
type (
	Config        = types.Config
	ModelDef      = types.ModelDef
	Column        = types.Column
	Event         = types.Event
	EventError    = types.EventError
	Result        = types.Result
	Env           = types.Env
	Model         = types.Model
	Table         = types.Table
	Store         = types.Store
	SearchOptions = types.SearchOptions
	SearchResult  = types.SearchResult
	SortSpec      = types.SortSpec
	Preprocessor  = types.Preprocessor
	Reducer       = types.Reducer
	Deriver       = types.Deriver
)

// DB is an open store. One process may hold several, but at most one should
// dispatch to a given file at a time per process; cross-process sharing is
// handled through the event log.
type DB struct {
	eng *engine.Engine
}

// Option configures Open.
type Option func(*options)

type options struct {
	log *zap.Logger
}

// WithLogger attaches a logger to everything under the store.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// Open opens the store at cfg.Path and registers the models. Migrations run
// here; Init models are seeded with a creation event on first open.
func Open(ctx context.Context, cfg Config, models []ModelDef, opts ...Option) (*DB, error) {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	eng, err := engine.Open(ctx, cfg, models, engine.WithLogger(o.log))
	if err != nil {
		return nil, err
	}
	return &DB{eng: eng}, nil
}

// Model returns the event-sourced handle for name, or nil when the model was
// not registered.
func (d *DB) Model(name string) Model { return d.eng.Model(name) }

// ModelNames returns the registered model names in registration order.
func (d *DB) ModelNames() []string { return d.eng.ModelNames() }

// Dispatch appends an event and waits for it to be applied. A failed event
// returns an *EventError carrying the full event, error annotations
// included.
func (d *DB) Dispatch(ctx context.Context, typ string, data any) (*Event, error) {
	return d.eng.Dispatch(ctx, typ, data)
}

// DispatchAt is Dispatch with an explicit millisecond timestamp.
func (d *DB) DispatchAt(ctx context.Context, typ string, data any, ts int64) (*Event, error) {
	return d.eng.DispatchAt(ctx, typ, data, ts)
}

// Version returns the highest event version durably applied.
func (d *DB) Version(ctx context.Context) (int64, error) {
	return d.eng.Version(ctx)
}

// WaitForVersion blocks until version v has been applied, by this process or
// another sharing the file, and returns that event.
func (d *DB) WaitForVersion(ctx context.Context, v int64) (*Event, error) {
	return d.eng.HandledVersion(ctx, v)
}

// Event returns the logged event with version v, or nil.
func (d *DB) Event(ctx context.Context, v int64) (*Event, error) {
	return d.eng.Queue().Get(ctx, v)
}

// Events returns up to limit logged events above version after, in order. A
// non-positive limit returns everything.
func (d *DB) Events(ctx context.Context, after int64, limit int) ([]*Event, error) {
	return d.eng.Queue().List(ctx, after, limit)
}

// StartPolling begins replaying events in the background, including events
// written by other processes. Dispatch starts it implicitly.
func (d *DB) StartPolling() { d.eng.StartPolling() }

// StopPolling halts background replay after the event in flight finishes.
func (d *DB) StopPolling() { d.eng.StopPolling() }

// Err returns the fatal error that stopped background replay, if any.
func (d *DB) Err() error { return d.eng.Err() }

// Close stops polling and releases the connections.
func (d *DB) Close() error { return d.eng.Close() }

var _ Store = (*DB)(nil)
