// Package engine is the event-sourcing core: it owns the connections, the
// event log, the per-model document tables, and the replay loop that folds
// events into state. All writes enter as dispatched events; the engine
// replays them strictly in version order inside one immediate transaction
// per event, with PRAGMA user_version as the durability checkpoint for "all
// events up to here are applied".
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stratadb/strata/internal/doctable"
	"github.com/stratadb/strata/internal/queue"
	"github.com/stratadb/strata/internal/sqlite"
	"github.com/stratadb/strata/pkg/types"
)

// Engine replays dispatched events into model state. It holds a read-write
// connection (applies events, runs migrations) and a read-only connection
// (serves queries); in-memory and read-only stores collapse both into one.
type Engine struct {
	cfg types.Config
	log *zap.Logger

	rw    *sqlite.DB
	ro    *sqlite.DB
	queue *queue.Queue

	models map[string]*Model
	order  []string

	mu       sync.Mutex
	waiters  map[int64][]chan *types.Event
	polling  bool
	pollStop context.CancelFunc
	pollDone chan struct{}
	fatal    error

	// nextIDs carries the per-replay id counters handed out by GetNextID;
	// reset at event boundaries so a retried event recomputes from the true
	// maximum.
	idMu    sync.Mutex
	nextIDs map[string]int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a logger; the default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Open opens the store at cfg.Path, registers the models, runs their schema
// migrations, and seeds Init models. The returned engine is idle; polling
// starts on the first Dispatch or with StartPolling.
func Open(ctx context.Context, cfg types.Config, defs []types.ModelDef, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		log:     zap.NewNop(),
		models:  make(map[string]*Model),
		waiters: make(map[int64][]chan *types.Event),
		nextIDs: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(e)
	}

	rwOpts := []sqlite.Option{
		sqlite.WithLogger(e.log),
		sqlite.WithBusyRetries(cfg.BusyRetries),
	}
	if cfg.ReadOnly {
		rwOpts = append(rwOpts, sqlite.ReadOnly())
	}
	rw, err := sqlite.Open(cfg.Path, rwOpts...)
	if err != nil {
		return nil, err
	}
	e.rw = rw
	if cfg.ReadOnly || cfg.InMemory() {
		e.ro = rw
	} else {
		ro, err := sqlite.Open(cfg.Path,
			sqlite.ReadOnly(),
			sqlite.WithLogger(e.log),
			sqlite.WithBusyRetries(cfg.BusyRetries))
		if err != nil {
			rw.Close()
			return nil, err
		}
		e.ro = ro
	}

	// The queue shares the read-write connection so appending an event and
	// recording its outcome never contend across connections in one
	// transaction.
	q, err := queue.New(ctx, rw,
		queue.WithLogger(e.log), queue.WithPollWait(cfg.PollWait))
	if err != nil {
		e.closeConns()
		return nil, err
	}
	e.queue = q
	if cfg.KnownV > 0 && !cfg.ReadOnly {
		if err := q.SetKnownV(ctx, cfg.KnownV); err != nil {
			e.closeConns()
			return nil, err
		}
	}

	for _, def := range defs {
		if err := e.register(ctx, def); err != nil {
			e.closeConns()
			return nil, err
		}
	}

	if !cfg.ReadOnly {
		if err := e.seedInitModels(ctx); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) register(ctx context.Context, def types.ModelDef) error {
	if def.Name == "" {
		return fmt.Errorf("engine: model name is required")
	}
	if def.Name == queue.Table {
		return fmt.Errorf("engine: model name %q is reserved", def.Name)
	}
	if _, ok := e.models[def.Name]; ok {
		return fmt.Errorf("engine: model %q registered twice", def.Name)
	}
	write, err := doctable.New(e.rw, def.Name, def.Columns, def.IDColumn, e.log)
	if err != nil {
		return err
	}
	read := write
	if e.ro != e.rw {
		if read, err = doctable.New(e.ro, def.Name, def.Columns, def.IDColumn, e.log); err != nil {
			return err
		}
	}
	if err := e.rw.RunMigrations(ctx, def.Name, write.Migrations()); err != nil {
		return err
	}
	m := &Model{Table: read, e: e, def: def, write: write}
	e.models[def.Name] = m
	e.order = append(e.order, def.Name)
	return nil
}

// seedInitModels dispatches a creation event for every empty Init model, so
// singleton-style models start life with one row.
func (e *Engine) seedInitModels(ctx context.Context) error {
	for _, name := range e.order {
		m := e.models[name]
		if !m.def.Init {
			continue
		}
		n, err := m.write.Count(ctx, nil, nil)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := e.Dispatch(ctx, name, []any{opSave, nil, map[string]any{}}); err != nil {
			return fmt.Errorf("engine: seeding %s: %w", name, err)
		}
	}
	return nil
}

// Model returns the event-sourced handle for name, or nil when unknown.
func (e *Engine) Model(name string) types.Model {
	if m, ok := e.models[name]; ok {
		return m
	}
	return nil
}

// ModelNames returns the registered model names in registration order.
func (e *Engine) ModelNames() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Queue exposes the event log for inspection.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Version returns the highest event version durably applied to the store.
func (e *Engine) Version(ctx context.Context) (int64, error) {
	return e.ro.UserVersion(ctx)
}

// Err returns the fatal error that stopped the replay loop, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// Close stops polling and releases the connections. Waiters for versions not
// yet handled stay pending; callers racing Close must not rely on their
// dispatches resolving.
func (e *Engine) Close() error {
	e.StopPolling()
	return e.closeConns()
}

func (e *Engine) closeConns() error {
	var err error
	if e.ro != nil && e.ro != e.rw {
		err = e.ro.Close()
	}
	if e.rw != nil {
		if cerr := e.rw.Close(); err == nil {
			err = cerr
		}
	}
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
	}
	return 0
}
