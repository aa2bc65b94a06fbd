package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/stratadb/strata/internal/sqlite"
	"github.com/stratadb/strata/pkg/types"
)

const savepoint = "handle"

// handleEvent replays one event inside a single immediate transaction. The
// phase pipeline runs under a savepoint: a failed event rolls its side
// effects back but still consumes the version and keeps its annotated log
// row. Errors returned here are engine-level (storage trouble), not event
// failures; those land on the event itself.
func (e *Engine) handleEvent(ctx context.Context, ev *types.Event) error {
	tx, err := e.rw.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	uv, err := txUserVersion(ctx, tx)
	if err != nil {
		return err
	}
	if uv >= ev.V {
		// Another process got here first; its outcome is already durable.
		return nil
	}

	e.resetNextIDs()
	defer e.resetNextIDs()

	if err := tx.Savepoint(ctx, savepoint); err != nil {
		return err
	}
	e.process(ctx, tx, ev, 0, true)

	if ev.HasError() {
		relabelFailed(ev)
		if err := tx.RollbackTo(ctx, savepoint); err != nil {
			return err
		}
		// The version is consumed even though nothing changed.
		if err := sqlite.SetUserVersion(ctx, tx, ev.V); err != nil {
			return err
		}
	} else if err := tx.ReleaseSavepoint(ctx, savepoint); err != nil {
		return err
	}

	if err := e.queue.SetResult(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if ev.HasError() {
		e.log.Info("event failed",
			zap.Int64("v", ev.V), zap.String("type", ev.Type),
			zap.Any("error", ev.Error))
	} else {
		e.log.Debug("event applied",
			zap.Int64("v", ev.V), zap.String("type", ev.Type))
	}
	e.resolveWaiters(ctx, ev.V)
	return nil
}

// process runs the four phases for one event: preprocess, reduce, apply
// (with version checkpoint and derivers), then sub-events recursively under
// the same version. Failures are tagged onto ev.Error and stop the pipeline.
func (e *Engine) process(ctx context.Context, tx *sqlite.Tx, ev *types.Event, depth int, isMain bool) {
	if depth > e.cfg.MaxRecursion {
		ev.Error = map[string]string{
			"_recurse": fmt.Sprintf("sub-events nested deeper than %d", e.cfg.MaxRecursion),
		}
		return
	}

	var pending []*types.Event
	addEvent := func(typ string, data any) {
		pending = append(pending, &types.Event{
			V: ev.V, Type: typ, TS: ev.TS, Data: jsonNormalize(data),
		})
	}
	store := newTxStore(e, tx, addEvent)
	env := func(m *Model) *types.Env {
		return &types.Env{
			Model:       store.Model(m.def.Name),
			Store:       store,
			Event:       ev,
			AddEvent:    addEvent,
			IsMainEvent: isMain,
		}
	}

	// Preprocess, in registration order. A preprocessor may replace the
	// event but must keep its version and type.
	for _, name := range e.order {
		m := e.models[name]
		pre := m.preprocessor()
		if pre == nil {
			continue
		}
		out, err := pre(ctx, env(m))
		if err != nil {
			ev.Error = map[string]string{"_preprocess_" + name: err.Error()}
			return
		}
		if out != nil {
			if out.V != ev.V || out.Type != ev.Type {
				ev.Error = map[string]string{
					"_preprocess_" + name: "preprocessor changed the event version or type",
				}
				return
			}
			*ev = *out
		}
	}

	// Reduce. Every reducer runs even after one fails, so the event reports
	// all failing models at once.
	results := make(map[string]*types.Result)
	reduceErrs := make(map[string]string)
	for _, name := range e.order {
		m := e.models[name]
		red := m.reducer()
		if red == nil {
			continue
		}
		res, err := red(ctx, env(m))
		if err != nil {
			reduceErrs["_reduce_"+name] = err.Error()
			continue
		}
		if res == nil || res.Empty() {
			continue
		}
		if len(res.Events) > 0 {
			for _, se := range res.Events {
				addEvent(se.Type, se.Data)
			}
			res.Events = nil
			if res.Empty() {
				continue
			}
		}
		results[name] = res
	}
	if len(reduceErrs) > 0 {
		ev.Error = reduceErrs
		return
	}
	if len(results) > 0 {
		ev.Result = results
	}

	// Apply: diffs, then the durability checkpoint, then derivers.
	fail := func(tag string, err error) {
		ev.Error = map[string]string{tag: err.Error()}
	}
	for _, name := range e.order {
		res := results[name]
		if res == nil {
			continue
		}
		m := e.models[name]
		if err := m.applyResult(ctx, m.write.WithQuerier(tx), res); err != nil {
			fail("_apply_apply", err)
			return
		}
	}
	if isMain {
		if err := sqlite.SetUserVersion(ctx, tx, ev.V); err != nil {
			fail("_apply_version", err)
			return
		}
	}
	for _, name := range e.order {
		m := e.models[name]
		if m.def.Deriver == nil {
			continue
		}
		if err := m.def.Deriver(ctx, env(m), results[name]); err != nil {
			fail("_apply_derive", err)
			return
		}
	}

	// Sub-events share the parent's version and run strictly in the order
	// they were added; the first failure stops its remaining siblings.
	for i := 0; i < len(pending); i++ {
		sub := pending[i]
		e.process(ctx, tx, sub, depth+1, false)
		ev.Events = append(ev.Events, sub)
		if sub.HasError() {
			ev.Error = map[string]string{
				"_handle": fmt.Sprintf("sub-event %d (%s) failed", i+1, sub.Type),
			}
			return
		}
	}
}

// relabelFailed moves every result in the event tree to failedResult; a
// failed event's side effects were rolled back, so presenting them as
// applied would lie.
func relabelFailed(ev *types.Event) {
	if ev.Result != nil {
		ev.FailedResult = ev.Result
		ev.Result = nil
	}
	for _, sub := range ev.Events {
		relabelFailed(sub)
	}
}

// jsonNormalize rewrites v into the shapes a JSON round-trip produces, so
// sub-event data looks the same whether handled now or replayed later.
func jsonNormalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func txUserVersion(ctx context.Context, tx *sqlite.Tx) (int64, error) {
	raw, err := tx.QueryValue(ctx, "PRAGMA user_version")
	if err != nil {
		return 0, err
	}
	return toInt64(raw), nil
}
