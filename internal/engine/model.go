package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/stratadb/strata/internal/doctable"
	"github.com/stratadb/strata/internal/sqlite"
	"github.com/stratadb/strata/pkg/types"
)

// Mutation subtypes of the default event payload [op, id, obj, meta].
const (
	opRemove = "rm"
	opSet    = "set"
	opInsert = "ins"
	opUpdate = "upd"
	opSave   = "sav"
)

// Model is the event-sourced handle for one model. Reads pass through to the
// read connection's document table; every mutation becomes a dispatched
// event, awaited until committed, after which the authoritative post-
// reduction state is re-read and returned.
type Model struct {
	*doctable.Table

	e     *Engine
	def   types.ModelDef
	write *doctable.Table
}

// Set dispatches a full-replace event for doc and returns the stored state.
func (m *Model) Set(ctx context.Context, doc map[string]any) (map[string]any, error) {
	return m.mutate(ctx, opSet, nil, doc)
}

// Update dispatches a merge event for partial. Without upsert the id must
// exist; an explicit nil field deletes it from the stored document.
func (m *Model) Update(ctx context.Context, partial map[string]any, upsert bool) (map[string]any, error) {
	op := opUpdate
	if upsert {
		op = opSave
	}
	return m.mutate(ctx, op, nil, partial)
}

// Remove dispatches a removal event. Removing an absent id succeeds.
func (m *Model) Remove(ctx context.Context, idOrDoc any) error {
	id := idOrDoc
	if doc, ok := idOrDoc.(map[string]any); ok {
		id = doc[m.IDColumn()]
	}
	if id == nil {
		return fmt.Errorf("%s: %w", m.def.Name, types.ErrInvalidID)
	}
	_, err := m.e.Dispatch(ctx, m.def.Name, []any{opRemove, m.NormID(id), nil})
	return err
}

// ChangeID is not expressible as a default event; a model that needs it must
// handle a dedicated event type in a custom reducer.
func (m *Model) ChangeID(ctx context.Context, oldID, newID any) error {
	return fmt.Errorf("%s: changing ids requires a custom reducer", m.def.Name)
}

// GetNextID hands out advisory integer ids above the table's current
// maximum. Inside a replay the counter is shared across the whole event tree
// and resets at event boundaries.
func (m *Model) GetNextID(ctx context.Context) (int64, error) {
	return m.e.nextID(ctx, m.def.Name, m.Table)
}

func (m *Model) mutate(ctx context.Context, op string, id any, obj map[string]any) (map[string]any, error) {
	ev, err := m.e.Dispatch(ctx, m.def.Name, []any{op, id, obj})
	if err != nil {
		return nil, err
	}
	assigned := payloadID(ev.Data)
	if assigned == nil {
		return nil, fmt.Errorf("%s: event v%d carries no id", m.def.Name, ev.V)
	}
	// Re-read rather than trusting the diff: a concurrent event may already
	// have moved the document on.
	return m.Table.Get(ctx, assigned)
}

// hasHooks reports whether the model declares any custom phase hook. A model
// without hooks gets the default preprocessor and reducer, which implement
// the CRUD event payloads above.
func (m *Model) hasHooks() bool {
	return m.def.Preprocessor != nil || m.def.Reducer != nil || m.def.Deriver != nil
}

func (m *Model) preprocessor() types.Preprocessor {
	if m.def.Preprocessor != nil {
		return m.def.Preprocessor
	}
	if m.hasHooks() {
		return nil
	}
	return m.defaultPreprocess
}

func (m *Model) reducer() types.Reducer {
	if m.def.Reducer != nil {
		return m.def.Reducer
	}
	if m.hasHooks() {
		return nil
	}
	return m.defaultReduce
}

// defaultPreprocess pins the target id into the event payload: an explicit
// id, else the id column's value or slug function, else the next free
// integer id. The assignment runs again on every replay attempt, so a
// retried event reproduces the same id instead of drifting.
func (m *Model) defaultPreprocess(ctx context.Context, env *types.Env) (*types.Event, error) {
	ev := env.Event
	if ev.Type != m.def.Name {
		return nil, nil
	}
	op, id, obj, err := decodePayload(ev.Data)
	if err != nil {
		return nil, err
	}
	tm, ok := env.Model.(*txModel)
	if !ok {
		return nil, fmt.Errorf("%s: preprocess outside a replay transaction", m.def.Name)
	}
	if op == opRemove {
		if id == nil && obj != nil {
			id = obj[m.IDColumn()]
		}
		if id == nil {
			return nil, fmt.Errorf("%s: remove needs an id: %w", m.def.Name, types.ErrInvalidID)
		}
		setPayloadID(ev.Data, tm.NormID(id))
		return nil, nil
	}
	if id == nil {
		if id, err = tm.MakeID(ctx, obj); err != nil {
			return nil, err
		}
	} else {
		id = tm.NormID(id)
	}
	if id == nil {
		if id, err = env.Model.GetNextID(ctx); err != nil {
			return nil, err
		}
	}
	setPayloadID(ev.Data, id)
	return nil, nil
}

// defaultReduce turns a CRUD payload into a declarative diff against the
// previous stored document. Insert conflicts and update misses are soft
// failures naming the model and id.
func (m *Model) defaultReduce(ctx context.Context, env *types.Env) (*types.Result, error) {
	ev := env.Event
	if ev.Type != m.def.Name {
		return nil, nil
	}
	op, id, obj, err := decodePayload(ev.Data)
	if err != nil {
		return nil, err
	}
	prev, err := env.Model.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	idField := m.IDColumn()
	switch op {
	case opRemove:
		if prev == nil {
			return nil, nil
		}
		return &types.Result{Remove: []any{id}}, nil
	case opInsert:
		if prev != nil {
			return nil, fmt.Errorf("%s %v: %w", m.def.Name, id, types.ErrExists)
		}
		return &types.Result{Insert: []map[string]any{withID(obj, idField, id)}}, nil
	case opUpdate:
		if prev == nil {
			return nil, fmt.Errorf("%s %v: %w", m.def.Name, id, types.ErrNotFound)
		}
	case opSet, opSave:
		if prev == nil {
			return &types.Result{Insert: []map[string]any{withID(obj, idField, id)}}, nil
		}
	default:
		return nil, nil
	}
	diff := diffDoc(prev, obj, idField, op == opSet)
	if len(diff) == 0 {
		return nil, nil
	}
	diff[idField] = id
	return &types.Result{Update: []map[string]any{diff}}, nil
}

// applyResult applies a reducer's diff to the transaction-bound table.
// Items are isolated: a failing item does not stop the rest, and the first
// error surfaces after the whole diff ran.
func (m *Model) applyResult(ctx context.Context, tbl *doctable.Table, r *types.Result) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, id := range r.Remove {
		keep(tbl.Remove(ctx, id))
	}
	for _, doc := range r.Insert {
		_, err := tbl.SetWith(ctx, doc, true, true)
		keep(err)
	}
	for _, doc := range r.Set {
		_, err := tbl.SetWith(ctx, doc, false, true)
		keep(err)
	}
	for _, doc := range r.Update {
		_, err := tbl.Update(ctx, doc, false)
		keep(err)
	}
	for _, doc := range r.Upsert {
		_, err := tbl.Update(ctx, doc, true)
		keep(err)
	}
	if firstErr != nil {
		return fmt.Errorf("applying %s diff: %w", m.def.Name, firstErr)
	}
	return nil
}

// txModel is a model handle bound to the replay transaction; writes go
// straight to the document table, as the apply phase and derivers require.
type txModel struct {
	*doctable.Table
	e    *Engine
	name string
}

func (m *txModel) GetNextID(ctx context.Context) (int64, error) {
	return m.e.nextID(ctx, m.name, m.Table)
}

// txStore reaches every model through the replay transaction. Dispatching on
// it enqueues a sub-event under the current event's version; the outcome is
// not known until the sub-event itself is processed, so the returned event
// is nil.
type txStore struct {
	e        *Engine
	tx       *sqlite.Tx
	addEvent func(typ string, data any)
	models   map[string]*txModel
}

func newTxStore(e *Engine, tx *sqlite.Tx, addEvent func(string, any)) *txStore {
	return &txStore{
		e:        e,
		tx:       tx,
		addEvent: addEvent,
		models:   make(map[string]*txModel, len(e.models)),
	}
}

func (s *txStore) Model(name string) types.Model {
	if tm, ok := s.models[name]; ok {
		return tm
	}
	m, ok := s.e.models[name]
	if !ok {
		return nil
	}
	tm := &txModel{Table: m.write.WithQuerier(s.tx), e: s.e, name: name}
	s.models[name] = tm
	return tm
}

func (s *txStore) Dispatch(ctx context.Context, typ string, data any) (*types.Event, error) {
	s.addEvent(typ, data)
	return nil, nil
}

// nextID returns strictly increasing ids seeded once from the table's
// current maximum; resetNextIDs wipes the counters at event boundaries.
func (e *Engine) nextID(ctx context.Context, name string, tbl *doctable.Table) (int64, error) {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	n, ok := e.nextIDs[name]
	if !ok {
		raw, err := tbl.Aggregate(ctx, "MAX", tbl.IDColumn(), nil)
		if err != nil {
			return 0, err
		}
		n = toInt64(raw)
	}
	n++
	e.nextIDs[name] = n
	return n, nil
}

func (e *Engine) resetNextIDs() {
	e.idMu.Lock()
	e.nextIDs = make(map[string]int64)
	e.idMu.Unlock()
}

// decodePayload splits a default CRUD payload [op, id, obj, meta].
func decodePayload(data any) (op string, id any, obj map[string]any, err error) {
	arr, ok := data.([]any)
	if !ok || len(arr) == 0 {
		return "", nil, nil, fmt.Errorf("event data is not an operation payload")
	}
	if op, ok = arr[0].(string); !ok {
		return "", nil, nil, fmt.Errorf("event operation is not a string")
	}
	switch op {
	case opRemove, opSet, opInsert, opUpdate, opSave:
	default:
		return "", nil, nil, fmt.Errorf("unknown event operation %q", op)
	}
	if len(arr) > 1 {
		id = arr[1]
	}
	if len(arr) > 2 && arr[2] != nil {
		if obj, ok = arr[2].(map[string]any); !ok {
			return "", nil, nil, fmt.Errorf("event object is not a document")
		}
	}
	return op, id, obj, nil
}

func payloadID(data any) any {
	if arr, ok := data.([]any); ok && len(arr) > 1 {
		return arr[1]
	}
	return nil
}

func setPayloadID(data any, id any) {
	if arr, ok := data.([]any); ok && len(arr) > 1 {
		arr[1] = id
	}
}

func withID(obj map[string]any, idField string, id any) map[string]any {
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out[idField] = id
	return out
}

// diffDoc returns the fields of next that differ from prev, compared through
// their JSON form so storage round-trips do not fake changes. Explicit nils
// in next delete fields; with full, fields absent from next become explicit
// nils too.
func diffDoc(prev, next map[string]any, idField string, full bool) map[string]any {
	out := make(map[string]any)
	for k, v := range next {
		if k == idField {
			continue
		}
		if v == nil {
			if _, ok := prev[k]; ok {
				out[k] = nil
			}
			continue
		}
		if !jsonEqual(prev[k], v) {
			out[k] = v
		}
	}
	if full {
		for k := range prev {
			if k == idField {
				continue
			}
			if _, ok := next[k]; !ok {
				out[k] = nil
			}
		}
	}
	return out
}

func jsonEqual(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
