package types

import "context"

// SortSpec orders a search by one column.
type SortSpec struct {
	Column string
	Desc   bool
}

// SearchOptions refine a Table.Search call.
type SearchOptions struct {
	// Where maps free-form SQL fragments to their bound parameters, e.g.
	// "length(name) > ?" -> []any{3}.
	Where  map[string][]any
	Sort   []SortSpec
	Limit  int
	Offset int
	// Cursor resumes a previous paginated search. A "!" prefix pages
	// backward.
	Cursor string
	// NoCursor suppresses cursor generation even when Limit is set.
	NoCursor bool
	// NoTotal suppresses the total count query.
	NoTotal bool
	// Concurrency bounds the parallel callbacks of Table.Each; defaults
	// to 5.
	Concurrency int
}

// SearchResult is one page of search output.
type SearchResult struct {
	Items []map[string]any
	// Cursor resumes after the last item; empty when the page was not full.
	Cursor string
	// PrevCursor pages backward from the first item.
	PrevCursor string
	// Total is the number of rows matching the filters regardless of
	// paging, or -1 when suppressed.
	Total int64
}

// Table is the document-table contract shared by plain and event-sourced
// handles. Mutations on an event-sourced handle dispatch events and return
// the post-reduction state; reads always reflect committed state plus, inside
// a replay transaction, the changes of the event being handled.
type Table interface {
	Name() string

	Get(ctx context.Context, id any) (map[string]any, error)
	GetBy(ctx context.Context, column string, value any) (map[string]any, error)
	// GetAll preserves input order and fills misses with nil.
	GetAll(ctx context.Context, ids []any) ([]map[string]any, error)

	Search(ctx context.Context, attrs map[string]any, opts *SearchOptions) (*SearchResult, error)
	Count(ctx context.Context, attrs map[string]any, opts *SearchOptions) (int64, error)
	Exists(ctx context.Context, attrs map[string]any) (bool, error)
	Aggregate(ctx context.Context, fn, column string, attrs map[string]any) (any, error)
	Each(ctx context.Context, attrs map[string]any, opts *SearchOptions, fn func(doc map[string]any) error) error

	Set(ctx context.Context, doc map[string]any) (map[string]any, error)
	Update(ctx context.Context, partial map[string]any, upsert bool) (map[string]any, error)
	Remove(ctx context.Context, idOrDoc any) error
	ChangeID(ctx context.Context, oldID, newID any) error
}

// Model is the per-model handle passed to reducers, preprocessors and
// derivers.
type Model interface {
	Table

	// GetNextID returns strictly increasing integer ids seeded from the
	// table's current maximum. The counter is shared across all sub-events
	// of one top-level event and resets at event boundaries, so a retried
	// event reproduces the same ids.
	GetNextID(ctx context.Context) (int64, error)
}

// Store gives derivers and application code access to every model.
type Store interface {
	Model(name string) Model
	Dispatch(ctx context.Context, typ string, data any) (*Event, error)
}

// Env is the context handed to the phase hooks of one event.
type Env struct {
	// Model is this model's handle. During preprocess and reduce it must be
	// treated as read-only; during derive it accepts writes.
	Model Model
	// Store reaches the other models. Writes outside derive are a bug.
	Store Store
	// Event is the event being handled. Preprocessors may replace it but
	// must preserve V and Type.
	Event *Event
	// AddEvent enqueues a sub-event to run after the current phase cycle,
	// in call order, under the parent's version.
	AddEvent func(typ string, data any)
	// IsMainEvent is false for sub-events.
	IsMainEvent bool
}

// Preprocessor runs before reduction; it may assign identity or reject the
// event. A non-nil return value replaces the event.
type Preprocessor func(ctx context.Context, env *Env) (*Event, error)

// Reducer computes the model's declarative diff for an event. It must not
// write; all state change goes through the returned Result.
type Reducer func(ctx context.Context, env *Env) (*Result, error)

// Deriver runs after the diffs are applied, with read/write access, for
// cross-model side effects that are not expressible as a diff.
type Deriver func(ctx context.Context, env *Env, result *Result) error

// ModelDef declares one model. A model with no hooks still works: the engine
// installs the default preprocessor and reducer that translate the
// event-sourced table's CRUD events into diffs.
type ModelDef struct {
	Name    string
	Columns []Column
	// IDColumn names the identity column; defaults to "id".
	IDColumn string

	Preprocessor Preprocessor
	Reducer      Reducer
	Deriver      Deriver

	// Init seeds a creation event on first open when the table is empty.
	Init bool
}
