// Package doctable stores JSON documents over relational rows. Declared
// columns are resolved once at construction into strategies for SQL
// generation, filtering and value derivation; non-column fields live in a
// reserved JSON blob and dedicated columns mirror values extracted from the
// same write, so the two never drift.
package doctable

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stratadb/strata/internal/sqlite"
	"github.com/stratadb/strata/pkg/types"
)

// jsonColumn is the reserved blob column holding every field that has no
// dedicated column.
const jsonColumn = "json"

// col is one resolved column: declaration plus the SQL strings derived from
// it.
type col struct {
	def  types.Column
	path []string
	// real columns have their own physical column; the rest are computed
	// from the blob.
	real   bool
	quoted string
	// expr is the SQL expression selecting or filtering the value.
	expr string
}

// Table maps one document model onto a physical table.
type Table struct {
	name   string
	quoted string
	// db is the current executor: the root connection, or an open
	// transaction for clones made with WithQuerier.
	db   sqlite.Querier
	root *sqlite.DB
	log  *zap.Logger

	idCol  *col
	cols   []*col // id first, then declaration order
	byName map[string]*col
}

// New resolves the column declarations for table name and returns a handle
// bound to db. idName defaults to "id"; when no column by that name is
// declared, a TEXT id column is added. Configuration errors are returned
// here, never deferred to call time.
func New(db *sqlite.DB, name string, columns []types.Column, idName string, log *zap.Logger) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("doctable: table name is required")
	}
	if idName == "" {
		idName = "id"
	}
	if log == nil {
		log = zap.NewNop()
	}

	t := &Table{
		name:   name,
		quoted: sqlite.QuoteIdent(name),
		db:     db,
		root:   db,
		log:    log,
		byName: make(map[string]*col, len(columns)+1),
	}

	ordered := make([]types.Column, 0, len(columns)+1)
	var idDef *types.Column
	for i := range columns {
		if columns[i].Name == idName {
			idDef = &columns[i]
		} else {
			ordered = append(ordered, columns[i])
		}
	}
	if idDef == nil {
		idDef = &types.Column{Name: idName, Type: types.ColText}
	}
	ordered = append([]types.Column{*idDef}, ordered...)

	for i, def := range ordered {
		c, err := t.resolve(def, i == 0)
		if err != nil {
			return nil, fmt.Errorf("doctable %s: column %s: %w", name, def.Name, err)
		}
		if _, dup := t.byName[def.Name]; dup {
			return nil, fmt.Errorf("doctable %s: column %s: declared twice: %w",
				name, def.Name, types.ErrColumnConfig)
		}
		t.cols = append(t.cols, c)
		t.byName[def.Name] = c
	}
	t.idCol = t.cols[0]
	return t, nil
}

// resolve turns a declaration into a column strategy, validating the legal
// combinations.
func (t *Table) resolve(def types.Column, isID bool) (*col, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("name is required: %w", types.ErrColumnConfig)
	}
	if def.Name == jsonColumn {
		return nil, fmt.Errorf("%q is reserved: %w", jsonColumn, types.ErrColumnConfig)
	}
	if def.Value != nil && def.SlugValue != nil {
		return nil, fmt.Errorf("value and slugValue are mutually exclusive: %w", types.ErrColumnConfig)
	}
	if def.Unique && def.Index == types.IndexNone {
		return nil, fmt.Errorf("unique requires an index: %w", types.ErrColumnConfig)
	}
	if def.AutoIncrement && (!isID || def.Type != types.ColInteger) {
		return nil, fmt.Errorf("autoIncrement is only legal on an INTEGER id column: %w", types.ErrColumnConfig)
	}
	if isID && def.Type == "" {
		return nil, fmt.Errorf("id column needs a dedicated type: %w", types.ErrColumnConfig)
	}

	c := &col{def: def, real: def.Type != ""}
	path := def.Path
	if path == "" {
		path = def.Name
	}
	c.path = strings.Split(path, ".")
	if c.real {
		c.quoted = sqlite.QuoteIdent(def.Name)
		c.expr = t.quoted + "." + c.quoted
	} else {
		c.expr = fmt.Sprintf("json_extract(%s.%s, '$.%s')",
			t.quoted, sqlite.QuoteIdent(jsonColumn), strings.Join(c.path, "."))
	}
	return c, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// IDColumn returns the identity column's name.
func (t *Table) IDColumn() string { return t.idCol.def.Name }

// AutoIncrement reports whether ids come from the engine's sequence.
func (t *Table) AutoIncrement() bool { return t.idCol.def.AutoIncrement }

// WithQuerier returns a shallow clone bound to q, normally an open
// transaction. Clones share the resolved columns; only the executor differs.
func (t *Table) WithQuerier(q sqlite.Querier) *Table {
	c := *t
	c.db = q
	c.root = nil
	return &c
}

// column looks up a declared column, naming the offender on a miss.
func (t *Table) column(name string) (*col, error) {
	c, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", t.name, name, types.ErrUnknownColumn)
	}
	return c, nil
}

// NormID coerces an id value to the column's natural type; ids that passed
// through JSON arrive as float64.
func (t *Table) NormID(v any) any {
	if t.idCol.def.Type == types.ColInteger {
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int:
			return int64(n)
		}
	}
	return v
}
