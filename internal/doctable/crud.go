package doctable

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/stratadb/strata/pkg/types"
)

// stored converts an in-memory value to the form written to the column.
func (c *col) stored(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if c.def.Stringify != nil {
		var err error
		if v, err = c.def.Stringify(v); err != nil {
			return nil, fmt.Errorf("stringify %s: %w", c.def.Name, err)
		}
	}
	switch v.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s: %w", c.def.Name, err)
		}
		return string(raw), nil
	}
	return v, nil
}

// parsed converts a stored value back to its in-memory form.
func (c *col) parsed(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if c.real && c.def.Type == types.ColJSON {
		if s, ok := v.(string); ok {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", c.def.Name, err)
			}
			v = out
		}
	}
	if c.def.Parse != nil {
		var err error
		if v, err = c.def.Parse(v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", c.def.Name, err)
		}
	}
	return v, nil
}

// prepare derives every column's value from the document: defaults, value
// and slug functions, generated ids, required checks. Returns the completed
// document and the per-column stored values.
func (t *Table) prepare(ctx context.Context, obj map[string]any) (map[string]any, map[string]any, error) {
	full := copyDoc(obj)
	if full == nil {
		full = make(map[string]any)
	}
	colVals := make(map[string]any, len(t.cols))
	for _, c := range t.cols {
		v := getPath(full, c.path)
		if c == t.idCol && v != nil {
			v = t.NormID(v)
			setPath(full, c.path, v)
		}
		if v == nil && c.def.Default != nil {
			v = deepCopy(c.def.Default)
			setPath(full, c.path, v)
		}
		if c.def.Value != nil {
			nv, err := c.def.Value(ctx, full, t)
			if err != nil {
				return nil, nil, fmt.Errorf("%s.%s value: %w", t.name, c.def.Name, err)
			}
			if nv != nil {
				v = nv
				setPath(full, c.path, v)
			}
		} else if c.def.SlugValue != nil && v == nil {
			base, err := c.def.SlugValue(ctx, full, t)
			if err != nil {
				return nil, nil, fmt.Errorf("%s.%s slugValue: %w", t.name, c.def.Name, err)
			}
			if base != nil {
				slug, err := t.uniqueSlug(ctx, c, fmt.Sprint(base))
				if err != nil {
					return nil, nil, err
				}
				v = slug
				setPath(full, c.path, v)
			}
		}
		if c == t.idCol && v == nil && !c.def.AutoIncrement {
			v = newUUID()
			setPath(full, c.path, v)
		}
		if c.def.Required && v == nil {
			return nil, nil, fmt.Errorf("%s.%s: %w", t.name, c.def.Name, types.ErrRequiredColumn)
		}
		if c.real {
			sv, err := c.stored(v)
			if err != nil {
				return nil, nil, err
			}
			colVals[c.def.Name] = sv
		}
	}
	return full, colVals, nil
}

// MakeID computes the id a write of obj would get: an explicit id wins, then
// the id column's value or slug function, then nil for an auto-increment id
// (the sequence assigns it), then a fresh UUID. Column defaults are applied
// first so value functions see the same document a write would.
func (t *Table) MakeID(ctx context.Context, obj map[string]any) (any, error) {
	if id := t.NormID(getPath(obj, t.idCol.path)); id != nil {
		return id, nil
	}
	full := copyDoc(obj)
	if full == nil {
		full = make(map[string]any)
	}
	for _, c := range t.cols {
		if c.def.Default != nil && getPath(full, c.path) == nil {
			setPath(full, c.path, deepCopy(c.def.Default))
		}
	}
	c := t.idCol
	if c.def.Value != nil {
		v, err := c.def.Value(ctx, full, t)
		if err != nil {
			return nil, fmt.Errorf("%s.%s value: %w", t.name, c.def.Name, err)
		}
		if v != nil {
			return t.NormID(v), nil
		}
	} else if c.def.SlugValue != nil {
		base, err := c.def.SlugValue(ctx, full, t)
		if err != nil {
			return nil, fmt.Errorf("%s.%s slugValue: %w", t.name, c.def.Name, err)
		}
		if base != nil {
			return t.uniqueSlug(ctx, c, fmt.Sprint(base))
		}
	}
	if c.def.AutoIncrement {
		return nil, nil
	}
	return newUUID(), nil
}

// Set writes the document with insert-or-replace semantics and returns the
// stored object.
func (t *Table) Set(ctx context.Context, doc map[string]any) (map[string]any, error) {
	return t.SetWith(ctx, doc, false, false)
}

// SetWith writes the document in one statement covering all dedicated
// columns plus the JSON blob. With insertOnly an existing id is a constraint
// error; with noReturn the result object is not rebuilt. The returned object
// is reassembled from the computed values, not re-queried.
func (t *Table) SetWith(ctx context.Context, doc map[string]any, insertOnly, noReturn bool) (map[string]any, error) {
	full, colVals, err := t.prepare(ctx, doc)
	if err != nil {
		return nil, err
	}

	autoID := t.idCol.def.AutoIncrement && colVals[t.idCol.def.Name] == nil

	blob := copyDoc(full)
	var names, holders []string
	var args []any
	for _, c := range t.cols {
		if !c.real {
			continue
		}
		delPath(blob, c.path)
		if c == t.idCol && autoID {
			continue
		}
		names = append(names, c.quoted)
		holders = append(holders, "?")
		args = append(args, colVals[c.def.Name])
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s document: %w", t.name, err)
	}
	names = append(names, jsonColumn)
	holders = append(holders, "?")
	args = append(args, string(raw))

	verb := "INSERT OR REPLACE INTO"
	if insertOnly {
		verb = "INSERT INTO"
	}
	res, err := t.db.Exec(ctx, fmt.Sprintf("%s %s (%s) VALUES (%s)",
		verb, t.quoted, strings.Join(names, ", "), strings.Join(holders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", t.name, err)
	}
	if autoID {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("writing %s: %w", t.name, err)
		}
		setPath(full, t.idCol.path, id)
	}
	if noReturn {
		return nil, nil
	}
	return full, nil
}

// Get returns the document with the given id, or nil when absent.
func (t *Table) Get(ctx context.Context, id any) (map[string]any, error) {
	return t.GetBy(ctx, t.idCol.def.Name, id)
}

// GetBy is a point lookup through any declared column.
func (t *Table) GetBy(ctx context.Context, column string, value any) (map[string]any, error) {
	c, err := t.column(column)
	if err != nil {
		return nil, err
	}
	if c == t.idCol {
		value = t.NormID(value)
	}
	sv, err := c.stored(value)
	if err != nil {
		return nil, err
	}
	row, err := t.db.QueryOne(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? LIMIT 1", t.selects(), t.quoted, c.expr), sv)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return t.assemble(row)
}

// GetAll returns the documents for ids, preserving input order and filling
// misses with nil.
func (t *Table) GetAll(ctx context.Context, ids []any) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	holders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		sv, err := t.idCol.stored(t.NormID(id))
		if err != nil {
			return nil, err
		}
		holders[i] = "?"
		args[i] = sv
	}
	rows, err := t.db.QueryAll(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IN (%s)",
		t.selects(), t.quoted, t.idCol.expr, strings.Join(holders, ", ")), args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		doc, err := t.assemble(row)
		if err != nil {
			return nil, err
		}
		byID[fmt.Sprint(row[t.idCol.def.Name])] = doc
	}
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		sv, _ := t.idCol.stored(t.NormID(id))
		out[i] = byID[fmt.Sprint(sv)]
	}
	return out, nil
}

// Update merges the partial onto the stored document and rewrites the row.
// The merge is field-wise: a nested object replaces the stored one wholesale,
// and an explicit nil deletes the field. Outside a transaction it wraps
// itself in one so the read-merge-write is atomic.
func (t *Table) Update(ctx context.Context, partial map[string]any, upsert bool) (map[string]any, error) {
	if t.root != nil {
		tx, err := t.root.BeginImmediate(ctx)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		out, err := t.WithQuerier(tx).Update(ctx, partial, upsert)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return out, nil
	}

	id := t.NormID(getPath(partial, t.idCol.path))
	var prev map[string]any
	if id != nil {
		var err error
		if prev, err = t.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	if prev == nil && !upsert {
		return nil, fmt.Errorf("%s %v: %w", t.name, id, types.ErrNotFound)
	}
	if prev == nil {
		prev = make(map[string]any)
	}
	return t.SetWith(ctx, merge(prev, partial), false, false)
}

// Remove deletes by id or by the id of the given document. Removing an
// absent id is not an error.
func (t *Table) Remove(ctx context.Context, idOrDoc any) error {
	id := idOrDoc
	if doc, ok := idOrDoc.(map[string]any); ok {
		id = getPath(doc, t.idCol.path)
	}
	if id == nil {
		return fmt.Errorf("%s: %w", t.name, types.ErrInvalidID)
	}
	sv, err := t.idCol.stored(t.NormID(id))
	if err != nil {
		return err
	}
	_, err = t.db.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE %s = ?", t.quoted, t.idCol.expr), sv)
	return err
}

// ChangeID repoints a row's identity. Fails with ErrNotFound when oldID does
// not exist; a collision on newID surfaces the unique constraint violation.
func (t *Table) ChangeID(ctx context.Context, oldID, newID any) error {
	if newID == nil {
		return fmt.Errorf("%s: new id: %w", t.name, types.ErrInvalidID)
	}
	oldStored, err := t.idCol.stored(t.NormID(oldID))
	if err != nil {
		return err
	}
	newStored, err := t.idCol.stored(t.NormID(newID))
	if err != nil {
		return err
	}
	res, err := t.db.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET %s = ? WHERE %s = ?", t.quoted, t.idCol.quoted, t.idCol.expr),
		newStored, oldStored)
	if err != nil {
		return fmt.Errorf("changing %s id %v -> %v: %w", t.name, oldID, newID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", t.name, oldID, types.ErrNotFound)
	}
	return nil
}

// selects is the select list covering the blob and every dedicated column.
func (t *Table) selects() string {
	parts := make([]string, 0, len(t.cols)+1)
	for _, c := range t.cols {
		if c.real {
			parts = append(parts, c.expr)
		}
	}
	parts = append(parts, t.quoted+"."+jsonColumn)
	return strings.Join(parts, ", ")
}

// assemble rebuilds a document from a row: blob first, then the dedicated
// columns layered back in through their parse transforms.
func (t *Table) assemble(row map[string]any) (map[string]any, error) {
	doc := make(map[string]any)
	if s, ok := row[jsonColumn].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, fmt.Errorf("parsing %s document: %w", t.name, err)
		}
	}
	for _, c := range t.cols {
		if c.real {
			v, err := c.parsed(row[c.def.Name])
			if err != nil {
				return nil, err
			}
			if v != nil {
				setPath(doc, c.path, v)
			}
		} else if c.def.Parse != nil {
			if v := getPath(doc, c.path); v != nil {
				pv, err := c.def.Parse(v)
				if err != nil {
					return nil, fmt.Errorf("parse %s: %w", c.def.Name, err)
				}
				setPath(doc, c.path, pv)
			}
		}
	}
	return doc, nil
}

// uniqueSlug makes the slug of base unique against existing rows by
// suffixing a counter.
func (t *Table) uniqueSlug(ctx context.Context, c *col, base string) (string, error) {
	slug := slugify(base)
	for i := 1; ; i++ {
		candidate := slug
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d", slug, i)
		}
		existing, err := t.GetBy(ctx, c.def.Name, candidate)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return candidate, nil
		}
	}
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// newUUID returns a UUID v7 string, time-ordered so fresh rows cluster.
func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
