package doctable

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stratadb/strata/pkg/types"
)

const (
	defaultEachBatch       = 50
	defaultEachConcurrency = 5
)

// sortKey is one resolved ORDER BY entry.
type sortKey struct {
	col  *col
	desc bool
}

// filterClauses compiles per-column equality/containment/substring filters
// plus the free-form extra fragments into WHERE clauses with bound values.
// Column names are sorted so generated SQL is deterministic.
func (t *Table) filterClauses(attrs map[string]any, opts *types.SearchOptions) ([]string, []any, error) {
	var clauses []string
	var args []any

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c, err := t.column(name)
		if err != nil {
			return nil, nil, err
		}
		v := attrs[name]
		if c == t.idCol {
			v = t.NormID(v)
		}
		switch {
		case v == nil:
			clauses = append(clauses, c.expr+" IS NULL")
		case isSlice(v):
			if !c.def.InList {
				return nil, nil, fmt.Errorf("%s.%s: list filter on a non-list column: %w",
					t.name, name, types.ErrInvalidFilter)
			}
			list, err := c.storedList(v)
			if err != nil {
				return nil, nil, err
			}
			if len(list) == 0 {
				// Empty containment filter matches nothing.
				clauses = append(clauses, "1 = 0")
				continue
			}
			clauses = append(clauses,
				c.expr+" IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(list)), ", ")+")")
			args = append(args, list...)
		case c.def.Searchable:
			s, ok := v.(string)
			if !ok {
				return nil, nil, fmt.Errorf("%s.%s: substring filter needs a string: %w",
					t.name, name, types.ErrInvalidFilter)
			}
			clauses = append(clauses, c.expr+` LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(s))
		default:
			sv, err := c.stored(v)
			if err != nil {
				return nil, nil, err
			}
			clauses = append(clauses, c.expr+" = ?")
			args = append(args, sv)
		}
	}

	if opts != nil && len(opts.Where) > 0 {
		frags := make([]string, 0, len(opts.Where))
		for frag := range opts.Where {
			frags = append(frags, frag)
		}
		sort.Strings(frags)
		for _, frag := range frags {
			clauses = append(clauses, "("+frag+")")
			args = append(args, opts.Where[frag]...)
		}
	}
	return clauses, args, nil
}

// storedList converts a filter slice to stored values.
func (c *col) storedList(v any) ([]any, error) {
	items := toAnySlice(v)
	out := make([]any, 0, len(items))
	for _, item := range items {
		sv, err := c.stored(item)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, nil
}

// Search runs the filter/sort/paging pipeline. When a limit is set and
// cursors are not suppressed, the sort gains the id column as final unique
// tie-breaker and the result carries resume cursors; a consumed cursor
// expands into the compound keyset predicate.
func (t *Table) Search(ctx context.Context, attrs map[string]any, opts *types.SearchOptions) (*types.SearchResult, error) {
	if opts == nil {
		opts = &types.SearchOptions{}
	}
	cursored := opts.Limit > 0 && !opts.NoCursor

	keys, err := t.sortKeys(opts.Sort, cursored)
	if err != nil {
		return nil, err
	}
	backward, cursorVals, err := decodeCursor(opts.Cursor)
	if err != nil {
		return nil, err
	}
	if cursorVals != nil && len(cursorVals) != len(keys) {
		return nil, fmt.Errorf("%s: cursor key count %d, want %d: %w",
			t.name, len(cursorVals), len(keys), types.ErrBadCursor)
	}

	clauses, args, err := t.filterClauses(attrs, opts)
	if err != nil {
		return nil, err
	}
	totalClauses, totalArgs := clauses, args

	if cursorVals != nil {
		clause, cursorArgs := keysetClause(keys, cursorVals, backward)
		clauses = append(append([]string{}, clauses...), clause)
		args = append(append([]any{}, args...), cursorArgs...)
	}

	query := "SELECT " + t.selects()
	for i, k := range keys {
		query += fmt.Sprintf(", %s AS _s%d", k.col.expr, i)
	}
	query += " FROM " + t.quoted
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if len(keys) > 0 {
		dirs := make([]string, len(keys))
		for i, k := range keys {
			dir := "ASC"
			if k.desc != backward {
				dir = "DESC"
			}
			dirs[i] = fmt.Sprintf("_s%d %s", i, dir)
		}
		query += " ORDER BY " + strings.Join(dirs, ", ")
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 && cursorVals == nil {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := t.db.QueryAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(rows))
	tuples := make([][]any, 0, len(rows))
	for _, row := range rows {
		doc, err := t.assemble(row)
		if err != nil {
			return nil, err
		}
		items = append(items, doc)
		tuple := make([]any, len(keys))
		for i := range keys {
			tuple[i] = row[fmt.Sprintf("_s%d", i)]
		}
		tuples = append(tuples, tuple)
	}
	if backward {
		reverse(items)
		reverse(tuples)
	}

	res := &types.SearchResult{Items: items, Total: -1}
	if cursored && len(items) > 0 {
		// A partial page means the edge of the result set in the direction
		// of travel.
		full := len(items) == opts.Limit
		if backward {
			res.Cursor = encodeCursor(tuples[len(tuples)-1], false)
			if full {
				res.PrevCursor = encodeCursor(tuples[0], true)
			}
		} else {
			if full {
				res.Cursor = encodeCursor(tuples[len(tuples)-1], false)
			}
			if opts.Cursor != "" {
				res.PrevCursor = encodeCursor(tuples[0], true)
			}
		}
	}

	if !opts.NoTotal {
		total, err := t.countWhere(ctx, totalClauses, totalArgs)
		if err != nil {
			return nil, err
		}
		res.Total = total
	}
	return res, nil
}

// sortKeys resolves the requested sort order, forcing the id column as the
// final unique tie-breaker when cursoring.
func (t *Table) sortKeys(sorts []types.SortSpec, cursored bool) ([]sortKey, error) {
	var keys []sortKey
	hasID := false
	for _, s := range sorts {
		c, err := t.column(s.Column)
		if err != nil {
			return nil, err
		}
		if c == t.idCol {
			hasID = true
		}
		keys = append(keys, sortKey{col: c, desc: s.Desc})
	}
	if cursored && !hasID {
		keys = append(keys, sortKey{col: t.idCol})
	}
	return keys, nil
}

// keysetClause expands a cursor tuple into the compound predicate
// (k1 > v1) OR (k1 = v1 AND (k2 > v2 OR ...)), honoring each key's sort
// direction; backward paging flips every comparison.
func keysetClause(keys []sortKey, vals []any, backward bool) (string, []any) {
	k := keys[0]
	op := ">"
	if k.desc != backward {
		op = "<"
	}
	if len(keys) == 1 {
		return fmt.Sprintf("(%s %s ?)", k.col.expr, op), []any{vals[0]}
	}
	rest, restArgs := keysetClause(keys[1:], vals[1:], backward)
	clause := fmt.Sprintf("(%s %s ? OR (%s = ? AND %s))", k.col.expr, op, k.col.expr, rest)
	args := append([]any{vals[0], vals[0]}, restArgs...)
	return clause, args
}

// countWhere counts rows matching the filter clauses, ignoring paging.
func (t *Table) countWhere(ctx context.Context, clauses []string, args []any) (int64, error) {
	query := "SELECT COUNT(*) FROM " + t.quoted
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	v, err := t.db.QueryValue(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return toCount(v), nil
}

// Count returns the number of documents matching the filters.
func (t *Table) Count(ctx context.Context, attrs map[string]any, opts *types.SearchOptions) (int64, error) {
	clauses, args, err := t.filterClauses(attrs, opts)
	if err != nil {
		return 0, err
	}
	return t.countWhere(ctx, clauses, args)
}

// Exists reports whether any document matches the filters.
func (t *Table) Exists(ctx context.Context, attrs map[string]any) (bool, error) {
	clauses, args, err := t.filterClauses(attrs, nil)
	if err != nil {
		return false, err
	}
	query := "SELECT 1 FROM " + t.quoted
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	v, err := t.db.QueryValue(ctx, query+" LIMIT 1", args...)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Aggregate runs MAX, MIN, SUM or AVG over a column with the same filter
// language as Search.
func (t *Table) Aggregate(ctx context.Context, fn, column string, attrs map[string]any) (any, error) {
	var sqlFn string
	switch strings.ToLower(fn) {
	case "max":
		sqlFn = "MAX"
	case "min":
		sqlFn = "MIN"
	case "sum":
		sqlFn = "SUM"
	case "avg":
		sqlFn = "AVG"
	default:
		return nil, fmt.Errorf("%s: unsupported aggregate %q", t.name, fn)
	}
	c, err := t.column(column)
	if err != nil {
		return nil, err
	}
	clauses, args, err := t.filterClauses(attrs, nil)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s(%s) FROM %s", sqlFn, c.expr, t.quoted)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return t.db.QueryValue(ctx, query, args...)
}

// Each drives cursor-paginated searches over every matching document,
// invoking fn with bounded concurrency (batches of 50, 5 workers by
// default). Concurrent writers during the walk can shift which rows are
// seen; no snapshot isolation is implied beyond a single query's.
func (t *Table) Each(ctx context.Context, attrs map[string]any, opts *types.SearchOptions, fn func(doc map[string]any) error) error {
	o := types.SearchOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Limit == 0 {
		o.Limit = defaultEachBatch
	}
	concurrency := o.Concurrency
	if concurrency <= 0 {
		concurrency = defaultEachConcurrency
	}
	o.NoTotal = true
	o.NoCursor = false

	for {
		res, err := t.Search(ctx, attrs, &o)
		if err != nil {
			return err
		}

		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for _, doc := range res.Items {
			doc := doc
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := fn(doc); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
		if res.Cursor == "" {
			return nil
		}
		o.Cursor = res.Cursor
	}
}

func isSlice(v any) bool {
	switch v.(type) {
	case []any, []string, []int, []int64, []float64:
		return true
	}
	return false
}

func toAnySlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out
	case []int64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	}
	return nil
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func toCount(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
