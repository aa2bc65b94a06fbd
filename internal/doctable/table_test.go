package doctable

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratadb/strata/internal/sqlite"
	"github.com/stratadb/strata/pkg/types"
)

func newTestTable(t *testing.T, name string, cols []types.Column, idName string) *Table {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tbl, err := New(db, name, cols, idName, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(context.Background(), name, tbl.Migrations()))
	return tbl
}

func TestSetAndGet(t *testing.T) {
	tbl := newTestTable(t, "posts", nil, "")
	ctx := context.Background()

	doc, err := tbl.Set(ctx, map[string]any{"id": "p1", "title": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "p1", doc["id"])

	got, err := tbl.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got["title"])

	got, err = tbl.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetGeneratesID(t *testing.T) {
	tbl := newTestTable(t, "posts", nil, "")
	ctx := context.Background()

	doc, err := tbl.Set(ctx, map[string]any{"title": "no id"})
	require.NoError(t, err)
	require.NotEmpty(t, doc["id"])

	got, err := tbl.Get(ctx, doc["id"])
	require.NoError(t, err)
	assert.Equal(t, "no id", got["title"])
}

func TestAutoIncrementID(t *testing.T) {
	cols := []types.Column{
		{Name: "id", Type: types.ColInteger, AutoIncrement: true},
	}
	tbl := newTestTable(t, "rows", cols, "id")
	ctx := context.Background()

	first, err := tbl.Set(ctx, map[string]any{"a": "x"})
	require.NoError(t, err)
	second, err := tbl.Set(ctx, map[string]any{"a": "y"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first["id"])
	assert.Equal(t, int64(2), second["id"])

	// A float id from a JSON round-trip still finds the row.
	got, err := tbl.Get(ctx, float64(2))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "y", got["a"])
}

func TestDedicatedColumnRoundTrip(t *testing.T) {
	cols := []types.Column{
		{Name: "count", Type: types.ColInteger, Index: types.IndexAll},
		{Name: "tags", Type: types.ColJSON},
	}
	tbl := newTestTable(t, "posts", cols, "")
	ctx := context.Background()

	_, err := tbl.Set(ctx, map[string]any{
		"id": "p1", "count": 3, "tags": []any{"a", "b"}, "body": "text",
	})
	require.NoError(t, err)

	got, err := tbl.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got["count"])
	assert.Equal(t, []any{"a", "b"}, got["tags"])
	assert.Equal(t, "text", got["body"])
}

func TestComputedPathColumn(t *testing.T) {
	cols := []types.Column{
		{Name: "author", Path: "meta.author", Index: types.IndexAll},
	}
	tbl := newTestTable(t, "posts", cols, "")
	ctx := context.Background()

	_, err := tbl.Set(ctx, map[string]any{
		"id": "p1", "meta": map[string]any{"author": "ana"},
	})
	require.NoError(t, err)
	_, err = tbl.Set(ctx, map[string]any{
		"id": "p2", "meta": map[string]any{"author": "bo"},
	})
	require.NoError(t, err)

	got, err := tbl.GetBy(ctx, "author", "ana")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p1", got["id"])

	res, err := tbl.Search(ctx, map[string]any{"author": "bo"}, nil)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "p2", res.Items[0]["id"])
}

func TestGetAllPreservesOrder(t *testing.T) {
	tbl := newTestTable(t, "posts", nil, "")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := tbl.Set(ctx, map[string]any{"id": id})
		require.NoError(t, err)
	}

	docs, err := tbl.GetAll(ctx, []any{"c", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "c", docs[0]["id"])
	assert.Nil(t, docs[1])
	assert.Equal(t, "a", docs[2]["id"])
}

func TestUpdateMergesAndNullDeletes(t *testing.T) {
	tbl := newTestTable(t, "posts", nil, "")
	ctx := context.Background()

	_, err := tbl.Set(ctx, map[string]any{"id": "p1", "title": "old", "draft": true})
	require.NoError(t, err)

	got, err := tbl.Update(ctx, map[string]any{"id": "p1", "title": "new", "draft": nil}, false)
	require.NoError(t, err)
	assert.Equal(t, "new", got["title"])
	_, hasDraft := got["draft"]
	assert.False(t, hasDraft)

	stored, err := tbl.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "new", stored["title"])
	_, hasDraft = stored["draft"]
	assert.False(t, hasDraft)
}

func TestUpdateReplacesNestedObjects(t *testing.T) {
	tbl := newTestTable(t, "posts", nil, "")
	ctx := context.Background()

	_, err := tbl.Set(ctx, map[string]any{
		"id": "p1", "meta": map[string]any{"a": 1, "b": 2},
	})
	require.NoError(t, err)

	// The merge is field-wise, so a nested object replaces the stored one
	// wholesale instead of folding into it.
	got, err := tbl.Update(ctx, map[string]any{
		"id": "p1", "meta": map[string]any{"a": 3},
	}, false)
	require.NoError(t, err)
	meta, ok := got["meta"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, meta["a"])
	_, hasB := meta["b"]
	assert.False(t, hasB)
}

func TestUpdateMissingAndUpsert(t *testing.T) {
	tbl := newTestTable(t, "posts", nil, "")
	ctx := context.Background()

	_, err := tbl.Update(ctx, map[string]any{"id": "nope", "a": 1}, false)
	require.ErrorIs(t, err, types.ErrNotFound)

	got, err := tbl.Update(ctx, map[string]any{"id": "yes", "a": 1}, true)
	require.NoError(t, err)
	assert.Equal(t, "yes", got["id"])
}

func TestRemove(t *testing.T) {
	tbl := newTestTable(t, "posts", nil, "")
	ctx := context.Background()

	_, err := tbl.Set(ctx, map[string]any{"id": "p1"})
	require.NoError(t, err)

	require.NoError(t, tbl.Remove(ctx, "p1"))
	got, err := tbl.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Removing an absent id is not an error.
	require.NoError(t, tbl.Remove(ctx, "p1"))

	err = tbl.Remove(ctx, nil)
	require.ErrorIs(t, err, types.ErrInvalidID)
}

func TestChangeID(t *testing.T) {
	tbl := newTestTable(t, "posts", nil, "")
	ctx := context.Background()

	_, err := tbl.Set(ctx, map[string]any{"id": "old", "title": "x"})
	require.NoError(t, err)

	require.NoError(t, tbl.ChangeID(ctx, "old", "new"))
	got, err := tbl.Get(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, got)

	err = tbl.ChangeID(ctx, "gone", "anywhere")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestRequiredColumn(t *testing.T) {
	cols := []types.Column{
		{Name: "title", Type: types.ColText, Required: true},
	}
	tbl := newTestTable(t, "posts", cols, "")

	_, err := tbl.Set(context.Background(), map[string]any{"id": "p1"})
	require.ErrorIs(t, err, types.ErrRequiredColumn)
}

func TestUniqueIndex(t *testing.T) {
	cols := []types.Column{
		{Name: "slug", Type: types.ColText, Index: types.IndexAll, Unique: true},
	}
	tbl := newTestTable(t, "posts", cols, "")
	ctx := context.Background()

	_, err := tbl.Set(ctx, map[string]any{"id": "p1", "slug": "hello"})
	require.NoError(t, err)
	_, err = tbl.Set(ctx, map[string]any{"id": "p2", "slug": "hello"})
	require.Error(t, err)
	assert.True(t, sqlite.IsConstraint(err))
}

func TestSlugValueColumn(t *testing.T) {
	cols := []types.Column{
		{
			Name: "id",
			Type: types.ColText,
			SlugValue: func(ctx context.Context, doc map[string]any, tbl types.Table) (any, error) {
				return doc["title"], nil
			},
		},
	}
	tbl := newTestTable(t, "posts", cols, "id")
	ctx := context.Background()

	first, err := tbl.Set(ctx, map[string]any{"title": "Hello World"})
	require.NoError(t, err)
	assert.Equal(t, "hello-world", first["id"])

	second, err := tbl.Set(ctx, map[string]any{"title": "Hello World"})
	require.NoError(t, err)
	assert.Equal(t, "hello-world-2", second["id"])
}

func TestValueColumnAndDefault(t *testing.T) {
	cols := []types.Column{
		{Name: "kind", Type: types.ColText, Default: "note"},
		{
			Name: "upper",
			Type: types.ColText,
			Value: func(ctx context.Context, doc map[string]any, tbl types.Table) (any, error) {
				if s, ok := doc["title"].(string); ok {
					return s + "!", nil
				}
				return nil, nil
			},
		},
	}
	tbl := newTestTable(t, "posts", cols, "")
	ctx := context.Background()

	doc, err := tbl.Set(ctx, map[string]any{"id": "p1", "title": "hey"})
	require.NoError(t, err)
	assert.Equal(t, "note", doc["kind"])
	assert.Equal(t, "hey!", doc["upper"])

	got, err := tbl.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "note", got["kind"])
	assert.Equal(t, "hey!", got["upper"])
}

func TestColumnConfigErrors(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	tests := []struct {
		name string
		cols []types.Column
		id   string
	}{
		{
			name: "json column name is reserved",
			cols: []types.Column{{Name: "json", Type: types.ColText}},
		},
		{
			name: "unique without index",
			cols: []types.Column{{Name: "slug", Type: types.ColText, Unique: true}},
		},
		{
			name: "auto increment on text column",
			cols: []types.Column{{Name: "id", Type: types.ColText, AutoIncrement: true}},
			id:   "id",
		},
		{
			name: "value and slug value together",
			cols: []types.Column{{
				Name: "a", Type: types.ColText,
				Value:     func(ctx context.Context, doc map[string]any, tbl types.Table) (any, error) { return nil, nil },
				SlugValue: func(ctx context.Context, doc map[string]any, tbl types.Table) (any, error) { return nil, nil },
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(db, "t", tc.cols, tc.id, zap.NewNop())
			require.Error(t, err)
		})
	}
}

func TestMakeID(t *testing.T) {
	tbl := newTestTable(t, "posts", nil, "")
	ctx := context.Background()

	id, err := tbl.MakeID(ctx, map[string]any{"id": "explicit"})
	require.NoError(t, err)
	assert.Equal(t, "explicit", id)

	id, err = tbl.MakeID(ctx, map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	auto := newTestTable(t, "rows", []types.Column{
		{Name: "id", Type: types.ColInteger, AutoIncrement: true},
	}, "id")
	id, err = auto.MakeID(ctx, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Nil(t, id)
}

func seedRows(t *testing.T, tbl *Table, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		_, err := tbl.Set(ctx, map[string]any{
			"id":    fmt.Sprintf("r%02d", i),
			"rank":  i,
			"group": i % 3,
		})
		require.NoError(t, err)
	}
}

func rankedTable(t *testing.T) *Table {
	t.Helper()
	cols := []types.Column{
		{Name: "rank", Type: types.ColInteger, Index: types.IndexAll},
		{Name: "group", Type: types.ColInteger, InList: true},
	}
	return newTestTable(t, "ranked", cols, "")
}

func TestSearchFiltersAndTotal(t *testing.T) {
	tbl := rankedTable(t)
	seedRows(t, tbl, 9)
	ctx := context.Background()

	res, err := tbl.Search(ctx, map[string]any{"group": 1}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
	assert.Equal(t, int64(3), res.Total)

	// A slice on an InList column matches via IN.
	res, err = tbl.Search(ctx, map[string]any{"group": []any{0, 1}}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Items, 6)

	// An empty IN list matches nothing.
	res, err = tbl.Search(ctx, map[string]any{"group": []any{}}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	// A slice on a column not declared for list matching is rejected.
	_, err = tbl.Search(ctx, map[string]any{"rank": []any{1, 2}}, nil)
	require.ErrorIs(t, err, types.ErrInvalidFilter)

	_, err = tbl.Search(ctx, map[string]any{"bogus": 1}, nil)
	require.ErrorIs(t, err, types.ErrUnknownColumn)
}

func TestSearchWhereFragments(t *testing.T) {
	tbl := rankedTable(t)
	seedRows(t, tbl, 9)

	res, err := tbl.Search(context.Background(), nil, &types.SearchOptions{
		Where: map[string][]any{"rank > ?": {7}},
	})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
}

func TestSearchableColumnMatchesSubstring(t *testing.T) {
	cols := []types.Column{
		{Name: "title", Type: types.ColText, Searchable: true},
	}
	tbl := newTestTable(t, "posts", cols, "")
	ctx := context.Background()

	for id, title := range map[string]string{
		"p1": "the quick fox", "p2": "lazy dog", "p3": "quick brown",
	} {
		_, err := tbl.Set(ctx, map[string]any{"id": id, "title": title})
		require.NoError(t, err)
	}

	res, err := tbl.Search(ctx, map[string]any{"title": "quick"}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)

	// LIKE metacharacters in the needle are literal.
	res, err = tbl.Search(ctx, map[string]any{"title": "%"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func collectPages(t *testing.T, tbl *Table, opts types.SearchOptions) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for {
		res, err := tbl.Search(ctx, nil, &opts)
		require.NoError(t, err)
		for _, doc := range res.Items {
			ids = append(ids, doc["id"].(string))
		}
		if res.Cursor == "" {
			return ids
		}
		opts.Cursor = res.Cursor
	}
}

func TestCursorPaginationMatchesUnbounded(t *testing.T) {
	tbl := rankedTable(t)
	seedRows(t, tbl, 9)
	ctx := context.Background()

	for _, desc := range []bool{false, true} {
		sort := []types.SortSpec{{Column: "rank", Desc: desc}}

		all, err := tbl.Search(ctx, nil, &types.SearchOptions{Sort: sort})
		require.NoError(t, err)
		var want []string
		for _, doc := range all.Items {
			want = append(want, doc["id"].(string))
		}

		got := collectPages(t, tbl, types.SearchOptions{Sort: sort, Limit: 4})
		assert.Equal(t, want, got, "desc=%v", desc)
	}
}

func TestCursorPagesBackward(t *testing.T) {
	tbl := rankedTable(t)
	seedRows(t, tbl, 9)
	ctx := context.Background()
	sort := []types.SortSpec{{Column: "rank"}}

	first, err := tbl.Search(ctx, nil, &types.SearchOptions{Sort: sort, Limit: 3})
	require.NoError(t, err)
	second, err := tbl.Search(ctx, nil, &types.SearchOptions{
		Sort: sort, Limit: 3, Cursor: first.Cursor,
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.PrevCursor)

	back, err := tbl.Search(ctx, nil, &types.SearchOptions{
		Sort: sort, Limit: 3, Cursor: second.PrevCursor,
	})
	require.NoError(t, err)
	require.Len(t, back.Items, 3)
	for i := range back.Items {
		assert.Equal(t, first.Items[i]["id"], back.Items[i]["id"])
	}
}

func TestBadCursor(t *testing.T) {
	tbl := rankedTable(t)
	_, err := tbl.Search(context.Background(), nil, &types.SearchOptions{
		Limit: 3, Cursor: "not base64 !!!",
	})
	require.ErrorIs(t, err, types.ErrBadCursor)
}

func TestCountExistsAggregate(t *testing.T) {
	tbl := rankedTable(t)
	seedRows(t, tbl, 9)
	ctx := context.Background()

	n, err := tbl.Count(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	ok, err := tbl.Exists(ctx, map[string]any{"group": 2})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tbl.Exists(ctx, map[string]any{"group": 7})
	require.NoError(t, err)
	assert.False(t, ok)

	max, err := tbl.Aggregate(ctx, "MAX", "rank", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), max)

	sum, err := tbl.Aggregate(ctx, "SUM", "rank", map[string]any{"group": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(3+6+9), sum)
}

func TestEachVisitsEverything(t *testing.T) {
	tbl := rankedTable(t)
	seedRows(t, tbl, 9)

	var seenRows [9]bool
	err := tbl.Each(context.Background(), nil, &types.SearchOptions{Limit: 4}, func(doc map[string]any) error {
		var i int
		if _, err := fmt.Sscanf(doc["id"].(string), "r%02d", &i); err != nil {
			return err
		}
		seenRows[i-1] = true
		return nil
	})
	require.NoError(t, err)
	for i, seen := range seenRows {
		assert.True(t, seen, "row %d not visited", i+1)
	}
}

func TestEachStopsOnError(t *testing.T) {
	tbl := rankedTable(t)
	seedRows(t, tbl, 9)

	wantErr := fmt.Errorf("stop")
	err := tbl.Each(context.Background(), nil, &types.SearchOptions{Limit: 2, Concurrency: 1}, func(doc map[string]any) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}
