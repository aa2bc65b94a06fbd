package strata_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/strata"
	"github.com/stratadb/strata/pkg/types"
)

func openStore(t *testing.T) *strata.DB {
	t.Helper()
	cfg := strata.Config{
		Path:     filepath.Join(t.TempDir(), "store.db"),
		PollWait: 200 * time.Millisecond,
	}
	models := []strata.ModelDef{{
		Name: "notes",
		Columns: []strata.Column{
			{Name: "tag", Type: types.ColText, Index: types.IndexAll},
		},
	}}
	db, err := strata.Open(context.Background(), cfg, models)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreRoundTrip(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	notes := db.Model("notes")
	require.NotNil(t, notes)

	doc, err := notes.Set(ctx, map[string]any{"id": "n1", "tag": "work", "body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", doc["body"])

	res, err := notes.Search(ctx, map[string]any{"tag": "work"}, nil)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	v, err := db.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	events, err := db.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "notes", events[0].Type)

	ev, err := db.WaitForVersion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.V)
}

func TestDispatchFailureCarriesEvent(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	_, err := db.Dispatch(ctx, "notes", []any{"upd", "missing", map[string]any{"a": 1}})
	require.Error(t, err)
	evErr, ok := err.(*strata.EventError)
	require.True(t, ok)
	assert.True(t, evErr.Event.HasError())
	assert.Contains(t, evErr.Event.Error["_reduce_notes"], "missing")
}

func TestUnknownModelIsNil(t *testing.T) {
	db := openStore(t)
	assert.Nil(t, db.Model("nope"))
}
