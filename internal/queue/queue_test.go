package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/sqlite"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := New(context.Background(), db, opts...)
	require.NoError(t, err)
	return q
}

func TestAddAssignsIncreasingVersions(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		ev, err := q.Add(ctx, "tick", map[string]any{"n": i}, 0)
		require.NoError(t, err)
		assert.Equal(t, i, ev.V)
		assert.Equal(t, "tick", ev.Type)
		assert.NotZero(t, ev.TS)
	}
}

func TestAddNormalizesData(t *testing.T) {
	q := newTestQueue(t)

	ev, err := q.Add(context.Background(), "t", map[string]any{"n": 1}, 0)
	require.NoError(t, err)
	// The returned data has JSON shapes, as a later replay would see.
	data, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["n"])
}

func TestAddConcurrentCallsStayOrdered(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const n = 20
	versions := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := q.Add(ctx, "tick", nil, 0)
			assert.NoError(t, err)
			versions <- ev.V
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool, n)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	for v := int64(1); v <= n; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}
}

func TestGetAndLatestVersion(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	v, err := q.LatestVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = q.Add(ctx, "a", map[string]any{"x": "y"}, 123)
	require.NoError(t, err)
	_, err = q.Add(ctx, "b", nil, 456)
	require.NoError(t, err)

	v, err = q.LatestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	// Cached path answers the same.
	v, err = q.LatestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	ev, err := q.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "a", ev.Type)
	assert.Equal(t, int64(123), ev.TS)

	ev, err = q.Get(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestGetNextNoWait(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ev, err := q.GetNext(ctx, 0, true)
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = q.Add(ctx, "a", nil, 0)
	require.NoError(t, err)
	_, err = q.Add(ctx, "b", nil, 0)
	require.NoError(t, err)

	ev, err = q.GetNext(ctx, 0, true)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, int64(1), ev.V)

	// Never returns a version at or below the floor.
	ev, err = q.GetNext(ctx, 1, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.V)

	ev, err = q.GetNext(ctx, 2, true)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestGetNextWakesOnAdd(t *testing.T) {
	q := newTestQueue(t, WithPollWait(time.Minute))
	ctx := context.Background()

	got := make(chan int64, 1)
	go func() {
		ev, err := q.GetNext(ctx, 0, false)
		if assert.NoError(t, err) && assert.NotNil(t, ev) {
			got <- ev.V
		}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := q.Add(ctx, "tick", nil, 0)
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, int64(1), v)
	case <-time.After(5 * time.Second):
		t.Fatal("GetNext did not wake on Add")
	}
}

func TestCancelNextAbortsWait(t *testing.T) {
	q := newTestQueue(t, WithPollWait(time.Minute))

	done := make(chan struct{})
	go func() {
		defer close(done)
		ev, err := q.GetNext(context.Background(), 0, false)
		assert.NoError(t, err)
		assert.Nil(t, ev)
	}()

	time.Sleep(50 * time.Millisecond)
	q.CancelNext()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("CancelNext did not abort the wait")
	}
}

func TestGetNextPollsForOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	defer db.Close()
	q, err := New(context.Background(), db, WithPollWait(100*time.Millisecond))
	require.NoError(t, err)

	other, err := sqlite.Open(path)
	require.NoError(t, err)
	defer other.Close()
	qOther, err := New(context.Background(), other)
	require.NoError(t, err)

	got := make(chan int64, 1)
	go func() {
		ev, err := q.GetNext(context.Background(), 0, false)
		if assert.NoError(t, err) && assert.NotNil(t, ev) {
			got <- ev.V
		}
	}()

	time.Sleep(50 * time.Millisecond)
	// Written through a different connection; only the poll wait sees it.
	_, err = qOther.Add(context.Background(), "tick", nil, 0)
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, int64(1), v)
	case <-time.After(5 * time.Second):
		t.Fatal("GetNext never observed the other writer")
	}
}

func TestSetKnownV(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.SetKnownV(ctx, 50))
	ev, err := q.Add(ctx, "tick", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(51), ev.V)

	// Idempotent, and never moves backwards.
	require.NoError(t, q.SetKnownV(ctx, 50))
	ev, err = q.Add(ctx, "tick", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(52), ev.V)
}

func TestSetResultRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ev, err := q.Add(ctx, "tick", []any{"set", "a", map[string]any{"x": 1}}, 0)
	require.NoError(t, err)

	ev.Error = map[string]string{"_reduce_posts": "boom"}
	require.NoError(t, q.SetResult(ctx, q.db, ev))

	got, err := q.Get(ctx, ev.V)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, map[string]string{"_reduce_posts": "boom"}, got.Error)
	assert.True(t, got.HasError())
}
