package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultEmpty(t *testing.T) {
	var r *Result
	assert.True(t, r.Empty())
	assert.True(t, (&Result{}).Empty())
	assert.True(t, (&Result{Events: []*Event{{V: 1}}}).Empty())
	assert.False(t, (&Result{Remove: []any{"a"}}).Empty())
	assert.False(t, (&Result{Upsert: []map[string]any{{"id": 1}}}).Empty())
}

func TestEventHasError(t *testing.T) {
	ev := &Event{V: 1, Type: "posts"}
	assert.False(t, ev.HasError())

	ev.Error = map[string]string{"_handle": "sub-event failed"}
	assert.True(t, ev.HasError())

	// A clean parent with a failed sub-event also counts.
	ev = &Event{
		V:    2,
		Type: "posts",
		Events: []*Event{
			{V: 2, Type: "audit"},
			{V: 2, Type: "audit", Error: map[string]string{"_reduce_audit": "boom"}},
		},
	}
	assert.True(t, ev.HasError())
}

func TestDeepestError(t *testing.T) {
	ev := &Event{V: 1, Type: "posts"}
	assert.Nil(t, ev.DeepestError())

	// The deepest sub-event names the original failure; the tags on the way
	// up only say that a sub-event failed.
	ev = &Event{
		V:     1,
		Type:  "posts",
		Error: map[string]string{"_handle": "sub-event 1 failed"},
		Events: []*Event{{
			V:     1,
			Type:  "chain",
			Error: map[string]string{"_handle": "sub-event 1 failed"},
			Events: []*Event{{
				V:     1,
				Type:  "chain",
				Error: map[string]string{"_reduce_chain": "hit zero"},
			}},
		}},
	}
	assert.Equal(t, map[string]string{"_reduce_chain": "hit zero"}, ev.DeepestError())
}

func TestEventClone(t *testing.T) {
	ev := &Event{
		V:    7,
		Type: "posts",
		TS:   123,
		Data: []any{"set", "p1", map[string]any{"title": "x"}},
		Result: map[string]*Result{
			"posts": {Set: []map[string]any{{"id": "p1", "title": "x"}}},
		},
		Events: []*Event{{V: 7, Type: "audit"}},
	}

	cp := ev.Clone()
	require.NotSame(t, ev, cp)
	assert.Equal(t, ev, cp)

	// Mutating the copy leaves the original alone.
	cp.Result["posts"].Set[0]["title"] = "y"
	assert.Equal(t, "x", ev.Result["posts"].Set[0]["title"])
}

func TestEventErrorMessage(t *testing.T) {
	err := &EventError{Event: &Event{
		V:    3,
		Type: "posts",
		Error: map[string]string{
			"_reduce_posts": "exists",
			"_reduce_tags":  "boom",
		},
	}}
	// Tags are sorted for a stable message.
	assert.Equal(t, "event v3 posts failed: _reduce_posts: exists; _reduce_tags: boom", err.Error())

	err = &EventError{Event: &Event{V: 4, Type: "posts"}}
	assert.Equal(t, "event v4 posts failed", err.Error())
}
