package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Event is one immutable entry of the append-only log. V is assigned exactly
// once by the queue's auto-increment and never reused; Type and V must
// survive preprocessing unchanged. Data round-trips through JSON, so after
// replay it holds maps, slices, strings, float64 and bool values.
type Event struct {
	V    int64  `json:"v"`
	Type string `json:"type"`
	// TS is milliseconds since the Unix epoch.
	TS   int64 `json:"ts"`
	Data any   `json:"data,omitempty"`

	// Result holds each model's applied diff, keyed by model name.
	Result map[string]*Result `json:"result,omitempty"`
	// FailedResult preserves a partially built result when the apply phase
	// aborted; the corresponding state changes were rolled back.
	FailedResult map[string]*Result `json:"failedResult,omitempty"`
	// Error maps phase tags (_preprocess_<model>, _reduce_<model>,
	// _apply_<phase>, _handle) to messages. A non-empty map means the
	// event contributed no durable state change.
	Error map[string]string `json:"error,omitempty"`
	// Events are sub-events generated during handling. They share the
	// parent's V and ran strictly in list order.
	Events []*Event `json:"events,omitempty"`
}

// Result is the declarative diff a reducer produces for one model.
// Operations are applied in the order Remove, Insert, Set, Update, Upsert.
type Result struct {
	// Remove lists ids to delete.
	Remove []any `json:"remove,omitempty"`
	// Insert lists full documents; an existing id is a constraint error.
	Insert []map[string]any `json:"insert,omitempty"`
	// Set lists full documents to insert-or-replace.
	Set []map[string]any `json:"set,omitempty"`
	// Update lists partials merged onto existing documents.
	Update []map[string]any `json:"update,omitempty"`
	// Upsert lists partials merged onto existing documents or inserted.
	Upsert []map[string]any `json:"upsert,omitempty"`
	// Events are sub-events to enqueue after this model's reduction.
	Events []*Event `json:"events,omitempty"`
}

// Empty reports whether the result carries no operations.
func (r *Result) Empty() bool {
	return r == nil || len(r.Remove) == 0 && len(r.Insert) == 0 &&
		len(r.Set) == 0 && len(r.Update) == 0 && len(r.Upsert) == 0
}

// HasError reports whether the event or any nested sub-event failed.
func (e *Event) HasError() bool {
	if len(e.Error) > 0 {
		return true
	}
	for _, sub := range e.Events {
		if sub.HasError() {
			return true
		}
	}
	return false
}

// DeepestError walks the sub-event tree and returns the most deeply nested
// error map, which names the original failure rather than the _handle tags
// accumulated on the way up. Returns nil when the event succeeded.
func (e *Event) DeepestError() map[string]string {
	for _, sub := range e.Events {
		if m := sub.DeepestError(); m != nil {
			return m
		}
	}
	if len(e.Error) > 0 {
		return e.Error
	}
	return nil
}

// Clone returns a deep copy of the event via its JSON representation.
func (e *Event) Clone() *Event {
	raw, err := json.Marshal(e)
	if err != nil {
		// Events are built from JSON-compatible values; a marshal failure
		// is a programmer error.
		panic(fmt.Sprintf("types: cloning event v%d: %v", e.V, err))
	}
	var out Event
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("types: cloning event v%d: %v", e.V, err))
	}
	return &out
}

// EventError is the rejection value of a failed dispatch. It carries the full
// event so callers can distinguish their own rejected input from an unrelated
// concurrent failure by walking the Events tree.
type EventError struct {
	Event *Event
}

func (e *EventError) Error() string {
	m := e.Event.DeepestError()
	if m == nil {
		return fmt.Sprintf("event v%d %s failed", e.Event.V, e.Event.Type)
	}
	tags := make([]string, 0, len(m))
	for k := range m {
		tags = append(tags, k)
	}
	sort.Strings(tags)
	parts := make([]string, 0, len(tags))
	for _, k := range tags {
		parts = append(parts, k+": "+m[k])
	}
	return fmt.Sprintf("event v%d %s failed: %s", e.Event.V, e.Event.Type, strings.Join(parts, "; "))
}
