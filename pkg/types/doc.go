// Package types defines the public value types of the strata event-sourcing
// store: events and their per-model results, column declarations, model
// definitions with their reducer/preprocessor/deriver hooks, configuration,
// and the standard error values.
package types
