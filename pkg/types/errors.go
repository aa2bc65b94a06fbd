package types

import "errors"

// Table operation errors.
var (
	ErrNotFound  = errors.New("document not found")
	ErrExists    = errors.New("document already exists")
	ErrInvalidID = errors.New("invalid document id")
)

// Configuration and call-time programmer errors. These are returned
// synchronously, never captured into an event's error map.
var (
	ErrUnknownColumn  = errors.New("unknown column")
	ErrRequiredColumn = errors.New("required column is null")
	ErrColumnConfig   = errors.New("invalid column configuration")
	ErrBadCursor      = errors.New("malformed cursor")
	ErrInvalidFilter  = errors.New("invalid filter value")
)

// Engine errors.
var (
	ErrReadOnly  = errors.New("store is read-only")
	ErrStopped   = errors.New("engine stopped")
	ErrRecursion = errors.New("sub-event recursion too deep")
)
