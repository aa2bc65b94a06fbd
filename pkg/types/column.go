package types

import "context"

// ColType is the SQL affinity of a dedicated column.
type ColType string

const (
	ColText    ColType = "TEXT"
	ColNumeric ColType = "NUMERIC"
	ColInteger ColType = "INTEGER"
	ColReal    ColType = "REAL"
	ColBlob    ColType = "BLOB"
	ColJSON    ColType = "JSON"
)

// IndexMode selects how a column is indexed.
type IndexMode int

const (
	// IndexNone leaves the column unindexed.
	IndexNone IndexMode = iota
	// IndexAll indexes every row.
	IndexAll
	// IndexSparse indexes only rows where the value is not NULL.
	IndexSparse
)

// ValueFunc derives a column's stored value from the full document at write
// time. It may consult other documents through the table handle, e.g. to
// enforce uniqueness.
type ValueFunc func(ctx context.Context, doc map[string]any, tbl Table) (any, error)

// TransformFunc converts between the stored and the in-memory representation
// of a column value.
type TransformFunc func(v any) (any, error)

// Column declares one field of a document model.
//
// A column with a non-empty Type gets a dedicated physical column mirroring
// the value extracted from the document; a column with an empty Type is
// computed from the JSON blob via a path expression at read and filter time.
// Constraints checked at model construction: Value and SlugValue are
// mutually exclusive, Unique requires an index, and AutoIncrement is only
// legal on an INTEGER id column.
type Column struct {
	Name string
	Type ColType
	// Path is the dot-separated location within the document; defaults to
	// Name.
	Path string
	// Value derives the stored value; SlugValue derives a base string that
	// is made unique against existing rows by suffixing a counter.
	Value     ValueFunc
	SlugValue ValueFunc
	// Default is stored when the document carries no value for the column.
	Default  any
	Required bool

	Index  IndexMode
	Unique bool
	// AutoIncrement allocates integer ids from the storage engine's
	// sequence. Only legal on an INTEGER id column.
	AutoIncrement bool

	// InList makes a slice filter value match via IN (...).
	InList bool
	// Searchable makes a string filter value match as a substring.
	Searchable bool

	// Parse converts a stored value to its in-memory form on read;
	// Stringify converts the in-memory form to the stored one on write.
	Parse     TransformFunc
	Stringify TransformFunc
}
