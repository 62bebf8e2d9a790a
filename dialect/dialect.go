// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package dialect renders the primitive operations the code generator never
// implements itself. Each primitive is a pure string-producing function of
// its arguments; the generator composes them into subquery bodies without
// knowing the concrete SQL text.
package dialect

import "strings"

// Dialect renders database-specific SQL fragments.
type Dialect interface {
	// Name identifies the dialect, e.g. "sqlite".
	Name() string

	// ExtractField returns an expression selecting the named field out of a
	// serialized tree expression. Path may be a dotted chain of names.
	ExtractField(expr, path string) string

	// FlattenArray returns a rowset expression producing one row per element
	// of the array expr. The rowset exposes ElementColumn and OrdinalColumn.
	FlattenArray(expr string) string

	// ElementColumn is the column of a flattened rowset holding the element
	// value.
	ElementColumn() string

	// OrdinalColumn is the column of a flattened rowset holding the
	// zero-based element position.
	OrdinalColumn() string

	// AggregateArray returns an expression folding grouped values back into
	// one serialized array.
	AggregateArray(expr string) string

	// WithClause returns one named entry of a WITH clause.
	WithClause(name, body string) string
}

// RecordSource locates the table of serialized records for one record type.
// The zero value derives the table name from the record type and uses the
// default column names.
type RecordSource struct {
	// Table is the record table name. Empty means the lowercased record type
	// name.
	Table string
	// KeyColumn is the row-identity column. Empty means "id".
	KeyColumn string
	// DataColumn holds the serialized record. Empty means "data".
	DataColumn string
}

// TableFor returns the table holding records of the given type.
func (s RecordSource) TableFor(recordType string) string {
	if s.Table != "" {
		return s.Table
	}
	return strings.ToLower(recordType)
}

// Key returns the row-identity column name.
func (s RecordSource) Key() string {
	if s.KeyColumn != "" {
		return s.KeyColumn
	}
	return "id"
}

// Data returns the serialized-record column name.
func (s RecordSource) Data() string {
	if s.DataColumn != "" {
		return s.DataColumn
	}
	return "data"
}
