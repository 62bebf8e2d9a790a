// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect

import "fmt"

// SQLite renders the primitives with the JSON1 functions. It works against
// any reasonably recent SQLite, including the mattn/go-sqlite3 driver used by
// the tests and the demo.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) ExtractField(expr, path string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s')", expr, path)
}

// FlattenArray yields one row per element. A non-array value acts as a
// singleton collection: it flattens to itself instead of failing as
// malformed JSON, so steps of unknown cardinality can be flattened safely.
func (SQLite) FlattenArray(expr string) string {
	return fmt.Sprintf("json_each(CASE WHEN json_valid(%[1]s) AND json_type(%[1]s) = 'array' THEN %[1]s ELSE json_array(%[1]s) END)", expr)
}

func (SQLite) ElementColumn() string { return "value" }

func (SQLite) OrdinalColumn() string { return "key" }

func (SQLite) AggregateArray(expr string) string {
	return fmt.Sprintf("json_group_array(%s)", expr)
}

func (SQLite) WithClause(name, body string) string {
	return fmt.Sprintf("%s AS (\n%s\n)", name, body)
}
