/*
Package fhirql compiles path expressions over tree-shaped clinical records
into SQL that evaluates them for a whole population in a single query.

A path expression navigates one record: it steps through members, filters
and projects collections, and reduces them with functions such as count()
or exists(). Instead of interpreting the expression record by record,
fhirql translates it into a chain of named subqueries that a relational
database evaluates over every record at once. Each subquery carries the
record key alongside the values it produces, so results can always be
grouped back to the record they came from.

# Basics

Expressions are compiled against a record source, the table holding one
serialized record per row:

	compiler := fhirql.NewCompiler(
		fhirql.WithRecordSource(fhirql.RecordSource{Table: "patient"}),
	)

	plan, err := compiler.Compile(ctx, map[string]string{
		"officialName": `Patient.name.where(use = 'official').family`,
		"nameCount":    `Patient.name.count()`,
	})

The plan's SQL is one statement built from common table expressions. Its
final SELECT returns one row per record with one column per compiled
expression; records for which an expression yields nothing get NULL. The
plan can be run directly:

	db := fhirql.NewDB(sqldb)
	records, err := db.QueryAll(ctx, plan)

# Referencing other expressions

An expression can reference the result of another compiled expression by
name using %:

	"hasOfficialName": `%officialName.exists()`

References are resolved at assembly time. The referenced expression is
compiled once and shared; cycles between expressions are reported as
errors.

# Schemas

A schema describing member types and cardinalities can be supplied with
[WithSchema]. It is optional: without one, member steps are assumed to be
collection-valued, which is always safe but may introduce flattening steps
a schema would have avoided.
*/
package fhirql
