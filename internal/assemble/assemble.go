// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package assemble merges the subquery chains of a set of named expressions
// into one acyclic compilation plan with a single monolithic query, so a
// whole population is evaluated in one database round-trip.
package assemble

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/fhirql/fhirql/dialect"
	"github.com/fhirql/fhirql/internal/codegen"
	"github.com/fhirql/fhirql/internal/parse"
)

// Error is an assembly failure. Names lists the expressions involved, e.g.
// the members of a dependency cycle.
type Error struct {
	Msg   string
	Names []string
}

func (e *Error) Error() string {
	return e.Msg
}

// Expression names are spliced into CTE and join alias names, so they must
// be plain SQL identifiers.
var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Expression describes one named expression's slot in the final query.
type Expression struct {
	Name string
	// Column is the output column carrying the expression's result.
	Column string
	// Cardinality of the result; Collection results are folded into one
	// serialized array per record.
	Cardinality parse.Cardinality
}

// Plan is the assembled compilation of a named-expression set. It is
// immutable once built.
type Plan struct {
	// SQL is the full monolithic query: one WITH clause covering every
	// subquery of every chain plus the cross-expression aliases, and a final
	// select left-joining the terminal results on the row-key column.
	SQL string
	// Order is the dependency order the expressions were laid out in.
	Order []string
	// Expressions lists the output columns, ordered by expression name.
	Expressions []Expression
}

// Assemble builds the plan for a set of named chains. Chains must carry
// distinct non-empty names; the dependency graph over names, taken from each
// chain's recorded dependencies, must be acyclic and closed.
func Assemble(chains []*codegen.Chain, d dialect.Dialect) (*Plan, error) {
	if len(chains) == 0 {
		return nil, &Error{Msg: "nothing to assemble"}
	}
	byName := make(map[string]*codegen.Chain, len(chains))
	for _, chain := range chains {
		if chain.Name == "" {
			return nil, &Error{Msg: "expression without a name"}
		}
		if !validName.MatchString(chain.Name) {
			return nil, &Error{
				Msg:   fmt.Sprintf("expression name %q is not a valid identifier", chain.Name),
				Names: []string{chain.Name},
			}
		}
		if _, ok := byName[chain.Name]; ok {
			return nil, &Error{
				Msg:   fmt.Sprintf("duplicate expression name %q", chain.Name),
				Names: []string{chain.Name},
			}
		}
		byName[chain.Name] = chain
	}
	for _, chain := range chains {
		for _, dep := range chain.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, &Error{
					Msg:   fmt.Sprintf("expression %q references unknown expression %q", chain.Name, dep),
					Names: []string{chain.Name, dep},
				}
			}
		}
	}

	order, err := sortNames(byName)
	if err != nil {
		return nil, err
	}

	var clauses []string
	// Folding appends a suffix to the expression's alias, so a pair of names
	// like "x" and "x_fold" can land on the same CTE name.
	aliasOwner := map[string]string{}
	claim := func(alias, name string) error {
		if other, ok := aliasOwner[alias]; ok {
			return &Error{
				Msg:   fmt.Sprintf("expressions %q and %q collide on alias %q", other, name, alias),
				Names: []string{other, name},
			}
		}
		aliasOwner[alias] = name
		return nil
	}
	for _, name := range order {
		chain := byName[name]
		for _, sq := range chain.Subqueries {
			clauses = append(clauses, d.WithClause(sq.Name, sq.Body))
		}
		alias := codegen.AliasFor(name)
		if err := claim(alias, name); err != nil {
			return nil, err
		}
		body := fmt.Sprintf("SELECT p.%s, p.%s, p.%s\nFROM %s AS p",
			codegen.RowKeyColumn, codegen.OrdinalColumn, codegen.ValueColumn, chain.Terminal().Name)
		clauses = append(clauses, d.WithClause(alias, body))
		if folds(chain) {
			if err := claim(foldedAlias(name), name); err != nil {
				return nil, err
			}
			folded := fmt.Sprintf("SELECT p.%s, %s AS %s\nFROM %s AS p\nGROUP BY p.%s",
				codegen.RowKeyColumn, d.AggregateArray("p."+codegen.ValueColumn),
				codegen.ValueColumn, alias, codegen.RowKeyColumn)
			clauses = append(clauses, d.WithClause(foldedAlias(name), folded))
		}
	}

	names := maps.Keys(byName)
	sort.Strings(names)

	selects := []string{fmt.Sprintf("%s.%s AS %s", joinAlias(names[0]), codegen.RowKeyColumn, codegen.RowKeyColumn)}
	var joins []string
	expressions := make([]Expression, 0, len(names))
	for i, name := range names {
		chain := byName[name]
		src := joinAlias(name)
		selects = append(selects, fmt.Sprintf("%s.%s AS %q", src, codegen.ValueColumn, name))
		expressions = append(expressions, Expression{
			Name:        name,
			Column:      name,
			Cardinality: chain.Cardinality,
		})
		table := codegen.AliasFor(name)
		if folds(chain) {
			table = foldedAlias(name)
		}
		if i == 0 {
			joins = append(joins, fmt.Sprintf("FROM %s AS %s", table, src))
		} else {
			joins = append(joins, fmt.Sprintf("LEFT JOIN %s AS %s ON %s.%s = %s.%s",
				table, src, src, codegen.RowKeyColumn, joinAlias(names[0]), codegen.RowKeyColumn))
		}
	}

	sql := "WITH " + strings.Join(clauses, ",\n") + "\n" +
		"SELECT " + strings.Join(selects, ", ") + "\n" +
		strings.Join(joins, "\n")
	return &Plan{SQL: sql, Order: order, Expressions: expressions}, nil
}

// folds reports whether an expression's rows are folded into one serialized
// array per record in the final query. Unknown cardinality folds too, since
// it must be treated as a collection.
func folds(chain *codegen.Chain) bool {
	switch chain.Cardinality {
	case parse.Single, parse.Optional:
		return false
	}
	return true
}

func foldedAlias(name string) string {
	return codegen.AliasFor(name) + "_fold"
}

func joinAlias(name string) string {
	return "t_" + name
}

// sortNames orders the expression names so every expression follows the ones
// it depends on. Ties break alphabetically, keeping the layout deterministic.
func sortNames(byName map[string]*codegen.Chain) ([]string, error) {
	names := maps.Keys(byName)
	sort.Strings(names)

	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, name := range names {
		indegree[name] = len(byName[name].Dependencies)
		for _, dep := range byName[name].Dependencies {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range names {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) < len(names) {
		var cyclic []string
		for _, name := range names {
			if indegree[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		return nil, &Error{
			Msg:   fmt.Sprintf("cyclic dependency between expressions %s", strings.Join(quoteAll(cyclic), " and ")),
			Names: cyclic,
		}
	}
	return order, nil
}

func quoteAll(names []string) []string {
	ret := make([]string, len(names))
	for i, name := range names {
		ret[i] = fmt.Sprintf("%q", name)
	}
	return ret
}
