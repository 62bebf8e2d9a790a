// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package codegen walks an expression tree and emits a chain of named
// subqueries, one per navigation, filter or aggregate step. Every subquery
// exposes the same three columns so the chain composes by name: the row-key
// column identifying the record, the ordinal column preserving element order
// and the value column.
package codegen

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fhirql/fhirql/dialect"
	"github.com/fhirql/fhirql/internal/lex"
	"github.com/fhirql/fhirql/internal/parse"
)

// Column names shared by all generated subqueries.
const (
	RowKeyColumn  = "record_id"
	OrdinalColumn = "ord"
	ValueColumn   = "value"
)

// Error is a generation failure: an expression that parses but cannot be
// turned into SQL.
type Error struct {
	Msg string
	Loc lex.Location
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Loc, e.Msg)
}

func errorf(loc lex.Location, format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...), Loc: loc}
}

// Subquery is one named step of a chain. DependsOn lists the subqueries (or
// cross-expression aliases) its body selects from.
type Subquery struct {
	Name      string
	Body      string
	DependsOn []string
	Columns   []string
	RowKey    string
}

// Chain is the ordered compilation of one expression. The last subquery's
// value column is the expression's result.
type Chain struct {
	// Name is the expression's name when it was compiled as part of a named
	// set, empty otherwise.
	Name        string
	Subqueries  []Subquery
	Cardinality parse.Cardinality
	// Dependencies names the other expressions this chain references.
	Dependencies []string
}

// Terminal returns the last subquery of the chain.
func (c *Chain) Terminal() Subquery {
	return c.Subqueries[len(c.Subqueries)-1]
}

// Namer issues unique subquery names. The counter is atomic so chains
// compiled in parallel for one assembly never collide. Names carry a
// human-readable operation hint to keep the output inspectable.
type Namer struct {
	counter atomic.Uint64
}

func NewNamer() *Namer { return &Namer{} }

func (n *Namer) next(hint string) string {
	return fmt.Sprintf("q%d_%s", n.counter.Add(1), hint)
}

// operation is the closed set of supported function calls. The generator
// dispatches on it, never on the raw name, so an unhandled call is a
// compile-time-visible gap in the switch rather than a silent no-op.
type operation int

const (
	opInvalid operation = iota
	opWhere
	opSelect
	opFirst
	opLast
	opExists
	opEmpty
	opCount
	opSum
	opAvg
	opMin
	opMax
	opNot
)

var operations = map[string]operation{
	"where":  opWhere,
	"select": opSelect,
	"first":  opFirst,
	"last":   opLast,
	"exists": opExists,
	"empty":  opEmpty,
	"count":  opCount,
	"sum":    opSum,
	"avg":    opAvg,
	"min":    opMin,
	"max":    opMax,
	"not":    opNot,
}

var aggregateSQL = map[operation]string{
	opCount: "COUNT",
	opSum:   "SUM",
	opAvg:   "AVG",
	opMin:   "MIN",
	opMax:   "MAX",
}

// Generator compiles expression trees against one dialect and record source.
// It holds no state of its own apart from the naming context and is safe for
// concurrent use.
type Generator struct {
	Dialect dialect.Dialect
	Source  dialect.RecordSource
	Namer   *Namer
}

func NewGenerator(d dialect.Dialect, src dialect.RecordSource, namer *Namer) *Generator {
	return &Generator{Dialect: d, Source: src, Namer: namer}
}

// state is the chain under construction. arrayValued reports whether the
// terminal value column holds a serialized array that per-element operations
// must flatten first.
type state struct {
	subs        []Subquery
	arrayValued bool
	// rootType is set while the chain is still just a bare record-type
	// identifier and no subquery has been emitted.
	rootType string
}

func (st *state) terminal() string { return st.subs[len(st.subs)-1].Name }

func (g *Generator) push(st *state, hint, body string, deps ...string) {
	st.subs = append(st.subs, Subquery{
		Name:      g.Namer.next(hint),
		Body:      body,
		DependsOn: deps,
		Columns:   []string{RowKeyColumn, OrdinalColumn, ValueColumn},
		RowKey:    RowKeyColumn,
	})
}

// Generate compiles root into a subquery chain. The chain's dependency edges
// are exactly the parent subqueries in chain order, plus cross-expression
// aliases for external references.
func (g *Generator) Generate(root parse.Node) (*Chain, error) {
	st, err := g.gen(root)
	if err != nil {
		return nil, err
	}
	g.materialize(st)
	return &Chain{
		Subqueries:   st.subs,
		Cardinality:  root.Meta().Cardinality,
		Dependencies: root.Meta().Dependencies,
	}, nil
}

// materialize emits the whole-record leaf subquery for a chain that is still
// just a bare record-type identifier.
func (g *Generator) materialize(st *state) {
	if st.rootType == "" || len(st.subs) > 0 {
		return
	}
	body := fmt.Sprintf("SELECT src.%s AS %s, 0 AS %s, src.%s AS %s\nFROM %s AS src",
		g.Source.Key(), RowKeyColumn, OrdinalColumn, g.Source.Data(), ValueColumn,
		g.Source.TableFor(st.rootType))
	g.push(st, "source", body)
	st.rootType = ""
	st.arrayValued = false
}

func (g *Generator) gen(node parse.Node) (*state, error) {
	switch n := node.(type) {
	case *parse.Ident:
		return &state{rootType: n.Name}, nil
	case *parse.ExternalRef:
		return g.genExternal(n)
	case *parse.MemberAccess:
		return g.genExtract(n.Target, n.Name, "extract", n)
	case *parse.IndexAccess:
		return g.genIndex(n)
	case *parse.Invocation:
		return g.genInvocation(n)
	case *parse.TypeFilter:
		return g.genTypeFilter(n)
	case *parse.Binary:
		return g.genBinary(n)
	case *parse.Unary:
		return g.genUnary(n)
	case *parse.StringLit, *parse.IntLit, *parse.DecimalLit, *parse.BoolLit,
		*parse.DateLit, *parse.DateTimeLit, *parse.TimeLit, *parse.QuantityLit,
		*parse.CollectionLit:
		return g.genConstant(node)
	}
	return nil, errorf(node.Loc(), "unsupported expression node %s", node)
}

func (g *Generator) genExternal(n *parse.ExternalRef) (*state, error) {
	alias := AliasFor(n.Name)
	body := fmt.Sprintf("SELECT p.%s, p.%s, p.%s\nFROM %s AS p",
		RowKeyColumn, OrdinalColumn, ValueColumn, alias)
	st := &state{}
	g.push(st, "external", body, alias)
	return st, nil
}

// genExtract emits the extraction step for a path member. Stepping into an
// array-valued parent flattens it in the same subquery; an absent field
// simply produces no row for that record.
func (g *Generator) genExtract(target parse.Node, field, hint string, n parse.Node) (*state, error) {
	st, err := g.gen(target)
	if err != nil {
		return nil, err
	}
	d := g.Dialect

	switch {
	case st.rootType != "" && len(st.subs) == 0:
		// First step off the record table: scan and extract in one subquery.
		extracted := d.ExtractField("src."+g.Source.Data(), field)
		body := fmt.Sprintf("SELECT src.%s AS %s, 0 AS %s, %s AS %s\nFROM %s AS src\nWHERE %s IS NOT NULL",
			g.Source.Key(), RowKeyColumn, OrdinalColumn, extracted, ValueColumn,
			g.Source.TableFor(st.rootType), extracted)
		g.push(st, hint, body)
		st.rootType = ""
	case st.arrayValued:
		// Flatten the parent array and extract from each element.
		extracted := d.ExtractField("j."+d.ElementColumn(), field)
		body := fmt.Sprintf("SELECT p.%s, j.%s AS %s, %s AS %s\nFROM %s AS p, %s AS j\nWHERE %s IS NOT NULL",
			RowKeyColumn, d.OrdinalColumn(), OrdinalColumn, extracted, ValueColumn,
			st.terminal(), d.FlattenArray("p."+ValueColumn), extracted)
		g.push(st, hint, body, st.terminal())
	default:
		extracted := d.ExtractField("p."+ValueColumn, field)
		body := fmt.Sprintf("SELECT p.%s, p.%s, %s AS %s\nFROM %s AS p\nWHERE %s IS NOT NULL",
			RowKeyColumn, OrdinalColumn, extracted, ValueColumn, st.terminal(), extracted)
		g.push(st, hint, body, st.terminal())
	}
	st.arrayValued = stepYieldsArray(n)
	return st, nil
}

// stepYieldsArray reports whether the value a path step produces per row is
// itself an array. Unknown cardinality is treated as a collection; the next
// step's flatten of a non-array value yields no rows, which matches the
// null-propagating navigation semantics.
func stepYieldsArray(n parse.Node) bool {
	switch n.Meta().Cardinality {
	case parse.Single, parse.Optional:
		return false
	}
	return true
}

// ensureElements unfolds the chain to one row per element, emitting an
// explicit flatten subquery when the terminal still holds serialized arrays.
func (g *Generator) ensureElements(st *state) {
	g.materialize(st)
	if !st.arrayValued {
		return
	}
	d := g.Dialect
	body := fmt.Sprintf("SELECT p.%s, j.%s AS %s, j.%s AS %s\nFROM %s AS p, %s AS j",
		RowKeyColumn, d.OrdinalColumn(), OrdinalColumn, d.ElementColumn(), ValueColumn,
		st.terminal(), d.FlattenArray("p."+ValueColumn))
	g.push(st, "flatten", body, st.terminal())
	st.arrayValued = false
}

func (g *Generator) genInvocation(n *parse.Invocation) (*state, error) {
	op, ok := operations[n.Name]
	if !ok {
		return nil, errorf(n.Loc(), "unknown function %q", n.Name)
	}
	if n.Target == nil {
		return nil, errorf(n.Loc(), "function %q requires a target path", n.Name)
	}

	switch op {
	case opWhere:
		return g.genFilter(n)
	case opSelect:
		return g.genProjection(n)
	case opFirst, opLast:
		return g.genPositional(n, op)
	case opExists, opEmpty:
		return g.genExistence(n, op)
	case opCount, opSum, opAvg, opMin, opMax:
		return g.genAggregate(n, op)
	case opNot:
		return g.genBoolNot(n)
	}
	return nil, errorf(n.Loc(), "unhandled operation %q", n.Name)
}

func (g *Generator) genFilter(n *parse.Invocation) (*state, error) {
	if len(n.Args) != 1 {
		return nil, errorf(n.Loc(), "where takes exactly one condition, got %d arguments", len(n.Args))
	}
	st, err := g.gen(n.Target)
	if err != nil {
		return nil, err
	}
	g.ensureElements(st)
	pred, err := g.renderScalar(n.Args[0], "p."+ValueColumn)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("SELECT p.%s, p.%s, p.%s\nFROM %s AS p\nWHERE %s",
		RowKeyColumn, OrdinalColumn, ValueColumn, st.terminal(), pred)
	g.push(st, "filter", body, st.terminal())
	return st, nil
}

func (g *Generator) genProjection(n *parse.Invocation) (*state, error) {
	if len(n.Args) != 1 {
		return nil, errorf(n.Loc(), "select takes exactly one projection, got %d arguments", len(n.Args))
	}
	st, err := g.gen(n.Target)
	if err != nil {
		return nil, err
	}
	g.ensureElements(st)
	proj, err := g.renderScalar(n.Args[0], "p."+ValueColumn)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("SELECT p.%s, p.%s, %s AS %s\nFROM %s AS p\nWHERE %s IS NOT NULL",
		RowKeyColumn, OrdinalColumn, proj, ValueColumn, st.terminal(), proj)
	g.push(st, "select", body, st.terminal())
	return st, nil
}

// genPositional reduces each record's rows to the first or last element by
// ordinal.
func (g *Generator) genPositional(n *parse.Invocation, op operation) (*state, error) {
	if len(n.Args) != 0 {
		return nil, errorf(n.Loc(), "%s takes no arguments", n.Name)
	}
	st, err := g.gen(n.Target)
	if err != nil {
		return nil, err
	}
	g.ensureElements(st)
	dir, hint := "ASC", "first"
	if op == opLast {
		dir, hint = "DESC", "last"
	}
	body := fmt.Sprintf(
		"SELECT %s, %s, %s FROM (\nSELECT p.%s, p.%s, p.%s, ROW_NUMBER() OVER (PARTITION BY p.%s ORDER BY p.%s %s) AS rn\nFROM %s AS p\n) WHERE rn = 1",
		RowKeyColumn, OrdinalColumn, ValueColumn,
		RowKeyColumn, OrdinalColumn, ValueColumn, RowKeyColumn, OrdinalColumn, dir,
		st.terminal())
	g.push(st, hint, body, st.terminal())
	return st, nil
}

// genAggregate folds each record's rows into one value, grouped by row key.
// When the parent still holds serialized arrays the flatten is fused into
// the aggregate subquery.
func (g *Generator) genAggregate(n *parse.Invocation, op operation) (*state, error) {
	if len(n.Args) != 0 {
		return nil, errorf(n.Loc(), "%s takes no arguments", n.Name)
	}
	st, err := g.gen(n.Target)
	if err != nil {
		return nil, err
	}
	g.materialize(st)
	fn := aggregateSQL[op]
	var body string
	if st.arrayValued {
		d := g.Dialect
		body = fmt.Sprintf("SELECT p.%s, 0 AS %s, %s(j.%s) AS %s\nFROM %s AS p, %s AS j\nGROUP BY p.%s",
			RowKeyColumn, OrdinalColumn, fn, d.ElementColumn(), ValueColumn,
			st.terminal(), d.FlattenArray("p."+ValueColumn), RowKeyColumn)
	} else {
		body = fmt.Sprintf("SELECT p.%s, 0 AS %s, %s(p.%s) AS %s\nFROM %s AS p\nGROUP BY p.%s",
			RowKeyColumn, OrdinalColumn, fn, ValueColumn, ValueColumn,
			st.terminal(), RowKeyColumn)
	}
	g.push(st, strings.ToLower(fn), body, st.terminal())
	st.arrayValued = false
	return st, nil
}

func (g *Generator) genExistence(n *parse.Invocation, op operation) (*state, error) {
	if len(n.Args) != 0 {
		return nil, errorf(n.Loc(), "%s takes no arguments", n.Name)
	}
	st, err := g.gen(n.Target)
	if err != nil {
		return nil, err
	}
	g.materialize(st)
	cmp, hint := "> 0", "exists"
	if op == opEmpty {
		cmp, hint = "= 0", "empty"
	}
	var counted, from string
	if st.arrayValued {
		d := g.Dialect
		counted = "j." + d.ElementColumn()
		from = fmt.Sprintf("%s AS p, %s AS j", st.terminal(), d.FlattenArray("p."+ValueColumn))
	} else {
		counted = "p." + ValueColumn
		from = st.terminal() + " AS p"
	}
	body := fmt.Sprintf("SELECT p.%s, 0 AS %s, COUNT(%s) %s AS %s\nFROM %s\nGROUP BY p.%s",
		RowKeyColumn, OrdinalColumn, counted, cmp, ValueColumn, from, RowKeyColumn)
	g.push(st, hint, body, st.terminal())
	st.arrayValued = false
	return st, nil
}

func (g *Generator) genBoolNot(n *parse.Invocation) (*state, error) {
	if len(n.Args) != 0 {
		return nil, errorf(n.Loc(), "not takes no arguments")
	}
	st, err := g.gen(n.Target)
	if err != nil {
		return nil, err
	}
	g.ensureElements(st)
	body := fmt.Sprintf("SELECT p.%s, p.%s, NOT p.%s AS %s\nFROM %s AS p",
		RowKeyColumn, OrdinalColumn, ValueColumn, ValueColumn, st.terminal())
	g.push(st, "not", body, st.terminal())
	st.arrayValued = false
	return st, nil
}

// genIndex picks one element of a collection by zero-based position. An
// out-of-range index yields no row for that record, not an error.
func (g *Generator) genIndex(n *parse.IndexAccess) (*state, error) {
	idx, ok := n.Index.(*parse.IntLit)
	if !ok {
		return nil, errorf(n.Index.Loc(), "collection index must be an integer literal")
	}
	if idx.Value < 0 {
		return nil, errorf(n.Index.Loc(), "collection index must not be negative")
	}
	st, err := g.gen(n.Target)
	if err != nil {
		return nil, err
	}
	g.ensureElements(st)
	body := fmt.Sprintf(
		"SELECT %s, %s, %s FROM (\nSELECT p.%s, p.%s, p.%s, ROW_NUMBER() OVER (PARTITION BY p.%s ORDER BY p.%s ASC) AS rn\nFROM %s AS p\n) WHERE rn = %d",
		RowKeyColumn, OrdinalColumn, ValueColumn,
		RowKeyColumn, OrdinalColumn, ValueColumn, RowKeyColumn, OrdinalColumn,
		st.terminal(), idx.Value+1)
	g.push(st, "index", body, st.terminal())
	return st, nil
}

// genTypeFilter narrows a polymorphic path step to one concrete type. The
// serialized records store each choice under a type-suffixed field, so the
// narrowing re-extracts the suffixed field from the step's parent; a type
// mismatch simply finds no field and yields no row.
func (g *Generator) genTypeFilter(n *parse.TypeFilter) (*state, error) {
	member, ok := n.Target.(*parse.MemberAccess)
	if !ok {
		return nil, errorf(n.Loc(), "type filter requires a path step to narrow")
	}
	field := member.Name + upperFirst(n.TypeName)
	return g.genExtract(member.Target, field, "oftype", n)
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// genBinary combines two operand chains, or folds a constant operand into a
// computation over the navigating side.
func (g *Generator) genBinary(n *parse.Binary) (*state, error) {
	lConst := isConstant(n.Left)
	rConst := isConstant(n.Right)
	switch {
	case lConst && rConst:
		return g.genConstant(n)
	case rConst:
		return g.genCompute(n, n.Left, n.Right, false)
	case lConst:
		return g.genCompute(n, n.Right, n.Left, true)
	}

	left, err := g.gen(n.Left)
	if err != nil {
		return nil, err
	}
	g.ensureElements(left)
	right, err := g.gen(n.Right)
	if err != nil {
		return nil, err
	}
	g.ensureElements(right)
	expr, err := combineSQL(n.Op, "a."+ValueColumn, "b."+ValueColumn, n.Loc())
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("SELECT a.%s, a.%s, %s AS %s\nFROM %s AS a JOIN %s AS b ON a.%s = b.%s",
		RowKeyColumn, OrdinalColumn, expr, ValueColumn,
		left.terminal(), right.terminal(), RowKeyColumn, RowKeyColumn)
	st := &state{subs: append(left.subs, right.subs...)}
	g.push(st, hintFor(n.Op), body, left.terminal(), right.terminal())
	return st, nil
}

// genCompute applies an operator between the chain's value and a constant.
// flipped means the constant was the left operand in the source.
func (g *Generator) genCompute(n *parse.Binary, nav, constant parse.Node, flipped bool) (*state, error) {
	st, err := g.gen(nav)
	if err != nil {
		return nil, err
	}
	// A collection operand is combined element by element, never as its
	// serialized array text.
	g.ensureElements(st)
	var expr string
	if items, ok := constant.(*parse.CollectionLit); ok && (n.Op == parse.OpIn || n.Op == parse.OpContains) {
		expr, err = g.renderMembership("p."+ValueColumn, items, "")
		if err != nil {
			return nil, err
		}
	} else {
		lit, err := g.renderScalar(constant, "")
		if err != nil {
			return nil, err
		}
		a, b := "p."+ValueColumn, lit
		if flipped {
			a, b = b, a
		}
		if expr, err = combineSQL(n.Op, a, b, n.Loc()); err != nil {
			return nil, err
		}
	}
	body := fmt.Sprintf("SELECT p.%s, p.%s, %s AS %s\nFROM %s AS p",
		RowKeyColumn, OrdinalColumn, expr, ValueColumn, st.terminal())
	g.push(st, hintFor(n.Op), body, st.terminal())
	st.arrayValued = false
	return st, nil
}

func (g *Generator) genUnary(n *parse.Unary) (*state, error) {
	if isConstant(n.Operand) {
		return g.genConstant(n)
	}
	st, err := g.gen(n.Operand)
	if err != nil {
		return nil, err
	}
	g.ensureElements(st)
	var expr string
	switch n.Op {
	case parse.OpNot:
		expr = "NOT p." + ValueColumn
	case parse.OpNeg:
		expr = "-p." + ValueColumn
	default:
		expr = "p." + ValueColumn
	}
	body := fmt.Sprintf("SELECT p.%s, p.%s, %s AS %s\nFROM %s AS p",
		RowKeyColumn, OrdinalColumn, expr, ValueColumn, st.terminal())
	g.push(st, "unary", body, st.terminal())
	st.arrayValued = false
	return st, nil
}

// genConstant emits a subquery pairing every record's row key with a
// constant value. It needs a concrete record table, so it is only reachable
// with a configured record source.
func (g *Generator) genConstant(node parse.Node) (*state, error) {
	if g.Source.Table == "" {
		return nil, errorf(node.Loc(), "constant expression needs a record source table")
	}
	lit, err := g.renderScalar(node, "")
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("SELECT src.%s AS %s, 0 AS %s, %s AS %s\nFROM %s AS src",
		g.Source.Key(), RowKeyColumn, OrdinalColumn, lit, ValueColumn, g.Source.Table)
	st := &state{}
	g.push(st, "const", body)
	return st, nil
}

// AliasFor returns the cross-expression alias under which a named
// expression's terminal subquery is visible to other expressions.
func AliasFor(name string) string {
	return "expr_" + name
}

func hintFor(op parse.BinaryOp) string {
	switch op {
	case parse.OpEq, parse.OpNe, parse.OpLt, parse.OpGt, parse.OpLe, parse.OpGe:
		return "compare"
	case parse.OpAnd, parse.OpOr, parse.OpXor, parse.OpImplies:
		return "logic"
	case parse.OpConcat:
		return "concat"
	case parse.OpIn, parse.OpContains:
		return "member"
	}
	return "arith"
}

// isConstant reports whether a node evaluates without navigating a record.
func isConstant(node parse.Node) bool {
	switch n := node.(type) {
	case *parse.StringLit, *parse.IntLit, *parse.DecimalLit, *parse.BoolLit,
		*parse.DateLit, *parse.DateTimeLit, *parse.TimeLit, *parse.QuantityLit:
		return true
	case *parse.CollectionLit:
		for _, item := range n.Items {
			if !isConstant(item) {
				return false
			}
		}
		return true
	case *parse.Unary:
		return isConstant(n.Operand)
	case *parse.Binary:
		return isConstant(n.Left) && isConstant(n.Right)
	}
	return false
}
