// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package parse

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fhirql/fhirql/internal/lex"
)

// Cardinality states how many values a node yields when evaluated over one
// record.
type Cardinality int

const (
	// Unknown means the parser could not tell; consumers must treat it as
	// Collection.
	Unknown Cardinality = iota
	// Single is exactly one value.
	Single
	// Collection is zero or more values.
	Collection
	// Optional is zero or one value.
	Optional
)

var cardinalityNames = map[Cardinality]string{
	Unknown:    "unknown",
	Single:     "single",
	Collection: "collection",
	Optional:   "optional",
}

func (c Cardinality) String() string {
	if s, ok := cardinalityNames[c]; ok {
		return s
	}
	return "unknown"
}

// Metadata is descriptive information attached to every node at construction
// time. It never takes part in node identity or equality; two nodes with the
// same shape are the same expression regardless of their metadata.
type Metadata struct {
	Cardinality Cardinality
	// DeclaredType is the element type name when a schema narrowed the node,
	// empty otherwise.
	DeclaredType string
	// Complexity is 1 plus the sum of the complexities of the children.
	Complexity int
	// Dependencies holds the names of other top-level expressions this node
	// references, in sorted order.
	Dependencies []string
}

// combineCardinality gives the cardinality of an elementwise combination of
// two operands: collections dominate, then unknowns, then optionals. An
// operator applied to a collection operand yields one value per element, so
// the result is a collection too.
func combineCardinality(left, right Node) Cardinality {
	a, b := left.Meta().Cardinality, right.Meta().Cardinality
	switch {
	case a == Collection || b == Collection:
		return Collection
	case a == Unknown || b == Unknown:
		return Unknown
	case a == Optional || b == Optional:
		return Optional
	}
	return Single
}

// mergeDeps returns the sorted union of the dependency sets of the given
// nodes.
func mergeDeps(nodes ...Node) []string {
	seen := map[string]bool{}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		for _, d := range n.Meta().Dependencies {
			seen[d] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	deps := make([]string, 0, len(seen))
	for d := range seen {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}

func sumComplexity(nodes ...Node) int {
	total := 1
	for _, n := range nodes {
		if n == nil {
			continue
		}
		total += n.Meta().Complexity
	}
	return total
}

// A Node is one vertex of the parsed expression tree. Nodes are immutable
// once constructed; transformations build new nodes and may share subtrees.
type Node interface {
	// String returns a string representation of the node for debugging and
	// testing purposes.
	String() string

	// Loc returns the source location of the first token of the node.
	Loc() lex.Location

	// Meta returns the node's descriptive metadata.
	Meta() Metadata

	// node is a marker method.
	node()
}

// Ident is a bare name: the root record type or the first path step.
type Ident struct {
	Name string
	loc  lex.Location
	meta Metadata
}

func (n *Ident) String() string     { return fmt.Sprintf("Ident[%s]", n.Name) }
func (n *Ident) Loc() lex.Location  { return n.loc }
func (n *Ident) Meta() Metadata     { return n.meta }
func (n *Ident) node()              {}

// ExternalRef is a reference to another named expression, written "%name".
type ExternalRef struct {
	Name string
	loc  lex.Location
	meta Metadata
}

func (n *ExternalRef) String() string    { return fmt.Sprintf("External[%s]", n.Name) }
func (n *ExternalRef) Loc() lex.Location { return n.loc }
func (n *ExternalRef) Meta() Metadata    { return n.meta }
func (n *ExternalRef) node()             {}

// StringLit is a single-quoted string literal.
type StringLit struct {
	Value string
	loc   lex.Location
	meta  Metadata
}

func (n *StringLit) String() string    { return fmt.Sprintf("String[%s]", n.Value) }
func (n *StringLit) Loc() lex.Location { return n.loc }
func (n *StringLit) Meta() Metadata    { return n.meta }
func (n *StringLit) node()             {}

// IntLit is an integer literal.
type IntLit struct {
	Value int64
	loc   lex.Location
	meta  Metadata
}

func (n *IntLit) String() string    { return fmt.Sprintf("Int[%d]", n.Value) }
func (n *IntLit) Loc() lex.Location { return n.loc }
func (n *IntLit) Meta() Metadata    { return n.meta }
func (n *IntLit) node()             {}

// DecimalLit is a decimal literal.
type DecimalLit struct {
	Value float64
	loc   lex.Location
	meta  Metadata
}

func (n *DecimalLit) String() string    { return fmt.Sprintf("Decimal[%v]", n.Value) }
func (n *DecimalLit) Loc() lex.Location { return n.loc }
func (n *DecimalLit) Meta() Metadata    { return n.meta }
func (n *DecimalLit) node()             {}

// BoolLit is "true" or "false".
type BoolLit struct {
	Value bool
	loc   lex.Location
	meta  Metadata
}

func (n *BoolLit) String() string    { return fmt.Sprintf("Bool[%t]", n.Value) }
func (n *BoolLit) Loc() lex.Location { return n.loc }
func (n *BoolLit) Meta() Metadata    { return n.meta }
func (n *BoolLit) node()             {}

// DateLit is a "@2024-01-01" style literal. Raw keeps the source text minus
// the "@" so the generated SQL can compare it lexically.
type DateLit struct {
	Value time.Time
	Raw   string
	loc   lex.Location
	meta  Metadata
}

func (n *DateLit) String() string    { return fmt.Sprintf("Date[%s]", n.Raw) }
func (n *DateLit) Loc() lex.Location { return n.loc }
func (n *DateLit) Meta() Metadata    { return n.meta }
func (n *DateLit) node()             {}

// DateTimeLit is a "@2024-01-01T12:30:00Z" style literal.
type DateTimeLit struct {
	Value time.Time
	Raw   string
	loc   lex.Location
	meta  Metadata
}

func (n *DateTimeLit) String() string    { return fmt.Sprintf("DateTime[%s]", n.Raw) }
func (n *DateTimeLit) Loc() lex.Location { return n.loc }
func (n *DateTimeLit) Meta() Metadata    { return n.meta }
func (n *DateTimeLit) node()             {}

// TimeLit is a "@T14:30" style time-of-day literal.
type TimeLit struct {
	Value time.Time
	Raw   string
	loc   lex.Location
	meta  Metadata
}

func (n *TimeLit) String() string    { return fmt.Sprintf("Time[%s]", n.Raw) }
func (n *TimeLit) Loc() lex.Location { return n.loc }
func (n *TimeLit) Meta() Metadata    { return n.meta }
func (n *TimeLit) node()             {}

// QuantityLit is a number with a unit, e.g. "5 'mg'" or "2 weeks".
type QuantityLit struct {
	Value float64
	Unit  string
	loc   lex.Location
	meta  Metadata
}

func (n *QuantityLit) String() string    { return fmt.Sprintf("Quantity[%v %s]", n.Value, n.Unit) }
func (n *QuantityLit) Loc() lex.Location { return n.loc }
func (n *QuantityLit) Meta() Metadata    { return n.meta }
func (n *QuantityLit) node()             {}

// CollectionLit is a braced list of expressions. "{}" is the empty
// collection.
type CollectionLit struct {
	Items []Node
	loc   lex.Location
	meta  Metadata
}

func (n *CollectionLit) String() string {
	items := make([]string, len(n.Items))
	for i, item := range n.Items {
		items[i] = item.String()
	}
	return fmt.Sprintf("Collection[%s]", strings.Join(items, ", "))
}
func (n *CollectionLit) Loc() lex.Location { return n.loc }
func (n *CollectionLit) Meta() Metadata    { return n.meta }
func (n *CollectionLit) node()             {}

// UnaryOp identifies a prefix operator.
type UnaryOp int

const (
	OpNeg UnaryOp = iota
	OpPos
	OpNot
)

var unaryNames = map[UnaryOp]string{
	OpNeg: "-",
	OpPos: "+",
	OpNot: "not",
}

func (op UnaryOp) String() string { return unaryNames[op] }

// Unary is a prefix operation: negation, identity plus or logical not.
type Unary struct {
	Op      UnaryOp
	Operand Node
	loc     lex.Location
	meta    Metadata
}

func (n *Unary) String() string    { return fmt.Sprintf("Unary[%s %s]", n.Op, n.Operand) }
func (n *Unary) Loc() lex.Location { return n.loc }
func (n *Unary) Meta() Metadata    { return n.meta }
func (n *Unary) node()             {}

// BinaryOp identifies an infix operator.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpIntDiv
	OpMod
	OpConcat
	OpEq
	OpNe
	OpLt
	OpGt
	OpLe
	OpGe
	OpAnd
	OpOr
	OpXor
	OpImplies
	OpIn
	OpContains
)

var binaryNames = map[BinaryOp]string{
	OpAdd:      "+",
	OpSub:      "-",
	OpMul:      "*",
	OpDiv:      "/",
	OpIntDiv:   "div",
	OpMod:      "mod",
	OpConcat:   "&",
	OpEq:       "=",
	OpNe:       "!=",
	OpLt:       "<",
	OpGt:       ">",
	OpLe:       "<=",
	OpGe:       ">=",
	OpAnd:      "and",
	OpOr:       "or",
	OpXor:      "xor",
	OpImplies:  "implies",
	OpIn:       "in",
	OpContains: "contains",
}

func (op BinaryOp) String() string { return binaryNames[op] }

// Binary is an infix operation over two operands.
type Binary struct {
	Op    BinaryOp
	Left  Node
	Right Node
	loc   lex.Location
	meta  Metadata
}

func (n *Binary) String() string {
	return fmt.Sprintf("Binary[%s %s %s]", n.Left, n.Op, n.Right)
}
func (n *Binary) Loc() lex.Location { return n.loc }
func (n *Binary) Meta() Metadata    { return n.meta }
func (n *Binary) node()             {}

// MemberAccess is a path step: "target.name".
type MemberAccess struct {
	Target Node
	Name   string
	loc    lex.Location
	meta   Metadata
}

func (n *MemberAccess) String() string    { return fmt.Sprintf("Member[%s.%s]", n.Target, n.Name) }
func (n *MemberAccess) Loc() lex.Location { return n.loc }
func (n *MemberAccess) Meta() Metadata    { return n.meta }
func (n *MemberAccess) node()             {}

// IndexAccess picks one element of a collection by zero-based position:
// "target[index]".
type IndexAccess struct {
	Target Node
	Index  Node
	loc    lex.Location
	meta   Metadata
}

func (n *IndexAccess) String() string    { return fmt.Sprintf("Index[%s[%s]]", n.Target, n.Index) }
func (n *IndexAccess) Loc() lex.Location { return n.loc }
func (n *IndexAccess) Meta() Metadata    { return n.meta }
func (n *IndexAccess) node()             {}

// Invocation is a function or method call with ordered arguments. Target is
// nil for a free-standing call.
type Invocation struct {
	Target Node
	Name   string
	Args   []Node
	loc    lex.Location
	meta   Metadata
}

func (n *Invocation) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	if n.Target == nil {
		return fmt.Sprintf("Call[%s(%s)]", n.Name, strings.Join(args, ", "))
	}
	return fmt.Sprintf("Call[%s.%s(%s)]", n.Target, n.Name, strings.Join(args, ", "))
}
func (n *Invocation) Loc() lex.Location { return n.loc }
func (n *Invocation) Meta() Metadata    { return n.meta }
func (n *Invocation) node()             {}

// TypeFilter narrows a polymorphic element to one concrete type, written
// either "expr.ofType(TypeName)" or "expr as TypeName".
type TypeFilter struct {
	Target   Node
	TypeName string
	loc      lex.Location
	meta     Metadata
}

func (n *TypeFilter) String() string    { return fmt.Sprintf("TypeFilter[%s as %s]", n.Target, n.TypeName) }
func (n *TypeFilter) Loc() lex.Location { return n.loc }
func (n *TypeFilter) Meta() Metadata    { return n.meta }
func (n *TypeFilter) node()             {}
