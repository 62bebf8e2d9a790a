// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fhirql/fhirql/internal/lex"
	"github.com/fhirql/fhirql/internal/parse"
)

// renderScalar renders a node as one inline SQL expression relative to the
// element expression base, as used inside filter conditions and projections.
// Only scalar-shaped nodes render inline; navigations that need their own
// subquery do not.
func (g *Generator) renderScalar(node parse.Node, base string) (string, error) {
	switch n := node.(type) {
	case *parse.Ident:
		if base == "" {
			return "", errorf(n.Loc(), "path %q is not allowed in a constant expression", n.Name)
		}
		return g.Dialect.ExtractField(base, n.Name), nil
	case *parse.MemberAccess, *parse.TypeFilter:
		if base == "" {
			return "", errorf(node.Loc(), "path is not allowed in a constant expression")
		}
		path, err := scalarPath(node)
		if err != nil {
			return "", err
		}
		return g.Dialect.ExtractField(base, path), nil
	case *parse.StringLit:
		return quoteString(n.Value), nil
	case *parse.IntLit:
		return strconv.FormatInt(n.Value, 10), nil
	case *parse.DecimalLit:
		return strconv.FormatFloat(n.Value, 'g', -1, 64), nil
	case *parse.BoolLit:
		if n.Value {
			return "TRUE", nil
		}
		return "FALSE", nil
	case *parse.DateLit:
		return quoteString(n.Raw), nil
	case *parse.DateTimeLit:
		return quoteString(n.Raw), nil
	case *parse.TimeLit:
		return quoteString(n.Raw), nil
	case *parse.QuantityLit:
		return strconv.FormatFloat(n.Value, 'g', -1, 64), nil
	case *parse.Unary:
		operand, err := g.renderScalar(n.Operand, base)
		if err != nil {
			return "", err
		}
		switch n.Op {
		case parse.OpNot:
			return "(NOT " + operand + ")", nil
		case parse.OpNeg:
			return "(-" + operand + ")", nil
		}
		return operand, nil
	case *parse.Binary:
		return g.renderBinaryScalar(n, base)
	case *parse.Invocation:
		return g.renderCallScalar(n, base)
	case *parse.CollectionLit:
		return "", errorf(n.Loc(), "collection literal is only allowed as the right side of in")
	case *parse.ExternalRef:
		return "", errorf(n.Loc(), "expression reference %%%s is not allowed inside a condition", n.Name)
	}
	return "", errorf(node.Loc(), "unsupported expression %s inside a condition", node)
}

func (g *Generator) renderBinaryScalar(n *parse.Binary, base string) (string, error) {
	// Membership against a collection literal becomes an IN list.
	if n.Op == parse.OpIn {
		if items, ok := n.Right.(*parse.CollectionLit); ok {
			return g.renderInList(n.Left, items, base)
		}
	}
	if n.Op == parse.OpContains {
		if items, ok := n.Left.(*parse.CollectionLit); ok {
			return g.renderInList(n.Right, items, base)
		}
	}
	left, err := g.renderScalar(n.Left, base)
	if err != nil {
		return "", err
	}
	right, err := g.renderScalar(n.Right, base)
	if err != nil {
		return "", err
	}
	return combineSQL(n.Op, left, right, n.Loc())
}

func (g *Generator) renderInList(needle parse.Node, items *parse.CollectionLit, base string) (string, error) {
	target, err := g.renderScalar(needle, base)
	if err != nil {
		return "", err
	}
	return g.renderMembership(target, items, base)
}

// renderMembership renders an IN list testing target against a collection
// literal. Membership in the empty collection is always false.
func (g *Generator) renderMembership(target string, items *parse.CollectionLit, base string) (string, error) {
	if len(items.Items) == 0 {
		return "FALSE", nil
	}
	rendered := make([]string, len(items.Items))
	for i, item := range items.Items {
		var err error
		if rendered[i], err = g.renderScalar(item, base); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s IN (%s)", target, strings.Join(rendered, ", ")), nil
}

// renderCallScalar handles the few functions meaningful inside an inline
// condition. Everything else must stand as its own chain step.
func (g *Generator) renderCallScalar(n *parse.Invocation, base string) (string, error) {
	if _, ok := operations[n.Name]; !ok {
		return "", errorf(n.Loc(), "unknown function %q", n.Name)
	}
	if n.Target == nil || len(n.Args) != 0 {
		return "", errorf(n.Loc(), "function %q is not supported inside a condition", n.Name)
	}
	target, err := g.renderScalar(n.Target, base)
	if err != nil {
		return "", err
	}
	switch operations[n.Name] {
	case opExists:
		return "(" + target + " IS NOT NULL)", nil
	case opEmpty:
		return "(" + target + " IS NULL)", nil
	case opNot:
		return "(NOT " + target + ")", nil
	}
	return "", errorf(n.Loc(), "function %q is not supported inside a condition", n.Name)
}

// scalarPath flattens a chain of path steps into a dotted field path. The
// chain must bottom out at a bare identifier; a type filter contributes its
// type-suffixed field.
func scalarPath(node parse.Node) (string, error) {
	switch n := node.(type) {
	case *parse.Ident:
		return n.Name, nil
	case *parse.MemberAccess:
		if root, ok := n.Target.(*parse.Ident); ok {
			return root.Name + "." + n.Name, nil
		}
		prefix, err := scalarPath(n.Target)
		if err != nil {
			return "", err
		}
		return prefix + "." + n.Name, nil
	case *parse.TypeFilter:
		member, ok := n.Target.(*parse.MemberAccess)
		if !ok {
			return "", errorf(n.Loc(), "type filter requires a path step to narrow")
		}
		field := member.Name + upperFirst(n.TypeName)
		if root, ok := member.Target.(*parse.Ident); ok {
			return root.Name + "." + field, nil
		}
		prefix, err := scalarPath(member.Target)
		if err != nil {
			return "", err
		}
		return prefix + "." + field, nil
	}
	return "", errorf(node.Loc(), "cannot use %s as a field path inside a condition", node)
}

// combineSQL renders one infix operation over two already-rendered operands.
// Null operands propagate through every operator, so a missing field drops
// out of comparisons instead of failing.
func combineSQL(op parse.BinaryOp, a, b string, loc lex.Location) (string, error) {
	switch op {
	case parse.OpAdd:
		return fmt.Sprintf("(%s + %s)", a, b), nil
	case parse.OpSub:
		return fmt.Sprintf("(%s - %s)", a, b), nil
	case parse.OpMul:
		return fmt.Sprintf("(%s * %s)", a, b), nil
	case parse.OpDiv:
		// Decimal division regardless of operand types.
		return fmt.Sprintf("(%s * 1.0 / %s)", a, b), nil
	case parse.OpIntDiv:
		return fmt.Sprintf("CAST(%s / %s AS INTEGER)", a, b), nil
	case parse.OpMod:
		return fmt.Sprintf("(%s %% %s)", a, b), nil
	case parse.OpConcat:
		return fmt.Sprintf("(%s || %s)", a, b), nil
	case parse.OpEq:
		return fmt.Sprintf("(%s = %s)", a, b), nil
	case parse.OpNe:
		return fmt.Sprintf("(%s <> %s)", a, b), nil
	case parse.OpLt:
		return fmt.Sprintf("(%s < %s)", a, b), nil
	case parse.OpGt:
		return fmt.Sprintf("(%s > %s)", a, b), nil
	case parse.OpLe:
		return fmt.Sprintf("(%s <= %s)", a, b), nil
	case parse.OpGe:
		return fmt.Sprintf("(%s >= %s)", a, b), nil
	case parse.OpAnd:
		return fmt.Sprintf("(%s AND %s)", a, b), nil
	case parse.OpOr:
		return fmt.Sprintf("(%s OR %s)", a, b), nil
	case parse.OpXor:
		return fmt.Sprintf("(%s <> %s)", a, b), nil
	case parse.OpImplies:
		return fmt.Sprintf("((NOT %s) OR %s)", a, b), nil
	case parse.OpIn, parse.OpContains:
		return "", errorf(loc, "%s requires a collection literal operand", op)
	}
	return "", errorf(loc, "unknown operator %s", op)
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
