// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package parse builds the expression tree from a token stream. Each grammar
// level is a dedicated method; binary operators are handled by a single
// precedence-climbing method driven by a static precedence table.
package parse

import (
	"fmt"
	"time"

	"github.com/fhirql/fhirql/internal/lex"
	"github.com/fhirql/fhirql/schema"
)

// Error is a grammar violation. The parser fails on the first one; no partial
// tree is returned.
type Error struct {
	Msg string
	Loc lex.Location
	// Suggestion is an optional hint about the likely fix.
	Suggestion string
}

func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Loc, e.Msg, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Loc, e.Msg)
}

type infixOp struct {
	op   BinaryOp
	prec int
}

// infixOf returns the infix operator a token introduces, if any. Keyword
// operators are matched on their raw text. Higher precedence binds tighter;
// all infix operators are left-associative.
func infixOf(t lex.Token) (infixOp, bool) {
	switch t.Kind {
	case lex.Star:
		return infixOp{OpMul, 70}, true
	case lex.Slash:
		return infixOp{OpDiv, 70}, true
	case lex.Plus:
		return infixOp{OpAdd, 60}, true
	case lex.Minus:
		return infixOp{OpSub, 60}, true
	case lex.Ampersand:
		return infixOp{OpConcat, 60}, true
	case lex.Lt:
		return infixOp{OpLt, 50}, true
	case lex.Gt:
		return infixOp{OpGt, 50}, true
	case lex.Le:
		return infixOp{OpLe, 50}, true
	case lex.Ge:
		return infixOp{OpGe, 50}, true
	case lex.Eq:
		return infixOp{OpEq, 40}, true
	case lex.Ne:
		return infixOp{OpNe, 40}, true
	case lex.Keyword:
		switch t.Raw {
		case "div":
			return infixOp{OpIntDiv, 70}, true
		case "mod":
			return infixOp{OpMod, 70}, true
		case "in":
			return infixOp{OpIn, 30}, true
		case "contains":
			return infixOp{OpContains, 30}, true
		case "and":
			return infixOp{OpAnd, 20}, true
		case "or":
			return infixOp{OpOr, 10}, true
		case "xor":
			return infixOp{OpXor, 10}, true
		case "implies":
			return infixOp{OpImplies, 5}, true
		}
	}
	return infixOp{}, false
}

// singleValuedFunctions are the built-in calls known to reduce their input to
// at most one value per record.
var singleValuedFunctions = map[string]Cardinality{
	"first":  Optional,
	"last":   Optional,
	"exists": Single,
	"empty":  Single,
	"count":  Single,
	"sum":    Single,
	"avg":    Single,
	"min":    Single,
	"max":    Single,
	"not":    Single,
}

// collectionFunctions are the built-in calls that keep yielding a collection.
var collectionFunctions = map[string]bool{
	"where":  true,
	"select": true,
}

// Parse consumes a token stream, as produced by one Tokenize call with its
// trailing EOF token, and returns the root of the expression tree.
func Parse(tokens []lex.Token) (Node, error) {
	return ParseWithSchema(tokens, nil)
}

// ParseWithSchema is Parse with an optional type schema. When present the
// schema narrows the metadata of path steps; it never rejects an expression.
func ParseWithSchema(tokens []lex.Token, sch *schema.Schema) (Node, error) {
	p := &parser{tokens: tokens, schema: sch}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if t := p.current(); t.Kind != lex.EOF {
		return nil, p.errorf(t.Loc, "unexpected %s after expression", describe(t))
	}
	return root, nil
}

type parser struct {
	tokens []lex.Token
	pos    int
	schema *schema.Schema
}

// current returns the token under the cursor. The cursor is never advanced
// past the EOF token.
func (p *parser) current() lex.Token {
	if p.pos >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos]
}

func (p *parser) advance() lex.Token {
	t := p.current()
	if t.Kind != lex.EOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(loc lex.Location, format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...), Loc: loc}
}

// expect consumes a token of the wanted kind or fails naming both the
// expected and the found token.
func (p *parser) expect(kind lex.Kind) (lex.Token, error) {
	t := p.current()
	if t.Kind != kind {
		err := &Error{
			Msg: fmt.Sprintf("expected %s, found %s", kind, describe(t)),
			Loc: t.Loc,
		}
		if kind == lex.RParen || kind == lex.RBracket || kind == lex.RBrace {
			err.Suggestion = "check for a missing closing delimiter"
		}
		return t, err
	}
	return p.advance(), nil
}

func describe(t lex.Token) string {
	if t.Kind == lex.EOF {
		return "end of input"
	}
	return fmt.Sprintf("%s %q", t.Kind, t.Raw)
}

// parseExpr parses a binary expression with precedence climbing: operators
// binding weaker than minPrec are left for the caller. Left-associativity
// comes from recursing with prec+1 on the right operand.
func (p *parser) parseExpr(minPrec int) (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := infixOf(p.current())
		if !ok || op.prec < minPrec {
			return left, nil
		}
		opTok := p.advance()
		right, err := p.parseExpr(op.prec + 1)
		if err != nil {
			return nil, err
		}
		left = &Binary{
			Op:    op.op,
			Left:  left,
			Right: right,
			loc:   opTok.Loc,
			meta: Metadata{
				Cardinality:  combineCardinality(left, right),
				Complexity:   sumComplexity(left, right),
				Dependencies: mergeDeps(left, right),
			},
		}
	}
}

func (p *parser) parseUnary() (Node, error) {
	t := p.current()
	var op UnaryOp
	switch {
	case t.Kind == lex.Minus:
		op = OpNeg
	case t.Kind == lex.Plus:
		op = OpPos
	case t.Kind == lex.Keyword && t.Raw == "not":
		op = OpNot
	default:
		return p.parsePostfix()
	}
	p.advance()
	operand, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &Unary{
		Op:      op,
		Operand: operand,
		loc:     t.Loc,
		meta: Metadata{
			Cardinality:  operand.Meta().Cardinality,
			Complexity:   sumComplexity(operand),
			Dependencies: mergeDeps(operand),
		},
	}, nil
}

// memberName consumes the name after a dot. Keywords are legal member and
// method names in this position: records carry fields like "div" and the
// boolean method is spelled "not()".
func (p *parser) memberName() (lex.Token, error) {
	if t := p.current(); t.Kind == lex.Keyword {
		t = p.advance()
		t.Value = t.Raw
		return t, nil
	}
	return p.expect(lex.Ident)
}

// parsePostfix parses a primary expression followed by any number of path
// steps, index accesses, method calls and "as" casts. These bind tighter
// than every operator.
func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch t := p.current(); {
		case t.Kind == lex.Dot:
			p.advance()
			name, err := p.memberName()
			if err != nil {
				return nil, err
			}
			if p.current().Kind == lex.LParen {
				node, err = p.parseInvocation(node, name)
				if err != nil {
					return nil, err
				}
			} else {
				node = p.memberAccess(node, name)
			}
		case t.Kind == lex.LBracket:
			p.advance()
			index, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lex.RBracket); err != nil {
				return nil, err
			}
			node = &IndexAccess{
				Target: node,
				Index:  index,
				loc:    t.Loc,
				meta: Metadata{
					Cardinality:  Optional,
					DeclaredType: node.Meta().DeclaredType,
					Complexity:   sumComplexity(node, index),
					Dependencies: mergeDeps(node, index),
				},
			}
		case t.Kind == lex.Keyword && t.Raw == "as":
			p.advance()
			name, err := p.expect(lex.Ident)
			if err != nil {
				return nil, err
			}
			node = p.typeFilter(node, name.Value.(string), t.Loc)
		default:
			return node, nil
		}
	}
}

// parseInvocation parses an argument list for a call on target (nil for a
// free-standing call). The opening parenthesis is still under the cursor.
func (p *parser) parseInvocation(target Node, name lex.Token) (Node, error) {
	open := p.advance() // "("
	var args []Node
	if p.current().Kind != lex.RParen {
		for {
			arg, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.current().Kind != lex.Comma {
				break
			}
			p.advance()
		}
	}
	if _, err := p.expect(lex.RParen); err != nil {
		return nil, err
	}

	funcName := name.Value.(string)
	if funcName == "ofType" && target != nil {
		if len(args) != 1 {
			return nil, p.errorf(open.Loc, "ofType takes exactly one type name, got %d arguments", len(args))
		}
		typeName, ok := args[0].(*Ident)
		if !ok {
			return nil, p.errorf(args[0].Loc(), "ofType argument must be a type name")
		}
		return p.typeFilter(target, typeName.Name, name.Loc), nil
	}

	cardinality := Unknown
	if c, ok := singleValuedFunctions[funcName]; ok {
		cardinality = c
	} else if collectionFunctions[funcName] {
		cardinality = Collection
	}
	all := append([]Node{target}, args...)
	return &Invocation{
		Target: target,
		Name:   funcName,
		Args:   args,
		loc:    name.Loc,
		meta: Metadata{
			Cardinality:  cardinality,
			Complexity:   sumComplexity(all...),
			Dependencies: mergeDeps(all...),
		},
	}, nil
}

// memberAccess builds a path-step node. When a schema is present and knows
// the target's type, it narrows the step's cardinality and declared type.
func (p *parser) memberAccess(target Node, name lex.Token) Node {
	stepName := name.Value.(string)
	meta := Metadata{
		Cardinality:  Unknown,
		Complexity:   sumComplexity(target),
		Dependencies: mergeDeps(target),
	}
	if elem, ok := p.schema.Lookup(target.Meta().DeclaredType, stepName); ok {
		meta.DeclaredType = elem.Type
		if elem.Collection {
			meta.Cardinality = Collection
		} else {
			meta.Cardinality = Optional
		}
	}
	return &MemberAccess{Target: target, Name: stepName, loc: name.Loc, meta: meta}
}

func (p *parser) typeFilter(target Node, typeName string, loc lex.Location) Node {
	return &TypeFilter{
		Target:   target,
		TypeName: typeName,
		loc:      loc,
		meta: Metadata{
			Cardinality:  target.Meta().Cardinality,
			DeclaredType: typeName,
			Complexity:   sumComplexity(target),
			Dependencies: mergeDeps(target),
		},
	}
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.current()
	switch t.Kind {
	case lex.Ident:
		p.advance()
		if p.current().Kind == lex.LParen {
			return p.parseInvocation(nil, t)
		}
		name := t.Value.(string)
		meta := Metadata{Cardinality: Unknown, Complexity: 1}
		if p.schema.HasType(name) {
			meta.Cardinality = Single
			meta.DeclaredType = name
		}
		return &Ident{Name: name, loc: t.Loc, meta: meta}, nil
	case lex.External:
		p.advance()
		name := t.Value.(string)
		return &ExternalRef{
			Name: name,
			loc:  t.Loc,
			meta: Metadata{Cardinality: Unknown, Complexity: 1, Dependencies: []string{name}},
		}, nil
	case lex.String:
		p.advance()
		return &StringLit{Value: t.Value.(string), loc: t.Loc, meta: literalMeta()}, nil
	case lex.Integer:
		p.advance()
		return &IntLit{Value: t.Value.(int64), loc: t.Loc, meta: literalMeta()}, nil
	case lex.Decimal:
		p.advance()
		return &DecimalLit{Value: t.Value.(float64), loc: t.Loc, meta: literalMeta()}, nil
	case lex.Boolean:
		p.advance()
		return &BoolLit{Value: t.Value.(bool), loc: t.Loc, meta: literalMeta()}, nil
	case lex.Date:
		p.advance()
		return &DateLit{Value: t.Value.(time.Time), Raw: t.Raw[1:], loc: t.Loc, meta: literalMeta()}, nil
	case lex.DateTime:
		p.advance()
		return &DateTimeLit{Value: t.Value.(time.Time), Raw: t.Raw[1:], loc: t.Loc, meta: literalMeta()}, nil
	case lex.Time:
		p.advance()
		return &TimeLit{Value: t.Value.(time.Time), Raw: t.Raw[2:], loc: t.Loc, meta: literalMeta()}, nil
	case lex.Quantity:
		p.advance()
		q := t.Value.(lex.Qty)
		return &QuantityLit{Value: q.Value, Unit: q.Unit, loc: t.Loc, meta: literalMeta()}, nil
	case lex.LParen:
		p.advance()
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.RParen); err != nil {
			return nil, err
		}
		return inner, nil
	case lex.LBrace:
		return p.parseCollection()
	}
	return nil, p.errorf(t.Loc, "unexpected %s at start of expression", describe(t))
}

func literalMeta() Metadata {
	return Metadata{Cardinality: Single, Complexity: 1}
}

// parseCollection parses a braced expression list. "{}" is the empty
// collection.
func (p *parser) parseCollection() (Node, error) {
	open := p.advance() // "{"
	var items []Node
	if p.current().Kind != lex.RBrace {
		for {
			item, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if p.current().Kind != lex.Comma {
				break
			}
			p.advance()
		}
	}
	if _, err := p.expect(lex.RBrace); err != nil {
		return nil, err
	}
	return &CollectionLit{
		Items: items,
		loc:   open.Loc,
		meta: Metadata{
			Cardinality:  Collection,
			Complexity:   sumComplexity(items...),
			Dependencies: mergeDeps(items...),
		},
	}, nil
}
