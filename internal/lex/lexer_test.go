// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package lex_test

import (
	"testing"
	"time"

	"github.com/fhirql/fhirql/internal/lex"
	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func TestLex(t *testing.T) { TestingT(t) }

type LexSuite struct{}

var _ = Suite(&LexSuite{})

// kinds drops the trailing EOF token and returns the kinds of the rest.
func kinds(ts []lex.Token) []lex.Kind {
	ts = ts[:len(ts)-1]
	ks := make([]lex.Kind, len(ts))
	for i, t := range ts {
		ks[i] = t.Kind
	}
	return ks
}

func (s *LexSuite) TestTokenKinds(c *C) {
	tests := []struct {
		summary string
		input   string
		kinds   []lex.Kind
	}{{
		"path steps",
		"Patient.name.given",
		[]lex.Kind{lex.Ident, lex.Dot, lex.Ident, lex.Dot, lex.Ident},
	}, {
		"invocation with string argument",
		"name.where(use = 'official')",
		[]lex.Kind{lex.Ident, lex.Dot, lex.Ident, lex.LParen, lex.Ident, lex.Eq, lex.String, lex.RParen},
	}, {
		"index access",
		"name[0]",
		[]lex.Kind{lex.Ident, lex.LBracket, lex.Integer, lex.RBracket},
	}, {
		"empty collection literal",
		"{}",
		[]lex.Kind{lex.LBrace, lex.RBrace},
	}, {
		"boolean and keyword operators",
		"active and deceased or true",
		[]lex.Kind{lex.Ident, lex.Keyword, lex.Ident, lex.Keyword, lex.Boolean},
	}, {
		"multi-character operators before prefixes",
		"a <= b >= c != d < e > f = g",
		[]lex.Kind{lex.Ident, lex.Le, lex.Ident, lex.Ge, lex.Ident, lex.Ne,
			lex.Ident, lex.Lt, lex.Ident, lex.Gt, lex.Ident, lex.Eq, lex.Ident},
	}, {
		"arithmetic",
		"1 + 2.5 * 3 div 4 mod 5 - 6 / 7",
		[]lex.Kind{lex.Integer, lex.Plus, lex.Decimal, lex.Star, lex.Integer,
			lex.Keyword, lex.Integer, lex.Keyword, lex.Integer, lex.Minus,
			lex.Integer, lex.Slash, lex.Integer},
	}, {
		"quantity with quoted unit",
		"5 'mg'",
		[]lex.Kind{lex.Quantity},
	}, {
		"quantity with calendar unit",
		"2 weeks",
		[]lex.Kind{lex.Quantity},
	}, {
		"number not followed by a unit stays a number",
		"5 something",
		[]lex.Kind{lex.Integer, lex.Ident},
	}, {
		"external reference",
		"%base and active",
		[]lex.Kind{lex.External, lex.Keyword, lex.Ident},
	}, {
		"string concatenation",
		"given & ' ' & family",
		[]lex.Kind{lex.Ident, lex.Ampersand, lex.String, lex.Ampersand, lex.Ident},
	}}

	for _, t := range tests {
		toks, err := lex.Tokenize(t.input)
		c.Assert(err, IsNil, Commentf("test %q", t.summary))
		c.Assert(kinds(toks), DeepEquals, t.kinds, Commentf("test %q", t.summary))
	}
}

func (s *LexSuite) TestStringEscapes(c *C) {
	toks, err := lex.Tokenize(`'it\'s ok'`)
	c.Assert(err, IsNil)
	c.Assert(toks, HasLen, 2)
	c.Assert(toks[0].Kind, Equals, lex.String)
	c.Assert(toks[0].Value, Equals, "it's ok")

	toks, err = lex.Tokenize(`'a\tb\ncA'`)
	c.Assert(err, IsNil)
	c.Assert(toks[0].Value, Equals, "a\tb\ncA")

	toks, err = lex.Tokenize(`'back\\slash \/ \f \r'`)
	c.Assert(err, IsNil)
	c.Assert(toks[0].Value, Equals, "back\\slash / \f \r")
}

func (s *LexSuite) TestStringErrors(c *C) {
	_, err := lex.Tokenize("'unterminated")
	c.Assert(err, ErrorMatches, "line 1, column 1: unterminated string literal")

	_, err = lex.Tokenize(`'bad \q escape'`)
	c.Assert(err, ErrorMatches, `line 1, column 6: invalid escape sequence "\\\\q"`)

	_, err = lex.Tokenize(`'bad \uZZZZ'`)
	c.Assert(err, ErrorMatches, `line 1, column 6: invalid unicode escape sequence "\\\\uZZZZ"`)
}

func (s *LexSuite) TestUnrecognizedCharacter(c *C) {
	_, err := lex.Tokenize("a ^ b")
	c.Assert(err, ErrorMatches, `line 1, column 3: unrecognized character '\^'`)

	_, err = lex.Tokenize("a ! b")
	c.Assert(err, ErrorMatches, `line 1, column 3: unrecognized character '!'`)
}

func (s *LexSuite) TestDateTimeLiterals(c *C) {
	toks, err := lex.Tokenize("@2024-01-01T12:30:00Z")
	c.Assert(err, IsNil)
	c.Assert(toks, HasLen, 2)
	c.Assert(toks[0].Kind, Equals, lex.DateTime)
	c.Assert(toks[0].Value, Equals, time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC))

	toks, err = lex.Tokenize("@2024-03-15")
	c.Assert(err, IsNil)
	c.Assert(toks[0].Kind, Equals, lex.Date)
	c.Assert(toks[0].Value, Equals, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))

	toks, err = lex.Tokenize("@2024")
	c.Assert(err, IsNil)
	c.Assert(toks[0].Kind, Equals, lex.Date)
	c.Assert(toks[0].Value, Equals, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	toks, err = lex.Tokenize("@T14:30:05")
	c.Assert(err, IsNil)
	c.Assert(toks[0].Kind, Equals, lex.Time)
	tv := toks[0].Value.(time.Time)
	c.Assert(tv.Hour(), Equals, 14)
	c.Assert(tv.Minute(), Equals, 30)
	c.Assert(tv.Second(), Equals, 5)
}

func (s *LexSuite) TestQuantityValues(c *C) {
	toks, err := lex.Tokenize("5 'mg'")
	c.Assert(err, IsNil)
	c.Assert(toks[0].Value, Equals, lex.Qty{Value: 5, Unit: "mg"})
	c.Assert(toks[0].Raw, Equals, "5 'mg'")

	toks, err = lex.Tokenize("2.5 years")
	c.Assert(err, IsNil)
	c.Assert(toks[0].Value, Equals, lex.Qty{Value: 2.5, Unit: "year"})
}

func (s *LexSuite) TestLocations(c *C) {
	toks, err := lex.Tokenize("name\n  .given")
	c.Assert(err, IsNil)
	c.Assert(toks[0].Loc, Equals, lex.Location{Line: 1, Column: 1, Offset: 0})
	c.Assert(toks[1].Loc, Equals, lex.Location{Line: 2, Column: 3, Offset: 7})
	c.Assert(toks[2].Loc, Equals, lex.Location{Line: 2, Column: 4, Offset: 8})
}

func (s *LexSuite) TestNumericValues(c *C) {
	toks, err := lex.Tokenize("42 3.14")
	c.Assert(err, IsNil)
	c.Assert(toks[0].Value, Equals, int64(42))
	c.Assert(toks[1].Value, Equals, 3.14)
}

func (s *LexSuite) TestEmptyInput(c *C) {
	toks, err := lex.Tokenize("   \n\t ")
	c.Assert(err, IsNil)
	c.Assert(toks, HasLen, 1)
	c.Assert(toks[0].Kind, Equals, lex.EOF)
}
