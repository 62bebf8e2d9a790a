// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package parse_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/fhirql/fhirql/internal/lex"
	"github.com/fhirql/fhirql/internal/parse"
	"github.com/fhirql/fhirql/schema"
)

func TestParse(t *testing.T) { TestingT(t) }

type ParseSuite struct{}

var _ = Suite(&ParseSuite{})

func mustParse(c *C, src string) parse.Node {
	toks, err := lex.Tokenize(src)
	c.Assert(err, IsNil)
	root, err := parse.Parse(toks)
	c.Assert(err, IsNil)
	return root
}

func (s *ParseSuite) TestTreeShapes(c *C) {
	// Cases with complex expected output rendered inline.
	tests := map[string]string{
		"Patient.name.given":           "Member[Member[Ident[Patient].name].given]",
		"a + b * c":                    "Binary[Ident[a] + Binary[Ident[b] * Ident[c]]]",
		"a - b - c":                    "Binary[Binary[Ident[a] - Ident[b]] - Ident[c]]",
		"(a + b) * c":                  "Binary[Binary[Ident[a] + Ident[b]] * Ident[c]]",
		"a and b or c":                 "Binary[Binary[Ident[a] and Ident[b]] or Ident[c]]",
		"x > 1 and y < 2":              "Binary[Binary[Ident[x] > Int[1]] and Binary[Ident[y] < Int[2]]]",
		"a = b in c":                   "Binary[Binary[Ident[a] = Ident[b]] in Ident[c]]",
		"a or b implies c":             "Binary[Binary[Ident[a] or Ident[b]] implies Ident[c]]",
		"-a + b":                       "Binary[Unary[- Ident[a]] + Ident[b]]",
		"not a and b":                  "Binary[Unary[not Ident[a]] and Ident[b]]",
		"name.where(use = 'official')": "Call[Ident[name].where(Binary[Ident[use] = String[official]])]",
		"name.given.first()":           "Call[Member[Ident[name].given].first()]",
		"name[0].family":               "Member[Index[Ident[name][Int[0]]].family]",
		"value.ofType(Quantity)":       "TypeFilter[Ident[value] as Quantity]",
		"value as Quantity > 5":        "Binary[TypeFilter[Ident[value] as Quantity] > Int[5]]",
		"{}":                           "Collection[]",
		"{1, 2, 3}":                    "Collection[Int[1], Int[2], Int[3]]",
		"given & ' ' & family":         "Binary[Binary[Ident[given] & String[ ]] & Ident[family]]",
		"a div b mod c":                "Binary[Binary[Ident[a] div Ident[b]] mod Ident[c]]",
	}
	for input, want := range tests {
		root := mustParse(c, input)
		c.Assert(root.String(), Equals, want, Commentf("input: %s", input))
	}
}

func (s *ParseSuite) TestParseErrors(c *C) {
	tests := []struct {
		summary string
		input   string
		err     string
	}{{
		summary: "unterminated parenthesis at end of input",
		input:   "(",
		err:     `line 1, column 2: unexpected end of input at start of expression`,
	}, {
		summary: "missing closing parenthesis carries a suggestion",
		input:   "(a + b",
		err:     `line 1, column 7: expected "\)", found end of input \(check for a missing closing delimiter\)`,
	}, {
		summary: "missing argument delimiter",
		input:   "name.where(use = 'official'",
		err:     `line 1, column 28: expected "\)", found end of input \(check for a missing closing delimiter\)`,
	}, {
		summary: "missing closing bracket",
		input:   "name[0",
		err:     `line 1, column 7: expected "\]", found end of input \(check for a missing closing delimiter\)`,
	}, {
		summary: "trailing token after expression",
		input:   "a b",
		err:     `line 1, column 3: unexpected identifier "b" after expression`,
	}, {
		summary: "operator without operand",
		input:   "a + ",
		err:     `line 1, column 5: unexpected end of input at start of expression`,
	}, {
		summary: "missing name after dot",
		input:   "name.",
		err:     `line 1, column 6: expected identifier, found end of input`,
	}}
	for _, t := range tests {
		toks, err := lex.Tokenize(t.input)
		c.Assert(err, IsNil, Commentf("test %q", t.summary))
		_, err = parse.Parse(toks)
		c.Assert(err, ErrorMatches, t.err, Commentf("test %q", t.summary))
		_, ok := err.(*parse.Error)
		c.Assert(ok, Equals, true, Commentf("test %q", t.summary))
	}
}

func (s *ParseSuite) TestIdempotence(c *C) {
	const src = "Patient.name.where(use = 'official').given.first()"
	first := mustParse(c, src)
	second := mustParse(c, src)
	c.Assert(second.String(), Equals, first.String())
	c.Assert(second, DeepEquals, first)
}

func (s *ParseSuite) TestMetadataWithoutSchema(c *C) {
	root := mustParse(c, "Patient.name")
	c.Assert(root.Meta().Cardinality, Equals, parse.Unknown)
	c.Assert(root.Meta().DeclaredType, Equals, "")
}

func (s *ParseSuite) TestMetadataWithSchema(c *C) {
	doc := []byte(`
Patient:
  name:
    type: HumanName
    collection: true
  birthDate:
    type: date
HumanName:
  family:
    type: string
`)
	sch, err := schema.Parse(doc)
	c.Assert(err, IsNil)

	toks, err := lex.Tokenize("Patient.name")
	c.Assert(err, IsNil)
	root, err := parse.ParseWithSchema(toks, sch)
	c.Assert(err, IsNil)
	c.Assert(root.Meta().Cardinality, Equals, parse.Collection)
	c.Assert(root.Meta().DeclaredType, Equals, "HumanName")

	toks, err = lex.Tokenize("Patient.birthDate")
	c.Assert(err, IsNil)
	root, err = parse.ParseWithSchema(toks, sch)
	c.Assert(err, IsNil)
	c.Assert(root.Meta().Cardinality, Equals, parse.Optional)
	c.Assert(root.Meta().DeclaredType, Equals, "date")
}

func (s *ParseSuite) TestLiteralMetadata(c *C) {
	for _, src := range []string{"5", "2.5", "'x'", "true", "@2024-01-01"} {
		root := mustParse(c, src)
		c.Assert(root.Meta().Cardinality, Equals, parse.Single, Commentf("input: %s", src))
		c.Assert(root.Meta().Complexity, Equals, 1, Commentf("input: %s", src))
	}
}

func (s *ParseSuite) TestFunctionCardinality(c *C) {
	tests := map[string]parse.Cardinality{
		"name.where(use = 'x')": parse.Collection,
		"name.select(given)":    parse.Collection,
		"name.first()":          parse.Optional,
		"name.last()":           parse.Optional,
		"name.exists()":         parse.Single,
		"name.empty()":          parse.Single,
		"name.count()":          parse.Single,
		"name.frobnicate()":     parse.Unknown,
	}
	for input, want := range tests {
		root := mustParse(c, input)
		c.Assert(root.Meta().Cardinality, Equals, want, Commentf("input: %s", input))
	}
}

func (s *ParseSuite) TestKeywordMemberNames(c *C) {
	// Keywords are legal member and method names after a dot: records carry
	// fields like "div", and the boolean method is spelled "not()".
	root := mustParse(c, "Patient.active.not()")
	c.Assert(root.String(), Equals, "Call[Member[Ident[Patient].active].not()]")

	root = mustParse(c, "report.text.div")
	c.Assert(root.String(), Equals, "Member[Member[Ident[report].text].div]")
}

func (s *ParseSuite) TestOperandCardinality(c *C) {
	// A collection operand makes the combination collection valued; plain
	// scalar operands keep the result single valued.
	tests := map[string]parse.Cardinality{
		"1 + 2":                       parse.Single,
		"name.count() = 2":            parse.Single,
		"name.given = 'Jim'":          parse.Unknown,
		"name.where(use = 'x') = 'y'": parse.Collection,
		"name.first() = 'x'":          parse.Optional,
		"not name.exists()":           parse.Single,
	}
	for input, want := range tests {
		root := mustParse(c, input)
		c.Assert(root.Meta().Cardinality, Equals, want, Commentf("input: %s", input))
	}
}

func (s *ParseSuite) TestComplexityGrows(c *C) {
	simple := mustParse(c, "name")
	nested := mustParse(c, "name.where(use = 'official').first()")
	c.Assert(simple.Meta().Complexity, Equals, 1)
	c.Assert(nested.Meta().Complexity > simple.Meta().Complexity, Equals, true)
}

func (s *ParseSuite) TestDependencies(c *C) {
	root := mustParse(c, "%initialPopulation.where(status = 'active') and %denominator.exists()")
	c.Assert(root.Meta().Dependencies, DeepEquals, []string{"denominator", "initialPopulation"})

	plain := mustParse(c, "Patient.name")
	c.Assert(plain.Meta().Dependencies, HasLen, 0)
}

func (s *ParseSuite) TestLocations(c *C) {
	root := mustParse(c, "a + b")
	bin, ok := root.(*parse.Binary)
	c.Assert(ok, Equals, true)
	c.Assert(bin.Loc(), Equals, lex.Location{Line: 1, Column: 3, Offset: 2})
	c.Assert(bin.Left.Loc(), Equals, lex.Location{Line: 1, Column: 1, Offset: 0})
	c.Assert(bin.Right.Loc(), Equals, lex.Location{Line: 1, Column: 5, Offset: 4})
}
