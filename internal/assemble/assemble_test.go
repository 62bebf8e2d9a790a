// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package assemble_test

import (
	"strings"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/fhirql/fhirql/dialect"
	"github.com/fhirql/fhirql/internal/assemble"
	"github.com/fhirql/fhirql/internal/codegen"
	"github.com/fhirql/fhirql/internal/lex"
	"github.com/fhirql/fhirql/internal/parse"
)

func TestAssemble(t *testing.T) { TestingT(t) }

type AssembleSuite struct{}

var _ = Suite(&AssembleSuite{})

// chain compiles one named expression with the given generator.
func chain(c *C, g *codegen.Generator, name, src string) *codegen.Chain {
	toks, err := lex.Tokenize(src)
	c.Assert(err, IsNil)
	root, err := parse.Parse(toks)
	c.Assert(err, IsNil)
	ch, err := g.Generate(root)
	c.Assert(err, IsNil)
	ch.Name = name
	return ch
}

func newGenerator() *codegen.Generator {
	return codegen.NewGenerator(dialect.SQLite{}, dialect.RecordSource{}, codegen.NewNamer())
}

func (s *AssembleSuite) TestJoinedPlan(c *C) {
	g := newGenerator()
	chains := []*codegen.Chain{
		chain(c, g, "officialName", "Patient.name.where(use = 'official').first()"),
		chain(c, g, "hasOfficialName", "%officialName.exists()"),
	}
	plan, err := assemble.Assemble(chains, dialect.SQLite{})
	c.Assert(err, IsNil)

	c.Assert(plan.Order, DeepEquals, []string{"officialName", "hasOfficialName"})
	c.Assert(plan.Expressions, HasLen, 2)
	c.Assert(plan.Expressions[0].Name, Equals, "hasOfficialName")
	c.Assert(plan.Expressions[1].Name, Equals, "officialName")

	c.Assert(plan.SQL, Matches, `(?s)WITH .*`)
	c.Assert(plan.SQL, Matches, `(?s).*expr_officialName AS \(.*`)
	c.Assert(plan.SQL, Matches, `(?s).*expr_hasOfficialName AS \(.*`)
	c.Assert(plan.SQL, Matches, `(?s).*LEFT JOIN \S+ AS t_officialName ON t_officialName\.record_id = t_hasOfficialName\.record_id.*`)
	// The referencing chain reads the referenced expression through its
	// alias, which is laid out before it.
	c.Assert(strings.Index(plan.SQL, "expr_officialName AS (") <
		strings.Index(plan.SQL, "FROM expr_officialName AS p"), Equals, true)
}

func (s *AssembleSuite) TestCollectionResultFolded(c *C) {
	g := newGenerator()
	chains := []*codegen.Chain{chain(c, g, "givenNames", "Patient.name.given")}
	plan, err := assemble.Assemble(chains, dialect.SQLite{})
	c.Assert(err, IsNil)
	c.Assert(plan.SQL, Matches, `(?s).*expr_givenNames_fold AS \(.*`)
	c.Assert(plan.SQL, Matches, `(?s).*json_group_array\(p\.value\).*`)
	c.Assert(plan.SQL, Matches, `(?s).*FROM expr_givenNames_fold AS t_givenNames.*`)
}

func (s *AssembleSuite) TestSingleResultNotFolded(c *C) {
	g := newGenerator()
	chains := []*codegen.Chain{chain(c, g, "contactCount", "Patient.telecom.count()")}
	plan, err := assemble.Assemble(chains, dialect.SQLite{})
	c.Assert(err, IsNil)
	c.Assert(strings.Contains(plan.SQL, "_fold"), Equals, false)
	c.Assert(plan.SQL, Matches, `(?s).*FROM expr_contactCount AS t_contactCount.*`)
}

func (s *AssembleSuite) TestCycle(c *C) {
	g := newGenerator()
	chains := []*codegen.Chain{
		chain(c, g, "A", "%B.exists()"),
		chain(c, g, "B", "%A.exists()"),
	}
	plan, err := assemble.Assemble(chains, dialect.SQLite{})
	c.Assert(plan, IsNil)
	c.Assert(err, ErrorMatches, `cyclic dependency between expressions "A" and "B"`)
	aerr, ok := err.(*assemble.Error)
	c.Assert(ok, Equals, true)
	c.Assert(aerr.Names, DeepEquals, []string{"A", "B"})
}

func (s *AssembleSuite) TestDuplicateName(c *C) {
	g := newGenerator()
	chains := []*codegen.Chain{
		chain(c, g, "names", "Patient.name"),
		chain(c, g, "names", "Patient.telecom"),
	}
	_, err := assemble.Assemble(chains, dialect.SQLite{})
	c.Assert(err, ErrorMatches, `duplicate expression name "names"`)
}

func (s *AssembleSuite) TestInvalidName(c *C) {
	for _, name := range []string{"given names", `x"; DROP TABLE patient; --`, "1st", "a.b"} {
		g := newGenerator()
		chains := []*codegen.Chain{chain(c, g, name, "Patient.name")}
		_, err := assemble.Assemble(chains, dialect.SQLite{})
		c.Assert(err, NotNil, Commentf("name %q", name))
		c.Assert(err, ErrorMatches, `expression name .* is not a valid identifier`)
		aerr, ok := err.(*assemble.Error)
		c.Assert(ok, Equals, true)
		c.Assert(aerr.Names, DeepEquals, []string{name})
	}
}

func (s *AssembleSuite) TestFoldAliasCollision(c *C) {
	// A folded collection lands on expr_<name>_fold, which a sibling named
	// <name>_fold would also claim.
	g := newGenerator()
	chains := []*codegen.Chain{
		chain(c, g, "given", "Patient.name.given"),
		chain(c, g, "given_fold", "Patient.birthDate"),
	}
	_, err := assemble.Assemble(chains, dialect.SQLite{})
	c.Assert(err, ErrorMatches, `expressions "given" and "given_fold" collide on alias "expr_given_fold"`)
	aerr, ok := err.(*assemble.Error)
	c.Assert(ok, Equals, true)
	c.Assert(aerr.Names, DeepEquals, []string{"given", "given_fold"})
}

func (s *AssembleSuite) TestMissingReference(c *C) {
	g := newGenerator()
	chains := []*codegen.Chain{chain(c, g, "ratio", "%numerator.count()")}
	_, err := assemble.Assemble(chains, dialect.SQLite{})
	c.Assert(err, ErrorMatches, `expression "ratio" references unknown expression "numerator"`)
}

func (s *AssembleSuite) TestDeterministicLayout(c *C) {
	build := func() string {
		g := newGenerator()
		chains := []*codegen.Chain{
			chain(c, g, "b", "Patient.telecom.count()"),
			chain(c, g, "a", "Patient.birthDate"),
		}
		plan, err := assemble.Assemble(chains, dialect.SQLite{})
		c.Assert(err, IsNil)
		return plan.SQL
	}
	c.Assert(build(), Equals, build())
}

func (s *AssembleSuite) TestEmptyInput(c *C) {
	_, err := assemble.Assemble(nil, dialect.SQLite{})
	c.Assert(err, ErrorMatches, "nothing to assemble")
}
