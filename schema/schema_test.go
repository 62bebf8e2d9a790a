// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package schema_test

import (
	"testing"

	"github.com/fhirql/fhirql/schema"
	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func TestSchema(t *testing.T) { TestingT(t) }

type SchemaSuite struct{}

var _ = Suite(&SchemaSuite{})

const doc = `
Patient:
  name: {type: HumanName, collection: true}
  telecom: {type: ContactPoint, collection: true}
  birthDate: {type: date}
  active: {type: boolean}
HumanName:
  given: {type: string, collection: true}
  family: {type: string}
  use: {type: code}
`

func (s *SchemaSuite) TestLookup(c *C) {
	sch, err := schema.Parse([]byte(doc))
	c.Assert(err, IsNil)

	e, ok := sch.Lookup("Patient", "name")
	c.Assert(ok, Equals, true)
	c.Assert(e, Equals, schema.Element{Type: "HumanName", Collection: true})

	e, ok = sch.Lookup("HumanName", "family")
	c.Assert(ok, Equals, true)
	c.Assert(e, Equals, schema.Element{Type: "string", Collection: false})

	_, ok = sch.Lookup("Patient", "nonexistent")
	c.Assert(ok, Equals, false)

	_, ok = sch.Lookup("Observation", "value")
	c.Assert(ok, Equals, false)
}

func (s *SchemaSuite) TestHasType(c *C) {
	sch, err := schema.Parse([]byte(doc))
	c.Assert(err, IsNil)
	c.Assert(sch.HasType("Patient"), Equals, true)
	c.Assert(sch.HasType("Observation"), Equals, false)
}

func (s *SchemaSuite) TestNilSchema(c *C) {
	var sch *schema.Schema
	_, ok := sch.Lookup("Patient", "name")
	c.Assert(ok, Equals, false)
	c.Assert(sch.HasType("Patient"), Equals, false)
}

func (s *SchemaSuite) TestParseError(c *C) {
	_, err := schema.Parse([]byte("Patient: [not, a, mapping]"))
	c.Assert(err, ErrorMatches, "cannot parse schema: .*")
}
