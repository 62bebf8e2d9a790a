// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect_test

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	. "gopkg.in/check.v1"

	"github.com/fhirql/fhirql/dialect"
)

func TestDialect(t *testing.T) { TestingT(t) }

type SQLiteSuite struct {
	db *sql.DB
}

var _ = Suite(&SQLiteSuite{})

func (s *SQLiteSuite) SetUpSuite(c *C) {
	db, err := sql.Open("sqlite3", ":memory:")
	c.Assert(err, IsNil)
	s.db = db
}

func (s *SQLiteSuite) TearDownSuite(c *C) {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *SQLiteSuite) TestFragments(c *C) {
	d := dialect.SQLite{}
	c.Assert(d.Name(), Equals, "sqlite")
	c.Assert(d.ExtractField("data", "name"), Equals, "json_extract(data, '$.name')")
	c.Assert(d.ExtractField("j.value", "name.family"), Equals, "json_extract(j.value, '$.name.family')")
	c.Assert(d.FlattenArray("q1.value"), Equals,
		"json_each(CASE WHEN json_valid(q1.value) AND json_type(q1.value) = 'array' THEN q1.value ELSE json_array(q1.value) END)")
	c.Assert(d.AggregateArray("value"), Equals, "json_group_array(value)")
	c.Assert(d.WithClause("q1", "SELECT 1"), Equals, "q1 AS (\nSELECT 1\n)")
}

func (s *SQLiteSuite) TestExtractFieldExecutes(c *C) {
	d := dialect.SQLite{}
	q := "SELECT " + d.ExtractField("'{\"name\": \"Ada\"}'", "name")
	var got string
	err := s.db.QueryRow(q).Scan(&got)
	c.Assert(err, IsNil)
	c.Assert(got, Equals, "Ada")
}

func (s *SQLiteSuite) TestFlattenArrayExecutes(c *C) {
	d := dialect.SQLite{}
	q := "SELECT j." + d.OrdinalColumn() + ", j." + d.ElementColumn() +
		" FROM " + d.FlattenArray(`'["a", "b", "c"]'`) + " AS j ORDER BY j." + d.OrdinalColumn()
	rows, err := s.db.Query(q)
	c.Assert(err, IsNil)
	defer rows.Close()
	var ords []int
	var vals []string
	for rows.Next() {
		var ord int
		var val string
		c.Assert(rows.Scan(&ord, &val), IsNil)
		ords = append(ords, ord)
		vals = append(vals, val)
	}
	c.Assert(rows.Err(), IsNil)
	c.Assert(ords, DeepEquals, []int{0, 1, 2})
	c.Assert(vals, DeepEquals, []string{"a", "b", "c"})
}

func (s *SQLiteSuite) TestFlattenScalarActsAsSingleton(c *C) {
	d := dialect.SQLite{}
	q := "SELECT j." + d.ElementColumn() + " FROM " + d.FlattenArray("'1974-12-25'") + " AS j"
	var got string
	err := s.db.QueryRow(q).Scan(&got)
	c.Assert(err, IsNil)
	c.Assert(got, Equals, "1974-12-25")
}

func (s *SQLiteSuite) TestAggregateArrayExecutes(c *C) {
	d := dialect.SQLite{}
	q := "SELECT " + d.AggregateArray("j.value") + " FROM " + d.FlattenArray(`'[1, 2]'`) + " AS j"
	var got string
	err := s.db.QueryRow(q).Scan(&got)
	c.Assert(err, IsNil)
	c.Assert(got, Equals, "[1,2]")
}

func (s *SQLiteSuite) TestRecordSourceDefaults(c *C) {
	var src dialect.RecordSource
	c.Assert(src.TableFor("Patient"), Equals, "patient")
	c.Assert(src.Key(), Equals, "id")
	c.Assert(src.Data(), Equals, "data")

	src = dialect.RecordSource{Table: "records", KeyColumn: "record_id", DataColumn: "body"}
	c.Assert(src.TableFor("Patient"), Equals, "records")
	c.Assert(src.Key(), Equals, "record_id")
	c.Assert(src.Data(), Equals, "body")
}
