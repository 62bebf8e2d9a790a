// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package schema provides an optional description of record types used to
// narrow the cardinality and type of path steps at parse time. Without a
// schema every path step has unknown cardinality and the generator treats it
// as a collection.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Element describes one named element of a record type.
type Element struct {
	// Type is the element's declared type name. It may name another type
	// described in the same schema, allowing lookups to follow a path.
	Type string `yaml:"type"`
	// Collection is true if the element repeats.
	Collection bool `yaml:"collection"`
}

// Schema maps record-type names to their elements.
type Schema struct {
	types map[string]map[string]Element
}

// Parse reads a schema from a YAML document of the form:
//
//	Patient:
//	  name: {type: HumanName, collection: true}
//	  birthDate: {type: date}
//	HumanName:
//	  given: {type: string, collection: true}
//	  use: {type: code}
func Parse(data []byte) (*Schema, error) {
	var types map[string]map[string]Element
	if err := yaml.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("cannot parse schema: %s", err)
	}
	return &Schema{types: types}, nil
}

// Load reads and parses a schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load schema: %s", err)
	}
	return Parse(data)
}

// HasType reports whether the schema describes the given record type.
func (s *Schema) HasType(typeName string) bool {
	if s == nil {
		return false
	}
	_, ok := s.types[typeName]
	return ok
}

// Lookup returns the element of typeName with the given name. The second
// return value is false if the type or element is not described. Lookup on a
// nil schema always misses, so callers do not need to guard for the
// schema-less default.
func (s *Schema) Lookup(typeName, element string) (Element, bool) {
	if s == nil {
		return Element{}, false
	}
	elems, ok := s.types[typeName]
	if !ok {
		return Element{}, false
	}
	e, ok := elems[element]
	return e, ok
}
