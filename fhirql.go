// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package fhirql

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/errgroup"

	"github.com/fhirql/fhirql/dialect"
	"github.com/fhirql/fhirql/internal/assemble"
	"github.com/fhirql/fhirql/internal/codegen"
	"github.com/fhirql/fhirql/internal/lex"
	"github.com/fhirql/fhirql/internal/parse"
	"github.com/fhirql/fhirql/schema"
)

// RecordSource locates the table of serialized records the generated queries
// read from. The zero value derives the table name from the record type and
// uses the columns "id" and "data".
type RecordSource = dialect.RecordSource

// astCacheSize bounds the number of parsed expressions kept per compiler.
const astCacheSize = 256

// Compiler turns path-query expressions into population-scale SQL. A
// Compiler is safe for concurrent use; parsed expressions are memoized by
// source text.
type Compiler struct {
	dialect dialect.Dialect
	source  dialect.RecordSource
	schema  *schema.Schema

	mu  sync.Mutex
	lru *lru.Cache

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithRecordSource sets the table and columns the generated SQL reads
// records from. Path expressions can fall back on deriving the table name
// from their root record type, but a pure constant expression has no record
// type to derive from, so it requires an explicit Table.
func WithRecordSource(src RecordSource) Option {
	return func(c *Compiler) { c.source = src }
}

// WithSchema provides a type schema used to narrow the cardinality of path
// steps. Without it every step is treated as a collection.
func WithSchema(sch *schema.Schema) Option {
	return func(c *Compiler) { c.schema = sch }
}

// WithDialect sets the SQL dialect. The default is SQLite.
func WithDialect(d dialect.Dialect) Option {
	return func(c *Compiler) { c.dialect = d }
}

// NewCompiler returns a Compiler with the given options applied.
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{
		dialect: dialect.SQLite{},
		lru:     lru.New(astCacheSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Output describes one expression's column in a compiled plan.
type Output struct {
	// Name is the expression name.
	Name string
	// Column is the column of the final query carrying the result.
	Column string
	// Collection reports whether the column holds a serialized array of
	// values rather than a single value.
	Collection bool
}

// Plan is a compiled set of named expressions: one monolithic query
// evaluating all of them over the whole record population. Plans are
// immutable and safe to share.
type Plan struct {
	sql     string
	outputs []Output
	order   []string
	// cacheID keys the driver statements prepared from this plan.
	cacheID uint64
}

// SQL returns the plan's monolithic query. Its first column is the record
// key; each expression contributes one further column.
func (p *Plan) SQL() string { return p.sql }

// Outputs lists the expression columns in name order.
func (p *Plan) Outputs() []Output {
	return append([]Output(nil), p.outputs...)
}

// Order returns the expression names in the dependency order the plan laid
// them out in.
func (p *Plan) Order() []string {
	return append([]string(nil), p.order...)
}

// parseSource tokenizes and parses one expression, memoizing the tree by
// source text. Trees are immutable so sharing across compilations is safe.
func (c *Compiler) parseSource(source string) (parse.Node, error) {
	c.mu.Lock()
	if cached, ok := c.lru.Get(source); ok {
		c.mu.Unlock()
		c.hits.Add(1)
		return cached.(parse.Node), nil
	}
	c.mu.Unlock()
	c.misses.Add(1)

	tokens, err := lex.Tokenize(source)
	if err != nil {
		return nil, err
	}
	root, err := parse.ParseWithSchema(tokens, c.schema)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lru.Add(source, root)
	c.mu.Unlock()
	return root, nil
}

// Check parses source and reports the first lexing or grammar error, without
// generating any SQL.
func (c *Compiler) Check(source string) error {
	_, err := c.parseSource(source)
	return err
}

// Print parses source and returns a bracketed rendering of its expression
// tree, for debugging and tooling.
func (c *Compiler) Print(source string) (string, error) {
	root, err := c.parseSource(source)
	if err != nil {
		return "", err
	}
	return root.String(), nil
}

// CacheStats reports how many parses were served from the expression cache
// and how many required a full parse.
func (c *Compiler) CacheStats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Compile compiles a set of named expressions into one Plan. Expressions may
// reference each other by name with %name; the reference graph must be
// acyclic. Independent expressions are compiled in parallel; ctx cancels the
// whole compilation.
func (c *Compiler) Compile(ctx context.Context, exprs map[string]string) (*Plan, error) {
	if len(exprs) == 0 {
		return nil, fmt.Errorf("no expressions to compile")
	}
	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	// One naming context for the whole set keeps subquery names unique
	// across the parallel workers.
	namer := codegen.NewNamer()
	chains := make([]*codegen.Chain, len(names))
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			root, err := c.parseSource(exprs[name])
			if err != nil {
				return fmt.Errorf("expression %q: %w", name, err)
			}
			gen := codegen.NewGenerator(c.dialect, c.source, namer)
			chain, err := gen.Generate(root)
			if err != nil {
				return fmt.Errorf("expression %q: %w", name, err)
			}
			chain.Name = name
			chains[i] = chain
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	assembled, err := assemble.Assemble(chains, c.dialect)
	if err != nil {
		return nil, err
	}
	outputs := make([]Output, len(assembled.Expressions))
	for i, e := range assembled.Expressions {
		collection := true
		switch e.Cardinality {
		case parse.Single, parse.Optional:
			collection = false
		}
		outputs[i] = Output{Name: e.Name, Column: e.Column, Collection: collection}
	}
	return stmtCache.newPlan(assembled.SQL, outputs, assembled.Order), nil
}

// CompileOne compiles a single expression under the name "result".
func (c *Compiler) CompileOne(ctx context.Context, source string) (*Plan, error) {
	return c.Compile(ctx, map[string]string{"result": source})
}

// MustCompile is Compile except that it panics on error. It is intended for
// expressions fixed at program start.
func (c *Compiler) MustCompile(exprs map[string]string) *Plan {
	plan, err := c.Compile(context.Background(), exprs)
	if err != nil {
		panic(err)
	}
	return plan
}
