// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package fhirql

import (
	"context"
	"database/sql"
	"fmt"
)

var ErrNoRows = sql.ErrNoRows

// DB wraps a database holding serialized records. Driver statements prepared
// from plans are cached per database and closed when the DB is garbage
// collected.
type DB struct {
	// cacheID is used to look up the cached driver statements prepared on
	// this database.
	cacheID uint64
	// sqldb is the underlying database/sql DB object.
	sqldb *sql.DB
}

// NewDB creates a new [DB] from a [sql.DB].
func NewDB(sqldb *sql.DB) *DB {
	if sqldb == nil {
		return nil
	}
	return stmtCache.newDB(sqldb)
}

// PlainDB returns the underlying database object.
func (db *DB) PlainDB() *sql.DB {
	return db.sqldb
}

// Query runs a compiled plan over the whole record population. The returned
// [Rows] must be closed once iteration is finished.
func (db *DB) Query(ctx context.Context, p *Plan) (*Rows, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sqlstmt, err := stmtCache.prepareStmt(ctx, db, p)
	if err != nil {
		return nil, err
	}
	rows, err := sqlstmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	if len(cols) != len(p.outputs)+1 {
		rows.Close()
		return nil, fmt.Errorf("query returned %d columns, want %d", len(cols), len(p.outputs)+1)
	}
	return &Rows{plan: p, rows: rows}, nil
}

// QueryAll runs a compiled plan and collects every record's results.
func (db *DB) QueryAll(ctx context.Context, p *Plan) ([]Record, error) {
	rows, err := db.Query(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []Record
	for rows.Next() {
		record, err := rows.Get()
		if err != nil {
			return nil, err
		}
		ret = append(ret, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// Record is one population member's results: the record key plus one value
// per compiled expression. Values of collection-valued expressions are
// serialized arrays; absent results are nil.
type Record struct {
	Key    any
	values map[string]any
}

// Value returns the named expression's result for this record.
func (r Record) Value(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Rows iterates over the records of a plan's result set.
type Rows struct {
	plan    *Plan
	rows    *sql.Rows
	started bool
}

// Next prepares the next record for [Rows.Get].
func (r *Rows) Next() bool {
	r.started = true
	if r.rows == nil {
		return false
	}
	return r.rows.Next()
}

// Get decodes the record prepared by the previous [Rows.Next] call.
func (r *Rows) Get() (Record, error) {
	if !r.started || r.rows == nil {
		return Record{}, fmt.Errorf("cannot get record before Next")
	}
	ptrs := make([]any, len(r.plan.outputs)+1)
	vals := make([]any, len(r.plan.outputs)+1)
	for i := range ptrs {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return Record{}, err
	}
	record := Record{Key: vals[0], values: make(map[string]any, len(r.plan.outputs))}
	for i, out := range r.plan.outputs {
		record.values[out.Name] = vals[i+1]
	}
	return record, nil
}

// Err returns the error, if any, encountered during iteration.
func (r *Rows) Err() error {
	if r.rows == nil {
		return nil
	}
	return r.rows.Err()
}

// Close finishes the iteration. It can be called multiple times.
func (r *Rows) Close() error {
	if r.rows == nil {
		return nil
	}
	err := r.rows.Close()
	r.rows = nil
	return err
}
