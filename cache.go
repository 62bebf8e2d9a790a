// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

package fhirql

import (
	"context"
	"database/sql"
	"runtime"
	"sync"
	"sync/atomic"
)

// planIDCount and dbIDCount generate unique cache IDs.
var planIDCount atomic.Uint64
var dbIDCount atomic.Uint64

type dbID = uint64
type planID = uint64

// stmtCache is the process-wide driver statement cache.
var stmtCache = newStatementCache()

// statementCache caches the sql.Stmt objects prepared from each Plan. A Plan
// can correspond to multiple sql.Stmt values on different databases. The
// cache is indexed by the Plan ID and the DB ID.
//
// The cache closes the sql.Stmt objects of a Plan with a finalizer set on
// the Plan, and those of a DB with a finalizer set on the DB, after which
// the DB itself is closed.
//
// The mutex must be locked when accessing either the planDBCache or the
// dbPlanCache.
type statementCache struct {
	planDBCache map[planID]map[dbID]*sql.Stmt
	dbPlanCache map[dbID]map[planID]bool
	mutex       sync.RWMutex
}

var once sync.Once
var singleStmtCache *statementCache

// newStatementCache returns the single instance of the statement cache.
func newStatementCache() *statementCache {
	once.Do(func() {
		singleStmtCache = &statementCache{
			planDBCache: map[planID]map[dbID]*sql.Stmt{},
			dbPlanCache: map[dbID]map[planID]bool{},
		}
	})
	return singleStmtCache
}

// newDB returns a new DB and allocates it in the cache. A finalizer is set
// on the DB which removes it from the cache, closes all sql.Stmt values
// prepared upon it and then closes the DB. The finalizer is run after the DB
// is garbage collected.
func (sc *statementCache) newDB(sqldb *sql.DB) *DB {
	cacheID := dbIDCount.Add(1)
	sc.mutex.Lock()
	sc.dbPlanCache[cacheID] = map[planID]bool{}
	sc.mutex.Unlock()
	db := &DB{sqldb: sqldb, cacheID: cacheID}
	runtime.SetFinalizer(db, sc.getDBFinalizer())
	return db
}

// newPlan returns a new Plan and sets a finalizer on it which closes all
// sql.Stmt values prepared from the plan and removes them from the cache.
// The finalizer is run after the Plan is garbage collected.
func (sc *statementCache) newPlan(sql string, outputs []Output, order []string) *Plan {
	p := &Plan{sql: sql, outputs: outputs, order: order, cacheID: planIDCount.Add(1)}
	runtime.SetFinalizer(p, sc.getPlanFinalizer())
	return p
}

// lookupStmt returns the driver statement prepared from the plan on the
// database, if there is one.
func (sc *statementCache) lookupStmt(db *DB, p *Plan) (*sql.Stmt, bool) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	sqlstmt, ok := sc.planDBCache[p.cacheID][db.cacheID]
	return sqlstmt, ok
}

// prepareStmt prepares a plan's query on the database, checking the cache
// first.
func (sc *statementCache) prepareStmt(ctx context.Context, db *DB, p *Plan) (*sql.Stmt, error) {
	if sqlstmt, ok := sc.lookupStmt(db, p); ok {
		return sqlstmt, nil
	}
	sqlstmt, err := db.sqldb.PrepareContext(ctx, p.sql)
	if err != nil {
		return nil, err
	}
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	// Check if a statement has been inserted by someone else since we last
	// checked.
	if alt, ok := sc.planDBCache[p.cacheID][db.cacheID]; ok {
		sqlstmt.Close()
		return alt, nil
	}
	if _, ok := sc.planDBCache[p.cacheID]; !ok {
		sc.planDBCache[p.cacheID] = map[dbID]*sql.Stmt{}
	}
	sc.planDBCache[p.cacheID][db.cacheID] = sqlstmt
	sc.dbPlanCache[db.cacheID][p.cacheID] = true
	return sqlstmt, nil
}

// getPlanFinalizer returns a finalizer that removes a Plan from the
// statement caches and closes its prepared statements.
func (sc *statementCache) getPlanFinalizer() func(*Plan) {
	return func(p *Plan) {
		sc.mutex.Lock()
		defer sc.mutex.Unlock()
		for cachedDBID, sqlstmt := range sc.planDBCache[p.cacheID] {
			sqlstmt.Close()
			delete(sc.dbPlanCache[cachedDBID], p.cacheID)
		}
		delete(sc.planDBCache, p.cacheID)
	}
}

// getDBFinalizer returns a finalizer that closes and removes from the cache
// all sql.Stmt values prepared on the database, removes the database from
// the cache, then closes the sql.DB.
func (sc *statementCache) getDBFinalizer() func(*DB) {
	return func(db *DB) {
		sc.mutex.Lock()
		defer sc.mutex.Unlock()
		for cachedPlanID := range sc.dbPlanCache[db.cacheID] {
			planCache := sc.planDBCache[cachedPlanID]
			planCache[db.cacheID].Close()
			delete(planCache, db.cacheID)
			if len(planCache) == 0 {
				delete(sc.planDBCache, cachedPlanID)
			}
		}
		delete(sc.dbPlanCache, db.cacheID)
		db.sqldb.Close()
	}
}
