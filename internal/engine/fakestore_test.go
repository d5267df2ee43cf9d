package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/roach88/putsql/internal/store"
)

// execRecord is one statement execution seen by the fake store.
type execRecord struct {
	SQL  string
	Args []any
}

// fakeProvider is an in-memory store.Provider that records every call.
//
// Executions are staged per connection and only become Committed on Commit.
type fakeProvider struct {
	mu sync.Mutex

	url              string
	startAutoCommit  bool
	acquireErr       error
	commitErr        error
	rollbackErr      error
	setAutoCommitErr error

	// prepareErr, when set, fails Prepare for matching statements.
	prepareErr func(sql string) error
	// execErr, when set, fails individual executions.
	execErr func(sql string, args []any) error
	// batchResult, when set, replaces ExecuteBatch entirely.
	batchResult func(sql string, batch [][]any) ([]int64, error)
	// keys makes ExecuteUpdate report sequential generated keys.
	keys    bool
	nextKey int64

	conns     []*fakeConn
	Committed []execRecord
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{url: "sqlite3:///fake.db", startAutoCommit: true}
}

func (p *fakeProvider) Acquire(ctx context.Context) (store.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	c := &fakeConn{p: p, autoCommit: p.startAutoCommit}
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *fakeProvider) lastConn() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

func (p *fakeProvider) acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

type fakeConn struct {
	p *fakeProvider

	autoCommit     bool
	autoCommitSets []bool
	prepared       []string
	stmts          []*fakeStmt
	staged         []execRecord
	commits        int
	rollbacks      int
	closes         int
}

func (c *fakeConn) Prepare(ctx context.Context, sql string) (store.Stmt, error) {
	if c.closes > 0 {
		return nil, errors.New("connection closed")
	}
	if c.p.prepareErr != nil {
		if err := c.p.prepareErr(sql); err != nil {
			return nil, err
		}
	}
	c.prepared = append(c.prepared, sql)
	s := &fakeStmt{c: c, sql: sql}
	c.stmts = append(c.stmts, s)
	return s, nil
}

func (c *fakeConn) AutoCommit() (bool, error) { return c.autoCommit, nil }

func (c *fakeConn) SetAutoCommit(on bool) error {
	if c.p.setAutoCommitErr != nil {
		return c.p.setAutoCommitErr
	}
	c.autoCommitSets = append(c.autoCommitSets, on)
	c.autoCommit = on
	return nil
}

func (c *fakeConn) Commit() error {
	c.commits++
	if c.p.commitErr != nil {
		return c.p.commitErr
	}
	c.p.mu.Lock()
	c.p.Committed = append(c.p.Committed, c.staged...)
	c.p.mu.Unlock()
	c.staged = nil
	return nil
}

func (c *fakeConn) Rollback() error {
	c.rollbacks++
	c.staged = nil
	return c.p.rollbackErr
}

func (c *fakeConn) URL() string { return c.p.url }

func (c *fakeConn) Close() error {
	c.closes++
	return nil
}

// openStmts counts statements that were never closed.
func (c *fakeConn) openStmts() int {
	n := 0
	for _, s := range c.stmts {
		if s.closes == 0 {
			n++
		}
	}
	return n
}

type fakeStmt struct {
	c      *fakeConn
	sql    string
	batch  [][]any
	closes int
	key    string
	hasKey bool
}

func (s *fakeStmt) AddBatch(args []any) error {
	s.batch = append(s.batch, args)
	return nil
}

func (s *fakeStmt) ExecuteBatch(ctx context.Context) ([]int64, error) {
	batch := s.batch
	s.batch = nil

	if s.c.p.batchResult != nil {
		counts, err := s.c.p.batchResult(s.sql, batch)
		for i, args := range batch {
			if i < len(counts) && counts[i] != store.ExecuteFailed {
				s.c.staged = append(s.c.staged, execRecord{SQL: s.sql, Args: args})
			}
		}
		return counts, err
	}

	counts := make([]int64, 0, len(batch))
	for _, args := range batch {
		if err := s.fail(args); err != nil {
			return counts, &store.BatchError{Counts: counts, Err: err}
		}
		s.c.staged = append(s.c.staged, execRecord{SQL: s.sql, Args: args})
		counts = append(counts, 1)
	}
	return counts, nil
}

func (s *fakeStmt) ExecuteUpdate(ctx context.Context, args []any) (int64, error) {
	s.key, s.hasKey = "", false
	if err := s.fail(args); err != nil {
		return 0, err
	}
	s.c.staged = append(s.c.staged, execRecord{SQL: s.sql, Args: args})
	if s.c.p.keys {
		s.c.p.mu.Lock()
		s.c.p.nextKey++
		s.key, s.hasKey = strconv.FormatInt(s.c.p.nextKey, 10), true
		s.c.p.mu.Unlock()
	}
	return 1, nil
}

func (s *fakeStmt) fail(args []any) error {
	if s.c.p.execErr == nil {
		return nil
	}
	return s.c.p.execErr(s.sql, args)
}

func (s *fakeStmt) GeneratedKey() (string, bool) { return s.key, s.hasKey }

func (s *fakeStmt) Close() error {
	s.closes++
	return nil
}
