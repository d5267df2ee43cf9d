package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// sqlConn adapts a *sql.Conn to Conn.
//
// database/sql has no auto-commit switch, so turning auto-commit off means a
// transaction is begun lazily on the next Prepare and held until Commit or
// Rollback.
type sqlConn struct {
	conn *sql.Conn
	tx   *sql.Tx
	url  string

	autoCommit      bool
	continueOnError bool
	savepoints      bool
	closed          bool
}

func (c *sqlConn) Prepare(ctx context.Context, query string) (Stmt, error) {
	if c.closed {
		return nil, sql.ErrConnDone
	}

	var (
		st  *sql.Stmt
		err error
	)
	if c.autoCommit {
		st, err = c.conn.PrepareContext(ctx, query)
	} else {
		if c.tx == nil {
			c.tx, err = c.conn.BeginTx(ctx, nil)
			if err != nil {
				return nil, fmt.Errorf("begin transaction: %w", err)
			}
		}
		st, err = c.tx.PrepareContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}

	stmt := &sqlStmt{stmt: st, continueOnError: c.continueOnError}
	if c.savepoints && c.tx != nil {
		stmt.tx = c.tx
	}
	return stmt, nil
}

func (c *sqlConn) AutoCommit() (bool, error) {
	if c.closed {
		return false, sql.ErrConnDone
	}
	return c.autoCommit, nil
}

// SetAutoCommit switches modes. Turning auto-commit back on commits any open
// transaction first.
func (c *sqlConn) SetAutoCommit(on bool) error {
	if c.closed {
		return sql.ErrConnDone
	}
	if on && c.tx != nil {
		if err := c.Commit(); err != nil {
			return err
		}
	}
	c.autoCommit = on
	return nil
}

func (c *sqlConn) Commit() error {
	if c.closed {
		return sql.ErrConnDone
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *sqlConn) Rollback() error {
	if c.closed {
		return sql.ErrConnDone
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (c *sqlConn) URL() string {
	return c.url
}

// Close rolls back any open transaction and returns the connection to the pool.
func (c *sqlConn) Close() error {
	if c.closed {
		return nil
	}
	var rbErr error
	if c.tx != nil {
		rbErr = c.Rollback()
	}
	c.closed = true
	return errors.Join(rbErr, c.conn.Close())
}
