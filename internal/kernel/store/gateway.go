// Package store is the kernel's store gateway (spec §4.1): typed
// operations against a Postgres-backed durable store, a connection
// pool, and a process-global advisory-lock primitive keyed by a
// 64-bit integer derived from an entity UUID (see internal/kernel/id).
//
// The gateway is modeled on the generated-query-object style the rest
// of this corpus uses for its SQL layer (a Queries struct holding a
// DBTX that is either a pooled *sql.DB or a single *sql.Tx/*sql.Conn),
// hand-written here since no code generator runs as part of building
// this repo.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
)

// Gateway owns the connection pool and exposes the transactional and
// pinned-connection envelopes every kernel operation runs inside.
type Gateway struct {
	db      *sql.DB
	Queries *Queries
}

// Open connects to Postgres at dsn and configures the pool.
func Open(dsn string, poolSize int) (*Gateway, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 20
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Gateway{db: db, Queries: New(db)}, nil
}

// Close drains the pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Migrate runs all pending schema migrations against the gateway's pool.
func (g *Gateway) Migrate() error {
	return Migrate(g.db)
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error (including a panic, which it re-raises
// after rollback).
func (g *Gateway) WithTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(New(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Conn is a pinned connection together with the Queries instance bound
// to it. It is the only way to acquire or release an advisory lock:
// both operations are methods on the same Conn, so a caller cannot
// accidentally split them across two pool checkouts.
type Conn struct {
	conn    *sql.Conn
	Queries *Queries
}

// WithConn pins one connection from the pool for the duration of fn.
// Use this, not WithTx, whenever the work needs an advisory lock (spec
// §4.1's "same pinned connection" contract).
func (g *Gateway) WithConn(ctx context.Context, fn func(c *Conn) error) error {
	sqlConn, err := g.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer sqlConn.Close()

	c := &Conn{conn: sqlConn, Queries: New(sqlConn)}
	return fn(c)
}

// TryAcquireLock attempts to take the session-scoped advisory lock
// identified by key on this pinned connection. Returns false without
// blocking if another session already holds it.
func (c *Conn) TryAcquireLock(ctx context.Context, key int64) (bool, error) {
	var held bool
	row := c.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key)
	if err := row.Scan(&held); err != nil {
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	return held, nil
}

// ReleaseLock releases the advisory lock identified by key. Must be
// called on the same Conn that acquired it.
func (c *Conn) ReleaseLock(ctx context.Context, key int64) error {
	var released bool
	row := c.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
	if err := row.Scan(&released); err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	if !released {
		slog.Debug("pg_advisory_unlock reported the lock was not held", "key", key)
	}
	return nil
}

// WithTx runs fn inside a transaction scoped to this pinned connection
// (as opposed to Gateway.WithTx, which checks out a fresh connection
// from the pool). Used by send_and_wait and the turn scheduler so the
// lock-holding connection also performs the guarded writes.
func (c *Conn) WithTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(New(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
