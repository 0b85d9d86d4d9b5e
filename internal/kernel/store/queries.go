package store

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB, *sql.Tx, and *sql.Conn: Queries methods
// only ever call the three methods below, so the same Queries type
// works whether it is bound to the pool, a transaction, or a pinned
// connection.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries is the typed query object bound to one DBTX.
type Queries struct {
	db DBTX
}

// New binds a Queries instance to the given DBTX.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}
