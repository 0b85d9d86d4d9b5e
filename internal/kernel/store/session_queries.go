package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// GetActiveSessionByPair returns the unique active session for the
// canonical pair (low, high), or ErrNotFound if none exists.
func (q *Queries) GetActiveSessionByPair(ctx context.Context, low, high uuid.UUID) (*Session, error) {
	const query = `
		SELECT id, agent_a_id, agent_b_id, status, locked_agent_id, created_at, ended_at
		FROM sessions
		WHERE agent_a_id = $1 AND agent_b_id = $2 AND status = 'active'`
	row := q.db.QueryRowContext(ctx, query, low, high)
	return scanSession(row)
}

// CreateSession inserts a new active session for the canonical pair.
func (q *Queries) CreateSession(ctx context.Context, sessionID, low, high uuid.UUID) (*Session, error) {
	const query = `
		INSERT INTO sessions (id, agent_a_id, agent_b_id, status, created_at)
		VALUES ($1, $2, $3, 'active', now())
		RETURNING id, agent_a_id, agent_b_id, status, locked_agent_id, created_at, ended_at`
	row := q.db.QueryRowContext(ctx, query, sessionID, low, high)
	return scanSession(row)
}

// GetSessionByID looks up a session for reads that don't need the pair.
func (q *Queries) GetSessionByID(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	const query = `
		SELECT id, agent_a_id, agent_b_id, status, locked_agent_id, created_at, ended_at
		FROM sessions WHERE id = $1`
	row := q.db.QueryRowContext(ctx, query, sessionID)
	return scanSession(row)
}

// GetSessionForUpdate is GetSessionByID with a row lock (SELECT ... FOR
// UPDATE), for use inside a transaction. The session engine does not
// call it; send_no_wait's notification rule reads via GetSessionByID.
func (q *Queries) GetSessionForUpdate(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	const query = `
		SELECT id, agent_a_id, agent_b_id, status, locked_agent_id, created_at, ended_at
		FROM sessions WHERE id = $1 FOR UPDATE`
	row := q.db.QueryRowContext(ctx, query, sessionID)
	return scanSession(row)
}

// SetLockedAgent sets session.locked_agent_id (spec §4.5.3 step 3).
func (q *Queries) SetLockedAgent(ctx context.Context, sessionID, agentID uuid.UUID) error {
	const query = `UPDATE sessions SET locked_agent_id = $2 WHERE id = $1`
	_, err := q.db.ExecContext(ctx, query, sessionID, agentID)
	return err
}

// ClearLockedAgent clears session.locked_agent_id unconditionally; part
// of the finally-block in spec §4.5.3 step 8.
func (q *Queries) ClearLockedAgent(ctx context.Context, sessionID uuid.UUID) error {
	const query = `UPDATE sessions SET locked_agent_id = NULL WHERE id = $1`
	_, err := q.db.ExecContext(ctx, query, sessionID)
	return err
}

// EndSession transitions status active -> ended (spec §4.5.7). Returns
// sql.ErrNoRows if the session was not active.
func (q *Queries) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	const query = `UPDATE sessions SET status = 'ended', ended_at = now() WHERE id = $1 AND status = 'active'`
	res, err := q.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.AgentAID, &s.AgentBID, &s.Status, &s.LockedAgentID, &s.CreatedAt, &s.EndedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
