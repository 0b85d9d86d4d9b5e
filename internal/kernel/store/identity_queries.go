package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned by single-row lookups that find nothing. The
// identity/session/meeting packages translate it into a kernelerr.NotFound.
var ErrNotFound = sql.ErrNoRows

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the signal the identity registry and
// meeting engine use to surface kernelerr.Conflict, and the session
// engine uses to detect a lost race when creating a session.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}

func (q *Queries) CreateOrganization(ctx context.Context, orgID uuid.UUID, externalID, name string) (*Organization, error) {
	const query = `
		INSERT INTO organizations (id, external_id, name, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, external_id, name, created_at`
	row := q.db.QueryRowContext(ctx, query, orgID, externalID, name)
	return scanOrganization(row)
}

func (q *Queries) GetOrganizationByExternalID(ctx context.Context, externalID string) (*Organization, error) {
	const query = `SELECT id, external_id, name, created_at FROM organizations WHERE external_id = $1`
	row := q.db.QueryRowContext(ctx, query, externalID)
	return scanOrganization(row)
}

func scanOrganization(row *sql.Row) (*Organization, error) {
	var o Organization
	if err := row.Scan(&o.ID, &o.ExternalID, &o.Name, &o.CreatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (q *Queries) CreateAgent(ctx context.Context, agentID uuid.UUID, externalID string, orgID uuid.UUID, name string) (*Agent, error) {
	const query = `
		INSERT INTO agents (id, external_id, organization_id, name, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, external_id, organization_id, name, created_at`
	row := q.db.QueryRowContext(ctx, query, agentID, externalID, orgID, name)
	return scanAgent(row)
}

func (q *Queries) GetAgentByExternalID(ctx context.Context, externalID string) (*Agent, error) {
	const query = `SELECT id, external_id, organization_id, name, created_at FROM agents WHERE external_id = $1`
	row := q.db.QueryRowContext(ctx, query, externalID)
	return scanAgent(row)
}

func (q *Queries) GetAgentByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	const query = `SELECT id, external_id, organization_id, name, created_at FROM agents WHERE id = $1`
	row := q.db.QueryRowContext(ctx, query, id)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.ExternalID, &a.OrganizationID, &a.Name, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
