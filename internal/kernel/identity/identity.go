// Package identity implements the identity registry (spec §4.2):
// organization and agent registration and lookup by external id, over
// the store gateway's Queries.
package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/relaymesh/agentkernel/internal/kernel/id"
	"github.com/relaymesh/agentkernel/internal/kernel/kernelerr"
	"github.com/relaymesh/agentkernel/internal/kernel/store"
	"github.com/relaymesh/agentkernel/internal/kernel/validate"
)

// Registry resolves and creates organizations and agents.
type Registry struct {
	gw *store.Gateway
}

// New builds a Registry over gw.
func New(gw *store.Gateway) *Registry {
	return &Registry{gw: gw}
}

// RegisterOrganization is idempotent on externalID: re-registering with
// the same name returns the existing row; re-registering with a
// different name fails Conflict.
func (r *Registry) RegisterOrganization(ctx context.Context, externalID, name string) (*store.Organization, error) {
	const op = "identity.RegisterOrganization"

	if err := validate.ExternalID("external_id", externalID); err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.ValidationError, err)
	}
	if err := validate.Name("name", name); err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.ValidationError, err)
	}

	existing, err := r.gw.Queries.GetOrganizationByExternalID(ctx, externalID)
	switch {
	case err == nil:
		if existing.Name != name {
			return nil, kernelerr.New(op, kernelerr.Conflict)
		}
		return existing, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to create
	default:
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}

	org, err := r.gw.Queries.CreateOrganization(ctx, id.New(), externalID, name)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, kernelerr.Wrap(op, kernelerr.Conflict, err)
		}
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return org, nil
}

// RegisterAgent fails NotFound if orgExternalID is unregistered, and
// Conflict if externalID is already taken by another agent.
func (r *Registry) RegisterAgent(ctx context.Context, externalID, orgExternalID, name string) (*store.Agent, error) {
	const op = "identity.RegisterAgent"

	if err := validate.ExternalID("external_id", externalID); err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.ValidationError, err)
	}
	if err := validate.ExternalID("organization_external_id", orgExternalID); err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.ValidationError, err)
	}
	if err := validate.Name("name", name); err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.ValidationError, err)
	}

	org, err := r.gw.Queries.GetOrganizationByExternalID(ctx, orgExternalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kernelerr.New(op, kernelerr.NotFound)
		}
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}

	agent, err := r.gw.Queries.CreateAgent(ctx, id.New(), externalID, org.ID, name)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, kernelerr.Wrap(op, kernelerr.Conflict, err)
		}
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return agent, nil
}

// AgentByExternalID is a read-only lookup; it never touches the
// advisory-lock path (spec §4.2).
func (r *Registry) AgentByExternalID(ctx context.Context, externalID string) (*store.Agent, error) {
	const op = "identity.AgentByExternalID"

	agent, err := r.gw.Queries.GetAgentByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kernelerr.New(op, kernelerr.NotFound)
		}
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return agent, nil
}

// AgentByID looks up an agent by its internal UUID.
func (r *Registry) AgentByID(ctx context.Context, agentID uuid.UUID) (*store.Agent, error) {
	const op = "identity.AgentByID"

	agent, err := r.gw.Queries.GetAgentByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kernelerr.New(op, kernelerr.NotFound)
		}
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return agent, nil
}

// OrganizationByExternalID is a read-only lookup.
func (r *Registry) OrganizationByExternalID(ctx context.Context, externalID string) (*store.Organization, error) {
	const op = "identity.OrganizationByExternalID"

	org, err := r.gw.Queries.GetOrganizationByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kernelerr.New(op, kernelerr.NotFound)
		}
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return org, nil
}
