package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agentkernel/internal/kernel/identity"
	"github.com/relaymesh/agentkernel/internal/kernel/kernelerr"
	"github.com/relaymesh/agentkernel/internal/kernel/store/storetest"
)

func TestRegisterOrganization_IdempotentOnSameName(t *testing.T) {
	gw := storetest.Open(t)
	reg := identity.New(gw)
	ctx := context.Background()

	first, err := reg.RegisterOrganization(ctx, "acme", "Acme Corp")
	require.NoError(t, err)

	second, err := reg.RegisterOrganization(ctx, "acme", "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestRegisterOrganization_ConflictOnDifferentName(t *testing.T) {
	gw := storetest.Open(t)
	reg := identity.New(gw)
	ctx := context.Background()

	_, err := reg.RegisterOrganization(ctx, "acme-conflict", "Acme Corp")
	require.NoError(t, err)

	_, err = reg.RegisterOrganization(ctx, "acme-conflict", "Different Name")
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.Conflict))
}

func TestRegisterAgent_NotFoundWhenOrgMissing(t *testing.T) {
	gw := storetest.Open(t)
	reg := identity.New(gw)
	ctx := context.Background()

	_, err := reg.RegisterAgent(ctx, "alice", "no-such-org", "Alice")
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.NotFound))
}

func TestRegisterAgent_ConflictOnDuplicateExternalID(t *testing.T) {
	gw := storetest.Open(t)
	reg := identity.New(gw)
	ctx := context.Background()

	_, err := reg.RegisterOrganization(ctx, "acme-agents", "Acme Corp")
	require.NoError(t, err)

	_, err = reg.RegisterAgent(ctx, "alice-dup", "acme-agents", "Alice")
	require.NoError(t, err)

	_, err = reg.RegisterAgent(ctx, "alice-dup", "acme-agents", "Alice Again")
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.Conflict))
}

func TestRegisterAgent_ValidationErrorOnEmptyExternalID(t *testing.T) {
	gw := storetest.Open(t)
	reg := identity.New(gw)
	ctx := context.Background()

	_, err := reg.RegisterAgent(ctx, "", "acme-agents", "Alice")
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.ValidationError))
}
