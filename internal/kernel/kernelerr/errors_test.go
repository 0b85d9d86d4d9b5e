package kernelerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaymesh/agentkernel/internal/kernel/kernelerr"
)

func TestIs_MatchesKind(t *testing.T) {
	err := kernelerr.New("send_and_wait", kernelerr.Timeout)
	assert.True(t, kernelerr.Is(err, kernelerr.Timeout))
	assert.False(t, kernelerr.Is(err, kernelerr.Conflict))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := kernelerr.Wrap("register_agent", kernelerr.StoreUnavailable, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIs_FalseForPlainError(t *testing.T) {
	assert.False(t, kernelerr.Is(errors.New("boom"), kernelerr.NotFound))
}
