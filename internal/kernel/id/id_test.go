package id_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/relaymesh/agentkernel/internal/kernel/id"
)

func TestNew_Unique(t *testing.T) {
	a := id.New()
	b := id.New()
	assert.NotEqual(t, a, b)
}

func TestLockKey_AlwaysNonNegative(t *testing.T) {
	for i := 0; i < 1000; i++ {
		key := id.LockKey(id.New())
		assert.GreaterOrEqual(t, key, int64(0))
	}
}

func TestLockKey_Deterministic(t *testing.T) {
	u := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")
	// Top bit of the first 8 bytes is masked off, rest of the all-1s bytes stays set.
	assert.Equal(t, int64(0x7FFFFFFFFFFFFFFF), id.LockKey(u))
}

func TestLockKey_SameInputSameOutput(t *testing.T) {
	u := id.New()
	assert.Equal(t, id.LockKey(u), id.LockKey(u))
}
