// Package storetest provides a shared setup helper for tests that need
// a real Postgres-backed store.Gateway, grounded on the
// testhelpers.GetConnectionDetails pattern used for the corpus's own
// Postgres-backed repository tests.
package storetest

import (
	"os"
	"testing"

	"github.com/relaymesh/agentkernel/internal/kernel/store"
)

// connEnvVar names the environment variable carrying a Postgres DSN for
// integration tests. Unit tests that only exercise in-memory logic
// (waiter, handler registry, meeting turn-order math) never need this.
const connEnvVar = "AGENTKERNEL_TEST_DATABASE_URL"

// Open returns a Gateway connected to the database named by
// AGENTKERNEL_TEST_DATABASE_URL, running migrations first, or skips the
// test if the variable is unset.
func Open(t *testing.T) *store.Gateway {
	t.Helper()

	dsn := os.Getenv(connEnvVar)
	if dsn == "" {
		t.Skipf("%s not set; skipping Postgres-backed test", connEnvVar)
	}

	gw, err := store.Open(dsn, 5)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })

	if err := gw.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}

	return gw
}
