// Package database provides store constructors for tests backed by a real
// PostgreSQL database.
package database

import (
	"testing"

	"github.com/cordkit/cord/pkg/store"
	"github.com/cordkit/cord/test/util"
)

// NewTestStore creates a test store backed by PostgreSQL.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The schema/connection is automatically cleaned up when the test ends.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	// Use shared test database setup
	db := util.SetupTestDatabase(t)

	// Wrap in the store type.
	// Note: cleanup (schema drop and connection close) is handled by SetupTestDatabase
	return store.NewFromDB(db, store.DialectPostgres)
}
