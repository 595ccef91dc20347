// Package storetest opens migrated in-memory stores for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/a-essam23/go-courier/internal/store"
	"github.com/a-essam23/go-courier/pkg/logging"
)

// New returns a store over a private in-memory sqlite database. A single
// connection keeps the database alive and serializes writers.
func New(t testing.TB) *store.Store {
	t.Helper()
	db, err := store.Open(store.Options{DSN: ":memory:", MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	s := store.New(db, logging.Discard())
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
