package database

import (
	"context"
	"os"
	"sync"
	"testing"
)

var (
	testDB     *DB
	testDBOnce sync.Once
	testDBErr  error
)

// TestDB returns a shared, migrated database for integration tests.
// Skips the test if TEST_DATABASE_URL is not set.
func TestDB(t *testing.T) *DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	testDBOnce.Do(func() {
		ctx := context.Background()
		testDB, testDBErr = Connect(ctx, dbURL, Config{})
		if testDBErr != nil {
			return
		}
		testDBErr = RunMigrations(ctx, testDB)
	})
	if testDBErr != nil {
		t.Fatalf("failed to setup test database: %v", testDBErr)
	}
	return testDB
}
