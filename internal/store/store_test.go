package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs the enrollment store against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Check for Docker availability and skip if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("faceauth_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr, 4)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	empty, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All on empty store failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("Expected no records, got %d", len(empty))
	}

	vecA := types.Embedding{0.5, 0, 0, 0}
	if err := s.Put(ctx, "alice", vecA); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, "alice", types.Embedding{0, 1, 0, 0}); !errors.Is(err, ErrIdentityTaken) {
		t.Fatalf("Expected ErrIdentityTaken on duplicate, got %v", err)
	}
	if err := s.Put(ctx, "bob", types.Embedding{0, 1, 0, 0}); err != nil {
		t.Fatalf("Put bob failed: %v", err)
	}
	if err := s.Put(ctx, "carol", types.Embedding{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch, got %v", err)
	}

	records, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Identity != "alice" || records[1].Identity != "bob" {
		t.Errorf("Expected insertion order [alice bob], got [%s %s]", records[0].Identity, records[1].Identity)
	}
	// The first embedding must survive the rejected overwrite.
	if records[0].Embedding[0] != 0.5 || records[0].Embedding[1] != 0 {
		t.Errorf("alice embedding was modified: %v", records[0].Embedding)
	}

	ok, err := s.Has(ctx, "bob")
	if err != nil || !ok {
		t.Errorf("Has(bob) = %v, %v", ok, err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	ok, _ = s.Has(ctx, "alice")
	if ok {
		t.Error("Expected alice to be gone after reset")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
