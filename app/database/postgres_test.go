package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"
)

// Runs against a disposable Postgres database when TUBECOMB_TEST_POSTGRES_DSN is set.
func TestPostgresOutboxRoundTrip(t *testing.T) {
	dsn := os.Getenv("TUBECOMB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TUBECOMB_TEST_POSTGRES_DSN not set")
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to open postgres: %v", err)
	}
	defer sqlDB.Close()

	db := &DB{DB: sqlDB, Dialect: DialectPostgres}
	if _, _, err := RunMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	ctx := context.Background()
	repo := NewOutboxRepository(db)

	id, err := repo.Append(ctx, OutboxRecord{Kind: "video", EntityKey: "video:pg", Watermark: 1, Payload: []byte(`{"id":"pg"}`)})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	defer repo.Ack(ctx, []int64{id})

	claimed, err := repo.Claim(ctx, 100, time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	found := false
	for _, rec := range claimed {
		if rec.ID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected record %d to be claimed", id)
	}
}
