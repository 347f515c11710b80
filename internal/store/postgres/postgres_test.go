package postgres

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/store"
	"github.com/spigell/mostaql-notifier/internal/store/storetest"
)

func TestStore(t *testing.T) {
	dsn := os.Getenv("MOSTAQL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MOSTAQL_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	s, err := Connect(ctx, Config{DSN: dsn, MaxConns: 8}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Second run must be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate twice: %v", err)
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		if _, err := s.pool.Exec(ctx, `TRUNCATE notifications, scores, analyses, cursors, jobs`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
