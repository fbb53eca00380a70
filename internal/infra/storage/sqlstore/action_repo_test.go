package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vietddude/lifeline/internal/infra/storage"
	"github.com/vietddude/lifeline/internal/infra/storage/storagetest"
)

func TestDriverFor(t *testing.T) {
	tests := []struct {
		url     string
		driver  string
		dialect Dialect
		dsn     string
	}{
		{"postgres://u:p@localhost:5432/db", "pgx", DialectPostgres, "postgres://u:p@localhost:5432/db"},
		{"postgresql://localhost/db", "pgx", DialectPostgres, "postgresql://localhost/db"},
		{"pgx://localhost/db", "pgx", DialectPostgres, "postgres://localhost/db"},
		{"postgres+libpq://localhost/db?sslmode=disable", "postgres", DialectPostgres, "postgres://localhost/db?sslmode=disable"},
		{"sqlite::memory:", "sqlite", DialectSQLite, ":memory:"},
		{"sqlite:///var/lib/lifeline/queue.db", "sqlite", DialectSQLite, "file:/var/lib/lifeline/queue.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
	}

	for _, tt := range tests {
		driver, dialect, dsn, err := driverFor(tt.url)
		if err != nil {
			t.Fatalf("driverFor(%q) failed: %v", tt.url, err)
		}
		if driver != tt.driver || dialect != tt.dialect || dsn != tt.dsn {
			t.Errorf("driverFor(%q) = (%s, %s, %s), want (%s, %s, %s)",
				tt.url, driver, dialect, dsn, tt.driver, tt.dialect, tt.dsn)
		}
	}

	for _, bad := range []string{"mysql://localhost/db", "sqlite://", ""} {
		if _, _, _, err := driverFor(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestActionRepo_SQLite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.ActionRepository {
		path := filepath.Join(t.TempDir(), "queue.db")
		db, err := NewDB(context.Background(), Config{URL: "sqlite://" + path})
		require.NoError(t, err)
		repo := NewActionRepo(db)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestActionRepo_Postgres(t *testing.T) {
	dsn := os.Getenv("LIFELINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIFELINE_TEST_POSTGRES_DSN not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.ActionRepository {
		ctx := context.Background()
		db, err := NewDB(ctx, Config{URL: dsn})
		require.NoError(t, err)
		repo := NewActionRepo(db)
		require.NoError(t, repo.Init(ctx))
		_, err = db.ExecContext(ctx, `TRUNCATE queued_actions`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}
