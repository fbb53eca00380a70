package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vietddude/lifeline/internal/core/config"
	redisclient "github.com/vietddude/lifeline/internal/infra/redis"
	"github.com/vietddude/lifeline/internal/infra/storage"
	"github.com/vietddude/lifeline/internal/infra/storage/badgerstore"
	"github.com/vietddude/lifeline/internal/infra/storage/memory"
	"github.com/vietddude/lifeline/internal/infra/storage/sqlstore"
)

// Store is an opened action repository.
type Store struct {
	Repo    storage.ActionRepository
	Backend string
	sqlDB   *sqlstore.DB
}

// OpenStore picks the backend from the DSN scheme.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	dsn := cfg.DSN
	switch {
	case dsn == "memory://" || dsn == "memory":
		return &Store{Repo: memory.NewActionRepo(memory.NewMemoryStorage()), Backend: "memory"}, nil

	case strings.HasPrefix(dsn, "badger://"):
		path := strings.TrimPrefix(dsn, "badger://")
		bcfg := badgerstore.DefaultConfig(path)
		if path == ":memory:" {
			bcfg = badgerstore.InMemoryConfig()
		} else if path == "" {
			return nil, fmt.Errorf("badger dsn has no path: %s", dsn)
		}
		if cfg.GCInterval > 0 {
			bcfg.GCInterval = cfg.GCInterval
		}
		repo, err := badgerstore.NewActionRepo(bcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return &Store{Repo: repo, Backend: "badger"}, nil

	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		client, err := redisclient.NewClient(redisclient.Config{
			URL:       dsn,
			PoolSize:  cfg.MaxConns,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return &Store{Repo: redisclient.NewActionRepo(client, ""), Backend: "redis"}, nil

	default:
		db, err := sqlstore.NewDB(ctx, sqlstore.Config{URL: dsn, MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Store{Repo: sqlstore.NewActionRepo(db), Backend: string(db.Dialect), sqlDB: db}, nil
	}
}

// StartMetricsCollector reports pool usage for SQL backends.
func (s *Store) StartMetricsCollector(ctx context.Context) {
	if s.sqlDB != nil {
		s.sqlDB.StartMetricsCollector(ctx)
	}
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.Repo.Close()
}
