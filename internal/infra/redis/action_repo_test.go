package redis

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/infra/storage"
	"github.com/vietddude/lifeline/internal/infra/storage/storagetest"
)

func TestIndexMember(t *testing.T) {
	a := &domain.QueuedAction{ID: "abc"}
	m := indexMember(a)
	if got := memberID(m); got != "abc" {
		t.Errorf("expected abc, got %s", got)
	}
}

func TestActionRepo_Redis(t *testing.T) {
	url := os.Getenv("LIFELINE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LIFELINE_TEST_REDIS_URL not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.ActionRepository {
		client, err := NewClient(Config{URL: url})
		require.NoError(t, err)
		repo := NewActionRepo(client, "lifeline-test-"+uuid.NewString())
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}
