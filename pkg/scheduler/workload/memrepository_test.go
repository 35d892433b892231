package workload

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepositoryInsertGetDelete(t *testing.T) {
	repo := NewMemoryRepository("1.2.3")
	ctx := context.Background()

	version, err := repo.CurrentArtifactsVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.2.3", version)

	w := &Workload{ID: uuid.New(), Domain: "a.example.com", Enabled: true}
	require.NoError(t, repo.Insert(ctx, w))

	got, err := repo.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, w.Domain, got.Domain)

	require.NoError(t, repo.SetEnabled(ctx, w.ID, false))
	got, err = repo.Get(ctx, w.ID)
	require.NoError(t, err)
	require.False(t, got.Enabled)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, w.ID))
	_, err = repo.Get(ctx, w.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryDuplicateDomain(t *testing.T) {
	repo := NewMemoryRepository("1.2.3")
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, &Workload{ID: uuid.New(), Domain: "dup.example.com"}))
	err := repo.Insert(ctx, &Workload{ID: uuid.New(), Domain: "dup.example.com"})
	require.ErrorIs(t, err, ErrDomainExists)
}

func TestMemoryRepositoryDeleteNotFound(t *testing.T) {
	repo := NewMemoryRepository("1.2.3")
	err := repo.Delete(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
