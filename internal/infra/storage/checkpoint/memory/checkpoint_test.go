package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/blockscan/internal/domain/scan"
)

func TestCheckpointStore_SaveAndLoad(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	err := store.Save(ctx, scan.NewCheckpoint("job-a", 42))
	require.NoError(t, err)

	loaded, err := store.Load(ctx, "job-a")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(42), loaded.LastProcessedID)
	assert.False(t, loaded.UpdatedAt.IsZero(), "UpdatedAt should be set")
}

func TestCheckpointStore_LoadNonExistent(t *testing.T) {
	store := NewCheckpointStore()

	loaded, err := store.Load(context.Background(), "non-existent")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestCheckpointStore_Update(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, scan.NewCheckpoint("job-a", 1)))
	first, err := store.Load(ctx, "job-a")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Save(ctx, scan.NewCheckpoint("job-a", 7)))
	second, err := store.Load(ctx, "job-a")
	require.NoError(t, err)

	assert.Equal(t, int64(7), second.LastProcessedID)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestCheckpointStore_KeysAreIndependent(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, scan.NewCheckpoint("job-a", 1)))
	require.NoError(t, store.Save(ctx, scan.NewCheckpoint("job-b", 2)))
	require.NoError(t, store.Delete(ctx, "job-a"))

	a, err := store.Load(ctx, "job-a")
	require.NoError(t, err)
	assert.Nil(t, a)

	b, err := store.Load(ctx, "job-b")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(2), b.LastProcessedID)
}

func TestCheckpointStore_DeleteNonExistent(t *testing.T) {
	store := NewCheckpointStore()
	require.NoError(t, store.Delete(context.Background(), "non-existent"))
}

func TestCheckpointStore_LoadReturnsCopy(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, scan.NewCheckpoint("job-a", 5)))
	loaded, err := store.Load(ctx, "job-a")
	require.NoError(t, err)
	loaded.LastProcessedID = 999

	again, err := store.Load(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), again.LastProcessedID)
}
