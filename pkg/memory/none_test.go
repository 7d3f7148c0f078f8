package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneMemory(t *testing.T) {
	var mem Memory = NewNoneMemory(zerolog.Nop())
	ctx := context.Background()

	id, err := mem.Save(ctx, "discarded", nil)
	require.NoError(t, err)
	assert.Empty(t, id)

	results, err := mem.Recall(ctx, "discarded", nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.ErrorIs(t, mem.Forget(ctx, "any"), ErrNotFound)

	blob, err := mem.Snapshot(ctx)
	require.NoError(t, err)
	assert.NoError(t, mem.Hydrate(ctx, blob, false))
	assert.ErrorIs(t, mem.Hydrate(ctx, []byte(`{}`), false), ErrInvalidSnapshot)

	removed, err := mem.PruneOlderThan(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)

	stats, err := mem.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, BackendNone, stats.Backend)
	assert.False(t, mem.AutoSave())
	assert.NoError(t, mem.Close())
}
