package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SaveAndLatest(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "p1:run1", 1, []byte("after-ingest")))
	require.NoError(t, store.Save(ctx, "p1:run1", 2, []byte("after-extract")))

	step, state, ok, err := store.Latest(ctx, "p1:run1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, step)
	assert.Equal(t, []byte("after-extract"), state)
}

func TestMemory_LatestMissingThread(t *testing.T) {
	store := NewMemory()

	_, _, ok, err := store.Latest(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_StepMonotonicity(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "p1:run1", 3, []byte("s3")))

	// Re-writing an already committed step, or an earlier one, is refused.
	err := store.Save(ctx, "p1:run1", 3, []byte("s3-again"))
	assert.ErrorIs(t, err, ErrStepNotMonotone)
	err = store.Save(ctx, "p1:run1", 2, []byte("s2"))
	assert.ErrorIs(t, err, ErrStepNotMonotone)

	// The next step is fine, and the recorded sequence stays increasing.
	require.NoError(t, store.Save(ctx, "p1:run1", 4, []byte("s4")))
	assert.Equal(t, []int{3, 4}, store.Steps("p1:run1"))
}

func TestMemory_ThreadsAreIsolated(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "p1:run1", 1, []byte("a")))
	require.NoError(t, store.Save(ctx, "p1:run2", 1, []byte("b")))

	_, state, ok, err := store.Latest(ctx, "p1:run2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), state)
}

func TestMemory_Delete(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "p1:run1", 1, []byte("a")))
	require.NoError(t, store.Delete(ctx, "p1:run1"))

	_, _, ok, err := store.Latest(ctx, "p1:run1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoop_AlwaysEmpty(t *testing.T) {
	store := Noop{}
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "p1:run1", 1, []byte("a")))
	_, _, ok, err := store.Latest(ctx, "p1:run1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.Delete(ctx, "p1:run1"))
}
