package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
)

func TestMemoryStore_LoadMissingThread(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SaveThenLoadRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := models.NewConversationState("t1")
	state.Append(models.UserMessage("hello"))
	state.Append(models.AssistantMessage("hi there", map[string]interface{}{"sql": "SELECT 1"}))
	state.Retries = 2

	require.NoError(t, store.Save(ctx, state))
	assert.Equal(t, int64(1), state.Version)

	loaded, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", loaded.ThreadID)
	require.Len(t, loaded.Log, 2)
	assert.Equal(t, "hello", loaded.Log[0].Content)
	assert.Equal(t, models.RoleAssistant, loaded.Log[1].Role)
	assert.Equal(t, 2, loaded.Retries)
	assert.Equal(t, int64(1), loaded.Version)
}

func TestMemoryStore_LoadReturnsACopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := models.NewConversationState("t1")
	state.Append(models.UserMessage("original"))
	require.NoError(t, store.Save(ctx, state))

	first, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	first.Log[0].Content = "mutated"

	second, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "original", second.Log[0].Content)
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := models.NewConversationState("t1")
	require.NoError(t, store.Save(ctx, state))

	// A stale copy still at version 0 loses the race.
	stale := models.NewConversationState("t1")
	err := store.Save(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// The winner can keep saving.
	require.NoError(t, store.Save(ctx, state))
	assert.Equal(t, int64(2), state.Version)
}

func TestMemoryStore_NewThreadWithNonzeroVersionRejected(t *testing.T) {
	store := NewMemoryStore()

	state := models.NewConversationState("t1")
	state.Version = 7

	err := store.Save(context.Background(), state)
	assert.ErrorIs(t, err, ErrVersionConflict)
}
