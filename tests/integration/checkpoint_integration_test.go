package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractor-set/pg-rag-orchestrator/internal/checkpoint"
	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
	"github.com/attractor-set/pg-rag-orchestrator/tests/helpers"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := helpers.GetTestDatabasePool(t, ctx)
	helpers.EnsureTestSchema(t, ctx, pool)

	store := checkpoint.NewPostgresStore(pool)
	threadID := helpers.NewThreadID(t, pool)

	_, err := store.Load(ctx, threadID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	state := models.NewConversationState(threadID)
	state.Append(models.UserMessage("how many orders shipped yesterday?"))
	state.Append(models.AssistantMessage("The query returned 12 rows.", map[string]interface{}{
		"sql": "SELECT count(id) FROM orders WHERE shipped_at::date = current_date - 1",
	}))
	state.Retries = 1

	require.NoError(t, store.Save(ctx, state))
	assert.Equal(t, int64(1), state.Version)

	loaded, err := store.Load(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, threadID, loaded.ThreadID)
	require.Len(t, loaded.Log, 2)
	assert.Equal(t, models.RoleUser, loaded.Log[0].Role)
	assert.Equal(t, "The query returned 12 rows.", loaded.Log[1].Content)
	assert.Equal(t, 1, loaded.Retries)
	assert.Equal(t, int64(1), loaded.Version)
}

func TestPostgresStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	pool := helpers.GetTestDatabasePool(t, ctx)
	helpers.EnsureTestSchema(t, ctx, pool)

	store := checkpoint.NewPostgresStore(pool)
	threadID := helpers.NewThreadID(t, pool)

	state := models.NewConversationState(threadID)
	state.Append(models.UserMessage("first"))
	require.NoError(t, store.Save(ctx, state))

	// A second writer starting from version 0 loses the insert race.
	stale := models.NewConversationState(threadID)
	err := store.Save(ctx, stale)
	assert.ErrorIs(t, err, checkpoint.ErrVersionConflict)

	// A writer holding an outdated version loses the update race.
	holder, err := store.Load(ctx, threadID)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, state))

	err = store.Save(ctx, holder)
	assert.ErrorIs(t, err, checkpoint.ErrVersionConflict)
}

func TestPostgresStore_SequentialTurns(t *testing.T) {
	ctx := context.Background()
	pool := helpers.GetTestDatabasePool(t, ctx)
	helpers.EnsureTestSchema(t, ctx, pool)

	store := checkpoint.NewPostgresStore(pool)
	threadID := helpers.NewThreadID(t, pool)

	state := models.NewConversationState(threadID)
	for i := 0; i < 3; i++ {
		state.BeginTurn("question")
		state.Append(models.AssistantMessage("answer", nil))
		require.NoError(t, store.Save(ctx, state))
	}

	loaded, err := store.Load(ctx, threadID)
	require.NoError(t, err)
	assert.Len(t, loaded.Log, 6)
	assert.Equal(t, int64(3), loaded.Version)
}
