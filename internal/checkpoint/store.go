package checkpoint

import (
	"context"
	"errors"

	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned by Load when the thread has no persisted state.
	ErrNotFound = errors.New("checkpoint: thread not found")
	// ErrVersionConflict is returned by Save when the state's version no
	// longer matches the stored one, meaning a concurrent turn won the write.
	ErrVersionConflict = errors.New("checkpoint: version conflict")
)

// Store is durable keyed storage for conversation state. Save performs a
// compare-and-swap on the state's Version: a successful save bumps the
// version both in storage and on the passed state.
type Store interface {
	Load(ctx context.Context, threadID string) (*models.ConversationState, error)
	Save(ctx context.Context, state *models.ConversationState) error
}
