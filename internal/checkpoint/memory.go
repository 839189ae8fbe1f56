package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
)

// MemoryStore is an in-process Store for tests and single-node development
// runs. State is kept as marshaled JSON so callers never share references
// with the stored copy.
type MemoryStore struct {
	mu       sync.Mutex
	states   map[string][]byte
	versions map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

// Load returns a copy of the stored state, or ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context, threadID string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.states[threadID]
	if !ok {
		return nil, ErrNotFound
	}

	var state models.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state for thread %s: %w", threadID, err)
	}
	state.Version = s.versions[threadID]
	return &state, nil
}

// Save stores the state if its version matches the stored one, then bumps
// the version.
func (s *MemoryStore) Save(ctx context.Context, state *models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.versions[state.ThreadID]; ok && current != state.Version {
		return ErrVersionConflict
	} else if !ok && state.Version != 0 {
		return ErrVersionConflict
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state for thread %s: %w", state.ThreadID, err)
	}

	s.states[state.ThreadID] = raw
	s.versions[state.ThreadID] = state.Version + 1
	state.Version++
	return nil
}
