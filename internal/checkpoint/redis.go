package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
)

const threadKeyPrefix = "pgrag:thread:"

// RedisStore keeps conversation state in Redis hashes, one per thread, with
// the version tracked in its own field. Saves run inside WATCH/MULTI so a
// concurrent writer aborts the transaction instead of clobbering state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store on the given client. A zero ttl means threads
// never expire.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func threadKey(threadID string) string {
	return threadKeyPrefix + threadID
}

// Load retrieves the state for a thread, or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, threadID string) (*models.ConversationState, error) {
	fields, err := s.client.HGetAll(ctx, threadKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	raw, ok := fields["state"]
	if !ok {
		return nil, ErrNotFound
	}

	var state models.ConversationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state for thread %s: %w", threadID, err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt version for thread %s: %w", threadID, err)
	}
	state.Version = version
	return &state, nil
}

// Save writes the state under WATCH on the thread key. The stored version
// must match the state's version or the save fails with ErrVersionConflict.
func (s *RedisStore) Save(ctx context.Context, state *models.ConversationState) error {
	key := threadKey(state.ThreadID)
	state.UpdatedAt = time.Now().UTC()

	txn := func(tx *redis.Tx) error {
		stored, err := tx.HGet(ctx, key, "version").Result()
		switch {
		case errors.Is(err, redis.Nil):
			if state.Version != 0 {
				return ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			version, perr := strconv.ParseInt(stored, 10, 64)
			if perr != nil {
				return fmt.Errorf("corrupt version for thread %s: %w", state.ThreadID, perr)
			}
			if version != state.Version {
				return ErrVersionConflict
			}
		}

		raw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal state for thread %s: %w", state.ThreadID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "state", raw, "version", state.Version+1)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return ErrVersionConflict
		}
		if errors.Is(err, ErrVersionConflict) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to save thread %s: %w", state.ThreadID, err)
	}
	state.Version++
	return nil
}
