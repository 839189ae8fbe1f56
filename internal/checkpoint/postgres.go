package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
)

// PostgresStore persists conversation state in a single table keyed by
// thread identifier, with an explicit version column for compare-and-swap
// saves. It is the crash-durable store for production deployments.
type PostgresStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		tracer: otel.Tracer("checkpoint-store"),
	}
}

// EnsureSchema creates the checkpoint table if it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_threads (
			thread_id  TEXT PRIMARY KEY,
			state      JSONB NOT NULL,
			version    BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure checkpoint schema: %w", err)
	}
	return nil
}

// Load retrieves the state for a thread, or ErrNotFound.
func (s *PostgresStore) Load(ctx context.Context, threadID string) (*models.ConversationState, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.load")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", threadID))

	var raw []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT state, version FROM conversation_threads WHERE thread_id = $1`,
		threadID,
	).Scan(&raw, &version)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}

	var state models.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal state for thread %s: %w", threadID, err)
	}
	state.Version = version
	return &state, nil
}

// Save writes the state with a compare-and-swap on the version column. A new
// thread (version 0) is inserted; an existing one is updated only when the
// stored version still matches.
func (s *PostgresStore) Save(ctx context.Context, state *models.ConversationState) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread_id", state.ThreadID),
		attribute.Int64("version", state.Version),
	)

	state.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state for thread %s: %w", state.ThreadID, err)
	}

	if state.Version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO conversation_threads (thread_id, state, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (thread_id) DO NOTHING
		`, state.ThreadID, raw)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert thread %s: %w", state.ThreadID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		state.Version = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_threads
		SET state = $1, version = version + 1, updated_at = NOW()
		WHERE thread_id = $2 AND version = $3
	`, raw, state.ThreadID, state.Version)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update thread %s: %w", state.ThreadID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	state.Version++
	return nil
}
