package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetrics_Creation(t *testing.T) {
	metrics, err := NewPipelineMetrics()
	require.NoError(t, err)
	assert.NotNil(t, metrics)
	assert.NotNil(t, metrics.turnsStartedCounter)
	assert.NotNil(t, metrics.turnsCompletedCounter)
	assert.NotNil(t, metrics.turnsFailedCounter)
	assert.NotNil(t, metrics.stepDurationHistogram)
	assert.NotNil(t, metrics.reworkCounter)
	assert.NotNil(t, metrics.fallbackCounter)
	assert.NotNil(t, metrics.turnsActiveGauge)
}

func TestPipelineMetrics_RecordTurnLifecycle(t *testing.T) {
	metrics, err := NewPipelineMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		metrics.RecordTurnStarted(ctx, "t1")
		metrics.RecordStepDuration(ctx, "intent", 120*time.Millisecond, true)
		metrics.RecordStepDuration(ctx, "validate", 80*time.Millisecond, false)
		metrics.RecordRework(ctx, "t1", 1)
		metrics.RecordTurnCompleted(ctx, "t1", "final", 2*time.Second)
	})
}

func TestPipelineMetrics_RecordOutcomes(t *testing.T) {
	metrics, err := NewPipelineMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	for _, outcome := range []string{"direct", "final", "fallback"} {
		metrics.RecordTurnStarted(ctx, "t1")
		metrics.RecordTurnCompleted(ctx, "t1", outcome, time.Second)
	}

	metrics.RecordTurnStarted(ctx, "t2")
	assert.NotPanics(t, func() {
		metrics.RecordTurnFailed(ctx, "t2", "contract", 500*time.Millisecond)
	})
}
