package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/attractor-set/pg-rag-orchestrator/internal/checkpoint"
	"github.com/attractor-set/pg-rag-orchestrator/internal/metrics"
	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
	"github.com/attractor-set/pg-rag-orchestrator/internal/sqlguard"
	"github.com/attractor-set/pg-rag-orchestrator/pkg/logx"
)

// ErrThreadBusy is returned when a turn is already running on the thread.
// Turns on the same thread are strictly serialized.
var ErrThreadBusy = errors.New("orchestration: a turn is already running on this thread")

// DefaultMaxValidationAttempts bounds the validation rework loop per turn.
const DefaultMaxValidationAttempts = 3

const fallbackAnswer = "I wasn't able to produce a reliable SQL answer for this question. " +
	"Could you rephrase it or narrow it down?"

// TurnResult is the outcome of one completed user turn.
type TurnResult struct {
	ThreadID string                  `json:"thread_id"`
	Message  models.Message          `json:"message"`
	SQL      string                  `json:"sql,omitempty"`
	Result   *models.ExecutionResult `json:"result,omitempty"`
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Steps      StepClient
	Store      checkpoint.Store
	Guard      *sqlguard.Guard
	Metrics    *metrics.PipelineMetrics
	Sink       EventSink
	MaxRetries int
}

// Engine runs the question-to-SQL pipeline: intent triage, schema retrieval,
// generation, validation with a bounded rework loop, and execution. State is
// persisted only when a turn reaches a terminal answer, so a crash mid-turn
// replays from the last completed turn.
type Engine struct {
	steps      StepClient
	store      checkpoint.Store
	guard      *sqlguard.Guard
	metrics    *metrics.PipelineMetrics
	sink       EventSink
	maxRetries int
	tracer     trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an engine. Metrics and Sink may be nil.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxValidationAttempts
	}
	if cfg.Guard == nil {
		cfg.Guard = &sqlguard.Guard{}
	}
	return &Engine{
		steps:      cfg.Steps,
		store:      cfg.Store,
		guard:      cfg.Guard,
		metrics:    cfg.Metrics,
		sink:       cfg.Sink,
		maxRetries: cfg.MaxRetries,
		tracer:     otel.Tracer("pipeline-engine"),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (e *Engine) threadLock(threadID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[threadID] = lock
	}
	return lock
}

func (e *Engine) publish(ev TurnEvent) {
	if e.sink == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	e.sink.Publish(ev)
}

// Thread returns the persisted state of a conversation thread.
func (e *Engine) Thread(ctx context.Context, threadID string) (*models.ConversationState, error) {
	return e.store.Load(ctx, threadID)
}

// RunTurn processes one user message on a thread and returns the assistant's
// answer. Concurrent turns on the same thread are rejected with ErrThreadBusy.
func (e *Engine) RunTurn(ctx context.Context, threadID, content string) (*TurnResult, error) {
	lock := e.threadLock(threadID)
	if !lock.TryLock() {
		return nil, ErrThreadBusy
	}
	defer lock.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.run_turn")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", threadID))

	started := time.Now()
	if e.metrics != nil {
		e.metrics.RecordTurnStarted(ctx, threadID)
	}
	e.publish(TurnEvent{ThreadID: threadID, Type: EventTurnStarted})

	state, err := e.store.Load(ctx, threadID)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			e.failTurn(ctx, threadID, started, err)
			return nil, err
		}
		state = models.NewConversationState(threadID)
	}
	state.BeginTurn(content)

	result, err := e.runPipeline(ctx, state)
	if err != nil {
		e.failTurn(ctx, threadID, started, err)
		return nil, err
	}

	outcome := "final"
	if result.SQL == "" {
		outcome = "direct"
	}
	if result.Message.Metadata["outcome"] == "fallback" {
		outcome = "fallback"
	}
	if e.metrics != nil {
		e.metrics.RecordTurnCompleted(ctx, threadID, outcome, time.Since(started))
	}
	e.publish(TurnEvent{ThreadID: threadID, Type: EventTurnCompleted})
	return result, nil
}

func (e *Engine) failTurn(ctx context.Context, threadID string, started time.Time, err error) {
	logx.Error().
		Str("thread_id", threadID).
		Str("error_kind", KindOf(err).String()).
		Err(err).
		Msg("turn aborted")
	if e.metrics != nil {
		e.metrics.RecordTurnFailed(ctx, threadID, KindOf(err).String(), time.Since(started))
	}
	e.publish(TurnEvent{ThreadID: threadID, Type: EventTurnFailed, Error: err.Error()})
}

// runPipeline drives the step graph for one turn. scratch accumulates the
// per-turn tool messages handed to downstream steps; only the user message and
// the final assistant message are appended to the durable log.
func (e *Engine) runPipeline(ctx context.Context, state *models.ConversationState) (*TurnResult, error) {
	scratch := state.Snapshot()

	intentReply, err := e.invokeStep(ctx, state.ThreadID, StepIntent, scratch)
	if err != nil {
		return nil, err
	}
	sig, err := IntentSignalOf(intentReply)
	if err != nil {
		return nil, err
	}
	route, err := RouteIntent(sig)
	if err != nil {
		return nil, err
	}

	if route == RouteDirect {
		return e.finishDirect(ctx, state, intentReply)
	}

	scratch = append(scratch, stepMessage(StepIntent, intentReply))

	schemaReply, err := e.invokeStep(ctx, state.ThreadID, StepSchema, scratch)
	if err != nil {
		return nil, err
	}
	state.Working.SchemaContext = schemaReply.Raw
	scratch = append(scratch, stepMessage(StepSchema, schemaReply))

	for {
		genReply, err := e.invokeStep(ctx, state.ThreadID, StepGenerate, scratch)
		if err != nil {
			return nil, err
		}
		state.Working.Draft = &models.SQLDraft{
			SQL:      genReply.SQL,
			Params:   genReply.Params,
			Dialect:  genReply.Dialect,
			Warnings: genReply.Warnings,
		}
		scratch = append(scratch, stepMessage(StepGenerate, genReply))

		valReply, err := e.invokeStep(ctx, state.ThreadID, StepValidate, scratch)
		if err != nil {
			return nil, err
		}
		state.Working.Verdict = &models.ValidationVerdict{
			Decision:     valReply.Decision,
			ValidatedSQL: valReply.ValidatedSQL,
			Feedback:     valReply.Feedback,
			DirectAnswer: valReply.DirectAnswer,
			Issues:       valReply.Issues,
		}
		scratch = append(scratch, stepMessage(StepValidate, valReply))

		sig, err := ValidationSignalOf(valReply)
		if err != nil {
			return nil, err
		}
		route, err := RouteValidation(state, sig, e.maxRetries)
		if err != nil {
			return nil, err
		}

		switch route {
		case RouteToGenerate:
			logx.Debug().
				Str("thread_id", state.ThreadID).
				Int("attempt", state.Retries).
				Str("feedback", valReply.Feedback).
				Msg("validation requested rework")
			if e.metrics != nil {
				e.metrics.RecordRework(ctx, state.ThreadID, state.Retries)
			}
			e.publish(TurnEvent{ThreadID: state.ThreadID, Type: EventRework, Attempt: state.Retries})
			continue

		case RouteToExecute:
			validated, gerr := e.guard.Validate(valReply.ValidatedSQL)
			if gerr != nil {
				logx.Warn().
					Str("thread_id", state.ThreadID).
					Err(gerr).
					Msg("validated statement rejected by policy")
				return e.finishFallback(ctx, state, valReply)
			}
			execReply, err := e.invokeStep(ctx, state.ThreadID, StepExecute, scratch)
			if err != nil {
				return nil, err
			}
			return e.finishFinal(ctx, state, validated, execReply)

		case RouteFallback:
			return e.finishFallback(ctx, state, valReply)

		default:
			return nil, contractErr(StepValidate, "router produced unexpected route %q", route)
		}
	}
}

// invokeStep calls one remote step and records its duration and events.
func (e *Engine) invokeStep(ctx context.Context, threadID string, step Step, msgs []models.Message) (*StepReply, error) {
	e.publish(TurnEvent{ThreadID: threadID, Type: EventStepStarted, Step: step})
	started := time.Now()

	reply, err := e.steps.Invoke(ctx, step, &StepRequest{Messages: msgs})

	if e.metrics != nil {
		e.metrics.RecordStepDuration(ctx, string(step), time.Since(started), err == nil)
	}
	if err != nil {
		return nil, err
	}
	e.publish(TurnEvent{ThreadID: threadID, Type: EventStepCompleted, Step: step})
	return reply, nil
}

// stepMessage folds a step reply into a tool message for downstream steps.
func stepMessage(step Step, reply *StepReply) models.Message {
	content := reply.DirectAnswer
	if content == "" {
		content = reply.SQL
	}
	return models.ToolMessage(string(step), content, reply.Raw)
}

// finishDirect ends a turn the intent step answered without touching SQL.
func (e *Engine) finishDirect(ctx context.Context, state *models.ConversationState, reply *StepReply) (*TurnResult, error) {
	answer := reply.DirectAnswer
	if answer == "" && reply.NeedsClarification && len(reply.ClarifyingQuestions) > 0 {
		answer = reply.ClarifyingQuestions[0]
	}
	if answer == "" {
		return nil, contractErr(StepIntent, "direct answer route carried no answer")
	}
	msg := models.AssistantMessage(answer, nil)
	msg.Metadata = map[string]string{"outcome": "direct"}
	return e.commitTurn(ctx, state, msg, "", nil)
}

// finishFallback ends a turn that could not produce trustworthy SQL.
func (e *Engine) finishFallback(ctx context.Context, state *models.ConversationState, reply *StepReply) (*TurnResult, error) {
	answer := reply.DirectAnswer
	if answer == "" {
		answer = fallbackAnswer
	}
	msg := models.AssistantMessage(answer, nil)
	msg.Metadata = map[string]string{"outcome": "fallback"}
	return e.commitTurn(ctx, state, msg, "", nil)
}

// finishFinal ends a turn with an executed statement. An execution-level error
// reported by the agent is still a valid final answer: the statement was
// sound, the database disagreed.
func (e *Engine) finishFinal(ctx context.Context, state *models.ConversationState, sql string, reply *StepReply) (*TurnResult, error) {
	state.Working.Result = reply.Result

	answer := reply.DirectAnswer
	if answer == "" {
		switch {
		case reply.Error != "":
			answer = fmt.Sprintf("The query could not be executed: %s", reply.Error)
		case reply.Result != nil && reply.Result.Truncated:
			answer = fmt.Sprintf("The query returned %d rows (truncated).", reply.Result.RowCount)
		case reply.Result != nil:
			answer = fmt.Sprintf("The query returned %d rows.", reply.Result.RowCount)
		default:
			answer = "The query completed without a result preview."
		}
	}

	payload := map[string]interface{}{"sql": sql}
	if reply.Result != nil {
		payload["result"] = reply.Result
	}
	msg := models.AssistantMessage(answer, payload)
	msg.Metadata = map[string]string{"outcome": "final"}
	return e.commitTurn(ctx, state, msg, sql, reply.Result)
}

// commitTurn appends the assistant answer and persists the state. A cancelled
// context never persists a half-finished turn.
func (e *Engine) commitTurn(ctx context.Context, state *models.ConversationState, msg models.Message, sql string, result *models.ExecutionResult) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("turn cancelled before commit: %w", err)
	}

	state.Append(msg)
	if err := e.store.Save(ctx, state); err != nil {
		if errors.Is(err, checkpoint.ErrVersionConflict) {
			return nil, fmt.Errorf("thread %s was modified concurrently: %w", state.ThreadID, err)
		}
		return nil, fmt.Errorf("failed to persist thread %s: %w", state.ThreadID, err)
	}

	logx.Info().
		Str("thread_id", state.ThreadID).
		Str("outcome", msg.Metadata["outcome"]).
		Int("retries", state.Retries).
		Int("log_len", len(state.Log)).
		Msg("turn committed")

	return &TurnResult{
		ThreadID: state.ThreadID,
		Message:  msg,
		SQL:      sql,
		Result:   result,
	}, nil
}
