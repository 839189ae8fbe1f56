package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RouteSignal is the enumerated verdict a routing-capable step emits. It is
// the sole control-flow input to the router besides the retry counter.
type RouteSignal string

const (
	SignalProceedToSchema RouteSignal = "proceed_to_schema"
	SignalRespondDirectly RouteSignal = "respond_directly"
	SignalPassAndExecute  RouteSignal = "pass_and_execute"
	SignalRework          RouteSignal = "rework"
	SignalFallback        RouteSignal = "fallback_to_direct"
)

// SQLDraft is the generation step's output awaiting validation.
type SQLDraft struct {
	SQL      string                 `json:"sql"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Dialect  string                 `json:"dialect,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
}

// ValidationIssue is a single finding reported by the validation step.
type ValidationIssue struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// ValidationVerdict is the validation step's structured decision on a draft.
type ValidationVerdict struct {
	Decision     string            `json:"decision"`
	ValidatedSQL string            `json:"validated_sql,omitempty"`
	Feedback     string            `json:"feedback_for_sql_gen,omitempty"`
	DirectAnswer string            `json:"direct_answer,omitempty"`
	Issues       []ValidationIssue `json:"issues,omitempty"`
}

// ExecutionResult is the execution step's result preview. Truncated reports
// whether the executing tool cut the row set at its configured maximum.
type ExecutionResult struct {
	SQL       string          `json:"sql,omitempty"`
	Params    []interface{}   `json:"params,omitempty"`
	Columns   []string        `json:"columns,omitempty"`
	Rows      [][]interface{} `json:"rows,omitempty"`
	RowCount  int             `json:"row_count"`
	Truncated bool            `json:"truncated"`
}

// WorkingSet holds the intermediate artifacts of the current pipeline pass.
// It is reset at the start of every user turn.
type WorkingSet struct {
	SchemaContext map[string]interface{} `json:"schema_context,omitempty"`
	Draft         *SQLDraft              `json:"draft,omitempty"`
	Verdict       *ValidationVerdict     `json:"verdict,omitempty"`
	Result        *ExecutionResult       `json:"result,omitempty"`
}

// Reset clears all intermediate artifacts.
func (w *WorkingSet) Reset() {
	*w = WorkingSet{}
}

// ConversationState is the durable state of one conversation thread: the
// append-only message log, the current pass's working set, and the validation
// retry counter. Version backs compare-and-swap persistence and is managed by
// the checkpoint store.
type ConversationState struct {
	ThreadID  string     `json:"thread_id"`
	Log       []Message  `json:"log"`
	Working   WorkingSet `json:"working"`
	Retries   int        `json:"retries"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewConversationState creates the empty state for a fresh thread.
func NewConversationState(threadID string) *ConversationState {
	return &ConversationState{ThreadID: threadID}
}

// Append adds one message to the log, preserving insertion order.
func (s *ConversationState) Append(msg Message) {
	s.Log = append(s.Log, msg)
}

// Snapshot returns a copy of the log safe to hand to a step invocation.
func (s *ConversationState) Snapshot() []Message {
	out := make([]Message, len(s.Log))
	copy(out, s.Log)
	return out
}

// BeginTurn appends the incoming user message and resets the working set and
// the validation retry counter for the new pipeline pass.
func (s *ConversationState) BeginTurn(content string) {
	s.Append(UserMessage(content))
	s.Working.Reset()
	s.Retries = 0
}

// Clone returns a deep copy via a JSON round trip. Used by in-memory stores
// so callers cannot mutate persisted state through shared references.
func (s *ConversationState) Clone() (*ConversationState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var out ConversationState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &out, nil
}
