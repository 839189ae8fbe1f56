package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
)

// Step identifies one remote reasoning step of the pipeline.
type Step string

const (
	StepIntent   Step = "intent"
	StepSchema   Step = "schema"
	StepGenerate Step = "sqlgen"
	StepValidate Step = "validate"
	StepExecute  Step = "execute"
)

// StepRequest carries the message-log snapshot (plus any per-turn step
// replies) handed to a reasoning step.
type StepRequest struct {
	Messages []models.Message
}

// StepReply is the structured verdict returned by a reasoning step. Fields
// follow the wire schema of the agent services; Raw keeps the full decoded
// body so step-specific extras (schema plans, intent specs) survive intact.
type StepReply struct {
	Route               string                   `json:"route"`
	Decision            string                   `json:"decision"`
	DirectAnswer        string                   `json:"direct_answer"`
	NeedsClarification  bool                     `json:"needs_clarification"`
	ClarifyingQuestions []string                 `json:"clarifying_questions"`
	Dialect             string                   `json:"dialect"`
	SQL                 string                   `json:"sql"`
	Params              map[string]interface{}   `json:"params"`
	Warnings            []string                 `json:"warnings"`
	ValidatedSQL        string                   `json:"validated_sql"`
	Feedback            string                   `json:"feedback_for_sql_gen"`
	Issues              []models.ValidationIssue `json:"issues"`
	Error               string                   `json:"error"`
	Result              *models.ExecutionResult  `json:"result"`

	Raw map[string]interface{} `json:"-"`
}

// StepClient invokes a remote reasoning step with the current message context
// and returns its structured reply.
type StepClient interface {
	Invoke(ctx context.Context, step Step, req *StepRequest) (*StepReply, error)
}

// wireMessage is the message encoding the agent services accept.
type wireMessage struct {
	Role             string                 `json:"role"`
	Content          string                 `json:"content"`
	Name             string                 `json:"name,omitempty"`
	AdditionalKwargs map[string]interface{} `json:"additional_kwargs,omitempty"`
}

func toWire(msgs []models.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		role := "ai"
		if m.Role == models.RoleUser {
			role = "human"
		}
		out = append(out, wireMessage{
			Role:             role,
			Content:          m.Content,
			Name:             m.Name,
			AdditionalKwargs: m.Payload,
		})
	}
	return out
}

// StepClientConfig configures the HTTP step client.
type StepClientConfig struct {
	// Endpoints maps each step to the base URL of its agent service.
	Endpoints map[Step]string
	// Token is the shared-secret bearer credential every invocation carries.
	Token string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// Retries is the number of additional transport attempts after a
	// Transient failure. This is distinct from the validation retry loop.
	Retries int
	// RetryBackoff is the delay between transport attempts.
	RetryBackoff time.Duration
}

// HTTPStepClient invokes agent services over HTTP with bearer authentication,
// per-step circuit breakers, and bounded transport retries.
type HTTPStepClient struct {
	cfg        StepClientConfig
	httpClient *http.Client
	breakers   map[Step]*gobreaker.CircuitBreaker
	tracer     trace.Tracer
}

// NewHTTPStepClient creates a step client for the configured agent endpoints.
func NewHTTPStepClient(cfg StepClientConfig) *HTTPStepClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	breakers := make(map[Step]*gobreaker.CircuitBreaker, len(cfg.Endpoints))
	for step := range cfg.Endpoints {
		settings := gobreaker.Settings{
			Name:        string(step),
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}
		breakers[step] = gobreaker.NewCircuitBreaker(settings)
	}

	return &HTTPStepClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breakers:   breakers,
		tracer:     otel.Tracer("step-client"),
	}
}

// SetEndpoint overrides one step's base URL, for tests.
func (c *HTTPStepClient) SetEndpoint(step Step, baseURL string) {
	c.cfg.Endpoints[step] = baseURL
}

// Invoke calls the remote step with the message context. Transient failures
// are retried up to the configured bound, then escalated to a Contract error.
func (c *HTTPStepClient) Invoke(ctx context.Context, step Step, req *StepRequest) (*StepReply, error) {
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("step.%s.invoke", step))
	defer span.End()

	span.SetAttributes(
		attribute.String("step.name", string(step)),
		attribute.Int("step.messages", len(req.Messages)),
	)

	breaker, ok := c.breakers[step]
	if !ok {
		err := contractErr(step, "no endpoint configured")
		span.RecordError(err)
		return nil, err
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return c.invokeWithRetry(ctx, step, req)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, transientErr(step, "circuit breaker rejected call: %v", err)
		}
		return nil, err
	}

	return result.(*StepReply), nil
}

// invokeWithRetry performs transport-level retries for Transient failures.
// An exhausted retry budget escalates the failure to the Contract class so
// the engine aborts the turn rather than looping.
func (c *HTTPStepClient) invokeWithRetry(ctx context.Context, step Step, req *StepRequest) (*StepReply, error) {
	var lastErr error
	attempts := c.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, transientErr(step, "context cancelled during retry: %v", ctx.Err())
			case <-time.After(c.cfg.RetryBackoff):
			}
		}

		reply, err := c.doRequest(ctx, step, req)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, contractErr(step, "transport retries exhausted after %d attempts: %v", attempts, lastErr)
}

func (c *HTTPStepClient) doRequest(ctx context.Context, step Step, req *StepRequest) (*StepReply, error) {
	body, err := json.Marshal(toWire(req.Messages))
	if err != nil {
		return nil, contractErr(step, "failed to marshal request: %v", err)
	}

	url := fmt.Sprintf("%s/messages", c.cfg.Endpoints[step])
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, contractErr(step, "failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transientErr(step, "request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fatalErr(step, "credential rejected with status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, transientErr(step, "agent returned status %d", resp.StatusCode)
	default:
		raw, _ := io.ReadAll(resp.Body)
		return nil, contractErr(step, "agent returned status %d: %s", resp.StatusCode, string(raw))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientErr(step, "failed to read response: %v", err)
	}

	var reply StepReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, contractErr(step, "failed to decode response: %v", err)
	}
	if err := json.Unmarshal(raw, &reply.Raw); err != nil {
		return nil, contractErr(step, "failed to decode response payload: %v", err)
	}

	return &reply, nil
}

// IsHealthy probes the step's health endpoint with a short timeout.
func (c *HTTPStepClient) IsHealthy(ctx context.Context, step Step) bool {
	base, ok := c.cfg.Endpoints[step]
	if !ok {
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
