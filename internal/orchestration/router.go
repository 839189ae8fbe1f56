package orchestration

import (
	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
)

// Route is the router's decision on which pipeline stage runs next.
// RouteDirect and RouteFallback are terminal: the turn proceeds to answer
// assembly instead of another step invocation.
type Route string

const (
	RouteToSchema   Route = "schema"
	RouteToGenerate Route = "sqlgen"
	RouteToExecute  Route = "execute"
	RouteDirect     Route = "direct"
	RouteFallback   Route = "fallback"
)

// Terminal reports whether the route ends the pipeline pass.
func (r Route) Terminal() bool {
	return r == RouteDirect || r == RouteFallback
}

// Wire values emitted by the agent services.
const (
	wireRouteSQLPipeline  = "sql_pipeline"
	wireRouteDirectAnswer = "direct_answer"
	wireDecisionPass      = "pass"
	wireDecisionRework    = "rework"
)

// IntentSignalOf derives the route signal from an intent step reply. An
// unrecognized wire value is a Contract error.
func IntentSignalOf(reply *StepReply) (models.RouteSignal, error) {
	switch reply.Route {
	case wireRouteDirectAnswer:
		return models.SignalRespondDirectly, nil
	case wireRouteSQLPipeline:
		return models.SignalProceedToSchema, nil
	default:
		return "", contractErr(StepIntent, "unrecognized route signal %q", reply.Route)
	}
}

// ValidationSignalOf derives the route signal from a validation step reply.
// An unrecognized route/decision combination is a Contract error.
func ValidationSignalOf(reply *StepReply) (models.RouteSignal, error) {
	switch {
	case reply.Route == wireRouteSQLPipeline && reply.Decision == wireDecisionPass:
		return models.SignalPassAndExecute, nil
	case reply.Route == wireRouteSQLPipeline && reply.Decision == wireDecisionRework:
		return models.SignalRework, nil
	case reply.Route == wireRouteDirectAnswer:
		return models.SignalFallback, nil
	default:
		return "", contractErr(StepValidate, "unrecognized route/decision %q/%q", reply.Route, reply.Decision)
	}
}

// RouteIntent maps the intent step's signal to the next stage.
func RouteIntent(sig models.RouteSignal) (Route, error) {
	switch sig {
	case models.SignalRespondDirectly:
		return RouteDirect, nil
	case models.SignalProceedToSchema:
		return RouteToSchema, nil
	default:
		return "", contractErr(StepIntent, "signal %q is not valid for the intent router", sig)
	}
}

// RouteValidation maps the validation step's signal to the next stage,
// enforcing the retry bound. On a rework verdict the counter is incremented
// first and then checked against maxRetries, so the bound can never be
// overrun by one extra generation attempt. Once the counter has reached the
// bound the route is fallback regardless of the signal.
func RouteValidation(state *models.ConversationState, sig models.RouteSignal, maxRetries int) (Route, error) {
	if state.Retries >= maxRetries {
		return RouteFallback, nil
	}

	switch sig {
	case models.SignalPassAndExecute:
		return RouteToExecute, nil
	case models.SignalRework:
		state.Retries++
		if state.Retries < maxRetries {
			return RouteToGenerate, nil
		}
		return RouteFallback, nil
	case models.SignalFallback:
		return RouteFallback, nil
	default:
		return "", contractErr(StepValidate, "signal %q is not valid for the validation router", sig)
	}
}
