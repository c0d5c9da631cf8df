// Package attempt implements the backend attempt engine, spec.md §4.3: it
// walks an AdmissionContext's ordered candidate list, dispatching each
// attempt through a caller-supplied Dispatcher, classifying failures as
// retriable or terminal, updating backend health, and settling or refunding
// the admission controller's reservations exactly once per request.
//
// Grounded on _examples/original_source/src/gateway/http/translation_backend.rs's
// attempt_translation_backend: one attempt per candidate, a three-way
// outcome (terminal response, continue to next candidate, or a terminal
// error that stops the whole attempt), and an attempted_backends list
// threaded through for the audit record.
package attempt

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/envoyproxy/llmgw/internal/budget"
	"github.com/envoyproxy/llmgw/internal/concurrency"
	"github.com/envoyproxy/llmgw/internal/gatewayerr"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/health"
)

// Outcome is the three-way result a Dispatcher call can produce for a
// single candidate, mirroring BackendAttemptOutcome.
type Outcome int

const (
	// OutcomeSuccess means the candidate served the request; stop here.
	OutcomeSuccess Outcome = iota
	// OutcomeContinue means this candidate failed in a way the next
	// candidate might recover from (timeout, 429, 5xx, connection error).
	OutcomeContinue
	// OutcomeTerminal means the failure is not backend-specific (a
	// malformed request, an unsupported endpoint) and retrying another
	// candidate would fail identically; stop immediately.
	OutcomeTerminal
)

// Result is what one Dispatcher call reports back to the engine.
type Result struct {
	Outcome Outcome
	// Response carries the upstream payload on OutcomeSuccess.
	Response *Response
	// Err carries the failure reason on OutcomeContinue or OutcomeTerminal.
	Err error
	// SpentTokens and SpentCostUSDMicros are the actual usage reported by
	// the upstream, known only once it has responded; used to settle the
	// admission controller's reservations precisely rather than at the
	// admission-time estimate.
	SpentTokens         int64
	SpentCostUSDMicros  int64
}

// Response is the attempt engine's opaque success payload; the HTTP
// front-end and the translation layer fill in its real shape (status,
// headers, body or stream), the engine itself only needs to know an
// attempt succeeded.
type Response struct {
	Status int
	Body   []byte
	Header map[string][]string
}

// Dispatcher sends env to one backend candidate and reports the outcome.
// internal/upstream.Dispatcher implements it for both verbatim proxying
// and cross-dialect translation.
type Dispatcher interface {
	Dispatch(ctx context.Context, candidate gatewaytypes.BackendCandidate, env *gatewaytypes.Envelope) Result
}

// Metrics is the narrow slice of internal/observability the attempt engine
// drives, one call per candidate dispatch. An interface for the same
// reason internal/admission.Metrics is: tests inject a no-op, and the
// engine never depends on the observability package's own locking.
type Metrics interface {
	RecordBackendAttempt(backend string, status int, dur time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordBackendAttempt(string, int, time.Duration) {}

// Engine drives the candidate walk for one request.
type Engine struct {
	Health  *health.Registry
	Permits *concurrency.Permits
	Ledger  *budget.Ledger
	Store   budget.Store // optional; mirrors in-memory settle/refund against the persistent store when set.
	Metrics Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// New builds an Engine. logger may be nil.
func New(healthRegistry *health.Registry, ledger *budget.Ledger, store budget.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Health: healthRegistry, Permits: concurrency.NewPermits(), Ledger: ledger, Store: store, Metrics: noopMetrics{}, Logger: logger, Now: time.Now}
}

// Run walks ac.Candidates in order, dispatching each through d, until one
// succeeds or a terminal error is returned or the candidates are exhausted.
// On return it has already settled or refunded every reservation in ac
// exactly once, and populated audit with the request's outcome.
func (e *Engine) Run(ctx context.Context, ac *gatewaytypes.AdmissionContext, env *gatewaytypes.Envelope, d Dispatcher) (*Response, *gatewaytypes.AuditRecord, error) {
	if e.Metrics == nil {
		e.Metrics = noopMetrics{}
	}
	audit := &gatewaytypes.AuditRecord{
		RequestID:    env.RequestID,
		VirtualKeyID: ac.VirtualKeyID,
		Method:       env.Method,
		Path:         env.PathAndQuery,
		Model:        env.Model,
		ChargedTokens: int64(env.ChargeTokens()),
		ChargedCostUSDMicros: ac.ChargeCostUSDMicros,
		CreatedAt:    e.Now(),
	}

	var lastErr error
	for _, candidate := range ac.Candidates {
		audit.AttemptedBackends = append(audit.AttemptedBackends, candidate.Name)

		select {
		case <-ctx.Done():
			audit.Cancelled = true
			e.RefundAll(ctx, ac)
			return nil, audit, gatewayerr.Wrap(gatewayerr.KindInternal, "request_cancelled", "request cancelled before a backend responded", ctx.Err()).WithRequestID(env.RequestID)
		default:
		}

		// Step 1: concurrency permits. A candidate that cannot get a permit
		// within its wait budget is BackendRateLimited and skipped in favor
		// of the next one, since another candidate may be free right now;
		// only an outer client disconnect (ctx cancelled) aborts the whole
		// request.
		permitStart := e.Now()
		release, permitOutcome := e.Permits.Acquire(ctx, candidate.Name, candidate.MaxInFlight, candidate.PermitWaitBudget)
		switch permitOutcome {
		case concurrency.Cancelled:
			audit.Cancelled = true
			e.RefundAll(ctx, ac)
			return nil, audit, gatewayerr.Wrap(gatewayerr.KindInternal, "request_cancelled", "request cancelled waiting for a backend concurrency permit", ctx.Err()).WithRequestID(env.RequestID)
		case concurrency.TimedOut:
			tracker := e.Health.Get(candidate.Name)
			tracker.OnRetriableFailure(e.Now())
			lastErr = gatewayerr.BackendRateLimited("backend " + candidate.Name + " did not free a concurrency permit within its wait budget").WithRequestID(env.RequestID)
			e.Metrics.RecordBackendAttempt(candidate.Name, lastErr.(*gatewayerr.Error).HTTPStatus(), e.Now().Sub(permitStart))
			continue
		}

		tracker := e.Health.Get(candidate.Name)
		attemptStart := e.Now()
		result := d.Dispatch(ctx, candidate, env)
		release()
		attemptDur := e.Now().Sub(attemptStart)

		switch result.Outcome {
		case OutcomeSuccess:
			tracker.OnSuccess()
			e.SettleAll(ctx, ac, result.SpentTokens, result.SpentCostUSDMicros)
			audit.Status = result.Response.Status
			audit.ChosenBackend = candidate.Name
			audit.SpentTokens = result.SpentTokens
			audit.SpentCostUSDMicros = result.SpentCostUSDMicros
			audit.Mode = gatewaytypes.AuditModeTranslation
			if candidate.TranslationBackend {
				audit.Mode = gatewaytypes.AuditModeTranslation
			} else {
				audit.Mode = gatewaytypes.AuditModeProxy
			}
			e.Metrics.RecordBackendAttempt(candidate.Name, result.Response.Status, attemptDur)
			return result.Response, audit, nil

		case OutcomeTerminal:
			e.RefundAll(ctx, ac)
			audit.Status = statusOf(result.Err)
			e.Metrics.RecordBackendAttempt(candidate.Name, audit.Status, attemptDur)
			return nil, audit, result.Err

		default: // OutcomeContinue
			tracker.OnRetriableFailure(e.Now())
			lastErr = result.Err
			e.Metrics.RecordBackendAttempt(candidate.Name, statusOf(result.Err), attemptDur)
			e.Logger.Debug("attempt: backend failed, trying next candidate",
				zap.String("request_id", env.RequestID), zap.String("backend", candidate.Name), zap.Error(result.Err))
		}
	}

	e.RefundAll(ctx, ac)
	if lastErr == nil {
		lastErr = gatewayerr.BackendUnavailable("all candidate backends failed")
	}
	audit.Status = statusOf(lastErr)
	return nil, audit, gatewayerr.BackendUnavailable("all candidate backends failed: " + lastErr.Error()).WithRequestID(env.RequestID)
}

func statusOf(err error) int {
	if gwErr, ok := err.(*gatewayerr.Error); ok {
		return gwErr.HTTPStatus()
	}
	return 502
}

// SettleAll commits the actual spend reported by the winning candidate
// against every reserved scope, releasing the admission-time estimate.
func (e *Engine) SettleAll(ctx context.Context, ac *gatewaytypes.AdmissionContext, spentTokens, spentCost int64) {
	for scope := range ac.TokenReservationIDs {
		reserved := int64(0)
		if b, ok := ac.BudgetsByScope[scope]; ok {
			reserved = b.TotalTokens
		}
		e.Ledger.SettleTokens(scope, reserved, spentTokens)
	}
	for scope, id := range ac.CostReservationIDs {
		e.Ledger.SettleCost(scope, ac.ChargeCostUSDMicros, spentCost)
		if e.Store != nil && id != "" {
			_ = e.Store.Settle(ctx, id, spentCost)
		}
	}
	if e.Store != nil {
		for _, id := range ac.TokenReservationIDs {
			if id != "" {
				_ = e.Store.Settle(ctx, id, spentTokens)
			}
		}
	}
}

// RefundAll releases every reservation ac recorded, used when no candidate
// succeeds or a terminal/cancellation error stops the walk.
func (e *Engine) RefundAll(ctx context.Context, ac *gatewaytypes.AdmissionContext) {
	for scope, b := range ac.BudgetsByScope {
		if b.TotalTokens > 0 {
			e.Ledger.RefundTokens(scope, b.TotalTokens)
		}
	}
	for scope := range ac.CostReservationIDs {
		e.Ledger.RefundCost(scope, ac.ChargeCostUSDMicros)
	}
	if e.Store != nil {
		for _, id := range ac.TokenReservationIDs {
			if id != "" {
				_ = e.Store.Refund(ctx, id)
			}
		}
		for _, id := range ac.CostReservationIDs {
			if id != "" {
				_ = e.Store.Refund(ctx, id)
			}
		}
	}
}
