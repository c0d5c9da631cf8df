// Package admission implements the gateway's admission controller, spec.md
// §4.1: the single entry point that turns an inbound request Envelope into
// an AdmissionContext (or rejects it) by running virtual-key authentication,
// guardrail evaluation, rate limiting, budget reservation, and backend
// selection, all under one mutex — the "gateway lock" spec.md §5 requires
// for admission atomicity.
//
// Grounded on _examples/original_source/src/gateway/http/openai_compat_proxy/resolve_gateway_context.rs:
// the scope resolution order (key, then tenant, then project, then user)
// and the "first rejection short-circuits, already-consumed scopes are not
// credited back" rate-limit semantics mirror that function. The overall
// check order (auth, enabled, rate-limits, guardrails, cost-endpoint-class,
// token-budget, backend-select, cost-budget) follows spec.md §4.1 exactly.
package admission

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/envoyproxy/llmgw/internal/budget"
	"github.com/envoyproxy/llmgw/internal/gatewayerr"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/guardrails"
	"github.com/envoyproxy/llmgw/internal/ratewindow"
	"github.com/envoyproxy/llmgw/internal/router"
)

// KeyStore resolves a bearer token to the virtual key that owns it.
type KeyStore interface {
	Lookup(token string) (*gatewaytypes.VirtualKey, bool)
}

// Metrics is the narrow slice of internal/observability the admission
// controller drives. It is an interface here (rather than a direct
// dependency on internal/observability) so the controller's lock-holding
// code never blocks on the metrics package's own locking, and so tests can
// inject a no-op.
type Metrics interface {
	RecordRequest()
	RecordRateLimited(scope gatewaytypes.Scope)
	RecordBudgetExceeded(scope gatewaytypes.Scope)
}

type noopMetrics struct{}

func (noopMetrics) RecordRequest()                              {}
func (noopMetrics) RecordRateLimited(gatewaytypes.Scope)         {}
func (noopMetrics) RecordBudgetExceeded(gatewaytypes.Scope)      {}

// Controller is the admission controller described by spec.md §4.1. A
// single Controller instance is shared by every request goroutine; mu is
// the one "gateway lock" that serializes admission decisions.
type Controller struct {
	mu sync.Mutex

	Keys   KeyStore
	Rates  *ratewindow.Table
	Ledger *budget.Ledger
	Router *router.Router
	Store  budget.Store // optional persistent reservation backend; nil means in-memory only.
	Metrics Metrics

	Logger *zap.Logger
	Now    func() time.Time
}

// New builds a Controller. metrics may be nil, in which case admission
// runs with a no-op metrics sink.
func New(keys KeyStore, rates *ratewindow.Table, ledger *budget.Ledger, r *router.Router, store budget.Store, metrics Metrics, logger *zap.Logger) *Controller {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{Keys: keys, Rates: rates, Ledger: ledger, Router: r, Store: store, Metrics: metrics, Logger: logger, Now: time.Now}
}

// scopeBudget pairs a scope with the budget that governs it, in check
// order: key, then tenant, then project, then user.
type scopeLimits struct {
	scope  gatewaytypes.Scope
	limits gatewaytypes.Limits
}

type scopeBudget struct {
	scope  gatewaytypes.Scope
	budget gatewaytypes.Budget
}

// Admit runs the full admission pipeline for env and returns the resolved
// AdmissionContext, or a *gatewayerr.Error describing why the request was
// rejected. Admit is safe for concurrent use.
func (c *Controller) Admit(ctx context.Context, env *gatewaytypes.Envelope) (*gatewaytypes.AdmissionContext, error) {
	c.Logger.Debug("admit: enter", zap.String("request_id", env.RequestID), zap.String("model", env.Model))

	ac, err := c.admitLocked(env)

	if err != nil {
		c.Logger.Debug("admit: reject", zap.String("request_id", env.RequestID), zap.Error(err))
		return nil, err
	}
	c.Logger.Debug("admit: accept", zap.String("request_id", env.RequestID), zap.Int("candidates", len(ac.Candidates)))

	// Persistent-store reservations happen after the gateway lock is
	// dropped (spec.md §5): admitLocked has already reserved against the
	// in-memory ledger so concurrent admissions see the hold, but any
	// network round trip to a remote store must not happen while other
	// goroutines are blocked on mu.
	if c.Store != nil {
		if err := c.reserveInStore(ctx, ac); err != nil {
			c.refundLocked(ac)
			return nil, gatewayerr.Internal("failed to record budget reservation", err).WithRequestID(env.RequestID)
		}
	}

	return ac, nil
}

func (c *Controller) admitLocked(env *gatewaytypes.Envelope) (*gatewaytypes.AdmissionContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Metrics.RecordRequest()

	key, err := c.authenticate(env)
	if err != nil {
		return nil, err
	}

	stripAuthorization := true // a virtual key was required and consumed, so the upstream never sees the client's token.

	keyScope := key.ScopeKey()
	overrides := c.resolveOverrides(key)

	chargeTokens := env.ChargeTokens()
	minute := c.Now().Unix() / 60

	// Step 3: rate limits, per spec.md §4.1's fixed check order (auth,
	// enabled, rate-limits, guardrails, cost-endpoint-class, token-budget,
	// backend-select, cost-budget).
	scopesToCheck := []scopeLimits{{scope: keyScope, limits: key.Limits}}
	for _, ov := range overrides {
		if ov.limits != nil {
			scopesToCheck = append(scopesToCheck, scopeLimits{scope: ov.scope, limits: *ov.limits})
		}
	}
	for _, sl := range scopesToCheck {
		if !c.Rates.CheckAndConsume(sl.scope, sl.limits, chargeTokens, minute) {
			c.Metrics.RecordRateLimited(sl.scope)
			return nil, gatewayerr.RateLimited("rate limit exceeded for scope " + string(sl.scope)).WithRequestID(env.RequestID)
		}
	}

	// Step 4: guardrails.
	if v := c.evaluateGuardrails(key, env); v != nil {
		return nil, gatewayerr.PolicyError(v.Message).WithRequestID(env.RequestID)
	}

	// Step 5: cost-endpoint classification.
	hasCostBudget := key.Budget.HasCostBudget()
	for _, ov := range overrides {
		if ov.budget != nil && ov.budget.HasCostBudget() {
			hasCostBudget = true
		}
	}
	if hasCostBudget && ClassifyEndpoint(env.PathAndQuery) == EndpointUnsupported {
		display := strings.TrimSuffix(strings.SplitN(env.PathAndQuery, "?", 2)[0], "/")
		return nil, gatewayerr.InvalidRequest("cost_budget_unsupported_endpoint",
			"cost budgets are not supported on endpoint "+display).WithRequestID(env.RequestID)
	}

	budgetScopes := []scopeBudget{}
	if key.Budget.TotalTokens > 0 || key.Budget.HasCostBudget() {
		budgetScopes = append(budgetScopes, scopeBudget{scope: keyScope, budget: key.Budget})
	}
	for _, ov := range overrides {
		if ov.budget != nil && (ov.budget.TotalTokens > 0 || ov.budget.HasCostBudget()) {
			budgetScopes = append(budgetScopes, scopeBudget{scope: ov.scope, budget: *ov.budget})
		}
	}

	// Step 6: token-budget reservation.
	reservedTokenScopes := make(map[gatewaytypes.Scope]int64, len(budgetScopes))
	for _, sb := range budgetScopes {
		if sb.budget.TotalTokens <= 0 {
			continue
		}
		amount := int64(chargeTokens)
		if !c.Ledger.CanSpendTokens(sb.scope, sb.budget, amount) {
			c.Metrics.RecordBudgetExceeded(sb.scope)
			c.refundTokens(reservedTokenScopes)
			return nil, gatewayerr.BudgetExceeded("token budget exceeded for scope " + string(sb.scope)).WithRequestID(env.RequestID)
		}
		c.Ledger.ReserveTokens(sb.scope, amount)
		reservedTokenScopes[sb.scope] = amount
	}

	// Step 7: backend selection.
	candidates := c.Router.Select(env.Model, key.ID, env.RequestID)
	if len(candidates) == 0 {
		c.refundTokens(reservedTokenScopes)
		return nil, gatewayerr.NoBackend("no backend configured for model " + env.Model).WithRequestID(env.RequestID)
	}

	// Step 8: cost-budget reservation.
	chargeCost := estimateCostUSDMicros(candidates[0], env.Model, chargeTokens)
	reservedCostScopes := make(map[gatewaytypes.Scope]int64)
	if hasCostBudget {
		for _, sb := range budgetScopes {
			if !sb.budget.HasCostBudget() {
				continue
			}
			if !c.Ledger.CanSpendCost(sb.scope, sb.budget, chargeCost) {
				c.Metrics.RecordBudgetExceeded(sb.scope)
				c.refundTokens(reservedTokenScopes)
				c.refundCost(reservedCostScopes)
				return nil, gatewayerr.BudgetExceeded("cost budget exceeded for scope " + string(sb.scope)).WithRequestID(env.RequestID)
			}
			c.Ledger.ReserveCost(sb.scope, chargeCost)
			reservedCostScopes[sb.scope] = chargeCost
		}
	}

	budgetsByScope := make(map[gatewaytypes.Scope]*gatewaytypes.Budget, len(budgetScopes))
	for _, sb := range budgetScopes {
		b := sb.budget
		budgetsByScope[sb.scope] = &b
	}

	return &gatewaytypes.AdmissionContext{
		VirtualKeyID:        key.ID,
		Limits:              &key.Limits,
		BudgetsByScope:       budgetsByScope,
		Candidates:           candidates,
		StripAuthorization:   stripAuthorization,
		ChargeCostUSDMicros:  chargeCost,
		TokenReservationIDs:  scopeAmountsToNilMap(reservedTokenScopes),
		CostReservationIDs:   scopeAmountsToNilMap(reservedCostScopes),
	}, nil
}

// authenticate extracts the bearer token from env.Headers, looks it up, and
// confirms the key is enabled, per spec.md §4.1 step 2.
func (c *Controller) authenticate(env *gatewaytypes.Envelope) (*gatewaytypes.VirtualKey, error) {
	token := extractBearerToken(env.Headers)
	if token == "" {
		return nil, gatewayerr.Unauthorized("missing bearer token").WithRequestID(env.RequestID)
	}
	key, ok := c.Keys.Lookup(token)
	if !ok {
		return nil, gatewayerr.Unauthorized("invalid virtual key").WithRequestID(env.RequestID)
	}
	if !key.Enabled {
		return nil, gatewayerr.Unauthorized("virtual key disabled").WithRequestID(env.RequestID)
	}
	return key, nil
}

func extractBearerToken(headers map[string]string) string {
	for name, value := range headers {
		if !strings.EqualFold(name, "Authorization") {
			continue
		}
		const prefix = "Bearer "
		if len(value) > len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
			return value[len(prefix):]
		}
		return value
	}
	return ""
}

type override struct {
	scope  gatewaytypes.Scope
	limits *gatewaytypes.Limits
	budget *gatewaytypes.Budget
}

// resolveOverrides builds the tenant/project/user override list, in that
// fixed order, skipping unset scopes.
func (c *Controller) resolveOverrides(key *gatewaytypes.VirtualKey) []override {
	var out []override
	if s := key.ScopeTenant(); s != "" {
		out = append(out, override{scope: s, limits: key.TenantLimits, budget: key.TenantBudget})
	}
	if s := key.ScopeProject(); s != "" {
		out = append(out, override{scope: s, limits: key.ProjectLimits, budget: key.ProjectBudget})
	}
	if s := key.ScopeUser(); s != "" {
		out = append(out, override{scope: s, limits: key.UserLimits, budget: key.UserBudget})
	}
	return out
}

func (c *Controller) evaluateGuardrails(key *gatewaytypes.VirtualKey, env *gatewaytypes.Envelope) *guardrails.Violation {
	g := guardrails.Effective(c.Router.GuardrailsFor(env.Model), key.Guardrails)
	compiled, err := guardrails.Compile(g)
	if err != nil {
		return &guardrails.Violation{Code: "guardrails_misconfigured", Message: err.Error()}
	}
	return compiled.Evaluate(env.Model, env.InputTokensEstimate, env.RawBody, nil)
}

func (c *Controller) refundTokens(reserved map[gatewaytypes.Scope]int64) {
	for scope, amount := range reserved {
		c.Ledger.RefundTokens(scope, amount)
	}
}

func (c *Controller) refundCost(reserved map[gatewaytypes.Scope]int64) {
	for scope, amount := range reserved {
		c.Ledger.RefundCost(scope, amount)
	}
}

// refundLocked rolls back the in-memory reservations recorded in ac when a
// subsequent persistent-store reservation fails after the lock was
// released.
func (c *Controller) refundLocked(ac *gatewaytypes.AdmissionContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for scope := range ac.TokenReservationIDs {
		if b, ok := ac.BudgetsByScope[scope]; ok {
			c.Ledger.RefundTokens(scope, b.TotalTokens)
		}
	}
	for scope := range ac.CostReservationIDs {
		c.Ledger.RefundCost(scope, ac.ChargeCostUSDMicros)
	}
}

// reserveInStore mirrors each in-memory reservation in ac against the
// configured persistent Store, replacing the placeholder map values with
// real reservation ids. Called only after the gateway lock has been
// released.
func (c *Controller) reserveInStore(ctx context.Context, ac *gatewaytypes.AdmissionContext) error {
	for scope := range ac.TokenReservationIDs {
		b := ac.BudgetsByScope[scope]
		id, err := c.Store.Reserve(ctx, scope, gatewaytypes.ReservationTokens, b.TotalTokens)
		if err != nil {
			return err
		}
		ac.TokenReservationIDs[scope] = id
	}
	for scope := range ac.CostReservationIDs {
		id, err := c.Store.Reserve(ctx, scope, gatewaytypes.ReservationCostUSD, ac.ChargeCostUSDMicros)
		if err != nil {
			return err
		}
		ac.CostReservationIDs[scope] = id
	}
	return nil
}

func scopeAmountsToNilMap(amounts map[gatewaytypes.Scope]int64) map[gatewaytypes.Scope]string {
	out := make(map[gatewaytypes.Scope]string, len(amounts))
	for scope := range amounts {
		out[scope] = "" // populated by reserveInStore when a persistent Store is configured.
	}
	return out
}

// estimateCostUSDMicros prices chargeTokens at candidate's per-model
// pricing, treating the whole charge as input-priced when no split between
// input and output is known at admission time (the real split is only
// known once the upstream responds, and is reconciled at settlement).
func estimateCostUSDMicros(candidate gatewaytypes.BackendCandidate, model string, chargeTokens int) int64 {
	pricing, ok := candidate.PricingPerModel[model]
	if !ok {
		return 0
	}
	return int64(chargeTokens) * pricing.InputUSDMicrosPerToken
}

// Reap delegates to the persistent Store's Reap, for the admin endpoint
// POST /admin/reservations/reap (spec.md §6). It is a no-op returning
// (0, nil) when no persistent Store is configured.
func (c *Controller) Reap(ctx context.Context, olderThan time.Time) (int, error) {
	if c.Store == nil {
		return 0, nil
	}
	return c.Store.Reap(ctx, olderThan)
}

// Scopes returns every scope the ledger currently tracks, for the admin
// GET /admin/budgets and GET /admin/costs endpoints. It briefly holds the
// gateway lock, the same one Admit uses, since budget.Ledger performs no
// internal locking of its own.
func (c *Controller) Scopes() []gatewaytypes.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ledger.Scopes()
}

// BudgetSnapshot returns the ledger's current reserved/committed state for
// scope, under the gateway lock.
func (c *Controller) BudgetSnapshot(scope gatewaytypes.Scope) budget.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ledger.Snapshot(scope)
}
