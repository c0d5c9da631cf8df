// Package router implements the backend router of spec.md §4.2: resolving
// a requested model (and optional virtual key) into an ordered list of
// backend candidates, seeded by request id for sticky retries.
//
// The teacher's router (internal/extproc/router/router.go) does simple
// exact header matching to pick one route name; this router generalizes
// that "first rule wins" shape to the richer per-key pin / weighted-set /
// all-matching rules spec.md names, and adds the health-aware, hash-seeded
// ordering spec.md requires.
package router

import (
	"hash/maphash"
	"sort"
	"time"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/health"
)

// RuleKind distinguishes the three backend-selection shapes a routing rule
// may take, per spec.md §4.2.
type RuleKind int

const (
	RuleSingle RuleKind = iota
	RuleWeightedFallback
	RuleAllMatching
)

// WeightedCandidate pairs a backend with its selection weight, used by
// RuleWeightedFallback.
type WeightedCandidate struct {
	Backend gatewaytypes.BackendCandidate
	Weight  int
}

// Rule is one configured routing rule. Rules are evaluated top-down; the
// first whose Models set (or wildcard) matches the requested model wins.
type Rule struct {
	Name       string
	Models     []string // exact model names this rule matches; empty means match-all.
	Kind       RuleKind
	Single     gatewaytypes.BackendCandidate
	Weighted   []WeightedCandidate
	All        []gatewaytypes.BackendCandidate
	Guardrails *gatewaytypes.Guardrails // overrides the key-level guardrails when set.
}

func (r *Rule) matches(model string) bool {
	if len(r.Models) == 0 {
		return true
	}
	for _, m := range r.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Router resolves (model, key) pairs into ordered backend candidate lists.
type Router struct {
	rules   []Rule
	pins    map[string]string // "keyID/model" -> backend name, explicit per-key pins.
	health  *health.Registry
	seed    maphash.Seed
	Now     func() time.Time // injectable for tests; defaults to time.Now.
}

// New creates a Router over the given rules, per-key pins, and health
// registry. pins maps "<keyID>/<model>" to a backend name.
func New(rules []Rule, pins map[string]string, healthRegistry *health.Registry) *Router {
	return &Router{rules: rules, pins: pins, health: healthRegistry, seed: maphash.MakeSeed(), Now: time.Now}
}

// Select resolves model (optionally scoped by keyID) into an ordered
// candidate list, seeded by requestID so that repeated calls with the same
// requestID and fixed health state return an identical order (spec.md §8
// property 4, "sticky backend selection").
func (r *Router) Select(model, keyID, requestID string) []gatewaytypes.BackendCandidate {
	if keyID != "" {
		if backendName, ok := r.pins[keyID+"/"+model]; ok {
			for _, rule := range r.rules {
				if c := r.findInRule(rule, backendName); c != nil {
					return []gatewaytypes.BackendCandidate{*c}
				}
			}
		}
	}

	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.matches(model) {
			continue
		}
		return r.resolveRule(rule, requestID)
	}
	return nil
}

// GuardrailsFor returns the guardrail override of the first rule matching
// model, or nil if no rule matches or no rule overrides guardrails.
func (r *Router) GuardrailsFor(model string) *gatewaytypes.Guardrails {
	for i := range r.rules {
		if r.rules[i].matches(model) {
			return r.rules[i].Guardrails
		}
	}
	return nil
}

func (r *Router) findInRule(rule Rule, name string) *gatewaytypes.BackendCandidate {
	if rule.Kind == RuleSingle && rule.Single.Name == name {
		c := rule.Single
		return &c
	}
	for _, w := range rule.Weighted {
		if w.Backend.Name == name {
			c := w.Backend
			return &c
		}
	}
	for _, c := range rule.All {
		if c.Name == name {
			cc := c
			return &cc
		}
	}
	return nil
}

func (r *Router) resolveRule(rule *Rule, requestID string) []gatewaytypes.BackendCandidate {
	switch rule.Kind {
	case RuleSingle:
		return []gatewaytypes.BackendCandidate{rule.Single}
	case RuleWeightedFallback:
		candidates := make([]gatewaytypes.BackendCandidate, len(rule.Weighted))
		for i, w := range rule.Weighted {
			candidates[i] = w.Backend
		}
		return r.order(candidates, weightsOf(rule.Weighted), requestID)
	case RuleAllMatching:
		return r.order(rule.All, nil, requestID)
	default:
		return nil
	}
}

func weightsOf(w []WeightedCandidate) map[string]int {
	m := make(map[string]int, len(w))
	for _, c := range w {
		m[c.Backend.Name] = c.Weight
	}
	return m
}

// order sorts candidates by health (Healthy > HalfOpen > Tripped), then by
// a weighted deterministic hash of requestID, per spec.md §4.2. Tripped
// backends still within their cooldown window are dropped entirely;
// tripped backends past cooldown are retained at the tail so they can be
// probed when all healthy candidates fail.
func (r *Router) order(candidates []gatewaytypes.BackendCandidate, weights map[string]int, requestID string) []gatewaytypes.BackendCandidate {
	type scored struct {
		candidate gatewaytypes.BackendCandidate
		state     gatewaytypes.HealthState
		hash      uint64
	}

	out := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		var state gatewaytypes.HealthState
		if r.health != nil {
			tr := r.health.Get(c.Name)
			if tr.InCooldown(r.Now()) {
				continue
			}
			state = tr.State()
		}
		out = append(out, scored{candidate: c, state: state, hash: r.hash(c.Name, requestID, weights[c.Name])})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].state != out[j].state {
			return healthRank(out[i].state) < healthRank(out[j].state)
		}
		return out[i].hash < out[j].hash
	})

	result := make([]gatewaytypes.BackendCandidate, len(out))
	for i, s := range out {
		result[i] = s.candidate
	}
	return result
}

func healthRank(s gatewaytypes.HealthState) int {
	switch s {
	case gatewaytypes.HealthHealthy:
		return 0
	case gatewaytypes.HealthHalfOpen:
		return 1
	default:
		return 2
	}
}

// hash combines the backend name and requestID into a stable ordering key;
// a higher weight lowers the hash (more likely to sort first) by hashing
// into `weight` evenly-spaced buckets and picking the smallest.
func (r *Router) hash(backendName, requestID string, weight int) uint64 {
	var h maphash.Hash
	h.SetSeed(r.seed)
	_, _ = h.WriteString(backendName)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(requestID)
	base := h.Sum64()
	if weight <= 1 {
		return base
	}
	// Higher weight narrows the effective hash range, biasing it lower.
	return base % (^uint64(0) / uint64(weight) + 1)
}
