package router

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/health"
)

func candidate(name string) gatewaytypes.BackendCandidate {
	return gatewaytypes.BackendCandidate{Name: name, ProviderKind: gatewaytypes.ProviderOpenAI, BaseURL: "http://" + name}
}

func namesOf(cs []gatewaytypes.BackendCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

// TestSelectIsDeterministicForFixedRequestID verifies spec.md §8 property
// 4: Select(model, key, requestID) is deterministic for fixed health
// state, and identical requestID yields an identical order.
func TestSelectIsDeterministicForFixedRequestID(t *testing.T) {
	rules := []Rule{{
		Kind: RuleAllMatching,
		All:  []gatewaytypes.BackendCandidate{candidate("a"), candidate("b"), candidate("c"), candidate("d")},
	}}
	r := New(rules, nil, health.NewRegistry(5, time.Minute))

	first := namesOf(r.Select("gpt-4o", "", "req-123"))
	for i := 0; i < 50; i++ {
		again := namesOf(r.Select("gpt-4o", "", "req-123"))
		require.Equal(t, first, again)
	}
}

// TestSelectOrdersDifferAcrossRequestIDs exercises that the hash seed
// actually depends on requestID: across enough distinct ids, at least one
// produces an order different from "req-0"'s (a router that ignored
// requestID entirely would return identical orders for every input).
func TestSelectOrdersDifferAcrossRequestIDs(t *testing.T) {
	rules := []Rule{{
		Kind: RuleAllMatching,
		All:  []gatewaytypes.BackendCandidate{candidate("a"), candidate("b"), candidate("c"), candidate("d")},
	}}
	r := New(rules, nil, health.NewRegistry(5, time.Minute))

	base := namesOf(r.Select("gpt-4o", "", "req-0"))
	differed := false
	for i := 1; i < 50; i++ {
		id := "req-" + string(rune('a'+i))
		if got := namesOf(r.Select("gpt-4o", "", id)); !equalSlices(got, base) {
			differed = true
			break
		}
	}
	require.True(t, differed, "expected at least one distinct request id to reorder candidates")
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSelectOrdersHealthyBeforeHalfOpenAndDropsTrippedInCooldown(t *testing.T) {
	registry := health.NewRegistry(1, time.Hour)
	now := time.Now()

	// Trip "b" past its cooldown so it becomes eligible (HalfOpen) instead
	// of dropped, and trip "c" within cooldown so it is dropped entirely.
	halfOpen := registry.Get("b")
	halfOpen.OnRetriableFailure(now.Add(-2 * time.Hour))
	halfOpen.Probe(now)

	tripped := registry.Get("c")
	tripped.OnRetriableFailure(now)

	rules := []Rule{{
		Kind: RuleAllMatching,
		All:  []gatewaytypes.BackendCandidate{candidate("a"), candidate("b"), candidate("c")},
	}}
	r := New(rules, nil, registry)
	r.Now = func() time.Time { return now }

	got := r.Select("gpt-4o", "", "req-1")
	require.Equal(t, []string{"a", "b"}, namesOf(got), "tripped-in-cooldown backend must be dropped, healthy must sort before half-open")
}

func TestSelectHonorsPerKeyPin(t *testing.T) {
	rules := []Rule{{
		Kind: RuleAllMatching,
		All:  []gatewaytypes.BackendCandidate{candidate("a"), candidate("b"), candidate("c")},
	}}
	pins := map[string]string{"key-1/gpt-4o": "c"}
	r := New(rules, pins, health.NewRegistry(5, time.Minute))

	got := r.Select("gpt-4o", "key-1", "req-1")
	require.Equal(t, []string{"c"}, namesOf(got))

	// A different key with no pin falls through to the normal rule.
	got = r.Select("gpt-4o", "key-2", "req-1")
	require.ElementsMatch(t, []string{"a", "b", "c"}, namesOf(got))
}

func TestSelectFirstMatchingRuleWins(t *testing.T) {
	rules := []Rule{
		{Name: "claude", Models: []string{"claude-3"}, Kind: RuleSingle, Single: candidate("anthropic-primary")},
		{Name: "catchall", Kind: RuleSingle, Single: candidate("fallback")},
	}
	r := New(rules, nil, health.NewRegistry(5, time.Minute))

	got := r.Select("claude-3", "", "req-1")
	require.Equal(t, []string{"anthropic-primary"}, namesOf(got))

	got = r.Select("gpt-4o", "", "req-1")
	require.Equal(t, []string{"fallback"}, namesOf(got))
}

func TestSelectReturnsNilWhenNoRuleMatches(t *testing.T) {
	rules := []Rule{{Name: "claude", Models: []string{"claude-3"}, Kind: RuleSingle, Single: candidate("anthropic-primary")}}
	r := New(rules, nil, health.NewRegistry(5, time.Minute))

	got := r.Select("unknown-model", "", "req-1")
	require.Nil(t, got)
}

func TestSelectConcurrentAccess(t *testing.T) {
	rules := []Rule{{
		Kind: RuleAllMatching,
		All:  []gatewaytypes.BackendCandidate{candidate("a"), candidate("b"), candidate("c")},
	}}
	r := New(rules, nil, health.NewRegistry(5, time.Minute))

	var wg sync.WaitGroup
	wg.Add(1000)
	var count atomic.Int32
	for i := 0; i < 1000; i++ {
		i := i
		go func() {
			defer wg.Done()
			got := r.Select("gpt-4o", "", "req-shared")
			require.Len(t, got, 3)
			count.Add(1)
			_ = i
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1000), count.Load())
}
