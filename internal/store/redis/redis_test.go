package redis

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

func requireAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("LLMGW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LLMGW_TEST_REDIS_ADDR not set, skipping redis integration test")
	}
	return addr
}

func TestReserveSettleRefundLifecycle(t *testing.T) {
	store, err := New(t.Context(), requireAddr(t), "", 0)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.Reserve(t.Context(), gatewaytypes.Scope("key:abc"), gatewaytypes.ReservationTokens, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, store.Settle(t.Context(), id, 400))
	require.NoError(t, store.Settle(t.Context(), id, 400))
}

func TestRefundIsIdempotent(t *testing.T) {
	store, err := New(t.Context(), requireAddr(t), "", 0)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.Reserve(t.Context(), gatewaytypes.Scope("tenant:acme"), gatewaytypes.ReservationCostUSD, 500)
	require.NoError(t, err)

	require.NoError(t, store.Refund(t.Context(), id))
	require.NoError(t, store.Refund(t.Context(), id))
}

func TestSettleUnknownReservationErrors(t *testing.T) {
	store, err := New(t.Context(), requireAddr(t), "", 0)
	require.NoError(t, err)
	defer store.Close()

	err = store.Settle(t.Context(), "does-not-exist", 1)
	require.Error(t, err)
}

func TestReapRefundsOrphanedReservations(t *testing.T) {
	store, err := New(t.Context(), requireAddr(t), "", 0)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.Reserve(t.Context(), gatewaytypes.Scope("key:abc"), gatewaytypes.ReservationTokens, 200)
	require.NoError(t, err)

	n, err := store.Reap(t.Context(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	require.NoError(t, store.Refund(t.Context(), id))
}
