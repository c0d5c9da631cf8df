package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDsCarryDistinctPrefixesAndAreUnique(t *testing.T) {
	require.True(t, strings.HasPrefix(RequestID(), "req_"))
	require.True(t, strings.HasPrefix(ReservationID(), "resv_"))
	require.True(t, strings.HasPrefix(AuditID(), "audit_"))
	require.True(t, strings.HasPrefix(ToolCallID(), "call_"))

	a, b := RequestID(), RequestID()
	require.NotEqual(t, a, b)
}
