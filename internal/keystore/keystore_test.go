package keystore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

func TestLookupFindsConfiguredKey(t *testing.T) {
	s := New([]gatewaytypes.VirtualKey{{ID: "key-1", Token: "sk-abc", Enabled: true}})

	k, ok := s.Lookup("sk-abc")
	require.True(t, ok)
	require.Equal(t, "key-1", k.ID)

	_, ok = s.Lookup("nonexistent")
	require.False(t, ok)
}

func TestByIDAndAll(t *testing.T) {
	s := New([]gatewaytypes.VirtualKey{
		{ID: "key-1", Token: "sk-a"},
		{ID: "key-2", Token: "sk-b"},
	})

	k, ok := s.ByID("key-2")
	require.True(t, ok)
	require.Equal(t, "sk-b", k.Token)
	require.Len(t, s.All(), 2)
}

func TestReloadReplacesContents(t *testing.T) {
	s := New([]gatewaytypes.VirtualKey{{ID: "key-1", Token: "sk-a"}})
	s.Reload([]gatewaytypes.VirtualKey{{ID: "key-2", Token: "sk-b"}})

	_, ok := s.Lookup("sk-a")
	require.False(t, ok)
	k, ok := s.Lookup("sk-b")
	require.True(t, ok)
	require.Equal(t, "key-2", k.ID)
}

func TestUpsertInsertsAndReplaces(t *testing.T) {
	s := New(nil)
	s.Upsert(gatewaytypes.VirtualKey{ID: "key-1", Token: "sk-a"})
	_, ok := s.Lookup("sk-a")
	require.True(t, ok)

	s.Upsert(gatewaytypes.VirtualKey{ID: "key-1", Token: "sk-a2"})
	_, ok = s.Lookup("sk-a")
	require.False(t, ok)
	k, ok := s.Lookup("sk-a2")
	require.True(t, ok)
	require.Equal(t, "key-1", k.ID)
}

func TestDeleteRemovesKey(t *testing.T) {
	s := New([]gatewaytypes.VirtualKey{{ID: "key-1", Token: "sk-a"}})
	require.True(t, s.Delete("key-1"))
	require.False(t, s.Delete("key-1"))
	_, ok := s.Lookup("sk-a")
	require.False(t, ok)
}
