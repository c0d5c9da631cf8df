package proxycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutThenGetHit(t *testing.T) {
	c, err := New(8, time.Minute)
	require.NoError(t, err)

	key := Fingerprint("gpt-4o", []byte(`{"messages":[]}`), "openai-primary")
	c.Put(key, Entry{Status: 200, Body: []byte("cached")})

	entry, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, []byte("cached"), entry.Body)
	require.Equal(t, 1, c.Len())
}

func TestGetMissOnUnknownKey(t *testing.T) {
	c, err := New(8, time.Minute)
	require.NoError(t, err)

	_, ok := c.Get("nonexistent")
	require.False(t, ok)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c, err := New(8, time.Minute)
	require.NoError(t, err)
	now := time.Now()
	c.now = func() time.Time { return now }

	key := Fingerprint("gpt-4o", []byte(`{}`), "openai-primary")
	c.Put(key, Entry{Status: 200, Body: []byte("stale")})

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok := c.Get(key)
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestPurgeEmptiesCache(t *testing.T) {
	c, err := New(8, time.Minute)
	require.NoError(t, err)

	c.Put("a", Entry{Status: 200})
	c.Put("b", Entry{Status: 200})
	require.Equal(t, 2, c.Len())

	c.Purge()
	require.Equal(t, 0, c.Len())
}

func TestZeroCapacityDisablesCache(t *testing.T) {
	c, err := New(0, time.Minute)
	require.NoError(t, err)

	c.Put("a", Entry{Status: 200})
	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestFingerprintIsStableAndDiscriminating(t *testing.T) {
	a := Fingerprint("gpt-4o", []byte(`{"x":1}`), "openai-primary")
	b := Fingerprint("gpt-4o", []byte(`{"x":1}`), "openai-primary")
	c := Fingerprint("gpt-4o", []byte(`{"x":2}`), "openai-primary")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
