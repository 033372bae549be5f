package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPlaylistRoundTrip(t *testing.T) {
	c := New(time.Minute)
	_, ok := c.GetPlaylist("k")
	require.False(t, ok)

	c.SetPlaylist("k", "body")
	got, ok := c.GetPlaylist("k")
	require.True(t, ok)
	require.Equal(t, "body", got)
}

func TestEPGRoundTrip(t *testing.T) {
	c := New(time.Minute)
	c.SetEPG("k", "<xml/>")
	got, ok := c.GetEPG("k")
	require.True(t, ok)
	require.Equal(t, "<xml/>", got)
}

func TestZeroTTLDisablesCaching(t *testing.T) {
	c := New(0)
	c.SetPlaylist("k", "body")
	_, ok := c.GetPlaylist("k")
	require.False(t, ok, "ttl<=0 must make Set a no-op and Get always miss")

	c.SetEPG("k", "<xml/>")
	_, ok = c.GetEPG("k")
	require.False(t, ok)
}

func TestInvalidateAllClearsBothStores(t *testing.T) {
	c := New(time.Minute)
	c.SetPlaylist("k", "body")
	c.SetEPG("k", "<xml/>")

	c.InvalidateAll()

	_, ok := c.GetPlaylist("k")
	require.False(t, ok)
	_, ok = c.GetEPG("k")
	require.False(t, ok)
}

func TestInvalidateAllOnDisabledCacheIsSafe(t *testing.T) {
	c := New(0)
	require.NotPanics(t, c.InvalidateAll)
}

func TestExpiryAfterTTL(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.SetPlaylist("k", "body")
	require.Eventually(t, func() bool {
		_, ok := c.GetPlaylist("k")
		return !ok
	}, time.Second, 5*time.Millisecond, "entry must expire after its TTL")
}
