// Package cache implements the rendered-output cache (A5): short-lived
// caching of the fully rendered playlist and EPG text so repeated
// requests within a small window don't re-walk C2's snapshot and
// re-render on every hit. Grounded on work/cache/cache.go's
// GetM3U8/SetM3U8 + GetChannel/SetChannel shape, backed by
// github.com/maypok86/otter/v2 instead of the teacher's hand-rolled
// map+mutex+timestamp store.
package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache holds separately-TTL'd stores for rendered playlist and EPG
// bodies, keyed by their filter/query fingerprint (see internal/httpapi's
// cache-key construction).
type Cache struct {
	playlist *otter.Cache[string, string]
	epg      *otter.Cache[string, string]
}

// New builds a Cache whose entries expire ttl after being written.
// ttl<=0 disables caching: Get always misses and Set is a no-op, letting
// callers wire this unconditionally and let config decide whether it
// does anything.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		return &Cache{}
	}
	playlist, _ := otter.New(&otter.Options[string, string]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
	})
	epg, _ := otter.New(&otter.Options[string, string]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
	})
	return &Cache{playlist: playlist, epg: epg}
}

// GetPlaylist returns a previously rendered playlist body for key, if
// still fresh.
func (c *Cache) GetPlaylist(key string) (string, bool) {
	if c.playlist == nil {
		return "", false
	}
	return c.playlist.GetIfPresent(key)
}

// SetPlaylist stores a rendered playlist body under key.
func (c *Cache) SetPlaylist(key, body string) {
	if c.playlist == nil {
		return
	}
	c.playlist.Set(key, body)
}

// GetEPG returns a previously rendered XMLTV body for key, if still
// fresh.
func (c *Cache) GetEPG(key string) (string, bool) {
	if c.epg == nil {
		return "", false
	}
	return c.epg.GetIfPresent(key)
}

// SetEPG stores a rendered XMLTV body under key.
func (c *Cache) SetEPG(key, body string) {
	if c.epg == nil {
		return
	}
	c.epg.Set(key, body)
}

// InvalidateAll drops every cached entry, called after any CRUD mutation
// to C2 so a stale rendered snapshot is never served past a change.
func (c *Cache) InvalidateAll() {
	if c.playlist != nil {
		c.playlist.InvalidateAll()
	}
	if c.epg != nil {
		c.epg.InvalidateAll()
	}
}
