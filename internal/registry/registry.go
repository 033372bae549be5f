// Package registry implements the channel registry (C2): the in-memory
// catalog of live channels, keyed by id, that the HTTP surface, scheduler,
// and playlist/EPG renderers all read from.
package registry

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/LibreNetworks/amps/internal/config"
)

// KillFunc is invoked by Delete/Replace to cascade a removal into the
// transcoder manager (C3), after the registry has already removed or
// replaced the channel.
type KillFunc func(channelID int64)

// Registry holds the current set of channels, generalized from the
// teacher's StreamProxy.Channels map (work/proxy/stream.go) from a
// name-keyed map of parsed playlist channels to an id-keyed map of
// configured Amps channels.
type Registry struct {
	channels *xsync.MapOf[int64, *config.Channel]

	// order records the sequence ids were first seen in — boot-time
	// config order from Seed, then Add's insertion order after that —
	// so Snapshot can preserve it per spec.md §8's round-trip property
	// ("channels present in the YAML appear in /api/streams after boot
	// in the same order") instead of relying on map iteration or an
	// incidental ID sort.
	orderMu sync.Mutex
	order   []int64

	mu     sync.RWMutex
	onKill KillFunc
}

// New builds an empty registry. Seed loads the boot-time channel set.
func New() *Registry {
	return &Registry{
		channels: xsync.NewMapOf[int64, *config.Channel](),
	}
}

// SetKillFunc wires the cascading-delete callback into C3. Called once at
// startup after both the registry and the transcoder manager exist.
func (r *Registry) SetKillFunc(fn KillFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onKill = fn
}

// Seed populates the registry from a config-loaded channel list, recording
// the YAML's own order so Snapshot can reproduce it. Intended for boot
// only; concurrent callers should use Add.
func (r *Registry) Seed(channels []config.Channel) {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	for i := range channels {
		ch := channels[i].Clone()
		r.channels.Store(ch.ID, ch)
		r.order = append(r.order, ch.ID)
	}
}

// Get returns a clone of the channel with the given id, or false if absent.
func (r *Registry) Get(id int64) (*config.Channel, bool) {
	ch, ok := r.channels.Load(id)
	if !ok {
		return nil, false
	}
	return ch.Clone(), true
}

// ErrConflict indicates Add was called with an id already present.
type ErrConflict struct{ ID int64 }

func (e ErrConflict) Error() string { return "channel id already exists" }

// ErrNotFound indicates the requested id has no channel.
type ErrNotFound struct{ ID int64 }

func (e ErrNotFound) Error() string { return "channel not found" }

// Add inserts a new channel, failing with ErrConflict if the id is taken.
// A successful add is appended to the end of Snapshot's order, the same
// place a channel added at runtime via POST /api/streams would land in
// the equivalent YAML edit.
func (r *Registry) Add(ch *config.Channel) error {
	stored := ch.Clone()
	_, loaded := r.channels.LoadOrStore(ch.ID, stored)
	if loaded {
		return ErrConflict{ID: ch.ID}
	}
	r.orderMu.Lock()
	r.order = append(r.order, ch.ID)
	r.orderMu.Unlock()
	return nil
}

// Replace overwrites an existing channel in place. It does not create one;
// callers must use Add for that. Returns ErrNotFound if id is absent.
//
// If the new source/command/variant set differs from the stored one,
// Replace cascades a Kill into C3 so stale transcoder records for the old
// invocation are not left running against a channel definition that no
// longer exists — spec.md §4.3's registry/transcoder decoupling requires
// that cleanup on structural change. A replace that only touches metadata
// (name, logo, EPG fields, and similar) leaves any live record alone.
func (r *Registry) Replace(ch *config.Channel) error {
	old, ok := r.channels.Load(ch.ID)
	if !ok {
		return ErrNotFound{ID: ch.ID}
	}
	r.channels.Store(ch.ID, ch.Clone())

	if !invocationEqual(old, ch) {
		r.mu.RLock()
		kill := r.onKill
		r.mu.RUnlock()
		if kill != nil {
			kill(ch.ID)
		}
	}
	return nil
}

// invocationEqual reports whether a and b would produce the same transcoder
// invocation: same source, inline command, profile, and variant set. Any
// other difference (name, logo, group, EPG metadata, region rules) does not
// affect a running child and so does not warrant tearing it down.
func invocationEqual(a, b *config.Channel) bool {
	if a.Source != b.Source || a.Profile != b.Profile {
		return false
	}
	if !inlineCommandEqual(a.InlineCommand, b.InlineCommand) {
		return false
	}
	if len(a.Variants) != len(b.Variants) {
		return false
	}
	for i := range a.Variants {
		av, bv := a.Variants[i], b.Variants[i]
		if av.Name != bv.Name || av.Source != bv.Source || av.Profile != bv.Profile {
			return false
		}
	}
	return true
}

func inlineCommandEqual(a, b *config.InlineCommand) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Command != b.Command || a.Shell != b.Shell || a.Cwd != b.Cwd {
		return false
	}
	if len(a.Env) != len(b.Env) {
		return false
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	return true
}

// Delete removes a channel and cascades into C3 to stop any live
// transcoder records for it.
func (r *Registry) Delete(id int64) error {
	_, loaded := r.channels.LoadAndDelete(id)
	if !loaded {
		return ErrNotFound{ID: id}
	}

	r.orderMu.Lock()
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.orderMu.Unlock()

	r.mu.RLock()
	kill := r.onKill
	r.mu.RUnlock()
	if kill != nil {
		kill(id)
	}
	return nil
}

// ReplacePrograms overwrites the EPG program list for a channel in place,
// used by the PUT programs handler of the HTTP API.
func (r *Registry) ReplacePrograms(id int64, programs []config.Program) error {
	ch, ok := r.channels.Load(id)
	if !ok {
		return ErrNotFound{ID: id}
	}
	updated := ch.Clone()
	updated.Programs = append([]config.Program(nil), programs...)
	r.channels.Store(id, updated)
	return nil
}

// GetPrograms returns a copy of the channel's EPG program list.
func (r *Registry) GetPrograms(id int64) ([]config.Program, error) {
	ch, ok := r.channels.Load(id)
	if !ok {
		return nil, ErrNotFound{ID: id}
	}
	return append([]config.Program(nil), ch.Programs...), nil
}

// Snapshot returns a clone of every channel in config/insertion order,
// grounded on the teacher's getChannelBatch pipeline (work/proxy/stream.go)
// used to render the playlist, generalized from its incidental map order to
// the explicit order tracking spec.md §8's round-trip property requires:
// "channels present in the YAML appear in /api/streams after boot in the
// same order."
func (r *Registry) Snapshot() []config.Channel {
	r.orderMu.Lock()
	order := append([]int64(nil), r.order...)
	r.orderMu.Unlock()

	out := make([]config.Channel, 0, len(order))
	for _, id := range order {
		if ch, ok := r.channels.Load(id); ok {
			out = append(out, *ch.Clone())
		}
	}
	return out
}

// Len reports the current channel count.
func (r *Registry) Len() int {
	return r.channels.Size()
}
