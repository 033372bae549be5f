package transcoder

import (
	"context"

	"github.com/LibreNetworks/amps/pkg/metrics"
)

// Subscription is the handle Open() returns to a caller (C7 or C4): a
// live attachment to a transcoder record's byte stream, or — for
// segmented outputs — a pure keep-alive reference while the caller reads
// segment files directly from TempDir.
type Subscription struct {
	Key       Key
	Segmented bool

	id  string
	rec *Record
	mgr *Manager

	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce doOnce
}

// Chunks returns the channel a non-segmented subscriber reads from. Closed
// when the record exits, is killed, or the subscription is evicted.
func (s *Subscription) Chunks() <-chan []byte {
	return s.ch
}

// TempDir returns the record's per-key temp directory for segmented
// outputs, used by C4 to serve manifest/segment files.
func (s *Subscription) TempDir() string {
	s.rec.mu.RLock()
	defer s.rec.mu.RUnlock()
	return s.rec.tempDir
}

// Touch resets the record's idle timer, called by C4 on every file read.
func (s *Subscription) Touch() {
	s.rec.touch()
}

// Alive reports whether the underlying record is still in a state that
// serves data, used by C4 to decide whether a cached subscription handle
// can still be trusted or must be replaced by a fresh Open().
func (s *Subscription) Alive() bool {
	switch s.rec.State() {
	case StateStarting, StateRunning, StateDegraded:
		return true
	default:
		return false
	}
}

// Close detaches the subscriber. Overlap subscriptions terminate their
// private child immediately; shared subscriptions leave the record for
// the idle sweeper to reap.
func (s *Subscription) Close() {
	s.closeOnce.do(func() {
		s.cancel()
		s.rec.subs.Delete(s.id)
		if s.rec.ring != nil {
			s.rec.ring.forget(s.id)
		}
		metrics.SubscriberDetached(s.Key.String())

		if s.rec.isOverlap {
			go s.mgr.terminateNow(s.rec)
		}
	})
}

// doOnce is a tiny guarded-call helper, used here instead of sync.Once so
// Subscription stays a small value-ish type without an embedded mutex.
type doOnce struct {
	done bool
}

func (d *doOnce) do(f func()) {
	if d.done {
		return
	}
	d.done = true
	f()
}
