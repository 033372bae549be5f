// Package scheduler implements the activation scheduler (C5): a
// monotonic-tick loop that owns time-bounded channels, adding them to the
// registry (C2) when their start boundary fires and removing them when
// their end boundary fires. Grounded on work/proxy/stream.go's
// ticker-driven background loops (RestreamCleanup, StartImportRefresh),
// retargeted from "periodically re-scan and clean up restreams" to
// "periodically re-scan a boundary queue and flip channel membership".
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/pkg/logger"
)

// Registry is the subset of C2 the scheduler needs, kept as a local
// interface so this package doesn't depend on internal/registry's
// concrete type (mirrors C3's ChannelProvider pattern).
type Registry interface {
	Add(ch *config.Channel) error
	Delete(id int64) error
}

// entry tracks one scheduled channel's boundaries and current membership.
type entry struct {
	channel config.Channel
	start   time.Time
	end     time.Time
	hasEnd  bool
	active  bool
	skipped bool
}

// Scheduler polls a sorted set of (start, end) boundaries and calls
// add/delete on the registry as they fire. It never persists state; a
// restart re-evaluates every entry against the current wall clock, per
// spec.md §4.5.
type Scheduler struct {
	registry Registry
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	stop chan struct{}
	done chan struct{}
}

// New builds a Scheduler for the given set of scheduled channel bodies.
// interval defaults to 1s (spec.md §4.5's "default resolution 1s is
// sufficient") when zero.
func New(registry Registry, scheduled []config.ScheduledEntry, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Scheduler{
		registry: registry,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, se := range scheduled {
		e := &entry{channel: se.Channel}
		// A missing start means immediately eligible (spec.md §3); the
		// zero time.Time is always "not after now" so leaving e.start at
		// its zero value achieves that without a special case below.
		if se.Start != nil {
			e.start = *se.Start
		}
		if se.End != nil {
			e.end = *se.End
			e.hasEnd = true
		}
		s.entries = append(s.entries, e)
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].start.Before(s.entries[j].start) })
	return s
}

// Start applies boot-time catch-up (past starts fire immediately, past
// ends are skipped entirely) and then launches the tick loop.
func (s *Scheduler) Start() {
	s.applyOnce(time.Now())
	go s.loop()
}

// Stop halts the tick loop. It does not retire currently-active scheduled
// channels; that is Shutdown's job at a higher layer, if ever needed.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.applyOnce(now)
		}
	}
}

// applyOnce activates every entry whose start has passed and is not yet
// active, and retires every active entry whose end has passed. Boot-time
// catch-up and steady-state ticks share this same pass: on boot, an entry
// with start≤now<end is activated immediately; an entry with end≤now is
// left inactive and never activated at all, per spec.md §4.5.
func (s *Scheduler) applyOnce(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		expired := e.hasEnd && !now.Before(e.end)

		if !e.active && !e.skipped && !expired && !now.Before(e.start) {
			ch := e.channel.Clone()
			if err := s.registry.Add(ch); err != nil {
				// A collision with a static channel at activation time is
				// not retried on subsequent ticks; the entry stays
				// dormant for its whole window once skipped, matching
				// spec.md §4.1's "log and skip".
				logger.Warn("scheduler: skipping activation of channel %d: %v", e.channel.ID, err)
				e.skipped = true
				continue
			}
			e.active = true
			logger.Info("scheduler: activated scheduled channel %d", e.channel.ID)
			continue
		}

		if e.active && expired {
			if err := s.registry.Delete(e.channel.ID); err != nil {
				logger.Warn("scheduler: retiring channel %d: %v", e.channel.ID, err)
			} else {
				logger.Info("scheduler: retired scheduled channel %d", e.channel.ID)
			}
			e.active = false
		}
	}
}
