// Package transcoder implements the transcoder manager (C3): the stream
// lifecycle engine that owns FFmpeg child processes keyed by stream key,
// multiplexes their stdout to subscribers, and handles restarts and idle
// reaping. Grounded on work/restream/{restream,ffmpeg,hls}.go and
// work/buffer/buffer.go, generalized from "restream an HTTP response" to
// "own an FFmpeg child process."
package transcoder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/singleflight"

	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/pkg/logger"
)

// Errors surfaced to C7 per spec.md §7's error kind table.
var (
	ErrNotFound    = fmt.Errorf("channel not found")
	ErrBadVariant  = fmt.Errorf("unknown variant")
	ErrForbidden   = fmt.Errorf("region forbidden")
	ErrUnavailable = fmt.Errorf("transcoder unavailable")
)

// Options tunes the manager's timeouts and buffer sizes, all defaulted per
// spec.md §5's "Timeouts" and §4.2's stated defaults.
type Options struct {
	ChunkSize          int
	RingSize           int64
	SubscriberQueueLen int
	SubscriberDeadline time.Duration
	SpawnGraceWindow   time.Duration
	GracefulStopWait   time.Duration
	IdleSweepInterval  time.Duration
	IdleTimeout        time.Duration
	RestartBudget      int
	RestartWindow      time.Duration
	FanoutWorkers      int
	ResolverTimeout    time.Duration
	MediaRoot          string
}

func (o *Options) withDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 64 * 1024
	}
	if o.RingSize <= 0 {
		o.RingSize = 8 * 1024 * 1024
	}
	if o.SubscriberQueueLen <= 0 {
		o.SubscriberQueueLen = 32
	}
	if o.SubscriberDeadline <= 0 {
		o.SubscriberDeadline = 5 * time.Second
	}
	if o.SpawnGraceWindow <= 0 {
		o.SpawnGraceWindow = 1 * time.Second
	}
	if o.GracefulStopWait <= 0 {
		o.GracefulStopWait = 5 * time.Second
	}
	if o.IdleSweepInterval <= 0 {
		o.IdleSweepInterval = 15 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.RestartBudget <= 0 {
		o.RestartBudget = 5
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = 60 * time.Second
	}
	if o.FanoutWorkers <= 0 {
		o.FanoutWorkers = 64
	}
	if o.ResolverTimeout <= 0 {
		o.ResolverTimeout = 30 * time.Second
	}
	if o.MediaRoot == "" {
		o.MediaRoot = "/tmp/amps"
	}
}

// ChannelProvider is the subset of the registry (C2) the manager needs to
// resolve a stream key's launch parameters without importing internal/registry
// (which would create a C2<->C3 import cycle since C2 calls back into C3 on
// delete).
type ChannelProvider interface {
	Get(id int64) (*config.Channel, bool)
}

// SourceResolver is C6's contract, consumed by the launch path.
type SourceResolver interface {
	Resolve(ctx context.Context, source string, handler *config.SourceHandler) (resolvedURL string, headers map[string]string, err error)
}

// Manager is the transcoder manager (C3).
type Manager struct {
	opts Options

	cfg      *config.Config
	channels ChannelProvider
	resolver SourceResolver

	records  *xsync.MapOf[string, *Record]
	launches singleflight.Group

	restartLimiters *xsync.MapOf[string, ratelimit.Limiter]

	pool *ants.Pool

	sweepStop chan struct{}
	sweepDone chan struct{}

	overlapSeq atomic64
}

// atomic64 is a mutex-guarded counter handing out overlap ordinals.
type atomic64 struct {
	mu sync.Mutex
	n  int64
}

func (a *atomic64) next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return a.n
}

// New builds a Manager. cfg supplies ffmpeg profiles; channels resolves a
// stream key's owning channel; resolver implements C6 for indirect sources.
func New(cfg *config.Config, channels ChannelProvider, resolver SourceResolver, opts Options) (*Manager, error) {
	opts.withDefaults()

	pool, err := ants.NewPool(opts.FanoutWorkers, ants.WithPreAlloc(false))
	if err != nil {
		return nil, fmt.Errorf("create fanout pool: %w", err)
	}

	m := &Manager{
		opts:            opts,
		cfg:             cfg,
		channels:        channels,
		resolver:        resolver,
		records:         xsync.NewMapOf[string, *Record](),
		restartLimiters: xsync.NewMapOf[string, ratelimit.Limiter](),
		pool:            pool,
		sweepStop:       make(chan struct{}),
		sweepDone:       make(chan struct{}),
	}
	go m.sweepLoop()
	return m, nil
}

func recordMapKey(k Key) string { return k.String() }

// restartLimiterFor lazily creates a per-key leaky-bucket limiter that
// gates re-entry into the launch critical section on restart, layered
// under the explicit restart_count/window budget — grounded on the
// teacher's getRateLimiterForSource (work/proxy/stream.go).
func (m *Manager) restartLimiterFor(mapKey string) ratelimit.Limiter {
	limiter, _ := m.restartLimiters.LoadOrCompute(mapKey, func() ratelimit.Limiter {
		return ratelimit.New(1, ratelimit.Per(2*time.Second))
	})
	return limiter
}

// nextOverlapOrdinal hands out a process-lifetime-unique ordinal for
// overlap#N keys.
func (m *Manager) nextOverlapOrdinal() int64 {
	return m.overlapSeq.next()
}

// Shutdown terminates all children, awaits exit, and drains subscribers,
// within a 10s deadline per spec.md §5.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.sweepStop)
	<-m.sweepDone

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	m.records.Range(func(mapKey string, rec *Record) bool {
		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			m.terminate(ctx, rec)
		}(rec)
		return true
	})
	wg.Wait()
	m.pool.Release()
	logger.Info("transcoder manager shut down")
}

// ListLive returns a snapshot of every currently tracked record, used by
// list_live() and the CLI's `tuners` subcommand.
func (m *Manager) ListLive() []Snapshot {
	out := make([]Snapshot, 0, m.records.Size())
	m.records.Range(func(_ string, rec *Record) bool {
		out = append(out, rec.snapshot())
		return true
	})
	return out
}

// Kill terminates the record for key if present.
func (m *Manager) Kill(ctx context.Context, key Key) error {
	mapKey := recordMapKey(key)
	rec, ok := m.records.Load(mapKey)
	if !ok {
		return ErrNotFound
	}
	m.records.Delete(mapKey)
	m.terminate(ctx, rec)
	return nil
}

// KillChannel terminates every record belonging to channelID, regardless
// of variant/shape/overlap-ness — used by C2's cascading delete.
func (m *Manager) KillChannel(ctx context.Context, channelID int64) {
	var toKill []*Record
	m.records.Range(func(mapKey string, rec *Record) bool {
		if rec.channelID == channelID {
			toKill = append(toKill, rec)
			m.records.Delete(mapKey)
		}
		return true
	})
	for _, rec := range toKill {
		go m.terminate(ctx, rec)
	}
}
