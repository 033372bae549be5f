package transcoder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LibreNetworks/amps/internal/config"
)

// fakeChannels is a minimal ChannelProvider backed by a plain map, standing
// in for internal/registry in tests so this package never imports it (which
// would create the same C2<->C3 cycle Manager's own doc comment calls out).
type fakeChannels struct {
	byID map[int64]*config.Channel
}

func (f *fakeChannels) Get(id int64) (*config.Channel, bool) {
	ch, ok := f.byID[id]
	return ch, ok
}

// fakeResolver is a no-op SourceResolver; every test channel here uses an
// inline command, so IsIndirect() is always false and this is never called.
type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, source string, handler *config.SourceHandler) (string, map[string]string, error) {
	return source, nil, nil
}

// inlineChannel builds a channel whose "ffmpeg" is a shell script, standing
// in for the real binary the way SPEC_FULL.md §10 promises: an in-process
// fake FFmpeg substitute so process lifecycle is exercised without ffmpeg
// on the test host. buildCommand's InlineCommand branch runs argv[0]
// verbatim instead of always shelling out to "ffmpeg", which is exactly
// the hook this needs.
func inlineChannel(id int64, script string) *config.Channel {
	return &config.Channel{
		ID:            id,
		Name:          fmt.Sprintf("chan-%d", id),
		InlineCommand: &config.InlineCommand{Command: script, Shell: true},
	}
}

func newTestManager(t *testing.T, channels map[int64]*config.Channel, opts Options) *Manager {
	t.Helper()
	if opts.MediaRoot == "" {
		opts.MediaRoot = t.TempDir()
	}
	if opts.SpawnGraceWindow == 0 {
		opts.SpawnGraceWindow = 30 * time.Millisecond
	}
	if opts.GracefulStopWait == 0 {
		opts.GracefulStopWait = 200 * time.Millisecond
	}
	m, err := New(&config.Config{}, &fakeChannels{byID: channels}, fakeResolver{}, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func openTS(t *testing.T, m *Manager, channelID int64, overlap bool) (*Subscription, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return m.Open(OpenRequest{Ctx: ctx, Overlap: overlap}, Key{ChannelID: channelID, Shape: config.ShapeTS})
}

// TestOpenSharesRecordForSameKey covers Testable Scenario 1, "Shared
// playback": two concurrent opens against the same key produce exactly one
// child, and both subscriptions attach to it.
func TestOpenSharesRecordForSameKey(t *testing.T) {
	ch := inlineChannel(1, "while true; do printf x; sleep 0.01; done")
	m := newTestManager(t, map[int64]*config.Channel{1: ch}, Options{})

	sub1, err := openTS(t, m, 1, false)
	require.NoError(t, err)
	sub2, err := openTS(t, m, 1, false)
	require.NoError(t, err)

	require.Same(t, sub1.rec, sub2.rec, "both opens must share one record")
	require.Len(t, m.ListLive(), 1)

	select {
	case chunk := <-sub1.Chunks():
		require.NotEmpty(t, chunk)
	case <-time.After(time.Second):
		t.Fatal("sub1 received no data")
	}
	select {
	case chunk := <-sub2.Chunks():
		require.NotEmpty(t, chunk)
	case <-time.After(time.Second):
		t.Fatal("sub2 received no data")
	}
}

// TestOverlapProducesSeparateRecord covers Testable Scenario 2's boundary:
// overlap=true on a second request produces a second, independently
// tracked child rather than sharing the first.
func TestOverlapProducesSeparateRecord(t *testing.T) {
	ch := inlineChannel(2, "while true; do printf x; sleep 0.01; done")
	m := newTestManager(t, map[int64]*config.Channel{2: ch}, Options{})

	base, err := openTS(t, m, 2, false)
	require.NoError(t, err)
	overlap, err := openTS(t, m, 2, true)
	require.NoError(t, err)

	require.NotSame(t, base.rec, overlap.rec)
	require.Len(t, m.ListLive(), 2)

	overlap.Close()
	require.Eventually(t, func() bool {
		return len(m.ListLive()) == 1
	}, 2*time.Second, 10*time.Millisecond, "overlap record must be torn down within 2s of disconnect")
}

// TestOverlapReapedBySweeperAfterEviction covers spec.md §4.2's idle
// reaping of an overlap record via the sweeper's isOverlap branch in
// sweepOnce, not just Subscription.Close()'s direct terminateNow
// shortcut: a subscriber that never reads its Chunks channel is evicted
// once it exceeds its push deadline, and the now-subscriberless overlap
// record is then reaped by the next sweep tick.
func TestOverlapReapedBySweeperAfterEviction(t *testing.T) {
	ch := inlineChannel(8, "while true; do printf x; sleep 0.005; done")
	m := newTestManager(t, map[int64]*config.Channel{8: ch}, Options{
		SubscriberQueueLen: 2,
		SubscriberDeadline: 20 * time.Millisecond,
		IdleSweepInterval:  20 * time.Millisecond,
		IdleTimeout:        20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := m.Open(OpenRequest{Ctx: ctx, Overlap: true}, Key{ChannelID: 8, Shape: config.ShapeTS})
	require.NoError(t, err)
	require.Len(t, m.ListLive(), 1)
	require.True(t, sub.rec.isOverlap)

	// Never read sub.Chunks(): the queue fills and fanout's per-push
	// SubscriberDeadline timeout evicts the subscriber, dropping the
	// record's subscriber count to zero without Close() ever running.
	require.Eventually(t, func() bool {
		return len(m.ListLive()) == 0
	}, 3*time.Second, 20*time.Millisecond, "an overlap record whose sole subscriber was evicted must be reaped by the sweeper")
}

// TestRestartOnCrashWithSubscriberAttached covers Testable Scenario 5,
// "Restart recovery": a child that dies with a non-zero exit status while
// a subscriber is attached triggers a restart, not a teardown.
func TestRestartOnCrashWithSubscriberAttached(t *testing.T) {
	ch := inlineChannel(3, "sleep 0.2; exit 1")
	m := newTestManager(t, map[int64]*config.Channel{3: ch}, Options{
		SpawnGraceWindow: 20 * time.Millisecond,
		RestartBudget:    5,
		RestartWindow:    time.Minute,
	})

	sub, err := openTS(t, m, 3, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snaps := m.ListLive()
		if len(snaps) != 1 {
			return false
		}
		return snaps[0].RestartCount >= 1
	}, 3*time.Second, 20*time.Millisecond, "restart_count must reach >=1 after the crash")

	live := m.ListLive()
	require.Len(t, live, 1, "record must survive an unexpected exit while subscribed, not be torn down")
	require.NotEqual(t, StateFailed, live[0].State)
	_ = sub
}

// TestRestartBudgetExceededMarksFailed covers spec.md §4.2's restart budget:
// a child that keeps surviving its spawn grace window but then dying with a
// subscriber attached exhausts restart_count's budget, and the record is
// torn down (Failed) rather than restarted forever.
func TestRestartBudgetExceededMarksFailed(t *testing.T) {
	ch := inlineChannel(4, "sleep 0.05; exit 1")
	m := newTestManager(t, map[int64]*config.Channel{4: ch}, Options{
		SpawnGraceWindow: 10 * time.Millisecond,
		RestartBudget:    2,
		RestartWindow:    time.Minute,
	})

	_, err := openTS(t, m, 4, false)
	require.NoError(t, err, "the first spawn survives its grace window and must succeed")

	require.Eventually(t, func() bool {
		return len(m.ListLive()) == 0
	}, 8*time.Second, 20*time.Millisecond, "restart_count exceeding the budget must remove the record")
}

// TestIdleReapRemovesUnsubscribedRecord covers spec.md §4.2's idle reaping:
// once every subscriber has detached and the idle timeout elapses, the
// sweeper removes the record.
func TestIdleReapRemovesUnsubscribedRecord(t *testing.T) {
	ch := inlineChannel(5, "while true; do printf x; sleep 0.01; done")
	m := newTestManager(t, map[int64]*config.Channel{5: ch}, Options{
		IdleSweepInterval: 20 * time.Millisecond,
		IdleTimeout:       50 * time.Millisecond,
	})

	sub, err := openTS(t, m, 5, false)
	require.NoError(t, err)
	sub.Close()

	require.Eventually(t, func() bool {
		return len(m.ListLive()) == 0
	}, 2*time.Second, 10*time.Millisecond, "an idle record past IdleTimeout must be reaped")
}

// TestKillTerminatesRecord exercises Kill's direct removal path for a
// single stream key (C2's cascading delete goes through KillChannel).
func TestKillTerminatesRecord(t *testing.T) {
	ch := inlineChannel(6, "while true; do printf x; sleep 0.01; done")
	m := newTestManager(t, map[int64]*config.Channel{6: ch}, Options{})

	sub, err := openTS(t, m, 6, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Kill(ctx, sub.Key))
	require.Empty(t, m.ListLive())

	require.Eventually(t, func() bool {
		_, ok := <-sub.Chunks()
		return !ok
	}, time.Second, 10*time.Millisecond, "killing the record must close the subscriber's channel")
}

// TestKillChannelRemovesEveryVariant covers C2's cascading delete: every
// record for a channel id is torn down, regardless of variant or shape.
func TestKillChannelRemovesEveryVariant(t *testing.T) {
	ch := &config.Channel{
		ID:            7,
		Name:          "multi",
		InlineCommand: &config.InlineCommand{Command: "while true; do printf x; sleep 0.01; done", Shell: true},
		Variants: []config.Variant{
			{Name: "hd", InlineCommand: &config.InlineCommand{Command: "while true; do printf x; sleep 0.01; done", Shell: true}},
		},
	}
	m := newTestManager(t, map[int64]*config.Channel{7: ch}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.Open(OpenRequest{Ctx: ctx}, Key{ChannelID: 7, Shape: config.ShapeTS})
	require.NoError(t, err)
	_, err = m.Open(OpenRequest{Ctx: ctx}, Key{ChannelID: 7, Variant: "hd", Shape: config.ShapeTS})
	require.NoError(t, err)
	require.Len(t, m.ListLive(), 2)

	m.KillChannel(ctx, 7)
	require.Eventually(t, func() bool {
		return len(m.ListLive()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
