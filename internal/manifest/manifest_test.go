package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/internal/transcoder"
)

type fakeChannels struct {
	byID map[int64]*config.Channel
}

func (f *fakeChannels) Get(id int64) (*config.Channel, bool) {
	ch, ok := f.byID[id]
	return ch, ok
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, source string, handler *config.SourceHandler) (string, map[string]string, error) {
	return source, nil, nil
}

const validMediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:2.0,
seg0.ts
`

// hlsChannel builds a channel whose inline "ffmpeg" is a shell script that
// waits for the manager to create its per-key temp directory (MEDIAROOT is
// passed through Env, the way a real MediaRoot would be shared with a real
// ffmpeg's -y output path) and then writes a manifest into it, standing in
// for a real HLS-writing ffmpeg the way SPEC_FULL.md §10 describes.
func hlsChannel(id int64, mediaRoot, manifest string) *config.Channel {
	script := fmt.Sprintf(`
DIR=""
while [ -z "$DIR" ]; do
  DIR=$(ls -d "$MEDIAROOT"/amps-%d-* 2>/dev/null | head -n1)
  [ -z "$DIR" ] && sleep 0.01
done
cat > "$DIR/index.m3u8" <<'EOF'
%s
EOF
while true; do sleep 0.05; done
`, id, manifest)
	return &config.Channel{
		ID:   id,
		Name: fmt.Sprintf("chan-%d", id),
		InlineCommand: &config.InlineCommand{
			Command: script,
			Shell:   true,
			Env:     map[string]string{"MEDIAROOT": mediaRoot},
		},
	}
}

func newTestManager(t *testing.T, mediaRoot string, channels map[int64]*config.Channel) *transcoder.Manager {
	t.Helper()
	m, err := transcoder.New(&config.Config{}, &fakeChannels{byID: channels}, fakeResolver{}, transcoder.Options{
		MediaRoot:        mediaRoot,
		SpawnGraceWindow: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// openFunc adapts Manager.Open to manifest.OpenFunc for a fixed shape.
func openFunc(m *transcoder.Manager, shape config.OutputShape) OpenFunc {
	return func(key transcoder.Key) (*transcoder.Subscription, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return m.Open(transcoder.OpenRequest{Ctx: ctx}, key)
	}
}

// TestServeOpensRecordAndReadsManifest covers C4's implicit-start behavior:
// the first Serve call for a key has nothing running yet, so it must launch
// the child and then wait for the manifest it writes.
func TestServeOpensRecordAndReadsManifest(t *testing.T) {
	mediaRoot := t.TempDir()
	ch := hlsChannel(10, mediaRoot, validMediaPlaylist)
	m := newTestManager(t, mediaRoot, map[int64]*config.Channel{10: ch})
	w := New(m)

	key := transcoder.Key{ChannelID: 10, Shape: config.ShapeHLS}

	require.Eventually(t, func() bool {
		data, err := w.Serve(openFunc(m, config.ShapeHLS), key, entryHLS)
		if err != nil {
			return false
		}
		require.Contains(t, string(data), "#EXTM3U")
		return true
	}, 2*time.Second, 20*time.Millisecond, "manifest must eventually be readable once the child writes it")
}

// TestServeRejectsPathTraversal covers spec.md's file-path safety
// requirement: neither ".." components nor absolute paths may escape the
// per-key temp directory.
func TestServeRejectsPathTraversal(t *testing.T) {
	mediaRoot := t.TempDir()
	ch := hlsChannel(11, mediaRoot, validMediaPlaylist)
	m := newTestManager(t, mediaRoot, map[int64]*config.Channel{11: ch})
	w := New(m)
	key := transcoder.Key{ChannelID: 11, Shape: config.ShapeHLS}

	_, err := w.Serve(openFunc(m, config.ShapeHLS), key, "../../etc/passwd")
	require.ErrorIs(t, err, ErrPathTraversal)

	_, err = w.Serve(openFunc(m, config.ShapeHLS), key, "/etc/passwd")
	require.ErrorIs(t, err, ErrPathTraversal)
}

// TestServeReturnsNotReadyBeforeChildWrites covers the not-yet-produced
// case: the record exists but the child hasn't written the manifest file
// yet, distinct from any other read error.
func TestServeReturnsNotReadyBeforeChildWrites(t *testing.T) {
	mediaRoot := t.TempDir()
	ch := hlsChannel(12, mediaRoot, validMediaPlaylist)
	m := newTestManager(t, mediaRoot, map[int64]*config.Channel{12: ch})
	w := New(m)
	key := transcoder.Key{ChannelID: 12, Shape: config.ShapeHLS}

	// Manually create the temp dir the manager will create isn't
	// possible from here, but the file genuinely won't exist for at
	// least the sleep(0.01)-per-poll window in hlsChannel's script, so
	// the very first Serve call races the child and, if it wins, must
	// report ErrNotReady rather than a bare OS error.
	_, err := w.Serve(openFunc(m, config.ShapeHLS), key, entryHLS)
	if err != nil {
		require.ErrorIs(t, err, ErrNotReady)
	}
}

// TestKeepAliveReusesSubscriptionAcrossServeCalls covers Watcher's keep-alive
// contract: repeated Serve calls against the same key reuse one
// Subscription rather than opening a fresh one (and child) every time.
func TestKeepAliveReusesSubscriptionAcrossServeCalls(t *testing.T) {
	mediaRoot := t.TempDir()
	ch := hlsChannel(13, mediaRoot, validMediaPlaylist)
	m := newTestManager(t, mediaRoot, map[int64]*config.Channel{13: ch})
	w := New(m)
	key := transcoder.Key{ChannelID: 13, Shape: config.ShapeHLS}

	require.Eventually(t, func() bool {
		_, err := w.Serve(openFunc(m, config.ShapeHLS), key, entryHLS)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	require.Len(t, m.ListLive(), 1)

	_, err := w.Serve(openFunc(m, config.ShapeHLS), key, entryHLS)
	require.NoError(t, err)
	require.Len(t, m.ListLive(), 1, "a second Serve for the same key must not launch a second child")
}

// TestRepeatedServeKeepsSingleLiveRecord checks that a client polling the
// manifest repeatedly keeps using the one live segmented record, with no
// error and no second child.
func TestRepeatedServeKeepsSingleLiveRecord(t *testing.T) {
	mediaRoot := t.TempDir()
	ch := hlsChannel(14, mediaRoot, validMediaPlaylist)
	m := newTestManager(t, mediaRoot, map[int64]*config.Channel{14: ch})
	w := New(m)
	key := transcoder.Key{ChannelID: 14, Shape: config.ShapeHLS}

	require.Eventually(t, func() bool {
		_, err := w.Serve(openFunc(m, config.ShapeHLS), key, entryHLS)
		return err == nil && len(m.ListLive()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// The loop runs far inside the default idle timeout, so it does not
	// show that Touch resets the idle timer; it only checks that repeated
	// Serve calls succeed against the same single record (idle-reap timing
	// itself is exercised in internal/transcoder).
	for i := 0; i < 3; i++ {
		_, err := w.Serve(openFunc(m, config.ShapeHLS), key, entryHLS)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, m.ListLive(), 1)
}

// TestEntryFileMatchesShape covers EntryFile's HLS/DASH selection.
func TestEntryFileMatchesShape(t *testing.T) {
	require.Equal(t, "index.m3u8", EntryFile(config.ShapeHLS))
	require.Equal(t, "manifest.mpd", EntryFile(config.ShapeDASH))
}

// TestServePathStaysWithinTempDir is a lower-level sanity check that a
// crafted-but-technically-relative filename that still resolves inside the
// temp dir (e.g. a plain segment name) is served normally.
func TestServePathStaysWithinTempDir(t *testing.T) {
	mediaRoot := t.TempDir()
	ch := hlsChannel(15, mediaRoot, validMediaPlaylist)
	m := newTestManager(t, mediaRoot, map[int64]*config.Channel{15: ch})
	w := New(m)
	key := transcoder.Key{ChannelID: 15, Shape: config.ShapeHLS}

	var dir string
	require.Eventually(t, func() bool {
		_, err := w.Serve(openFunc(m, config.ShapeHLS), key, entryHLS)
		if err != nil {
			return false
		}
		s, aerr := w.keepAlive(openFunc(m, config.ShapeHLS), key)
		if aerr != nil {
			return false
		}
		dir = s.TempDir()
		return dir != ""
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg0.ts"), []byte("tsdata"), 0o644))
	data, err := w.Serve(openFunc(m, config.ShapeHLS), key, "seg0.ts")
	require.NoError(t, err)
	require.Equal(t, "tsdata", string(data))
}
