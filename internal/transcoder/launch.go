package transcoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/pkg/logger"
	"github.com/LibreNetworks/amps/pkg/metrics"
)

// OpenRequest carries everything Open needs beyond the stream key: the
// caller's cancellation context and whether this is a private overlap
// stream (spec.md §4.3).
type OpenRequest struct {
	Ctx     context.Context
	Overlap bool
}

// Open resolves key to a live subscription, launching a child if none
// exists. Grounded on work/proxy/stream.go: HandleRestreamingClient's
// "lookup under lock, launch under a stricter lock if absent" shape,
// replacing its ad hoc mutex with singleflight.Group per spec.md §9's
// explicit per-key single-flight design note.
func (m *Manager) Open(req OpenRequest, key Key) (*Subscription, error) {
	ch, ok := m.channels.Get(key.ChannelID)
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := ch.FindVariant(key.Variant); !ok {
		return nil, ErrBadVariant
	}

	if req.Overlap {
		mapKey := overlapKey(key, int(m.nextOverlapOrdinal()))
		rec, err := m.launch(req.Ctx, ch, key, mapKey, true)
		if err != nil {
			return nil, err
		}
		return m.attach(req.Ctx, rec, true)
	}

	mapKey := recordMapKey(key)
	if rec, ok := m.records.Load(mapKey); ok {
		if waitErr := m.waitAcceptsSubscribers(req.Ctx, rec); waitErr != nil {
			return nil, waitErr
		}
		return m.attach(req.Ctx, rec, false)
	}

	v, err, _ := m.launches.Do(mapKey, func() (interface{}, error) {
		if existing, ok := m.records.Load(mapKey); ok {
			return existing, nil
		}
		return m.launch(req.Ctx, ch, key, mapKey, false)
	})
	if err != nil {
		return nil, err
	}
	rec, ok := v.(*Record)
	if !ok {
		return nil, ErrUnavailable
	}
	if err := m.waitAcceptsSubscribers(req.Ctx, rec); err != nil {
		return nil, err
	}
	return m.attach(req.Ctx, rec, false)
}

// waitAcceptsSubscribers blocks up to 5s for a Starting record to become
// Running/Degraded, per spec.md §4.2's "Starting queues them until
// transition (bounded wait 5s)".
func (m *Manager) waitAcceptsSubscribers(ctx context.Context, rec *Record) error {
	if rec.State().acceptsSubscribers() {
		return nil
	}
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			st := rec.State()
			if st == StateFailed {
				return ErrUnavailable
			}
			return ErrUnavailable
		case <-ticker.C:
			st := rec.State()
			if st.acceptsSubscribers() {
				return nil
			}
			if st == StateFailed {
				return ErrUnavailable
			}
		}
	}
}

// attach registers a new subscriber on rec and returns its Subscription.
func (m *Manager) attach(ctx context.Context, rec *Record, overlap bool) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	id := fmt.Sprintf("%p-%d", rec, time.Now().UnixNano())
	sub := &subscriber{
		id:       id,
		ch:       make(chan []byte, m.opts.SubscriberQueueLen),
		ctx:      subCtx,
		cancel:   cancel,
		overlap:  overlap,
		attached: time.Now(),
	}
	rec.subs.Store(id, sub)
	metrics.SubscriberAttached(rec.Key.String())

	if !rec.Segmented && rec.ring != nil {
		bootstrap := true
		if ch, ok := m.channels.Get(rec.Key.ChannelID); ok {
			if inv, err := m.cfg.Resolve(ch, rec.Key.Variant); err == nil && inv.Tuning != nil && inv.Tuning.DisableBootstrap {
				bootstrap = false
			}
		}
		if bootstrap {
			if recent := rec.ring.peekRecent(2 * int64(m.opts.ChunkSize)); recent != nil {
				select {
				case sub.ch <- recent:
				default:
				}
			}
		}
		rec.ring.setPosition(id, rec.ring.writePosition())
	}

	return &Subscription{
		Key:       rec.Key,
		Segmented: rec.Segmented,
		id:        id,
		rec:       rec,
		mgr:       m,
		ch:        sub.ch,
		ctx:       subCtx,
		cancel:    cancel,
	}, nil
}

// launch builds argv, resolves an indirect source if needed, spawns the
// child, verifies it survives the health window, and stores the record in
// m.records under mapKey (overlap records under their private key).
func (m *Manager) launch(ctx context.Context, ch *config.Channel, key Key, mapKey string, overlap bool) (*Record, error) {
	inv, err := m.cfg.Resolve(ch, key.Variant)
	if err != nil {
		return nil, ErrBadVariant
	}

	source := inv.Source
	headers := map[string]string{}
	if inv.Tuning.IsIndirect() {
		resolveCtx, cancel := context.WithTimeout(ctx, m.opts.ResolverTimeout)
		resolvedURL, hdrs, rerr := m.resolver.Resolve(resolveCtx, inv.Source, inv.Tuning.Resolver)
		cancel()
		if rerr != nil {
			logger.Warn("transcoder: resolve failed for key %s: %v", key, rerr)
			return nil, ErrUnavailable
		}
		source = resolvedURL
		headers = hdrs
	}

	segmented := key.Shape.IsSegmented()
	rec := newRecord(key, segmented, overlap, m.opts.RingSize)
	rec.mapKey = mapKey
	rec.spawnCtx, rec.spawnCancel = context.WithCancel(context.Background())

	tempDir, err := os.MkdirTemp(m.opts.MediaRoot, fmt.Sprintf("amps-%d-", key.ChannelID))
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	rec.mu.Lock()
	rec.tempDir = tempDir
	rec.mu.Unlock()

	cmd, argv, err := buildCommand(rec.spawnCtx, inv, ch, key, source, headers, tempDir)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("build command: %w", err)
	}
	rec.mu.Lock()
	rec.argv = argv
	rec.mu.Unlock()

	if err := m.spawn(rec, cmd); err != nil {
		os.RemoveAll(tempDir)
		return nil, ErrUnavailable
	}

	// Overlap records are stored under their private overlapKey mapKey
	// too (Open never looks them up by it — the singleflight bypass at
	// launch's only caller keys the launch itself, not a lookup — so
	// storing them doesn't create sharing) precisely so ListLive and
	// KillChannel's m.records.Range calls see them: spec.md §4.3 treats
	// an overlap stream as a fully tracked record, just a privately
	// keyed one.
	m.records.Store(mapKey, rec)

	rec.setState(StateRunning)
	metrics.LiveRecords.WithLabelValues(string(key.Shape)).Inc()
	go m.readerLoop(rec)
	return rec, nil
}

// buildCommand constructs the exec.Cmd for a resolved invocation. Grounded
// on work/restream/ffmpeg.go's argv-assembly shape (pre-input args, -i,
// pre-output args, fixed pipe output), generalized to accept an inline
// command override per spec.md §9's tagged-variant design note.
func buildCommand(ctx context.Context, inv config.ResolvedInvocation, ch *config.Channel, key Key, source string, headers map[string]string, tempDir string) (cmd *exec.Cmd, argv []string, err error) {
	subst := func(s string) string {
		s = strings.ReplaceAll(s, "{source}", source)
		s = strings.ReplaceAll(s, "{id}", strconv.FormatInt(ch.ID, 10))
		s = strings.ReplaceAll(s, "{name}", ch.Name)
		return s
	}

	if !inv.InlineCommand.Empty() {
		raw := subst(inv.InlineCommand.Command)
		if inv.InlineCommand.Shell {
			argv = []string{"/bin/sh", "-c", raw}
		} else {
			argv = strings.Fields(raw)
		}
		c := newExecCmd(ctx, argv, inv.InlineCommand.Cwd, inv.InlineCommand.Env)
		return c, argv, nil
	}

	args := []string{}
	if inv.Tuning != nil {
		if inv.Tuning.HWAccel != nil && inv.Tuning.HWAccel.Method != "" {
			args = append(args, "-hwaccel", inv.Tuning.HWAccel.Method)
			if inv.Tuning.HWAccel.Device != "" {
				args = append(args, "-hwaccel_device", inv.Tuning.HWAccel.Device)
			}
		}
		args = append(args, inv.Tuning.ExtraInputArgs...)
		for k, v := range inv.Tuning.ExtraInputKV {
			args = append(args, "-"+k, v)
		}
	}
	if len(headers) > 0 {
		var b strings.Builder
		for k, v := range headers {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
		args = append(args, "-headers", b.String())
	}
	args = append(args, "-i", source)

	// A named ffmpeg_profile supplies extra encode flags (codec, bitrate,
	// and similar) merged in place of the default codec args below; it
	// never replaces the output target itself. original_source/amps's
	// ffmpeg_utils.py does the same: ffmpeg_profile is popped for a
	// handful of known keys and the remainder is merged into
	// output_kwargs by _build_hls_output/_build_dash_output, but the
	// output path/format is always computed from output_format, never
	// overridden wholesale by the profile.
	audioOut := key.Shape == config.ShapeAudio || (inv.Tuning != nil && inv.Tuning.AudioOnly)
	var encodeArgs []string
	for _, a := range inv.ProfileArgv {
		encodeArgs = append(encodeArgs, subst(a))
	}
	if len(encodeArgs) == 0 {
		encodeArgs = defaultEncodeArgs(audioOut)
	}
	args = append(args, encodeArgs...)
	args = append(args, outputTargetArgs(key.Shape, audioOut, tempDir)...)

	for i := range args {
		args[i] = subst(args[i])
	}
	full := append([]string{"ffmpeg"}, args...)
	c := newExecCmd(ctx, full, "", nil)
	return c, full, nil
}

// newExecCmd builds an exec.Cmd with the child in its own process group so
// termination can signal the whole tree, grounded on
// work/restream/ffmpeg.go: streamWithFFmpeg's Setpgid usage.
func newExecCmd(ctx context.Context, argv []string, cwd string, env map[string]string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if cwd != "" {
		cmd.Dir = cwd
	}
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	return cmd
}

// defaultEncodeArgs returns the codec args used when the invocation has no
// ffmpeg_profile of its own to supply them.
func defaultEncodeArgs(audioOut bool) []string {
	if audioOut {
		return []string{"-vn"}
	}
	return []string{"-c", "copy"}
}

// outputTargetArgs computes the shape-driven output format and target
// (pipe or per-key temp-dir manifest path). This is always applied,
// regardless of whether a profile supplied its own encode args, so a
// profile-configured hls/dash channel still lands its output where C4
// watches for it.
func outputTargetArgs(shape config.OutputShape, audioOut bool, tempDir string) []string {
	switch {
	case shape == config.ShapeDASH:
		return []string{"-f", "dash", filepath.Join(tempDir, "manifest.mpd")}
	case shape.IsSegmented():
		segDuration := "4"
		if shape == config.ShapeLLHLS {
			segDuration = "1"
		}
		return []string{
			"-f", "hls",
			"-hls_time", segDuration,
			"-hls_list_size", "6",
			"-hls_flags", "delete_segments",
			filepath.Join(tempDir, "index.m3u8"),
		}
	case audioOut:
		return []string{"-f", "adts", "-"}
	default:
		return []string{"-f", "mpegts", "-"}
	}
}
