// Package manifest implements the static-manifest watcher (C4): serving
// HLS/DASH segment files an FFmpeg child writes to a per-key temp
// directory, and implicitly starting that child on first request.
// Grounded on work/watcher/watcher.go's ticking monitor idiom, retargeted
// from "poll upstream stream health" to "poll a per-key temp directory".
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grafov/m3u8"

	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/internal/transcoder"
	"github.com/LibreNetworks/amps/pkg/logger"
)

var (
	ErrPathTraversal = errors.New("path traversal rejected")
	ErrNotReady      = errors.New("manifest not yet produced")
)

const (
	entryHLS  = "index.m3u8"
	entryDASH = "manifest.mpd"
)

// Watcher serves segmented outputs (C4). A segmented record has no
// long-lived HTTP connection to hang a Subscription off of the way a
// non-segmented stream does — clients poll the manifest and each segment
// with independent short HTTP requests — so Watcher keeps one keep-alive
// Subscription per stream key alive for as long as the underlying record
// is running, opening (and replacing, once stale) it lazily.
type Watcher struct {
	manager *transcoder.Manager

	mu    sync.Mutex
	subs  map[string]*transcoder.Subscription
}

func New(manager *transcoder.Manager) *Watcher {
	return &Watcher{
		manager: manager,
		subs:    make(map[string]*transcoder.Subscription),
	}
}

// keepAlive returns the cached subscription for key, opening a fresh one
// via sub if none is cached or the cached one's record is no longer alive
// (it exited, was killed, or restarted into a new record with a new temp
// directory).
func (w *Watcher) keepAlive(sub OpenFunc, key transcoder.Key) (*transcoder.Subscription, error) {
	mapKey := key.String()

	w.mu.Lock()
	existing, ok := w.subs[mapKey]
	w.mu.Unlock()
	if ok && existing.Alive() {
		return existing, nil
	}

	fresh, err := sub(key)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.subs[mapKey] = fresh
	w.mu.Unlock()
	return fresh, nil
}

// EntryFile returns the manifest filename C4 expects the child to produce
// for the given shape.
func EntryFile(shape config.OutputShape) string {
	if shape == config.ShapeDASH {
		return entryDASH
	}
	return entryHLS
}

// Serve resolves (channelID, variant, shape, file) to bytes read from the
// per-key temp directory, opening the record first if necessary. file must
// not contain path traversal components or be absolute.
func (w *Watcher) Serve(sub OpenFunc, key transcoder.Key, file string) ([]byte, error) {
	if strings.Contains(file, "..") || filepath.IsAbs(file) {
		return nil, ErrPathTraversal
	}

	s, err := w.keepAlive(sub, key)
	if err != nil {
		return nil, err
	}

	dir := s.TempDir()
	path := filepath.Join(dir, file)
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(dir)+string(filepath.Separator)) && filepath.Clean(path) != filepath.Clean(dir) {
		return nil, ErrPathTraversal
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotReady
		}
		return nil, err
	}

	s.Touch()

	if file == entryHLS {
		if verr := validateHLS(data); verr != nil {
			logger.Warn("manifest: entry manifest for %s failed validation: %v", key, verr)
		}
	}

	return data, nil
}

// OpenFunc lets callers (internal/httpapi) supply the actual Open() call
// with request-scoped context/overlap flags without this package importing
// net/http.
type OpenFunc func(key transcoder.Key) (*transcoder.Subscription, error)

// validateHLS sanity-checks a manifest FFmpeg wrote before it is served to
// a client, the mirror-image use of grafov/m3u8 from the teacher's
// work/parser/m3u8.go (which parses upstream master/media playlists; here
// the playlist being parsed is one this process's own child produced).
func validateHLS(data []byte) error {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(data)), true)
	if err != nil {
		return err
	}
	if listType != m3u8.MEDIA {
		return errors.New("expected a media playlist")
	}
	if playlist == nil {
		return errors.New("empty playlist")
	}
	return nil
}
