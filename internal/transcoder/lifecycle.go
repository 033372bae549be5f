package transcoder

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/LibreNetworks/amps/pkg/logger"
	"github.com/LibreNetworks/amps/pkg/metrics"
)

// spawn starts cmd, wires it to rec, and verifies it survives the health
// window before returning success — spec.md §4.2's "verify within a grace
// window (≥1s) that it has not immediately exited".
func (m *Manager) spawn(rec *Record, cmd *exec.Cmd) error {
	var stdout io.ReadCloser
	var err error
	if !rec.Segmented {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return err
		}
	} else {
		cmd.Stdout = nil
	}

	if err := cmd.Start(); err != nil {
		logger.Warn("transcoder: failed to start child for %s: %v", rec.Key, err)
		return err
	}
	rec.mu.Lock()
	rec.startedAt = time.Now()
	rec.mu.Unlock()

	// exited is closed exactly once, after exitErr is written, so any
	// number of goroutines (the health check below, the segmented watcher,
	// and terminate()) can safely observe it via <-exited without racing
	// to be "the" consumer of a single delivered value.
	exited := make(chan struct{})
	var exitErr error
	go func() {
		exitErr = cmd.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		logger.Warn("transcoder: child for %s exited immediately: %v", rec.Key, exitErr)
		return errChildDiedEarly
	case <-time.After(m.opts.SpawnGraceWindow):
	}

	rec.mu.Lock()
	rec.cmd = cmd
	rec.exitedCh = exited
	rec.mu.Unlock()

	// exitErr is only safe to read once exited has closed; readerLoop and
	// watchSegmentedChild wait on exited before consulting rec.exitErr via
	// unexpectedExit, but the write itself must still be synchronized
	// against those reads.
	go func() {
		<-exited
		rec.mu.Lock()
		rec.exitErr = exitErr
		rec.mu.Unlock()
	}()

	if !rec.Segmented {
		rec.stdout = stdout
	}
	return nil
}

var errChildDiedEarly = &transcoderErr{"child exited within health window"}

type transcoderErr struct{ msg string }

func (e *transcoderErr) Error() string { return e.msg }

// readerLoop is the single reader task that owns rec's child stdout. It
// reads fixed-size chunks, appends them to the ring buffer, and fans them
// out to subscribers on the bounded worker pool — grounded on
// work/restream/ffmpeg.go: streamWithFFmpeg's read loop, replacing its
// serial Clients.Range with an ants.Pool-parallel fan-out per spec.md §9's
// backpressure note.
func (m *Manager) readerLoop(rec *Record) {
	if rec.Segmented {
		m.watchSegmentedChild(rec)
		return
	}

	buf := make([]byte, m.opts.ChunkSize)
	for {
		n, err := rec.stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			rec.ring.write(chunk)
			metrics.BytesTransferred.WithLabelValues(rec.Key.String(), "out").Add(float64(n))
			m.fanout(rec, chunk)
		}
		if err != nil {
			if err != io.EOF {
				metrics.StreamErrors.WithLabelValues(rec.Key.String(), "read").Inc()
			}
			break
		}
	}

	// The stdout pipe closing only tells us the child stopped writing, not
	// why — a deliberate SIGTERM from terminate() and a crash both surface
	// here as a plain io.EOF. rec.unexpectedExit consults the real
	// cmd.Wait() outcome (recorded by spawn) instead of the read error.
	rec.mu.RLock()
	exited := rec.exitedCh
	rec.mu.RUnlock()
	if exited != nil {
		<-exited
	}
	select {
	case <-rec.stopCh:
		m.onChildExit(rec, false)
		return
	default:
	}
	m.onChildExit(rec, rec.unexpectedExit(rec.subscriberCount() > 0))
}

// watchSegmentedChild waits for the child to exit; segment content itself
// is served by C4 directly from the temp directory, so this task has
// nothing to read — it only detects the terminal condition. If terminate()
// gets there first, stopCh wins the select and this task simply returns,
// leaving cleanup to terminate(). Because select breaks ties among
// simultaneously ready channels at random, stopCh is re-checked
// non-blockingly after <-exited fires so a terminate() that closed stopCh
// just before killing the child is never misread as an unexpected exit.
func (m *Manager) watchSegmentedChild(rec *Record) {
	rec.mu.RLock()
	exited := rec.exitedCh
	rec.mu.RUnlock()
	if exited == nil {
		return
	}
	select {
	case <-rec.stopCh:
		return
	case <-exited:
	}
	select {
	case <-rec.stopCh:
		return
	default:
	}
	m.onChildExit(rec, rec.unexpectedExit(rec.subscriberCount() > 0))
}

// fanout pushes chunk onto every attached subscriber's queue on the bounded
// ants pool, so one slow subscriber's blocking push cannot delay delivery
// to the others.
func (m *Manager) fanout(rec *Record, chunk []byte) {
	rec.subs.Range(func(id string, sub *subscriber) bool {
		err := m.pool.Submit(func() {
			select {
			case sub.ch <- chunk:
			case <-time.After(m.opts.SubscriberDeadline):
				m.evict(rec, sub)
			case <-sub.ctx.Done():
			}
		})
		if err != nil {
			// Pool saturated; push synchronously rather than drop the
			// chunk, which would violate the "no gap hidden" ordering
			// guarantee for this subscriber.
			select {
			case sub.ch <- chunk:
			case <-time.After(m.opts.SubscriberDeadline):
				m.evict(rec, sub)
			case <-sub.ctx.Done():
			}
		}
		return true
	})
}

func (m *Manager) evict(rec *Record, sub *subscriber) {
	rec.subs.Delete(sub.id)
	if rec.ring != nil {
		rec.ring.forget(sub.id)
	}
	close(sub.ch)
	sub.cancel()
	metrics.EvictedSubscribers.WithLabelValues(rec.Key.String()).Inc()
	metrics.SubscriberDetached(rec.Key.String())
}

// onChildExit records the terminal status and, if the closure was
// unexpected and the restart budget allows it, relaunches the child.
func (m *Manager) onChildExit(rec *Record, unexpected bool) {
	metrics.LiveRecords.WithLabelValues(string(rec.Key.Shape)).Dec()

	rec.mu.Lock()
	hadSubs := rec.subs.Size() > 0
	rec.mu.Unlock()

	if !unexpected && !hadSubs {
		m.finalize(rec, StateExited)
		return
	}
	if !unexpected {
		m.finalize(rec, StateExited)
		m.closeAllSubs(rec)
		return
	}

	if !m.withinRestartBudget(rec) {
		logger.Warn("transcoder: restart budget exceeded for %s", rec.Key)
		m.finalize(rec, StateFailed)
		m.closeAllSubs(rec)
		return
	}

	rec.setState(StateDegraded)
	metrics.Restarts.WithLabelValues(rec.Key.String()).Inc()
	// Keyed by rec.mapKey, not recordMapKey(rec.Key): an overlap record's
	// restarts must throttle against its own private budget, not the
	// shared key's, since it's an independent child process.
	m.restartLimiterFor(rec.mapKey).Take()

	if err := m.restart(rec); err != nil {
		logger.Warn("transcoder: restart failed for %s: %v", rec.Key, err)
		m.finalize(rec, StateFailed)
		m.closeAllSubs(rec)
	}
}

func (m *Manager) withinRestartBudget(rec *Record) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	now := time.Now()
	if now.Sub(rec.restartWindowStart) > m.opts.RestartWindow {
		rec.restartWindowStart = now
		rec.restartCount = 0
	}
	rec.restartCount++
	return rec.restartCount <= m.opts.RestartBudget
}

// restart re-enters the launch path for an already-published record,
// reusing its identity so surviving subscribers re-attach transparently.
func (m *Manager) restart(rec *Record) error {
	ch, ok := m.channels.Get(rec.Key.ChannelID)
	if !ok {
		return errChannelGone
	}
	inv, err := m.cfg.Resolve(ch, rec.Key.Variant)
	if err != nil {
		return err
	}

	source := inv.Source
	headers := map[string]string{}
	if inv.Tuning.IsIndirect() {
		resolveCtx, cancel := context.WithTimeout(rec.spawnCtx, m.opts.ResolverTimeout)
		resolvedURL, hdrs, rerr := m.resolver.Resolve(resolveCtx, inv.Source, inv.Tuning.Resolver)
		cancel()
		if rerr != nil {
			return rerr
		}
		source = resolvedURL
		headers = hdrs
	}

	rec.mu.RLock()
	tempDir := rec.tempDir
	rec.mu.RUnlock()

	cmd, argv, err := buildCommand(rec.spawnCtx, inv, ch, rec.Key, source, headers, tempDir)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.argv = argv
	rec.mu.Unlock()

	if err := m.spawn(rec, cmd); err != nil {
		return err
	}
	rec.setState(StateRunning)
	metrics.LiveRecords.WithLabelValues(string(rec.Key.Shape)).Inc()
	go m.readerLoop(rec)
	return nil
}

var errChannelGone = &transcoderErr{"channel no longer exists"}

func (m *Manager) closeAllSubs(rec *Record) {
	rec.subs.Range(func(id string, sub *subscriber) bool {
		rec.subs.Delete(id)
		close(sub.ch)
		sub.cancel()
		metrics.SubscriberDetached(rec.Key.String())
		return true
	})
}

func (m *Manager) finalize(rec *Record, state State) {
	rec.setState(state)
	m.records.Delete(rec.mapKey)
	if rec.tempDir != "" {
		os.RemoveAll(rec.tempDir)
	}
}

// terminate stops rec's child gracefully then forcefully, per spec.md
// §4.2's "Termination discipline": SIGTERM, wait up to 5s, then SIGKILL.
func (m *Manager) terminate(ctx context.Context, rec *Record) {
	rec.stopOnce.Do(func() {
		rec.setState(StateStopping)
		close(rec.stopCh)

		rec.mu.RLock()
		cmd := rec.cmd
		exited := rec.exitedCh
		rec.mu.RUnlock()

		if cmd != nil && cmd.Process != nil {
			pid := cmd.Process.Pid
			_ = syscall.Kill(-pid, syscall.SIGTERM)

			select {
			case <-exited:
			case <-time.After(m.opts.GracefulStopWait):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
				<-exited
			case <-ctx.Done():
				_ = syscall.Kill(-pid, syscall.SIGKILL)
				<-exited
			}
		}
		if rec.spawnCancel != nil {
			rec.spawnCancel()
		}

		m.closeAllSubs(rec)
		rec.setState(StateExited)
		if rec.ring != nil {
			rec.ring.destroy()
		}
		if rec.tempDir != "" {
			os.RemoveAll(rec.tempDir)
		}
		// A stream record's reader loop still reaches onChildExit, which
		// decrements LiveRecords; a segmented record's watcher returns on
		// stopCh without it, so only that case is decremented here.
		if rec.Segmented {
			metrics.LiveRecords.WithLabelValues(string(rec.Key.Shape)).Dec()
		}
	})
}

// terminateNow is terminate() with a short bounded context, used for
// overlap teardown on subscriber disconnect (spec.md §4.3).
func (m *Manager) terminateNow(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.GracefulStopWait+time.Second)
	defer cancel()
	m.terminate(ctx, rec)
}

// sweepLoop periodically reaps records with no subscribers past the idle
// timeout, and overlap records on the first sweep after they lose their
// sole subscriber — spec.md §4.2's "Idle reaping".
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.opts.IdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	var toReap []*Record
	m.records.Range(func(mapKey string, rec *Record) bool {
		if rec.isOverlap {
			if rec.subscriberCount() == 0 {
				toReap = append(toReap, rec)
				m.records.Delete(mapKey)
			}
			return true
		}

		// Segmented records carry a single, never-closed keep-alive
		// subscription from C4 (there is no long-lived HTTP connection to
		// hang a real subscriber off), so subscriber count alone would
		// never reach zero. Their liveness is judged purely by how
		// recently a manifest or segment file was last read.
		if rec.Segmented {
			if time.Since(rec.idleSince()) > m.opts.IdleTimeout {
				toReap = append(toReap, rec)
				m.records.Delete(mapKey)
			}
			return true
		}

		if rec.subscriberCount() > 0 {
			return true
		}
		if time.Since(rec.idleSince()) > m.opts.IdleTimeout {
			toReap = append(toReap, rec)
			m.records.Delete(mapKey)
		}
		return true
	})
	for _, rec := range toReap {
		go m.terminateNow(rec)
	}
}
