package engine

import (
	"context"
	"io"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"tachyon-orchestrator/internal/events"
	"tachyon-orchestrator/internal/integrity"
	"tachyon-orchestrator/internal/journal"
	"tachyon-orchestrator/internal/lane"
	"tachyon-orchestrator/internal/orcherr"
	"tachyon-orchestrator/internal/partfile"
	"tachyon-orchestrator/internal/retry"
)

const chunkSize = 4 * 1024 * 1024

// run is the live, in-memory counterpart of one Intent while it executes.
// confirmedBytes and finalizing are the two fields the heartbeat loop and
// the worker swarm touch concurrently, hence atomics rather than the run's
// own mutex.
type run struct {
	intentID string

	ctx    context.Context
	cancel context.CancelFunc

	stateMu       sync.Mutex
	state         State
	attemptCancel context.CancelFunc

	confirmedBytes atomic.Int64
	progressAt     atomic.Int64 // UnixNano of the last forward progress or attempt start
	finalizing     atomic.Bool
	stalled        atomic.Bool

	host string
}

func (r *run) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

func (r *run) getState() State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// markProgress resets the stall clock, called both when a new attempt
// begins (so a just-started search isn't immediately flagged stalled) and
// whenever the byte counter actually advances.
func (r *run) markProgress() {
	r.progressAt.Store(time.Now().UnixNano())
}

// setAttemptCancel registers the cancel func for the in-flight attempt so
// the heartbeat loop can abort it on stall detection without tearing down
// the whole run the way an outer Cancel/Preempt does.
func (r *run) setAttemptCancel(fn context.CancelFunc) {
	r.stateMu.Lock()
	r.attemptCancel = fn
	r.stateMu.Unlock()
}

func (r *run) abortAttemptForStall() {
	r.stateMu.Lock()
	fn := r.attemptCancel
	r.stateMu.Unlock()
	if fn != nil {
		r.stalled.Store(true)
		fn()
	}
}

// execute drives one intent through Searching -> Downloading -> Verifying
// -> Finalizing -> Completed, or to Cancelled/Preempted, retrying
// transient and recovery-time failures in place rather than returning to
// the caller. Engine.Start runs it in its own goroutine, and it is the
// whole lifetime of one admitted run.
func (e *Engine) execute(r *run, intent journal.Intent) {
	e.bandwidth.SetTaskPriority(intent.ID, lane.Lane(intent.Lane))

	stopHeartbeat := e.startHeartbeat(r)
	defer stopHeartbeat()

	backoffAttempt := 0
	newBytesThisRun := false
	sizeKnown := intent.ExpectedSize >= 0

	for {
		r.markProgress()
		done, newBytes, err := e.attemptOnce(r, &intent, &sizeKnown)
		if newBytes {
			newBytesThisRun = true
			backoffAttempt = 0
		}
		if done {
			return
		}
		if r.ctx.Err() != nil {
			e.handleCancellation(r, intent)
			return
		}
		if err == nil {
			continue // digest-mismatch resume: loop immediately, no backoff
		}

		kind := orcherr.KindOf(err)
		if kind == orcherr.Transient {
			if !e.waitBackoff(r, &backoffAttempt) {
				e.handleCancellation(r, intent)
				return
			}
			continue
		}

		// Recovery-time failure: only a replay that hasn't produced any
		// new confirmed bytes in this run advances the dead-letter
		// counter. One that has made progress is treated like a
		// transient hiccup instead, and its prior strikes are forgiven.
		if newBytesThisRun {
			_ = e.journal.ResetFailure(intent.ID)
			if !e.waitBackoff(r, &backoffAttempt) {
				e.handleCancellation(r, intent)
				return
			}
			continue
		}

		poisoned, berr := e.journal.BumpFailure(intent.ID, err)
		if berr != nil {
			e.logger().Warn("bump failure on missing intent", "intent", intent.ID, "error", berr)
		}
		intent.FailureCount++
		if poisoned != retry.ShouldDeadLetterAt(intent.FailureCount, e.tunables.MaxFailures) {
			e.logger().Warn("dead-letter threshold disagreement", "intent", intent.ID, "journal_poisoned", poisoned, "failure_count", intent.FailureCount)
		}
		e.publish(events.Event{Kind: events.KindFailed, Failed: &events.DownloadFailedEvent{
			IntentID: intent.ID, Reason: err.Error(), FailureCount: intent.FailureCount, Terminal: poisoned, At: time.Now(),
		}})
		if !poisoned {
			backoffAttempt = 0
			if !e.waitBackoff(r, &backoffAttempt) {
				e.handleCancellation(r, intent)
				return
			}
			continue
		}

		// Dead-lettered by the journal's own bookkeeping: terminal.
		r.setState(Failed)
		e.publish(events.Event{Kind: events.KindDeadLettered, DeadLettered: &events.IntentDeadLetteredEvent{
			IntentID: intent.ID, Reason: err.Error(), At: time.Now(),
		}})
		e.onTerminal(intent.ID)
		return
	}
}

// waitBackoff sleeps the next jittered backoff delay, bumping attempt, and
// reports whether the run should continue (false if ctx was cancelled
// mid-wait).
func (e *Engine) waitBackoff(r *run, attempt *int) bool {
	delay := retry.Backoff(*attempt, rand.New(rand.NewSource(time.Now().UnixNano())))
	*attempt++
	select {
	case <-time.After(delay):
		return true
	case <-r.ctx.Done():
		return false
	}
}

// attemptOnce runs one Searching -> Downloading -> Verifying -> Finalizing
// pass. done reports whether the run reached a terminal outcome the
// caller must not retry (Completed, or a Cancelled/Preempted exit already
// handled by the caller checking r.ctx.Err()). newBytes reports whether
// any byte beyond the attempt's resume offset was confirmed, the signal
// that decides whether a subsequent recovery-time failure still counts
// against the intent. A nil err with done=false means a digest mismatch
// was resolved by truncating for an immediate resume.
func (e *Engine) attemptOnce(r *run, intent *journal.Intent, sizeKnown *bool) (done bool, newBytes bool, err error) {
	attemptCtx, attemptCancel := context.WithCancel(r.ctx)
	r.setAttemptCancel(attemptCancel)
	defer attemptCancel()
	defer r.setAttemptCancel(nil)

	r.setState(Searching)
	probe, perr := e.transport.Probe(attemptCtx, intent.SourceURL)
	if perr != nil {
		return false, false, e.classifyAttemptErr(r, perr)
	}
	if !*sizeKnown && probe.ExpectedSize >= 0 {
		intent.ExpectedSize = probe.ExpectedSize
		*sizeKnown = true
		_ = e.journal.Put(*intent)
	}

	r.setState(Downloading)
	handle, aerr := e.partfile.Acquire(intent.DestPath, intent.ExpectedSize, intent.ConfirmedBytes, intent.ExpectedDigest, intent.DigestAlgo)
	if aerr != nil {
		return false, false, e.classifyAttemptErr(r, orcherr.Wrap(orcherr.RecoveryFailure, aerr))
	}
	resumeOffset := handle.ResumeOffset
	r.confirmedBytes.Store(resumeOffset)

	if derr := e.download(attemptCtx, r, handle, *intent, probe); derr != nil {
		if r.ctx.Err() != nil {
			if r.getState() == Cancelled {
				handle.Discard()
			} else {
				handle.Abandon()
			}
			return false, r.confirmedBytes.Load() > resumeOffset, nil // caller sees r.ctx.Err() and exits
		}
		handle.Abandon()
		return false, r.confirmedBytes.Load() > resumeOffset, e.classifyAttemptErr(r, derr)
	}
	newBytes = r.confirmedBytes.Load() > resumeOffset

	r.setState(Verifying)
	if integrity.HasDigest(intent.ExpectedDigest) {
		partPath := intent.DestPath + ".part"
		if verr := integrity.VerifyDigest(partPath, intent.DigestAlgo, intent.ExpectedDigest); verr != nil {
			// Size matches but the digest doesn't: trust nothing past
			// confirmed_bytes. Abandon and let the next Acquire truncate
			// the tail and resume, same as any other torn write.
			handle.Abandon()
			e.logger().Warn("digest mismatch, truncating and resuming", "intent", intent.ID, "error", verr)
			return false, newBytes, nil
		}
	}

	r.setState(Finalizing)
	r.finalizing.Store(true)
	finalPath := intent.DestPath
	if cerr := handle.Commit(finalPath); cerr != nil {
		r.finalizing.Store(false)
		return false, newBytes, e.classifyAttemptErr(r, orcherr.Wrap(orcherr.RecoveryFailure, cerr))
	}
	if e.organizer != nil {
		if organized, oerr := e.organizer.OrganizeFile(finalPath, filenameOf(finalPath)); oerr == nil {
			finalPath = organized
		}
	}
	if cerr := e.journal.Commit(intent.ID); cerr != nil {
		e.logger().Warn("journal commit failed after file commit", "intent", intent.ID, "error", cerr)
	}

	if e.scanner != nil {
		go e.scanFinalized(intent.ID, finalPath)
	}

	r.setState(Completed)
	e.publish(events.Event{Kind: events.KindCompleted, Completed: &events.DownloadCompletedEvent{
		IntentID: intent.ID, FinalPath: finalPath, Size: intent.ExpectedSize, At: time.Now(),
	}})
	e.onTerminal(intent.ID)
	return true, true, nil
}

// classifyAttemptErr folds a stalled attempt (the heartbeat loop cancelled
// attemptCtx, not r.ctx) into Transient, since a dropped peer mid-stall is
// exactly the case RetryPolicy's stall clause covers, then defers to
// retry.Classify for everything else.
func (e *Engine) classifyAttemptErr(r *run, err error) error {
	if r.stalled.CompareAndSwap(true, false) {
		return orcherr.Wrap(orcherr.Transient, err)
	}
	return orcherr.Wrap(retry.Classify(err), err)
}

func (e *Engine) scanFinalized(intentID, path string) {
	result, err := e.scanner.ScanFile(context.Background(), path)
	if err != nil {
		e.logger().Warn("post-finalize scan failed to run", "intent", intentID, "path", path, "error", err)
		return
	}
	if result.Clean {
		return
	}
	e.logger().Warn("post-finalize scan flagged file", "intent", intentID, "path", path, "threat", result.Threat)
	e.publish(events.Event{Kind: events.KindSecurityFlagged, Flagged: &events.IntentFlaggedEvent{
		IntentID: intentID, Path: path, Scanner: e.scanner.Name(), Threat: result.Threat, At: time.Now(),
	}})
}

// download runs the swarm (or single-stream fallback) until every byte up
// to ExpectedSize is written, ctx is cancelled, or a worker reports a
// terminal error.
func (e *Engine) download(ctx context.Context, r *run, handle *partfile.Handle, intent journal.Intent, probe Probe) error {
	if intent.ExpectedSize < 0 || !probe.AcceptsRanges {
		return e.downloadSequential(ctx, r, handle, intent)
	}
	return e.downloadSwarm(ctx, r, handle, intent)
}

func (e *Engine) downloadSequential(ctx context.Context, r *run, handle *partfile.Handle, intent journal.Intent) error {
	start := handle.ResumeOffset
	body, err := e.transport.Stream(ctx, intent.SourceURL, start, -1)
	if err != nil {
		return orcherr.Wrap(retry.Classify(err), err)
	}
	defer body.Close()

	buf := make([]byte, 256*1024)
	offset := start
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := e.bandwidth.Wait(ctx, intent.ID, n); err != nil {
				return err
			}
			if _, werr := handle.WriteAt(buf[:n], offset); werr != nil {
				return orcherr.Wrap(orcherr.RecoveryFailure, werr)
			}
			offset += int64(n)
			r.confirmedBytes.Store(offset)
			r.markProgress()
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return orcherr.Wrap(retry.Classify(readErr), readErr)
		}
	}
}

func (e *Engine) downloadSwarm(ctx context.Context, r *run, handle *partfile.Handle, intent journal.Intent) error {
	cursor := atomic.Int64{}
	cursor.Store(handle.ResumeOffset)
	total := intent.ExpectedSize

	concurrency := e.congestion.GetIdealConcurrency(r.host)
	if concurrency < 1 {
		concurrency = 1
	}

	errCh := make(chan error, concurrency)
	var wg sync.WaitGroup
	swarmCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				start := cursor.Add(chunkSize) - chunkSize
				if start >= total {
					return
				}
				end := start + chunkSize - 1
				if end >= total {
					end = total - 1
				}
				if err := e.downloadChunk(swarmCtx, r, handle, intent, start, end); err != nil {
					select {
					case errCh <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}
	return ctx.Err()
}

func (e *Engine) downloadChunk(ctx context.Context, r *run, handle *partfile.Handle, intent journal.Intent, start, end int64) error {
	attemptStart := time.Now()
	body, err := e.transport.Stream(ctx, intent.SourceURL, start, end)
	if err != nil {
		e.congestion.RecordOutcome(r.host, time.Since(attemptStart), err)
		return orcherr.Wrap(retry.Classify(err), err)
	}
	defer body.Close()

	buf := make([]byte, 64*1024)
	offset := start
	for offset <= end {
		n, readErr := body.Read(buf)
		if n > 0 {
			if werr := e.bandwidth.Wait(ctx, intent.ID, n); werr != nil {
				return werr
			}
			if _, werr := handle.WriteAt(buf[:n], offset); werr != nil {
				return orcherr.Wrap(orcherr.RecoveryFailure, werr)
			}
			offset += int64(n)
			addConfirmedIfContiguous(r, offset)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			e.congestion.RecordOutcome(r.host, time.Since(attemptStart), readErr)
			return orcherr.Wrap(retry.Classify(readErr), readErr)
		}
	}
	e.congestion.RecordOutcome(r.host, time.Since(attemptStart), nil)
	return nil
}

// addConfirmedIfContiguous advances the published confirmed-byte counter
// and resets the stall clock. Chunks complete out of order under the
// swarm; this engine reports the monotonically increasing high-water mark
// of bytes written so far rather than tracking a precise contiguous
// frontier, which is sufficient for progress reporting and stall
// detection but not used to decide resume offsets (PartFile.Acquire owns
// that, from disk length).
func addConfirmedIfContiguous(r *run, offset int64) {
	for {
		cur := r.confirmedBytes.Load()
		if offset <= cur {
			return
		}
		if r.confirmedBytes.CompareAndSwap(cur, offset) {
			r.markProgress()
			return
		}
	}
}

func (e *Engine) startHeartbeat(r *run) func() {
	ticker := time.NewTicker(e.tunables.HeartbeatInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if r.finalizing.Load() {
					continue // suppressed: finalize owns the file now
				}
				bytes := r.confirmedBytes.Load()
				_ = e.journal.Heartbeat(r.intentID, bytes, time.Now().UnixNano())
				e.publish(events.Event{Kind: events.KindProgress, Progress: &events.DownloadProgressEvent{
					IntentID: r.intentID, ConfirmedBytes: bytes, At: time.Now(),
				}})
				if retry.IsStalledAfter(time.Now().UnixNano(), r.progressAt.Load(), e.tunables.StallWindow) {
					e.logger().Warn("download stalled, dropping peer and re-searching", "intent", r.intentID)
					r.abortAttemptForStall()
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// handleCancellation runs after a run exits because its context was
// cancelled (Cancel/Preempt) or an in-session retry loop gave up waiting
// on a cancelled ctx. State was already set to Preempted or Cancelled by
// the caller (Engine.Preempt / Engine.Cancel) before cancel() fired; a
// Preempted intent's journal row is left alone so the scheduler can
// re-admit it, while a Cancelled one is the caller's responsibility to
// remove.
func (e *Engine) handleCancellation(r *run, intent journal.Intent) {
	e.onTerminal(intent.ID)
}

func filenameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
