// Package orchestrator wires the Journal, PartFile, RetryPolicy,
// LaneScheduler, and DownloadEngine together behind the small public API a
// caller actually needs: Submit, Cancel, PauseAll/ResumeAll,
// ResetDeadLetter, Subscribe. It owns the admission tick loop and the
// boot-time recovery sweep; nothing downstream of it knows the process
// ever restarted.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"tachyon-orchestrator/internal/config"
	"tachyon-orchestrator/internal/engine"
	"tachyon-orchestrator/internal/events"
	"tachyon-orchestrator/internal/journal"
	"tachyon-orchestrator/internal/lane"
)

// Orchestrator is the public entry point for the download core.
type Orchestrator struct {
	journal   *journal.Journal
	scheduler *lane.Scheduler
	engine    *engine.Engine
	bus       *events.Bus
	tunables  config.Tunables
	log       *slog.Logger

	mu       sync.Mutex
	paused   bool
	cancelFn context.CancelFunc
	tickDone chan struct{}
}

// Deps bundles the collaborators an Orchestrator is built from. Engine and
// Scheduler are expected to already be constructed against the same
// Journal; Orchestrator only coordinates them.
type Deps struct {
	Journal   *journal.Journal
	Scheduler *lane.Scheduler
	Engine    *engine.Engine
	Bus       *events.Bus
	Tunables  config.Tunables
	Logger    *slog.Logger
}

// New builds an Orchestrator. Call Start to run the boot recovery sweep and
// begin the admission tick loop.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus()
	}
	o := &Orchestrator{
		journal:   d.Journal,
		scheduler: d.Scheduler,
		engine:    d.Engine,
		bus:       d.Bus,
		tunables:  d.Tunables,
		log:       d.Logger,
	}
	o.engine.OnTerminal(o.handleTerminal)
	return o
}

// resolveLane maps priority 0..9 to Express, 10..99 is Standard, >=100
// is Background. Lower numeric priority is more urgent.
func resolveLane(priority int) lane.Lane {
	switch {
	case priority < 10:
		return lane.Express
	case priority < 100:
		return lane.Standard
	default:
		return lane.Background
	}
}

// schedulerScore inverts an Intent's raw priority (lower is more urgent) into
// the score lane.Scheduler's heap compares with "highest wins" semantics.
func schedulerScore(priority int) int {
	return -priority
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// Start runs the boot-time recovery sweep over whatever the Journal has
// active from a previous process, then begins the admission tick loop. ctx
// governs the tick loop's lifetime; cancel it (or call Shutdown) to stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.recoverOnBoot(); err != nil {
		return fmt.Errorf("orchestrator: boot recovery: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelFn = cancel
	o.tickDone = make(chan struct{})
	o.mu.Unlock()

	go o.tickLoop(runCtx)
	return nil
}

// recoverOnBoot re-enqueues every active Intent left over from an unclean
// shutdown. PartFile's own handshake (fresh-start / trust-disk /
// torn-write-truncate) resolves most of them the moment DownloadEngine.Start
// acquires its handle; this sweep only has to get every row back in front
// of the scheduler. One case it must resolve itself: a Ghost-commit, where
// DestPath already exists on disk because the crash landed between
// PartFile.Commit's rename and Journal.Commit. Re-submitting that intent
// would re-download a file that's already finished, so a DestPath hit is
// finalized directly here instead of going through the scheduler at all.
func (o *Orchestrator) recoverOnBoot() error {
	active, err := o.journal.ListActiveOrdered()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	recovered, resubmitted, ghosts := 0, 0, 0
	for _, intent := range active {
		if intent.Status != journal.StatusPending {
			recovered++
		}
		if _, statErr := os.Stat(intent.DestPath); statErr == nil {
			if err := o.journal.Commit(intent.ID); err != nil {
				o.log.Warn("ghost-commit recovery: journal commit failed", "intent", intent.ID, "error", err)
				continue
			}
			o.bus.Publish(events.Event{Kind: events.KindCompleted, Completed: &events.DownloadCompletedEvent{
				IntentID: intent.ID, FinalPath: intent.DestPath, Size: intent.ExpectedSize, At: time.Now(),
			}})
			ghosts++
			continue
		}
		o.scheduler.Enqueue(lane.Lane(intent.Lane), intent.ID, hostOf(intent.SourceURL), schedulerScore(intent.Priority), intent.CreatedAt)
		resubmitted++
	}

	if recovered+resubmitted+ghosts > 0 {
		o.bus.Publish(events.Event{Kind: events.KindRecovered, Recovered: &events.RecoveryCompletedEvent{
			RecoveredCount: recovered, ResubmittedCount: resubmitted, At: time.Now(),
		}})
	}
	return nil
}

func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer close(o.tickDone)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	o.mu.Lock()
	paused := o.paused
	o.mu.Unlock()
	if paused {
		return
	}

	result := o.scheduler.Tick()
	for _, id := range result.Preempted {
		o.engine.Preempt(id)
		o.bus.Publish(events.Event{Kind: events.KindLanePreempted, Preempted: &events.LanePreemptedEvent{
			PreemptedIntentID: id, At: time.Now(),
		}})
	}
	for _, id := range result.Admitted {
		intent, err := o.journal.Get(id)
		if err != nil {
			o.log.Warn("admitted intent missing from journal", "intent", id, "error", err)
			o.scheduler.Release(id)
			continue
		}
		if err := o.engine.Start(ctx, intent); err != nil {
			o.log.Warn("failed to start admitted intent", "intent", id, "error", err)
		}
	}
}

// handleTerminal is Engine's OnTerminal callback. A Preempted run was
// already moved back into its lane's queue by Scheduler.Tick at the moment
// it decided to preempt, so this must not touch the scheduler for that
// case — doing so would strip the freshly re-queued item back out.
//
// Engine only ever sets State to Failed once the journal has actually
// dead-lettered the intent (see Engine's run loop), so the Failed case
// below should find Status already StatusFailed. The re-check and
// resubmit exists as a defensive backstop against that invariant drifting
// out of sync in some future change, not as the normal path.
func (o *Orchestrator) handleTerminal(intentID string, state engine.State) {
	switch state {
	case engine.Preempted:
		return
	case engine.Cancelled:
		o.scheduler.Release(intentID)
		if err := o.journal.Remove(intentID); err != nil {
			o.log.Warn("failed to remove cancelled intent from journal", "intent", intentID, "error", err)
		}
	case engine.Failed:
		o.scheduler.Release(intentID)
		intent, err := o.journal.Get(intentID)
		if err == nil && intent.Status != journal.StatusFailed {
			o.log.Warn("intent reached Failed without being dead-lettered, resubmitting", "intent", intentID)
			o.scheduler.Enqueue(lane.Lane(intent.Lane), intent.ID, hostOf(intent.SourceURL), schedulerScore(intent.Priority), intent.CreatedAt)
		}
	default: // Completed
		o.scheduler.Release(intentID)
	}
}

// Submit enqueues a new Intent for admission. A caller-omitted ID gets a
// generated UUID; a caller-omitted Lane is resolved from Priority. Submit
// is idempotent on ID: resubmitting an existing, still-active id upserts
// its mutable fields (see Journal.Put) and reflows it into its possibly
// new lane, preserving FailureCount and CreatedAt.
func (o *Orchestrator) Submit(intent journal.Intent) (string, error) {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.Lane == "" {
		intent.Lane = string(resolveLane(intent.Priority))
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	if err := o.journal.Put(intent); err != nil {
		return "", fmt.Errorf("orchestrator: submit %s: %w", intent.ID, err)
	}
	// A resubmit that changes priority/lane for an intent still sitting in
	// a queue must move it; Scheduler.Enqueue alone is a no-op for an
	// id already queued, so drop it first. A currently running intent is
	// left alone — its new priority applies on its next admission cycle,
	// not mid-flight.
	if !o.engine.Running(intent.ID) {
		o.scheduler.Remove(intent.ID)
		o.scheduler.Enqueue(lane.Lane(intent.Lane), intent.ID, hostOf(intent.SourceURL), schedulerScore(intent.Priority), intent.CreatedAt)
	}
	return intent.ID, nil
}

// Cancel stops intent, if running, and removes it from the journal and
// scheduler entirely. A queued-but-not-yet-running intent is removed
// synchronously; a running one is stopped asynchronously and cleaned up
// from handleTerminal once its goroutine actually exits.
func (o *Orchestrator) Cancel(intentID string) error {
	if o.engine.Cancel(intentID) {
		return nil
	}
	o.scheduler.Remove(intentID)
	return o.journal.Remove(intentID)
}

// PauseAll stops the tick loop from admitting new work. Intents already
// running continue to completion; nothing is preempted.
func (o *Orchestrator) PauseAll() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
}

// ResumeAll re-enables admission.
func (o *Orchestrator) ResumeAll() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
}

// ResetDeadLetter moves a dead-lettered intent back to active with its
// failure count cleared and re-submits it to the scheduler.
func (o *Orchestrator) ResetDeadLetter(intentID string) error {
	intent, err := o.journal.ResetDeadLetter(intentID)
	if err != nil {
		return fmt.Errorf("orchestrator: reset dead letter %s: %w", intentID, err)
	}
	o.scheduler.Enqueue(lane.Lane(intent.Lane), intent.ID, hostOf(intent.SourceURL), schedulerScore(intent.Priority), time.Now())
	return nil
}

// Subscribe returns a channel of every event published from here on.
func (o *Orchestrator) Subscribe() <-chan events.Event {
	return o.bus.Subscribe()
}

// Get returns the current row for intentID, checking active then dead-letter.
func (o *Orchestrator) Get(intentID string) (journal.Intent, error) {
	return o.journal.Get(intentID)
}

// ListActive returns every active intent, priority order.
func (o *Orchestrator) ListActive() ([]journal.Intent, error) {
	return o.journal.ListActiveOrdered()
}

// ListDeadLetter returns every dead-lettered intent.
func (o *Orchestrator) ListDeadLetter() ([]journal.Intent, error) {
	return o.journal.ListDeadLetter()
}

// Snapshot returns the scheduler's current execution-slot states.
func (o *Orchestrator) Snapshot() []lane.ExecutionSlot {
	return o.scheduler.Snapshot()
}

// Paused reports whether admission is currently paused.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Shutdown stops the tick loop and waits up to ShutdownGrace for any
// intent currently Finalizing to reach a terminal state, so a commit
// already in flight isn't torn by process exit. Runs are started under the
// tick loop's context, so cancelling it also stops intents still
// Downloading; their part files and journal rows are kept and they resume
// from their last heartbeat on next boot.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	cancel := o.cancelFn
	done := o.tickDone
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	deadline := time.Now().Add(o.tunables.ShutdownGrace)
	for time.Now().Before(deadline) {
		if !o.anyFinalizing() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (o *Orchestrator) anyFinalizing() bool {
	for _, id := range o.engine.RunningIDs() {
		if state, ok := o.engine.StateOf(id); ok && state == engine.Finalizing {
			return true
		}
	}
	return false
}
