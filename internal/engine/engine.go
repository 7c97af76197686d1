// Package engine implements the per-intent download state machine:
// Searching, Downloading, Verifying, Finalizing, Completed, with Failed,
// Cancelled, and Preempted side exits. Engine owns no scheduling policy of
// its own — the LaneScheduler decides what runs and when; Engine just runs
// whatever intent it's handed until it reaches a terminal state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tachyon-orchestrator/internal/config"
	"tachyon-orchestrator/internal/events"
	"tachyon-orchestrator/internal/filesystem"
	"tachyon-orchestrator/internal/journal"
	"tachyon-orchestrator/internal/network"
	"tachyon-orchestrator/internal/partfile"
	"tachyon-orchestrator/internal/security"
)

// Engine runs intents handed to it by Start, each in its own goroutine, and
// reports terminal states back through onTerminal and the event bus.
type Engine struct {
	transport PeerTransport
	journal   *journal.Journal
	partfile  *partfile.PartFile
	congestion *network.CongestionController
	bandwidth  *network.BandwidthManager
	organizer  *filesystem.SmartOrganizer
	scanner    security.Scanner // nil disables the post-finalize scan
	sink       events.Sink
	log        *slog.Logger
	tunables   config.Tunables

	// onTerminal is set by the orchestrator to learn when a run leaves the
	// engine's bookkeeping, so it can release the intent's scheduler slot.
	// The State passed is the run's final one (Completed, Failed,
	// Cancelled, or Preempted), so the caller can tell a pause from a
	// permanent exit.
	onTerminalFn func(intentID string, state State)

	mu   sync.Mutex
	runs map[string]*run
}

// Deps bundles the collaborators an Engine is built from.
type Deps struct {
	Transport  PeerTransport
	Journal    *journal.Journal
	PartFile   *partfile.PartFile
	Congestion *network.CongestionController
	Bandwidth  *network.BandwidthManager
	Organizer  *filesystem.SmartOrganizer
	Scanner    security.Scanner
	Sink       events.Sink
	Logger     *slog.Logger
	Tunables   config.Tunables
}

// New builds an Engine. A nil Scanner disables the post-finalize AV hook
// entirely, rather than falling back to a no-op implementation, so callers
// can tell from config whether scanning ran at all.
func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Engine{
		transport:  d.Transport,
		journal:    d.Journal,
		partfile:   d.PartFile,
		congestion: d.Congestion,
		bandwidth:  d.Bandwidth,
		organizer:  d.Organizer,
		scanner:    d.Scanner,
		sink:       d.Sink,
		log:        d.Logger,
		tunables:   d.Tunables,
		runs:       make(map[string]*run),
	}
}

// OnTerminal registers the callback invoked exactly once per Start, when a
// run reaches Completed, Failed, Cancelled, or Preempted.
func (e *Engine) OnTerminal(fn func(intentID string, state State)) {
	e.onTerminalFn = fn
}

func (e *Engine) onTerminal(intentID string) {
	e.mu.Lock()
	r, ok := e.runs[intentID]
	delete(e.runs, intentID)
	e.mu.Unlock()
	if !ok {
		return
	}
	if e.onTerminalFn != nil {
		e.onTerminalFn(intentID, r.getState())
	}
}

func (e *Engine) logger() *slog.Logger { return e.log }

func (e *Engine) publish(ev events.Event) {
	if e.sink != nil {
		e.sink.Publish(ev)
	}
}

// Start launches intent's run loop in its own goroutine and returns
// immediately. Starting an intent already running is a no-op.
func (e *Engine) Start(ctx context.Context, intent journal.Intent) error {
	e.mu.Lock()
	if _, exists := e.runs[intent.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("engine: intent %s already running", intent.ID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		intentID: intent.ID,
		ctx:      runCtx,
		cancel:   cancel,
		host:     hostOf(intent.SourceURL),
	}
	e.runs[intent.ID] = r
	e.mu.Unlock()

	go e.execute(r, intent)
	return nil
}

// Cancel stops intent's run, if any, and discards its part file when the
// run holds one open at that moment (a run cancelled while probing or
// backing off leaves an existing part file on disk). Unlike
// Preempt, a cancelled intent is not meant to resume: the caller is
// expected to also remove it from the journal.
func (e *Engine) Cancel(intentID string) bool {
	e.mu.Lock()
	r, ok := e.runs[intentID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.setState(Cancelled)
	r.cancel()
	return true
}

// Preempt stops intent's run if it is currently in a preemptible state,
// leaving its part file and journal row intact so the scheduler can
// re-admit it later. Returns false if the intent isn't running or has
// already passed the point where preemption is safe.
func (e *Engine) Preempt(intentID string) bool {
	e.mu.Lock()
	r, ok := e.runs[intentID]
	e.mu.Unlock()
	if !ok || !r.getState().Preemptible() {
		return false
	}
	r.setState(Preempted)
	r.cancel()
	return true
}

// StateOf reports the live state of a running intent.
func (e *Engine) StateOf(intentID string) (State, bool) {
	e.mu.Lock()
	r, ok := e.runs[intentID]
	e.mu.Unlock()
	if !ok {
		return 0, false
	}
	return r.getState(), true
}

// Running reports whether intentID currently has an active run.
func (e *Engine) Running(intentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[intentID]
	return ok
}

// RunningIDs returns the ids of every intent with a live run, for the
// orchestrator's shutdown sweep.
func (e *Engine) RunningIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.runs))
	for id := range e.runs {
		out = append(out, id)
	}
	return out
}
