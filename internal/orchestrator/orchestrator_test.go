package orchestrator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon-orchestrator/internal/config"
	"tachyon-orchestrator/internal/engine"
	"tachyon-orchestrator/internal/events"
	"tachyon-orchestrator/internal/journal"
	"tachyon-orchestrator/internal/lane"
	"tachyon-orchestrator/internal/network"
	"tachyon-orchestrator/internal/partfile"
)

type fakeTransport struct {
	payload []byte
	ranges  bool
}

func (t *fakeTransport) Probe(ctx context.Context, sourceURL string) (engine.Probe, error) {
	return engine.Probe{ExpectedSize: int64(len(t.payload)), AcceptsRanges: t.ranges}, nil
}

func (t *fakeTransport) Stream(ctx context.Context, sourceURL string, start, end int64) (io.ReadCloser, error) {
	if end < 0 || end >= int64(len(t.payload)) {
		end = int64(len(t.payload)) - 1
	}
	if start > end {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return io.NopCloser(bytes.NewReader(t.payload[start : end+1])), nil
}

func newTestOrchestrator(t *testing.T, transport engine.PeerTransport, poolSize int) (*Orchestrator, *journal.Journal, string) {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "journal"), journal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	tunables := config.DefaultTunables()
	tunables.HeartbeatInterval = 20 * time.Millisecond
	tunables.ShutdownGrace = 200 * time.Millisecond

	eng := engine.New(engine.Deps{
		Transport:  transport,
		Journal:    j,
		PartFile:   partfile.New(),
		Congestion: network.NewCongestionController(1, 4),
		Bandwidth:  network.NewBandwidthManager(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tunables:   tunables,
	})
	sched := lane.New(lane.DefaultConfig(poolSize))
	o := New(Deps{
		Journal:   j,
		Scheduler: sched,
		Engine:    eng,
		Bus:       events.NewBus(),
		Tunables:  tunables,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return o, j, dir
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within timeout")
}

func TestSubmitAssignsLaneFromPriority(t *testing.T) {
	o, j, dir := newTestOrchestrator(t, &fakeTransport{payload: []byte("x")}, 4)
	_ = dir

	id, err := o.Submit(journal.Intent{SourceURL: "https://example.test/a", DestPath: filepath.Join(dir, "a"), Priority: 5, ExpectedSize: -1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := j.Get(id)
	require.NoError(t, err)
	assert.Equal(t, string(lane.Express), stored.Lane)
}

func TestSubmitAndRunToCompletion(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 2048)
	o, j, dir := newTestOrchestrator(t, &fakeTransport{payload: payload, ranges: false}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	dest := filepath.Join(dir, "done.bin")
	id, err := o.Submit(journal.Intent{SourceURL: "https://example.test/done", DestPath: dest, Priority: 50, ExpectedSize: -1})
	require.NoError(t, err)

	var completed bool
	var mu sync.Mutex
	sub := o.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Kind == events.KindCompleted && ev.Completed.IntentID == id {
				mu.Lock()
				completed = true
				mu.Unlock()
			}
		}
	}()

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completed
	})

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = j.Get(id)
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestCancelQueuedIntentRemovesItFromJournal(t *testing.T) {
	o, j, dir := newTestOrchestrator(t, &fakeTransport{payload: []byte("never runs")}, 0)

	id, err := o.Submit(journal.Intent{SourceURL: "https://example.test/b", DestPath: filepath.Join(dir, "b"), Priority: 5, ExpectedSize: -1})
	require.NoError(t, err)

	require.NoError(t, o.Cancel(id))

	_, err = j.Get(id)
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestPauseAllStopsAdmission(t *testing.T) {
	o, j, dir := newTestOrchestrator(t, &fakeTransport{payload: []byte("paused")}, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	o.PauseAll()

	id, err := o.Submit(journal.Intent{SourceURL: "https://example.test/c", DestPath: filepath.Join(dir, "c"), Priority: 5, ExpectedSize: -1})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	stored, err := j.Get(id)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusPending, stored.Status)

	o.ResumeAll()
	waitFor(t, 3*time.Second, func() bool {
		_, err := j.Get(id)
		return err == journal.ErrNotFound
	})
}

func TestResetDeadLetterReenqueues(t *testing.T) {
	o, j, dir := newTestOrchestrator(t, &fakeTransport{payload: []byte("x")}, 2)

	intent := journal.Intent{ID: "poisoned-1", SourceURL: "https://example.test/d", DestPath: filepath.Join(dir, "d"), Priority: 5, ExpectedSize: -1}
	require.NoError(t, j.Put(intent))
	for i := 0; i < journal.DefaultMaxFailures; i++ {
		_, err := j.BumpFailure(intent.ID, assertErr{"boom"})
		require.NoError(t, err)
	}

	list, err := j.ListDeadLetter()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, o.ResetDeadLetter(intent.ID))

	stored, err := j.Get(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailureCount)
	assert.Equal(t, journal.StatusPending, stored.Status)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestBootRecoverySweepReenqueuesActiveIntents(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "journal"), journal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	require.NoError(t, j.Put(journal.Intent{ID: "left-over", SourceURL: "https://example.test/e", DestPath: filepath.Join(dir, "e"), Priority: 5, ExpectedSize: -1, Status: journal.StatusRunning}))

	tunables := config.DefaultTunables()
	eng := engine.New(engine.Deps{
		Transport:  &fakeTransport{payload: []byte("recovered")},
		Journal:    j,
		PartFile:   partfile.New(),
		Congestion: network.NewCongestionController(1, 4),
		Bandwidth:  network.NewBandwidthManager(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tunables:   tunables,
	})
	sched := lane.New(lane.DefaultConfig(2))
	bus := events.NewBus()
	o := New(Deps{Journal: j, Scheduler: sched, Engine: eng, Bus: bus, Tunables: tunables, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	sub := o.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	select {
	case ev := <-sub:
		require.Equal(t, events.KindRecovered, ev.Kind)
		assert.Equal(t, 1, ev.Recovered.RecoveredCount)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a RecoveryCompletedEvent")
	}
}

// TestBootRecoverySweepFinalizesGhostCommit covers the crash window between
// PartFile.Commit's rename and Journal.Commit: DestPath already holds the
// finished file, so the boot sweep must finalize the journal row directly
// instead of resubmitting the intent to the scheduler, which would re-fetch
// and overwrite a file that's already done.
func TestBootRecoverySweepFinalizesGhostCommit(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "journal"), journal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	dest := filepath.Join(dir, "ghost.bin")
	contents := []byte("already finished")
	require.NoError(t, os.WriteFile(dest, contents, 0o644))

	require.NoError(t, j.Put(journal.Intent{
		ID: "ghost-1", SourceURL: "https://example.test/ghost", DestPath: dest,
		Priority: 5, ExpectedSize: int64(len(contents)), Status: journal.StatusFinalizing,
	}))

	tunables := config.DefaultTunables()
	eng := engine.New(engine.Deps{
		Transport:  &fakeTransport{payload: []byte("must never be fetched")},
		Journal:    j,
		PartFile:   partfile.New(),
		Congestion: network.NewCongestionController(1, 4),
		Bandwidth:  network.NewBandwidthManager(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tunables:   tunables,
	})
	sched := lane.New(lane.DefaultConfig(2))
	bus := events.NewBus()
	o := New(Deps{Journal: j, Scheduler: sched, Engine: eng, Bus: bus, Tunables: tunables, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	sub := o.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	var sawCompleted bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !sawCompleted {
		select {
		case ev := <-sub:
			if ev.Kind == events.KindCompleted && ev.Completed.IntentID == "ghost-1" {
				sawCompleted = true
			}
		case <-time.After(20 * time.Millisecond):
		}
	}
	require.True(t, sawCompleted, "expected a DownloadCompletedEvent from ghost-commit recovery")

	_, err = j.Get("ghost-1")
	assert.ErrorIs(t, err, journal.ErrNotFound, "ghost-committed intent is removed from the journal, not resubmitted")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, contents, data, "ghost-commit recovery must not overwrite the already-finalized file")
	assert.False(t, o.engine.Running("ghost-1"), "ghost-commit recovery bypasses the engine entirely")
}
