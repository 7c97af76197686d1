package journal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestPutGetRoundTrip(t *testing.T) {
	j := newTestJournal(t)

	in := Intent{ID: "a1", SourceURL: "https://example.com/f", DestPath: "/tmp/f", Priority: 5, ExpectedSize: 100}
	require.NoError(t, j.Put(in))

	got, err := j.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/f", got.SourceURL)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestPutUpsertPreservesFailureCountAndCreatedAt(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Put(Intent{ID: "a1", Priority: 1}))
	_, err := j.BumpFailure("a1", errors.New("boom"))
	require.NoError(t, err)

	first, err := j.Get("a1")
	require.NoError(t, err)
	require.Equal(t, 1, first.FailureCount)

	// Resubmit with a different priority only.
	require.NoError(t, j.Put(Intent{ID: "a1", Priority: 9}))

	second, err := j.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 9, second.Priority)
	assert.Equal(t, 1, second.FailureCount, "resubmit must preserve failure_count")
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "resubmit must preserve created_at")
}

func TestHeartbeatCoalescesSmallDeltas(t *testing.T) {
	j := newTestJournal(t)
	j.heartbeatMinDelta = 1000

	require.NoError(t, j.Put(Intent{ID: "a1", ExpectedSize: 10_000}))
	require.NoError(t, j.Heartbeat("a1", 10, 1))

	got, err := j.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ConfirmedBytes, "sub-threshold progress should not persist confirmed_bytes")
	assert.Equal(t, int64(1), got.LastHeartbeat, "liveness clock must still advance")

	require.NoError(t, j.Heartbeat("a1", 5000, 2))
	got, err = j.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.ConfirmedBytes)
}

func TestBumpFailureDeadLettersAtMax(t *testing.T) {
	j := newTestJournal(t)
	j.maxFailures = 3

	require.NoError(t, j.Put(Intent{ID: "a1"}))

	for i := 0; i < 2; i++ {
		poisoned, err := j.BumpFailure("a1", errors.New("retry me"))
		require.NoError(t, err)
		assert.False(t, poisoned)
	}

	poisoned, err := j.BumpFailure("a1", errors.New("final"))
	require.NoError(t, err)
	assert.True(t, poisoned)

	_, err = j.Get("a1")
	require.NoError(t, err) // still findable, via dead-letter fallback

	list, err := j.ListDeadLetter()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusFailed, list[0].Status)

	active, err := j.ListActiveOrdered()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestResetDeadLetterReactivates(t *testing.T) {
	j := newTestJournal(t)
	j.maxFailures = 1

	require.NoError(t, j.Put(Intent{ID: "a1"}))
	poisoned, err := j.BumpFailure("a1", errors.New("x"))
	require.NoError(t, err)
	require.True(t, poisoned)

	intent, err := j.ResetDeadLetter("a1")
	require.NoError(t, err)
	assert.Equal(t, 0, intent.FailureCount)
	assert.Equal(t, StatusPending, intent.Status)

	active, err := j.ListActiveOrdered()
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestListActiveOrderedSortsByPriorityThenCreatedAt(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Put(Intent{ID: "low", Priority: 1, CreatedAt: time.Now()}))
	require.NoError(t, j.Put(Intent{ID: "high-1", Priority: 9, CreatedAt: time.Now()}))
	time.Sleep(time.Millisecond)
	require.NoError(t, j.Put(Intent{ID: "high-2", Priority: 9, CreatedAt: time.Now()}))

	ordered, err := j.ListActiveOrdered()
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, "low", ordered[0].ID, "lower priority number is more urgent and sorts first")
	assert.Equal(t, "high-1", ordered[1].ID)
	assert.Equal(t, "high-2", ordered[2].ID)
}

func TestListStale(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Put(Intent{ID: "fresh"}))
	require.NoError(t, j.Heartbeat("fresh", 0, 100))
	require.NoError(t, j.Put(Intent{ID: "stale"}))
	require.NoError(t, j.Heartbeat("stale", 0, 0))

	stale, err := j.ListStale(100, 50)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].ID)
}

func TestCommitRemovesFromActive(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.Put(Intent{ID: "a1"}))
	require.NoError(t, j.Commit("a1"))

	_, err := j.Get("a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	j := newTestJournal(t)
	_, err := j.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
