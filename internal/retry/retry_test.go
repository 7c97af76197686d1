package retry

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tachyon-orchestrator/internal/orcherr"
)

func TestClassifyDefaultsUnknownToTransient(t *testing.T) {
	assert.Equal(t, orcherr.Transient, Classify(errors.New("connection reset")))
}

func TestClassifyPreservesWrappedKind(t *testing.T) {
	err := orcherr.Wrap(orcherr.Permanent, errors.New("404"))
	assert.Equal(t, orcherr.Permanent, Classify(err))
}

func TestClassifyNilIsUnknown(t *testing.T) {
	assert.Equal(t, orcherr.Unknown, Classify(nil))
}

func TestBackoffCapsAtMax(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for attempt := 0; attempt < 20; attempt++ {
		d := Backoff(attempt, rng)
		assert.LessOrEqual(t, d, MaxBackoff)
		assert.GreaterOrEqual(t, d, time.Duration(0), "duration must be non-negative")
	}
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	// With full jitter individual samples vary, but the ceiling for a
	// later attempt must never be below an earlier attempt's ceiling.
	d0 := BaseBackoff << 0
	d3 := BaseBackoff << 3
	assert.Less(t, d0, d3)
	_ = Backoff(3, rng)
}

func TestIsStalledAtExactlyFourMissedHeartbeats(t *testing.T) {
	last := int64(0)
	now := int64(StallWindow)
	assert.True(t, IsStalled(now, last))
	assert.False(t, IsStalled(now-1, last))
}

func TestShouldDeadLetterAtMaxFailures(t *testing.T) {
	assert.False(t, ShouldDeadLetter(MaxFailures-1))
	assert.True(t, ShouldDeadLetter(MaxFailures))
	assert.True(t, ShouldDeadLetter(MaxFailures+1))
}

func TestIsStalledAfterHonorsExplicitWindow(t *testing.T) {
	window := 10 * time.Second
	last := int64(0)
	assert.True(t, IsStalledAfter(int64(window), last, window))
	assert.False(t, IsStalledAfter(int64(window)-1, last, window))
}

func TestShouldDeadLetterAtHonorsExplicitThreshold(t *testing.T) {
	assert.False(t, ShouldDeadLetterAt(4, 5))
	assert.True(t, ShouldDeadLetterAt(5, 5))
}
