// Package network provides bandwidth management and congestion control
// for download operations.
package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tachyon-orchestrator/internal/lane"
)

// BandwidthManager handles global speed limiting with zero overhead when
// disabled. Throttling is applied per intent according to its lane, so a
// Background transfer yields bandwidth to Express/Standard work instead of
// every task competing on equal footing.
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool
	mu            sync.RWMutex

	intentLanes map[string]lane.Lane
}

// NewBandwidthManager creates a new bandwidth manager with no limits.
func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		// Starts unlimited (rate.Inf); while enabled=false it is bypassed anyway
		globalLimiter: rate.NewLimiter(rate.Inf, 0),
		intentLanes:   make(map[string]lane.Lane),
	}
}

// SetLimit updates the global speed limit in bytes per second.
// 0 means unlimited.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter.SetLimit(rate.Inf)
	} else {
		bm.limitEnabled.Store(true)
		bm.globalLimiter.SetLimit(rate.Limit(bytesPerSec))
		bm.globalLimiter.SetBurst(bytesPerSec) // Allow 1s burst
	}
}

// SetTaskPriority records which lane an intent was admitted under, so Wait
// can yield bandwidth for Background transfers under a global cap.
func (bm *BandwidthManager) SetTaskPriority(intentID string, l lane.Lane) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.intentLanes[intentID] = l
}

// Wait blocks until the requested bytes can be consumed under the global
// cap. Returns fast if the limit is disabled.
func (bm *BandwidthManager) Wait(ctx context.Context, intentID string, bytes int) error {
	// 1. FAST PATH: Zero overhead check
	if !bm.limitEnabled.Load() {
		return nil
	}

	// 2. Lane lookup
	bm.mu.RLock()
	l, ok := bm.intentLanes[intentID]
	bm.mu.RUnlock()
	if !ok {
		l = lane.Standard
	}

	err := bm.globalLimiter.WaitN(ctx, bytes)
	if err != nil {
		return err
	}

	if l == lane.Background {
		// Artificial delay so Background yields to Express/Standard traffic
		// sharing the same global cap.
		time.Sleep(10 * time.Millisecond)
	}

	return nil
}
