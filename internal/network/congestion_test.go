package network

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetIdealConcurrencyDefaultsToSlowStart(t *testing.T) {
	cc := NewCongestionController(2, 16)
	assert.Equal(t, 2, cc.GetIdealConcurrency("example.test"))
}

func TestSeedDefaultConcurrencyClampsToBounds(t *testing.T) {
	cc := NewCongestionController(2, 16)

	cc.SeedDefaultConcurrency(9)
	assert.Equal(t, 9, cc.GetIdealConcurrency("fresh-host"))

	cc.SeedDefaultConcurrency(100)
	assert.Equal(t, 16, cc.GetIdealConcurrency("another-fresh-host"))

	cc.SeedDefaultConcurrency(0)
	assert.Equal(t, 2, cc.GetIdealConcurrency("yet-another-host"))
}

func TestRecordOutcomeBacksOffOnError(t *testing.T) {
	cc := NewCongestionController(1, 16)
	cc.SeedDefaultConcurrency(8)

	cc.RecordOutcome("flaky.test", 50*time.Millisecond, errors.New("timeout"))
	assert.Equal(t, 4, cc.GetIdealConcurrency("flaky.test"))
}

func TestRecordOutcomeRampsUpOnSuccess(t *testing.T) {
	cc := NewCongestionController(1, 4)
	host := "steady.test"

	for i := 0; i < 3; i++ {
		cc.RecordOutcome(host, 20*time.Millisecond, nil)
	}
	got := cc.GetIdealConcurrency(host)
	assert.GreaterOrEqual(t, got, 1)
	assert.LessOrEqual(t, got, 4)
}
