package network

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCongestionControllerSlowStartsNewHost(t *testing.T) {
	cc := NewCongestionController(1, 8)
	require.Equal(t, 1, cc.GetIdealConcurrency("a.invalid"))
}

func TestCongestionControllerIncreasesOnSuccess(t *testing.T) {
	cc := NewCongestionController(1, 8)

	cc.RecordOutcome("a.invalid", 10*time.Millisecond, nil)
	require.Equal(t, 1, cc.GetIdealConcurrency("a.invalid"))

	// SuccessCount must exceed Concurrency before it increases again.
	cc.RecordOutcome("a.invalid", 10*time.Millisecond, nil)
	require.Equal(t, 2, cc.GetIdealConcurrency("a.invalid"))
}

func TestCongestionControllerHalvesOnError(t *testing.T) {
	cc := NewCongestionController(1, 8)

	for i := 0; i < 4; i++ {
		cc.RecordOutcome("a.invalid", 10*time.Millisecond, nil)
		cc.GetIdealConcurrency("a.invalid")
	}
	before := cc.GetHostStats("a.invalid").Concurrency
	require.Greater(t, before, 1)

	cc.RecordOutcome("a.invalid", 10*time.Millisecond, errors.New("boom"))
	got := cc.GetIdealConcurrency("a.invalid")
	require.Equal(t, maxInt(1, before/2), got)
}

func TestCongestionControllerNeverExceedsMax(t *testing.T) {
	cc := NewCongestionController(1, 2)
	for i := 0; i < 10; i++ {
		cc.RecordOutcome("a.invalid", time.Millisecond, nil)
		cc.GetIdealConcurrency("a.invalid")
	}
	require.LessOrEqual(t, cc.GetIdealConcurrency("a.invalid"), 2)
}
