package wayback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerSummaryMerge(t *testing.T) {
	a := WorkerSummary{Total: 10, Success: 5, Playback: 2, Missing: 1, Unknown: 2}
	b := WorkerSummary{Total: 5, Success: 3, Playback: 0, Missing: 0, Unknown: 2}
	a.Merge(b)
	assert.Equal(t, WorkerSummary{Total: 15, Success: 8, Playback: 2, Missing: 1, Unknown: 4}, a)
}

func TestWorkerSummaryApplyRetryResultsRecomputesAllPercentages(t *testing.T) {
	s := WorkerSummary{Total: 100, Success: 50, Playback: 10, Missing: 10, Unknown: 30}
	s.ApplyRetryResults(20)
	assert.Equal(t, 70, s.Success)
	assert.Equal(t, 10, s.Unknown)

	pct := s.Percentages()
	assert.InDelta(t, 70, pct.SuccessPct, 0.001)
	assert.InDelta(t, 10, pct.PlaybackPct, 0.001)
	assert.InDelta(t, 10, pct.MissingPct, 0.001)
	assert.InDelta(t, 10, pct.UnknownPct, 0.001)
}

func TestWorkerSummaryPercentagesZeroTotal(t *testing.T) {
	var s WorkerSummary
	assert.Equal(t, Percentages{}, s.Percentages())
}
