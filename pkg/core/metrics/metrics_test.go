package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
)

func metricAt(created time.Time, status deliberation.MetricStatus, cost float64, latency int64) deliberation.RunMetric {
	return deliberation.RunMetric{
		SessionID: "s1",
		AgentID:   deliberation.AgentLogicalAnalyst,
		Model:     "stub-model",
		Phase:     deliberation.PhaseAnalyze,
		TokensIn:  100,
		TokensOut: 50,
		CostUSD:   cost,
		LatencyMS: latency,
		Status:    status,
		CreatedAt: created,
	}
}

func TestSummarize_OnlyCountsMetricsInsideWindow(t *testing.T) {
	now := time.Now()
	s := NewStore()
	s.Record(metricAt(now.Add(-30*time.Minute), deliberation.MetricSuccess, 0.01, 800))
	s.Record(metricAt(now.Add(-2*time.Hour), deliberation.MetricSuccess, 0.02, 900))

	sum := s.Summarize(Period1h, now)
	assert.Equal(t, 1, sum.TotalCalls)
	assert.InDelta(t, 0.01, sum.TotalCostUSD, 1e-9)

	sum24 := s.Summarize(Period24h, now)
	assert.Equal(t, 2, sum24.TotalCalls)
}

func TestSummarize_BreaksDownByStatusAndAveragesLatency(t *testing.T) {
	now := time.Now()
	s := NewStore()
	s.Record(metricAt(now, deliberation.MetricSuccess, 0.01, 1000))
	s.Record(metricAt(now, deliberation.MetricError, 0, 500))
	s.Record(metricAt(now, deliberation.MetricTimeout, 0, 1500))

	sum := s.Summarize(Period1h, now)
	assert.Equal(t, 3, sum.TotalCalls)
	assert.Equal(t, 1, sum.SuccessCalls)
	assert.Equal(t, 1, sum.ErrorCalls)
	assert.Equal(t, 1, sum.TimeoutCalls)
	assert.InDelta(t, 1000, sum.MeanLatencyMS, 1e-9)
	assert.Equal(t, 300, sum.TokensIn)
}

func TestSummarize_EmptyStore(t *testing.T) {
	s := NewStore()
	sum := s.Summarize(Period7d, time.Now())
	assert.Equal(t, 0, sum.TotalCalls)
	assert.Zero(t, sum.MeanLatencyMS)
}

func TestPeriodDuration_UnknownDefaultsToHour(t *testing.T) {
	assert.Equal(t, time.Hour, Period("bogus").duration())
	assert.Equal(t, 30*24*time.Hour, Period30d.duration())
}

func TestBySession(t *testing.T) {
	now := time.Now()
	s := NewStore()
	s.Record(metricAt(now, deliberation.MetricSuccess, 0.01, 100))
	other := metricAt(now, deliberation.MetricSuccess, 0.01, 100)
	other.SessionID = "s2"
	s.Record(other)

	assert.Len(t, s.BySession("s1"), 1)
	assert.Len(t, s.BySession("s2"), 1)
	assert.Empty(t, s.BySession("s3"))
}
