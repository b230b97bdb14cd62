// Package metrics aggregates RunMetrics into period buckets for the
// /studio/metrics endpoint, and mirrors the same counters into Prometheus so
// the deployment's existing scrape pipeline picks them up for free.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliberation_agent_calls_total",
		Help: "Agent Runner calls by phase and status.",
	}, []string{"phase", "status"})

	tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliberation_tokens_total",
		Help: "Tokens consumed by direction (in/out).",
	}, []string{"direction"})

	costTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliberation_cost_usd_total",
		Help: "Cost in USD accrued by agent.",
	}, []string{"agent_id"})

	latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deliberation_call_latency_seconds",
		Help:    "Agent Runner call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})
)

func init() {
	prometheus.MustRegister(callsTotal, tokensTotal, costTotal, latencySeconds)
}

// Period is a window the /studio/metrics endpoint can aggregate over.
type Period string

const (
	Period1h  Period = "1h"
	Period24h Period = "24h"
	Period7d  Period = "7d"
	Period30d Period = "30d"
)

func (p Period) duration() time.Duration {
	switch p {
	case Period1h:
		return time.Hour
	case Period24h:
		return 24 * time.Hour
	case Period7d:
		return 7 * 24 * time.Hour
	case Period30d:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Summary is the aggregate the /studio/metrics endpoint returns for a
// period: call counts by status, total tokens, total cost, and mean latency.
type Summary struct {
	Period        Period  `json:"period"`
	TotalCalls    int     `json:"total_calls"`
	SuccessCalls  int     `json:"success_calls"`
	ErrorCalls    int     `json:"error_calls"`
	TimeoutCalls  int     `json:"timeout_calls"`
	TokensIn      int     `json:"tokens_in"`
	TokensOut     int     `json:"tokens_out"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	MeanLatencyMS float64 `json:"mean_latency_ms"`
}

// Store holds every RunMetric recorded this process, in memory only: a
// restart clears it regardless of whether session data is otherwise
// persisted to a database.
type Store struct {
	mu      sync.RWMutex
	metrics []deliberation.RunMetric
}

// NewStore creates an empty in-process metrics store.
func NewStore() *Store {
	return &Store{}
}

// Record appends m to the store and mirrors it into the Prometheus
// collectors registered above.
func (s *Store) Record(m deliberation.RunMetric) {
	s.mu.Lock()
	s.metrics = append(s.metrics, m)
	s.mu.Unlock()

	callsTotal.WithLabelValues(string(m.Phase), string(m.Status)).Inc()
	tokensTotal.WithLabelValues("in").Add(float64(m.TokensIn))
	tokensTotal.WithLabelValues("out").Add(float64(m.TokensOut))
	costTotal.WithLabelValues(string(m.AgentID)).Add(m.CostUSD)
	latencySeconds.WithLabelValues(string(m.Phase)).Observe(float64(m.LatencyMS) / 1000)
}

// Summarize aggregates every recorded metric whose CreatedAt falls within
// the given period, measured back from now.
func (s *Store) Summarize(period Period, now time.Time) Summary {
	cutoff := now.Add(-period.duration())

	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{Period: period}
	var latencyTotal int64
	for _, m := range s.metrics {
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		sum.TotalCalls++
		switch m.Status {
		case deliberation.MetricSuccess:
			sum.SuccessCalls++
		case deliberation.MetricError:
			sum.ErrorCalls++
		case deliberation.MetricTimeout:
			sum.TimeoutCalls++
		}
		sum.TokensIn += m.TokensIn
		sum.TokensOut += m.TokensOut
		sum.TotalCostUSD += m.CostUSD
		latencyTotal += m.LatencyMS
	}
	if sum.TotalCalls > 0 {
		sum.MeanLatencyMS = float64(latencyTotal) / float64(sum.TotalCalls)
	}
	return sum
}

// BySession returns every recorded metric for one session, in recording
// order.
func (s *Store) BySession(sessionID string) []deliberation.RunMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []deliberation.RunMetric
	for _, m := range s.metrics {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}
