// Package engine is the deliberation state machine: it drives one session
// through Pending -> Analyzing(i) -> Critiquing(i) -> Synthesizing(i) ->
// Evaluating(i) -> {Refining(i+1) | Completed | Failed | Cancelled}. It
// lives in its own package, separate from pkg/core/deliberation's
// types/store, because it depends on the agent runner which itself depends
// on the deliberation types — keeping the dependency a straight line
// instead of a cycle.
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/agent"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/events"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/metrics"
)

// Engine drives one session at a time; a process runs one Engine instance
// per in-flight session (see pkg/core/engine.Manager for the multi-session
// owner).
type Engine struct {
	Store    deliberation.Store
	Runner   *agent.Runner
	Stream   *events.Stream
	Metrics  *metrics.Store                // optional; feeds /studio/metrics and the Prometheus gauges
	Baseline deliberation.BaselineProvider // optional; runs before Analyzing(1) when configured
}

// New builds an Engine over the given Store, Runner, and (optional,
// may be nil) event Stream and metrics Store.
func New(store deliberation.Store, runner *agent.Runner, stream *events.Stream, metricsStore *metrics.Store) *Engine {
	return &Engine{Store: store, Runner: runner, Stream: stream, Metrics: metricsStore}
}

// WithBaseline attaches an optional BaselineProvider and returns the same
// Engine for chaining, e.g. engine.New(...).WithBaseline(hook).
func (e *Engine) WithBaseline(b deliberation.BaselineProvider) *Engine {
	e.Baseline = b
	return e
}

// Run drives session to a terminal status, persisting every intermediate
// record through Store and publishing lifecycle events through Stream as it
// goes. It returns a nil result and an error when Settings fail validation
// or a Store call fails; otherwise it returns a FinalResult — even a Failed
// or Cancelled session gets one, populated with whatever iterations
// actually completed.
func (e *Engine) Run(ctx context.Context, session *deliberation.Session, control *Control) (*deliberation.FinalResult, error) {
	if err := session.Settings.Validate(); err != nil {
		return nil, err
	}

	// Re-running a session that already reached a terminal status is a
	// no-op returning the stored result.
	switch session.Status {
	case deliberation.StatusCompleted, deliberation.StatusFailed, deliberation.StatusCancelled:
		result, err := e.Store.LoadFinalResult(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		return nil, fmt.Errorf("engine: session %s is %s but has no final result", session.ID, session.Status)
	}

	session.Status = deliberation.StatusRunning
	session.UpdatedAt = time.Now()
	if err := e.Store.UpdateStatus(ctx, session.ID, deliberation.StatusRunning, ""); err != nil {
		return nil, err
	}

	enabled := canonicalOrder(session.Settings.EnabledAgents)
	var lastSynthesis deliberation.Synthesis
	finishedIteration := 0

	var baseline string
	if e.Baseline != nil {
		b, err := e.Baseline.Baseline(ctx, session)
		if err != nil {
			return e.finish(session, deliberation.StatusFailed, "baseline provider failed", finishedIteration, lastSynthesis), nil
		}
		baseline = b
	}

	for iteration := 1; iteration <= session.Settings.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return e.finish(session, deliberation.StatusCancelled, "cancelled", finishedIteration, lastSynthesis), nil
		}

		e.publish(session.ID, events.TypePhaseStart, map[string]interface{}{"phase": deliberation.PhaseAnalyze, "iteration": iteration})
		analyses, ok := e.runAnalyze(ctx, session, enabled, iteration, lastSynthesis, baseline)
		if ctx.Err() != nil {
			// A cancellation that starved the phase is still a cancellation.
			return e.finish(session, deliberation.StatusCancelled, "cancelled", finishedIteration, lastSynthesis), nil
		}
		if !ok {
			return e.finish(session, deliberation.StatusFailed, "fewer than the minimum number of analyses succeeded", finishedIteration, lastSynthesis), nil
		}
		if control != nil && session.Settings.Interactive() {
			e.awaitInput(ctx, session, control, "analyze", iteration, analyses)
		}

		var critiques []deliberation.Critique
		if len(enabled) > 1 {
			e.publish(session.ID, events.TypePhaseStart, map[string]interface{}{"phase": deliberation.PhaseCritique, "iteration": iteration})
			critiques = e.runCritique(ctx, session, enabled, analyses, iteration)
			if control != nil && session.Settings.Interactive() {
				e.awaitInput(ctx, session, control, "critique", iteration, analyses)
			}
		}
		if ctx.Err() != nil {
			return e.finish(session, deliberation.StatusCancelled, "cancelled", finishedIteration, lastSynthesis), nil
		}

		e.publish(session.ID, events.TypePhaseStart, map[string]interface{}{"phase": deliberation.PhaseSynthesize, "iteration": iteration})
		synthesis, ok := e.runSynthesize(ctx, session, analyses, critiques, iteration)
		if ctx.Err() != nil {
			return e.finish(session, deliberation.StatusCancelled, "cancelled", finishedIteration, lastSynthesis), nil
		}
		if !ok {
			return e.finish(session, deliberation.StatusFailed, "synthesis call failed", finishedIteration, lastSynthesis), nil
		}
		lastSynthesis = synthesis
		finishedIteration = iteration
		e.publish(session.ID, events.TypeSynthesisReady, map[string]interface{}{"iteration": iteration, "consensus": synthesis.ConsensusLevel})

		converged := synthesis.ConsensusLevel >= session.Settings.ConsensusThreshold
		atCap := iteration >= session.Settings.MaxIterations
		if converged || atCap {
			e.publish(session.ID, events.TypeIterationComplete, map[string]interface{}{"iteration": iteration, "decision": "complete"})
			break
		}

		affordable, err := e.canAffordAnotherIteration(ctx, session)
		if err != nil {
			return nil, err
		}
		if !affordable {
			e.publish(session.ID, events.TypeIterationComplete, map[string]interface{}{"iteration": iteration, "decision": "budget_exhausted"})
			return e.finish(session, deliberation.StatusFailed, "budget_exhausted", finishedIteration, lastSynthesis), nil
		}
		e.publish(session.ID, events.TypeIterationComplete, map[string]interface{}{"iteration": iteration, "decision": "refine"})
	}

	return e.finish(session, deliberation.StatusCompleted, "", finishedIteration, lastSynthesis), nil
}

// runAnalyze fans out one analyze call per enabled agent, waits for all
// (the phase barrier — no critique is issued before every analysis this
// iteration either persists or is known failed), and reports whether enough
// of them succeeded to proceed. The ">= 2 successes" floor only makes
// sense when 2 agents were even attempted; with a single enabled agent,
// 1 success is enough, and single-agent sessions skip Critiquing while
// still producing a Synthesis.
func (e *Engine) runAnalyze(ctx context.Context, session *deliberation.Session, enabled []deliberation.AgentID, iteration int, prior deliberation.Synthesis, baseline string) ([]deliberation.AgentAnalysis, bool) {
	type outcome struct {
		analysis deliberation.AgentAnalysis
		metric   deliberation.RunMetric
	}
	results := make([]outcome, len(enabled))

	var wg sync.WaitGroup
	for i, a := range enabled {
		wg.Add(1)
		go func(i int, a deliberation.AgentID) {
			defer wg.Done()
			var priorCritiques []deliberation.Critique
			if iteration > 1 {
				priorCritiques, _ = e.Store.CritiquesOf(ctx, session.ID, iteration-1, a)
			}
			var agentBaseline string
			if iteration == 1 {
				agentBaseline = baseline
			}
			params := agent.AnalyzeParams{
				SessionID:       session.ID,
				AgentID:         a,
				Model:           session.Settings.Models[a],
				Iteration:       iteration,
				Task:            session.TaskText,
				TaskType:        session.TaskType,
				Context:         session.ContextText,
				Temperature:     session.Settings.Temperature,
				Baseline:        agentBaseline,
				PriorSynthesis:  prior.Summary,
				CritiquesOfSelf: priorCritiques,
			}
			analysis, metric, err := e.Runner.Analyze(ctx, params)
			if err != nil {
				metric = errMetric(session.ID, a, deliberation.PhaseAnalyze, err)
			}
			results[i] = outcome{analysis, metric}
		}(i, a)
	}
	wg.Wait()

	var succeeded []deliberation.AgentAnalysis
	for _, r := range results {
		e.recordMetric(ctx, session.ID, r.metric)
		if r.metric.Status != deliberation.MetricSuccess {
			continue
		}
		if err := e.Store.AppendAnalysis(ctx, r.analysis); err != nil {
			continue
		}
		succeeded = append(succeeded, r.analysis)
		e.publish(session.ID, events.TypeAgentCompleted, map[string]interface{}{
			"agent_id": r.analysis.AgentID, "phase": "analyze", "duration_ms": r.analysis.DurationMS,
		})
	}
	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i].AgentID < succeeded[j].AgentID })

	required := 2
	if len(enabled) < required {
		required = len(enabled)
	}
	return succeeded, len(succeeded) >= required
}

// runCritique dispatches one critique per ordered pair of agents whose
// analysis succeeded this iteration. A critique phase failure never fails
// the session outright — even the all-critiques-fail case proceeds to
// synthesis with analyses alone; it only reduces the synthesizer's input.
func (e *Engine) runCritique(ctx context.Context, session *deliberation.Session, enabled []deliberation.AgentID, analyses []deliberation.AgentAnalysis, iteration int) []deliberation.Critique {
	present := make(map[deliberation.AgentID]bool, len(analyses))
	for _, a := range analyses {
		present[a.AgentID] = true
	}

	type pair struct{ from, to deliberation.AgentID }
	var pairs []pair
	for _, from := range enabled {
		if !present[from] {
			continue
		}
		for _, to := range enabled {
			if from == to || !present[to] {
				continue
			}
			pairs = append(pairs, pair{from, to})
		}
	}

	type outcome struct {
		critique deliberation.Critique
		metric   deliberation.RunMetric
	}
	results := make([]outcome, len(pairs))

	var wg sync.WaitGroup
	for i, pr := range pairs {
		wg.Add(1)
		go func(i int, pr pair) {
			defer wg.Done()
			params := agent.CritiqueParams{
				SessionID:   session.ID,
				FromAgent:   pr.from,
				ToAgent:     pr.to,
				Model:       session.Settings.Models[pr.from],
				Iteration:   iteration,
				Task:        session.TaskText,
				TaskType:    session.TaskType,
				AllAnalyses: analyses,
				Temperature: session.Settings.Temperature,
			}
			critique, metric, err := e.Runner.Critique(ctx, params)
			if err != nil {
				metric = errMetric(session.ID, pr.from, deliberation.PhaseCritique, err)
			}
			results[i] = outcome{critique, metric}
		}(i, pr)
	}
	wg.Wait()

	var succeeded []deliberation.Critique
	for _, r := range results {
		e.recordMetric(ctx, session.ID, r.metric)
		if r.metric.Status != deliberation.MetricSuccess {
			continue
		}
		if err := e.Store.AppendCritique(ctx, r.critique); err != nil {
			continue
		}
		succeeded = append(succeeded, r.critique)
		e.publish(session.ID, events.TypeCritiqueCompleted, map[string]interface{}{"from": r.critique.FromAgent, "to": r.critique.ToAgent})
	}
	return succeeded
}

// runSynthesize issues the single synthesizer call for this iteration. No
// critique call for this iteration was issued before every analysis
// persisted, and this call is never issued before every surviving critique
// persisted — both already true by the time control reaches here.
func (e *Engine) runSynthesize(ctx context.Context, session *deliberation.Session, analyses []deliberation.AgentAnalysis, critiques []deliberation.Critique, iteration int) (deliberation.Synthesis, bool) {
	synthesizer := session.Settings.Synthesizer()
	params := agent.SynthesizeParams{
		SessionID:   session.ID,
		Synthesizer: synthesizer,
		Model:       session.Settings.Models[synthesizer],
		Iteration:   iteration,
		Task:        session.TaskText,
		TaskType:    session.TaskType,
		Analyses:    analyses,
		Critiques:   critiques,
		Temperature: session.Settings.Temperature,
	}
	synthesis, metrics, err := e.Runner.Synthesize(ctx, params)
	for _, m := range metrics {
		e.recordMetric(ctx, session.ID, m)
	}
	if err != nil || len(metrics) == 0 {
		return deliberation.Synthesis{}, false
	}
	if metrics[len(metrics)-1].Status != deliberation.MetricSuccess {
		return deliberation.Synthesis{}, false
	}
	if err := e.Store.AppendSynthesis(ctx, synthesis); err != nil {
		return deliberation.Synthesis{}, false
	}
	return synthesis, true
}

// canAffordAnotherIteration is called only once Evaluating(i) has already
// decided consensus hasn't converged and the iteration cap hasn't been hit:
// it reports whether the remaining budget can still cover the estimated
// cost of one more full iteration (analyze + critique pairs + two-stage
// synthesis), so Run can distinguish "stop because it's done" (Completed)
// from "stop because it can't afford to continue"
// (Failed/budget_exhausted).
func (e *Engine) canAffordAnotherIteration(ctx context.Context, session *deliberation.Session) (bool, error) {
	remaining, avgCallCost, err := e.budgetState(ctx, session)
	if err != nil {
		return false, err
	}
	if avgCallCost == 0 {
		return remaining > 0, nil
	}
	n := len(session.Settings.EnabledAgents)
	callsPerIteration := n + n*(n-1) + 2 // analyze + critique pairs + two-stage synthesis
	bMin := avgCallCost * float64(callsPerIteration)
	return remaining > bMin, nil
}

// budgetState returns the budget remaining against settings.BudgetUSD and
// the mean per-call cost observed so far this session, used to estimate
// the cost of one more iteration.
func (e *Engine) budgetState(ctx context.Context, session *deliberation.Session) (remaining, avgCallCost float64, err error) {
	metrics, err := e.Store.Metrics(ctx, session.ID)
	if err != nil {
		return 0, 0, err
	}
	var totalCost float64
	for _, m := range metrics {
		totalCost += m.CostUSD
	}
	remaining = session.Settings.BudgetUSD - totalCost
	if len(metrics) > 0 {
		avgCallCost = totalCost / float64(len(metrics))
	}
	return remaining, avgCallCost, nil
}

// finish builds the FinalResult for whatever status the session landed on,
// persists it, flips the session's status, and publishes the closing
// lifecycle event. Always uses a background context for the writes so a
// cancelled session's own ctx being Done doesn't also abort persisting its
// partial result.
func (e *Engine) finish(session *deliberation.Session, status deliberation.Status, reason string, iterationsUsed int, synthesis deliberation.Synthesis) *deliberation.FinalResult {
	ctx := context.Background()

	var errBlock *deliberation.ErrorBlock
	if status != deliberation.StatusCompleted {
		errBlock = &deliberation.ErrorBlock{Reason: reason}
	}

	metrics, _ := e.Store.Metrics(ctx, session.ID)
	var totalTokens int
	var totalCost float64
	agentsSeen := make(map[deliberation.AgentID]bool)
	for _, m := range metrics {
		totalTokens += m.TokensIn + m.TokensOut
		totalCost += m.CostUSD
		if m.Status == deliberation.MetricSuccess {
			agentsSeen[m.AgentID] = true
		}
	}
	agentsUsed := make([]deliberation.AgentID, 0, len(agentsSeen))
	for a := range agentsSeen {
		agentsUsed = append(agentsUsed, a)
	}
	sort.Slice(agentsUsed, func(i, j int) bool { return agentsUsed[i] < agentsUsed[j] })

	result := &deliberation.FinalResult{
		Synthesis:      synthesis,
		TotalTokens:    totalTokens,
		TotalCostUSD:   round6(totalCost),
		IterationsUsed: iterationsUsed,
		AgentsUsed:     agentsUsed,
		Error:          errBlock,
	}

	session.Status = status
	session.FailureReason = reason
	e.Store.UpdateStatus(ctx, session.ID, status, reason)
	e.Store.Finalize(ctx, session.ID, *result)

	evType := events.TypeSessionCompleted
	data := map[string]interface{}{"iterations_used": iterationsUsed}
	if status != deliberation.StatusCompleted {
		evType = events.TypeSessionFailed
		data["reason"] = reason
	}
	e.publish(session.ID, evType, data)
	if e.Stream != nil {
		e.Stream.CloseAll()
	}
	return result
}

func (e *Engine) recordMetric(ctx context.Context, sessionID string, m deliberation.RunMetric) {
	if m.SessionID == "" {
		m.SessionID = sessionID
	}
	e.Store.AppendMetric(ctx, m)
	if e.Metrics != nil {
		e.Metrics.Record(m)
	}
	e.publish(sessionID, events.TypeMetric, map[string]interface{}{
		"agent_id": m.AgentID, "phase": m.Phase, "status": m.Status, "cost_usd": m.CostUSD,
	})
}

func (e *Engine) publish(sessionID string, t events.Type, data map[string]interface{}) {
	if e.Stream == nil {
		return
	}
	e.Stream.Publish(events.Event{Type: t, SessionID: sessionID, Data: data, Timestamp: time.Now()})
}

func errMetric(sessionID string, a deliberation.AgentID, phase deliberation.Phase, err error) deliberation.RunMetric {
	return deliberation.RunMetric{
		SessionID:    sessionID,
		AgentID:      a,
		Phase:        phase,
		Status:       deliberation.MetricError,
		ErrorMessage: err.Error(),
		CreatedAt:    time.Now(),
	}
}

func canonicalOrder(agents []deliberation.AgentID) []deliberation.AgentID {
	out := append([]deliberation.AgentID(nil), agents...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
