// Package agent is the agent runner: it turns one logical agent call —
// analyze, critique, or synthesize — into a validated domain record.
// It owns prompt composition, retry with exponential backoff on transient
// provider failure, a per-call deadline, parse-and-validate with a
// strict-JSON reprompt on first failure, and cost accounting. It never
// touches the Session Store or the Event Stream directly; the Deliberation
// Engine persists and publishes what the runner returns.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/cost"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/llm"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/parse"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/prompt"
)

// Binding ties one AgentID to the provider adapter and default model it
// calls. Session settings may override the model per call; the provider is
// fixed per seat.
type Binding struct {
	Provider     llm.Provider
	DefaultModel string
}

// Config configures a Runner: a Binding per default seat, the per-call
// deadline, and the retry budget (MaxRetries retries => MaxRetries+1 total
// attempts). Zero-value fields fall back to the documented defaults.
type Config struct {
	Bindings    map[deliberation.AgentID]Binding
	CallTimeout time.Duration // default 60s
	MaxRetries  int           // default 2 (3 attempts total)
	MaxInFlight int           // soft cap on concurrent calls per seat's provider, default 4
}

// Runner is the concrete Agent Runner. Safe for concurrent use: every method
// is a pure function of its arguments plus the immutable Config, and the
// per-seat slot channels bound in-flight provider calls so a critique
// fan-out can't turn into a self-inflicted rate storm.
type Runner struct {
	cfg   Config
	slots map[deliberation.AgentID]chan struct{}
}

// NewRunner builds a Runner over cfg, filling in defaults for any
// zero-valued timeout/retry setting.
func NewRunner(cfg Config) *Runner {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	slots := make(map[deliberation.AgentID]chan struct{}, len(cfg.Bindings))
	for a := range cfg.Bindings {
		slots[a] = make(chan struct{}, cfg.MaxInFlight)
	}
	return &Runner{cfg: cfg, slots: slots}
}

// AnalyzeParams supplies the variables the analyze phase's user_template
// prompt may reference.
type AnalyzeParams struct {
	SessionID       string
	AgentID         deliberation.AgentID
	Model           string // overrides the binding's DefaultModel when non-empty
	Iteration       int
	Task            string
	TaskType        deliberation.TaskType
	Context         string
	Temperature     float64
	Baseline        string                  // optional quantitative baseline, folded in as {baseline}
	PriorSynthesis  string                  // iteration i>1: previous iteration's synthesis summary
	CritiquesOfSelf []deliberation.Critique // iteration i>1: critiques targeting this agent
}

// analysisPayload mirrors the AgentAnalysis structured-output schema.
// Confidence is a pointer so SmartParse can distinguish "absent" (imputed
// as 0.5) from an explicit 0.
type analysisPayload struct {
	AnalysisText string   `json:"analysis_text"`
	Confidence   *float64 `json:"confidence"`
	KeyPoints    []string `json:"key_points"`
	Risks        []string `json:"risks"`
	Assumptions  []string `json:"assumptions"`
}

// Analyze resolves the agent's analyze prompts, invokes the provider (with
// retry/timeout), parses the result, and returns the resulting
// AgentAnalysis plus the RunMetric describing the call. An error is only
// returned for conditions the engine cannot localize to "this one call
// failed" (e.g. unknown agent); ordinary parse/transport failures surface
// as an error- or timeout-status metric with a zero AgentAnalysis and the engine
// decides whether that call counts toward the phase's success quorum.
func (r *Runner) Analyze(ctx context.Context, p AnalyzeParams) (deliberation.AgentAnalysis, deliberation.RunMetric, error) {
	binding, ok := r.cfg.Bindings[p.AgentID]
	if !ok {
		return deliberation.AgentAnalysis{}, deliberation.RunMetric{}, fmt.Errorf("agent: no binding for agent %s", p.AgentID)
	}
	model := firstNonEmpty(p.Model, binding.DefaultModel)

	baselineSection := ""
	if p.Baseline != "" {
		baselineSection = "Baseline:\n" + p.Baseline + "\n\n"
	}
	vars := prompt.NewContext().
		Set("task", p.Task).
		Set("task_type", string(p.TaskType)).
		Set("context", p.Context).
		Set("baseline", baselineSection)
	if p.Iteration > 1 {
		vars.Set("other_analyses", p.PriorSynthesis)
		vars.Set("critiques_of_self", formatCritiques(p.CritiquesOfSelf))
	}

	systemPrompt := prompt.System(string(p.AgentID))
	userPrompt := prompt.RenderUserPrompt(prompt.UserTemplate(string(p.AgentID)), vars)
	if p.Iteration > 1 {
		userPrompt += "\n\nPrevious iteration's synthesis:\n" + p.PriorSynthesis +
			"\n\nCritiques directed at your prior analysis:\n" + formatCritiques(p.CritiquesOfSelf) +
			"\n\nRefine your analysis in light of the above."
	}

	start := time.Now()
	text, usage, err := r.invoke(ctx, p.AgentID, binding.Provider, model, systemPrompt, userPrompt, p.Temperature)
	duration := time.Since(start)

	metric := deliberation.RunMetric{
		SessionID: p.SessionID,
		AgentID:   p.AgentID,
		Model:     model,
		Phase:     deliberation.PhaseAnalyze,
		LatencyMS: duration.Milliseconds(),
		CreatedAt: time.Now(),
	}
	if err != nil {
		metric.Status = classifyMetricStatus(err)
		metric.ErrorMessage = err.Error()
		return deliberation.AgentAnalysis{}, metric, nil
	}
	metric.TokensIn = usage.InputTokens
	metric.TokensOut = usage.OutputTokens
	metric.CostUSD = cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	var payload analysisPayload
	if _, perr := r.parseWithReprompt(ctx, p.AgentID, binding.Provider, model, systemPrompt, userPrompt, p.Temperature, text, &payload, &metric); perr != nil {
		metric.Status = deliberation.MetricError
		metric.ErrorMessage = perr.Error()
		return deliberation.AgentAnalysis{}, metric, nil
	}

	confidence := 0.5
	if payload.Confidence != nil {
		confidence = *payload.Confidence
	}
	if confidence < 0 || confidence > 1 {
		metric.Status = deliberation.MetricError
		metric.ErrorMessage = "analysis confidence out of range [0,1]"
		return deliberation.AgentAnalysis{}, metric, nil
	}

	metric.Status = deliberation.MetricSuccess
	analysis := deliberation.AgentAnalysis{
		SessionID:    p.SessionID,
		AgentID:      p.AgentID,
		Iteration:    p.Iteration,
		AnalysisText: payload.AnalysisText,
		Confidence:   confidence,
		KeyPoints:    payload.KeyPoints,
		Risks:        payload.Risks,
		Assumptions:  payload.Assumptions,
		TokensIn:     usage.InputTokens,
		TokensOut:    usage.OutputTokens,
		CostUSD:      metric.CostUSD,
		DurationMS:   duration.Milliseconds(),
		CreatedAt:    time.Now(),
	}
	return analysis, metric, nil
}

// CritiqueParams supplies the variables the critique phase's prompt needs:
// the full set of analyses (enumerated in canonical order by the caller)
// plus which one is the target.
type CritiqueParams struct {
	SessionID   string
	FromAgent   deliberation.AgentID
	ToAgent     deliberation.AgentID
	Model       string
	Iteration   int
	Task        string
	TaskType    deliberation.TaskType
	AllAnalyses []deliberation.AgentAnalysis // canonical alphabetical order
	Temperature float64
}

type critiquePayload struct {
	Score        *float64 `json:"score"`
	CritiqueText string   `json:"critique_text"`
	Weaknesses   []string `json:"weaknesses"`
	Strengths    []string `json:"strengths"`
}

// Critique dispatches one directed critique of ToAgent's analysis by
// FromAgent. FromAgent must differ from ToAgent; the caller (the engine) is
// responsible for only constructing the N*(N-1) valid ordered pairs.
func (r *Runner) Critique(ctx context.Context, p CritiqueParams) (deliberation.Critique, deliberation.RunMetric, error) {
	if p.FromAgent == p.ToAgent {
		return deliberation.Critique{}, deliberation.RunMetric{}, errors.New("agent: critique from_agent must differ from to_agent")
	}
	binding, ok := r.cfg.Bindings[p.FromAgent]
	if !ok {
		return deliberation.Critique{}, deliberation.RunMetric{}, fmt.Errorf("agent: no binding for agent %s", p.FromAgent)
	}
	model := firstNonEmpty(p.Model, binding.DefaultModel)

	systemPrompt := prompt.Critique(string(p.FromAgent))
	userPrompt := fmt.Sprintf("Task: %s (%s)\n\n%s\n\nCritique %s's analysis (marked TARGET).",
		p.Task, p.TaskType, formatAnalysesWithTarget(p.AllAnalyses, p.ToAgent), p.ToAgent)

	start := time.Now()
	text, usage, err := r.invoke(ctx, p.FromAgent, binding.Provider, model, systemPrompt, userPrompt, p.Temperature)
	duration := time.Since(start)

	metric := deliberation.RunMetric{
		SessionID: p.SessionID,
		AgentID:   p.FromAgent,
		Model:     model,
		Phase:     deliberation.PhaseCritique,
		LatencyMS: duration.Milliseconds(),
		CreatedAt: time.Now(),
	}
	if err != nil {
		metric.Status = classifyMetricStatus(err)
		metric.ErrorMessage = err.Error()
		return deliberation.Critique{}, metric, nil
	}
	metric.TokensIn = usage.InputTokens
	metric.TokensOut = usage.OutputTokens
	metric.CostUSD = cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	var payload critiquePayload
	if _, perr := r.parseWithReprompt(ctx, p.FromAgent, binding.Provider, model, systemPrompt, userPrompt, p.Temperature, text, &payload, &metric); perr != nil {
		metric.Status = deliberation.MetricError
		metric.ErrorMessage = perr.Error()
		return deliberation.Critique{}, metric, nil
	}
	if payload.Score == nil || *payload.Score < 0 || *payload.Score > 10 {
		metric.Status = deliberation.MetricError
		metric.ErrorMessage = "critique score out of range [0,10]"
		return deliberation.Critique{}, metric, nil
	}

	metric.Status = deliberation.MetricSuccess
	critique := deliberation.Critique{
		SessionID:    p.SessionID,
		Iteration:    p.Iteration,
		FromAgent:    p.FromAgent,
		ToAgent:      p.ToAgent,
		Score:        *payload.Score,
		CritiqueText: payload.CritiqueText,
		Weaknesses:   payload.Weaknesses,
		Strengths:    payload.Strengths,
		CreatedAt:    time.Now(),
	}
	return critique, metric, nil
}

// SynthesizeParams supplies the Synthesizing(i) call's inputs: every
// analysis and surviving critique of the iteration, in canonical order.
type SynthesizeParams struct {
	SessionID   string
	Synthesizer deliberation.AgentID
	Model       string
	Iteration   int
	Task        string
	TaskType    deliberation.TaskType
	Analyses    []deliberation.AgentAnalysis
	Critiques   []deliberation.Critique
	Temperature float64
}

type synthesisJSONPayload struct {
	Conclusions []struct {
		Statement              string  `json:"statement"`
		Probability            float64 `json:"probability"`
		FalsificationCondition string  `json:"falsification_condition"`
	} `json:"conclusions"`
	Recommendations  []string `json:"recommendations"`
	ConsensusLevel   *float64 `json:"consensus_level"`
	FormalizedResult string   `json:"formalized_result"`
}

// Synthesize is a two-stage call against the same synthesizer agent: a
// narrative pass producing the Markdown summary, then a re-prompt over that
// narrative extracting the schema-constrained conclusions/recommendations/
// consensus_level. Returns both calls' RunMetrics since both consume
// budget.
func (r *Runner) Synthesize(ctx context.Context, p SynthesizeParams) (deliberation.Synthesis, []deliberation.RunMetric, error) {
	binding, ok := r.cfg.Bindings[p.Synthesizer]
	if !ok {
		return deliberation.Synthesis{}, nil, fmt.Errorf("agent: no binding for synthesizer %s", p.Synthesizer)
	}
	model := firstNonEmpty(p.Model, binding.DefaultModel)

	narrativeSystem := prompt.System(string(p.Synthesizer))
	narrativeUser := fmt.Sprintf("Task: %s (%s)\n\n%s\n\n%s\n\nWrite the synthesis summary as Markdown prose.",
		p.Task, p.TaskType, formatAnalyses(p.Analyses), formatCritiques(p.Critiques))

	narrativeStart := time.Now()
	narrativeText, narrativeUsage, err := r.invoke(ctx, p.Synthesizer, binding.Provider, model, narrativeSystem, narrativeUser, p.Temperature)
	narrativeMetric := deliberation.RunMetric{
		SessionID: p.SessionID,
		AgentID:   p.Synthesizer,
		Model:     model,
		Phase:     deliberation.PhaseSynthesize,
		LatencyMS: time.Since(narrativeStart).Milliseconds(),
		CreatedAt: time.Now(),
	}
	if err != nil {
		narrativeMetric.Status = classifyMetricStatus(err)
		narrativeMetric.ErrorMessage = err.Error()
		return deliberation.Synthesis{}, []deliberation.RunMetric{narrativeMetric}, nil
	}
	narrativeMetric.TokensIn = narrativeUsage.InputTokens
	narrativeMetric.TokensOut = narrativeUsage.OutputTokens
	narrativeMetric.CostUSD = cost.Calculate(model, narrativeUsage.InputTokens, narrativeUsage.OutputTokens)
	narrativeMetric.Status = deliberation.MetricSuccess
	summary := parse.CleanMarkdown(narrativeText)

	extractionSystem := prompt.Synthesis(string(p.Synthesizer))
	extractionUser := fmt.Sprintf("%s\n\n---\nSYNTHESIS REPORT:\n%s\n---\n\nExtract the structured conclusions, recommendations, and consensus_level.",
		narrativeUser, summary)

	extractionStart := time.Now()
	extractionText, extractionUsage, err := r.invoke(ctx, p.Synthesizer, binding.Provider, model, extractionSystem, extractionUser, p.Temperature)
	extractionMetric := deliberation.RunMetric{
		SessionID: p.SessionID,
		AgentID:   p.Synthesizer,
		Model:     model,
		Phase:     deliberation.PhaseSynthesize,
		LatencyMS: time.Since(extractionStart).Milliseconds(),
		CreatedAt: time.Now(),
	}
	metrics := []deliberation.RunMetric{narrativeMetric}
	if err != nil {
		extractionMetric.Status = classifyMetricStatus(err)
		extractionMetric.ErrorMessage = err.Error()
		return deliberation.Synthesis{}, append(metrics, extractionMetric), nil
	}
	extractionMetric.TokensIn = extractionUsage.InputTokens
	extractionMetric.TokensOut = extractionUsage.OutputTokens
	extractionMetric.CostUSD = cost.Calculate(model, extractionUsage.InputTokens, extractionUsage.OutputTokens)

	var payload synthesisJSONPayload
	if _, perr := r.parseWithReprompt(ctx, p.Synthesizer, binding.Provider, model, extractionSystem, extractionUser, p.Temperature, extractionText, &payload, &extractionMetric); perr != nil {
		extractionMetric.Status = deliberation.MetricError
		extractionMetric.ErrorMessage = perr.Error()
		return deliberation.Synthesis{}, append(metrics, extractionMetric), nil
	}
	consensus := 0.5
	if payload.ConsensusLevel != nil {
		consensus = *payload.ConsensusLevel
	}
	if consensus < 0 || consensus > 1 {
		extractionMetric.Status = deliberation.MetricError
		extractionMetric.ErrorMessage = "consensus_level out of range [0,1]"
		return deliberation.Synthesis{}, append(metrics, extractionMetric), nil
	}
	extractionMetric.Status = deliberation.MetricSuccess
	metrics = append(metrics, extractionMetric)

	conclusions := make([]deliberation.Conclusion, 0, len(payload.Conclusions))
	for _, c := range payload.Conclusions {
		conclusions = append(conclusions, deliberation.Conclusion{
			Statement:              c.Statement,
			Probability:            c.Probability,
			FalsificationCondition: c.FalsificationCondition,
		})
	}

	synthesis := deliberation.Synthesis{
		SessionID:        p.SessionID,
		Iteration:        p.Iteration,
		Summary:          summary,
		Conclusions:      conclusions,
		Recommendations:  payload.Recommendations,
		FormalizedResult: payload.FormalizedResult,
		ConsensusLevel:   consensus,
		CreatedAt:        time.Now(),
	}
	return synthesis, metrics, nil
}

// Ask answers one free-form human question routed to agentID during an
// interactive session's awaiting-input pause. Unlike Analyze/Critique/
// Synthesize this has no structured-output schema; the raw text is the
// answer.
func (r *Runner) Ask(ctx context.Context, sessionID string, agentID deliberation.AgentID, question, conversationContext string) (string, deliberation.RunMetric, error) {
	binding, ok := r.cfg.Bindings[agentID]
	if !ok {
		return "", deliberation.RunMetric{}, fmt.Errorf("agent: no binding for agent %s", agentID)
	}
	systemPrompt := prompt.System(string(agentID))
	userPrompt := fmt.Sprintf("%s\n\nA human reviewer asks: %s\n\nAnswer directly in prose.", conversationContext, question)

	start := time.Now()
	text, usage, err := r.invoke(ctx, agentID, binding.Provider, binding.DefaultModel, systemPrompt, userPrompt, 0.3)
	metric := deliberation.RunMetric{
		SessionID: sessionID,
		AgentID:   agentID,
		Model:     binding.DefaultModel,
		Phase:     deliberation.PhaseAnalyze,
		LatencyMS: time.Since(start).Milliseconds(),
		CreatedAt: time.Now(),
	}
	if err != nil {
		metric.Status = classifyMetricStatus(err)
		metric.ErrorMessage = err.Error()
		return "", metric, nil
	}
	metric.TokensIn = usage.InputTokens
	metric.TokensOut = usage.OutputTokens
	metric.CostUSD = cost.Calculate(binding.DefaultModel, usage.InputTokens, usage.OutputTokens)
	metric.Status = deliberation.MetricSuccess
	return text, metric, nil
}

// invoke runs one provider call under the configured per-call deadline,
// retrying transient failures with exponential backoff (base 500ms, factor
// 2, +-25% jitter) up to MaxRetries additional attempts. Non-transient
// errors (ErrInvalidRequest) fail immediately without retry. The seat's
// in-flight slot is held for the whole call, retries included.
func (r *Runner) invoke(ctx context.Context, agentID deliberation.AgentID, provider llm.Provider, model, systemPrompt, userPrompt string, temperature float64) (string, llm.Usage, error) {
	if slot, ok := r.slots[agentID]; ok {
		select {
		case slot <- struct{}{}:
			defer func() { <-slot }()
		case <-ctx.Done():
			return "", llm.Usage{}, fmt.Errorf("%w: %v", llm.ErrTimeout, ctx.Err())
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	systemPrompt = provider.AdaptInstructions(systemPrompt)
	options := map[string]interface{}{"model": model, "temperature": temperature}

	var text string
	var usage llm.Usage

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.25
	eb.MaxElapsedTime = 0 // bounded by MaxRetries, not elapsed wall time
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxRetries)), callCtx)

	operation := func() error {
		out, u, err := provider.GenerateResponse(callCtx, userPrompt, systemPrompt, options)
		if err != nil {
			if isTransient(err) {
				return err // retried by policy
			}
			return backoff.Permanent(err)
		}
		if strings.TrimSpace(out) == "" {
			return backoff.Permanent(fmt.Errorf("%w: empty output", llm.ErrUpstream))
		}
		text, usage = out, u
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if callCtx.Err() != nil {
			return "", llm.Usage{}, fmt.Errorf("%w: %v", llm.ErrTimeout, err)
		}
		return "", llm.Usage{}, unwrapPermanent(err)
	}
	return text, usage, nil
}

// parseWithReprompt parses the raw text; on failure, it reprompts once with
// a strict-JSON suffix and parses again. metric is mutated in place to fold
// the retry's extra tokens/cost into the caller's metric when a reprompt
// happens — both calls serve the same logical step, so they share one
// metric.
func (r *Runner) parseWithReprompt(ctx context.Context, agentID deliberation.AgentID, provider llm.Provider, model, systemPrompt, userPrompt string, temperature float64, text string, out interface{}, metric *deliberation.RunMetric) (string, error) {
	if _, err := parse.SmartParse(text, out); err == nil {
		return text, nil
	}

	repromptUser := userPrompt + "\n\nYour previous reply did not parse as valid JSON. Reply again with ONLY a single fenced ```json``` block matching the required schema, no prose."
	retryText, usage, err := r.invoke(ctx, agentID, provider, model, systemPrompt, repromptUser, temperature)
	if err != nil {
		return "", fmt.Errorf("parse: reprompt call failed: %w", err)
	}
	metric.TokensIn += usage.InputTokens
	metric.TokensOut += usage.OutputTokens
	metric.CostUSD += cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	if _, err := parse.SmartParse(retryText, out); err != nil {
		return "", err
	}
	return retryText, nil
}

func isTransient(err error) bool {
	return errors.Is(err, llm.ErrRateLimited) || errors.Is(err, llm.ErrTimeout) ||
		errors.Is(err, llm.ErrUpstream) || errors.Is(err, llm.ErrNetwork)
}

func classifyMetricStatus(err error) deliberation.MetricStatus {
	if errors.Is(err, llm.ErrTimeout) {
		return deliberation.MetricTimeout
	}
	return deliberation.MetricError
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatAnalyses(analyses []deliberation.AgentAnalysis) string {
	var sb strings.Builder
	sb.WriteString("=== ANALYSES ===\n")
	for _, a := range analyses {
		sb.WriteString(fmt.Sprintf("[%s] (confidence %.2f): %s\n", a.AgentID, a.Confidence, a.AnalysisText))
	}
	return sb.String()
}

func formatAnalysesWithTarget(analyses []deliberation.AgentAnalysis, target deliberation.AgentID) string {
	var sb strings.Builder
	sb.WriteString("=== ANALYSES ===\n")
	for _, a := range analyses {
		marker := ""
		if a.AgentID == target {
			marker = " [TARGET]"
		}
		sb.WriteString(fmt.Sprintf("[%s]%s (confidence %.2f): %s\n", a.AgentID, marker, a.Confidence, a.AnalysisText))
	}
	return sb.String()
}

func formatCritiques(critiques []deliberation.Critique) string {
	if len(critiques) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	sb.WriteString("=== CRITIQUES ===\n")
	for _, c := range critiques {
		sb.WriteString(fmt.Sprintf("[%s -> %s] score=%s: %s\n", c.FromAgent, c.ToAgent, strconv.FormatFloat(c.Score, 'f', 1, 64), c.CritiqueText))
	}
	return sb.String()
}
