package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/llm"
)

// stubProvider is a scriptable llm.Provider: each call to GenerateResponse
// pops the next entry off responses — deterministic canned replies instead
// of a live API.
type stubProvider struct {
	responses []stubResponse
	calls     int
}

type stubResponse struct {
	text  string
	usage llm.Usage
	err   error
}

func (s *stubProvider) GenerateResponse(ctx context.Context, prompt, systemPrompt string, options map[string]interface{}) (string, llm.Usage, error) {
	if s.calls >= len(s.responses) {
		return "", llm.Usage{}, fmt.Errorf("stubProvider: no more scripted responses")
	}
	r := s.responses[s.calls]
	s.calls++
	return r.text, r.usage, r.err
}

func (s *stubProvider) AdaptInstructions(raw string) string { return raw }

const analysisJSON = `{"analysis_text":"looks solid","confidence":0.8,"key_points":["a"],"risks":["b"],"assumptions":["c"]}`
const critiqueJSON = `{"score":7.5,"critique_text":"mostly right","weaknesses":["w"],"strengths":["s"]}`

func newTestRunner(provider llm.Provider) *Runner {
	return NewRunner(Config{
		Bindings: map[deliberation.AgentID]Binding{
			deliberation.AgentLogicalAnalyst:   {Provider: provider, DefaultModel: "stub-model"},
			deliberation.AgentSystemsArchitect: {Provider: provider, DefaultModel: "stub-model"},
		},
		CallTimeout: 2 * time.Second,
		MaxRetries:  2,
	})
}

func TestAnalyze_Success(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{text: "```json\n" + analysisJSON + "\n```", usage: llm.Usage{InputTokens: 100, OutputTokens: 50}},
	}}
	r := newTestRunner(provider)

	analysis, metric, err := r.Analyze(context.Background(), AnalyzeParams{
		SessionID: "s1", AgentID: deliberation.AgentLogicalAnalyst, Task: "evaluate", TaskType: deliberation.TaskStrategy,
	})
	require.NoError(t, err)
	assert.Equal(t, deliberation.MetricSuccess, metric.Status)
	assert.Equal(t, 0.8, analysis.Confidence)
	assert.Equal(t, "looks solid", analysis.AnalysisText)
	assert.Equal(t, 1, provider.calls)
}

func TestAnalyze_RetriesTransientThenSucceeds(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{err: fmt.Errorf("overloaded: %w", llm.ErrRateLimited)},
		{text: "```json\n" + analysisJSON + "\n```", usage: llm.Usage{InputTokens: 10, OutputTokens: 10}},
	}}
	r := newTestRunner(provider)

	_, metric, err := r.Analyze(context.Background(), AnalyzeParams{
		SessionID: "s1", AgentID: deliberation.AgentLogicalAnalyst, Task: "evaluate", TaskType: deliberation.TaskStrategy,
	})
	require.NoError(t, err)
	assert.Equal(t, deliberation.MetricSuccess, metric.Status)
	assert.Equal(t, 2, provider.calls)
}

func TestAnalyze_NonTransientFailsImmediately(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{err: fmt.Errorf("bad request: %w", llm.ErrInvalidRequest)},
		{text: "unused"},
	}}
	r := newTestRunner(provider)

	_, metric, err := r.Analyze(context.Background(), AnalyzeParams{
		SessionID: "s1", AgentID: deliberation.AgentLogicalAnalyst, Task: "evaluate", TaskType: deliberation.TaskStrategy,
	})
	require.NoError(t, err)
	assert.Equal(t, deliberation.MetricError, metric.Status)
	assert.Equal(t, 1, provider.calls, "non-transient error must not retry")
}

// TestAnalyze_ParseFailureRepromptsOnce: a prose first reply followed by a
// valid strict-JSON reprompt reply, with exactly one extra call (and the
// combined cost) recorded on the same metric.
func TestAnalyze_ParseFailureRepromptsOnce(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{text: "I think this market entry looks promising overall.", usage: llm.Usage{InputTokens: 20, OutputTokens: 20}},
		{text: "```json\n" + analysisJSON + "\n```", usage: llm.Usage{InputTokens: 5, OutputTokens: 5}},
	}}
	r := newTestRunner(provider)

	analysis, metric, err := r.Analyze(context.Background(), AnalyzeParams{
		SessionID: "s1", AgentID: deliberation.AgentLogicalAnalyst, Task: "evaluate", TaskType: deliberation.TaskStrategy,
	})
	require.NoError(t, err)
	assert.Equal(t, deliberation.MetricSuccess, metric.Status)
	assert.Equal(t, 2, provider.calls)
	assert.Equal(t, 25, metric.TokensIn) // 20 + 5, folded into one metric
	assert.Equal(t, 0.8, analysis.Confidence)
}

func TestAnalyze_ConfidenceOutOfRangeIsError(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{text: `{"analysis_text":"x","confidence":1.5,"key_points":[],"risks":[],"assumptions":[]}`},
	}}
	r := newTestRunner(provider)

	_, metric, err := r.Analyze(context.Background(), AnalyzeParams{
		SessionID: "s1", AgentID: deliberation.AgentLogicalAnalyst, Task: "evaluate", TaskType: deliberation.TaskStrategy,
	})
	require.NoError(t, err)
	assert.Equal(t, deliberation.MetricError, metric.Status)
}

func TestAnalyze_UnknownAgentIsSynchronousError(t *testing.T) {
	r := newTestRunner(&stubProvider{})
	_, _, err := r.Analyze(context.Background(), AnalyzeParams{SessionID: "s1", AgentID: "A9", Task: "x"})
	assert.Error(t, err)
}

func TestCritique_RejectsSameFromAndTo(t *testing.T) {
	r := newTestRunner(&stubProvider{})
	_, _, err := r.Critique(context.Background(), CritiqueParams{
		FromAgent: deliberation.AgentLogicalAnalyst, ToAgent: deliberation.AgentLogicalAnalyst,
	})
	assert.Error(t, err)
}

func TestCritique_Success(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{text: "```json\n" + critiqueJSON + "\n```", usage: llm.Usage{InputTokens: 30, OutputTokens: 15}},
	}}
	r := newTestRunner(provider)

	critique, metric, err := r.Critique(context.Background(), CritiqueParams{
		SessionID: "s1", FromAgent: deliberation.AgentLogicalAnalyst, ToAgent: deliberation.AgentSystemsArchitect,
		Task: "evaluate", TaskType: deliberation.TaskStrategy,
		AllAnalyses: []deliberation.AgentAnalysis{{AgentID: deliberation.AgentSystemsArchitect, AnalysisText: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, deliberation.MetricSuccess, metric.Status)
	assert.Equal(t, 7.5, critique.Score)
}

func TestCritique_ScoreOutOfRangeIsError(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{text: `{"score":11,"critique_text":"x","weaknesses":[],"strengths":[]}`},
	}}
	r := newTestRunner(provider)

	_, metric, err := r.Critique(context.Background(), CritiqueParams{
		SessionID: "s1", FromAgent: deliberation.AgentLogicalAnalyst, ToAgent: deliberation.AgentSystemsArchitect,
		AllAnalyses: []deliberation.AgentAnalysis{{AgentID: deliberation.AgentSystemsArchitect}},
	})
	require.NoError(t, err)
	assert.Equal(t, deliberation.MetricError, metric.Status)
}

func TestSynthesize_TwoStageSuccess(t *testing.T) {
	synthJSON := `{"conclusions":[{"statement":"go","probability":0.8,"falsification_condition":"churn spikes"}],"recommendations":["proceed"],"consensus_level":0.85,"formalized_result":""}`
	provider := &stubProvider{responses: []stubResponse{
		{text: "## Summary\n\nThe market looks favorable.", usage: llm.Usage{InputTokens: 40, OutputTokens: 40}},
		{text: "```json\n" + synthJSON + "\n```", usage: llm.Usage{InputTokens: 20, OutputTokens: 20}},
	}}
	r := newTestRunner(provider)

	synthesis, metrics, err := r.Synthesize(context.Background(), SynthesizeParams{
		SessionID: "s1", Synthesizer: deliberation.AgentSystemsArchitect, Task: "evaluate", TaskType: deliberation.TaskStrategy,
		Analyses: []deliberation.AgentAnalysis{{AgentID: deliberation.AgentLogicalAnalyst, AnalysisText: "x"}},
	})
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, deliberation.MetricSuccess, metrics[0].Status)
	assert.Equal(t, deliberation.MetricSuccess, metrics[1].Status)
	assert.Equal(t, 0.85, synthesis.ConsensusLevel)
	assert.Len(t, synthesis.Conclusions, 1)
	assert.Contains(t, synthesis.Summary, "market looks favorable")
}

func TestInvoke_TimeoutWrapsDeadlineExceeded(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{err: fmt.Errorf("slow: %w", llm.ErrTimeout)},
	}}
	r := NewRunner(Config{
		Bindings:    map[deliberation.AgentID]Binding{deliberation.AgentLogicalAnalyst: {Provider: provider, DefaultModel: "stub-model"}},
		CallTimeout: 50 * time.Millisecond,
		MaxRetries:  0,
	})
	_, metric, err := r.Analyze(context.Background(), AnalyzeParams{
		SessionID: "s1", AgentID: deliberation.AgentLogicalAnalyst, Task: "evaluate",
	})
	require.NoError(t, err)
	assert.Equal(t, deliberation.MetricTimeout, metric.Status)
}
