package deliberation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/agent"
	core "github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/engine"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/experiment"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/llm"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/metrics"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/prompt"
)

// happyProvider answers every call with a shape valid for whatever phase
// the prompt belongs to, so full sessions run end to end against the
// facade without scripting.
type happyProvider struct{}

func (happyProvider) GenerateResponse(ctx context.Context, userPrompt, systemPrompt string, options map[string]interface{}) (string, llm.Usage, error) {
	usage := llm.Usage{InputTokens: 10, OutputTokens: 10}
	switch {
	case strings.Contains(userPrompt, "Extract the structured conclusions"):
		return "```json\n{\"conclusions\":[{\"statement\":\"go\",\"probability\":0.8}],\"recommendations\":[\"proceed\"],\"consensus_level\":0.9}\n```", usage, nil
	case strings.Contains(userPrompt, "Write the synthesis summary"):
		return "## Summary\n\nConverged.", usage, nil
	case strings.Contains(userPrompt, "Critique") && strings.Contains(userPrompt, "TARGET"):
		return "```json\n{\"score\":7,\"critique_text\":\"fine\",\"weaknesses\":[],\"strengths\":[]}\n```", usage, nil
	default:
		return "```json\n{\"analysis_text\":\"ok\",\"confidence\":0.8,\"key_points\":[],\"risks\":[],\"assumptions\":[]}\n```", usage, nil
	}
}

func (happyProvider) AdaptInstructions(raw string) string { return raw }

func newTestHandler(t *testing.T) (*Handler, core.Store) {
	t.Helper()
	bindings := map[core.AgentID]agent.Binding{}
	for _, a := range core.AllAgents {
		bindings[a] = agent.Binding{Provider: happyProvider{}, DefaultModel: "stub-model"}
	}
	runner := agent.NewRunner(agent.Config{Bindings: bindings, CallTimeout: 2 * time.Second, MaxRetries: 1})
	store := core.NewMemoryStore()
	mgr := engine.NewManager(store, runner, metrics.NewStore())
	return NewHandler(mgr, store, bindings, experiment.NewStore(), metrics.NewStore()), store
}

func TestHandleHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string `json:"status"`
		Source string `json:"source"`
		Agents []struct {
			AgentID string `json:"agent_id"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "memory", body.Source)
	assert.Len(t, body.Agents, 4)
}

func TestHandleAgents_CanonicalOrder(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.HandleAgents(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
			Enabled bool   `json:"enabled"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Agents, 4)
	assert.Equal(t, "A1", body.Agents[0].AgentID)
	assert.Equal(t, "A4", body.Agents[3].AgentID)
}

func TestHandleAnalyze_SyncHappyPath(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"task":"evaluate SaaS market entry","task_type":"strategy","max_iterations":1}`
	rec := httptest.NewRecorder()
	h.HandleAnalyze(rec, httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Result core.FinalResult `json:"result"`
		Source string           `json:"source"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "memory", resp.Source)
	assert.Equal(t, 1, resp.Result.IterationsUsed)
	assert.InDelta(t, 0.9, resp.Result.ConsensusLevel, 1e-9)
	assert.Nil(t, resp.Result.Error)
}

func TestHandleAnalyze_RejectsMissingTask(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.HandleAnalyze(rec, httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(`{"task_type":"strategy"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAnalyze_RejectsGet(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.HandleAnalyze(rec, httptest.NewRequest(http.MethodGet, "/analyze", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleAnalyzeAsync_ThenPollTask(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"task":"evaluate SaaS market entry","task_type":"strategy","max_iterations":1}`
	rec := httptest.NewRecorder()
	h.HandleAnalyzeAsync(rec, httptest.NewRequest(http.MethodPost, "/analyze/async", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.TaskID)

	h.Manager.Wait(accepted.TaskID)

	pollRec := httptest.NewRecorder()
	h.HandleTask(pollRec, httptest.NewRequest(http.MethodGet, "/tasks/"+accepted.TaskID, nil))
	require.Equal(t, http.StatusOK, pollRec.Code)
	var polled struct {
		Status core.Status       `json:"status"`
		Result *core.FinalResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(pollRec.Body.Bytes(), &polled))
	assert.Equal(t, core.StatusCompleted, polled.Status)
	require.NotNil(t, polled.Result)
	assert.Equal(t, 1, polled.Result.IterationsUsed)
}

func TestHandleTask_UnknownIDIs404(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.HandleTask(rec, httptest.NewRequest(http.MethodGet, "/tasks/not-a-session", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStudioPrompts_ListAndRegister(t *testing.T) {
	prompt.Get().Clear()
	t.Cleanup(prompt.Get().Clear)
	h, _ := newTestHandler(t)

	listRec := httptest.NewRecorder()
	h.HandleStudioPrompts(listRec, httptest.NewRequest(http.MethodGet, "/studio/prompts", nil))
	require.Equal(t, http.StatusOK, listRec.Code)
	var listed struct {
		Prompts []prompt.Template `json:"prompts"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listed))
	assert.NotEmpty(t, listed.Prompts, "built-in defaults must be listed even with an empty registry")

	postBody := `{"agent_id":"A1","prompt_type":"system","content":"sharper persona","activate":true}`
	postRec := httptest.NewRecorder()
	h.HandleStudioPrompts(postRec, httptest.NewRequest(http.MethodPost, "/studio/prompts", strings.NewReader(postBody)))
	require.Equal(t, http.StatusOK, postRec.Code)

	assert.Equal(t, "sharper persona", prompt.System("A1"), "registering an active template must invalidate the resolver cache")
}

func TestHandleStudioExperiments_CreateListDelete(t *testing.T) {
	h, _ := newTestHandler(t)

	createRec := httptest.NewRecorder()
	h.HandleStudioExperiments(createRec, httptest.NewRequest(http.MethodPost, "/studio/experiments", strings.NewReader(`{"name":"persona test","agent_id":"A1"}`)))
	require.Equal(t, http.StatusOK, createRec.Code)
	var exp experiment.Experiment
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &exp))
	require.NotEmpty(t, exp.ID)

	variantRec := httptest.NewRecorder()
	h.HandleStudioExperiments(variantRec, httptest.NewRequest(http.MethodPost, "/studio/experiments", strings.NewReader(`{"experiment_id":"`+exp.ID+`","name":"v1","content":"Be terse."}`)))
	require.Equal(t, http.StatusOK, variantRec.Code)

	listRec := httptest.NewRecorder()
	h.HandleStudioExperiments(listRec, httptest.NewRequest(http.MethodGet, "/studio/experiments", nil))
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "persona test")

	deleteRec := httptest.NewRecorder()
	h.HandleStudioExperiments(deleteRec, httptest.NewRequest(http.MethodDelete, "/studio/experiments?id="+exp.ID, nil))
	require.Equal(t, http.StatusOK, deleteRec.Code)
	assert.Empty(t, h.Experiments.ListExperiments())
}

func TestHandleStudioMetrics_DefaultsPeriod(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.HandleStudioMetrics(rec, httptest.NewRequest(http.MethodGet, "/studio/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var sum metrics.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, metrics.Period24h, sum.Period)
}

func TestHandleStream_MissingIDIs400(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.HandleStream(rec, httptest.NewRequest(http.MethodGet, "/analyze/stream", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStream_UnknownSessionIs404(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.HandleStream(rec, httptest.NewRequest(http.MethodGet, "/analyze/stream?id=ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
