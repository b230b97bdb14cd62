package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/agent"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/llm"
)

// hangingProvider blocks every call until its context is cancelled, so
// tests can observe a session mid-flight deterministically.
type hangingProvider struct{}

func (hangingProvider) GenerateResponse(ctx context.Context, userPrompt, systemPrompt string, options map[string]interface{}) (string, llm.Usage, error) {
	<-ctx.Done()
	return "", llm.Usage{}, llm.ErrTimeout
}

func (hangingProvider) AdaptInstructions(raw string) string { return raw }

func hangingRunner() *agent.Runner {
	bindings := map[deliberation.AgentID]agent.Binding{}
	for _, a := range deliberation.AllAgents {
		bindings[a] = agent.Binding{Provider: hangingProvider{}, DefaultModel: "stub-model"}
	}
	return agent.NewRunner(agent.Config{Bindings: bindings, CallTimeout: 30 * time.Second, MaxRetries: 1})
}

func TestManager_StartCancelWait(t *testing.T) {
	store := deliberation.NewMemoryStore()
	mgr := NewManager(store, hangingRunner(), nil)

	session, err := mgr.Start(context.Background(), "long task", deliberation.TaskResearch, "", baseSettings())
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(session.ID))
	mgr.Wait(session.ID)

	status, err := mgr.Status(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, deliberation.StatusCancelled, status)

	result, err := mgr.Result(context.Background(), session.ID)
	require.NoError(t, err)
	require.NotNil(t, result, "a cancelled session still finalizes a partial result")
	assert.Equal(t, 0, result.IterationsUsed)
}

func TestManager_StartRejectsInvalidSettings(t *testing.T) {
	mgr := NewManager(deliberation.NewMemoryStore(), hangingRunner(), nil)
	settings := baseSettings()
	settings.EnabledAgents = nil
	_, err := mgr.Start(context.Background(), "task", deliberation.TaskStrategy, "", settings)
	assert.Error(t, err)
}

func TestManager_SubscribeUnknownSession(t *testing.T) {
	mgr := NewManager(deliberation.NewMemoryStore(), hangingRunner(), nil)
	_, _, ok := mgr.Subscribe("ghost")
	assert.False(t, ok)
}

func TestManager_CancelUnknownSession(t *testing.T) {
	mgr := NewManager(deliberation.NewMemoryStore(), hangingRunner(), nil)
	assert.Error(t, mgr.Cancel("ghost"))
}

// Non-interactive sessions have no Control side channel, so question and
// resume requests are refused rather than queued.
func TestManager_InteractiveSurfaceRefusedForAutomaticSessions(t *testing.T) {
	store := deliberation.NewMemoryStore()
	mgr := NewManager(store, hangingRunner(), nil)

	session, err := mgr.Start(context.Background(), "task", deliberation.TaskStrategy, "", baseSettings())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Cancel(session.ID); mgr.Wait(session.ID) })

	_, ok := mgr.AskQuestion(session.ID, HumanQuestion{AgentID: deliberation.AgentLogicalAnalyst, Question: "why?"})
	assert.False(t, ok)
	assert.False(t, mgr.ResumeSession(session.ID))
}

func TestManager_SubscribeLiveSessionReturnsChannel(t *testing.T) {
	store := deliberation.NewMemoryStore()
	mgr := NewManager(store, hangingRunner(), nil)

	session, err := mgr.Start(context.Background(), "task", deliberation.TaskStrategy, "", baseSettings())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Cancel(session.ID); mgr.Wait(session.ID) })

	ch, _, ok := mgr.Subscribe(session.ID)
	require.True(t, ok)
	require.NotNil(t, ch)
}
