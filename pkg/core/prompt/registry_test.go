package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_ActivationFlipsPreviousVersion(t *testing.T) {
	r := Get()
	r.Clear()
	t.Cleanup(r.Clear)

	v1 := &Template{AgentID: "A1", PromptType: TypeSystem, Version: 1, Content: "first", IsActive: true}
	v2 := &Template{AgentID: "A1", PromptType: TypeSystem, Version: 2, Content: "second", IsActive: true}
	require.NoError(t, r.Register(v1))
	require.NoError(t, r.Register(v2))

	active, err := r.Resolve("A1", TypeSystem)
	require.NoError(t, err)
	assert.Equal(t, "second", active.Content)
	assert.False(t, v1.IsActive, "registering a new active version must deactivate the old one")

	versions := r.ListVersions("A1", TypeSystem)
	assert.Len(t, versions, 2)
}

func TestRegister_InactiveVersionDoesNotInvalidate(t *testing.T) {
	r := Get()
	r.Clear()
	t.Cleanup(r.Clear)

	require.NoError(t, r.Register(&Template{AgentID: "A1", PromptType: TypeSystem, Version: 1, Content: "live", IsActive: true}))
	require.NoError(t, r.Register(&Template{AgentID: "A1", PromptType: TypeSystem, Version: 2, Content: "draft", IsActive: false}))

	active, err := r.Resolve("A1", TypeSystem)
	require.NoError(t, err)
	assert.Equal(t, "live", active.Content)
}

func TestRegister_RejectsEmptyAgentAndBadVersion(t *testing.T) {
	r := Get()
	r.Clear()
	t.Cleanup(r.Clear)

	assert.Error(t, r.Register(&Template{AgentID: "", PromptType: TypeSystem, Version: 1}))
	assert.Error(t, r.Register(&Template{AgentID: "A1", PromptType: TypeSystem, Version: 0}))
}

func TestResolve_FallsBackToDefaults(t *testing.T) {
	Get().Clear()
	t.Cleanup(Get().Clear)

	content := System("A1")
	assert.NotEmpty(t, content, "A1 must have a built-in system prompt")
	assert.Contains(t, content, "Logical Analyst")
}

func TestResolve_RegisteredTemplateOverridesDefault(t *testing.T) {
	r := Get()
	r.Clear()
	t.Cleanup(r.Clear)

	require.NoError(t, r.Register(&Template{AgentID: "A1", PromptType: TypeSystem, Version: 1, Content: "custom persona", IsActive: true}))
	assert.Equal(t, "custom persona", System("A1"))
}

func TestResolve_UnknownAgentReturnsEmpty(t *testing.T) {
	Get().Clear()
	t.Cleanup(Get().Clear)

	assert.Empty(t, Resolve("A9", TypeSystem))
}

func TestDefaults_EverySeatHasCoreSlots(t *testing.T) {
	for _, agentID := range []string{"A1", "A2", "A3", "A4"} {
		byType, ok := Defaults[agentID]
		require.True(t, ok, agentID)
		assert.NotEmpty(t, byType[TypeSystem], agentID)
		assert.NotEmpty(t, byType[TypeCritique], agentID)
		assert.NotEmpty(t, byType[TypeUserTemplate], agentID)
	}
	// only the default synthesizer seat carries a synthesis prompt
	assert.NotEmpty(t, Defaults["A2"][TypeSynthesis])
}

func TestRenderUserPrompt_SubstitutesKnownLeavesUnknown(t *testing.T) {
	ctx := NewContext().Set("task", "enter the market").Set("task_type", "strategy")
	got := RenderUserPrompt("Task: {task} ({task_type}) — {missing}", ctx)
	assert.Equal(t, "Task: enter the market (strategy) — {missing}", got)
}
