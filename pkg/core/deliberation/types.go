// Package deliberation drives a task through repeated rounds of multi-agent
// analysis, adversarial critique, and synthesis until the agents converge,
// the budget runs out, or the iteration cap is hit.
package deliberation

import (
	"context"
	"time"
)

// TaskType constrains the kind of work a session is reasoning about; it
// shapes which prompt variant the Prompt Resolver serves.
type TaskType string

const (
	TaskStrategy    TaskType = "strategy"
	TaskResearch    TaskType = "research"
	TaskInvestment  TaskType = "investment"
	TaskDevelopment TaskType = "development"
	TaskAudit       TaskType = "audit"
)

// Status is the terminal/non-terminal lifecycle state of a Session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Phase names the sub-state machine inside one iteration.
type Phase string

const (
	PhaseAnalyze    Phase = "analyze"
	PhaseCritique   Phase = "critique"
	PhaseSynthesize Phase = "synthesize"
)

// AgentID identifies one of the four default deliberation seats. Sessions
// may enable any non-empty subset.
type AgentID string

const (
	AgentLogicalAnalyst        AgentID = "A1"
	AgentSystemsArchitect      AgentID = "A2"
	AgentAlternativesGenerator AgentID = "A3"
	AgentFormalAnalyst         AgentID = "A4"
)

// AllAgents is the canonical, alphabetically-sorted roster used wherever a
// stable order matters (synthesis prompt enumeration, reproducible test
// fixtures).
var AllAgents = []AgentID{AgentLogicalAnalyst, AgentSystemsArchitect, AgentAlternativesGenerator, AgentFormalAnalyst}

// DefaultSynthesizer is the agent whose analysis role doubles as the
// iteration's synthesizer, unless a session overrides it.
const DefaultSynthesizer = AgentSystemsArchitect

// Settings configures one session's run. Zero values are invalid; Validate
// fills in nothing — callers must supply values inside the documented
// ranges before the engine will accept them.
type Settings struct {
	EnabledAgents      []AgentID          `json:"enabled_agents"`
	Models             map[AgentID]string `json:"models"`
	Temperature        float64            `json:"temperature"`
	MaxIterations      int                `json:"max_iterations"`
	ConsensusThreshold float64            `json:"consensus_threshold"`
	BudgetUSD          float64            `json:"budget_usd"`
	SynthesizerAgent   AgentID            `json:"synthesizer_agent,omitempty"`

	// Mode selects the human-in-the-loop variant: "automatic" (default) runs
	// the state machine straight through; "interactive" pauses at each
	// phase boundary for optional human questions.
	Mode string `json:"mode,omitempty"`
}

// Interactive reports whether this session pauses at phase boundaries for
// human questions.
func (s Settings) Interactive() bool { return s.Mode == "interactive" }

// Validate enforces each setting's documented range.
func (s Settings) Validate() error {
	if len(s.EnabledAgents) == 0 {
		return errInvalidSettings("enabled_agents must be non-empty")
	}
	for _, a := range s.EnabledAgents {
		known := false
		for _, k := range AllAgents {
			if a == k {
				known = true
				break
			}
		}
		if !known {
			return errInvalidSettings("enabled_agents contains unknown agent id " + string(a))
		}
	}
	if s.Temperature < 0 || s.Temperature > 1 {
		return errInvalidSettings("temperature must be within [0,1]")
	}
	if s.MaxIterations < 1 || s.MaxIterations > 5 {
		return errInvalidSettings("max_iterations must be within [1,5]")
	}
	if s.ConsensusThreshold < 0.5 || s.ConsensusThreshold > 0.95 {
		return errInvalidSettings("consensus_threshold must be within [0.5,0.95]")
	}
	if s.BudgetUSD <= 0 {
		return errInvalidSettings("budget_usd must be > 0")
	}
	return nil
}

// Synthesizer returns the agent bound to the synthesize step: the session's
// override if set, else the default systems-architect seat.
func (s Settings) Synthesizer() AgentID {
	if s.SynthesizerAgent != "" {
		return s.SynthesizerAgent
	}
	return DefaultSynthesizer
}

// BaselineProvider is an optional hook a caller supplies to seed a
// session's first-iteration prompts with a deterministic, non-LLM baseline
// computed before any agent speaks. No default implementation ships:
// sessions without a configured hook skip straight to the first analyze
// phase, and agents simply see an empty baseline section.
type BaselineProvider interface {
	Baseline(ctx context.Context, session *Session) (string, error)
}

// Session is the root aggregate: one deliberation run over one task.
type Session struct {
	ID          string    `json:"id"`
	TaskText    string    `json:"task_text"`
	TaskType    TaskType  `json:"task_type"`
	ContextText string    `json:"context_text,omitempty"`
	Status      Status    `json:"status"`
	Settings    Settings  `json:"settings"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// FailureReason is set when Status == StatusFailed or StatusCancelled.
	FailureReason string `json:"failure_reason,omitempty"`
}

// AgentAnalysis is one agent's analysis of the task during one iteration.
// Immutable once written; unique per (SessionID, AgentID, Iteration).
type AgentAnalysis struct {
	SessionID    string    `json:"session_id"`
	AgentID      AgentID   `json:"agent_id"`
	Iteration    int       `json:"iteration"`
	AnalysisText string    `json:"analysis_text"`
	Confidence   float64   `json:"confidence"`
	KeyPoints    []string  `json:"key_points"`
	Risks        []string  `json:"risks"`
	Assumptions  []string  `json:"assumptions"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Critique is a directed review of ToAgent's analysis by FromAgent. At most
// one per (SessionID, Iteration, FromAgent, ToAgent); FromAgent != ToAgent.
type Critique struct {
	SessionID    string    `json:"session_id"`
	Iteration    int       `json:"iteration"`
	FromAgent    AgentID   `json:"from_agent"`
	ToAgent      AgentID   `json:"to_agent"`
	Score        float64   `json:"score"`
	CritiqueText string    `json:"critique_text"`
	Weaknesses   []string  `json:"weaknesses"`
	Strengths    []string  `json:"strengths"`
	CreatedAt    time.Time `json:"created_at"`
}

// Conclusion is one probabilistic claim inside a Synthesis.
type Conclusion struct {
	Statement              string  `json:"statement"`
	Probability            float64 `json:"probability"`
	FalsificationCondition string  `json:"falsification_condition,omitempty"`
}

// Synthesis is the integrated output of one iteration. Unique per
// (SessionID, Iteration).
type Synthesis struct {
	SessionID        string       `json:"session_id"`
	Iteration        int          `json:"iteration"`
	Summary          string       `json:"summary"`
	Conclusions      []Conclusion `json:"conclusions"`
	Recommendations  []string     `json:"recommendations"`
	FormalizedResult string       `json:"formalized_result,omitempty"`
	ConsensusLevel   float64      `json:"consensus_level"`
	CreatedAt        time.Time    `json:"created_at"`
}

// FinalResult is the Synthesis of the session's last iteration plus
// aggregate metrics. Exactly one per completed session.
type FinalResult struct {
	Synthesis
	TotalTokens    int         `json:"total_tokens"`
	TotalCostUSD   float64     `json:"total_cost_usd"`
	IterationsUsed int         `json:"iterations_used"`
	AgentsUsed     []AgentID   `json:"agents_used"`
	Error          *ErrorBlock `json:"error,omitempty"`
}

// ErrorBlock describes the terminating condition when a session did not
// reach a clean Completed status; FinalResult is still returned with
// whatever iterations finished.
type ErrorBlock struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// MetricStatus is the outcome recorded for one RunMetric.
type MetricStatus string

const (
	MetricSuccess MetricStatus = "success"
	MetricError   MetricStatus = "error"
	MetricTimeout MetricStatus = "timeout"
)

// RunMetric is an append-only record of one Agent Runner call, emitted
// regardless of whether the call succeeded.
type RunMetric struct {
	SessionID    string       `json:"session_id"`
	AgentID      AgentID      `json:"agent_id"`
	Model        string       `json:"model"`
	Phase        Phase        `json:"phase"`
	TokensIn     int          `json:"tokens_in"`
	TokensOut    int          `json:"tokens_out"`
	CostUSD      float64      `json:"cost_usd"`
	LatencyMS    int64        `json:"latency_ms"`
	Status       MetricStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

type invalidSettingsError string

func (e invalidSettingsError) Error() string { return "deliberation: invalid settings: " + string(e) }

func errInvalidSettings(msg string) error { return invalidSettingsError(msg) }
