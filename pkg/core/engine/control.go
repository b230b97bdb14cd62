package engine

import (
	"context"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/events"
)

// HumanQuestion is one question a reviewer routes to a specific agent while
// a session is paused awaiting input. Any enabled seat can be asked.
type HumanQuestion struct {
	AgentID  deliberation.AgentID
	Question string
}

// HumanAnswer is Runner.Ask's reply to one HumanQuestion.
type HumanAnswer struct {
	AgentID deliberation.AgentID
	Answer  string
	Err     error
}

// Control is the interactive-mode side channel between an Engine.Run call
// and whatever is driving it (the HTTP facade, a CLI REPL). A session whose
// Settings.Interactive() is false never touches Control, so the channels
// may be nil in that case.
type Control struct {
	// Questions delivers human questions for the current pause; Resume must
	// be sent (possibly empty) to let the run continue past the pause.
	Questions chan HumanQuestion
	Answers   chan HumanAnswer
	Resume    chan struct{}
}

// NewControl allocates a Control with reasonably sized buffers; callers
// that never pause (non-interactive sessions) may pass nil instead.
func NewControl() *Control {
	return &Control{
		Questions: make(chan HumanQuestion, 8),
		Answers:   make(chan HumanAnswer, 8),
		Resume:    make(chan struct{}, 1),
	}
}

// awaitInput publishes an awaiting-input lifecycle event, then blocks
// draining Questions (answering each via Runner.Ask) until Resume fires or
// the session's context is cancelled. It never mutates session.Status
// itself — the caller observes the pause via events and may poll the
// Store.
func (e *Engine) awaitInput(ctx context.Context, session *deliberation.Session, control *Control, stage string, iteration int, analyses []deliberation.AgentAnalysis) {
	if control == nil {
		return
	}
	e.publish(session.ID, events.TypePhaseStart, map[string]interface{}{
		"phase": "awaiting_input", "stage": stage, "iteration": iteration,
	})

	conversationContext := formatAnalysesSummary(analyses)
	for {
		select {
		case <-ctx.Done():
			return
		case <-control.Resume:
			return
		case q := <-control.Questions:
			answer, _, err := e.Runner.Ask(ctx, session.ID, q.AgentID, q.Question, conversationContext)
			select {
			case control.Answers <- HumanAnswer{AgentID: q.AgentID, Answer: answer, Err: err}:
			default:
			}
		}
	}
}

func formatAnalysesSummary(analyses []deliberation.AgentAnalysis) string {
	if len(analyses) == 0 {
		return ""
	}
	out := "Current analyses this iteration:\n"
	for _, a := range analyses {
		out += string(a.AgentID) + ": " + a.AnalysisText + "\n"
	}
	return out
}
