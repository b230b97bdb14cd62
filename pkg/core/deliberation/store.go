package deliberation

import "context"

// Store is the Session Store Façade: a narrow interface over session
// persistence. Implementations may be in-memory (tests, no DATABASE_URL) or
// backed by a managed SQL store; child records are append-only, the session
// row has a monotonic UpdatedAt.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	LoadSession(ctx context.Context, id string) (*Session, error)
	UpdateStatus(ctx context.Context, id string, status Status, failureReason string) error

	AppendAnalysis(ctx context.Context, a AgentAnalysis) error
	AppendCritique(ctx context.Context, c Critique) error
	AppendSynthesis(ctx context.Context, s Synthesis) error
	AppendMetric(ctx context.Context, m RunMetric) error

	Analyses(ctx context.Context, sessionID string, iteration int) ([]AgentAnalysis, error)
	Critiques(ctx context.Context, sessionID string, iteration int) ([]Critique, error)
	CritiquesOf(ctx context.Context, sessionID string, iteration int, toAgent AgentID) ([]Critique, error)
	Syntheses(ctx context.Context, sessionID string) ([]Synthesis, error)
	Metrics(ctx context.Context, sessionID string) ([]RunMetric, error)

	Finalize(ctx context.Context, sessionID string, result FinalResult) error
	LoadFinalResult(ctx context.Context, sessionID string) (*FinalResult, error)

	// Source reports whether this store is backed by a database or
	// operating in-memory, for the `source` annotation the HTTP facade adds
	// to responses.
	Source() string
}

// ErrSessionNotFound is returned by LoadSession when id is unknown.
type ErrSessionNotFound struct{ ID string }

func (e *ErrSessionNotFound) Error() string { return "deliberation: session not found: " + e.ID }
