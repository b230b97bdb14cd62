package deliberation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the Session Store Façade's database-backed
// implementation: one session row, N analysis rows keyed
// (session, agent, iteration), M critique rows, K synthesis rows, one
// final-result row, and append-only metric rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an already-initialized pool. Call
// EnsureSchema once at startup to create the tables if they don't exist.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Source() string { return "database" }

// EnsureSchema creates the tables this store needs, if absent. Safe to call
// on every startup.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS deliberation_sessions (
	id TEXT PRIMARY KEY,
	task_text TEXT NOT NULL,
	task_type TEXT NOT NULL,
	context_text TEXT,
	status TEXT NOT NULL,
	settings JSONB NOT NULL,
	failure_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS deliberation_analyses (
	session_id TEXT NOT NULL REFERENCES deliberation_sessions(id) ON DELETE CASCADE,
	agent_id TEXT NOT NULL,
	iteration INT NOT NULL,
	analysis_text TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	key_points JSONB,
	risks JSONB,
	assumptions JSONB,
	tokens_in INT NOT NULL,
	tokens_out INT NOT NULL,
	cost_usd DOUBLE PRECISION NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, agent_id, iteration)
);
CREATE TABLE IF NOT EXISTS deliberation_critiques (
	session_id TEXT NOT NULL REFERENCES deliberation_sessions(id) ON DELETE CASCADE,
	iteration INT NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	critique_text TEXT NOT NULL,
	weaknesses JSONB,
	strengths JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, iteration, from_agent, to_agent)
);
CREATE TABLE IF NOT EXISTS deliberation_syntheses (
	session_id TEXT NOT NULL REFERENCES deliberation_sessions(id) ON DELETE CASCADE,
	iteration INT NOT NULL,
	summary TEXT NOT NULL,
	conclusions JSONB,
	recommendations JSONB,
	formalized_result TEXT,
	consensus_level DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, iteration)
);
CREATE TABLE IF NOT EXISTS deliberation_metrics (
	session_id TEXT NOT NULL REFERENCES deliberation_sessions(id) ON DELETE CASCADE,
	agent_id TEXT NOT NULL,
	model TEXT NOT NULL,
	phase TEXT NOT NULL,
	tokens_in INT NOT NULL,
	tokens_out INT NOT NULL,
	cost_usd DOUBLE PRECISION NOT NULL,
	latency_ms BIGINT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS deliberation_final_results (
	session_id TEXT PRIMARY KEY REFERENCES deliberation_sessions(id) ON DELETE CASCADE,
	result JSONB NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("deliberation: ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *Session) error {
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("deliberation: marshal settings: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO deliberation_sessions (id, task_text, task_type, context_text, status, settings, failure_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.TaskText, s.TaskType, s.ContextText, s.Status, settings, s.FailureReason, s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *PostgresStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	var settings []byte
	row := p.pool.QueryRow(ctx, `
SELECT id, task_text, task_type, context_text, status, settings, failure_reason, created_at, updated_at
FROM deliberation_sessions WHERE id = $1`, id)
	if err := row.Scan(&s.ID, &s.TaskText, &s.TaskType, &s.ContextText, &s.Status, &settings, &s.FailureReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, &ErrSessionNotFound{ID: id}
	}
	if err := json.Unmarshal(settings, &s.Settings); err != nil {
		return nil, fmt.Errorf("deliberation: unmarshal settings: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, failureReason string) error {
	_, err := p.pool.Exec(ctx, `
UPDATE deliberation_sessions SET status=$2, failure_reason=$3, updated_at=now() WHERE id=$1`,
		id, status, failureReason)
	return err
}

func (p *PostgresStore) AppendAnalysis(ctx context.Context, a AgentAnalysis) error {
	keyPoints, _ := json.Marshal(a.KeyPoints)
	risks, _ := json.Marshal(a.Risks)
	assumptions, _ := json.Marshal(a.Assumptions)
	_, err := p.pool.Exec(ctx, `
INSERT INTO deliberation_analyses (session_id, agent_id, iteration, analysis_text, confidence, key_points, risks, assumptions, tokens_in, tokens_out, cost_usd, duration_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (session_id, agent_id, iteration) DO NOTHING`,
		a.SessionID, a.AgentID, a.Iteration, a.AnalysisText, a.Confidence, keyPoints, risks, assumptions,
		a.TokensIn, a.TokensOut, a.CostUSD, a.DurationMS, a.CreatedAt)
	return err
}

func (p *PostgresStore) AppendCritique(ctx context.Context, c Critique) error {
	weaknesses, _ := json.Marshal(c.Weaknesses)
	strengths, _ := json.Marshal(c.Strengths)
	_, err := p.pool.Exec(ctx, `
INSERT INTO deliberation_critiques (session_id, iteration, from_agent, to_agent, score, critique_text, weaknesses, strengths, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (session_id, iteration, from_agent, to_agent) DO NOTHING`,
		c.SessionID, c.Iteration, c.FromAgent, c.ToAgent, c.Score, c.CritiqueText, weaknesses, strengths, c.CreatedAt)
	return err
}

func (p *PostgresStore) AppendSynthesis(ctx context.Context, s Synthesis) error {
	conclusions, _ := json.Marshal(s.Conclusions)
	recommendations, _ := json.Marshal(s.Recommendations)
	_, err := p.pool.Exec(ctx, `
INSERT INTO deliberation_syntheses (session_id, iteration, summary, conclusions, recommendations, formalized_result, consensus_level, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (session_id, iteration) DO NOTHING`,
		s.SessionID, s.Iteration, s.Summary, conclusions, recommendations, s.FormalizedResult, s.ConsensusLevel, s.CreatedAt)
	return err
}

func (p *PostgresStore) AppendMetric(ctx context.Context, m RunMetric) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO deliberation_metrics (session_id, agent_id, model, phase, tokens_in, tokens_out, cost_usd, latency_ms, status, error_message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.SessionID, m.AgentID, m.Model, m.Phase, m.TokensIn, m.TokensOut, m.CostUSD, m.LatencyMS, m.Status, m.ErrorMessage, m.CreatedAt)
	return err
}

func (p *PostgresStore) Analyses(ctx context.Context, sessionID string, iteration int) ([]AgentAnalysis, error) {
	rows, err := p.pool.Query(ctx, `
SELECT session_id, agent_id, iteration, analysis_text, confidence, key_points, risks, assumptions, tokens_in, tokens_out, cost_usd, duration_ms, created_at
FROM deliberation_analyses WHERE session_id=$1 AND iteration=$2`, sessionID, iteration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentAnalysis
	for rows.Next() {
		var a AgentAnalysis
		var keyPoints, risks, assumptions []byte
		if err := rows.Scan(&a.SessionID, &a.AgentID, &a.Iteration, &a.AnalysisText, &a.Confidence, &keyPoints, &risks, &assumptions, &a.TokensIn, &a.TokensOut, &a.CostUSD, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(keyPoints, &a.KeyPoints)
		json.Unmarshal(risks, &a.Risks)
		json.Unmarshal(assumptions, &a.Assumptions)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Critiques(ctx context.Context, sessionID string, iteration int) ([]Critique, error) {
	return p.critiquesQuery(ctx, `session_id=$1 AND iteration=$2`, sessionID, iteration)
}

func (p *PostgresStore) CritiquesOf(ctx context.Context, sessionID string, iteration int, toAgent AgentID) ([]Critique, error) {
	return p.critiquesQuery(ctx, `session_id=$1 AND iteration=$2 AND to_agent=$3`, sessionID, iteration, toAgent)
}

func (p *PostgresStore) critiquesQuery(ctx context.Context, where string, args ...interface{}) ([]Critique, error) {
	rows, err := p.pool.Query(ctx, `
SELECT session_id, iteration, from_agent, to_agent, score, critique_text, weaknesses, strengths, created_at
FROM deliberation_critiques WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Critique
	for rows.Next() {
		var c Critique
		var weaknesses, strengths []byte
		if err := rows.Scan(&c.SessionID, &c.Iteration, &c.FromAgent, &c.ToAgent, &c.Score, &c.CritiqueText, &weaknesses, &strengths, &c.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(weaknesses, &c.Weaknesses)
		json.Unmarshal(strengths, &c.Strengths)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Syntheses(ctx context.Context, sessionID string) ([]Synthesis, error) {
	rows, err := p.pool.Query(ctx, `
SELECT session_id, iteration, summary, conclusions, recommendations, formalized_result, consensus_level, created_at
FROM deliberation_syntheses WHERE session_id=$1 ORDER BY iteration`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Synthesis
	for rows.Next() {
		var s Synthesis
		var conclusions, recommendations []byte
		if err := rows.Scan(&s.SessionID, &s.Iteration, &s.Summary, &conclusions, &recommendations, &s.FormalizedResult, &s.ConsensusLevel, &s.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(conclusions, &s.Conclusions)
		json.Unmarshal(recommendations, &s.Recommendations)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Metrics(ctx context.Context, sessionID string) ([]RunMetric, error) {
	rows, err := p.pool.Query(ctx, `
SELECT session_id, agent_id, model, phase, tokens_in, tokens_out, cost_usd, latency_ms, status, error_message, created_at
FROM deliberation_metrics WHERE session_id=$1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunMetric
	for rows.Next() {
		var m RunMetric
		if err := rows.Scan(&m.SessionID, &m.AgentID, &m.Model, &m.Phase, &m.TokensIn, &m.TokensOut, &m.CostUSD, &m.LatencyMS, &m.Status, &m.ErrorMessage, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Finalize(ctx context.Context, sessionID string, result FinalResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("deliberation: marshal final result: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO deliberation_final_results (session_id, result) VALUES ($1,$2)
ON CONFLICT (session_id) DO UPDATE SET result=$2`, sessionID, data)
	return err
}

func (p *PostgresStore) LoadFinalResult(ctx context.Context, sessionID string) (*FinalResult, error) {
	var data []byte
	row := p.pool.QueryRow(ctx, `SELECT result FROM deliberation_final_results WHERE session_id=$1`, sessionID)
	if err := row.Scan(&data); err != nil {
		return nil, nil
	}
	var result FinalResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("deliberation: unmarshal final result: %w", err)
	}
	return &result, nil
}
