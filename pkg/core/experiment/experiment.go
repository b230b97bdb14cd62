// Package experiment is the A/B experiment service: an optional surface for
// trying candidate prompt variants against test inputs and comparing
// quality, latency, and cost. It never participates in normal session flow.
package experiment

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Experiment groups a set of prompt Variants being compared for one agent
// slot.
type Experiment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Variant is one candidate prompt content string under test.
type Variant struct {
	ID           string `json:"id"`
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
	Content      string `json:"content"`
}

// Run is a single execution of a Variant over a test_input, scored on
// quality, latency, and cost so winners can be picked.
type Run struct {
	ID        string    `json:"id"`
	VariantID string    `json:"variant_id"`
	TestInput string    `json:"test_input"`
	Output    string    `json:"output"`
	Quality   float64   `json:"quality"`
	LatencyMS int64     `json:"latency_ms"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// Store holds experiments, variants, and runs in memory. Like the metrics
// store, nothing in it survives a restart, whether or not a database is
// configured for session data.
type Store struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
	variants    map[string]*Variant
	runs        map[string][]*Run // keyed by variant id
}

// NewStore creates an empty experiment store.
func NewStore() *Store {
	return &Store{
		experiments: make(map[string]*Experiment),
		variants:    make(map[string]*Variant),
		runs:        make(map[string][]*Run),
	}
}

// CreateExperiment registers a new experiment and returns it.
func (s *Store) CreateExperiment(name, agentID string) *Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Experiment{ID: uuid.NewString(), Name: name, AgentID: agentID, CreatedAt: time.Now()}
	s.experiments[e.ID] = e
	return e
}

// AddVariant attaches a candidate prompt to an experiment.
func (s *Store) AddVariant(experimentID, name, content string) (*Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[experimentID]; !ok {
		return nil, fmt.Errorf("experiment: unknown experiment %s", experimentID)
	}
	v := &Variant{ID: uuid.NewString(), ExperimentID: experimentID, Name: name, Content: content}
	s.variants[v.ID] = v
	return v, nil
}

// RecordRun stores the outcome of one execution of a variant.
func (s *Store) RecordRun(variantID, testInput, output string, quality float64, latencyMS int64, costUSD float64) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.variants[variantID]; !ok {
		return nil, fmt.Errorf("experiment: unknown variant %s", variantID)
	}
	r := &Run{
		ID:        uuid.NewString(),
		VariantID: variantID,
		TestInput: testInput,
		Output:    output,
		Quality:   quality,
		LatencyMS: latencyMS,
		CostUSD:   costUSD,
		CreatedAt: time.Now(),
	}
	s.runs[variantID] = append(s.runs[variantID], r)
	return r, nil
}

// ListExperiments returns every registered experiment.
func (s *Store) ListExperiments() []*Experiment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Experiment, 0, len(s.experiments))
	for _, e := range s.experiments {
		out = append(out, e)
	}
	return out
}

// DeleteExperiment removes an experiment and its variants/runs.
func (s *Store) DeleteExperiment(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.experiments, id)
	for vid, v := range s.variants {
		if v.ExperimentID == id {
			delete(s.variants, vid)
			delete(s.runs, vid)
		}
	}
}

// Winner returns the variant of experimentID with the highest mean quality
// across its recorded runs, or nil if no runs exist yet.
func (s *Store) Winner(experimentID string) *Variant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Variant
	bestQuality := -1.0
	for _, v := range s.variants {
		if v.ExperimentID != experimentID {
			continue
		}
		runs := s.runs[v.ID]
		if len(runs) == 0 {
			continue
		}
		var total float64
		for _, r := range runs {
			total += r.Quality
		}
		mean := total / float64(len(runs))
		if mean > bestQuality {
			bestQuality = mean
			best = v
		}
	}
	return best
}
