// Package deliberation is the HTTP facade: synchronous, asynchronous, and
// streaming endpoints that drive the deliberation engine, plus the
// prompt/experiment/metrics studio surfaces. Plain net/http throughout:
// http.HandleFunc-compatible methods, manual CORS headers, encoding/json.
package deliberation

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/agent"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/engine"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/experiment"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/metrics"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/prompt"
)

// Handler holds every dependency the facade's endpoints need. One Handler
// per process, wired up in cmd/server/main.go.
type Handler struct {
	Manager     *engine.Manager
	Store       deliberation.Store
	Bindings    map[deliberation.AgentID]agent.Binding
	Experiments *experiment.Store
	Metrics     *metrics.Store
}

func NewHandler(mgr *engine.Manager, store deliberation.Store, bindings map[deliberation.AgentID]agent.Binding, experiments *experiment.Store, metricsStore *metrics.Store) *Handler {
	return &Handler{Manager: mgr, Store: store, Bindings: bindings, Experiments: experiments, Metrics: metricsStore}
}

func cors(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleHealth answers GET /health: liveness plus the configured agent
// roster. Provider reachability is reported as "configured" rather than
// probed live — probing would spend real provider budget on every health
// check.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cors(w)
	type agentStatus struct {
		AgentID string `json:"agent_id"`
		Model   string `json:"default_model"`
		Status  string `json:"status"`
	}
	agents := make([]agentStatus, 0, len(h.Bindings))
	for id, b := range h.Bindings {
		agents = append(agents, agentStatus{AgentID: string(id), Model: b.DefaultModel, Status: "configured"})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"source": h.Store.Source(),
		"agents": agents,
	})
}

// HandleAgents answers GET /agents: role, default model, and enabled flag
// per configured seat.
func (h *Handler) HandleAgents(w http.ResponseWriter, r *http.Request) {
	cors(w)
	type agentInfo struct {
		AgentID      string `json:"agent_id"`
		Role         string `json:"role"`
		DefaultModel string `json:"default_model"`
		Enabled      bool   `json:"enabled"`
	}
	roles := map[deliberation.AgentID]string{
		deliberation.AgentLogicalAnalyst:        "Logical Analyst",
		deliberation.AgentSystemsArchitect:      "Systems Architect",
		deliberation.AgentAlternativesGenerator: "Alternatives Generator",
		deliberation.AgentFormalAnalyst:         "Formal Analyst",
	}
	out := make([]agentInfo, 0, len(h.Bindings))
	for _, id := range deliberation.AllAgents {
		b, ok := h.Bindings[id]
		if !ok {
			continue
		}
		out = append(out, agentInfo{AgentID: string(id), Role: roles[id], DefaultModel: b.DefaultModel, Enabled: true})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

// analyzeRequest is the body shape for both /analyze and /analyze/async.
type analyzeRequest struct {
	Task               string                          `json:"task"`
	TaskType           string                          `json:"task_type"`
	Context            string                          `json:"context,omitempty"`
	EnabledAgents      []string                        `json:"enabled_agents,omitempty"`
	Models             map[deliberation.AgentID]string `json:"models,omitempty"`
	Temperature        *float64                        `json:"temperature,omitempty"`
	MaxIterations      *int                            `json:"max_iterations,omitempty"`
	ConsensusThreshold *float64                        `json:"consensus_threshold,omitempty"`
	BudgetUSD          *float64                        `json:"budget_usd,omitempty"`
	SynthesizerAgent   string                          `json:"synthesizer_agent,omitempty"`
	Mode               string                          `json:"mode,omitempty"`
}

func (h *Handler) settingsFromRequest(req analyzeRequest) deliberation.Settings {
	enabled := make([]deliberation.AgentID, 0, len(req.EnabledAgents))
	for _, a := range req.EnabledAgents {
		enabled = append(enabled, deliberation.AgentID(a))
	}
	if len(enabled) == 0 {
		enabled = append(enabled, deliberation.AllAgents...)
	}

	temperature := 0.7
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxIterations := 3
	if req.MaxIterations != nil {
		maxIterations = *req.MaxIterations
	}
	consensusThreshold := 0.75
	if req.ConsensusThreshold != nil {
		consensusThreshold = *req.ConsensusThreshold
	}
	budget := 5.0
	if req.BudgetUSD != nil {
		budget = *req.BudgetUSD
	}

	return deliberation.Settings{
		EnabledAgents:      enabled,
		Models:             req.Models,
		Temperature:        temperature,
		MaxIterations:      maxIterations,
		ConsensusThreshold: consensusThreshold,
		BudgetUSD:          budget,
		SynthesizerAgent:   deliberation.AgentID(req.SynthesizerAgent),
		Mode:               req.Mode,
	}
}

// HandleAnalyze answers POST /analyze: runs the state machine to completion
// inline and returns the FinalResult.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}

	settings := h.settingsFromRequest(req)
	result, err := h.Manager.RunSync(r.Context(), req.Task, deliberation.TaskType(req.TaskType), req.Context, settings)
	if err != nil {
		http.Error(w, fmt.Sprintf("analyze failed: %v", err), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if result.Error != nil && result.Error.Reason == "budget_exhausted" {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]interface{}{
		"result": result,
		"source": h.Store.Source(),
	})
}

// HandleAnalyzeAsync answers POST /analyze/async: registers a session and
// returns its id immediately; the engine runs on a background goroutine.
func (h *Handler) HandleAnalyzeAsync(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}

	settings := h.settingsFromRequest(req)
	session, err := h.Manager.Start(r.Context(), req.Task, deliberation.TaskType(req.TaskType), req.Context, settings)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to start session: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": session.ID})
}

// HandleTask answers GET /tasks/{id}: {status, progress?, result?, error?}.
// Path parsing is a manual trailing-segment split; an ?id= query param also
// works.
func (h *Handler) HandleTask(w http.ResponseWriter, r *http.Request) {
	cors(w)
	id := r.URL.Query().Get("id")
	if id == "" {
		id = lastPathSegment(r.URL.Path)
	}
	if id == "" {
		http.Error(w, "task id is required", http.StatusBadRequest)
		return
	}

	session, err := h.Store.LoadSession(r.Context(), id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{"status": session.Status}
	if session.Status == deliberation.StatusCompleted || session.Status == deliberation.StatusFailed || session.Status == deliberation.StatusCancelled {
		if result, err := h.Store.LoadFinalResult(r.Context(), id); err == nil {
			resp["result"] = result
		}
	}
	if session.FailureReason != "" {
		resp["error"] = session.FailureReason
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStream answers GET /analyze/stream?id=...: server-sent events for
// one session's lifecycle. Replays the session's event history first, then
// pipes live events with a 15s heartbeat until the client disconnects or
// the stream closes.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "text/event-stream")

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing 'id' query parameter", http.StatusBadRequest)
		return
	}

	ch, history, ok := h.Manager.Subscribe(id)
	if !ok {
		http.Error(w, "session not found or already finished", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	for _, ev := range history {
		if err := sendSSE(w, flusher, ev); err != nil {
			return
		}
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	notify := r.Context().Done()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := sendSSE(w, flusher, ev); err != nil {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-notify:
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, data interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// questionRequest is the body for routing a human question into an
// interactive session paused in AwaitingInput.
type questionRequest struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	Question string `json:"question"`
}

// HandleQuestion answers POST /tasks/question: submits a human question to
// a specific agent of an interactive session currently paused at a phase
// boundary.
func (h *Handler) HandleQuestion(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.AgentID == "" || req.Question == "" {
		http.Error(w, "task_id, agent_id, and question are required", http.StatusBadRequest)
		return
	}
	answer, ok := h.Manager.AskQuestion(req.TaskID, engine.HumanQuestion{AgentID: deliberation.AgentID(req.AgentID), Question: req.Question})
	if !ok {
		http.Error(w, "session is not awaiting input", http.StatusConflict)
		return
	}
	if answer.Err != nil {
		http.Error(w, fmt.Sprintf("agent failed to answer: %v", answer.Err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": string(answer.AgentID), "answer": answer.Answer})
}

// HandleResume answers POST /tasks/resume (task_id in the JSON body):
// releases an interactive session's current pause.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if !h.Manager.ResumeSession(req.TaskID) {
		http.Error(w, "session is not awaiting input", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// --- Studio: prompts ---

type promptRequest struct {
	AgentID    string      `json:"agent_id"`
	PromptType prompt.Type `json:"prompt_type"`
	Content    string      `json:"content"`
	Version    int         `json:"version"`
	Activate   bool        `json:"activate"`
}

// HandleStudioPrompts serves GET/POST/PUT /studio/prompts: list active
// templates on GET, register a new version on POST, and (PUT) register a
// version with Activate forced true to flip the active pointer.
func (h *Handler) HandleStudioPrompts(w http.ResponseWriter, r *http.Request) {
	cors(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		agentID := r.URL.Query().Get("agent_id")
		ptype := prompt.Type(r.URL.Query().Get("prompt_type"))
		if agentID == "" || ptype == "" {
			out := make([]prompt.Template, 0)
			for _, id := range deliberation.AllAgents {
				for _, t := range []prompt.Type{prompt.TypeSystem, prompt.TypeCritique, prompt.TypeUserTemplate, prompt.TypeSynthesis} {
					if content := prompt.Resolve(string(id), t); content != "" {
						out = append(out, prompt.Template{AgentID: string(id), PromptType: t, Content: content, IsActive: true})
					}
				}
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"prompts": out})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"versions": prompt.Get().ListVersions(agentID, ptype)})
	case http.MethodPost, http.MethodPut:
		var req promptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.AgentID == "" || req.Content == "" {
			http.Error(w, "agent_id and content are required", http.StatusBadRequest)
			return
		}
		if req.Version < 1 {
			req.Version = len(prompt.Get().ListVersions(req.AgentID, req.PromptType)) + 1
		}
		t := &prompt.Template{AgentID: req.AgentID, PromptType: req.PromptType, Version: req.Version, Content: req.Content, IsActive: req.Activate || r.Method == http.MethodPut}
		if err := prompt.Get().Register(t); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, t)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Studio: experiments ---

type experimentRequest struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
}

type variantRequest struct {
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
	Content      string `json:"content"`
}

// HandleStudioExperiments serves GET/POST/DELETE /studio/experiments:
// GET lists, POST creates (or adds a variant when variant fields are
// present), DELETE removes by ?id=.
func (h *Handler) HandleStudioExperiments(w http.ResponseWriter, r *http.Request) {
	cors(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"experiments": h.Experiments.ListExperiments()})
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		var vreq variantRequest
		if err := json.Unmarshal(body, &vreq); err == nil && vreq.ExperimentID != "" && vreq.Content != "" {
			variant, err := h.Experiments.AddVariant(vreq.ExperimentID, vreq.Name, vreq.Content)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusOK, variant)
			return
		}
		var ereq experimentRequest
		if err := json.Unmarshal(body, &ereq); err != nil || ereq.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		exp := h.Experiments.CreateExperiment(ereq.Name, ereq.AgentID)
		writeJSON(w, http.StatusOK, exp)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id query parameter is required", http.StatusBadRequest)
			return
		}
		h.Experiments.DeleteExperiment(id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Studio: metrics ---

// HandleStudioMetrics answers GET /studio/metrics?period=1h|24h|7d|30d.
func (h *Handler) HandleStudioMetrics(w http.ResponseWriter, r *http.Request) {
	cors(w)
	period := metrics.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = metrics.Period24h
	}
	writeJSON(w, http.StatusOK, h.Metrics.Summarize(period, time.Now()))
}

func lastPathSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
