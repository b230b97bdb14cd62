package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/agent"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/events"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/metrics"
)

// The janitor ticks hourly, evicting any handle whose session has sat in a
// terminal status for more than 24h.
const (
	janitorInterval = time.Hour
	retentionWindow = 24 * time.Hour
)

// handle tracks one in-flight or finished session's runtime state: its
// engine-private cancel func, its event stream, and (for interactive
// sessions) its Control side channel.
type handle struct {
	cancel     context.CancelFunc
	stream     *events.Stream
	control    *Control
	done       chan struct{}
	finishedAt time.Time // zero until the session reaches a terminal status
}

// Manager is the multi-session owner: it creates sessions, starts one
// Engine.Run goroutine per session, and gives
// the HTTP facade a narrow surface for the synchronous, asynchronous, and
// streaming analyze endpoints without every caller needing to know about
// goroutines or contexts. A background janitor goroutine evicts finished
// handles past the retention window so long-lived processes don't
// accumulate one event Stream per session forever.
type Manager struct {
	store    deliberation.Store
	runner   *agent.Runner
	metrics  *metrics.Store
	baseline deliberation.BaselineProvider

	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager builds a Manager over store, runner, and an optional metrics
// store, and starts its janitor goroutine. store may be either the
// in-memory or the Postgres-backed Store implementation; the Manager itself
// is storage-agnostic.
func NewManager(store deliberation.Store, runner *agent.Runner, metricsStore *metrics.Store) *Manager {
	m := &Manager{
		store:   store,
		runner:  runner,
		metrics: metricsStore,
		handles: make(map[string]*handle),
	}
	go m.janitor()
	return m
}

// WithBaseline attaches an optional BaselineProvider applied to every
// session this Manager subsequently starts, and returns the same Manager
// for chaining.
func (m *Manager) WithBaseline(b deliberation.BaselineProvider) *Manager {
	m.baseline = b
	return m
}

// janitor runs for the lifetime of the process, evicting handles whose
// session finished more than retentionWindow ago.
func (m *Manager) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-retentionWindow)
		m.mu.Lock()
		for id, h := range m.handles {
			if !h.finishedAt.IsZero() && h.finishedAt.Before(cutoff) {
				h.stream.CloseAll()
				delete(m.handles, id)
			}
		}
		m.mu.Unlock()
	}
}

// Start creates a new session from settings, persists its initial Pending
// row, and launches the Engine in its own goroutine. It returns immediately
// with the session's ID; callers poll Status/Result or use Subscribe for
// progress — the task-id shape the analyze/async endpoint exposes.
func (m *Manager) Start(parent context.Context, taskText string, taskType deliberation.TaskType, contextText string, settings deliberation.Settings) (*deliberation.Session, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	session := &deliberation.Session{
		ID:          uuid.NewString(),
		TaskText:    taskText,
		TaskType:    taskType,
		ContextText: contextText,
		Status:      deliberation.StatusPending,
		Settings:    settings,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := m.store.CreateSession(parent, session); err != nil {
		return nil, fmt.Errorf("engine: create session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stream := events.NewStream()
	var control *Control
	if settings.Interactive() {
		control = NewControl()
	}
	h := &handle{cancel: cancel, stream: stream, control: control, done: make(chan struct{})}

	m.mu.Lock()
	m.handles[session.ID] = h
	m.mu.Unlock()

	eng := New(m.store, m.runner, stream, m.metrics).WithBaseline(m.baseline)
	go func() {
		defer close(h.done)
		eng.Run(runCtx, session, control)
		m.mu.Lock()
		h.finishedAt = time.Now()
		m.mu.Unlock()
	}()

	return session, nil
}

// RunSync runs a session's full deliberation to completion inline, blocking
// until it reaches a terminal status or ctx is cancelled. It is the
// synchronous analyze endpoint's building block: no goroutine leaks across
// requests since the caller's own request context bounds the work.
func (m *Manager) RunSync(ctx context.Context, taskText string, taskType deliberation.TaskType, contextText string, settings deliberation.Settings) (*deliberation.FinalResult, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	session := &deliberation.Session{
		ID:          uuid.NewString(),
		TaskText:    taskText,
		TaskType:    taskType,
		ContextText: contextText,
		Status:      deliberation.StatusPending,
		Settings:    settings,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("engine: create session: %w", err)
	}
	stream := events.NewStream()
	eng := New(m.store, m.runner, stream, m.metrics).WithBaseline(m.baseline)
	return eng.Run(ctx, session, nil)
}

// Status reports a session's current lifecycle status by delegating to the
// Store, so it reflects the latest value regardless of whether the engine
// goroutine updated it moments ago.
func (m *Manager) Status(ctx context.Context, sessionID string) (deliberation.Status, error) {
	session, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return session.Status, nil
}

// Result returns the FinalResult for a finished session, or an error if it
// hasn't finalized yet.
func (m *Manager) Result(ctx context.Context, sessionID string) (*deliberation.FinalResult, error) {
	return m.store.LoadFinalResult(ctx, sessionID)
}

// Subscribe exposes the session's live event stream for the SSE endpoint.
// Returns nil if the session was never started through this Manager
// instance (e.g. after a process restart, where only the Store survives).
func (m *Manager) Subscribe(sessionID string) (chan events.Event, []events.Event, bool) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	ch, history := h.stream.Subscribe()
	return ch, history, true
}

// Cancel requests cancellation of an in-flight session; the Engine observes
// ctx.Err() at the next phase boundary and finishes with StatusCancelled.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no running session %s", sessionID)
	}
	h.cancel()
	return nil
}

// AskQuestion routes a human question to an interactive session. A question
// sent while the session is not paused waits for its next pause. Returns
// false if the session has no interactive side channel, its question queue
// is full, or no answer arrives within 90 seconds.
func (m *Manager) AskQuestion(sessionID string, q HumanQuestion) (HumanAnswer, bool) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok || h.control == nil {
		return HumanAnswer{}, false
	}
	select {
	case h.control.Questions <- q:
	default:
		return HumanAnswer{}, false
	}
	select {
	case a := <-h.control.Answers:
		return a, true
	case <-time.After(90 * time.Second):
		return HumanAnswer{}, false
	}
}

// ResumeSession releases an interactive session's current AwaitingInput
// pause so the run continues to the next phase; sent while the session is
// not paused, it releases the next pause. Returns false if the session has
// no interactive side channel or a resume signal is already pending.
func (m *Manager) ResumeSession(sessionID string) bool {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok || h.control == nil {
		return false
	}
	select {
	case h.control.Resume <- struct{}{}:
		return true
	default:
		return false
	}
}

// Wait blocks until the named session's goroutine has returned, for tests
// that need a deterministic completion signal instead of polling Status.
func (m *Manager) Wait(sessionID string) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	<-h.done
}
