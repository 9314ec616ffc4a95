package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements TaskStore using in-memory maps.
// Useful for testing and single-process scenarios.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	agents      map[string]*Agent
	events      []Event
	escalations map[string]*Escalation
	escOrder    []string
	closed      atomic.Bool
	now         func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets a custom time source, for deterministic tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		tasks:       make(map[string]*Task),
		agents:      make(map[string]*Agent),
		escalations: make(map[string]*Escalation),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask persists a new task in the queued state.
func (s *MemoryStore) CreateTask(ctx context.Context, task Task) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if task.Type == "" || task.MaxRetries < 0 {
		return nil, ErrInvalidTask
	}

	task.State = StateQueued
	task.RetryCount = 0
	task.CreatedAt = s.now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return nil, ErrTaskExists
	}
	s.tasks[task.ID] = task.Clone()
	return task.Clone(), nil
}

// GetTask retrieves a task by ID.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// UpdateState atomically transitions a task between states.
func (s *MemoryStore) UpdateState(ctx context.Context, id string, from []TaskState, to TaskState, extra Fields) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if !to.Valid() {
		return nil, ErrIllegalTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !stateIn(task.State, from) {
		return nil, ErrStateConflict
	}
	if !CanTransition(task.State, to) {
		return nil, ErrIllegalTransition
	}

	task.State = to
	stampTransition(task, to, s.now().UTC())

	if extra.AssignedAgentID != nil {
		task.AssignedAgentID = *extra.AssignedAgentID
	}
	if extra.ErrorMessage != nil {
		task.ErrorMessage = *extra.ErrorMessage
	}
	if to == StateQueued {
		// Stale agent references must not survive a re-queue.
		task.AssignedAgentID = ""
	}

	return task.Clone(), nil
}

// IncrementRetryCount atomically increments retry_count.
func (s *MemoryStore) IncrementRetryCount(ctx context.Context, id string) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	task.RetryCount++
	return task.Clone(), nil
}

// UpsertAgent adds or updates an agent record.
func (s *MemoryStore) UpsertAgent(ctx context.Context, agent Agent) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if agent.ID == "" || agent.Type == "" {
		return ErrInvalidAgent
	}

	agent.LastSeen = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := agent
	s.agents[agent.ID] = &rec
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	rec := *agent
	return &rec, nil
}

// SetAgentLoad records an agent's current load.
func (s *MemoryStore) SetAgentLoad(ctx context.Context, id string, load int) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	agent.CurrentLoad = load
	agent.LastSeen = s.now().UTC()
	return nil
}

// GetAvailableAgents returns eligible agents ordered by load, then ID.
func (s *MemoryStore) GetAvailableAgents(ctx context.Context, agentType string) ([]Agent, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Agent
	for _, agent := range s.agents {
		if agent.Type == agentType && agent.Available() {
			result = append(result, *agent)
		}
	}

	// Load ascending; ties broken by ID for deterministic selection.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CurrentLoad != result[j].CurrentLoad {
			return result[i].CurrentLoad < result[j].CurrentLoad
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// CreateEvent appends an audit event.
func (s *MemoryStore) CreateEvent(ctx context.Context, event Event) (*Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return &event, nil
}

// ListEvents returns events for a task in emission order.
func (s *MemoryStore) ListEvents(ctx context.Context, taskID string) ([]Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for _, event := range s.events {
		if taskID == "" || event.TaskID == taskID {
			result = append(result, event)
		}
	}
	return result, nil
}

// CreateEscalation appends a record to the escalation queue.
func (s *MemoryStore) CreateEscalation(ctx context.Context, esc Escalation) (*Escalation, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	if esc.ID == "" {
		esc.ID = uuid.NewString()
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := esc
	s.escalations[esc.ID] = &rec
	s.escOrder = append(s.escOrder, esc.ID)
	return &esc, nil
}

// PendingEscalations returns unresolved escalations, oldest first.
func (s *MemoryStore) PendingEscalations(ctx context.Context) ([]Escalation, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Escalation
	for _, id := range s.escOrder {
		if esc := s.escalations[id]; esc != nil && !esc.Resolved {
			result = append(result, *esc)
		}
	}
	return result, nil
}

// ResolveEscalation marks an escalation as handled.
func (s *MemoryStore) ResolveEscalation(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escalations[id]
	if !ok {
		return ErrEscalationNotFound
	}
	if esc.Resolved {
		return nil
	}
	now := s.now().UTC()
	esc.Resolved = true
	esc.ResolvedAt = &now
	return nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
