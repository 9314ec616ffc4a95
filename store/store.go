package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAgentNotFound indicates the requested agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrEscalationNotFound indicates the requested escalation does not exist.
	ErrEscalationNotFound = errors.New("escalation not found")

	// ErrStateConflict indicates a compare-and-swap transition was rejected
	// because the task state changed underneath the caller.
	ErrStateConflict = errors.New("task state conflict")

	// ErrIllegalTransition indicates the requested edge is not part of the
	// task state machine.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrInvalidTask indicates the task is missing required fields.
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskExists indicates a caller-supplied task ID is already taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrInvalidAgent indicates the agent record is missing required fields.
	ErrInvalidAgent = errors.New("invalid agent")

	// ErrClosed indicates the underlying store has been closed.
	ErrClosed = errors.New("store closed")
)

// Defaults applied by NewTask. CreateTask persists tasks as given, so a
// caller may set MaxRetries to zero (escalate after the first missed ack)
// or use sub-second ack timeouts in tests.
const (
	DefaultMaxRetries  = 3
	DefaultAckTimeout  = 30 * time.Second
	DefaultTaskTimeout = 300 * time.Second
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// StateQueued indicates the task is waiting for assignment.
	StateQueued TaskState = "queued"

	// StateAssigned indicates the task has been dispatched to an agent
	// and the coordinator is awaiting acknowledgment.
	StateAssigned TaskState = "assigned"

	// StateAcked indicates the agent explicitly accepted the task.
	StateAcked TaskState = "acked"

	// StateInProgress indicates the agent has started execution.
	StateInProgress TaskState = "in_progress"

	// StateCompleted indicates the task finished successfully.
	StateCompleted TaskState = "completed"

	// StateVerified indicates the task output passed verification.
	StateVerified TaskState = "verified"

	// StateFailed indicates the task permanently failed during execution.
	StateFailed TaskState = "failed"

	// StateEscalated indicates automated retry was exhausted and the task
	// was handed off to human oversight.
	StateEscalated TaskState = "escalated"
)

// String returns the string representation of the state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if no further automatic transition is allowed.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateVerified, StateFailed, StateEscalated:
		return true
	default:
		return false
	}
}

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case StateQueued, StateAssigned, StateAcked, StateInProgress,
		StateCompleted, StateVerified, StateFailed, StateEscalated:
		return true
	default:
		return false
	}
}

// transitions enumerates the legal edges of the task state machine.
var transitions = map[TaskState][]TaskState{
	StateQueued:     {StateAssigned, StateEscalated},
	StateAssigned:   {StateAcked, StateQueued, StateEscalated},
	StateAcked:      {StateInProgress},
	StateInProgress: {StateCompleted, StateVerified, StateFailed},
}

// CanTransition returns true if the edge from → to is part of the
// task state machine.
func CanTransition(from, to TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is a unit of work with a lifecycle state, assigned to at most one
// agent at a time.
type Task struct {
	// ID uniquely identifies the task. Generated on creation if empty.
	ID string `json:"id"`

	// Type selects which kind of agent can execute the task.
	Type string `json:"task_type"`

	// State is the current lifecycle state.
	State TaskState `json:"state"`

	// Priority orders tasks for external schedulers. Not interpreted
	// by the delegation protocol itself.
	Priority int `json:"priority"`

	// Input is the opaque structured payload handed to the agent.
	Input json.RawMessage `json:"input_data,omitempty"`

	// AssignedAgentID is the agent recorded for the current assignment
	// attempt. Cleared on re-queue, overwritten on reassignment.
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`

	// RetryCount is the number of failed acknowledgment rounds so far.
	RetryCount int `json:"retry_count"`

	// MaxRetries bounds the number of retry rounds before escalation.
	MaxRetries int `json:"max_retries"`

	// AckTimeout bounds each wait for agent acknowledgment.
	AckTimeout time.Duration `json:"ack_timeout"`

	// TaskTimeout bounds total task execution time. Enforced by external
	// watchdogs, carried here for dispatch.
	TaskTimeout time.Duration `json:"task_timeout"`

	// ErrorMessage records why the task escalated or failed.
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
}

// NewTask creates a task of the given type with protocol defaults.
func NewTask(taskType string, input json.RawMessage) Task {
	return Task{
		Type:        taskType,
		Input:       input,
		MaxRetries:  DefaultMaxRetries,
		AckTimeout:  DefaultAckTimeout,
		TaskTimeout: DefaultTaskTimeout,
	}
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Input != nil {
		clone.Input = make(json.RawMessage, len(t.Input))
		copy(clone.Input, t.Input)
	}
	clone.AssignedAt = cloneTime(t.AssignedAt)
	clone.AckedAt = cloneTime(t.AckedAt)
	clone.StartedAt = cloneTime(t.StartedAt)
	clone.CompletedAt = cloneTime(t.CompletedAt)
	clone.EscalatedAt = cloneTime(t.EscalatedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Agent is a worker capable of accepting tasks of a given type, with a
// load capacity. Load bookkeeping is an external concern; the store only
// records it for selection.
type Agent struct {
	ID          string    `json:"id"`
	Type        string    `json:"agent_type"`
	IsActive    bool      `json:"is_active"`
	CurrentLoad int       `json:"current_load"`
	MaxLoad     int       `json:"max_load"`
	LastSeen    time.Time `json:"last_seen"`
}

// Available returns true if the agent is eligible for selection.
func (a *Agent) Available() bool {
	return a.IsActive && a.CurrentLoad < a.MaxLoad
}

// Event is an append-only audit record. One event is emitted per protocol
// transition; correctness never depends on reading events back.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"event_data,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Escalation is a durable record in the escalation queue, awaiting
// human pickup.
type Escalation struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Fields carries optional extra columns written alongside a state
// transition. Nil pointers leave the current value untouched.
type Fields struct {
	// AssignedAgentID records the agent for this assignment attempt.
	AssignedAgentID *string

	// ErrorMessage records the escalation or failure reason.
	ErrorMessage *string
}

// TaskStore is the single source of truth for task, agent, event, and
// escalation state. Conflicting writes are serialized per task id;
// UpdateState has compare-and-swap semantics on the expected state.
type TaskStore interface {
	// CreateTask persists a new task in the queued state. An ID is
	// generated when empty. Retry and timeout fields are stored as
	// given; a zero max_retries means escalate on the first miss, and
	// NewTask supplies protocol defaults for callers that want them.
	// Returns ErrTaskExists when a caller-supplied ID is already taken.
	CreateTask(ctx context.Context, task Task) (*Task, error)

	// GetTask retrieves a task by ID.
	// Returns ErrTaskNotFound if it does not exist.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateState atomically transitions a task from one of the expected
	// states to a new state, stamping the state-specific timestamp on
	// first entry. Returns ErrStateConflict if the current state is not
	// in from, ErrIllegalTransition if the edge is not legal.
	UpdateState(ctx context.Context, id string, from []TaskState, to TaskState, extra Fields) (*Task, error)

	// IncrementRetryCount atomically increments retry_count and returns
	// the updated task.
	IncrementRetryCount(ctx context.Context, id string) (*Task, error)

	// UpsertAgent adds or updates an agent record.
	UpsertAgent(ctx context.Context, agent Agent) error

	// GetAgent retrieves an agent by ID.
	GetAgent(ctx context.Context, id string) (*Agent, error)

	// SetAgentLoad records an agent's current load. External bookkeeping
	// calls this in response to task state changes.
	SetAgentLoad(ctx context.Context, id string, load int) error

	// GetAvailableAgents returns agents of the given type with
	// is_active = true and current_load < max_load, ordered by
	// current_load ascending then ID ascending.
	GetAvailableAgents(ctx context.Context, agentType string) ([]Agent, error)

	// CreateEvent appends an audit event. ID and timestamp are filled
	// when empty. Events are never mutated or deleted.
	CreateEvent(ctx context.Context, event Event) (*Event, error)

	// ListEvents returns events for a task in emission order.
	ListEvents(ctx context.Context, taskID string) ([]Event, error)

	// CreateEscalation appends a record to the durable escalation queue.
	CreateEscalation(ctx context.Context, esc Escalation) (*Escalation, error)

	// PendingEscalations returns unresolved escalations, oldest first.
	PendingEscalations(ctx context.Context) ([]Escalation, error)

	// ResolveEscalation marks an escalation as handled.
	ResolveEscalation(ctx context.Context, id string) error

	// Close releases resources held by the store.
	Close() error
}

// stampTransition sets the timestamp field that corresponds to the new
// state. Each field is set exactly once; re-entry keeps the first stamp.
func stampTransition(task *Task, to TaskState, now time.Time) {
	switch to {
	case StateAssigned:
		if task.AssignedAt == nil {
			task.AssignedAt = &now
		}
	case StateAcked:
		if task.AckedAt == nil {
			task.AckedAt = &now
		}
	case StateInProgress:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case StateCompleted, StateVerified, StateFailed:
		if task.CompletedAt == nil {
			task.CompletedAt = &now
		}
	case StateEscalated:
		if task.EscalatedAt == nil {
			task.EscalatedAt = &now
		}
	}
}

// stateIn reports whether s is one of the expected states.
func stateIn(s TaskState, set []TaskState) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
