// Wire format for the delegation protocol. Channel names and payload
// shapes are fixed for interop with existing workers; payloads are
// validated at the bus boundary instead of trusting shape at every call
// site.
package delegation

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidMessage indicates a payload failed boundary validation.
var ErrInvalidMessage = errors.New("invalid message")

// Channel names. Ack and event subjects are per-correlation and built by
// the functions below.
const (
	// SubjectTasksNew carries fire-and-forget task dispatches.
	SubjectTasksNew = "tasks:new"

	// SubjectOversight carries escalation/human-notification events.
	SubjectOversight = "oversight:events"

	ackPrefix   = "ack:"
	eventPrefix = "events:"
)

// AckSubject returns the per-task acknowledgment subject, "ack:{task_id}".
func AckSubject(taskID string) string {
	return ackPrefix + taskID
}

// EventSubject returns the general event stream subject for an event
// type, "events:{event_type}".
func EventSubject(eventType string) string {
	return eventPrefix + eventType
}

// Event types emitted by the protocol, one per transition.
const (
	EventTaskAssigned  = "task_assigned"
	EventTaskAcked     = "task_acked"
	EventTaskNoAck     = "task_no_ack"
	EventTaskEscalated = "task_escalated"
)

// ReasonMaxRetries is the escalation reason recorded when the retry
// budget is exhausted.
const ReasonMaxRetries = "max_retries_exceeded"

// DispatchData is the inner body of a task dispatch.
type DispatchData struct {
	TaskID    string          `json:"task_id"`
	AgentID   string          `json:"agent_id"`
	TaskType  string          `json:"task_type"`
	InputData json.RawMessage `json:"input_data,omitempty"`
}

// TaskDispatch is the envelope published to tasks:new.
type TaskDispatch struct {
	TaskID    string       `json:"task_id"`
	Data      DispatchData `json:"data"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewTaskDispatch builds a dispatch envelope with a UTC timestamp.
func NewTaskDispatch(taskID, agentID, taskType string, input json.RawMessage) *TaskDispatch {
	return &TaskDispatch{
		TaskID: taskID,
		Data: DispatchData{
			TaskID:    taskID,
			AgentID:   agentID,
			TaskType:  taskType,
			InputData: input,
		},
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks required fields.
func (d *TaskDispatch) Validate() error {
	if d.TaskID == "" || d.Data.TaskID == "" || d.Data.AgentID == "" || d.Data.TaskType == "" {
		return ErrInvalidMessage
	}
	return nil
}

// Marshal serializes the dispatch to JSON.
func (d *TaskDispatch) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalTaskDispatch deserializes and validates a dispatch.
func UnmarshalTaskDispatch(data []byte) (*TaskDispatch, error) {
	var d TaskDispatch
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Ack is the agent's reply on ack:{task_id}, accepting or rejecting an
// assigned task.
type Ack struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Accepted  bool      `json:"accepted"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAck builds an acknowledgment with a UTC timestamp.
func NewAck(taskID, agentID string, accepted bool) *Ack {
	return &Ack{
		TaskID:    taskID,
		AgentID:   agentID,
		Accepted:  accepted,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks required fields.
func (a *Ack) Validate() error {
	if a.TaskID == "" || a.AgentID == "" {
		return ErrInvalidMessage
	}
	return nil
}

// Marshal serializes the ack to JSON.
func (a *Ack) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalAck deserializes and validates an acknowledgment.
func UnmarshalAck(data []byte) (*Ack, error) {
	var a Ack
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// EventEnvelope is the payload for events:{event_type} and
// oversight:events.
type EventEnvelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEventEnvelope builds an event envelope with a UTC timestamp. The
// data value must marshal cleanly; callers pass maps or structs.
func NewEventEnvelope(eventType string, data any) (*EventEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &EventEnvelope{
		EventType: eventType,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Validate checks required fields.
func (e *EventEnvelope) Validate() error {
	if e.EventType == "" {
		return ErrInvalidMessage
	}
	return nil
}

// Marshal serializes the envelope to JSON.
func (e *EventEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEventEnvelope deserializes and validates an event envelope.
func UnmarshalEventEnvelope(data []byte) (*EventEnvelope, error) {
	var e EventEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// mustJSON marshals event data for audit records. Inputs are maps of
// scalars built in this package; marshaling cannot fail on them.
func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
