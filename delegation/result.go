package delegation

import "time"

// Outcome classifies how an assignment call ended.
type Outcome string

const (
	// OutcomeAcked means an agent accepted the task within the ack
	// window. The task is in the acked state.
	OutcomeAcked Outcome = "acked"

	// OutcomeEscalated means the retry budget was spent without an
	// acceptance. The task is terminal and a durable escalation record
	// exists.
	OutcomeEscalated Outcome = "escalated"
)

// AssignmentResult reports the final disposition of one Assign call.
type AssignmentResult struct {
	// TaskID identifies the task that was assigned.
	TaskID string `json:"task_id"`

	// Outcome is the terminal disposition of the call.
	Outcome Outcome `json:"outcome"`

	// AgentID is the agent that acknowledged, when Outcome is acked.
	AgentID string `json:"agent_id,omitempty"`

	// RetryCount is the task's retry count when the call ended.
	RetryCount int `json:"retry_count"`

	// Attempts is the number of dispatch rounds this call made,
	// including the successful or final one.
	Attempts int `json:"attempts"`

	// Reason is the escalation reason, when Outcome is escalated.
	Reason string `json:"reason,omitempty"`

	// AckWait is how long the accepting agent took to respond, when
	// Outcome is acked.
	AckWait time.Duration `json:"ack_wait,omitempty"`
}

// Acked reports whether the assignment ended with an acceptance.
func (r *AssignmentResult) Acked() bool {
	return r.Outcome == OutcomeAcked
}

// Escalated reports whether the assignment ended in escalation.
func (r *AssignmentResult) Escalated() bool {
	return r.Outcome == OutcomeEscalated
}
