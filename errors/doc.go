// Package errors provides a structured error taxonomy for task delegation
// in dispatchkit. It defines error codes and categories that let the
// coordinator decide, from the error alone, whether a failed assignment
// attempt should be retried or escalated.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (ack timeouts, bus outages)
//   - Permanent: Failures where retry will not help (retry budget spent, invalid input)
//   - Resource: Resource exhaustion (no eligible agent, capacity limits)
//   - Internal: Unexpected errors indicating bugs or system failures
//
// # Error Codes
//
// Delegation-specific codes carry the protocol outcome:
//
//   - NO_AGENT_AVAILABLE: No eligible agent at selection time
//   - ACK_TIMEOUT: No acknowledgment within the ack window
//   - ACK_REJECTED: Agent explicitly declined the task
//   - RETRIES_EXHAUSTED: Retry budget spent; task escalated
//   - BUS_UNAVAILABLE: Transport failure during publish or subscribe
//   - STATE_CONFLICT: Compare-and-swap transition rejected
//
// # Usage
//
// Create a protocol error:
//
//	err := errors.AckTimeout(taskID, agentID)
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "dispatching task")
//
// Branch on a specific code:
//
//	if errors.HasCode(err, errors.ErrCodeNoAgentAvailable) {
//	    // leave the task queued
//	}
//
// # JSON Serialization
//
// All errors support JSON serialization for cross-process reporting:
//
//	data, err := json.Marshal(codedErr)
//
// Errors can be deserialized back:
//
//	var codedErr errors.Error
//	json.Unmarshal(data, &codedErr)
package errors
