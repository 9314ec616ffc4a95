// Package store provides the durable record of tasks, agents, events, and
// escalations for the delegation protocol.
//
// The TaskStore is the single source of truth for protocol state. Every
// state change goes through UpdateState, which has compare-and-swap
// semantics on the expected current state: of two coordinators racing to
// move the same task, exactly one wins and the other observes
// ErrStateConflict. That conditional write is the mutual-exclusion gate
// the rest of the protocol relies on.
//
// # Task Lifecycle
//
// Tasks move along the following edges:
//
//	queued → assigned → acked → in_progress → {completed | verified | failed}
//	assigned → queued        (acknowledgment missed, retry)
//	assigned|queued → escalated   (retry exhausted, terminal)
//
// Timestamps (assigned_at, acked_at, started_at, completed_at,
// escalated_at) are stamped automatically on first entry into the
// corresponding state and never overwritten.
//
// # Implementations
//
//   - MemoryStore: mutex-guarded maps for tests and single-process use
//   - SQLiteStore: durable single-file database; the CAS transition is a
//     conditional UPDATE so contention is per row, not per store
//
// # Events and Escalations
//
// Events are append-only audit records, one per protocol transition. The
// escalation table is the durable queue human operators drain; a task
// never escalates without a row landing here first.
package store
