// Package delegation implements the task delegation and acknowledgment
// protocol: hand a queued task to one of several autonomous worker
// agents, wait a bounded time for explicit acceptance, and absent
// acceptance retry with exponential backoff until the budget is spent
// and the task escalates to human oversight.
//
// # Roles
//
// The Coordinator owns the protocol state machine. One Assign call takes
// a queued task through selection, a compare-and-swap claim, dispatch on
// the shared tasks:new subject, and a bounded wait on the per-task
// ack:{task_id} subject. Silence, rejection, and transport failure all
// take the same retry path; only the recorded reason differs.
//
// The Selector picks the least-loaded active agent with spare capacity,
// breaking ties on agent ID. Selection repeats fresh on every retry, so
// a re-queued task may land on a different agent.
//
// The Sink performs escalation: the task becomes terminal with an error
// message, a durable record joins the escalation queue, and a
// notification goes out on oversight:events. The durable record is
// written before the publish, so no escalation is ever silent even when
// the bus is down.
//
// The Worker is the agent side: it replies with an explicit accept or
// reject for every dispatch addressed to it and drives accepted tasks
// through in_progress to completed or failed.
//
// # Retry semantics
//
// Each failed ack round increments the task's persisted retry count.
// The sleep before the next attempt is base^n seconds where n is the
// retry count before that round's increment, capped at a maximum. The
// ack wait itself is always the task's ack timeout; backoff governs only
// the sleep between retries. Retry state lives entirely on the task
// record, so a coordinator restarted mid-retry resumes exactly where the
// store says.
//
// # Durability and races
//
// Every transition is a conditional store update: two coordinators
// racing on the same task cannot both move it past assigned, and the
// loser backs off without publishing a duplicate dispatch. Every
// transition also appends exactly one audit event, mirrored on the
// events:{event_type} stream as a fire-and-forget notification.
package delegation
