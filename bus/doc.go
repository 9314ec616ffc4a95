// Package bus provides message bus clients for coordinator-to-agent
// communication.
//
// # Overview
//
// The MessageBus interface enables fire-and-forget publish, channel-based
// subscriptions, and the bounded-wait acknowledgment pattern the
// delegation protocol is built on. Bus failures surface as errors; callers
// that dispatch work treat them like a missed acknowledgment and never
// assume delivery.
//
// # Available Implementations
//
//   - NATSBus: production messaging using NATS
//   - MemoryBus: in-memory implementation for testing and single-process use
//
// # Patterns
//
// Pub/Sub - broadcast to all subscribers:
//
//	bus.Publish("oversight:events", data)
//	sub, _ := bus.Subscribe("oversight:events")
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
//
// Queue Groups - load balanced across workers:
//
//	sub, _ := bus.QueueSubscribe("tasks:new", "workers")
//	// Only one worker in the group receives each dispatch
//
// Correlated acknowledgment - bounded wait on a per-task subject:
//
//	// Coordinator
//	bus.Publish("tasks:new", dispatch)
//	ack, err := bus.AwaitAck(ctx, "ack:"+taskID, 30*time.Second)
//
//	// Agent
//	bus.Publish("ack:"+taskID, acceptance)
//
// AwaitAck releases its subscription unconditionally, on message, timeout,
// and cancellation alike, so repeated retry rounds never leak
// subscriptions. A message published to one task's ack subject is never
// delivered to a waiter on another's.
package bus
