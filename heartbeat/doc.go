// Package heartbeat keeps the agent roster honest. Workers publish
// periodic liveness reports on a shared subject; a monitor alongside the
// coordinator consumes them, syncs each agent's load into the task
// store, and deactivates agents that go silent. Selection reads only
// the store, so an agent that stops reporting stops receiving tasks
// within one staleness window.
//
// Sending from a worker process:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      mb,
//	    AgentID:  "researcher-1",
//	    Interval: 5 * time.Second,
//	})
//	sender.Start(ctx)
//	// as tasks start and finish:
//	sender.SetLoad(inflight)
//
// Monitoring next to the coordinator:
//
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Bus:     mb,
//	    Store:   st,
//	    Timeout: 15 * time.Second, // 3 missed heartbeats
//	})
//	monitor.OnDown(func(agentID string) {
//	    log.Printf("agent %s presumed dead", agentID)
//	})
//	monitor.Start(ctx)
//
// All heartbeats share the literal subject heartbeat:agents; the agent
// ID travels in the payload. Set the monitor timeout to 2-3x the sender
// interval so a single dropped message does not bounce an agent.
package heartbeat
