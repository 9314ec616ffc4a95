// Package shutdown provides graceful shutdown coordination for
// coordinator and worker processes.
//
// # Overview
//
// The shutdown package lets a delegation process stop cleanly: in-flight
// ack waits and backoff sleeps are cancelled so bus subscriptions are
// released, accepted tasks get a chance to finish, and the store and bus
// close last. It handles OS signals (SIGTERM, SIGINT) and provides
// ordered shutdown with dependency management.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                      ShutdownCoordinator                         │
//	├──────────────────────────────────────────────────────────────────┤
//	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────┐              │
//	│  │  Handler A  │→ │  Handler B  │→ │  Handler C  │  (ordered)   │
//	│  │  (Phase 1)  │  │  (Phase 2)  │  │  (Phase 3)  │              │
//	│  └─────────────┘  └─────────────┘  └─────────────┘              │
//	└──────────────────────────────────────────────────────────────────┘
//	                              ↑
//	                    SIGTERM / SIGINT / Shutdown()
//
// # Usage
//
// Basic usage with signal handling:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals() // SIGTERM, SIGINT
//
//	// Register handlers with phases (lower = earlier)
//	coord.RegisterWithPhase("delegation", delegationHandler, 10)
//	coord.RegisterWithPhase("workers", workerHandler, 20)
//	coord.RegisterWithPhase("bus", busHandler, 30)
//	coord.RegisterWithPhase("store", storeHandler, 40)
//
//	// Wait for shutdown
//	<-coord.Done()
//
// The delegation coordinator's Shutdown method is a ready-made handler:
// it cancels every in-flight assignment, which interrupts ack waits and
// backoff sleeps and releases the per-task subscriptions. Tasks caught
// mid-retry stay queued in the store and resume on the next Assign.
//
//	coord.RegisterFuncWithPhase("delegation", delegator.Shutdown, 10)
//
// Manual shutdown with timeout:
//
//	if err := coord.ShutdownWithTimeout(30 * time.Second); err != nil {
//	    log.Printf("Shutdown incomplete: %v", err)
//	}
//
// # Phases
//
// Phases control shutdown order. Lower phase numbers are shut down first.
// Typical phase assignments for a delegation process:
//
//   - 10: Delegation coordinator (cancel ack waits, stop new assignments)
//   - 20: Workers (finish or fail accepted tasks)
//   - 30: Message bus (close subscriptions and connection)
//   - 40: Task store (close the database)
//
// Handlers in the same phase are shut down concurrently.
package shutdown
