package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/store"
)

func newMonitorRig(t *testing.T, timeout, checkInterval time.Duration) (*Monitor, *bus.MemoryBus, *store.MemoryStore) {
	t.Helper()

	mb := bus.NewMemoryBus(bus.DefaultConfig())
	st := store.NewMemoryStore()
	t.Cleanup(func() {
		mb.Close()
		st.Close()
	})

	mon, err := NewMonitor(MonitorConfig{
		Bus:           mb,
		Store:         st,
		Timeout:       timeout,
		CheckInterval: checkInterval,
	})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return mon, mb, st
}

func registerAgent(t *testing.T, st *store.MemoryStore, id string, active bool) {
	t.Helper()
	err := st.UpsertAgent(context.Background(), store.Agent{
		ID:       id,
		Type:     "research",
		IsActive: active,
		MaxLoad:  3,
	})
	if err != nil {
		t.Fatalf("UpsertAgent(%s): %v", id, err)
	}
}

func beat(t *testing.T, mb *bus.MemoryBus, hb Heartbeat) {
	t.Helper()
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	data, err := hb.Marshal()
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	if err := mb.Publish(Subject, data); err != nil {
		t.Fatalf("publish heartbeat: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMonitorConfigValidate(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()
	st := store.NewMemoryStore()
	defer st.Close()

	if _, err := NewMonitor(MonitorConfig{Store: st}); err != ErrInvalidConfig {
		t.Errorf("missing bus: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewMonitor(MonitorConfig{Bus: mb}); err != ErrInvalidConfig {
		t.Errorf("missing store: expected ErrInvalidConfig, got %v", err)
	}
}

func TestMonitorSyncsLoadIntoStore(t *testing.T) {
	mon, mb, st := newMonitorRig(t, time.Second, 10*time.Millisecond)
	registerAgent(t, st, "researcher-1", true)

	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	beat(t, mb, Heartbeat{AgentID: "researcher-1", Status: StatusBusy, CurrentLoad: 2})

	waitFor(t, time.Second, func() bool {
		agent, err := st.GetAgent(context.Background(), "researcher-1")
		return err == nil && agent.CurrentLoad == 2
	})

	if !mon.IsAlive("researcher-1") {
		t.Error("expected agent to be alive after a heartbeat")
	}
	if hb := mon.LastSeen("researcher-1"); hb == nil || hb.Status != StatusBusy {
		t.Errorf("LastSeen = %+v", hb)
	}
}

func TestMonitorDeactivatesSilentAgent(t *testing.T) {
	mon, mb, st := newMonitorRig(t, 50*time.Millisecond, 10*time.Millisecond)
	registerAgent(t, st, "researcher-1", true)

	var mu sync.Mutex
	var downCalls []string
	mon.OnDown(func(agentID string) {
		mu.Lock()
		downCalls = append(downCalls, agentID)
		mu.Unlock()
	})

	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	beat(t, mb, Heartbeat{AgentID: "researcher-1", Status: StatusIdle})

	// The agent goes silent; the sweep must deactivate it exactly once.
	waitFor(t, time.Second, func() bool {
		agent, err := st.GetAgent(context.Background(), "researcher-1")
		return err == nil && !agent.IsActive
	})

	// Give further sweeps a chance to repeat the callback wrongly.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(downCalls) != 1 || downCalls[0] != "researcher-1" {
		t.Errorf("down callbacks = %v, want exactly one for researcher-1", downCalls)
	}
	if mon.IsAlive("researcher-1") {
		t.Error("expected agent to be reported dead")
	}
}

func TestMonitorReactivatesOnResume(t *testing.T) {
	mon, mb, st := newMonitorRig(t, 50*time.Millisecond, 10*time.Millisecond)
	registerAgent(t, st, "researcher-1", true)

	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	beat(t, mb, Heartbeat{AgentID: "researcher-1", Status: StatusIdle})
	waitFor(t, time.Second, func() bool {
		agent, _ := st.GetAgent(context.Background(), "researcher-1")
		return agent != nil && !agent.IsActive
	})

	// Resumed heartbeats bring the agent back into selection.
	beat(t, mb, Heartbeat{AgentID: "researcher-1", Status: StatusIdle, CurrentLoad: 1})
	waitFor(t, time.Second, func() bool {
		agent, _ := st.GetAgent(context.Background(), "researcher-1")
		return agent != nil && agent.IsActive && agent.CurrentLoad == 1
	})
}

func TestMonitorIgnoresUnregisteredAgents(t *testing.T) {
	mon, mb, st := newMonitorRig(t, time.Second, 10*time.Millisecond)

	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	beat(t, mb, Heartbeat{AgentID: "ghost", Status: StatusIdle})

	waitFor(t, time.Second, func() bool {
		return mon.LastSeen("ghost") != nil
	})

	// The monitor tracks the heartbeat but never creates agent records.
	if _, err := st.GetAgent(context.Background(), "ghost"); err != store.ErrAgentNotFound {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestMonitorDrainingAgentStaysInactive(t *testing.T) {
	mon, mb, st := newMonitorRig(t, time.Second, 10*time.Millisecond)
	registerAgent(t, st, "researcher-1", false)

	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	// A draining agent heartbeats for observability but must not be
	// pulled back into selection.
	beat(t, mb, Heartbeat{AgentID: "researcher-1", Status: StatusDraining})
	waitFor(t, time.Second, func() bool {
		return mon.LastSeen("researcher-1") != nil
	})

	agent, err := st.GetAgent(context.Background(), "researcher-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.IsActive {
		t.Error("draining agent must not be reactivated")
	}
}

func TestMonitorStartStop(t *testing.T) {
	mon, _, _ := newMonitorRig(t, time.Second, time.Second)

	if err := mon.Stop(); err != ErrNotStarted {
		t.Errorf("Stop before Start: expected ErrNotStarted, got %v", err)
	}
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mon.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start: expected ErrAlreadyStarted, got %v", err)
	}
	if err := mon.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
