package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/store"
)

func escalationRig(t *testing.T) (*store.MemoryStore, *bus.MemoryBus, *Sink) {
	t.Helper()
	st := store.NewMemoryStore()
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() {
		mb.Close()
		st.Close()
	})
	return st, mb, NewSink(st, mb, testLogger())
}

func assignedTask(t *testing.T, st *store.MemoryStore) *store.Task {
	t.Helper()
	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.NewTask("review", nil))
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	agentID := "agent-1"
	task, err = st.UpdateState(ctx, task.ID, []store.TaskState{store.StateQueued},
		store.StateAssigned, store.Fields{AssignedAgentID: &agentID})
	if err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	return task
}

func TestSink_Escalate(t *testing.T) {
	st, mb, sink := escalationRig(t)
	ctx := context.Background()
	task := assignedTask(t, st)

	updated, err := sink.Escalate(ctx, task, ReasonMaxRetries)
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if updated.State != store.StateEscalated {
		t.Errorf("state = %v, want escalated", updated.State)
	}
	if updated.ErrorMessage != "Escalated: max_retries_exceeded" {
		t.Errorf("error_message = %q", updated.ErrorMessage)
	}
	if updated.EscalatedAt == nil {
		t.Error("escalated_at must be stamped")
	}

	// Exactly one durable record and one oversight publish.
	pending, err := sink.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].TaskID != task.ID || pending[0].Reason != ReasonMaxRetries {
		t.Errorf("escalation = %+v", pending[0])
	}
	if n := mb.PublishCount(SubjectOversight); n != 1 {
		t.Errorf("oversight publishes = %d, want 1", n)
	}

	types := eventTypes(t, st, task.ID)
	if len(types) != 1 || types[0] != EventTaskEscalated {
		t.Errorf("events = %v, want [task_escalated]", types)
	}
}

func TestSink_EscalateFromQueued(t *testing.T) {
	st, _, sink := escalationRig(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.NewTask("review", nil))
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	updated, err := sink.Escalate(ctx, task, ReasonMaxRetries)
	if err != nil {
		t.Fatalf("Escalate() from queued error = %v", err)
	}
	if updated.State != store.StateEscalated {
		t.Errorf("state = %v, want escalated", updated.State)
	}
}

func TestSink_EscalateLosesRace(t *testing.T) {
	st, mb, sink := escalationRig(t)
	ctx := context.Background()
	task := assignedTask(t, st)

	// Someone else moves the task first.
	if _, err := st.UpdateState(ctx, task.ID, []store.TaskState{store.StateAssigned},
		store.StateAcked, store.Fields{}); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}

	if _, err := sink.Escalate(ctx, task, ReasonMaxRetries); err == nil {
		t.Fatal("Escalate() should fail when the task already moved on")
	}
	if pending, _ := sink.Pending(ctx); len(pending) != 0 {
		t.Errorf("pending = %d, want 0 after abandoned escalation", len(pending))
	}
	if n := mb.PublishCount(SubjectOversight); n != 0 {
		t.Errorf("oversight publishes = %d, want 0", n)
	}
}

func TestSink_Resolve(t *testing.T) {
	st, _, sink := escalationRig(t)
	ctx := context.Background()
	task := assignedTask(t, st)

	if _, err := sink.Escalate(ctx, task, ReasonMaxRetries); err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	pending, _ := sink.Pending(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := sink.Resolve(ctx, pending[0].ID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if pending, _ = sink.Pending(ctx); len(pending) != 0 {
		t.Errorf("pending = %d, want 0 after resolve", len(pending))
	}
}

func TestSink_PendingOrderedOldestFirst(t *testing.T) {
	st, _, sink := escalationRig(t)
	ctx := context.Background()

	first := assignedTask(t, st)
	if _, err := sink.Escalate(ctx, first, ReasonMaxRetries); err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second := assignedTask(t, st)
	if _, err := sink.Escalate(ctx, second, ReasonMaxRetries); err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}

	pending, err := sink.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].TaskID != first.ID || pending[1].TaskID != second.ID {
		t.Errorf("order = [%s, %s], want oldest first", pending[0].TaskID, pending[1].TaskID)
	}
}
