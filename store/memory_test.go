package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) TaskStore {
		s := NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Close()

	if _, err := s.CreateTask(ctx, NewTask("research", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateTask: expected ErrClosed, got %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetTask: expected ErrClosed, got %v", err)
	}
	if err := s.UpsertAgent(ctx, Agent{ID: "a", Type: "research"}); !errors.Is(err, ErrClosed) {
		t.Errorf("UpsertAgent: expected ErrClosed, got %v", err)
	}
}

func TestMemoryStore_WithClock(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return fixed }))
	defer s.Close()

	created, err := s.CreateTask(context.Background(), NewTask("research", nil))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !created.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", created.CreatedAt, fixed)
	}
}

// Many goroutines race the same queued->assigned edge; the CAS must admit
// exactly one.
func TestMemoryStore_ConcurrentCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	created, err := s.CreateTask(ctx, NewTask("research", json.RawMessage(`{}`)))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	const racers = 16
	var wins, conflicts int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentID := "agent"
			_, err := s.UpdateState(ctx, created.ID, []TaskState{StateQueued}, StateAssigned, Fields{AssignedAgentID: &agentID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrStateConflict):
				conflicts++
			default:
				t.Errorf("racer %d: unexpected error %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if conflicts != racers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, racers-1)
	}
}

// GetTask hands out clones; mutating a returned task must not leak into
// the store.
func TestMemoryStore_Isolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	created, _ := s.CreateTask(ctx, NewTask("research", json.RawMessage(`{"a":1}`)))

	got, _ := s.GetTask(ctx, created.ID)
	got.Type = "mutated"
	got.Input[1] = 'x'

	fresh, _ := s.GetTask(ctx, created.ID)
	if fresh.Type != "research" || string(fresh.Input) != `{"a":1}` {
		t.Errorf("store state mutated through returned task: %+v", fresh)
	}
}
