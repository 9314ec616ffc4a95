package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSingleHandler(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var drained bool
	coord.RegisterFunc("delegation", func(ctx context.Context) error {
		drained = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !drained {
		t.Fatal("expected delegation handler to run")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
	if coord.Err() != nil {
		t.Fatalf("expected Err() to be nil, got %v", coord.Err())
	}

	result := coord.Result()
	if result == nil {
		t.Fatal("expected Result to be non-nil")
	}
	if len(result.Results) != 1 || result.Results[0].Name != "delegation" {
		t.Fatalf("unexpected results: %+v", result.Results)
	}
	if result.Failed() {
		t.Fatal("expected result.Failed() to be false")
	}
}

// Delegation drains before workers, workers before the bus, the bus
// before the store. Handlers are registered out of order on purpose.
func TestPhaseOrdering(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	coord.RegisterFuncWithPhase("store", func(ctx context.Context) error {
		record("store")
		return nil
	}, 40)
	coord.RegisterFuncWithPhase("delegation", func(ctx context.Context) error {
		record("delegation")
		return nil
	}, 10)
	coord.RegisterFuncWithPhase("bus", func(ctx context.Context) error {
		record("bus")
		return nil
	}, 30)
	coord.RegisterFuncWithPhase("workers", func(ctx context.Context) error {
		record("workers")
		return nil
	}, 20)

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"delegation", "workers", "bus", "store"}
	if len(order) != len(want) {
		t.Fatalf("expected %d handlers, got %d: %v", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	// Two workers in the same phase rendezvous with each other; if the
	// coordinator ran them sequentially this would deadlock and the
	// shutdown timeout would fire instead.
	var wg sync.WaitGroup
	wg.Add(2)
	for _, name := range []string{"worker-a", "worker-b"} {
		coord.RegisterFuncWithPhase(name, func(ctx context.Context) error {
			wg.Done()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, 20)
	}

	if err := coord.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("expected concurrent execution, got %v", err)
	}
}

func TestSlowHandlerHitsTimeout(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var cancelled bool
	coord.RegisterFunc("stuck-worker", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			cancelled = true
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	})

	start := time.Now()
	err := coord.ShutdownWithTimeout(100 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown took too long: %v", elapsed)
	}
	if !cancelled {
		t.Fatal("expected handler context to be cancelled")
	}
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
}

func TestPreCancelledContext(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var called bool
	coord.RegisterFunc("delegation", func(ctx context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := coord.Shutdown(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if called {
		t.Fatal("handler should not run under a cancelled context")
	}
}

func TestHandlerErrorReported(t *testing.T) {
	config := DefaultConfig()
	config.ContinueOnError = false
	coord := NewCoordinator(config)

	busErr := errors.New("bus flush failed")
	coord.RegisterFunc("bus", func(ctx context.Context) error {
		return busErr
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}

	result := coord.Result()
	if result == nil || !result.Failed() {
		t.Fatal("expected a failed result")
	}
	failed := result.FailedHandlers()
	if len(failed) != 1 || failed[0] != "bus" {
		t.Fatalf("expected ['bus'], got %v", failed)
	}
	if result.Results[0].Err != busErr {
		t.Fatalf("expected the handler error to be preserved, got %v", result.Results[0].Err)
	}
}

func TestContinueOnError(t *testing.T) {
	config := DefaultConfig()
	config.ContinueOnError = true
	coord := NewCoordinator(config)

	var ran []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		ran = append(ran, name)
		mu.Unlock()
	}

	coord.RegisterFuncWithPhase("delegation", func(ctx context.Context) error {
		record("delegation")
		return errors.New("in-flight assignments interrupted")
	}, 10)
	coord.RegisterFuncWithPhase("bus", func(ctx context.Context) error {
		record("bus")
		return nil
	}, 30)
	coord.RegisterFuncWithPhase("store", func(ctx context.Context) error {
		record("store")
		return errors.New("store close failed")
	}, 40)

	if err := coord.ShutdownWithTimeout(5 * time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if len(ran) != 3 {
		t.Fatalf("expected all 3 handlers to run, got %v", ran)
	}
	if failed := coord.Result().FailedHandlers(); len(failed) != 2 {
		t.Fatalf("expected 2 failed handlers, got %v", failed)
	}
}

func TestStopOnFirstError(t *testing.T) {
	config := DefaultConfig()
	config.ContinueOnError = false
	coord := NewCoordinator(config)

	var ran int32
	coord.RegisterFuncWithPhase("delegation", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return errors.New("drain failed")
	}, 10)
	coord.RegisterFuncWithPhase("store", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, 40)

	if err := coord.ShutdownWithTimeout(5 * time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if n := atomic.LoadInt32(&ran); n != 1 {
		t.Fatalf("expected later phases skipped, %d handlers ran", n)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls int32
	coord.RegisterFunc("delegation", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected handler to run once, ran %d times", n)
	}
}

func TestRepeatedShutdownKeepsFirstError(t *testing.T) {
	config := DefaultConfig()
	config.ContinueOnError = false
	coord := NewCoordinator(config)

	coord.RegisterFunc("bus", func(ctx context.Context) error {
		return errors.New("flush failed")
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("first shutdown: expected ErrHandlerFailed, got %v", err)
	}
	if err := coord.ShutdownWithTimeout(5 * time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("second shutdown: expected same error, got %v", err)
	}
}

func TestTriggerRunsRegisteredHandlers(t *testing.T) {
	coord := NewCoordinator(Config{
		DefaultTimeout:  1 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	})

	var called bool
	coord.RegisterFunc("delegation", func(ctx context.Context) error {
		called = true
		return nil
	})

	coord.HandleSignals()
	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete after trigger")
	}
	if !called {
		t.Fatal("expected handler to run")
	}
	if coord.Err() != nil {
		t.Fatalf("expected no error, got %v", coord.Err())
	}
}

// Handlers registered after Shutdown snapshots the registration list
// are silently skipped for that run.
func TestLateRegistrationSkipped(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	started := make(chan struct{})
	proceed := make(chan struct{})
	var lateCalled bool

	coord.RegisterFunc("delegation", func(ctx context.Context) error {
		close(started)
		<-proceed
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- coord.ShutdownWithTimeout(5 * time.Second)
	}()

	<-started
	coord.RegisterFunc("late-worker", func(ctx context.Context) error {
		lateCalled = true
		return nil
	})
	close(proceed)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown timed out")
	}
	if lateCalled {
		t.Fatal("late registration should not run during an in-flight shutdown")
	}
}

func TestRegisterWithPhaseRecordsPhase(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var called bool
	coord.RegisterWithPhase("workers", ShutdownFunc(func(ctx context.Context) error {
		called = true
		return nil
	}), 20)

	if err := coord.ShutdownWithTimeout(1 * time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to run")
	}
	if phase := coord.Result().Results[0].Phase; phase != 20 {
		t.Fatalf("expected phase 20, got %d", phase)
	}
}

func TestOnProgressCallback(t *testing.T) {
	var seen []HandlerResult
	var mu sync.Mutex

	config := DefaultConfig()
	config.OnProgress = func(r HandlerResult) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	}
	coord := NewCoordinator(config)

	coord.RegisterFuncWithPhase("delegation", func(ctx context.Context) error {
		return nil
	}, 10)
	coord.RegisterFuncWithPhase("store", func(ctx context.Context) error {
		return errors.New("close failed")
	}, 40)

	coord.ShutdownWithTimeout(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 progress callbacks, got %d", len(seen))
	}
	byName := map[string]HandlerResult{}
	for _, r := range seen {
		byName[r.Name] = r
	}
	if byName["delegation"].Err != nil {
		t.Fatal("expected delegation to succeed")
	}
	if byName["store"].Err == nil {
		t.Fatal("expected store to fail")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.DefaultTimeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s, got %v", config.DefaultTimeout)
	}
	if config.DefaultPhase != 100 {
		t.Fatalf("expected default phase 100, got %d", config.DefaultPhase)
	}
	if !config.ContinueOnError {
		t.Fatal("expected ContinueOnError true by default")
	}
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	config.DefaultTimeout = -1 * time.Second
	if err := config.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestZeroConfigGetsDefaults(t *testing.T) {
	coord := NewCoordinator(Config{})

	var called bool
	coord.RegisterFunc("delegation", func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to run")
	}
}

func TestResultNilBeforeShutdown(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if coord.Result() != nil {
		t.Fatal("expected Result to be nil before shutdown")
	}
	if coord.Err() != nil {
		t.Fatal("expected Err to be nil before shutdown")
	}
}

func TestEmptyShutdown(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	if err := coord.ShutdownWithTimeout(1 * time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := coord.Result()
	if result == nil || len(result.Results) != 0 || result.Failed() {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestReset(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls int32
	coord.RegisterFunc("delegation", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if err := coord.ShutdownWithTimeout(1 * time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	coord.Reset()
	coord.RegisterFunc("workers", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err := coord.ShutdownWithTimeout(1 * time.Second); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 calls across both shutdowns, got %d", n)
	}
	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done to be closed after the second shutdown")
	}
}

func TestShutdownFuncSatisfiesHandler(t *testing.T) {
	var called bool
	fn := ShutdownFunc(func(ctx context.Context) error {
		called = true
		return nil
	})
	var _ ShutdownHandler = fn

	if err := fn.OnShutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected function to run")
	}
}

func TestHandlerDurationRecorded(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	wait := 50 * time.Millisecond
	coord.RegisterFunc("bus", func(ctx context.Context) error {
		time.Sleep(wait)
		return nil
	})

	coord.ShutdownWithTimeout(5 * time.Second)

	result := coord.Result()
	if result == nil || len(result.Results) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Results[0].Duration < wait {
		t.Fatalf("expected duration >= %v, got %v", wait, result.Results[0].Duration)
	}
	if result.TotalDuration < wait {
		t.Fatalf("expected total duration >= %v, got %v", wait, result.TotalDuration)
	}
}

func TestDefaultPhaseApplied(t *testing.T) {
	config := DefaultConfig()
	config.DefaultPhase = 20
	coord := NewCoordinator(config)

	coord.RegisterFunc("workers", func(ctx context.Context) error { return nil })
	coord.ShutdownWithTimeout(1 * time.Second)

	if phase := coord.Result().Results[0].Phase; phase != 20 {
		t.Fatalf("expected phase 20, got %d", phase)
	}
}

func TestGroupByPhase(t *testing.T) {
	if groups := groupByPhase(nil); groups != nil {
		t.Fatalf("expected nil for empty input, got %v", groups)
	}

	handlers := []registration{
		{name: "delegation", phase: 10},
		{name: "worker-a", phase: 20},
		{name: "worker-b", phase: 20},
		{name: "bus", phase: 30},
		{name: "store", phase: 40},
	}
	groups := groupByPhase(handlers)
	if len(groups) != 4 {
		t.Fatalf("expected 4 phase groups, got %d", len(groups))
	}
	if len(groups[0]) != 1 || len(groups[1]) != 2 || len(groups[2]) != 1 || len(groups[3]) != 1 {
		t.Fatalf("unexpected grouping: %v", groups)
	}
}
