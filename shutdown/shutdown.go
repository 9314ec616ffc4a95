package shutdown

import (
	"context"
	"errors"
	"time"
)

// Conventional phases for a delegation process. Lower phases stop first:
// the delegation loop stops assigning before workers drain, workers drain
// before the bus closes, and the store closes last so every component can
// still persist state on the way down.
const (
	PhaseDelegation = 10
	PhaseWorkers    = 20
	PhaseBus        = 30
	PhaseStore      = 40
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ShutdownHandler is implemented by components that need graceful shutdown.
type ShutdownHandler interface {
	// OnShutdown is called when shutdown is initiated.
	// The context is cancelled when the timeout is reached.
	// Implementations should stop accepting new work, finish or re-queue
	// whatever they have accepted, and release their resources. The
	// delegation coordinator, for example, cancels in-flight ack waits
	// and backoff sleeps here.
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc is a convenience type for simple shutdown functions.
type ShutdownFunc func(ctx context.Context) error

// OnShutdown implements ShutdownHandler.
func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// ShutdownCoordinator sequences the teardown of a process's components.
type ShutdownCoordinator interface {
	// Register adds a handler under the default phase.
	Register(name string, handler ShutdownHandler)

	// RegisterWithPhase adds a handler with a specific phase.
	// Lower phases shut down first; handlers sharing a phase shut down
	// concurrently.
	RegisterWithPhase(name string, handler ShutdownHandler, phase int)

	// Shutdown runs all registered handlers phase by phase.
	// Only the first call performs work; later calls return the first
	// call's error, or ErrAlreadyShutdown while it is still running.
	Shutdown(ctx context.Context) error

	// ShutdownWithTimeout wraps Shutdown in a timeout context.
	ShutdownWithTimeout(timeout time.Duration) error

	// HandleSignals triggers ShutdownWithTimeout on SIGTERM or SIGINT.
	// Must be called before the signals are expected.
	HandleSignals()

	// Done returns a channel that is closed when shutdown is complete.
	Done() <-chan struct{}

	// Err returns any error that occurred during shutdown.
	// Only valid after Done() is closed.
	Err() error
}

// HandlerResult records how a single handler's shutdown went.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// ShutdownResult is the outcome of a full shutdown pass.
type ShutdownResult struct {
	// TotalDuration of the entire shutdown process.
	TotalDuration time.Duration

	// Results for each handler, in completion order within phases.
	Results []HandlerResult

	// Err is the overall error, nil if all handlers succeeded.
	Err error
}

// Failed returns true if any handler failed.
func (r *ShutdownResult) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *ShutdownResult) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// DefaultTimeout applies when ShutdownWithTimeout gets a zero timeout.
	// Default: 30 seconds.
	DefaultTimeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: 100, so unphased handlers run after the conventional
	// delegation phases.
	DefaultPhase int

	// ContinueOnError keeps later phases running after a handler fails.
	// Default: true.
	ContinueOnError bool

	// OnProgress is called as each handler completes.
	OnProgress func(result HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

// registration holds a registered handler with its metadata.
type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
}
