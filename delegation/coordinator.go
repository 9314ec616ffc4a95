package delegation

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math"
	"sync"
	"time"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/store"
	"github.com/vinayprograms/dispatchkit/telemetry"
)

// Config holds the retry policy for a coordinator. Per-task values on
// the Task record override AckTimeout and MaxRetries; BackoffBase and
// BackoffMax are coordinator-wide.
type Config struct {
	// AckTimeout bounds each wait for acknowledgment when the task
	// carries no timeout of its own.
	AckTimeout time.Duration

	// MaxRetries is the retry budget stamped onto tasks created through
	// the coordinator's CreateTask. Zero is meaningful: such tasks
	// escalate on the first missed acknowledgment.
	MaxRetries int

	// BackoffBase is the exponential base for the sleep between retries.
	BackoffBase float64

	// BackoffMax caps the sleep between retries.
	BackoffMax time.Duration

	// Exporter receives a transition record for every state change the
	// coordinator drives. Nil selects the noop exporter.
	Exporter telemetry.Exporter
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:  store.DefaultAckTimeout,
		MaxRetries:  store.DefaultMaxRetries,
		BackoffBase: 2,
		BackoffMax:  300 * time.Second,
	}
}

// normalize fills zero fields with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.BackoffBase <= 1 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.Exporter == nil {
		c.Exporter = telemetry.NewNoopExporter()
	}
	return c
}

// Backoff returns the sleep before the next attempt after a failed ack
// round. attempt is zero-indexed: the retry count before it was
// incremented for that round. The result is base^attempt seconds,
// capped at max.
func Backoff(base float64, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	seconds := math.Pow(base, float64(attempt))
	if seconds >= max.Seconds() {
		return max
	}
	return time.Duration(seconds * float64(time.Second))
}

// Coordinator runs the delegation protocol: select an agent, record the
// assignment, dispatch, await acknowledgment, and on silence retry with
// exponential backoff until the budget is spent and the task escalates.
//
// All task mutations go through compare-and-swap transitions on the
// store, so concurrent coordinators (or a duplicate Assign call) race
// safely: exactly one wins each transition and the losers back off.
// Retry progress lives on the persisted task, not in loop variables, so
// a coordinator restarted mid-retry resumes where the task record says.
type Coordinator struct {
	store    store.TaskStore
	bus      bus.MessageBus
	selector *Selector
	sink     *Sink
	cfg      Config
	exp      telemetry.Exporter
	log      *logging.Logger

	mu       sync.Mutex
	inflight map[*context.CancelFunc]struct{}
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator with the given collaborators.
// A nil logger gets a default.
func NewCoordinator(s store.TaskStore, b bus.MessageBus, cfg Config, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.New()
	}
	log = log.WithComponent("coordinator")
	cfg = cfg.normalize()
	return &Coordinator{
		store:    s,
		bus:      b,
		selector: NewSelector(s),
		sink:     NewSink(s, b, log),
		cfg:      cfg,
		exp:      cfg.Exporter,
		log:      log,
		inflight: make(map[*context.CancelFunc]struct{}),
	}
}

// Sink exposes the escalation sink for oversight tooling.
func (c *Coordinator) Sink() *Sink {
	return c.sink
}

// CreateTask persists a queued task carrying the coordinator's retry
// policy. Callers that need per-task budgets build the Task themselves
// and go through the store directly.
func (c *Coordinator) CreateTask(ctx context.Context, taskType string, input json.RawMessage) (*store.Task, error) {
	task := store.NewTask(taskType, input)
	task.MaxRetries = c.cfg.MaxRetries
	task.AckTimeout = c.cfg.AckTimeout
	return c.store.CreateTask(ctx, task)
}

// Assign runs the full protocol for a queued task and blocks until the
// task is acked or escalated, or ctx is cancelled. The returned result
// reports the terminal disposition; escalation is a result, not an
// error.
//
// Errors are returned only when the protocol could not run to a
// disposition: the task is missing or not queued, no agent is available
// (the task stays queued, untouched), the store failed, or ctx was
// cancelled mid-wait.
func (c *Coordinator) Assign(ctx context.Context, taskID string) (*AssignmentResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	c.track(&cancel)
	defer c.untrack(&cancel)
	defer cancel()

	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartAssignmentSpan(ctx, "delegation.assign")

	result, err := c.assign(ctx, taskID)

	opts := telemetry.AssignmentSpanOptions{TaskID: taskID}
	spanErr := err
	if result != nil {
		opts.AgentID = result.AgentID
		opts.Outcome = string(result.Outcome)
		opts.RetryCount = result.RetryCount
		opts.Attempts = result.Attempts
		if result.Escalated() {
			// Escalation is a result for the caller but a failure on
			// the trace.
			spanErr = errors.RetriesExhausted(result.TaskID, result.RetryCount)
		}
	}
	tracer.EndAssignmentSpan(span, opts, spanErr)

	return result, err
}

func (c *Coordinator) assign(ctx context.Context, taskID string) (*AssignmentResult, error) {
	attempts := 0
	for {
		// Re-read the persisted task every round. Retry count, budget,
		// and timeout all come from the record, so a restart or a
		// concurrent mutation is picked up here.
		task, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeNotFound,
				"loading task", errors.WithTaskID(taskID))
		}
		if task.State != store.StateQueued {
			return nil, errors.StateConflict(taskID,
				errors.WithMetadata("state", task.State.String()))
		}

		agent, err := c.selector.SelectAgent(ctx, task.Type)
		if err != nil {
			if errors.HasCode(err, errors.ErrCodeNoAgentAvailable) {
				// The task stays queued; no retry is consumed.
				c.log.NoAgentAvailable(task.ID, task.Type)
			}
			return nil, err
		}

		updated, err := c.store.UpdateState(ctx, task.ID,
			[]store.TaskState{store.StateQueued}, store.StateAssigned,
			store.Fields{AssignedAgentID: &agent.ID})
		if err != nil {
			// Lost the race to another coordinator. Nothing was
			// published, so the winner's dispatch is the only one.
			return nil, errors.WrapWithCode(err, errors.ErrCodeStateConflict,
				"claiming task", errors.WithTaskID(task.ID))
		}
		attempts++
		c.recordEvent(ctx, EventTaskAssigned, updated.ID, agent.ID, map[string]any{
			"task_id":     updated.ID,
			"agent_id":    agent.ID,
			"retry_count": updated.RetryCount,
		})
		c.exportTransition(updated, store.StateQueued, store.StateAssigned, agent.ID, 0)
		c.log.TaskAssigned(updated.ID, agent.ID)

		ack, wait, dispatchErr := c.dispatchAndAwait(ctx, updated, agent)
		switch {
		case dispatchErr == nil && ack.Accepted:
			acked, err := c.store.UpdateState(ctx, updated.ID,
				[]store.TaskState{store.StateAssigned}, store.StateAcked,
				store.Fields{})
			if err != nil {
				return nil, errors.Wrap(err, "recording acknowledgment",
					errors.WithTaskID(updated.ID))
			}
			c.recordEvent(ctx, EventTaskAcked, acked.ID, ack.AgentID, map[string]any{
				"task_id":  acked.ID,
				"agent_id": ack.AgentID,
				"wait_ms":  wait.Milliseconds(),
			})
			c.exportTransition(acked, store.StateAssigned, store.StateAcked, ack.AgentID, wait)
			c.log.TaskAcked(acked.ID, ack.AgentID, wait)
			return &AssignmentResult{
				TaskID:     acked.ID,
				Outcome:    OutcomeAcked,
				AgentID:    ack.AgentID,
				RetryCount: acked.RetryCount,
				Attempts:   attempts,
				AckWait:    wait,
			}, nil

		case ctx.Err() != nil:
			// The owning task was cancelled externally; the wait and
			// the subscription are already torn down.
			return nil, errors.FromCode(errors.ErrCodeCanceled,
				errors.WithCause(ctx.Err()), errors.WithTaskID(updated.ID))

		default:
			reason := noAckReason(dispatchErr)
			result, retry, err := c.handleNoAck(ctx, updated, agent.ID, reason, attempts)
			if err != nil {
				return nil, err
			}
			if !retry {
				return result, nil
			}
		}
	}
}

// dispatchAndAwait publishes the task to the shared dispatch subject and
// blocks on the per-task ack subject. The subscription is opened before
// the publish so an instant reply cannot slip past. A rejection comes
// back as the Ack alongside an AckRejected error; a missed window as an
// AckTimeout error.
func (c *Coordinator) dispatchAndAwait(ctx context.Context, task *store.Task, agent *store.Agent) (*Ack, time.Duration, error) {
	timeout := task.AckTimeout
	if timeout <= 0 {
		timeout = c.cfg.AckTimeout
	}

	dispatch := NewTaskDispatch(task.ID, agent.ID, task.Type, task.Input)
	payload, err := dispatch.Marshal()
	if err != nil {
		return nil, 0, errors.Wrap(err, "encoding dispatch")
	}

	// Open the ack subscription before publishing so an instant reply
	// cannot arrive into the void. bus.Await releases it on every path.
	sub, err := c.bus.Subscribe(AckSubject(task.ID))
	if err != nil {
		return nil, 0, errors.BusUnavailable("subscribing for acknowledgment",
			errors.WithCause(err), errors.WithTaskID(task.ID))
	}

	start := time.Now()
	if err := c.bus.Publish(SubjectTasksNew, payload); err != nil {
		sub.Unsubscribe()
		// The channel being down never implies the task was accepted.
		// Treated like a missed ack so the retry path owns recovery.
		return nil, 0, errors.BusUnavailable("publishing dispatch",
			errors.WithCause(err), errors.WithTaskID(task.ID))
	}

	msg, err := bus.Await(ctx, sub, timeout)
	if err != nil {
		if stderrors.Is(err, bus.ErrTimeout) {
			return nil, 0, errors.AckTimeout(task.ID, agent.ID,
				errors.WithCause(err))
		}
		return nil, 0, err
	}
	ack, err := UnmarshalAck(msg.Data)
	if err != nil {
		return nil, 0, errors.InvalidInput("malformed acknowledgment",
			errors.WithCause(err), errors.WithTaskID(task.ID))
	}
	if !ack.Accepted {
		return ack, time.Since(start), errors.AckRejected(task.ID, ack.AgentID)
	}
	return ack, time.Since(start), nil
}

// handleNoAck runs the retry-or-escalate decision after a failed ack
// round. It returns retry=true when the caller should loop for another
// attempt, or a terminal escalated result.
func (c *Coordinator) handleNoAck(ctx context.Context, task *store.Task, agentID, reason string, attempts int) (*AssignmentResult, bool, error) {
	preRetry := task.RetryCount

	updated, err := c.store.IncrementRetryCount(ctx, task.ID)
	if err != nil {
		return nil, false, errors.Wrap(err, "incrementing retry count",
			errors.WithTaskID(task.ID))
	}
	c.recordEvent(ctx, EventTaskNoAck, updated.ID, agentID, map[string]any{
		"task_id":     updated.ID,
		"agent_id":    agentID,
		"retry_count": updated.RetryCount,
		"reason":      reason,
	})
	c.log.TaskNoAck(updated.ID, agentID, updated.RetryCount, reason)

	if updated.RetryCount >= updated.MaxRetries {
		escalated, err := c.sink.Escalate(ctx, updated, ReasonMaxRetries)
		if err != nil {
			return nil, false, err
		}
		c.exportTransition(escalated, store.StateAssigned, store.StateEscalated, agentID, 0)
		return &AssignmentResult{
			TaskID:     escalated.ID,
			Outcome:    OutcomeEscalated,
			RetryCount: escalated.RetryCount,
			Attempts:   attempts,
			Reason:     ReasonMaxRetries,
		}, false, nil
	}

	// The sleep exponent is the retry count before this round's
	// increment: first retry waits base^0, then base^1, and so on up to
	// the cap.
	backoff := Backoff(c.cfg.BackoffBase, preRetry, c.cfg.BackoffMax)
	if err := sleepCtx(ctx, backoff); err != nil {
		return nil, false, errors.Wrap(err, "backoff interrupted",
			errors.WithTaskID(task.ID))
	}

	requeued, err := c.store.UpdateState(ctx, updated.ID,
		[]store.TaskState{store.StateAssigned}, store.StateQueued,
		store.Fields{})
	if err != nil {
		return nil, false, errors.Wrap(err, "re-queueing task",
			errors.WithTaskID(updated.ID))
	}
	c.exportTransition(requeued, store.StateAssigned, store.StateQueued, agentID, 0)
	c.log.TaskRequeued(requeued.ID, requeued.RetryCount, backoff)
	return nil, true, nil
}

// exportTransition mirrors a state change onto the transition exporter.
// Export is an observability side effect only; exporters never fail the
// protocol.
func (c *Coordinator) exportTransition(task *store.Task, from, to store.TaskState, agentID string, latency time.Duration) {
	c.exp.LogTransition(telemetry.Transition{
		TaskID:     task.ID,
		TaskType:   task.Type,
		AgentID:    agentID,
		FromState:  from.String(),
		ToState:    to.String(),
		RetryCount: task.RetryCount,
		Latency:    latency,
		Timestamp:  time.Now().UTC(),
	})
}

// recordEvent appends an audit event and mirrors it on the event stream.
// Both are observability side effects; failures are logged, never fatal.
func (c *Coordinator) recordEvent(ctx context.Context, eventType, taskID, agentID string, data map[string]any) {
	if _, err := c.store.CreateEvent(ctx, store.Event{
		Type:    eventType,
		TaskID:  taskID,
		AgentID: agentID,
		Data:    mustJSON(data),
	}); err != nil {
		c.log.Warn("event record failed", map[string]interface{}{
			"event_type": eventType,
			"task_id":    taskID,
			"error":      err.Error(),
		})
	}
	env, err := NewEventEnvelope(eventType, data)
	if err != nil {
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		return
	}
	if err := c.bus.Publish(EventSubject(eventType), raw); err != nil {
		c.log.Warn("event publish failed", map[string]interface{}{
			"event_type": eventType,
			"task_id":    taskID,
			"error":      err.Error(),
		})
	}
}

// noAckReason distinguishes the failure modes in event data. Timeouts
// and rejections take the same retry path; only the recorded reason
// differs.
func noAckReason(err error) string {
	switch {
	case errors.HasCode(err, errors.ErrCodeAckRejected):
		return "rejected"
	case errors.HasCode(err, errors.ErrCodeBusUnavailable):
		return "bus_unavailable"
	case errors.HasCode(err, errors.ErrCodeInvalidInput):
		return "malformed_ack"
	default:
		return "timeout"
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) track(cancel *context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[cancel] = struct{}{}
	c.wg.Add(1)
}

func (c *Coordinator) untrack(cancel *context.CancelFunc) {
	c.mu.Lock()
	delete(c.inflight, cancel)
	c.mu.Unlock()
	c.wg.Done()
}

// Shutdown cancels all in-flight assignments, waits for them to unwind,
// and flushes the transition exporter. Tasks mid-retry stay queued or
// assigned in the store and resume correctly on the next Assign.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for cancel := range c.inflight {
		(*cancel)()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return c.exp.Flush()
	case <-ctx.Done():
		return ctx.Err()
	}
}
