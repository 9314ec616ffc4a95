package delegation

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/store"
	"github.com/vinayprograms/dispatchkit/telemetry"
)

// Handler executes an accepted task and returns an opaque result.
type Handler func(ctx context.Context, dispatch *TaskDispatch) (json.RawMessage, error)

// AcceptFunc decides whether a worker takes a dispatch addressed to it.
// Capacity is checked separately; this hook is for domain-level refusal.
type AcceptFunc func(dispatch *TaskDispatch) bool

// WorkerConfig identifies a worker agent and bounds its concurrency.
type WorkerConfig struct {
	AgentID   string
	AgentType string
	MaxLoad   int
}

// Worker is the agent side of the protocol: it watches the shared
// dispatch subject, claims dispatches addressed to it with an explicit
// acknowledgment, and drives the accepted task through in_progress to a
// terminal state.
type Worker struct {
	cfg     WorkerConfig
	store   store.TaskStore
	bus     bus.MessageBus
	handler Handler
	accept  AcceptFunc
	log     *logging.Logger

	mu   sync.Mutex
	load int
	sub  bus.Subscription
	wg   sync.WaitGroup
}

// NewWorker creates a worker. A nil accept function accepts everything
// within capacity.
func NewWorker(cfg WorkerConfig, s store.TaskStore, b bus.MessageBus, handler Handler, accept AcceptFunc, log *logging.Logger) *Worker {
	if cfg.MaxLoad <= 0 {
		cfg.MaxLoad = 1
	}
	if accept == nil {
		accept = func(*TaskDispatch) bool { return true }
	}
	if log == nil {
		log = logging.New()
	}
	return &Worker{
		cfg:     cfg,
		store:   s,
		bus:     b,
		handler: handler,
		accept:  accept,
		log:     log.WithComponent("worker"),
	}
}

// Start registers the agent as active and begins consuming dispatches.
// It returns once the subscription is live; execution happens on
// background goroutines until Stop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.store.UpsertAgent(ctx, store.Agent{
		ID:       w.cfg.AgentID,
		Type:     w.cfg.AgentType,
		IsActive: true,
		MaxLoad:  w.cfg.MaxLoad,
		LastSeen: time.Now().UTC(),
	}); err != nil {
		return errors.Wrap(err, "registering agent",
			errors.WithAgentID(w.cfg.AgentID))
	}
	w.log.AgentRegistered(w.cfg.AgentID, w.cfg.AgentType, w.cfg.MaxLoad)

	sub, err := w.bus.Subscribe(SubjectTasksNew)
	if err != nil {
		return errors.BusUnavailable("subscribing to dispatches",
			errors.WithCause(err), errors.WithAgentID(w.cfg.AgentID))
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	w.wg.Add(1)
	go w.consume(ctx, sub)
	return nil
}

// consume reads dispatches until the subscription closes. Every dispatch
// addressed to this worker gets an explicit accept or reject reply; a
// silent worker is indistinguishable from a dead one.
func (w *Worker) consume(ctx context.Context, sub bus.Subscription) {
	defer w.wg.Done()
	for msg := range sub.Messages() {
		dispatch, err := UnmarshalTaskDispatch(msg.Data)
		if err != nil {
			w.log.Warn("dropping malformed dispatch", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if dispatch.Data.AgentID != w.cfg.AgentID {
			continue
		}

		accepted := w.tryClaim(dispatch)
		ack := NewAck(dispatch.TaskID, w.cfg.AgentID, accepted)
		payload, err := ack.Marshal()
		if err == nil {
			if err := w.bus.Publish(AckSubject(dispatch.TaskID), payload); err != nil {
				w.log.Warn("ack publish failed", map[string]interface{}{
					"task_id": dispatch.TaskID,
					"error":   err.Error(),
				})
				if accepted {
					w.release()
				}
				continue
			}
		}

		if accepted {
			w.wg.Add(1)
			go func(d *TaskDispatch) {
				defer w.wg.Done()
				w.execute(ctx, d)
			}(dispatch)
		}
	}
}

// tryClaim reserves a load slot if capacity and the accept hook allow.
func (w *Worker) tryClaim(dispatch *TaskDispatch) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.load >= w.cfg.MaxLoad {
		return false
	}
	if !w.accept(dispatch) {
		return false
	}
	w.load++
	w.syncLoadLocked()
	return true
}

func (w *Worker) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.load > 0 {
		w.load--
	}
	w.syncLoadLocked()
}

// syncLoadLocked mirrors the in-memory load to the store for selection.
func (w *Worker) syncLoadLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.SetAgentLoad(ctx, w.cfg.AgentID, w.load); err != nil {
		w.log.Warn("load sync failed", map[string]interface{}{
			"agent_id": w.cfg.AgentID,
			"error":    err.Error(),
		})
	}
}

// execute drives an accepted task through the execution states. The
// acked transition belongs to the coordinator and happens concurrently
// with our acceptance, so the start transition retries briefly until the
// record catches up.
func (w *Worker) execute(ctx context.Context, dispatch *TaskDispatch) {
	defer w.release()

	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartWorkerSpan(ctx, w.cfg.AgentID)

	opts := telemetry.WorkerSpanOptions{
		TaskID:   dispatch.TaskID,
		TaskType: dispatch.Data.TaskType,
		Accepted: true,
	}

	err := w.run(ctx, dispatch, &opts)
	tracer.EndWorkerSpan(span, opts, err)
	if err != nil {
		w.log.WithTaskID(dispatch.TaskID).Error("task execution failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (w *Worker) run(ctx context.Context, dispatch *TaskDispatch, opts *telemetry.WorkerSpanOptions) error {
	if err := w.markStarted(ctx, dispatch.TaskID); err != nil {
		return err
	}

	result, handlerErr := w.handler(ctx, dispatch)
	if handlerErr != nil {
		msg := handlerErr.Error()
		_, err := w.store.UpdateState(ctx, dispatch.TaskID,
			[]store.TaskState{store.StateInProgress}, store.StateFailed,
			store.Fields{ErrorMessage: &msg})
		if err != nil {
			return errors.Wrap(err, "recording failure",
				errors.WithTaskID(dispatch.TaskID))
		}
		return handlerErr
	}

	if result != nil {
		opts.Result = string(result)
	}
	_, err := w.store.UpdateState(ctx, dispatch.TaskID,
		[]store.TaskState{store.StateInProgress}, store.StateCompleted,
		store.Fields{})
	if err != nil {
		return errors.Wrap(err, "recording completion",
			errors.WithTaskID(dispatch.TaskID))
	}
	return nil
}

// markStarted transitions acked to in_progress, waiting out the short
// window where the coordinator has our ack but has not yet recorded it.
func (w *Worker) markStarted(ctx context.Context, taskID string) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := w.store.UpdateState(ctx, taskID,
			[]store.TaskState{store.StateAcked}, store.StateInProgress,
			store.Fields{})
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, store.ErrStateConflict) {
			return errors.Wrap(err, "starting task", errors.WithTaskID(taskID))
		}
		if time.Now().After(deadline) {
			return errors.Wrap(err, "starting task", errors.WithTaskID(taskID))
		}
		if err := sleepCtx(ctx, 20*time.Millisecond); err != nil {
			return err
		}
	}
}

// Stop tears down the subscription, waits for in-flight executions, and
// marks the agent inactive so the selector stops picking it.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return w.store.UpsertAgent(ctx, store.Agent{
		ID:       w.cfg.AgentID,
		Type:     w.cfg.AgentType,
		IsActive: false,
		MaxLoad:  w.cfg.MaxLoad,
		LastSeen: time.Now().UTC(),
	})
}
