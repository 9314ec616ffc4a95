package delegation

import (
	"context"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/store"
)

// Sink hands tasks off to human oversight. An escalation has three side
// effects, in order: the task becomes terminal with an error message, a
// durable record joins the escalation queue, and a notification goes out
// on oversight:events. The durable record is written before the publish
// so a crashed or partitioned bus never loses the escalation.
type Sink struct {
	store store.TaskStore
	bus   bus.MessageBus
	log   *logging.Logger
}

// NewSink creates an escalation sink.
func NewSink(s store.TaskStore, b bus.MessageBus, log *logging.Logger) *Sink {
	if log == nil {
		log = logging.New()
	}
	return &Sink{store: s, bus: b, log: log.WithComponent("escalation")}
}

// Escalate transitions the task to the terminal escalated state and
// notifies oversight. The transition is conditioned on the task still
// being assigned or queued; a conflict means someone else already moved
// it and the escalation is abandoned.
func (s *Sink) Escalate(ctx context.Context, task *store.Task, reason string) (*store.Task, error) {
	errMsg := "Escalated: " + reason
	updated, err := s.store.UpdateState(ctx, task.ID,
		[]store.TaskState{store.StateAssigned, store.StateQueued},
		store.StateEscalated,
		store.Fields{ErrorMessage: &errMsg})
	if err != nil {
		return nil, errors.Wrap(err, "transitioning task to escalated",
			errors.WithTaskID(task.ID))
	}

	if _, err := s.store.CreateEscalation(ctx, store.Escalation{
		TaskID: task.ID,
		Reason: reason,
	}); err != nil {
		return nil, errors.Wrap(err, "recording escalation",
			errors.WithTaskID(task.ID))
	}

	eventData := map[string]any{
		"task_id":     task.ID,
		"reason":      reason,
		"retry_count": updated.RetryCount,
	}
	if _, err := s.store.CreateEvent(ctx, store.Event{
		Type:   EventTaskEscalated,
		TaskID: task.ID,
		Data:   mustJSON(eventData),
	}); err != nil {
		return nil, errors.Wrap(err, "recording escalation event",
			errors.WithTaskID(task.ID))
	}

	// Notifications are fire-and-forget: the durable record above is the
	// source of truth, so a publish failure is logged and swallowed.
	s.publishEvent(EventTaskEscalated, eventData)
	if env, err := NewEventEnvelope(EventTaskEscalated, eventData); err == nil {
		if data, err := env.Marshal(); err == nil {
			if err := s.bus.Publish(SubjectOversight, data); err != nil {
				s.log.Warn("oversight publish failed", map[string]interface{}{
					"task_id": task.ID,
					"error":   err.Error(),
				})
			}
		}
	}

	s.log.TaskEscalated(task.ID, reason, updated.RetryCount)
	return updated, nil
}

// publishEvent sends an envelope on the general event stream. Failures
// are logged only.
func (s *Sink) publishEvent(eventType string, data map[string]any) {
	env, err := NewEventEnvelope(eventType, data)
	if err != nil {
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		return
	}
	if err := s.bus.Publish(EventSubject(eventType), raw); err != nil {
		s.log.Warn("event publish failed", map[string]interface{}{
			"event_type": eventType,
			"error":      err.Error(),
		})
	}
}

// Pending returns unresolved escalations, oldest first.
func (s *Sink) Pending(ctx context.Context) ([]store.Escalation, error) {
	return s.store.PendingEscalations(ctx)
}

// Resolve marks an escalation as handled by a human.
func (s *Sink) Resolve(ctx context.Context, escalationID string) error {
	return s.store.ResolveEscalation(ctx, escalationID)
}
