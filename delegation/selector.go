package delegation

import (
	"context"

	"github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/store"
)

// Selector picks the agent for an assignment attempt. Selection is
// repeated fresh on every attempt; a retry may land on the same agent or
// a different one depending on availability at that moment.
type Selector struct {
	store store.TaskStore
}

// NewSelector creates a selector backed by the given store.
func NewSelector(s store.TaskStore) *Selector {
	return &Selector{store: s}
}

// SelectAgent returns the least-loaded active agent of the given type
// with spare capacity. Ties break on agent ID so concurrent coordinators
// converge on the same pick. Returns a NO_AGENT_AVAILABLE error when no
// agent qualifies; the caller leaves the task queued.
func (s *Selector) SelectAgent(ctx context.Context, agentType string) (*store.Agent, error) {
	agents, err := s.store.GetAvailableAgents(ctx, agentType)
	if err != nil {
		return nil, errors.Wrap(err, "listing available agents")
	}
	if len(agents) == 0 {
		return nil, errors.NoAgentAvailable(agentType)
	}
	// GetAvailableAgents orders by load then ID; the head is the pick.
	agent := agents[0]
	return &agent, nil
}
