package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/store"
)

// Monitor consumes heartbeats and keeps the store's agent records in
// step with observed liveness: loads are synced on every report, silent
// agents are deactivated after the timeout, and an agent that resumes
// reporting is reactivated. Deactivation is what removes a dead agent
// from selection; the coordinator itself never polls agents directly.
type Monitor struct {
	bus           bus.MessageBus
	store         store.TaskStore
	timeout       time.Duration
	checkInterval time.Duration
	log           *logging.Logger

	mu       sync.RWMutex
	lastSeen map[string]*Heartbeat
	down     map[string]bool
	downCBs  []DownFunc

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultMonitorConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	return &Monitor{
		bus:           cfg.Bus,
		store:         cfg.Store,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		log:           cfg.Logger.WithComponent("heartbeat"),
		lastSeen:      make(map[string]*Heartbeat),
		down:          make(map[string]bool),
	}, nil
}

// OnDown registers a callback invoked once per liveness loss. Register
// before Start.
func (m *Monitor) OnDown(cb DownFunc) {
	m.mu.Lock()
	m.downCBs = append(m.downCBs, cb)
	m.mu.Unlock()
}

// Start subscribes to the heartbeat subject and begins the staleness
// sweep. It returns once the subscription is live.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	sub, err := m.bus.Subscribe(Subject)
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.sub = sub

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run()
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.observe(msg.Data)
		case <-ticker.C:
			m.sweep()
		}
	}
}

// observe records a heartbeat and reconciles the agent's store record.
func (m *Monitor) observe(data []byte) {
	hb, err := Unmarshal(data)
	if err != nil {
		m.log.Warn("dropping malformed heartbeat", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	m.mu.Lock()
	wasDown := m.down[hb.AgentID]
	m.lastSeen[hb.AgentID] = hb
	delete(m.down, hb.AgentID)
	m.mu.Unlock()

	ctx := context.Background()

	agent, err := m.store.GetAgent(ctx, hb.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrAgentNotFound) {
			m.log.Error("heartbeat store lookup failed", map[string]interface{}{
				"agent_id": hb.AgentID,
				"error":    err.Error(),
			})
		}
		// Unregistered agents are not the monitor's to create.
		return
	}

	// Syncing the load also bumps the record's last_seen.
	if err := m.store.SetAgentLoad(ctx, hb.AgentID, hb.CurrentLoad); err != nil {
		m.log.Error("heartbeat load sync failed", map[string]interface{}{
			"agent_id": hb.AgentID,
			"error":    err.Error(),
		})
	}

	if wasDown || (!agent.IsActive && hb.Status != StatusDraining) {
		agent.IsActive = true
		agent.CurrentLoad = hb.CurrentLoad
		if err := m.store.UpsertAgent(ctx, *agent); err != nil {
			m.log.Error("agent reactivation failed", map[string]interface{}{
				"agent_id": hb.AgentID,
				"error":    err.Error(),
			})
			return
		}
		m.log.AgentStatusChanged(hb.AgentID, "active")
	}
}

// sweep deactivates agents whose last heartbeat is older than the
// timeout. Each loss is reported once until the agent resumes.
func (m *Monitor) sweep() {
	now := time.Now()

	m.mu.Lock()
	var lost []string
	for agentID, hb := range m.lastSeen {
		if now.Sub(hb.Timestamp) > m.timeout && !m.down[agentID] {
			m.down[agentID] = true
			lost = append(lost, agentID)
		}
	}
	callbacks := make([]DownFunc, len(m.downCBs))
	copy(callbacks, m.downCBs)
	m.mu.Unlock()

	ctx := context.Background()
	for _, agentID := range lost {
		m.deactivate(ctx, agentID)
		for _, cb := range callbacks {
			cb(agentID)
		}
	}
}

func (m *Monitor) deactivate(ctx context.Context, agentID string) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		if !errors.Is(err, store.ErrAgentNotFound) {
			m.log.Error("deactivation lookup failed", map[string]interface{}{
				"agent_id": agentID,
				"error":    err.Error(),
			})
		}
		return
	}
	if !agent.IsActive {
		return
	}

	agent.IsActive = false
	if err := m.store.UpsertAgent(ctx, *agent); err != nil {
		m.log.Error("agent deactivation failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return
	}
	m.log.Warn("agent missed heartbeat window", map[string]interface{}{
		"agent_id": agentID,
		"timeout":  m.timeout.String(),
	})
	m.log.AgentStatusChanged(agentID, "inactive")
}

// IsAlive reports whether an agent has been heard from within the
// monitor's timeout.
func (m *Monitor) IsAlive(agentID string) bool {
	m.mu.RLock()
	hb, ok := m.lastSeen[agentID]
	m.mu.RUnlock()

	return ok && time.Since(hb.Timestamp) <= m.timeout
}

// LastSeen returns the most recent heartbeat from an agent, or nil.
func (m *Monitor) LastSeen(agentID string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[agentID]
}

// Stop halts monitoring and releases the subscription.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}

	m.sub.Unsubscribe()
	close(m.stopCh)
	<-m.doneCh
	return nil
}
