package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/dispatchkit/bus"
)

// Sender publishes periodic liveness reports for one agent. Worker
// processes run one alongside their dispatch loop and feed it load
// changes as tasks start and finish.
type Sender struct {
	bus      bus.MessageBus
	agentID  string
	interval time.Duration

	mu     sync.RWMutex
	status string
	load   int

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.InitialStatus == "" {
		cfg.InitialStatus = defaults.InitialStatus
	}

	return &Sender{
		bus:      cfg.Bus,
		agentID:  cfg.AgentID,
		interval: cfg.Interval,
		status:   cfg.InitialStatus,
	}, nil
}

// Start begins publishing at the configured interval. The first
// heartbeat goes out immediately so a fresh agent is visible before one
// interval elapses.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.publish()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.publish()
		}
	}
}

func (s *Sender) publish() {
	s.mu.RLock()
	hb := Heartbeat{
		AgentID:     s.agentID,
		Status:      s.status,
		CurrentLoad: s.load,
		Timestamp:   time.Now().UTC(),
	}
	s.mu.RUnlock()

	data, err := hb.Marshal()
	if err != nil {
		return
	}
	// Publish failures are tolerated; the next tick retries and the
	// monitor's staleness window absorbs gaps.
	s.bus.Publish(Subject, data)
}

// SetStatus updates the status included in subsequent heartbeats.
func (s *Sender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetLoad updates the in-flight task count included in subsequent
// heartbeats. Negative values are clamped to zero.
func (s *Sender) SetLoad(load int) {
	if load < 0 {
		load = 0
	}
	s.mu.Lock()
	s.load = load
	s.mu.Unlock()
}

// AgentID returns the sender's agent ID.
func (s *Sender) AgentID() string {
	return s.agentID
}

// Stop halts publishing. The final state on the bus is whatever the
// last heartbeat reported; a draining agent should SetStatus first.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
