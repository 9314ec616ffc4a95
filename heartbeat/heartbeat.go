package heartbeat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/store"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Subject carries liveness reports from every agent. A single literal
// subject keeps the monitor to one subscription on any backend.
const Subject = "heartbeat:agents"

// Agent statuses reported in heartbeats.
const (
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusDraining = "draining"
)

// Heartbeat is one liveness report. CurrentLoad mirrors the agent's
// in-flight task count so the monitor can keep the selector's view of
// capacity current between assignments.
type Heartbeat struct {
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"`
	CurrentLoad int       `json:"current_load"`
	Timestamp   time.Time `json:"timestamp"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes and validates a heartbeat.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h.AgentID == "" {
		return nil, ErrInvalidConfig
	}
	return &h, nil
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus carries the heartbeats.
	Bus bus.MessageBus

	// AgentID identifies the reporting agent.
	AgentID string

	// Interval between heartbeats. Default: 5 seconds.
	Interval time.Duration

	// InitialStatus is the status before the first SetStatus call.
	// Default: idle.
	InitialStatus string
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.AgentID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:      5 * time.Second,
		InitialStatus: StatusIdle,
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Bus delivers the heartbeats.
	Bus bus.MessageBus

	// Store holds the agent records the monitor keeps current.
	Store store.TaskStore

	// Timeout after which a silent agent is deactivated. Use 2-3x the
	// senders' interval. Default: 15 seconds.
	Timeout time.Duration

	// CheckInterval for the staleness sweep. Default: 1 second.
	CheckInterval time.Duration

	// Logger for liveness transitions. A nil logger gets a default.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil || c.Store == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}

// DownFunc is called once per liveness loss with the agent's ID.
type DownFunc func(agentID string)
