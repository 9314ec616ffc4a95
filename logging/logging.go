// Package logging provides real-time console output for the delegation
// pipeline. The event store is THE forensic record; this package exists
// for operators watching a coordinator or worker process live.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
// This is for real-time monitoring only - auditing uses the event store.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	taskID    string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		taskID:    l.taskID,
	}
}

// WithTaskID returns a new logger that carries the given task ID on
// every line.
func (l *Logger) WithTaskID(taskID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		taskID:    taskID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		f := fields[0]
		if l.taskID != "" {
			if _, ok := f["task_id"]; !ok {
				merged := make(map[string]interface{}, len(f)+1)
				for k, v := range f {
					merged[k] = v
				}
				merged["task_id"] = l.taskID
				f = merged
			}
		}
		fieldStr = formatFields(f)
	} else if l.taskID != "" {
		fieldStr = formatFields(map[string]interface{}{"task_id": l.taskID})
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Event-derived logging methods ---
// These mirror the protocol events the coordinator records, giving
// real-time console output without duplicating the stored data.

// TaskAssigned logs a dispatch to an agent.
func (l *Logger) TaskAssigned(taskID, agentID string) {
	l.Info("task_assigned", map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
	})
}

// TaskAcked logs a confirmed acknowledgment.
func (l *Logger) TaskAcked(taskID, agentID string, wait time.Duration) {
	l.Info("task_acked", map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
		"wait":     wait.String(),
	})
}

// TaskNoAck logs a missed or rejected acknowledgment.
func (l *Logger) TaskNoAck(taskID, agentID string, retryCount int, reason string) {
	l.Warn("task_no_ack", map[string]interface{}{
		"task_id":     taskID,
		"agent_id":    agentID,
		"retry_count": retryCount,
		"reason":      reason,
	})
}

// TaskRequeued logs a task returning to the queue for another attempt.
func (l *Logger) TaskRequeued(taskID string, retryCount int, backoff time.Duration) {
	l.Info("task_requeued", map[string]interface{}{
		"task_id":     taskID,
		"retry_count": retryCount,
		"backoff":     backoff.String(),
	})
}

// TaskEscalated logs a hand-off to human oversight.
func (l *Logger) TaskEscalated(taskID, reason string, retryCount int) {
	l.Error("task_escalated", map[string]interface{}{
		"task_id":     taskID,
		"reason":      reason,
		"retry_count": retryCount,
	})
}

// NoAgentAvailable logs a selection miss. The task stays queued.
func (l *Logger) NoAgentAvailable(taskID, taskType string) {
	l.Warn("no_agent_available", map[string]interface{}{
		"task_id":   taskID,
		"task_type": taskType,
	})
}

// AgentRegistered logs an agent joining the pool.
func (l *Logger) AgentRegistered(agentID, agentType string, capacity int) {
	l.Info("agent_registered", map[string]interface{}{
		"agent_id":   agentID,
		"agent_type": agentType,
		"capacity":   capacity,
	})
}

// AgentStatusChanged logs an agent availability change.
func (l *Logger) AgentStatusChanged(agentID, status string) {
	l.Info("agent_status_changed", map[string]interface{}{
		"agent_id": agentID,
		"status":   status,
	})
}
