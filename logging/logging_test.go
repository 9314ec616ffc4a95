package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	// Info should pass
	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("info message should be logged")
	}

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("coordinator")
	logger.SetOutput(&buf)

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "[coordinator]") {
		t.Errorf("expected component 'coordinator' in log, got: %s", output)
	}
}

func TestLogger_WithTaskID(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithTaskID("task-123")
	logger.SetOutput(&buf)

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "task_id=task-123") {
		t.Errorf("expected task_id field in log, got: %s", output)
	}
}

func TestLogger_WithTaskID_ExplicitFieldWins(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithTaskID("task-123")
	logger.SetOutput(&buf)

	logger.Info("test message", map[string]interface{}{"task_id": "task-456"})

	output := buf.String()
	if !strings.Contains(output, "task_id=task-456") {
		t.Errorf("explicit task_id field should win, got: %s", output)
	}
	if strings.Contains(output, "task-123") {
		t.Errorf("logger task ID should not duplicate the field, got: %s", output)
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("dispatch", map[string]interface{}{
		"agent_id": "agent-1",
	})

	output := buf.String()
	if !strings.Contains(output, "agent_id=agent-1") {
		t.Errorf("expected field 'agent_id=agent-1' in log, got: %s", output)
	}
}

func TestLogger_TaskAssigned(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.TaskAssigned("task-1", "agent-2")

	output := buf.String()
	if !strings.Contains(output, "task_assigned") {
		t.Errorf("expected task_assigned event, got: %s", output)
	}
	if !strings.Contains(output, "task_id=task-1") || !strings.Contains(output, "agent_id=agent-2") {
		t.Errorf("expected task and agent fields, got: %s", output)
	}
}

func TestLogger_TaskNoAck(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.TaskNoAck("task-1", "agent-2", 1, "timeout")

	output := buf.String()
	if !strings.Contains(output, "WARN") {
		t.Error("missed ack should be WARN level")
	}
	if !strings.Contains(output, "retry_count=1") {
		t.Errorf("expected retry_count field, got: %s", output)
	}
}

func TestLogger_TaskEscalated(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.TaskEscalated("task-1", "max_retries_exceeded", 3)

	output := buf.String()
	if !strings.Contains(output, "ERROR") {
		t.Error("escalation should be ERROR level")
	}
	if !strings.Contains(output, "reason=max_retries_exceeded") {
		t.Errorf("expected reason field, got: %s", output)
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("test")
	logger.SetOutput(&buf)

	logger.Info("hello world", map[string]interface{}{"key": "value"})

	output := buf.String()
	// Format: LEVEL TIMESTAMP [component] message key=value
	// Example: INFO  2026-02-05T04:00:00.000Z [test] hello world key=value
	if !strings.HasPrefix(output, "INFO ") {
		t.Errorf("expected line to start with 'INFO ', got: %s", output)
	}
	if !strings.Contains(output, "[test]") {
		t.Errorf("expected component [test], got: %s", output)
	}
	if !strings.Contains(output, "hello world") {
		t.Errorf("expected message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}
}

func TestLogger_AckTiming(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.TaskAssigned("task-1", "agent-1")
	logger.TaskAcked("task-1", "agent-1", 10*time.Millisecond)

	output := buf.String()
	if !strings.Contains(output, "task_assigned") {
		t.Error("expected task_assigned log")
	}
	if !strings.Contains(output, "task_acked") {
		t.Error("expected task_acked log")
	}
	if !strings.Contains(output, "wait=") {
		t.Error("expected ack wait duration in log")
	}
}
