package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "dk-v1-delegation-core"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		state TEXT NOT NULL CHECK(state IN
			('queued','assigned','acked','in_progress','completed','verified','failed','escalated')),
		priority INTEGER NOT NULL DEFAULT 0,
		input_data BLOB,
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		ack_timeout_ns INTEGER NOT NULL,
		task_timeout_ns INTEGER NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		assigned_at TEXT,
		acked_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		escalated_at TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		current_load INTEGER NOT NULL DEFAULT 0,
		max_load INTEGER NOT NULL DEFAULT 1,
		last_seen TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(agent_type);`,
	`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data BLOB,
		task_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);`,
	`CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT
	);`,
}

// SQLiteStore implements TaskStore on a local SQLite database. The
// compare-and-swap transition is a conditional UPDATE, so concurrent
// coordinators racing on the same task contend on a single row rather
// than a global lock.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent assignments.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var checksum string
	err := s.db.QueryRow(
		`SELECT checksum FROM schema_migrations WHERE version = ?`, schemaVersion,
	).Scan(&checksum)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`,
			schemaVersion, schemaChecksum)
		return err
	case err != nil:
		return fmt.Errorf("read schema ledger: %w", err)
	case checksum != schemaChecksum:
		return fmt.Errorf("schema checksum mismatch: have %s, want %s", checksum, schemaChecksum)
	}
	return nil
}

// CreateTask persists a new task in the queued state.
func (s *SQLiteStore) CreateTask(ctx context.Context, task Task) (*Task, error) {
	if task.Type == "" || task.MaxRetries < 0 {
		return nil, ErrInvalidTask
	}

	task.State = StateQueued
	task.RetryCount = 0
	task.CreatedAt = s.now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, task_type, state, priority, input_data,
			assigned_agent_id, retry_count, max_retries, ack_timeout_ns,
			task_timeout_ns, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, '', 0, ?, ?, ?, '', ?)`,
		task.ID, task.Type, string(task.State), task.Priority, []byte(task.Input),
		task.MaxRetries, int64(task.AckTimeout), int64(task.TaskTimeout),
		formatTime(task.CreatedAt))
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return nil, ErrTaskExists
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task.Clone(), nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_type, state, priority, input_data, assigned_agent_id,
			retry_count, max_retries, ack_timeout_ns, task_timeout_ns,
			error_message, created_at, assigned_at, acked_at, started_at,
			completed_at, escalated_at
		 FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// UpdateState atomically transitions a task between states. The WHERE
// clause on the current state is the mutual-exclusion gate: of two racing
// transitions exactly one updates the row, the other sees ErrStateConflict.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, from []TaskState, to TaskState, extra Fields) (*Task, error) {
	if !to.Valid() {
		return nil, ErrIllegalTransition
	}
	if len(from) == 0 {
		return nil, ErrStateConflict
	}
	for _, f := range from {
		if !CanTransition(f, to) {
			return nil, ErrIllegalTransition
		}
	}

	now := formatTime(s.now().UTC())
	set := []string{"state = ?"}
	args := []any{string(to)}

	// Timestamp columns are stamped on first entry only.
	switch to {
	case StateAssigned:
		set = append(set, "assigned_at = COALESCE(assigned_at, ?)")
		args = append(args, now)
	case StateAcked:
		set = append(set, "acked_at = COALESCE(acked_at, ?)")
		args = append(args, now)
	case StateInProgress:
		set = append(set, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	case StateCompleted, StateVerified, StateFailed:
		set = append(set, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, now)
	case StateEscalated:
		set = append(set, "escalated_at = COALESCE(escalated_at, ?)")
		args = append(args, now)
	}

	if extra.AssignedAgentID != nil {
		set = append(set, "assigned_agent_id = ?")
		args = append(args, *extra.AssignedAgentID)
	}
	if extra.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *extra.ErrorMessage)
	}
	if to == StateQueued {
		set = append(set, "assigned_agent_id = ''")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ? AND state IN (%s)`,
		strings.Join(set, ", "), placeholders)
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a missing task from a lost race.
		if _, err := s.GetTask(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStateConflict
	}

	return s.GetTask(ctx, id)
}

// IncrementRetryCount atomically increments retry_count.
func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("increment retry count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrTaskNotFound
	}
	return s.GetTask(ctx, id)
}

// UpsertAgent adds or updates an agent record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent Agent) error {
	if agent.ID == "" || agent.Type == "" {
		return ErrInvalidAgent
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, agent_type, is_active, current_load, max_load, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			agent_type = excluded.agent_type,
			is_active = excluded.is_active,
			current_load = excluded.current_load,
			max_load = excluded.max_load,
			last_seen = excluded.last_seen`,
		agent.ID, agent.Type, boolInt(agent.IsActive), agent.CurrentLoad,
		agent.MaxLoad, formatTime(s.now().UTC()))
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_type, is_active, current_load, max_load, last_seen
		 FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	return agent, err
}

// SetAgentLoad records an agent's current load.
func (s *SQLiteStore) SetAgentLoad(ctx context.Context, id string, load int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET current_load = ?, last_seen = ? WHERE id = ?`,
		load, formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set agent load: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// GetAvailableAgents returns eligible agents ordered by load, then ID.
func (s *SQLiteStore) GetAvailableAgents(ctx context.Context, agentType string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_type, is_active, current_load, max_load, last_seen
		 FROM agents
		 WHERE agent_type = ? AND is_active = 1 AND current_load < max_load
		 ORDER BY current_load ASC, id ASC`, agentType)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var result []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *agent)
	}
	return result, rows.Err()
}

// CreateEvent appends an audit event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event Event) (*Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, event_type, event_data, task_id, agent_id, user_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, []byte(event.Data), event.TaskID, event.AgentID,
		event.UserID, formatTime(event.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &event, nil
}

// ListEvents returns events for a task in emission order.
func (s *SQLiteStore) ListEvents(ctx context.Context, taskID string) ([]Event, error) {
	query := `SELECT id, event_type, event_data, task_id, agent_id, user_id, timestamp
		 FROM events`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var e Event
		var data []byte
		var ts string
		if err := rows.Scan(&e.ID, &e.Type, &data, &e.TaskID, &e.AgentID, &e.UserID, &ts); err != nil {
			return nil, err
		}
		e.Data = data
		e.Timestamp, _ = parseTime(ts)
		result = append(result, e)
	}
	return result, rows.Err()
}

// CreateEscalation appends a record to the escalation queue.
func (s *SQLiteStore) CreateEscalation(ctx context.Context, esc Escalation) (*Escalation, error) {
	if esc.ID == "" {
		esc.ID = uuid.NewString()
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations (id, task_id, reason, created_at, resolved)
		 VALUES (?, ?, ?, ?, 0)`,
		esc.ID, esc.TaskID, esc.Reason, formatTime(esc.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert escalation: %w", err)
	}
	return &esc, nil
}

// PendingEscalations returns unresolved escalations, oldest first.
func (s *SQLiteStore) PendingEscalations(ctx context.Context) ([]Escalation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, reason, created_at, resolved, resolved_at
		 FROM escalations WHERE resolved = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var result []Escalation
	for rows.Next() {
		var e Escalation
		var created string
		var resolved int
		var resolvedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Reason, &created, &resolved, &resolvedAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = parseTime(created)
		e.Resolved = resolved != 0
		if resolvedAt.Valid {
			t, _ := parseTime(resolvedAt.String)
			e.ResolvedAt = &t
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ResolveEscalation marks an escalation as handled.
func (s *SQLiteStore) ResolveEscalation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalations SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0`,
		formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM escalations WHERE id = ?`, id).Scan(&exists); err == sql.ErrNoRows {
			return ErrEscalationNotFound
		}
	}
	return nil
}

// Close shuts down the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var state string
	var input []byte
	var ackNS, taskNS int64
	var created string
	var assigned, acked, started, completed, escalated sql.NullString

	err := row.Scan(&t.ID, &t.Type, &state, &t.Priority, &input, &t.AssignedAgentID,
		&t.RetryCount, &t.MaxRetries, &ackNS, &taskNS, &t.ErrorMessage,
		&created, &assigned, &acked, &started, &completed, &escalated)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.State = TaskState(state)
	t.Input = input
	t.AckTimeout = time.Duration(ackNS)
	t.TaskTimeout = time.Duration(taskNS)
	t.CreatedAt, _ = parseTime(created)
	t.AssignedAt = parseNullTime(assigned)
	t.AckedAt = parseNullTime(acked)
	t.StartedAt = parseNullTime(started)
	t.CompletedAt = parseNullTime(completed)
	t.EscalatedAt = parseNullTime(escalated)
	return &t, nil
}

func scanAgent(row scanner) (*Agent, error) {
	var a Agent
	var active int
	var seen string
	if err := row.Scan(&a.ID, &a.Type, &active, &a.CurrentLoad, &a.MaxLoad, &seen); err != nil {
		return nil, err
	}
	a.IsActive = active != 0
	a.LastSeen, _ = parseTime(seen)
	return &a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
