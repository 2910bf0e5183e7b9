package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/hochfrequenz/braid/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed task persistence. All mutation of lease
// and status fields goes through conditional updates keyed on the current
// status (and, for renew/release, the caller-supplied lease_id); that is
// the system's only concurrency-control primitive.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and runs migrations
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// busy_timeout and foreign_keys are per-connection pragmas; a single
	// in-process connection keeps them applied. Cross-process concurrency
	// is carried by WAL plus the conditional updates.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const taskColumns = `id, lane, status, goal, dependencies, priority, execution_class,
	worker_id, lease_id, lease_expires_at, heartbeat_at, attempt_count,
	blocker_msg, manager_feedback, worker_output, metadata, created_at, updated_at`

// InsertTask stores a new task and assigns its id
func (s *Store) InsertTask(task *domain.Task) error {
	depsJSON, err := json.Marshal(task.Dependencies)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(task.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = domain.StatusPending
	}
	if task.Lane == "" {
		task.Lane = "default"
	}
	if task.ExecutionClass == "" {
		task.ExecutionClass = domain.ExecParallelSafe
	}

	res, err := s.db.Exec(`
		INSERT INTO tasks (lane, status, goal, dependencies, priority, execution_class, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.Lane,
		string(task.Status),
		task.Goal,
		string(depsJSON),
		int(task.Priority),
		string(task.ExecutionClass),
		string(metaJSON),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	task.ID, err = res.LastInsertId()
	return err
}

// GetTask retrieves a task by id
func (s *Store) GetTask(id int64) (*domain.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	Lane   string
	Status domain.TaskStatus
}

// ListTasks returns tasks matching the given options, oldest first
func (s *Store) ListTasks(opts ListOptions) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if opts.Lane != "" {
		query += " AND lane = ?"
		args = append(args, opts.Lane)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// CountByStatus returns the number of tasks per status
func (s *Store) CountByStatus() (map[domain.TaskStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// StatusSnapshot returns status by task id for every task in the store.
// Used by the dependency gate; a slightly stale snapshot is acceptable
// because the conditional claim is the authoritative gate.
func (s *Store) StatusSnapshot() (map[int64]domain.TaskStatus, error) {
	rows, err := s.db.Query(`SELECT id, status FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := make(map[int64]domain.TaskStatus)
	for rows.Next() {
		var id int64
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		snap[id] = domain.TaskStatus(status)
	}
	return snap, rows.Err()
}

// AppendMessage inserts an append-only conversation record for a task
func (s *Store) AppendMessage(taskID int64, role domain.MessageRole, msgType domain.MessageType, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO task_messages (task_id, role, msg_type, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, string(role), string(msgType), content, time.Now().UTC())
	return err
}

// ListMessages returns the conversation for a task in insertion order
func (s *Store) ListMessages(taskID int64) ([]*domain.TaskMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, role, msg_type, content, created_at
		FROM task_messages WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*domain.TaskMessage
	for rows.Next() {
		var m domain.TaskMessage
		var role, msgType string
		if err := rows.Scan(&m.ID, &m.TaskID, &role, &msgType, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.MessageRole(role)
		m.Type = domain.MessageType(msgType)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// InsertDecision records a human-escalation request
func (s *Store) InsertDecision(d *domain.Decision) error {
	var taskID interface{}
	if d.TaskID != 0 {
		taskID = d.TaskID
	}
	if d.Status == "" {
		d.Status = domain.DecisionPending
	}
	d.CreatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		INSERT INTO decisions (task_id, priority, question, context, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, string(d.Priority), d.Question, d.Context, string(d.Status), d.CreatedAt)
	if err != nil {
		return err
	}
	d.ID, err = res.LastInsertId()
	return err
}

// GetDecision retrieves a decision by id
func (s *Store) GetDecision(id int64) (*domain.Decision, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, priority, question, context, status, answer, created_at, resolved_at
		FROM decisions WHERE id = ?
	`, id)
	d, err := scanDecision(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDecisions returns decisions, optionally filtered by status
func (s *Store) ListDecisions(status domain.DecisionStatus) ([]*domain.Decision, error) {
	query := `SELECT id, task_id, priority, question, context, status, answer, created_at, resolved_at FROM decisions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PendingDecisionForTask returns the unresolved decision tied to a task, if any
func (s *Store) PendingDecisionForTask(taskID int64) (*domain.Decision, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, priority, question, context, status, answer, created_at, resolved_at
		FROM decisions WHERE task_id = ? AND status = ? ORDER BY id LIMIT 1
	`, taskID, string(domain.DecisionPending))
	d, err := scanDecision(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ResolveDecision records the human answer. Conditional on the decision
// still being pending so two operators cannot both resolve it.
func (s *Store) ResolveDecision(id int64, status domain.DecisionStatus, answer string) error {
	res, err := s.db.Exec(`
		UPDATE decisions SET status = ?, answer = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(status), answer, time.Now().UTC(), id, string(domain.DecisionPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertWorker records a worker heartbeat registration
func (s *Store) UpsertWorker(id, workerType string, allowedLanes []string) error {
	lanesJSON, err := json.Marshal(allowedLanes)
	if err != nil {
		return err
	}
	return retryBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO workers (id, worker_type, allowed_lanes, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				worker_type = excluded.worker_type,
				allowed_lanes = excluded.allowed_lanes,
				last_seen = excluded.last_seen
		`, id, workerType, string(lanesJSON), time.Now().UTC())
		return err
	})
}

// WorkerInfo is one row of the worker liveness registry
type WorkerInfo struct {
	ID           string
	WorkerType   string
	AllowedLanes []string
	LastSeen     time.Time
}

// ListWorkers returns the worker liveness registry
func (s *Store) ListWorkers() ([]*WorkerInfo, error) {
	rows, err := s.db.Query(`SELECT id, worker_type, allowed_lanes, last_seen FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkerInfo
	for rows.Next() {
		var w WorkerInfo
		var lanesJSON string
		var lastSeen sql.NullTime
		if err := rows.Scan(&w.ID, &w.WorkerType, &lanesJSON, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			w.LastSeen = lastSeen.Time
		}
		if err := json.Unmarshal([]byte(lanesJSON), &w.AllowedLanes); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

type scanFunc func(dest ...interface{}) error

func scanTask(scan scanFunc) (*domain.Task, error) {
	var task domain.Task
	var status, execClass, depsJSON, metaJSON string
	var priority int
	var leaseExpires, heartbeat sql.NullTime

	err := scan(
		&task.ID, &task.Lane, &status, &task.Goal, &depsJSON, &priority, &execClass,
		&task.WorkerID, &task.LeaseID, &leaseExpires, &heartbeat, &task.AttemptCount,
		&task.BlockerMsg, &task.ManagerFeedback, &task.WorkerOutput, &metaJSON,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.Priority = domain.Priority(priority)
	task.ExecutionClass = domain.ExecutionClass(execClass)
	if leaseExpires.Valid {
		task.LeaseExpiresAt = leaseExpires.Time
	}
	if heartbeat.Valid {
		task.HeartbeatAt = heartbeat.Time
	}
	if err := json.Unmarshal([]byte(depsJSON), &task.Dependencies); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &task.Metadata); err != nil {
		return nil, err
	}

	return &task, nil
}

func scanDecision(scan scanFunc) (*domain.Decision, error) {
	var d domain.Decision
	var taskID sql.NullInt64
	var priority, status string
	var resolvedAt sql.NullTime

	err := scan(&d.ID, &taskID, &priority, &d.Question, &d.Context, &status, &d.Answer, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	if taskID.Valid {
		d.TaskID = taskID.Int64
	}
	d.Priority = domain.DecisionPriority(priority)
	d.Status = domain.DecisionStatus(status)
	if resolvedAt.Valid {
		d.ResolvedAt = resolvedAt.Time
	}
	return &d, nil
}

// retryBusy retries f on transient SQLITE_BUSY/LOCKED errors with capped
// jittered backoff. Contention on the write lock is expected with several
// worker processes sharing one database file; it is not a semantic failure.
func retryBusy(f func() error) error {
	const attempts = 3
	const delay = 500 * time.Millisecond

	var err error
	for i := 0; i < attempts; i++ {
		err = f()
		if err == nil || !isBusy(err) {
			return err
		}
		if i < attempts-1 {
			jitter := time.Duration(rand.Int63n(int64(delay / 4)))
			time.Sleep(delay - delay/8 + jitter)
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
