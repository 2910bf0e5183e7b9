package taskstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/braid/internal/domain"
)

// Lease is a time-bounded, tokenized exclusive claim on a task
type Lease struct {
	TaskID    int64
	WorkerID  string
	LeaseID   string
	ExpiresAt time.Time
}

// Outcome describes how a worker finished with a leased task
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Claim grants an exclusive lease on a task. The update succeeds only if
// the row is still pending, which makes the claim linearizable per task:
// under any number of concurrent attempts exactly one wins and the rest
// get ErrAlreadyClaimed.
func (s *Store) Claim(taskID int64, workerID string, duration time.Duration) (*Lease, error) {
	leaseID := uuid.NewString()
	now := time.Now().UTC()
	expires := now.Add(duration)

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, worker_id = ?, lease_id = ?, lease_expires_at = ?, heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND lease_id = ''
		`, string(domain.StatusInProgress), workerID, leaseID, expires, now, now,
			taskID, string(domain.StatusPending))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.GetTask(taskID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyClaimed
	}

	return &Lease{TaskID: taskID, WorkerID: workerID, LeaseID: leaseID, ExpiresAt: expires}, nil
}

// Renew extends the lease expiry. The stored lease_id must match the
// supplied one, so a holder whose lease was reclaimed cannot silently
// extend it.
func (s *Store) Renew(taskID int64, workerID, leaseID string, duration time.Duration) (time.Time, error) {
	now := time.Now().UTC()
	expires := now.Add(duration)

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND worker_id = ? AND lease_id = ? AND status = ?
		`, expires, now, taskID, workerID, leaseID, string(domain.StatusInProgress))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, ErrLeaseLost
	}
	return expires, nil
}

// Release clears the lease and transitions status per outcome:
// success moves the task to completed, failure returns it to pending
// with attempt_count bumped.
func (s *Store) Release(taskID int64, workerID, leaseID string, outcome Outcome) error {
	now := time.Now().UTC()

	var status domain.TaskStatus
	attemptBump := 0
	switch outcome {
	case OutcomeSuccess:
		status = domain.StatusCompleted
	default:
		status = domain.StatusPending
		attemptBump = 1
	}

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, worker_id = '', lease_id = '', lease_expires_at = NULL,
			    attempt_count = attempt_count + ?, updated_at = ?
			WHERE id = ? AND worker_id = ? AND lease_id = ? AND status = ?
		`, string(status), attemptBump, now,
			taskID, workerID, leaseID, string(domain.StatusInProgress))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Heartbeat records a non-authoritative liveness ping, independent of
// lease renewal. The sweeper uses it to tell "lease renewed but process
// silently hung" apart from genuinely live workers.
func (s *Store) Heartbeat(workerID, workerType string, allowedLanes []string, taskIDs []int64) error {
	if err := s.UpsertWorker(workerID, workerType, allowedLanes); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, id := range taskIDs {
		err := retryBusy(func() error {
			_, err := s.db.Exec(`
				UPDATE tasks SET heartbeat_at = ?
				WHERE id = ? AND worker_id = ? AND status = ?
			`, now, id, workerID, string(domain.StatusInProgress))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Cancel moves a task to cancelled from any non-terminal state, releasing
// any held lease. Cancelling an already-cancelled task is a no-op.
func (s *Store) Cancel(taskID int64) error {
	now := time.Now().UTC()

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, worker_id = '', lease_id = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)
		`, string(domain.StatusCancelled), now,
			taskID, string(domain.StatusCompleted), string(domain.StatusCancelled))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		task, err := s.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status == domain.StatusCancelled {
			return nil // idempotent
		}
		return ErrTerminal
	}
	return nil
}

// MarkBlocked holds a task in blocked with an explanation. Used for
// unknown dependencies and clarification requests.
func (s *Store) MarkBlocked(taskID int64, from domain.TaskStatus, blockerMsg string) error {
	now := time.Now().UTC()

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, worker_id = '', lease_id = '', lease_expires_at = NULL,
			    blocker_msg = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(domain.StatusBlocked), blockerMsg, now, taskID, string(from))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Unblock returns a blocked task to the pool, attaching feedback for the
// next holder. Idempotent error when the task is not blocked.
func (s *Store) Unblock(taskID int64, feedback string) error {
	now := time.Now().UTC()

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, blocker_msg = '', manager_feedback = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(domain.StatusPending), feedback, now, taskID, string(domain.StatusBlocked))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepStaleLeases reclaims in_progress tasks whose lease expired without
// renewal, or whose holder went silent past maxStale (heartbeat_at, falling
// back to updated_at when no heartbeat was ever recorded). The expiry
// condition is re-checked inside the reclaiming update itself, so a task
// legitimately renewed between the scan and the sweep is left alone. Safe
// to run concurrently with live claims and with other sweepers.
func (s *Store) SweepStaleLeases(maxStale time.Duration) ([]int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-maxStale)

	rows, err := s.db.Query(`
		SELECT id FROM tasks
		WHERE status = ?
		  AND (
			(lease_expires_at IS NOT NULL AND lease_expires_at < ?)
			OR COALESCE(heartbeat_at, updated_at) < ?
		  )
	`, string(domain.StatusInProgress), now, cutoff)
	if err != nil {
		return nil, err
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []int64
	for _, id := range candidates {
		var n int64
		err := retryBusy(func() error {
			res, err := s.db.Exec(`
				UPDATE tasks
				SET status = ?, worker_id = '', lease_id = '', lease_expires_at = NULL,
				    heartbeat_at = NULL, updated_at = ?
				WHERE id = ? AND status = ?
				  AND (
					(lease_expires_at IS NOT NULL AND lease_expires_at < ?)
					OR COALESCE(heartbeat_at, updated_at) < ?
				  )
			`, string(domain.StatusPending), now,
				id, string(domain.StatusInProgress), now, cutoff)
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return reclaimed, err
		}
		if n > 0 {
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}
