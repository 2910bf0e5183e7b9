package taskstore

import (
	"time"

	"github.com/hochfrequenz/braid/internal/domain"
)

// SubmitForReview moves a leased task to review_needed, recording the
// worker's summary. The lease stays attached: the submitting worker waits
// for the verdict and resumes on rejection.
func (s *Store) SubmitForReview(taskID int64, workerID, leaseID, summary string) error {
	now := time.Now().UTC()

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, worker_output = ?, updated_at = ?
			WHERE id = ? AND worker_id = ? AND lease_id = ? AND status = ?
		`, string(domain.StatusReviewNeeded), summary, now,
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

// ApproveTask completes a reviewed task and releases its lease
func (s *Store) ApproveTask(taskID int64) error {
	now := time.Now().UTC()

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, worker_id = '', lease_id = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(domain.StatusCompleted), now, taskID, string(domain.StatusReviewNeeded))
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

// RejectTask returns a reviewed task to its holder with feedback attached
// and the attempt count bumped.
func (s *Store) RejectTask(taskID int64, feedback string) error {
	now := time.Now().UTC()

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, manager_feedback = ?, attempt_count = attempt_count + 1, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(domain.StatusInProgress), feedback, now, taskID, string(domain.StatusReviewNeeded))
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

// RejectAndBlock is the retry-budget-exhausted path: the task leaves the
// automated loop, the lease is released, and the task waits for a human
// decision instead of cycling again.
func (s *Store) RejectAndBlock(taskID int64, feedback, blockerMsg string) error {
	now := time.Now().UTC()

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, worker_id = '', lease_id = '', lease_expires_at = NULL,
			    manager_feedback = ?, blocker_msg = ?, attempt_count = attempt_count + 1, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(domain.StatusBlocked), feedback, blockerMsg, now,
			taskID, string(domain.StatusReviewNeeded))
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

// BlockForQuestion parks a leased task in blocked while its worker waits
// for a human answer. Conditional on the lease so a reclaimed holder
// cannot block a task that was reassigned.
func (s *Store) BlockForQuestion(taskID int64, workerID, leaseID, question string) error {
	now := time.Now().UTC()

	var n int64
	err := retryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE tasks
			SET status = ?, worker_id = '', lease_id = '', lease_expires_at = NULL,
			    blocker_msg = ?, updated_at = ?
			WHERE id = ? AND worker_id = ? AND lease_id = ? AND status = ?
		`, string(domain.StatusBlocked), question, now,
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

// SetNotified flips the notification flag in task metadata so escalation
// alerts fire once per task.
func (s *Store) SetNotified(taskID int64) error {
	task, err := s.GetTask(taskID)
	if err != nil {
		return err
	}
	task.Metadata.Notified = true
	return s.updateMetadata(taskID, task.Metadata)
}

func (s *Store) updateMetadata(taskID int64, meta domain.Metadata) error {
	data, err := meta.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE tasks SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), taskID)
	return err
}
