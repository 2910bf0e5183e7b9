// Package scheduler selects the next task to hand to a requesting worker,
// braiding lane round-robin with priority preemption and dependency gating.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/braid/internal/depgate"
	"github.com/hochfrequenz/braid/internal/domain"
	"github.com/hochfrequenz/braid/internal/taskstore"
)

// Request identifies the asking worker and its lane restrictions. A
// non-empty AllowedLanes confines the worker to those lanes; BlockedLanes
// excludes lanes on top of that. Together they keep specialized workers
// off each other's queues.
type Request struct {
	WorkerID     string
	WorkerType   string
	AllowedLanes []string
	BlockedLanes []string
}

// Pick is a successful selection. The diagnostic fields exist for
// observability: whether preemption bypassed rotation, which lane the
// rotation landed on and a short decision reason.
type Pick struct {
	Task      *domain.Task
	Lease     *taskstore.Lease
	Preempted bool
	Lane      string
	Reason    string
}

// NoWorkReason distinguishes "truly empty" from "work exists but none is
// assignable to you right now".
type NoWorkReason string

const (
	ReasonNonePending NoWorkReason = "none-pending"
	ReasonLaneExhaust NoWorkReason = "lane-exhausted"
	ReasonAllBlocked  NoWorkReason = "all-blocked"
)

// NoWork reports that no task could be handed out
type NoWork struct {
	Reason       NoWorkReason
	PendingTotal int
}

// Scheduler hands out tasks. The lane rotation pointer is explicit
// per-instance state, guarded by mu; correctness does not depend on it
// (the conditional claim does that), only braided fairness.
type Scheduler struct {
	store         *taskstore.Store
	leaseDuration time.Duration
	preemptBelow  domain.Priority

	mu       sync.Mutex
	lastLane string
}

// New creates a Scheduler over the shared store
func New(store *taskstore.Store, leaseDuration time.Duration, preemptBelow domain.Priority) *Scheduler {
	return &Scheduler{
		store:         store,
		leaseDuration: leaseDuration,
		preemptBelow:  preemptBelow,
	}
}

// PickNext selects and atomically claims the next task for the worker.
// A lost claim race restarts selection; it never surfaces to the caller.
func (s *Scheduler) PickNext(req Request) (*Pick, *NoWork, error) {
	for {
		pick, nowork, err := s.selectAndClaim(req)
		if errors.Is(err, taskstore.ErrAlreadyClaimed) {
			continue
		}
		return pick, nowork, err
	}
}

func (s *Scheduler) selectAndClaim(req Request) (*Pick, *NoWork, error) {
	pending, err := s.store.ListTasks(taskstore.ListOptions{Status: domain.StatusPending})
	if err != nil {
		return nil, nil, err
	}
	if len(pending) == 0 {
		return nil, &NoWork{Reason: ReasonNonePending}, nil
	}

	blocked := make(map[string]bool, len(req.BlockedLanes))
	for _, lane := range req.BlockedLanes {
		blocked[lane] = true
	}
	allowed := make(map[string]bool, len(req.AllowedLanes))
	for _, lane := range req.AllowedLanes {
		allowed[lane] = true
	}

	var eligible []*domain.Task
	for _, task := range pending {
		if blocked[task.Lane] {
			continue
		}
		if len(allowed) > 0 && !allowed[task.Lane] {
			continue
		}
		eligible = append(eligible, task)
	}
	if len(eligible) == 0 {
		return nil, &NoWork{Reason: ReasonLaneExhaust, PendingTotal: len(pending)}, nil
	}

	snap, err := s.store.StatusSnapshot()
	if err != nil {
		return nil, nil, err
	}

	exclusiveBusy, err := s.exclusiveInProgress()
	if err != nil {
		return nil, nil, err
	}

	var candidates []*domain.Task
	for _, task := range eligible {
		switch res, missing := depgate.Evaluate(task, snap); res {
		case depgate.Satisfied:
			candidates = append(candidates, task)
		case depgate.Unknown:
			// Configuration defect: hold the task rather than skip it
			// silently. Best effort; a concurrent claim just wins.
			msg := depgate.MissingMsg(missing)
			if err := s.store.MarkBlocked(task.ID, domain.StatusPending, msg); err == nil {
				_ = s.store.AppendMessage(task.ID, domain.RoleSystem, domain.MsgAlert, msg)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, &NoWork{Reason: ReasonAllBlocked, PendingTotal: len(pending)}, nil
	}

	// Preemption pass: urgent work bypasses lane rotation entirely.
	if task := s.pickUrgent(candidates, exclusiveBusy); task != nil {
		lease, err := s.store.Claim(task.ID, req.WorkerID, s.leaseDuration)
		if err != nil {
			return nil, nil, err
		}
		return &Pick{
			Task:      task,
			Lease:     lease,
			Preempted: true,
			Lane:      task.Lane,
			Reason:    fmt.Sprintf("preempted: priority %d beats rotation", task.Priority),
		}, nil, nil
	}

	// Round-robin pass over the active lanes.
	task, lane := s.pickRotation(candidates, exclusiveBusy)
	if task == nil {
		return nil, &NoWork{Reason: ReasonAllBlocked, PendingTotal: len(pending)}, nil
	}

	lease, err := s.store.Claim(task.ID, req.WorkerID, s.leaseDuration)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.lastLane = lane
	s.mu.Unlock()

	return &Pick{
		Task:   task,
		Lease:  lease,
		Lane:   lane,
		Reason: fmt.Sprintf("rotation: lane %s", lane),
	}, nil, nil
}

// pickUrgent returns the most urgent candidate at or above the preemption
// tier, oldest first on ties, skipping exclusivity conflicts.
func (s *Scheduler) pickUrgent(candidates []*domain.Task, exclusiveBusy bool) *domain.Task {
	var best *domain.Task
	for _, task := range candidates {
		if !task.Urgent(s.preemptBelow) {
			continue
		}
		if exclusiveBusy && task.ExecutionClass == domain.ExecExclusive {
			continue
		}
		if best == nil ||
			task.Priority < best.Priority ||
			(task.Priority == best.Priority && task.CreatedAt.Before(best.CreatedAt)) {
			best = task
		}
	}
	return best
}

// pickRotation scans lanes in sorted order starting after the lane the
// previous call picked from, taking the oldest eligible task in the first
// lane that has one. Candidates arrive oldest first from the store.
func (s *Scheduler) pickRotation(candidates []*domain.Task, exclusiveBusy bool) (*domain.Task, string) {
	byLane := make(map[string][]*domain.Task)
	for _, task := range candidates {
		byLane[task.Lane] = append(byLane[task.Lane], task)
	}

	lanes := make([]string, 0, len(byLane))
	for lane := range byLane {
		lanes = append(lanes, lane)
	}
	sort.Strings(lanes)

	s.mu.Lock()
	last := s.lastLane
	s.mu.Unlock()

	// Start just past the previously served lane so the next call favors
	// a different lane.
	start := 0
	for i, lane := range lanes {
		if lane > last {
			start = i
			break
		}
		if i == len(lanes)-1 {
			start = 0
		}
	}

	for i := 0; i < len(lanes); i++ {
		lane := lanes[(start+i)%len(lanes)]
		for _, task := range byLane[lane] {
			if exclusiveBusy && task.ExecutionClass == domain.ExecExclusive {
				continue
			}
			return task, lane
		}
	}
	return nil, ""
}

// exclusiveInProgress reports whether any exclusive task currently holds
// a lease. Exclusive tasks share one global scope: at most one runs.
func (s *Scheduler) exclusiveInProgress() (bool, error) {
	running, err := s.store.ListTasks(taskstore.ListOptions{Status: domain.StatusInProgress})
	if err != nil {
		return false, err
	}
	for _, task := range running {
		if task.ExecutionClass == domain.ExecExclusive {
			return true, nil
		}
	}
	return false, nil
}
