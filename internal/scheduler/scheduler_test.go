package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/braid/internal/domain"
	"github.com/hochfrequenz/braid/internal/taskstore"
)

func newTestScheduler(t *testing.T) (*Scheduler, *taskstore.Store) {
	t.Helper()
	store, err := taskstore.New(filepath.Join(t.TempDir(), "braid.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, 5*time.Minute, 10), store
}

func addTask(t *testing.T, store *taskstore.Store, task *domain.Task) *domain.Task {
	t.Helper()
	if task.Goal == "" {
		task.Goal = "work"
	}
	if err := store.InsertTask(task); err != nil {
		t.Fatal(err)
	}
	return task
}

func mustPick(t *testing.T, s *Scheduler, req Request) *Pick {
	t.Helper()
	pick, nowork, err := s.PickNext(req)
	if err != nil {
		t.Fatal(err)
	}
	if nowork != nil {
		t.Fatalf("unexpected NoWork: %+v", nowork)
	}
	return pick
}

func TestPickNext_NonePending(t *testing.T) {
	s, _ := newTestScheduler(t)

	pick, nowork, err := s.PickNext(Request{WorkerID: "w1"})
	if err != nil {
		t.Fatal(err)
	}
	if pick != nil {
		t.Fatalf("pick = %+v, want nil", pick)
	}
	if nowork == nil || nowork.Reason != ReasonNonePending {
		t.Errorf("nowork = %+v, want none-pending", nowork)
	}
}

func TestPickNext_LaneExhausted(t *testing.T) {
	s, store := newTestScheduler(t)
	addTask(t, store, &domain.Task{Lane: "frontend", Priority: domain.PriorityNormal})

	_, nowork, err := s.PickNext(Request{WorkerID: "w1", BlockedLanes: []string{"frontend"}})
	if err != nil {
		t.Fatal(err)
	}
	if nowork == nil || nowork.Reason != ReasonLaneExhaust {
		t.Fatalf("nowork = %+v, want lane-exhausted", nowork)
	}
	if nowork.PendingTotal != 1 {
		t.Errorf("PendingTotal = %d, want 1", nowork.PendingTotal)
	}
}

// Lane exclusivity: a worker confined to its allowed lanes never pulls
// work from another lane, no matter how urgent.
func TestPickNext_AllowedLanes(t *testing.T) {
	s, store := newTestScheduler(t)
	addTask(t, store, &domain.Task{Lane: "frontend", Priority: domain.PriorityUrgent})
	backend := addTask(t, store, &domain.Task{Lane: "backend", Priority: domain.PriorityNormal})

	pick := mustPick(t, s, Request{WorkerID: "w1", AllowedLanes: []string{"backend", "docs"}})
	if pick.Task.ID != backend.ID {
		t.Fatalf("picked %d from lane %s, want backend task %d", pick.Task.ID, pick.Lane, backend.ID)
	}

	// Only the frontend task remains; the restricted worker gets no work.
	_, nowork, err := s.PickNext(Request{WorkerID: "w1", AllowedLanes: []string{"backend", "docs"}})
	if err != nil {
		t.Fatal(err)
	}
	if nowork == nil || nowork.Reason != ReasonLaneExhaust {
		t.Fatalf("nowork = %+v, want lane-exhausted", nowork)
	}
}

// Preemption ordering: the very next pick returns the urgent task,
// regardless of lane rotation.
func TestPickNext_PriorityPreemption(t *testing.T) {
	s, store := newTestScheduler(t)

	addTask(t, store, &domain.Task{Lane: "backend", Priority: domain.PriorityNormal})
	addTask(t, store, &domain.Task{Lane: "frontend", Priority: domain.PriorityNormal})
	urgent := addTask(t, store, &domain.Task{Lane: "qa", Priority: domain.PriorityUrgent})
	addTask(t, store, &domain.Task{Lane: "docs", Priority: domain.PriorityNormal})

	pick := mustPick(t, s, Request{WorkerID: "w1"})
	if pick.Task.ID != urgent.ID {
		t.Fatalf("picked task %d, want urgent %d", pick.Task.ID, urgent.ID)
	}
	if !pick.Preempted {
		t.Error("Preempted = false, want true")
	}
}

func TestPickNext_PreemptionTieBreaksByAge(t *testing.T) {
	s, store := newTestScheduler(t)

	first := addTask(t, store, &domain.Task{Lane: "a", Priority: domain.PriorityHigh})
	time.Sleep(5 * time.Millisecond)
	addTask(t, store, &domain.Task{Lane: "b", Priority: domain.PriorityHigh})

	pick := mustPick(t, s, Request{WorkerID: "w1"})
	if pick.Task.ID != first.ID {
		t.Errorf("picked %d, want oldest urgent %d", pick.Task.ID, first.ID)
	}
}

// Round-robin fairness: three lanes, three consecutive picks return one
// task from each lane exactly once, in rotation order.
func TestPickNext_RoundRobin(t *testing.T) {
	s, store := newTestScheduler(t)

	addTask(t, store, &domain.Task{Lane: "a", Priority: domain.PriorityNormal})
	addTask(t, store, &domain.Task{Lane: "b", Priority: domain.PriorityNormal})
	addTask(t, store, &domain.Task{Lane: "c", Priority: domain.PriorityNormal})

	var lanes []string
	for i := 0; i < 3; i++ {
		pick := mustPick(t, s, Request{WorkerID: "w1"})
		lanes = append(lanes, pick.Lane)
	}

	want := []string{"a", "b", "c"}
	for i := range want {
		if lanes[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", lanes, want)
		}
	}
}

func TestPickNext_RotationSkipsServedLane(t *testing.T) {
	s, store := newTestScheduler(t)

	addTask(t, store, &domain.Task{Lane: "a", Priority: domain.PriorityNormal})
	addTask(t, store, &domain.Task{Lane: "a", Priority: domain.PriorityNormal})
	addTask(t, store, &domain.Task{Lane: "b", Priority: domain.PriorityNormal})

	first := mustPick(t, s, Request{WorkerID: "w1"})
	second := mustPick(t, s, Request{WorkerID: "w2"})

	if first.Lane != "a" || second.Lane != "b" {
		t.Errorf("lanes = %s, %s; want a then b", first.Lane, second.Lane)
	}
}

// Dependency gating: a task whose dependency later completes becomes
// eligible on the next pass; an unknown dependency holds the task blocked.
func TestPickNext_DependencyGating(t *testing.T) {
	s, store := newTestScheduler(t)

	dep := addTask(t, store, &domain.Task{Lane: "backend", Priority: domain.PriorityNormal})
	child := addTask(t, store, &domain.Task{
		Lane:         "backend",
		Priority:     domain.PriorityNormal,
		Dependencies: []int64{dep.ID},
	})

	// First pick takes the dependency, not the child.
	pick := mustPick(t, s, Request{WorkerID: "w1"})
	if pick.Task.ID != dep.ID {
		t.Fatalf("picked %d, want dep %d", pick.Task.ID, dep.ID)
	}

	// Child is gated while the dep runs.
	_, nowork, err := s.PickNext(Request{WorkerID: "w2"})
	if err != nil {
		t.Fatal(err)
	}
	if nowork == nil || nowork.Reason != ReasonAllBlocked {
		t.Fatalf("nowork = %+v, want all-blocked", nowork)
	}

	// Complete the dep; the child becomes eligible on the next pass.
	if err := store.Release(dep.ID, "w1", pick.Lease.LeaseID, taskstore.OutcomeSuccess); err != nil {
		t.Fatal(err)
	}
	next := mustPick(t, s, Request{WorkerID: "w2"})
	if next.Task.ID != child.ID {
		t.Errorf("picked %d, want child %d", next.Task.ID, child.ID)
	}
}

func TestPickNext_UnknownDependencyBlocks(t *testing.T) {
	s, store := newTestScheduler(t)

	task := addTask(t, store, &domain.Task{
		Lane:         "backend",
		Priority:     domain.PriorityNormal,
		Dependencies: []int64{9999},
	})

	_, nowork, err := s.PickNext(Request{WorkerID: "w1"})
	if err != nil {
		t.Fatal(err)
	}
	if nowork == nil || nowork.Reason != ReasonAllBlocked {
		t.Fatalf("nowork = %+v, want all-blocked", nowork)
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusBlocked {
		t.Errorf("Status = %q, want blocked", got.Status)
	}
	if got.BlockerMsg == "" {
		t.Error("BlockerMsg empty, want unknown-dependency explanation")
	}

	// It never becomes eligible on later passes either.
	_, nowork, _ = s.PickNext(Request{WorkerID: "w1"})
	if nowork == nil || nowork.Reason != ReasonNonePending {
		t.Errorf("second pass nowork = %+v, want none-pending", nowork)
	}
}

func TestPickNext_ExclusiveConflictSkipped(t *testing.T) {
	s, store := newTestScheduler(t)

	running := addTask(t, store, &domain.Task{
		Lane:           "ops",
		Priority:       domain.PriorityNormal,
		ExecutionClass: domain.ExecExclusive,
	})
	if _, err := store.Claim(running.ID, "w0", time.Minute); err != nil {
		t.Fatal(err)
	}

	addTask(t, store, &domain.Task{
		Lane:           "ops",
		Priority:       domain.PriorityUrgent,
		ExecutionClass: domain.ExecExclusive,
	})
	safe := addTask(t, store, &domain.Task{
		Lane:           "backend",
		Priority:       domain.PriorityNormal,
		ExecutionClass: domain.ExecParallelSafe,
	})

	// The exclusive urgent task is skipped while another exclusive task
	// runs; scanning continues to the parallel-safe one.
	pick := mustPick(t, s, Request{WorkerID: "w1"})
	if pick.Task.ID != safe.ID {
		t.Errorf("picked %d, want parallel-safe %d", pick.Task.ID, safe.ID)
	}
}

// Concrete scenario from the operational playbook: HIGH beats same-lane
// normal work, and a frontend worker then gets the frontend task.
func TestPickNext_HighPriorityScenario(t *testing.T) {
	s, store := newTestScheduler(t)

	t1 := addTask(t, store, &domain.Task{Lane: "backend", Priority: domain.PriorityHigh})
	addTask(t, store, &domain.Task{Lane: "backend", Priority: domain.PriorityNormal})
	t3 := addTask(t, store, &domain.Task{Lane: "frontend", Priority: domain.PriorityNormal})

	backendPick := mustPick(t, s, Request{WorkerID: "wb", BlockedLanes: []string{"frontend", "docs"}})
	if backendPick.Task.ID != t1.ID {
		t.Fatalf("backend worker picked %d, want HIGH task %d", backendPick.Task.ID, t1.ID)
	}
	if !backendPick.Preempted {
		t.Error("HIGH pick should be a preemption")
	}

	frontendPick := mustPick(t, s, Request{WorkerID: "wf", BlockedLanes: []string{"backend", "docs"}})
	if frontendPick.Task.ID != t3.ID {
		t.Errorf("frontend worker picked %d, want %d", frontendPick.Task.ID, t3.ID)
	}
}

func TestPickNext_ClaimRaceRetries(t *testing.T) {
	s, store := newTestScheduler(t)

	// Two schedulers over the same store: both select, both claim, one
	// loses the race and retries onto the remaining task.
	s2 := New(store, 5*time.Minute, 10)

	addTask(t, store, &domain.Task{Lane: "a", Priority: domain.PriorityNormal})
	addTask(t, store, &domain.Task{Lane: "b", Priority: domain.PriorityNormal})

	p1 := mustPick(t, s, Request{WorkerID: "w1"})
	p2 := mustPick(t, s2, Request{WorkerID: "w2"})

	if p1.Task.ID == p2.Task.ID {
		t.Fatalf("both schedulers handed out task %d", p1.Task.ID)
	}
}
