package review

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/braid/internal/domain"
	"github.com/hochfrequenz/braid/internal/notify"
	"github.com/hochfrequenz/braid/internal/taskstore"
)

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *taskstore.Store, *recordingNotifier) {
	t.Helper()
	store, err := taskstore.New(filepath.Join(t.TempDir(), "braid.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	rec := &recordingNotifier{}
	return New(store, rec, 3), store, rec
}

func claimedTask(t *testing.T, store *taskstore.Store) (*domain.Task, *taskstore.Lease) {
	t.Helper()
	task := &domain.Task{Lane: "backend", Goal: "ship feature"}
	if err := store.InsertTask(task); err != nil {
		t.Fatal(err)
	}
	lease, err := store.Claim(task.ID, "w1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return task, lease
}

func TestSubmitApprove(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	task, lease := claimedTask(t, store)

	if err := p.Submit(task.ID, "w1", lease.LeaseID, "done", "PR #42"); err != nil {
		t.Fatal(err)
	}
	if err := p.Approve(task.ID, "looks good"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTask(task.ID)
	if got.Status != domain.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}

	msgs, _ := store.ListMessages(task.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want submission + approval", len(msgs))
	}
	if msgs[0].Type != domain.MsgSubmission || msgs[1].Type != domain.MsgApproval {
		t.Errorf("message types = %s, %s", msgs[0].Type, msgs[1].Type)
	}
}

func TestSubmit_StaleLease(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	task, _ := claimedTask(t, store)

	if err := p.Submit(task.ID, "w1", "stale-token", "done", ""); err != taskstore.ErrLeaseLost {
		t.Errorf("err = %v, want ErrLeaseLost", err)
	}
}

// Escalation: the third rejection moves the task to blocked and opens
// exactly one red decision; further rejections while it is unresolved do
// not open another.
func TestReject_EscalatesAtThreshold(t *testing.T) {
	p, store, rec := newTestPipeline(t)
	task, lease := claimedTask(t, store)

	for i := 0; i < 2; i++ {
		if err := p.Submit(task.ID, "w1", lease.LeaseID, "attempt", ""); err != nil {
			t.Fatal(err)
		}
		if err := p.Reject(task.ID, "not good enough"); err != nil {
			t.Fatal(err)
		}
		got, _ := store.GetTask(task.ID)
		if got.Status != domain.StatusInProgress {
			t.Fatalf("rejection %d: Status = %q, want in_progress", i+1, got.Status)
		}
	}

	// Third rejection crosses the threshold.
	if err := p.Submit(task.ID, "w1", lease.LeaseID, "attempt 3", ""); err != nil {
		t.Fatal(err)
	}
	if err := p.Reject(task.ID, "still wrong"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTask(task.ID)
	if got.Status != domain.StatusBlocked {
		t.Fatalf("Status = %q, want blocked", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", got.AttemptCount)
	}

	decisions, _ := store.ListDecisions(domain.DecisionPending)
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	if decisions[0].Priority != domain.DecisionRed {
		t.Errorf("decision priority = %q, want red", decisions[0].Priority)
	}
	if len(rec.sent) != 1 {
		t.Errorf("notifications = %d, want 1", len(rec.sent))
	}

	// The notified flag is persisted so later escalations stay quiet.
	if !mustGet(t, store, task.ID).Metadata.Notified {
		t.Error("Metadata.Notified not set")
	}
}

func TestReject_NoSecondDecisionWhileUnresolved(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	task, lease := claimedTask(t, store)

	// Drive straight past the threshold.
	for i := 0; i < 3; i++ {
		if err := p.Submit(task.ID, "w1", lease.LeaseID, "attempt", ""); err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			if err := p.Reject(task.ID, "no"); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := p.Reject(task.ID, "no"); err != nil {
		t.Fatal(err)
	}

	// Simulate a fourth round: unblock, reclaim, resubmit, reject.
	if err := store.Unblock(task.ID, "try again"); err != nil {
		t.Fatal(err)
	}
	lease2, err := store.Claim(task.ID, "w2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(task.ID, "w2", lease2.LeaseID, "attempt 4", ""); err != nil {
		t.Fatal(err)
	}
	if err := p.Reject(task.ID, "no again"); err != nil {
		t.Fatal(err)
	}

	decisions, _ := store.ListDecisions(domain.DecisionPending)
	if len(decisions) != 1 {
		t.Errorf("pending decisions = %d, want 1", len(decisions))
	}
}

func TestAskAndAnswer(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	task, lease := claimedTask(t, store)

	decision, err := p.Ask(task.ID, "w1", lease.LeaseID, "delete prod data?")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Priority != domain.DecisionYellow {
		t.Errorf("priority = %q, want yellow", decision.Priority)
	}

	got, _ := store.GetTask(task.ID)
	if got.Status != domain.StatusBlocked {
		t.Fatalf("Status = %q, want blocked", got.Status)
	}
	if got.Leased() {
		t.Error("ask must release the lease while waiting")
	}

	if err := p.Answer(decision.ID, true, "yes, backup exists"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTask(task.ID)
	if got.Status != domain.StatusPending {
		t.Errorf("Status = %q, want pending after answer", got.Status)
	}
	if got.ManagerFeedback != "yes, backup exists" {
		t.Errorf("ManagerFeedback = %q", got.ManagerFeedback)
	}
}

func TestAnswer_RejectedCancelsTask(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	task, lease := claimedTask(t, store)

	decision, err := p.Ask(task.ID, "w1", lease.LeaseID, "proceed?")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Answer(decision.ID, false, "abandon this"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTask(task.ID)
	if got.Status != domain.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

func mustGet(t *testing.T, store *taskstore.Store, id int64) *domain.Task {
	t.Helper()
	task, err := store.GetTask(id)
	if err != nil {
		t.Fatal(err)
	}
	return task
}
