// Package review tracks the submission lifecycle: worker submission,
// approval or rejection, and retry-count-driven escalation to a human
// decision. There are no silent infinite retry loops: once a task burns
// its retry budget it leaves automation and waits for a person.
package review

import (
	"fmt"

	"github.com/hochfrequenz/braid/internal/domain"
	"github.com/hochfrequenz/braid/internal/notify"
	"github.com/hochfrequenz/braid/internal/taskstore"
)

// Pipeline wires the store, the escalation threshold and notifications
type Pipeline struct {
	store         *taskstore.Store
	notifier      notify.Notifier
	escalateAfter int
}

// New creates a review pipeline. escalateAfter is the number of
// rejections a task survives before it escalates (observed default 3).
func New(store *taskstore.Store, notifier notify.Notifier, escalateAfter int) *Pipeline {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if escalateAfter <= 0 {
		escalateAfter = 3
	}
	return &Pipeline{store: store, notifier: notifier, escalateAfter: escalateAfter}
}

// Submit records a worker's evidence-based submission and parks the task
// in review_needed. The lease stays with the submitter.
func (p *Pipeline) Submit(taskID int64, workerID, leaseID, summary, evidence string) error {
	if err := p.store.SubmitForReview(taskID, workerID, leaseID, summary); err != nil {
		return err
	}
	content := summary
	if evidence != "" {
		content = summary + "\n\nEvidence:\n" + evidence
	}
	return p.store.AppendMessage(taskID, domain.RoleWorker, domain.MsgSubmission, content)
}

// Approve completes a reviewed task
func (p *Pipeline) Approve(taskID int64, notes string) error {
	if err := p.store.ApproveTask(taskID); err != nil {
		return err
	}
	return p.store.AppendMessage(taskID, domain.RoleBrain, domain.MsgApproval, notes)
}

// Reject sends a reviewed task back with feedback. Once the attempt
// count reaches the escalation threshold the task moves to blocked and a
// red decision is opened instead; a further rejection while that
// decision is unresolved does not open a second one.
func (p *Pipeline) Reject(taskID int64, feedback string) error {
	task, err := p.store.GetTask(taskID)
	if err != nil {
		return err
	}

	if task.AttemptCount+1 < p.escalateAfter {
		if err := p.store.RejectTask(taskID, feedback); err != nil {
			return err
		}
		return p.store.AppendMessage(taskID, domain.RoleBrain, domain.MsgRejection, feedback)
	}

	return p.escalate(task, feedback)
}

func (p *Pipeline) escalate(task *domain.Task, feedback string) error {
	blocker := fmt.Sprintf("retry budget exhausted after %d rejections", task.AttemptCount+1)
	if err := p.store.RejectAndBlock(task.ID, feedback, blocker); err != nil {
		return err
	}
	if err := p.store.AppendMessage(task.ID, domain.RoleBrain, domain.MsgRejection, feedback); err != nil {
		return err
	}

	pending, err := p.store.PendingDecisionForTask(task.ID)
	if err != nil {
		return err
	}
	if pending != nil {
		return nil // one open decision per task
	}

	question := fmt.Sprintf("Task %d (%s) was rejected %d times. Last feedback: %s. How should it proceed?",
		task.ID, task.Goal, task.AttemptCount+1, feedback)
	decision := &domain.Decision{
		TaskID:   task.ID,
		Priority: domain.DecisionRed,
		Question: question,
		Context:  task.WorkerOutput,
	}
	if err := p.store.InsertDecision(decision); err != nil {
		return err
	}
	if err := p.store.AppendMessage(task.ID, domain.RoleSystem, domain.MsgAlert, blocker); err != nil {
		return err
	}

	// Alert once per task; a failed notification is not a pipeline error.
	if !task.Metadata.Notified {
		if err := p.notifier.Send(notify.Escalation(task.ID, decision.ID, question)); err == nil {
			_ = p.store.SetNotified(task.ID)
		}
	}
	return nil
}

// Ask parks a leased task in blocked while the worker waits for an
// answer to a clarification question, opening a yellow decision.
func (p *Pipeline) Ask(taskID int64, workerID, leaseID, question string) (*domain.Decision, error) {
	if err := p.store.BlockForQuestion(taskID, workerID, leaseID, question); err != nil {
		return nil, err
	}
	if err := p.store.AppendMessage(taskID, domain.RoleWorker, domain.MsgClarification, question); err != nil {
		return nil, err
	}

	decision := &domain.Decision{
		TaskID:   taskID,
		Priority: domain.DecisionYellow,
		Question: question,
	}
	if err := p.store.InsertDecision(decision); err != nil {
		return nil, err
	}
	return decision, nil
}

// Answer resolves a decision. An approved answer unblocks the task with
// the answer attached as feedback; a rejected one cancels it.
func (p *Pipeline) Answer(decisionID int64, approved bool, answer string) error {
	decision, err := p.store.GetDecision(decisionID)
	if err != nil {
		return err
	}

	status := domain.DecisionApproved
	if !approved {
		status = domain.DecisionRejected
	}
	if err := p.store.ResolveDecision(decisionID, status, answer); err != nil {
		return err
	}

	if decision.TaskID == 0 {
		return nil
	}

	if err := p.store.AppendMessage(decision.TaskID, domain.RoleBrain, domain.MsgNextStep, answer); err != nil {
		return err
	}
	if approved {
		return p.store.Unblock(decision.TaskID, answer)
	}
	return p.store.Cancel(decision.TaskID)
}
