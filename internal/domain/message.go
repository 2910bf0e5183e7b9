package domain

import "time"

// TaskMessage is one append-only conversation record tied to a task.
// Messages are never mutated after insert; they form the audit trail
// consumed by review and escalation.
type TaskMessage struct {
	ID        int64
	TaskID    int64
	Role      MessageRole
	Type      MessageType
	Content   string
	CreatedAt time.Time
}

// Decision is a human-escalation record. Created automatically when a
// task exhausts its retry budget, or explicitly when a worker asks for
// clarification on an irreversible choice.
type Decision struct {
	ID         int64
	TaskID     int64 // 0 when not tied to a task
	Priority   DecisionPriority
	Question   string
	Context    string
	Status     DecisionStatus
	Answer     string
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// Resolved returns true once a human has answered
func (d *Decision) Resolved() bool {
	return d.Status != DecisionPending
}
