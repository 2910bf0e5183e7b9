package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusInProgress   TaskStatus = "in_progress"
	StatusBlocked      TaskStatus = "blocked"
	StatusReviewNeeded TaskStatus = "review_needed"
	StatusCompleted    TaskStatus = "completed"
	StatusCancelled    TaskStatus = "cancelled"
)

// Terminal returns true for states a task never leaves
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority is an integer urgency; lower value = more urgent
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 5
	PriorityNormal Priority = 50
	PriorityLow    Priority = 90
)

// ExecutionClass classifies concurrency safety of a task
type ExecutionClass string

const (
	ExecExclusive    ExecutionClass = "exclusive"
	ExecParallelSafe ExecutionClass = "parallel_safe"
	ExecAdditive     ExecutionClass = "additive"
)

// MessageRole identifies who wrote a task message
type MessageRole string

const (
	RoleWorker MessageRole = "worker"
	RoleBrain  MessageRole = "brain"
	RoleSystem MessageRole = "system"
)

// MessageType classifies a task message
type MessageType string

const (
	MsgClarification MessageType = "clarification"
	MsgNextStep      MessageType = "next_step"
	MsgSubmission    MessageType = "submission"
	MsgAlert         MessageType = "alert"
	MsgApproval      MessageType = "approval"
	MsgRejection     MessageType = "rejection"
)

// DecisionPriority is the urgency of a human decision
type DecisionPriority string

const (
	DecisionRed    DecisionPriority = "red"
	DecisionYellow DecisionPriority = "yellow"
	DecisionGreen  DecisionPriority = "green"
)

// DecisionStatus is the resolution state of a decision
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)
