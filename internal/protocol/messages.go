// Package protocol defines message types for worker-gateway communication.
// Messages flow over WebSocket connections.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/hochfrequenz/braid/internal/domain"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Worker -> Gateway messages

// RegisterMessage sent when a worker first connects
type RegisterMessage struct {
	WorkerID   string   `json:"worker_id"`
	WorkerType string   `json:"worker_type"`
	Lanes      []string `json:"lanes,omitempty"`
	MaxTasks   int      `json:"max_tasks"`
}

// PickMessage asks the gateway for the next eligible task
type PickMessage struct {
	WorkerID     string   `json:"worker_id"`
	WorkerType   string   `json:"worker_type"`
	BlockedLanes []string `json:"blocked_lanes,omitempty"`
}

// RenewMessage extends a held lease
type RenewMessage struct {
	TaskID   int64  `json:"task_id"`
	WorkerID string `json:"worker_id"`
	LeaseID  string `json:"lease_id"`
}

// HeartbeatMessage reports liveness for the worker and its held tasks
type HeartbeatMessage struct {
	WorkerID   string   `json:"worker_id"`
	WorkerType string   `json:"worker_type"`
	Lanes      []string `json:"lanes,omitempty"`
	TaskIDs    []int64  `json:"task_ids,omitempty"`
}

// SubmitMessage hands finished work to the review queue
type SubmitMessage struct {
	TaskID   int64  `json:"task_id"`
	WorkerID string `json:"worker_id"`
	LeaseID  string `json:"lease_id"`
	Output   string `json:"output"`
	Evidence string `json:"evidence,omitempty"`
}

// ReleaseMessage gives a lease back with an outcome
type ReleaseMessage struct {
	TaskID   int64  `json:"task_id"`
	WorkerID string `json:"worker_id"`
	LeaseID  string `json:"lease_id"`
	Outcome  string `json:"outcome"` // "success" or "failure"
	Output   string `json:"output,omitempty"`
}

// AskMessage raises a clarification question and parks the task
type AskMessage struct {
	TaskID   int64  `json:"task_id"`
	WorkerID string `json:"worker_id"`
	LeaseID  string `json:"lease_id"`
	Question string `json:"question"`
}

// Gateway -> Worker messages

// TaskAssignment carries a claimed task and its lease to the worker
type TaskAssignment struct {
	TaskID          int64     `json:"task_id"`
	Lane            string    `json:"lane"`
	Goal            string    `json:"goal"`
	Priority        int       `json:"priority"`
	ExecutionClass  string    `json:"execution_class"`
	AttemptCount    int       `json:"attempt_count"`
	ManagerFeedback string    `json:"manager_feedback,omitempty"`
	LeaseID         string    `json:"lease_id"`
	LeaseExpiresAt  time.Time `json:"lease_expires_at"`
	Preempted       bool      `json:"preempted,omitempty"`
}

// NoWorkMessage tells the worker nothing was eligible and why
type NoWorkMessage struct {
	Reason       string `json:"reason"`
	PendingTotal int    `json:"pending_total"`
}

// AckMessage confirms a renew, submit, release, or ask
type AckMessage struct {
	TaskID         int64     `json:"task_id,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
}

// ErrorMessage reports a failed request
type ErrorMessage struct {
	TaskID  int64  `json:"task_id,omitempty"`
	Code    string `json:"code,omitempty"` // "not_found", "lease_lost", "already_claimed", "terminal"
	Message string `json:"message"`
}

// Message type constants
const (
	TypeRegister  = "register"
	TypePick      = "pick"
	TypeRenew     = "renew"
	TypeHeartbeat = "heartbeat"
	TypeSubmit    = "submit"
	TypeRelease   = "release"
	TypeAsk       = "ask"
	TypeTask      = "task"
	TypeNoWork    = "no_work"
	TypeAck       = "ack"
	TypeError     = "error"
	TypePing      = "ping"
	TypePong      = "pong"
)

// NewAssignment builds the wire form of a claimed task and lease.
func NewAssignment(task *domain.Task, leaseID string, expires time.Time, preempted bool) TaskAssignment {
	return TaskAssignment{
		TaskID:          task.ID,
		Lane:            task.Lane,
		Goal:            task.Goal,
		Priority:        int(task.Priority),
		ExecutionClass:  string(task.ExecutionClass),
		AttemptCount:    task.AttemptCount,
		ManagerFeedback: task.ManagerFeedback,
		LeaseID:         leaseID,
		LeaseExpiresAt:  expires,
		Preempted:       preempted,
	}
}
