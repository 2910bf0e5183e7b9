package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hochfrequenz/braid/internal/domain"
)

func TestPickMessage_Dispatch(t *testing.T) {
	data, err := MarshalEnvelope(TypePick, PickMessage{
		WorkerID:     "worker-1",
		WorkerType:   "claude",
		BlockedLanes: []string{"frontend"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypePick {
		t.Errorf("got type %q, want %q", env.Type, TypePick)
	}

	var pick PickMessage
	if err := json.Unmarshal(env.Payload, &pick); err != nil {
		t.Fatal(err)
	}
	if pick.WorkerID != "worker-1" {
		t.Errorf("worker_id = %q", pick.WorkerID)
	}
	if len(pick.BlockedLanes) != 1 || pick.BlockedLanes[0] != "frontend" {
		t.Errorf("blocked_lanes = %v", pick.BlockedLanes)
	}
}

func TestNewAssignment(t *testing.T) {
	expires := time.Now().Add(5 * time.Minute).UTC()
	task := &domain.Task{
		ID:             42,
		Lane:           "backend",
		Goal:           "wire the api",
		Priority:       domain.PriorityHigh,
		ExecutionClass: domain.ExecExclusive,
		AttemptCount:   1,
	}

	a := NewAssignment(task, "lease-abc", expires, true)
	if a.TaskID != 42 || a.Lane != "backend" {
		t.Errorf("assignment = %+v", a)
	}
	if a.Priority != int(domain.PriorityHigh) {
		t.Errorf("priority = %d", a.Priority)
	}
	if !a.Preempted {
		t.Error("preempted flag not carried")
	}

	data, err := MarshalEnvelope(TypeTask, a)
	if err != nil {
		t.Fatal(err)
	}
	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	var got TaskAssignment
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if !got.LeaseExpiresAt.Equal(expires) {
		t.Errorf("lease_expires_at = %v, want %v", got.LeaseExpiresAt, expires)
	}
}

func TestErrorMessage_Marshal(t *testing.T) {
	data, err := MarshalEnvelope(TypeError, ErrorMessage{
		TaskID:  7,
		Code:    "lease_lost",
		Message: "lease no longer held",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty JSON")
	}
}
