package domain

import (
	"encoding/json"
	"time"
)

// Task is a unit of work pulled from the shared queue
type Task struct {
	ID             int64
	Lane           string
	Status         TaskStatus
	Goal           string
	Dependencies   []int64
	Priority       Priority
	ExecutionClass ExecutionClass

	WorkerID       string
	LeaseID        string
	LeaseExpiresAt time.Time
	HeartbeatAt    time.Time

	AttemptCount    int
	BlockerMsg      string
	ManagerFeedback string
	WorkerOutput    string
	Metadata        Metadata

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Leased returns true while a worker holds the task
func (t *Task) Leased() bool {
	return t.LeaseID != ""
}

// Urgent returns true if the task preempts lane rotation
func (t *Task) Urgent(tier Priority) bool {
	return t.Priority < tier
}

// Metadata carries typed flags for known fields plus an open
// extension map for fields unknown at compile time.
type Metadata struct {
	Risk     string
	Notified bool
	Source   string
	Extra    map[string]any
}

// knownMetaKeys are flattened into the same JSON object as Extra.
const (
	metaRisk     = "risk"
	metaNotified = "notified"
	metaSource   = "source"
)

// MarshalJSON flattens typed fields and Extra into one object
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Risk != "" {
		out[metaRisk] = m.Risk
	}
	if m.Notified {
		out[metaNotified] = true
	}
	if m.Source != "" {
		out[metaSource] = m.Source
	}
	return json.Marshal(out)
}

// UnmarshalJSON lifts known keys into typed fields, keeps the rest in Extra
func (m *Metadata) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw[metaRisk].(string); ok {
		m.Risk = v
	}
	if v, ok := raw[metaNotified].(bool); ok {
		m.Notified = v
	}
	if v, ok := raw[metaSource].(string); ok {
		m.Source = v
	}
	delete(raw, metaRisk)
	delete(raw, metaNotified)
	delete(raw, metaSource)
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// IsEmpty reports whether nothing has been set
func (m Metadata) IsEmpty() bool {
	return m.Risk == "" && !m.Notified && m.Source == "" && len(m.Extra) == 0
}
