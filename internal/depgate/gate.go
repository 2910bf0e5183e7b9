// Package depgate classifies whether a task's prerequisites allow it to
// run. Evaluation is read-only against a status snapshot; a slightly
// stale snapshot is fine because the conditional claim is the
// authoritative gate.
package depgate

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/braid/internal/domain"
)

// Result classifies a task's dependency state
type Result int

const (
	// Satisfied: every dependency is completed, the task is eligible
	Satisfied Result = iota
	// Waiting: all dependencies exist but at least one is not completed
	Waiting
	// Unknown: a dependency id does not exist in the store; the task is
	// held in blocked so the configuration error surfaces instead of the
	// task running with missing context
	Unknown
)

// Snapshot is task status by id, as returned by the store
type Snapshot map[int64]domain.TaskStatus

// Evaluate classifies the dependencies of a task against the snapshot.
// For Unknown results the missing ids are returned.
func Evaluate(task *domain.Task, snap Snapshot) (Result, []int64) {
	var missing []int64
	waiting := false

	for _, dep := range task.Dependencies {
		status, ok := snap[dep]
		if !ok {
			missing = append(missing, dep)
			continue
		}
		if status != domain.StatusCompleted {
			waiting = true
		}
	}

	if len(missing) > 0 {
		return Unknown, missing
	}
	if waiting {
		return Waiting, nil
	}
	return Satisfied, nil
}

// MissingMsg renders a blocker message for unknown dependency ids
func MissingMsg(missing []int64) string {
	parts := make([]string, len(missing))
	for i, id := range missing {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "unknown dependency task id(s): " + strings.Join(parts, ", ")
}
