package taskstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/braid/internal/domain"
)

// PlanEntry is one task of a plan prior to id assignment. Entries may
// depend on each other by local key, or on existing tasks by id.
type PlanEntry struct {
	Key            string
	Lane           string
	Goal           string
	Priority       domain.Priority
	ExecutionClass domain.ExecutionClass
	Metadata       domain.Metadata
	DependsOnKeys  []string
	DependsOnIDs   []int64
}

// AcceptPlan inserts a batch of tasks, deduplicated by the plan's
// content-derived signature: re-accepting an identical plan is a no-op.
// Returns the number of tasks inserted (0 on a duplicate).
func (s *Store) AcceptPlan(signature, name string, entries []PlanEntry) (int, error) {
	var inserted int
	err := retryBusy(func() error {
		n, err := s.acceptPlan(signature, name, entries)
		inserted = n
		return err
	})
	return inserted, err
}

func (s *Store) acceptPlan(signature, name string, entries []PlanEntry) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO plans (signature, name, task_count, accepted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(signature) DO NOTHING
	`, signature, name, len(entries), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil // identical plan already accepted
	}

	// First pass: insert with empty dependencies to assign ids.
	now := time.Now().UTC()
	ids := make(map[string]int64, len(entries))
	assigned := make([]int64, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.Lane == "" {
			e.Lane = "default"
		}
		if e.ExecutionClass == "" {
			e.ExecutionClass = domain.ExecParallelSafe
		}
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, err
		}
		res, err := tx.Exec(`
			INSERT INTO tasks (lane, status, goal, dependencies, priority, execution_class, metadata, created_at, updated_at)
			VALUES (?, ?, ?, '[]', ?, ?, ?, ?, ?)
		`, e.Lane, string(domain.StatusPending), e.Goal, int(e.Priority),
			string(e.ExecutionClass), string(metaJSON), now, now)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		assigned[i] = id
		if e.Key != "" {
			ids[e.Key] = id
		}
	}

	// Second pass: resolve local keys and write dependency lists.
	for i := range entries {
		e := &entries[i]
		if len(e.DependsOnKeys) == 0 && len(e.DependsOnIDs) == 0 {
			continue
		}
		deps := append([]int64(nil), e.DependsOnIDs...)
		for _, key := range e.DependsOnKeys {
			id, ok := ids[key]
			if !ok {
				return 0, fmt.Errorf("plan %s: task %q depends on unknown key %q", name, e.Key, key)
			}
			deps = append(deps, id)
		}
		depsJSON, err := json.Marshal(deps)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(`UPDATE tasks SET dependencies = ? WHERE id = ?`,
			string(depsJSON), assigned[i]); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(entries), nil
}
