// Package plan turns YAML plan files into task batches. Acceptance is
// idempotent: a plan's tasks are inserted at most once, keyed by a
// signature derived from the plan's content.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hochfrequenz/braid/internal/domain"
	"github.com/hochfrequenz/braid/internal/taskstore"
	"gopkg.in/yaml.v3"
)

// Plan is the on-disk format operators and planners produce
type Plan struct {
	Name  string     `yaml:"name"`
	Tasks []PlanTask `yaml:"tasks"`
}

// PlanTask is one task declaration. DependsOn may name other tasks in
// the same plan by key, or existing store tasks by numeric id.
type PlanTask struct {
	Key            string   `yaml:"key"`
	Lane           string   `yaml:"lane"`
	Goal           string   `yaml:"goal"`
	Priority       *int     `yaml:"priority"`
	ExecutionClass string   `yaml:"execution_class"`
	DependsOn      []string `yaml:"depends_on"`
	Risk           string   `yaml:"risk"`
}

// Parse decodes and validates a plan document
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("plan has no name")
	}
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("plan %q has no tasks", p.Name)
	}

	keys := make(map[string]bool, len(p.Tasks))
	for i, task := range p.Tasks {
		if task.Goal == "" {
			return nil, fmt.Errorf("plan %q: task %d has no goal", p.Name, i)
		}
		if task.Key != "" {
			if keys[task.Key] {
				return nil, fmt.Errorf("plan %q: duplicate key %q", p.Name, task.Key)
			}
			keys[task.Key] = true
		}
	}
	return &p, nil
}

// Signature derives the stable content signature used for dedup. It is
// computed over a canonical rendering of the plan, so formatting-only
// edits to the source file do not produce a new plan.
func (p *Plan) Signature() string {
	h := sha256.New()
	fmt.Fprintln(h, p.Name)
	for _, task := range p.Tasks {
		deps := append([]string(nil), task.DependsOn...)
		sort.Strings(deps)
		prio := int(domain.PriorityNormal)
		if task.Priority != nil {
			prio = *task.Priority
		}
		fmt.Fprintf(h, "%s|%s|%s|%d|%s|%s|%s\n",
			task.Key, task.Lane, task.Goal, prio, task.ExecutionClass,
			strings.Join(deps, ","), task.Risk)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Entries converts the plan into store insertion entries
func (p *Plan) Entries() ([]taskstore.PlanEntry, error) {
	entries := make([]taskstore.PlanEntry, 0, len(p.Tasks))
	for _, task := range p.Tasks {
		prio := domain.PriorityNormal
		if task.Priority != nil {
			prio = domain.Priority(*task.Priority)
		}
		entry := taskstore.PlanEntry{
			Key:            task.Key,
			Lane:           task.Lane,
			Goal:           task.Goal,
			Priority:       prio,
			ExecutionClass: domain.ExecutionClass(task.ExecutionClass),
			Metadata:       domain.Metadata{Risk: task.Risk, Source: "plan:" + p.Name},
		}
		for _, dep := range task.DependsOn {
			var id int64
			if _, err := fmt.Sscanf(dep, "%d", &id); err == nil && fmt.Sprintf("%d", id) == dep {
				entry.DependsOnIDs = append(entry.DependsOnIDs, id)
			} else {
				entry.DependsOnKeys = append(entry.DependsOnKeys, dep)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Accept parses, signs and inserts a plan, returning the number of tasks
// inserted (0 when the identical plan was accepted before).
func Accept(store *taskstore.Store, data []byte) (int, error) {
	p, err := Parse(data)
	if err != nil {
		return 0, err
	}
	entries, err := p.Entries()
	if err != nil {
		return 0, err
	}
	return store.AcceptPlan(p.Signature(), p.Name, entries)
}

// AcceptFile accepts a plan from a file path
func AcceptFile(store *taskstore.Store, path string) (int, error) {
	if ext := filepath.Ext(path); ext != ".yaml" && ext != ".yml" {
		return 0, fmt.Errorf("plan file %s: expected .yaml or .yml", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return Accept(store, data)
}
