// Package worker implements the agent process that pulls tasks from the
// gateway, executes them, and reports results back.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/hochfrequenz/braid/internal/protocol"
)

// Result is the outcome of executing one task
type Result struct {
	Output   string
	ExitCode int
}

// Executor runs the actual work for an assigned task
type Executor interface {
	Execute(ctx context.Context, task protocol.TaskAssignment) (*Result, error)
}

// CommandExecutor runs a configured shell command per task. Task fields
// are passed through the environment so the command can act on them.
type CommandExecutor struct {
	Command string
	Dir     string
}

// NewCommandExecutor creates an executor that shells out to command
func NewCommandExecutor(command, dir string) *CommandExecutor {
	return &CommandExecutor{Command: command, Dir: dir}
}

// Execute runs the command with the task exposed as BRAID_* env vars.
// A non-zero exit is not an error; it is reported in the result so the
// caller can release the lease with a failure outcome.
func (e *CommandExecutor) Execute(ctx context.Context, task protocol.TaskAssignment) (*Result, error) {
	if e.Command == "" {
		return nil, fmt.Errorf("no command configured")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", e.Command)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(),
		"BRAID_TASK_ID="+strconv.FormatInt(task.TaskID, 10),
		"BRAID_LANE="+task.Lane,
		"BRAID_GOAL="+task.Goal,
		"BRAID_PRIORITY="+strconv.Itoa(task.Priority),
		"BRAID_EXECUTION_CLASS="+task.ExecutionClass,
		"BRAID_ATTEMPT="+strconv.Itoa(task.AttemptCount),
		"BRAID_FEEDBACK="+task.ManagerFeedback,
		"BRAID_LEASE_ID="+task.LeaseID,
	)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	result := &Result{Output: buf.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, err
	}
	return result, nil
}
