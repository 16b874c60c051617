// Package worker runs the opaque per-task worker. leasepool only sees the
// worker's summary counters and whether it reported success.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/leasepool/internal/classify"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
)

// Runner executes one task on behalf of ownerID.
type Runner interface {
	Run(ctx context.Context, ownerID string, task model.Task) (model.WorkerResult, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, ownerID string, task model.Task) (model.WorkerResult, error)

func (f Func) Run(ctx context.Context, ownerID string, task model.Task) (model.WorkerResult, error) {
	return f(ctx, ownerID, task)
}

const (
	EnvTaskID    = "LEASEPOOL_TASK_ID"
	EnvTaskTitle = "LEASEPOOL_TASK_TITLE"
	EnvOwnerID   = "LEASEPOOL_OWNER_ID"
	EnvTasksFile = "LEASEPOOL_TASKS_FILE"
	EnvTasksLock = "LEASEPOOL_TASKS_LOCK"

	maxStderrInError = 512
	waitDelay        = 2 * time.Second
)

// ErrNoResult is returned when the worker exits cleanly without a result line.
var ErrNoResult = errors.New("worker produced no result line")

var stderrStatusRegex = regexp.MustCompile(`(?i)(?:status|http|error)[\s:=]*([45][0-9]{2})\b`)

// ExecRunner starts Command as a subprocess per task. The task is passed in
// LEASEPOOL_* environment variables; the last non-empty stdout line must be
// a JSON WorkerResult.
type ExecRunner struct {
	Command []string
	Dir     string
	Timeout time.Duration
	// TasksFile and TasksLock tell a worker in file-tracker mode where the
	// task file is and which flock to hold while editing it.
	TasksFile string
	TasksLock string
	// Env returns extra KEY=VALUE pairs for each run, e.g. the active credential.
	Env    func() []string
	Logger *logging.Logger
}

func NewExecRunner(cfg model.WorkerConfig, logger *logging.Logger) *ExecRunner {
	return &ExecRunner{
		Command: cfg.Command,
		Timeout: cfg.Timeout(),
		Logger:  logger.With("worker"),
	}
}

func (r *ExecRunner) Run(ctx context.Context, ownerID string, task model.Task) (model.WorkerResult, error) {
	if len(r.Command) == 0 {
		return model.WorkerResult{}, fmt.Errorf("worker command not configured")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(),
		EnvTaskID+"="+task.ID,
		EnvTaskTitle+"="+task.Title,
		EnvOwnerID+"="+ownerID,
	)
	if r.TasksFile != "" {
		cmd.Env = append(cmd.Env, EnvTasksFile+"="+r.TasksFile, EnvTasksLock+"="+r.TasksLock)
	}
	if r.Env != nil {
		cmd.Env = append(cmd.Env, r.Env()...)
	}

	start := time.Now()
	err := cmd.Run()
	r.Logger.Debugf("worker_exit task=%s owner=%s elapsed=%s err=%v",
		task.ID, model.ShortOwnerID(ownerID), time.Since(start).Round(time.Millisecond), err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.WorkerResult{}, fmt.Errorf("worker for task %s: %w", task.ID, ctxErr)
	}
	if err != nil {
		return model.WorkerResult{}, exitError(stderr.String(), err)
	}

	result, err := ParseResult(stdout.Bytes())
	if err != nil {
		return model.WorkerResult{}, fmt.Errorf("worker for task %s: %w", task.ID, err)
	}
	return result, nil
}

// ParseResult decodes the last non-empty line of out as a WorkerResult.
func ParseResult(out []byte) (model.WorkerResult, error) {
	var last string
	for _, line := range strings.Split(string(out), "\n") {
		if s := strings.TrimSpace(line); s != "" {
			last = s
		}
	}
	if last == "" {
		return model.WorkerResult{}, ErrNoResult
	}
	var result model.WorkerResult
	if err := json.Unmarshal([]byte(last), &result); err != nil {
		return model.WorkerResult{}, fmt.Errorf("parse result line %q: %w", truncate(last, 120), err)
	}
	return result, nil
}

func exitError(stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	ue := &classify.UpstreamError{Message: truncate(msg, maxStderrInError), Err: err}
	if ue.Message == "" {
		ue.Message = err.Error()
	}
	if m := stderrStatusRegex.FindStringSubmatch(msg); m != nil {
		ue.Code, _ = strconv.Atoi(m[1])
	}
	return ue
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
