// Package scheduler drives rounds of concurrent stateless workers over the
// shared task queue until the backlog is exhausted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/leasepool/internal/backlog"
	"github.com/msageha/leasepool/internal/classify"
	"github.com/msageha/leasepool/internal/events"
	"github.com/msageha/leasepool/internal/lease"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
	"github.com/msageha/leasepool/internal/outcome"
	"github.com/msageha/leasepool/internal/push"
	"github.com/msageha/leasepool/internal/tracker"
	"github.com/msageha/leasepool/internal/worker"
)

// BlockedPrefix starts the comment left on a task the worker refused to handle.
const BlockedPrefix = "MARK_BLOCKED"

// Hook is called with the task a worker is handling. Errors are logged only.
type Hook func(ctx context.Context, ownerID string, task model.Task) error

// Hooks mirror progress onto an external board. Either may be nil.
type Hooks struct {
	OnClaim Hook
	OnClose Hook
}

// Pusher publishes the worker's changes to the shared remote.
type Pusher interface {
	Push(ctx context.Context) error
}

// invalidator is implemented by caching tracker clients.
type invalidator interface {
	Invalidate()
}

// Options configures a Scheduler. Zero values fall back to defaults.
type Options struct {
	Concurrency int
	// MaxRounds stops the run after this many rounds; 0 means no limit.
	MaxRounds  int
	Hooks      Hooks
	Serializer *push.Serializer
	Pusher     Pusher
	Policy     *classify.Policy
	Bus        *events.Bus
	Logger     *logging.Logger
	Now        func() time.Time
}

// Summary describes a finished run.
type Summary struct {
	Rounds     int                  `json:"rounds"`
	Attempted  int                  `json:"attempted"`
	Closed     int                  `json:"closed"`
	Failed     int                  `json:"failed"`
	FinalState model.SchedulerState `json:"final_state"`
	Reason     string               `json:"reason"`
}

type Scheduler struct {
	leases    *lease.Manager
	client    tracker.Client
	runner    worker.Runner
	validator *outcome.Validator
	monitor   *backlog.Monitor

	concurrency int
	maxRounds   int
	hooks       Hooks
	serializer  *push.Serializer
	pusher      Pusher
	policy      *classify.Policy
	bus         *events.Bus
	logger      *logging.Logger
	now         func() time.Time

	mu    sync.Mutex
	state model.SchedulerState
	round int
}

func New(leases *lease.Manager, client tracker.Client, runner worker.Runner, validator *outcome.Validator, monitor *backlog.Monitor, opts Options) *Scheduler {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = model.DefaultConcurrency
	}
	if monitor == nil {
		monitor = backlog.NewMonitor(0)
	}
	policy := opts.Policy
	if policy == nil {
		policy = classify.NewPolicy(0, 0, opts.Logger)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		leases:      leases,
		client:      client,
		runner:      runner,
		validator:   validator,
		monitor:     monitor,
		concurrency: concurrency,
		maxRounds:   opts.MaxRounds,
		hooks:       opts.Hooks,
		serializer:  opts.Serializer,
		pusher:      opts.Pusher,
		policy:      policy,
		bus:         opts.Bus,
		logger:      opts.Logger.With("scheduler"),
		now:         now,
		state:       model.SchedulerRunning,
	}
}

func (s *Scheduler) State() model.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) transition(to model.SchedulerState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	if err := model.ValidateSchedulerTransition(s.state, to); err != nil {
		return err
	}
	from := s.state
	s.state = to
	s.logger.Infof("state from=%s to=%s reason=%s round=%d", from, to, reason, s.round)
	s.bus.Publish(events.EventStateChanged, map[string]any{
		"from": string(from), "to": string(to), "reason": reason, "round": s.round,
	})
	return nil
}

// Run executes rounds until the backlog is exhausted, MaxRounds is reached,
// or ctx is cancelled. Cancellation takes effect at the next round boundary:
// a round already in progress finishes with an uncancelled context.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	if s.State() != model.SchedulerRunning {
		return Summary{}, fmt.Errorf("scheduler already ran (state %s)", s.State())
	}

	stop := context.AfterFunc(ctx, func() {
		if err := s.transition(model.SchedulerDraining, "cancelled"); err != nil {
			s.logger.Debugf("drain_skipped error=%v", err)
		}
	})
	defer stop()

	var sum Summary
	roundCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			sum.Reason = "cancelled"
			break
		}
		if s.maxRounds > 0 && sum.Rounds >= s.maxRounds {
			sum.Reason = "max_rounds"
			break
		}

		s.mu.Lock()
		s.round++
		round := s.round
		s.mu.Unlock()

		outcomes := s.runRound(roundCtx, round)
		sum.Rounds = round
		closed, failed := tally(outcomes, &sum)

		exhausted := s.monitor.RecordRound(outcomes)
		s.logger.Infof("round_complete round=%d workers=%d closed=%d failed=%d empty_streak=%d/%d",
			round, len(outcomes), closed, failed, s.monitor.ConsecutiveEmpty(), s.monitor.Threshold())
		s.bus.Publish(events.EventRoundCompleted, map[string]any{
			"round":        round,
			"workers":      len(outcomes),
			"closed":       closed,
			"failed":       failed,
			"empty_streak": s.monitor.ConsecutiveEmpty(),
		})
		if exhausted {
			sum.Reason = "backlog_exhausted"
			break
		}
	}

	if err := s.transition(model.SchedulerTerminated, sum.Reason); err != nil {
		return sum, err
	}
	sum.FinalState = model.SchedulerTerminated
	s.logger.Infof("run_complete rounds=%d attempted=%d closed=%d failed=%d reason=%s",
		sum.Rounds, sum.Attempted, sum.Closed, sum.Failed, sum.Reason)
	return sum, nil
}

func tally(outcomes []model.WorkerOutcome, sum *Summary) (closed, failed int) {
	for _, o := range outcomes {
		if o.IsNoTask() {
			continue
		}
		sum.Attempted += len(o.TasksAttempted)
		closed += len(o.TasksClosed)
		if !o.Succeeded() {
			failed++
		}
	}
	sum.Closed += closed
	sum.Failed += failed
	return closed, failed
}

// runRound starts one worker per slot and waits for all of them.
func (s *Scheduler) runRound(ctx context.Context, round int) []model.WorkerOutcome {
	if inv, ok := s.client.(invalidator); ok {
		inv.Invalidate()
	}
	outcomes := make([]model.WorkerOutcome, s.concurrency)
	var g errgroup.Group
	for i := range outcomes {
		g.Go(func() error {
			outcomes[i] = s.work(ctx, round)
			return nil
		})
	}
	// work never returns an error
	_ = g.Wait()
	return outcomes
}

// work is one stateless worker invocation: claim, run, release, validate.
func (s *Scheduler) work(ctx context.Context, round int) model.WorkerOutcome {
	started := s.now()
	ownerID, err := model.NewOwnerID()
	if err != nil {
		s.logger.Errorf("owner_id round=%d error=%v", round, err)
		out := model.NoTask("", started)
		out.Err = err.Error()
		return out
	}
	short := model.ShortOwnerID(ownerID)

	taskID, ok, err := s.leases.Claim(ctx, ownerID)
	if err != nil {
		s.logger.Warnf("claim_failed round=%d owner=%s error=%v", round, short, err)
		out := model.NoTask(ownerID, started)
		out.Err = err.Error()
		return out
	}
	if !ok {
		return model.NoTask(ownerID, started)
	}

	task := s.lookup(ctx, taskID)
	s.fire(ctx, "on_claim", s.hooks.OnClaim, ownerID, task)
	s.bus.Publish(events.EventTaskClaimed, map[string]any{
		"task_id": taskID, "owner_id": ownerID, "round": round, "title": task.Title,
	})

	result, runErr := s.execute(ctx, ownerID, task)
	success := runErr == nil && result.Succeeded
	reason := ""
	if !success {
		reason = failureReason(runErr)
		if blocked(runErr) {
			s.markBlocked(ctx, task, runErr, round)
		}
	}

	if err := s.leases.Release(ctx, taskID, ownerID, success, reason); err != nil {
		s.logger.Errorf("release round=%d task=%s owner=%s error=%v", round, taskID, short, err)
	}
	if !success {
		s.bus.Publish(events.EventReleaseFailed, map[string]any{
			"task_id": taskID, "owner_id": ownerID, "round": round, "reason": reason,
		})
	}

	var out model.WorkerOutcome
	if runErr != nil {
		out = s.validator.Crashed(ownerID, []string{taskID}, started, runErr)
	} else {
		out, err = s.validator.Validate(ctx, ownerID, []string{taskID}, result, started)
		if err != nil {
			s.logger.Warnf("validate round=%d task=%s owner=%s error=%v", round, taskID, short, err)
		}
	}

	if out.Succeeded() {
		s.fire(ctx, "on_close", s.hooks.OnClose, ownerID, task)
		s.bus.Publish(events.EventTaskClosed, map[string]any{
			"task_id": taskID, "owner_id": ownerID, "round": round, "score": out.ProductivityScore,
		})
	}

	if runErr == nil && result.NeedsPush {
		if err := s.push(ctx); err != nil {
			s.logger.Warnf("push_failed round=%d task=%s owner=%s error=%v", round, taskID, short, err)
			out.Warnings = append(out.Warnings, fmt.Sprintf("push failed: %v", err))
		}
	}
	return out
}

// lookup fetches the task details. A failed lookup still lets the worker run
// with the bare ID.
func (s *Scheduler) lookup(ctx context.Context, taskID string) model.Task {
	var task model.Task
	err := s.policy.Do(ctx, classify.SourceQueue, "get_task", func(ctx context.Context) error {
		t, err := s.client.Get(ctx, taskID)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		s.logger.Warnf("task_lookup task=%s error=%v", taskID, err)
		return model.Task{ID: taskID, State: model.TaskStateOpen}
	}
	return task
}

// execute runs the worker under the retry policy. A panic in the worker is
// converted to an error and is not retried.
func (s *Scheduler) execute(ctx context.Context, ownerID string, task model.Task) (model.WorkerResult, error) {
	var result model.WorkerResult
	err := s.policy.Do(ctx, classify.SourceWorker, "run_worker", func(ctx context.Context) error {
		r, err := s.safeRun(ctx, ownerID, task)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (s *Scheduler) safeRun(ctx context.Context, ownerID string, task model.Task) (result model.WorkerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("worker_panic task=%s owner=%s panic=%v", task.ID, model.ShortOwnerID(ownerID), r)
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return s.runner.Run(ctx, ownerID, task)
}

func (s *Scheduler) push(ctx context.Context) error {
	if s.pusher == nil {
		return nil
	}
	if s.serializer == nil {
		return s.pusher.Push(ctx)
	}
	return s.serializer.Do(ctx, push.LockName, s.pusher.Push)
}

func (s *Scheduler) fire(ctx context.Context, name string, h Hook, ownerID string, task model.Task) {
	if h == nil {
		return
	}
	if err := h(ctx, ownerID, task); err != nil {
		s.logger.Warnf("hook_failed hook=%s task=%s owner=%s error=%v", name, task.ID, model.ShortOwnerID(ownerID), err)
	}
}

func (s *Scheduler) markBlocked(ctx context.Context, task model.Task, cause error, round int) {
	text := fmt.Sprintf("%s: worker refused this task: %v", BlockedPrefix, cause)
	if err := s.client.Comment(ctx, task.ID, text); err != nil {
		s.logger.Warnf("mark_blocked task=%s error=%v", task.ID, err)
		return
	}
	s.logger.Warnf("task_blocked task=%s round=%d", task.ID, round)
	s.bus.Publish(events.EventTaskBlocked, map[string]any{"task_id": task.ID, "round": round})
}

func failureReason(err error) string {
	if err == nil {
		return "worker_reported_failure"
	}
	var ce *classify.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Reason()
	}
	return "worker_failed"
}

func blocked(err error) bool {
	var ce *classify.ClassifiedError
	return errors.As(err, &ce) && ce.Action == classify.ActionMarkBlocked
}
