// Package outcome turns a worker's self-report into a verified outcome by
// re-querying the tracker for exactly the tasks that worker attempted.
package outcome

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/leasepool/internal/classify"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
	"github.com/msageha/leasepool/internal/tracker"
)

const (
	lowProductivityScore = 0.1
	busyToolInvocations  = 30
)

type Validator struct {
	client tracker.Client
	policy *classify.Policy
	logger *logging.Logger
	now    func() time.Time
}

func NewValidator(client tracker.Client, policy *classify.Policy, logger *logging.Logger) *Validator {
	if policy == nil {
		policy = classify.NewPolicy(0, 0, logger)
	}
	return &Validator{
		client: client,
		policy: policy,
		logger: logger.With("outcome"),
		now:    time.Now,
	}
}

// Score is (artifacts*2 + closed*5) / max(tools, 1).
func Score(artifacts, closed, tools int) float64 {
	if tools < 1 {
		tools = 1
	}
	return float64(artifacts*2+closed*5) / float64(tools)
}

// Validate builds ownerID's outcome. Only the IDs in attempted are looked up,
// so work closed by other workers never leaks into this outcome. startedAt
// is used for the duration; pass the zero time to leave it unset.
func (v *Validator) Validate(ctx context.Context, ownerID string, attempted []string, result model.WorkerResult, startedAt time.Time) (model.WorkerOutcome, error) {
	out := model.WorkerOutcome{
		OwnerID:          ownerID,
		TasksAttempted:   append([]string(nil), attempted...),
		TasksClosed:      []string{},
		ToolInvocations:  result.ToolInvocations,
		ArtifactsChanged: result.ArtifactsChanged,
		StartedAt:        startedAt,
	}
	if !startedAt.IsZero() {
		out.Duration = v.now().Sub(startedAt)
	}

	for _, id := range attempted {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var state model.TaskState
		err := v.policy.Do(ctx, classify.SourceQueue, "get_state", func(ctx context.Context) error {
			s, err := v.client.GetState(ctx, id)
			if err != nil {
				return err
			}
			state = s
			return nil
		})
		if err != nil {
			v.logger.Warnf("state_unknown owner=%s task=%s error=%v", ownerID, id, err)
			out.Warnings = append(out.Warnings, fmt.Sprintf("could not confirm state of task %s: %v", id, err))
			continue
		}
		if state == model.TaskStateClosed {
			out.TasksClosed = append(out.TasksClosed, id)
		}
	}

	out.ProductivityScore = Score(out.ArtifactsChanged, len(out.TasksClosed), out.ToolInvocations)
	if out.ProductivityScore < lowProductivityScore && out.ToolInvocations >= busyToolInvocations {
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"low productivity: score %.3f after %d tool invocations", out.ProductivityScore, out.ToolInvocations))
	}
	if out.ToolInvocations >= busyToolInvocations && out.ArtifactsChanged == 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"no artifacts changed after %d tool invocations", out.ToolInvocations))
	}
	out.Status = status(out)

	for _, w := range out.Warnings {
		v.logger.Warnf("outcome_warning owner=%s %s", ownerID, w)
	}
	v.logger.Infof("outcome owner=%s status=%s attempted=%d closed=%d score=%.2f",
		ownerID, out.Status, len(out.TasksAttempted), len(out.TasksClosed), out.ProductivityScore)
	return out, nil
}

// Crashed is the outcome of a worker that errored or panicked. The tracker is
// not consulted: a crashed worker closes nothing, whatever state it left
// behind, so the outcome agrees with the failed release in the ledger.
func (v *Validator) Crashed(ownerID string, attempted []string, startedAt time.Time, cause error) model.WorkerOutcome {
	out := model.WorkerOutcome{
		OwnerID:        ownerID,
		TasksAttempted: append([]string(nil), attempted...),
		TasksClosed:    []string{},
		Status:         model.OutcomeFailed,
		StartedAt:      startedAt,
	}
	if !startedAt.IsZero() {
		out.Duration = v.now().Sub(startedAt)
	}
	if cause != nil {
		out.Err = cause.Error()
	}
	v.logger.Infof("outcome owner=%s status=%s attempted=%d closed=0 error=%v",
		ownerID, out.Status, len(out.TasksAttempted), cause)
	return out
}

func status(o model.WorkerOutcome) model.OutcomeStatus {
	switch {
	case len(o.TasksAttempted) == 0:
		return model.OutcomeNoWork
	case len(o.TasksClosed) > 0:
		return model.OutcomeSuccess
	case o.ArtifactsChanged > 0:
		return model.OutcomePartial
	default:
		return model.OutcomeFailed
	}
}
