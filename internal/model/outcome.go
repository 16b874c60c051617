package model

import "time"

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomePartial OutcomeStatus = "partial"
	OutcomeNoWork  OutcomeStatus = "no_work"
	OutcomeFailed  OutcomeStatus = "failed"
)

// WorkerResult is what the opaque worker reports after running one task.
type WorkerResult struct {
	ToolInvocations  int  `json:"tool_invocations"`
	ArtifactsChanged int  `json:"artifacts_changed"`
	Succeeded        bool `json:"succeeded"`
	NeedsPush        bool `json:"needs_push"`
}

// WorkerOutcome is the per-round, per-worker result. It is never mutated after creation.
type WorkerOutcome struct {
	OwnerID           string        `json:"owner_id"`
	TasksAttempted    []string      `json:"tasks_attempted"`
	TasksClosed       []string      `json:"tasks_closed"`
	ToolInvocations   int           `json:"tool_invocations"`
	ArtifactsChanged  int           `json:"artifacts_changed"`
	ProductivityScore float64       `json:"productivity_score"`
	Status            OutcomeStatus `json:"status"`
	Warnings          []string      `json:"warnings,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	Err               string        `json:"error,omitempty"`
}

// NoTask is the sentinel outcome for a worker that found nothing to claim.
func NoTask(ownerID string, startedAt time.Time) WorkerOutcome {
	return WorkerOutcome{
		OwnerID:   ownerID,
		Status:    OutcomeNoWork,
		StartedAt: startedAt,
	}
}

func (o WorkerOutcome) IsNoTask() bool {
	return len(o.TasksAttempted) == 0
}

func (o WorkerOutcome) Succeeded() bool {
	return len(o.TasksClosed) > 0
}
