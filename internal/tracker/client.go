// Package tracker talks to the external task queue. leasepool only reads open
// tasks, checks their state, closes them, and leaves comments.
package tracker

import (
	"context"
	"errors"

	"github.com/msageha/leasepool/internal/model"
)

// ErrTaskNotFound is returned (wrapped) by clients when a task ID is unknown.
var ErrTaskNotFound = errors.New("task not found")

type Filter struct {
	Labels []string
	Limit  int
}

// Client is the task queue interface consumed by the lease manager,
// the outcome validator, and the board hooks.
type Client interface {
	ListOpen(ctx context.Context, f Filter) ([]model.Task, error)
	GetState(ctx context.Context, id string) (model.TaskState, error)
	Get(ctx context.Context, id string) (model.Task, error)
	Close(ctx context.Context, id string) error
	Comment(ctx context.Context, id, text string) error
}

// applyFilter keeps open tasks that carry all filter labels, in input order,
// truncated to Limit when positive.
func applyFilter(tasks []model.Task, f Filter) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.State != model.TaskStateOpen {
			continue
		}
		if !t.HasLabels(f.Labels) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}
