package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/msageha/leasepool/internal/model"
)

// Comment is a note left on a task, recorded by MemoryClient.
type Comment struct {
	TaskID string
	Text   string
}

// MemoryClient is an in-process tracker. Tasks keep insertion order.
type MemoryClient struct {
	mu       sync.Mutex
	order    []string
	tasks    map[string]model.Task
	comments []Comment

	listCalls int
}

func NewMemoryClient(tasks ...model.Task) *MemoryClient {
	c := &MemoryClient{tasks: make(map[string]model.Task)}
	for _, t := range tasks {
		c.Add(t)
	}
	return c
}

// Add inserts or replaces a task. New tasks default to open.
func (c *MemoryClient) Add(t model.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.State == "" {
		t.State = model.TaskStateOpen
	}
	if _, ok := c.tasks[t.ID]; !ok {
		c.order = append(c.order, t.ID)
	}
	c.tasks[t.ID] = t
}

func (c *MemoryClient) ListOpen(ctx context.Context, f Filter) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	all := make([]model.Task, 0, len(c.order))
	for _, id := range c.order {
		all = append(all, c.tasks[id])
	}
	return applyFilter(all, f), nil
}

func (c *MemoryClient) Get(ctx context.Context, id string) (model.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("get %s: %w", id, ErrTaskNotFound)
	}
	return t, nil
}

func (c *MemoryClient) GetState(ctx context.Context, id string) (model.TaskState, error) {
	t, err := c.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.State, nil
}

func (c *MemoryClient) Close(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("close %s: %w", id, ErrTaskNotFound)
	}
	t.State = model.TaskStateClosed
	c.tasks[id] = t
	return nil
}

func (c *MemoryClient) Comment(ctx context.Context, id, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[id]; !ok {
		return fmt.Errorf("comment %s: %w", id, ErrTaskNotFound)
	}
	c.comments = append(c.comments, Comment{TaskID: id, Text: text})
	return nil
}

// Comments returns the comments recorded so far.
func (c *MemoryClient) Comments() []Comment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Comment(nil), c.comments...)
}

// ListCalls reports how many times ListOpen reached this client.
func (c *MemoryClient) ListCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}
