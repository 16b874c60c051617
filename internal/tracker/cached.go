package tracker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/leasepool/internal/model"
)

type cacheEntry struct {
	tasks    []model.Task
	loadedAt time.Time
}

// Cached wraps a Client so that concurrent workers listing the queue in the
// same round share one upstream call. Listings are reused for ttl; Close and
// Comment drop every cached listing. GetState and Get always go upstream.
type Cached struct {
	inner Client
	ttl   time.Duration
	now   func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cacheEntry
	gen     uint64
}

func NewCached(inner Client, ttl time.Duration) *Cached {
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func filterKey(f Filter) string {
	return strings.Join(f.Labels, ",") + "|" + strconv.Itoa(f.Limit)
}

func copyTasks(in []model.Task) []model.Task {
	return append([]model.Task(nil), in...)
}

func (c *Cached) ListOpen(ctx context.Context, f Filter) ([]model.Task, error) {
	key := filterKey(f)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.loadedAt) < c.ttl {
		c.mu.Unlock()
		return copyTasks(e.tasks), nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		tasks, err := c.inner.ListOpen(ctx, f)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		// an invalidation during the call makes this listing stale
		if c.gen == gen {
			c.entries[key] = cacheEntry{tasks: tasks, loadedAt: c.now()}
		}
		c.mu.Unlock()
		return tasks, nil
	})
	if err != nil {
		return nil, err
	}
	return copyTasks(v.([]model.Task)), nil
}

func (c *Cached) Get(ctx context.Context, id string) (model.Task, error) {
	return c.inner.Get(ctx, id)
}

func (c *Cached) GetState(ctx context.Context, id string) (model.TaskState, error) {
	return c.inner.GetState(ctx, id)
}

func (c *Cached) Close(ctx context.Context, id string) error {
	defer c.Invalidate()
	return c.inner.Close(ctx, id)
}

func (c *Cached) Comment(ctx context.Context, id, text string) error {
	defer c.Invalidate()
	return c.inner.Comment(ctx, id, text)
}

// Invalidate drops all cached listings.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.gen++
}
