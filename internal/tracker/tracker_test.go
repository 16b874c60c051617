package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/leasepool/internal/classify"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
)

func ids(tasks []model.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestMemoryClient_ListOpenKeepsOrderAndFilters(t *testing.T) {
	c := NewMemoryClient(
		model.Task{ID: "3", Labels: []string{"bug"}},
		model.Task{ID: "1", Labels: []string{"bug", "ai"}},
		model.Task{ID: "2", Labels: []string{"ai"}, State: model.TaskStateClosed},
		model.Task{ID: "4", Labels: []string{"AI"}},
	)
	ctx := context.Background()

	all, err := c.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "1", "4"}, ids(all))

	ai, err := c.ListOpen(ctx, Filter{Labels: []string{"ai"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "4"}, ids(ai))

	one, err := c.ListOpen(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, ids(one))
}

func TestMemoryClient_CloseAndComment(t *testing.T) {
	c := NewMemoryClient(model.Task{ID: "1"})
	ctx := context.Background()

	require.NoError(t, c.Comment(ctx, "1", "picked up"))
	require.NoError(t, c.Close(ctx, "1"))

	state, err := c.GetState(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateClosed, state)
	assert.Equal(t, []Comment{{TaskID: "1", Text: "picked up"}}, c.Comments())

	_, err = c.GetState(ctx, "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, c.Close(ctx, "nope"), ErrTaskNotFound)
}

const sampleTasks = `schema_version: 1
file_type: tasks
tasks:
  - id: "10"
    title: write docs
    priority: low
  - id: "11"
    title: fix crash
    labels: [bug, "priority:urgent"]
  - id: "12"
    title: done already
    state: closed
`

func writeTasks(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileClient_ReadsDocument(t *testing.T) {
	c := NewFileClient(writeTasks(t, sampleTasks), logging.Discard())
	ctx := context.Background()

	tasks, err := c.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "10", tasks[0].ID)
	assert.Equal(t, model.PriorityLow, tasks[0].Priority)
	assert.Equal(t, model.TaskStateOpen, tasks[0].State)
	assert.Equal(t, model.PriorityUrgent, tasks[1].Priority, "priority derived from labels")

	state, err := c.GetState(ctx, "12")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateClosed, state)
}

func TestFileClient_ClosePersists(t *testing.T) {
	path := writeTasks(t, sampleTasks)
	ctx := context.Background()

	c := NewFileClient(path, logging.Discard())
	require.NoError(t, c.Close(ctx, "10"))
	require.NoError(t, c.Comment(ctx, "11", "in progress"))

	reopened := NewFileClient(path, logging.Discard())
	tasks, err := reopened.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"11"}, ids(tasks))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "in progress")
	assert.Contains(t, string(raw), "file_type: tasks")
}

func TestFileClient_SeesExternalWriteWithoutWatcher(t *testing.T) {
	path := writeTasks(t, sampleTasks)
	c := NewFileClient(path, logging.Discard())
	ctx := context.Background()

	tasks, err := c.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "write docs", tasks[0].Title)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleTasks, "write docs", "write more docs", 1)), 0644))
	tasks, err = c.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "write more docs", tasks[0].Title)
}

func TestFileClient_OtherProcessCloseIsNeverLost(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		path := writeTasks(t, sampleTasks)
		sched := NewFileClient(path, logging.Discard())
		require.NoError(t, sched.Watch())

		// prime the cache before the worker touches the file
		_, err := sched.ListOpen(ctx, Filter{})
		require.NoError(t, err)

		worker := NewFileClient(path, logging.Discard())
		require.NoError(t, worker.Close(ctx, "10"))

		state, err := sched.GetState(ctx, "10")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStateClosed, state, "iteration %d: stale state", i)

		require.NoError(t, sched.Comment(ctx, "11", "in progress"))
		reread := NewFileClient(path, logging.Discard())
		state, err = reread.GetState(ctx, "10")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStateClosed, state, "iteration %d: close lost on disk", i)

		require.NoError(t, sched.Stop())
	}
}

func TestFileClient_ConcurrentWritersKeepEveryChange(t *testing.T) {
	path := writeTasks(t, sampleTasks)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := NewFileClient(path, logging.Discard())
			for j := 0; j < 5; j++ {
				assert.NoError(t, c.Comment(ctx, "11", "note"))
			}
		}(i)
	}
	wg.Wait()

	c := NewFileClient(path, logging.Discard())
	_, err := c.Get(ctx, "11")
	require.NoError(t, err)
	c.mu.Lock()
	doc, err := c.load()
	c.mu.Unlock()
	require.NoError(t, err)
	i, err := c.find(doc, "11")
	require.NoError(t, err)
	assert.Len(t, doc.Tasks[i].Comments, 20)
	assert.FileExists(t, c.LockPath())
}

func TestFileClient_WatchInvalidatesOnExternalWrite(t *testing.T) {
	path := writeTasks(t, sampleTasks)
	c := NewFileClient(path, logging.Discard())
	require.NoError(t, c.Watch())
	t.Cleanup(func() { _ = c.Stop() })
	ctx := context.Background()

	_, err := c.ListOpen(ctx, Filter{})
	require.NoError(t, err)

	added := sampleTasks + "  - id: \"13\"\n    title: new\n"
	require.NoError(t, os.WriteFile(path, []byte(added), 0644))

	require.Eventually(t, func() bool {
		tasks, err := c.ListOpen(ctx, Filter{})
		return err == nil && len(tasks) == 3
	}, 3*time.Second, 20*time.Millisecond)
}

func TestFileClient_MissingAndCorrupt(t *testing.T) {
	ctx := context.Background()

	missing := NewFileClient(filepath.Join(t.TempDir(), "tasks.yaml"), logging.Discard())
	_, err := missing.ListOpen(ctx, Filter{})
	assert.ErrorIs(t, err, ErrTaskNotFound)

	corrupt := NewFileClient(writeTasks(t, "tasks: [\n"), logging.Discard())
	_, err = corrupt.ListOpen(ctx, Filter{})
	require.Error(t, err)
	ce := classify.Classify(classify.SourceQueue, err)
	assert.Equal(t, classify.CategoryFatal, ce.Category)
}

type ghCall struct {
	name string
	args []string
}

type fakeGH struct {
	mu     sync.Mutex
	calls  []ghCall
	stdout string
	stderr string
	err    error
}

func (f *fakeGH) run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ghCall{name: name, args: args})
	return []byte(f.stdout), []byte(f.stderr), f.err
}

func TestGitHubClient_ListOpen(t *testing.T) {
	fake := &fakeGH{stdout: `[
		{"number": 7, "title": "flaky test", "state": "OPEN", "labels": [{"name": "ai"}, {"name": "priority:high"}]},
		{"number": 9, "title": "docs", "state": "OPEN", "labels": [{"name": "ai"}]}
	]`}
	c := &GitHubClient{Repo: "acme/app", Run: fake.run}

	tasks, err := c.ListOpen(context.Background(), Filter{Labels: []string{"ai"}, Limit: 20})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "7", tasks[0].ID)
	assert.Equal(t, model.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, model.TaskStateOpen, tasks[1].State)

	require.Len(t, fake.calls, 1)
	call := fake.calls[0]
	assert.Equal(t, "gh", call.name)
	joined := strings.Join(call.args, " ")
	assert.Contains(t, joined, "issue list --state open")
	assert.Contains(t, joined, "--label ai")
	assert.Contains(t, joined, "--limit 20")
	assert.Contains(t, joined, "--repo acme/app")
}

func TestGitHubClient_GetStateAndMutations(t *testing.T) {
	fake := &fakeGH{stdout: `{"number": 7, "title": "x", "state": "CLOSED", "labels": []}`}
	c := &GitHubClient{Repo: "acme/app", Run: fake.run}
	ctx := context.Background()

	state, err := c.GetState(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateClosed, state)

	require.NoError(t, c.Close(ctx, "7"))
	require.NoError(t, c.Comment(ctx, "7", "done"))
	require.Len(t, fake.calls, 3)
	assert.Equal(t, []string{"issue", "close", "7", "--repo", "acme/app"}, fake.calls[1].args)
	assert.Equal(t, []string{"issue", "comment", "7", "--body", "done", "--repo", "acme/app"}, fake.calls[2].args)
}

func TestGitHubClient_ErrorsCarryStatus(t *testing.T) {
	fake := &fakeGH{stderr: "GraphQL: API rate limit exceeded (HTTP 429)", err: errors.New("exit status 1")}
	c := &GitHubClient{Repo: "acme/app", Run: fake.run}

	_, err := c.ListOpen(context.Background(), Filter{})
	require.Error(t, err)
	var ue *classify.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 429, ue.Code)

	ce := classify.Classify(classify.SourceQueue, err)
	assert.Equal(t, classify.CategoryTransient, ce.Category)
	assert.True(t, classify.IsRateLimit(ce))
}

// countingClient counts ListOpen calls and blocks them until release is closed.
type countingClient struct {
	*MemoryClient
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingClient) ListOpen(ctx context.Context, f Filter) ([]model.Task, error) {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	return c.MemoryClient.ListOpen(ctx, f)
}

func TestCached_CollapsesConcurrentListings(t *testing.T) {
	inner := &countingClient{
		MemoryClient: NewMemoryClient(model.Task{ID: "1"}, model.Task{ID: "2"}),
		release:      make(chan struct{}),
	}
	c := NewCached(inner, time.Minute)

	var wg sync.WaitGroup
	results := make([][]model.Task, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tasks, err := c.ListOpen(context.Background(), Filter{})
			assert.NoError(t, err)
			results[i] = tasks
		}(i)
	}
	require.Eventually(t, func() bool { return inner.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	assert.LessOrEqual(t, int(inner.calls.Load()), 2, "concurrent listings share one upstream call")
	for _, r := range results {
		assert.Equal(t, []string{"1", "2"}, ids(r))
	}

	before := inner.calls.Load()
	_, err := c.ListOpen(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, before, inner.calls.Load(), "served from cache")
}

func TestCached_ExpiresAndInvalidates(t *testing.T) {
	inner := &countingClient{MemoryClient: NewMemoryClient(model.Task{ID: "1"}, model.Task{ID: "2"})}
	c := NewCached(inner, 10*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	_, err = c.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())

	now = now.Add(11 * time.Second)
	_, err = c.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())

	require.NoError(t, c.Close(ctx, "1"))
	tasks, err := c.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, []string{"2"}, ids(tasks))
}

func TestCached_DifferentFiltersAreSeparate(t *testing.T) {
	inner := &countingClient{MemoryClient: NewMemoryClient(model.Task{ID: "1", Labels: []string{"a"}}, model.Task{ID: "2"})}
	c := NewCached(inner, time.Minute)
	ctx := context.Background()

	a, err := c.ListOpen(ctx, Filter{Labels: []string{"a"}})
	require.NoError(t, err)
	all, err := c.ListOpen(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(a))
	assert.Equal(t, []string{"1", "2"}, ids(all))
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, "a|0", filterKey(Filter{Labels: []string{"a"}}))
}
