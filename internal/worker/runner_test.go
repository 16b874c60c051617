package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/leasepool/internal/classify"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
)

func shRunner(script string) *ExecRunner {
	return &ExecRunner{
		Command: []string{"sh", "-c", script},
		Timeout: 5 * time.Second,
		Logger:  logging.Discard(),
	}
}

var task = model.Task{ID: "42", Title: "fix the flaky test"}

func TestExecRunner_ParsesLastLine(t *testing.T) {
	r := shRunner(`echo "working..."; echo '{"tool_invocations": 12, "artifacts_changed": 3, "succeeded": true, "needs_push": true}'; echo`)

	res, err := r.Run(context.Background(), "worker_a", task)
	require.NoError(t, err)
	assert.Equal(t, model.WorkerResult{ToolInvocations: 12, ArtifactsChanged: 3, Succeeded: true, NeedsPush: true}, res)
}

func TestExecRunner_PassesTaskInEnvironment(t *testing.T) {
	r := shRunner(`[ "$LEASEPOOL_TASK_ID" = "42" ] || exit 3
[ "$LEASEPOOL_TASK_TITLE" = "fix the flaky test" ] || exit 4
[ "$LEASEPOOL_OWNER_ID" = "worker_a" ] || exit 5
[ "$API_TOKEN" = "secret-2" ] || exit 6
echo '{"succeeded": true}'`)
	r.Env = func() []string { return []string{"API_TOKEN=secret-2"} }

	res, err := r.Run(context.Background(), "worker_a", task)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
}

func TestExecRunner_PassesTaskFileLocation(t *testing.T) {
	r := shRunner(`[ "$LEASEPOOL_TASKS_FILE" = "/p/.leasepool/tasks.yaml" ] || exit 3
[ "$LEASEPOOL_TASKS_LOCK" = "/p/.leasepool/locks/tasks.lock" ] || exit 4
echo '{"succeeded": true}'`)
	r.TasksFile = "/p/.leasepool/tasks.yaml"
	r.TasksLock = "/p/.leasepool/locks/tasks.lock"

	res, err := r.Run(context.Background(), "worker_a", task)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
}

func TestExecRunner_NonZeroExitCarriesStatus(t *testing.T) {
	r := shRunner(`echo "upstream returned HTTP 429 Too Many Requests" >&2; exit 1`)

	_, err := r.Run(context.Background(), "worker_a", task)
	require.Error(t, err)
	var ue *classify.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 429, ue.Code)
	assert.Contains(t, ue.Message, "Too Many Requests")

	ce := classify.Classify(classify.SourceWorker, err)
	assert.Equal(t, classify.ActionRetryWait, ce.Action)
}

func TestExecRunner_ContentPolicyIsBlocked(t *testing.T) {
	r := shRunner(`echo "request rejected: content policy violation" >&2; exit 2`)

	_, err := r.Run(context.Background(), "worker_a", task)
	ce := classify.Classify(classify.SourceWorker, err)
	assert.Equal(t, classify.CategoryPolicyBlock, ce.Category)
}

func TestExecRunner_Timeout(t *testing.T) {
	r := shRunner(`sleep 5`)
	r.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := r.Run(context.Background(), "worker_a", task)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 504, classify.Classify(classify.SourceWorker, err).Code)
}

func TestExecRunner_NoResultLine(t *testing.T) {
	_, err := shRunner(`true`).Run(context.Background(), "worker_a", task)
	assert.ErrorIs(t, err, ErrNoResult)

	_, err = shRunner(`echo "done, I think"`).Run(context.Background(), "worker_a", task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse result line")
}

func TestExecRunner_RequiresCommand(t *testing.T) {
	r := &ExecRunner{Logger: logging.Discard()}
	_, err := r.Run(context.Background(), "worker_a", task)
	assert.Error(t, err)
}

func TestFuncAdapter(t *testing.T) {
	var got string
	var r Runner = Func(func(ctx context.Context, ownerID string, task model.Task) (model.WorkerResult, error) {
		got = ownerID + ":" + task.ID
		return model.WorkerResult{Succeeded: true}, nil
	})
	res, err := r.Run(context.Background(), "worker_a", task)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, "worker_a:42", got)
}
