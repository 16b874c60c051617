package classify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/leasepool/internal/logging"
)

type fakeRotator struct {
	calls   int
	reasons []string
	ok      bool
}

func (f *fakeRotator) Rotate(reason string) bool {
	f.calls++
	f.reasons = append(f.reasons, reason)
	return f.ok
}

func newTestPolicy(t *testing.T) (*Policy, *[]time.Duration, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	p := NewPolicy(5*time.Second, 300*time.Second, logging.New(&buf, logging.LevelDebug))
	var slept []time.Duration
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return p, &slept, &buf
}

// failN returns a call that fails with err the first n times.
func failN(n int, err error) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= n {
			return err
		}
		return nil
	}, &calls
}

func TestPolicyDo_SuccessFirstTry(t *testing.T) {
	p, slept, _ := newTestPolicy(t)
	fn, calls := failN(0, nil)

	require.NoError(t, p.Do(context.Background(), SourceQueue, "list", fn))
	assert.Equal(t, 1, *calls)
	assert.Empty(t, *slept)
}

func TestPolicyDo_TransientRetriesOnce(t *testing.T) {
	p, slept, _ := newTestPolicy(t)
	fn, calls := failN(1, &UpstreamError{Code: 502})

	require.NoError(t, p.Do(context.Background(), SourceQueue, "list", fn))
	assert.Equal(t, 2, *calls)
	assert.Equal(t, []time.Duration{30 * time.Second}, *slept)
}

func TestPolicyDo_SecondFailureSurfacesClassified(t *testing.T) {
	p, slept, buf := newTestPolicy(t)
	fn, calls := failN(5, &UpstreamError{Code: 503})

	err := p.Do(context.Background(), SourceQueue, "list", fn)
	require.Error(t, err)
	assert.Equal(t, 2, *calls, "never more than one retry")
	assert.Len(t, *slept, 1)

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CategoryTransient, ce.Category)
	assert.Equal(t, 503, ce.Code)
	assert.Contains(t, buf.String(), "retry_exhausted")
}

func TestPolicyDo_RateLimitBackoffGrows(t *testing.T) {
	p, slept, _ := newTestPolicy(t)
	rate := &UpstreamError{Code: 429}

	for i := 0; i < 3; i++ {
		fn, _ := failN(1, rate)
		require.NoError(t, p.Do(context.Background(), SourceQueue, "list", fn))
	}
	// each call recovers on the retry, so the counter resets between calls
	assert.Equal(t, []time.Duration{60 * time.Second, 60 * time.Second, 60 * time.Second}, *slept)

	*slept = nil
	fn, _ := failN(10, rate)
	_ = p.Do(context.Background(), SourceQueue, "list", fn)
	fn, _ = failN(10, rate)
	_ = p.Do(context.Background(), SourceQueue, "list", fn)
	fn, _ = failN(10, rate)
	_ = p.Do(context.Background(), SourceQueue, "list", fn)
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, *slept)
}

func TestPolicyDo_RateLimitCountersArePerSource(t *testing.T) {
	p, slept, _ := newTestPolicy(t)
	rate := &UpstreamError{Code: 429}

	fn, _ := failN(10, rate)
	_ = p.Do(context.Background(), SourceQueue, "list", fn)
	fn, _ = failN(10, rate)
	_ = p.Do(context.Background(), SourceWorker, "run", fn)
	assert.Equal(t, []time.Duration{60 * time.Second, 60 * time.Second}, *slept)
}

func TestPolicyDo_AuthRotatesCredential(t *testing.T) {
	p, slept, _ := newTestPolicy(t)
	rot := &fakeRotator{ok: true}
	p.Rotator = rot
	fn, calls := failN(1, &UpstreamError{Code: 401})

	require.NoError(t, p.Do(context.Background(), SourceQueue, "list", fn))
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 1, rot.calls)
	assert.Equal(t, []string{"auth"}, rot.reasons)
	assert.Empty(t, *slept)
}

func TestPolicyDo_AuthWithoutRotatorAborts(t *testing.T) {
	p, _, _ := newTestPolicy(t)
	fn, calls := failN(1, &UpstreamError{Code: 401})

	err := p.Do(context.Background(), SourceQueue, "list", fn)
	require.Error(t, err)
	assert.Equal(t, 1, *calls)

	p.Rotator = &fakeRotator{ok: false}
	fn, calls = failN(1, &UpstreamError{Code: 401})
	require.Error(t, p.Do(context.Background(), SourceQueue, "list", fn))
	assert.Equal(t, 1, *calls)
}

func TestPolicyDo_ConflictResyncs(t *testing.T) {
	p, slept, _ := newTestPolicy(t)
	resyncs := 0
	p.Resync = func(context.Context) error {
		resyncs++
		return nil
	}
	fn, calls := failN(1, &UpstreamError{Code: 409})

	require.NoError(t, p.Do(context.Background(), SourceQueue, "close", fn))
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 1, resyncs)
	assert.Equal(t, []time.Duration{5 * time.Second}, *slept)
}

func TestPolicyDo_ResyncFailureStops(t *testing.T) {
	p, _, _ := newTestPolicy(t)
	p.Resync = func(context.Context) error { return errors.New("fetch failed") }
	fn, calls := failN(1, &UpstreamError{Code: 409})

	err := p.Do(context.Background(), SourceQueue, "close", fn)
	require.Error(t, err)
	assert.Equal(t, 1, *calls)
}

func TestPolicyDo_NoRetryForPolicyBlockOrFatal(t *testing.T) {
	for _, err := range []error{
		&UpstreamError{Code: 400},
		&UpstreamError{Code: 403},
		&UpstreamError{Code: 404},
		errors.New("exit status 2"),
	} {
		p, slept, _ := newTestPolicy(t)
		fn, calls := failN(1, err)
		got := p.Do(context.Background(), SourceWorker, "run", fn)
		require.Error(t, got)
		assert.Equal(t, 1, *calls, "%v must not be retried", err)
		assert.Empty(t, *slept)
	}
}

func TestPolicyDo_CancelledDuringWait(t *testing.T) {
	p, _, _ := newTestPolicy(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fn, calls := failN(1, &UpstreamError{Code: 500})

	err := p.Do(ctx, SourceQueue, "list", fn)
	require.Error(t, err)
	assert.Equal(t, 1, *calls)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
