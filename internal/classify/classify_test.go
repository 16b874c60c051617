package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Table(t *testing.T) {
	tests := []struct {
		name     string
		source   Source
		err      error
		code     int
		category Category
		action   Action
	}{
		{"auth", SourceQueue, &UpstreamError{Code: 401}, 401, CategoryAuth, ActionRotateCredential},
		{"rate", SourceQueue, &UpstreamError{Code: 429}, 429, CategoryTransient, ActionRetryWait},
		{"server 500", SourceWorker, &UpstreamError{Code: 500}, 500, CategoryTransient, ActionRetryWait},
		{"server 502", SourceQueue, &UpstreamError{Code: 502}, 502, CategoryTransient, ActionRetryWait},
		{"server 503", SourceQueue, &UpstreamError{Code: 503}, 503, CategoryTransient, ActionRetryWait},
		{"conflict", SourceQueue, &UpstreamError{Code: 409}, 409, CategoryConflict, ActionResyncRetry},
		{"forbidden", SourceQueue, &UpstreamError{Code: 403}, 403, CategoryFatal, ActionAbort},
		{"not found", SourceQueue, &UpstreamError{Code: 404}, 404, CategoryFatal, ActionAbort},
		{"worker 400 is policy", SourceWorker, &UpstreamError{Code: 400}, 400, CategoryPolicyBlock, ActionMarkBlocked},
		{"queue 400 is fatal", SourceQueue, &UpstreamError{Code: 400}, 400, CategoryFatal, ActionAbort},
		{"unknown 418", SourceQueue, &UpstreamError{Code: 418}, 418, CategoryFatal, ActionAbort},
		{"plain error", SourceWorker, errors.New("segfault"), 0, CategoryFatal, ActionAbort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Classify(tt.source, tt.err)
			require.NotNil(t, ce)
			assert.Equal(t, tt.source, ce.Source)
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, tt.category, ce.Category)
			assert.Equal(t, tt.action, ce.Action)
			assert.ErrorIs(t, ce, tt.err)
		})
	}
}

func TestClassify_NilAndAlreadyClassified(t *testing.T) {
	assert.Nil(t, Classify(SourceQueue, nil))

	ce := &ClassifiedError{Source: SourceWorker, Category: CategoryConflict, Action: ActionResyncRetry}
	wrapped := fmt.Errorf("run: %w", ce)
	assert.Same(t, ce, Classify(SourceQueue, wrapped))
}

func TestClassify_TextHeuristics(t *testing.T) {
	tests := []struct {
		msg      string
		code     int
		category Category
	}{
		{"gh: HTTP 502: Bad Gateway", 502, CategoryTransient},
		{"request failed with status 429", 429, CategoryTransient},
		{"API rate limit exceeded for user", 429, CategoryTransient},
		{"401 Unauthorized", 401, CategoryAuth},
		{"authentication required", 401, CategoryAuth},
		{"issue not found", 404, CategoryFatal},
		{"context deadline: request timed out", 504, CategoryTransient},
		{"! [rejected] main -> main (non-fast-forward)", 409, CategoryConflict},
		{"rate limit exceeded while updating issue 412", 429, CategoryTransient},
		{"timed out after 450 seconds", 504, CategoryTransient},
		{"error code 503 from upstream", 503, CategoryTransient},
		{"upstream said 502", 502, CategoryTransient},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			ce := Classify(SourceQueue, errors.New(tt.msg))
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, tt.category, ce.Category)
		})
	}
}

func TestClassify_ContentPolicyWinsOverCode(t *testing.T) {
	ce := Classify(SourceWorker, &UpstreamError{Code: 500, Message: "Output blocked by content filtering policy"})
	assert.Equal(t, CategoryPolicyBlock, ce.Category)
	assert.Equal(t, ActionMarkBlocked, ce.Action)
	assert.False(t, ce.Action.Retries())
}

func TestClassify_DeadlineExceeded(t *testing.T) {
	ce := Classify(SourceWorker, fmt.Errorf("worker: %w", context.DeadlineExceeded))
	assert.Equal(t, 504, ce.Code)
	assert.Equal(t, CategoryTransient, ce.Category)
}

func TestClassify_RetryAfterHeaderWins(t *testing.T) {
	ce := Classify(SourceQueue, &UpstreamError{Code: 429, RetryAfter: 7 * time.Second})
	assert.Equal(t, 7*time.Second, ce.RetryAfter)

	ce = Classify(SourceQueue, &UpstreamError{Code: 500})
	assert.Equal(t, 30*time.Second, ce.RetryAfter)
}

type codedErr int

func (c codedErr) Error() string   { return "coded" }
func (c codedErr) StatusCode() int { return int(c) }

func TestClassify_StatusCoderInterface(t *testing.T) {
	ce := Classify(SourceQueue, fmt.Errorf("wrap: %w", codedErr(409)))
	assert.Equal(t, CategoryConflict, ce.Category)
}

func TestIsRateLimit(t *testing.T) {
	assert.True(t, IsRateLimit(Classify(SourceQueue, &UpstreamError{Code: 429})))
	assert.True(t, IsRateLimit(&ClassifiedError{Err: errors.New("monthly quota reached")}))
	assert.False(t, IsRateLimit(Classify(SourceQueue, &UpstreamError{Code: 500})))
	assert.False(t, IsRateLimit(nil))
}

func TestBackoff(t *testing.T) {
	min, max := 5*time.Second, 300*time.Second
	ce := &ClassifiedError{RetryAfter: 60 * time.Second}

	assert.Equal(t, 60*time.Second, Backoff(ce, 0, min, max))
	assert.Equal(t, 120*time.Second, Backoff(ce, 1, min, max))
	assert.Equal(t, 240*time.Second, Backoff(ce, 2, min, max))
	assert.Equal(t, 300*time.Second, Backoff(ce, 3, min, max))
	assert.Equal(t, 300*time.Second, Backoff(ce, 50, min, max))

	assert.Equal(t, 5*time.Second, Backoff(&ClassifiedError{}, 0, min, max), "minimum base applies")
	assert.Equal(t, 10*time.Second, Backoff(nil, 1, min, max))
}

func TestActionRetries(t *testing.T) {
	assert.True(t, ActionRetryWait.Retries())
	assert.True(t, ActionRotateCredential.Retries())
	assert.True(t, ActionResyncRetry.Retries())
	assert.False(t, ActionMarkBlocked.Retries())
	assert.False(t, ActionAbort.Retries())
}
