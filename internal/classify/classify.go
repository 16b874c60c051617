// Package classify maps upstream failures from the task tracker and the worker
// into a closed taxonomy with a recommended recovery action.
package classify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Source identifies which upstream produced the failure.
type Source string

const (
	SourceQueue  Source = "queue"
	SourceWorker Source = "worker"
)

type Category string

const (
	CategoryTransient   Category = "transient"
	CategoryAuth        Category = "auth"
	CategoryConflict    Category = "conflict"
	CategoryPolicyBlock Category = "policy_block"
	CategoryFatal       Category = "fatal"
)

type Action string

const (
	ActionRetryWait        Action = "retry_wait"
	ActionRotateCredential Action = "rotate_credential"
	ActionResyncRetry      Action = "resync_retry"
	ActionMarkBlocked      Action = "mark_blocked"
	ActionAbort            Action = "abort"
)

// Retries reports whether the action allows one automatic retry.
func (a Action) Retries() bool {
	switch a {
	case ActionRetryWait, ActionRotateCredential, ActionResyncRetry:
		return true
	default:
		return false
	}
}

// UpstreamError is what tracker and worker adapters return for a failed call.
// Code is the HTTP-like status when one is known, 0 otherwise.
type UpstreamError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("upstream status %d: %s", e.Code, msg)
	}
	return "upstream: " + msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) StatusCode() int { return e.Code }

// ClassifiedError carries the classification alongside the original error.
type ClassifiedError struct {
	Source     Source
	Code       int
	Category   Category
	Action     Action
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *ClassifiedError) Error() string {
	s := fmt.Sprintf("%s %s/%s", e.Source, e.Category, e.Action)
	if e.Code != 0 {
		s += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Reason is the short string recorded on the claim when this error fails a task.
func (e *ClassifiedError) Reason() string {
	return string(e.Category)
}

type rule struct {
	category   Category
	action     Action
	retryAfter time.Duration
	message    string
}

// Per-source overrides, consulted before the generic table.
var sourceRules = map[Source]map[int]rule{
	SourceWorker: {
		400: {CategoryPolicyBlock, ActionMarkBlocked, 0, "bad request, content may have been filtered"},
		529: {CategoryTransient, ActionRetryWait, 120 * time.Second, "overloaded"},
	},
	SourceQueue: {
		422: {CategoryFatal, ActionAbort, 0, "validation failed"},
	},
}

var genericRules = map[int]rule{
	401: {CategoryAuth, ActionRotateCredential, 0, "authentication failed"},
	403: {CategoryFatal, ActionAbort, 0, "forbidden"},
	404: {CategoryFatal, ActionAbort, 0, "not found"},
	409: {CategoryConflict, ActionResyncRetry, 5 * time.Second, "conflict, resync required"},
	429: {CategoryTransient, ActionRetryWait, 60 * time.Second, "rate limited"},
	500: {CategoryTransient, ActionRetryWait, 30 * time.Second, "server error"},
	502: {CategoryTransient, ActionRetryWait, 30 * time.Second, "bad gateway"},
	503: {CategoryTransient, ActionRetryWait, 60 * time.Second, "service unavailable"},
	504: {CategoryTransient, ActionRetryWait, 30 * time.Second, "gateway timeout"},
}

var policyKeywords = []string{
	"content policy",
	"content_policy",
	"content filter",
	"content_filter",
	"usage policy",
	"policy violation",
	"output blocked",
}

var (
	statusRegex   = regexp.MustCompile(`(?i)\b(?:status|http|code)[\s:=]*([45][0-9]{2})\b`)
	bareCodeRegex = regexp.MustCompile(`\b([45][0-9]{2})\b`)
)

// Classify maps err to a ClassifiedError. nil in, nil out. An error that is
// already classified is returned unchanged.
func Classify(source Source, err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	code, retryAfter := extractCode(err)
	text := strings.ToLower(err.Error())

	if containsAny(text, policyKeywords) {
		return &ClassifiedError{
			Source:   source,
			Code:     code,
			Category: CategoryPolicyBlock,
			Action:   ActionMarkBlocked,
			Message:  "content policy rejection",
			Err:      err,
		}
	}

	// keywords outrank a bare number: "issue 412" is an ID, not a status
	if code == 0 {
		code = codeFromKeywords(text)
	}
	if code == 0 {
		code = firstCode(bareCodeRegex, text)
	}
	if errors.Is(err, context.DeadlineExceeded) && code == 0 {
		code = 504
	}

	r, ok := lookup(source, code)
	if !ok {
		r = rule{CategoryFatal, ActionAbort, 0, "unclassified failure"}
		if code >= 500 && code < 600 {
			r = rule{CategoryTransient, ActionRetryWait, 30 * time.Second, "server error"}
		}
	}
	wait := r.retryAfter
	if retryAfter > 0 && r.action == ActionRetryWait {
		wait = retryAfter
	}
	return &ClassifiedError{
		Source:     source,
		Code:       code,
		Category:   r.category,
		Action:     r.action,
		RetryAfter: wait,
		Message:    r.message,
		Err:        err,
	}
}

// IsRateLimit reports a 429 or rate-limit wording.
func IsRateLimit(ce *ClassifiedError) bool {
	if ce == nil {
		return false
	}
	if ce.Code == 429 {
		return true
	}
	text := strings.ToLower(ce.Message)
	if ce.Err != nil {
		text += " " + strings.ToLower(ce.Err.Error())
	}
	return containsAny(text, []string{"rate limit", "rate_limit", "too many requests", "quota"})
}

// Backoff returns max(RetryAfter, min) * 2^attempt, capped at max.
func Backoff(ce *ClassifiedError, attempt int, min, max time.Duration) time.Duration {
	base := min
	if ce != nil && ce.RetryAfter > base {
		base = ce.RetryAfter
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func lookup(source Source, code int) (rule, bool) {
	if rules, ok := sourceRules[source]; ok {
		if r, ok := rules[code]; ok {
			return r, true
		}
	}
	r, ok := genericRules[code]
	return r, ok
}

type statusCoder interface {
	StatusCode() int
}

func extractCode(err error) (int, time.Duration) {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Code != 0 {
		return ue.Code, ue.RetryAfter
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() != 0 {
		return sc.StatusCode(), 0
	}
	return firstCode(statusRegex, err.Error()), 0
}

func firstCode(re *regexp.Regexp, text string) int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return code
}

func codeFromKeywords(text string) int {
	switch {
	case containsAny(text, []string{"rate limit", "rate_limit", "too many requests", "quota exceeded"}):
		return 429
	case containsAny(text, []string{"unauthorized", "authentication", "bad credentials"}):
		return 401
	case containsAny(text, []string{"not found", "could not resolve"}):
		return 404
	case containsAny(text, []string{"conflict", "merge conflict", "non-fast-forward"}):
		return 409
	case containsAny(text, []string{"timeout", "timed out"}):
		return 504
	case containsAny(text, []string{"overloaded"}):
		return 529
	default:
		return 0
	}
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
