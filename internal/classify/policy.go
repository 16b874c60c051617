package classify

import (
	"context"
	"sync"
	"time"

	"github.com/msageha/leasepool/internal/logging"
)

// Rotator switches to the next usable credential. It returns false when no
// other credential is available.
type Rotator interface {
	Rotate(reason string) bool
}

// Policy executes an upstream call and applies the recommended action at most
// once. A second failure is returned classified; it is never retried again.
type Policy struct {
	Rotator    Rotator
	Resync     func(ctx context.Context) error
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Logger     *logging.Logger

	mu       sync.Mutex
	rateHits map[Source]int
}

// NewPolicy returns a Policy with the given backoff bounds (zero values use defaults).
func NewPolicy(minBackoff, maxBackoff time.Duration, logger *logging.Logger) *Policy {
	if minBackoff <= 0 {
		minBackoff = 5 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	return &Policy{
		MinBackoff: minBackoff,
		MaxBackoff: maxBackoff,
		Sleep:      SleepContext,
		Logger:     logger.With("retry_policy"),
		rateHits:   make(map[Source]int),
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn, classifies a failure, and retries once when the action allows.
func (p *Policy) Do(ctx context.Context, source Source, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		p.resetRate(source)
		return nil
	}
	ce := Classify(source, err)

	if !p.prepareRetry(ctx, op, ce) {
		return ce
	}

	err = fn(ctx)
	if err == nil {
		p.resetRate(source)
		return nil
	}
	second := Classify(source, err)
	p.Logger.Warnf("retry_exhausted op=%s source=%s category=%s code=%d error=%v",
		op, source, second.Category, second.Code, second.Err)
	return second
}

// prepareRetry performs the action's side effect (wait, rotate, resync) and
// reports whether a retry should follow.
func (p *Policy) prepareRetry(ctx context.Context, op string, ce *ClassifiedError) bool {
	switch ce.Action {
	case ActionRetryWait:
		wait := ce.RetryAfter
		if IsRateLimit(ce) {
			wait = Backoff(ce, p.bumpRate(ce.Source), p.MinBackoff, p.MaxBackoff)
		} else if wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
		p.Logger.Infof("retry_wait op=%s source=%s code=%d wait=%s", op, ce.Source, ce.Code, wait)
		if err := p.sleep(ctx, wait); err != nil {
			return false
		}
		return true

	case ActionRotateCredential:
		if p.Rotator == nil || !p.Rotator.Rotate(string(ce.Category)) {
			p.Logger.Warnf("rotate_unavailable op=%s source=%s code=%d", op, ce.Source, ce.Code)
			return false
		}
		p.Logger.Infof("rotate_credential op=%s source=%s", op, ce.Source)
		return true

	case ActionResyncRetry:
		if p.Resync != nil {
			if err := p.Resync(ctx); err != nil {
				p.Logger.Warnf("resync_failed op=%s source=%s error=%v", op, ce.Source, err)
				return false
			}
		}
		if err := p.sleep(ctx, ce.RetryAfter); err != nil {
			return false
		}
		p.Logger.Infof("resync_retry op=%s source=%s", op, ce.Source)
		return true

	default:
		p.Logger.Debugf("no_retry op=%s source=%s category=%s action=%s", op, ce.Source, ce.Category, ce.Action)
		return false
	}
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep == nil {
		return SleepContext(ctx, d)
	}
	return p.Sleep(ctx, d)
}

// bumpRate returns the number of consecutive rate-limit hits before this one.
func (p *Policy) bumpRate(s Source) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rateHits == nil {
		p.rateHits = make(map[Source]int)
	}
	n := p.rateHits[s]
	p.rateHits[s] = n + 1
	return n
}

func (p *Policy) resetRate(s Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rateHits, s)
}
