package lease

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/msageha/leasepool/internal/classify"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
	"github.com/msageha/leasepool/internal/tracker"
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	TTL               time.Duration
	DeprioritizeAfter int
	Filter            tracker.Filter
	Policy            *classify.Policy
	Logger            *logging.Logger
	Now               func() time.Time
}

// Manager hands out exclusive, TTL-bounded claims on tracker tasks and
// records failures against them.
type Manager struct {
	store     *Store
	client    tracker.Client
	filter    tracker.Filter
	ttl       time.Duration
	threshold int
	policy    *classify.Policy
	logger    *logging.Logger
	now       func() time.Time
}

func NewManager(store *Store, client tracker.Client, opts Options) *Manager {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = model.DefaultLeaseTTL
	}
	threshold := opts.DeprioritizeAfter
	if threshold <= 0 {
		threshold = model.DefaultFailureDeprioritizeThreshold
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger.With("lease_manager")
	policy := opts.Policy
	if policy == nil {
		policy = classify.NewPolicy(0, 0, opts.Logger)
	}
	return &Manager{
		store:     store,
		client:    client,
		filter:    opts.Filter,
		ttl:       ttl,
		threshold: threshold,
		policy:    policy,
		logger:    logger,
		now:       now,
	}
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Claim picks the best unclaimed open task for ownerID and records the claim.
// ok is false when nothing is claimable; that is not an error.
func (m *Manager) Claim(ctx context.Context, ownerID string) (taskID string, ok bool, err error) {
	var open []model.Task
	err = m.policy.Do(ctx, classify.SourceQueue, "list_open", func(ctx context.Context) error {
		tasks, err := m.client.ListOpen(ctx, m.filter)
		if err != nil {
			return err
		}
		open = tasks
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("list open tasks: %w", err)
	}

	err = m.store.Update(ctx, func(l *model.Ledger) (bool, error) {
		now := m.now().UTC()
		changed := m.sweep(l, now)

		candidates := m.candidates(l, open, now)
		if len(candidates) == 0 {
			return changed, nil
		}
		pick := candidates[0]
		if existing, found := l.Claims[pick.ID]; found {
			existing.Reclaim(ownerID, now)
			existing.Title = pick.Title
		} else {
			l.Claims[pick.ID] = &model.Claim{
				TaskID:    pick.ID,
				OwnerID:   ownerID,
				Title:     pick.Title,
				Status:    model.ClaimStatusClaimed,
				ClaimedAt: now,
			}
		}
		c := l.Claims[pick.ID]
		taskID, ok = pick.ID, true
		m.logger.Infof("lease_acquire task=%s owner=%s failures=%d priority=%s expires=%s",
			pick.ID, ownerID, c.FailureCount, pick.Priority, now.Add(m.ttl).Format(time.RFC3339))
		return true, nil
	})
	if err != nil {
		return "", false, err
	}
	if !ok {
		m.logger.Debugf("no_candidate owner=%s open=%d", ownerID, len(open))
	}
	return taskID, ok, nil
}

// sweep drops abandoned claims that never failed. An abandoned re-claim of a
// task that has failed before keeps its record, so its failure count is never
// lost; it only stops blocking the task. Failed records past their cool-down
// stay for the same reason.
func (m *Manager) sweep(l *model.Ledger, now time.Time) bool {
	changed := false
	for id, c := range l.Claims {
		if !c.Abandoned(now, m.ttl) {
			continue
		}
		m.logger.Infof("lease_expire task=%s owner=%s claimed_at=%s failures=%d",
			id, c.OwnerID, c.ClaimedAt.Format(time.RFC3339), c.FailureCount)
		if c.FailedAt == nil {
			delete(l.Claims, id)
		} else {
			c.Expire()
		}
		changed = true
	}
	return changed
}

// candidates filters open tasks to those without a live claim and orders them:
// fewest failures first, then higher priority, then tracker order. Tasks at or
// past the deprioritize threshold always come last.
func (m *Manager) candidates(l *model.Ledger, open []model.Task, now time.Time) []model.Task {
	failures := func(id string) int {
		if c, ok := l.Claims[id]; ok {
			return c.FailureCount
		}
		return 0
	}

	out := make([]model.Task, 0, len(open))
	for _, t := range open {
		if c, ok := l.Claims[t.ID]; ok && c.Live(now, m.ttl) {
			continue
		}
		out = append(out, t)
	}

	slices.SortStableFunc(out, func(a, b model.Task) int {
		fa, fb := failures(a.ID), failures(b.ID)
		da, db := fa >= m.threshold, fb >= m.threshold
		if da != db {
			if da {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(fa, fb); c != 0 {
			return c
		}
		return cmp.Compare(b.Priority, a.Priority)
	})
	return out
}

// Release ends ownerID's claim on taskID. A missing claim or a claim held by
// someone else is left untouched. Success deletes the claim; failure keeps it
// as a cool-down record with an incremented failure count.
func (m *Manager) Release(ctx context.Context, taskID, ownerID string, success bool, reason string) error {
	return m.store.Update(ctx, func(l *model.Ledger) (bool, error) {
		c, ok := l.Claims[taskID]
		if !ok {
			m.logger.Warnf("release_noop task=%s owner=%s reason=no_claim", taskID, ownerID)
			return false, nil
		}
		if c.OwnerID != ownerID || c.Status != model.ClaimStatusClaimed {
			m.logger.Warnf("release_noop task=%s owner=%s holder=%s status=%s reason=not_owner",
				taskID, ownerID, c.OwnerID, c.Status)
			return false, nil
		}
		if success {
			delete(l.Claims, taskID)
			m.logger.Infof("lease_release task=%s owner=%s result=success", taskID, ownerID)
			return true, nil
		}
		c.MarkFailed(m.now().UTC(), reason)
		m.logger.Warnf("lease_release task=%s owner=%s result=failure reason=%s failure_count=%d deprioritized=%t",
			taskID, ownerID, reason, c.FailureCount, c.FailureCount >= m.threshold)
		return true, nil
	})
}

// FailureSummary reports how often taskID has failed and when it last did.
func (m *Manager) FailureSummary(ctx context.Context, taskID string) (int, *time.Time, error) {
	l, err := m.store.Load(ctx)
	if err != nil {
		return 0, nil, err
	}
	c, ok := l.Claims[taskID]
	if !ok {
		return 0, nil, nil
	}
	return c.FailureCount, c.FailedAt, nil
}

// Reset forgets taskID's failure history. Only an operator should call this.
func (m *Manager) Reset(ctx context.Context, taskID string) (bool, error) {
	found := false
	err := m.store.Update(ctx, func(l *model.Ledger) (bool, error) {
		c, ok := l.Claims[taskID]
		if !ok {
			return false, nil
		}
		found = true
		if c.Failed() {
			delete(l.Claims, taskID)
		} else {
			c.FailureCount = 0
			c.FailureReasons = nil
			c.FailedAt = nil
		}
		m.logger.Infof("failure_reset task=%s", taskID)
		return true, nil
	})
	return found, err
}

// Snapshot returns a copy of the ledger.
func (m *Manager) Snapshot(ctx context.Context) (*model.Ledger, error) {
	return m.store.Load(ctx)
}
