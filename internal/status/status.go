// Package status reports the claim ledger: who holds what, and which tasks
// keep failing.
package status

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/msageha/leasepool/internal/board"
	"github.com/msageha/leasepool/internal/lease"
	"github.com/msageha/leasepool/internal/model"
)

type ClaimStatus struct {
	TaskID        string     `json:"task_id"`
	Title         string     `json:"title,omitempty"`
	OwnerID       string     `json:"owner_id"`
	Status        string     `json:"status"`
	ClaimedAt     time.Time  `json:"claimed_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Live          bool       `json:"live"`
	FailureCount  int        `json:"failure_count"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	LastReason    string     `json:"last_reason,omitempty"`
	Deprioritized bool       `json:"deprioritized"`
}

type Report struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	LedgerUpdated *time.Time    `json:"ledger_updated_at,omitempty"`
	Active        int           `json:"active"`
	Failed        int           `json:"failed"`
	Deprioritized int           `json:"deprioritized"`
	RecentlyDone  int           `json:"recently_done"`
	Claims        []ClaimStatus `json:"claims"`
}

// Options carries the lease settings the report interprets claims with.
type Options struct {
	TTL               time.Duration
	DeprioritizeAfter int
	Now               time.Time
}

// Build reads the ledger (and the board, when given) into a Report. Claims
// are listed most-failed first.
func Build(ctx context.Context, store *lease.Store, fb *board.FileBoard, opts Options) (Report, error) {
	if opts.TTL <= 0 {
		opts.TTL = model.DefaultLeaseTTL
	}
	if opts.DeprioritizeAfter <= 0 {
		opts.DeprioritizeAfter = model.DefaultFailureDeprioritizeThreshold
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	l, err := store.Load(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load ledger: %w", err)
	}
	r := Report{GeneratedAt: opts.Now.UTC(), LedgerUpdated: l.UpdatedAt, Claims: []ClaimStatus{}}
	for _, c := range l.Claims {
		cs := ClaimStatus{
			TaskID:        c.TaskID,
			Title:         c.Title,
			OwnerID:       c.OwnerID,
			Status:        string(c.Status),
			ClaimedAt:     c.ClaimedAt,
			Live:          c.Live(opts.Now, opts.TTL),
			FailureCount:  c.FailureCount,
			FailedAt:      c.FailedAt,
			Deprioritized: c.FailureCount >= opts.DeprioritizeAfter,
		}
		cs.ExpiresAt = c.ClaimedAt.Add(opts.TTL)
		if c.Failed() {
			cs.ExpiresAt = c.FailedAt.Add(opts.TTL)
			r.Failed++
		} else if cs.Live {
			r.Active++
		}
		if n := len(c.FailureReasons); n > 0 {
			cs.LastReason = c.FailureReasons[n-1]
		}
		if cs.Deprioritized {
			r.Deprioritized++
		}
		r.Claims = append(r.Claims, cs)
	}
	slices.SortFunc(r.Claims, func(a, b ClaimStatus) int {
		if c := cmp.Compare(b.FailureCount, a.FailureCount); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})

	if fb != nil {
		doc, err := fb.Read()
		if err == nil {
			r.RecentlyDone = len(doc.Done)
		}
	}
	return r, nil
}

// Write prints r as indented JSON or as a table.
func Write(w io.Writer, r Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "Claims: %d active, %d failed (%d deprioritized)\n", r.Active, r.Failed, r.Deprioritized)
	if r.RecentlyDone > 0 {
		fmt.Fprintf(w, "Recently done: %d\n", r.RecentlyDone)
	}
	if len(r.Claims) == 0 {
		fmt.Fprintln(w, "\nLedger: empty")
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-12s  %-8s  %-16s  %8s  %-5s  %s\n", "TASK", "STATUS", "OWNER", "FAILURES", "LIVE", "LAST_REASON")
	for _, c := range r.Claims {
		failures := fmt.Sprint(c.FailureCount)
		if c.Deprioritized {
			failures += "*"
		}
		live := "no"
		if c.Live {
			live = "yes"
		}
		fmt.Fprintf(w, "  %-12s  %-8s  %-16s  %8s  %-5s  %s\n",
			c.TaskID, c.Status, model.ShortOwnerID(c.OwnerID), failures, live, c.LastReason)
	}
	if r.Deprioritized > 0 {
		fmt.Fprintln(w, "\n  * deprioritized: claimed only after every other open task")
	}
	return nil
}
