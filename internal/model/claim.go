package model

import "time"

type ClaimStatus string

const (
	ClaimStatusClaimed ClaimStatus = "claimed"
	ClaimStatusFailed  ClaimStatus = "failed"
)

// MaxFailureReasons bounds the per-claim reason history.
const MaxFailureReasons = 10

// Claim is the ledger record asserting one owner is responsible for one task.
// FailureCount only grows; an explicit reset is the only way back to zero.
type Claim struct {
	TaskID         string      `yaml:"task_id"`
	OwnerID        string      `yaml:"owner_id"`
	Title          string      `yaml:"title,omitempty"`
	Status         ClaimStatus `yaml:"status"`
	ClaimedAt      time.Time   `yaml:"claimed_at"`
	FailedAt       *time.Time  `yaml:"failed_at"`
	FailureCount   int         `yaml:"failure_count"`
	FailureReasons []string    `yaml:"failure_reasons,omitempty"`
}

// Failed reports whether the last attempt on this claim failed. FailedAt
// alone is not enough: a re-claimed task keeps its last failure time.
func (c *Claim) Failed() bool {
	return c.Status == ClaimStatusFailed && c.FailedAt != nil
}

// Live reports whether the claim still occupies the task's ownership slot at now.
// An active claim is live until ClaimedAt+ttl; a failed one until FailedAt+ttl (cool-down).
func (c *Claim) Live(now time.Time, ttl time.Duration) bool {
	if c.Failed() {
		return now.Sub(*c.FailedAt) < ttl
	}
	return now.Sub(c.ClaimedAt) < ttl
}

// Abandoned reports an active claim whose TTL has elapsed.
func (c *Claim) Abandoned(now time.Time, ttl time.Duration) bool {
	return !c.Failed() && now.Sub(c.ClaimedAt) >= ttl
}

// Expire ends an abandoned re-claim of a task with failure history. The
// record goes back to its last failed state, so the count survives and the
// slot is free again.
func (c *Claim) Expire() {
	c.Status = ClaimStatusFailed
}

// Reclaim hands the record to a new owner, keeping its failure history.
func (c *Claim) Reclaim(ownerID string, now time.Time) {
	c.OwnerID = ownerID
	c.Status = ClaimStatusClaimed
	c.ClaimedAt = now
}

func (c *Claim) MarkFailed(now time.Time, reason string) {
	c.Status = ClaimStatusFailed
	t := now
	c.FailedAt = &t
	c.FailureCount++
	if reason == "" {
		reason = "unspecified"
	}
	c.FailureReasons = append(c.FailureReasons, reason)
	if len(c.FailureReasons) > MaxFailureReasons {
		c.FailureReasons = c.FailureReasons[len(c.FailureReasons)-MaxFailureReasons:]
	}
}

func (c *Claim) Clone() *Claim {
	cp := *c
	if c.FailedAt != nil {
		t := *c.FailedAt
		cp.FailedAt = &t
	}
	if c.FailureReasons != nil {
		cp.FailureReasons = append([]string(nil), c.FailureReasons...)
	}
	return &cp
}

const LedgerFileType = "ledger"

// Ledger is the persisted claim collection, keyed by task ID.
type Ledger struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	Claims        map[string]*Claim `yaml:"claims"`
	UpdatedAt     *time.Time        `yaml:"updated_at,omitempty"`
}

func NewLedger() *Ledger {
	return &Ledger{
		SchemaVersion: 1,
		FileType:      LedgerFileType,
		Claims:        make(map[string]*Claim),
	}
}

func (l *Ledger) Clone() *Ledger {
	cp := &Ledger{
		SchemaVersion: l.SchemaVersion,
		FileType:      l.FileType,
		Claims:        make(map[string]*Claim, len(l.Claims)),
	}
	if l.UpdatedAt != nil {
		t := *l.UpdatedAt
		cp.UpdatedAt = &t
	}
	for id, c := range l.Claims {
		cp.Claims[id] = c.Clone()
	}
	return cp
}
