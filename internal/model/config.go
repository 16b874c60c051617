// Package model defines the data structures for leasepool's configuration, ledger, and outcomes.
package model

import "time"

type Config struct {
	Project     ProjectConfig     `yaml:"project"`
	Pool        PoolConfig        `yaml:"pool"`
	Lease       LeaseConfig       `yaml:"lease"`
	Backlog     BacklogConfig     `yaml:"backlog"`
	Retry       RetryConfig       `yaml:"retry"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Worker      WorkerConfig      `yaml:"worker"`
	Push        PushConfig        `yaml:"push"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Root    string `yaml:"root"`
	Created string `yaml:"created"`
}

type PoolConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxRounds   int `yaml:"max_rounds"` // 0 = until backlog exhausted
}

type LeaseConfig struct {
	TTLMin                       int `yaml:"ttl_min"`
	FailureDeprioritizeThreshold int `yaml:"failure_deprioritize_threshold"`
}

type BacklogConfig struct {
	EmptyRoundThreshold int `yaml:"empty_round_threshold"`
}

type RetryConfig struct {
	MinBackoffSec int `yaml:"min_backoff_sec"`
	MaxBackoffSec int `yaml:"max_backoff_sec"`
}

type TrackerConfig struct {
	Kind        string   `yaml:"kind"` // "file" or "github"
	Repo        string   `yaml:"repo,omitempty"`
	Labels      []string `yaml:"labels,omitempty"`
	Limit       int      `yaml:"limit,omitempty"`
	CacheTTLSec int      `yaml:"cache_ttl_sec"`
}

type WorkerConfig struct {
	Command    []string `yaml:"command"`
	TimeoutMin int      `yaml:"timeout_min"`
}

type PushConfig struct {
	Enabled bool   `yaml:"enabled"`
	RepoDir string `yaml:"repo_dir"`
	Remote  string `yaml:"remote"`
	Branch  string `yaml:"branch"`
}

type CredentialsConfig struct {
	File        string `yaml:"file"`
	CooldownMin int    `yaml:"cooldown_min"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	DefaultConcurrency                  = 3
	DefaultLeaseTTL                     = 30 * time.Minute
	DefaultEmptyRoundThreshold          = 3
	DefaultFailureDeprioritizeThreshold = 3
	DefaultMinBackoff                   = 5 * time.Second
	DefaultMaxBackoff                   = 5 * time.Minute
	DefaultTrackerCacheTTL              = 10 * time.Second
	DefaultWorkerTimeout                = 60 * time.Minute
	DefaultCredentialCooldown           = 5 * time.Minute
)

// WithDefaults returns a copy of cfg with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Pool.Concurrency <= 0 {
		c.Pool.Concurrency = DefaultConcurrency
	}
	if c.Lease.TTLMin <= 0 {
		c.Lease.TTLMin = int(DefaultLeaseTTL / time.Minute)
	}
	if c.Lease.FailureDeprioritizeThreshold <= 0 {
		c.Lease.FailureDeprioritizeThreshold = DefaultFailureDeprioritizeThreshold
	}
	if c.Backlog.EmptyRoundThreshold <= 0 {
		c.Backlog.EmptyRoundThreshold = DefaultEmptyRoundThreshold
	}
	if c.Retry.MinBackoffSec <= 0 {
		c.Retry.MinBackoffSec = int(DefaultMinBackoff / time.Second)
	}
	if c.Retry.MaxBackoffSec <= 0 {
		c.Retry.MaxBackoffSec = int(DefaultMaxBackoff / time.Second)
	}
	if c.Tracker.Kind == "" {
		c.Tracker.Kind = "file"
	}
	if c.Tracker.CacheTTLSec <= 0 {
		c.Tracker.CacheTTLSec = int(DefaultTrackerCacheTTL / time.Second)
	}
	if c.Worker.TimeoutMin <= 0 {
		c.Worker.TimeoutMin = int(DefaultWorkerTimeout / time.Minute)
	}
	if c.Push.RepoDir == "" {
		c.Push.RepoDir = "."
	}
	if c.Push.Remote == "" {
		c.Push.Remote = "origin"
	}
	if c.Push.Branch == "" {
		c.Push.Branch = "main"
	}
	if c.Credentials.File == "" {
		c.Credentials.File = "credentials.toml"
	}
	if c.Credentials.CooldownMin <= 0 {
		c.Credentials.CooldownMin = int(DefaultCredentialCooldown / time.Minute)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}

func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLMin) * time.Minute
}

func (c RetryConfig) MinBackoff() time.Duration {
	return time.Duration(c.MinBackoffSec) * time.Second
}

func (c RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSec) * time.Second
}

func (c TrackerConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

func (c WorkerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMin) * time.Minute
}

func (c CredentialsConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMin) * time.Minute
}
