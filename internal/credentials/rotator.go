// Package credentials holds the pool of worker API credentials and rotates
// through them when one is rejected or rate limited.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/msageha/leasepool/internal/logging"
)

// ErrInsecurePermissions is returned when the credentials file is readable by group or others.
var ErrInsecurePermissions = errors.New("credentials file has insecure permissions")

const defaultEnv = "ANTHROPIC_API_KEY"

// Credential is one API key or token.
type Credential struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
	// Env overrides the file-level variable name for this credential.
	Env string `toml:"env"`

	cooldownUntil time.Time
	uses          int
}

type file struct {
	Env         string       `toml:"env"`
	Credentials []Credential `toml:"credential"`
}

// Rotator hands out the active credential and moves to the next one on demand.
type Rotator struct {
	mu        sync.Mutex
	creds     []Credential
	env       string
	current   int
	cooldown  time.Duration
	rotations int
	logger    *logging.Logger
	now       func() time.Time
}

// LoadFile reads a credentials TOML file:
//
//	env = "ANTHROPIC_API_KEY"
//	[[credential]]
//	name = "primary"
//	value = "sk-..."
//
// A missing file yields (nil, nil).
func LoadFile(path string, cooldown time.Duration, logger *logging.Logger) (*Rotator, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials: %w", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o (must not be group/other accessible)",
			ErrInsecurePermissions, path, info.Mode().Perm())
	}

	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return New(f.Env, f.Credentials, cooldown, logger)
}

// New builds a Rotator over creds, skipping entries without a value.
func New(env string, creds []Credential, cooldown time.Duration, logger *logging.Logger) (*Rotator, error) {
	if env == "" {
		env = defaultEnv
	}
	var usable []Credential
	for i, c := range creds {
		if c.Value == "" {
			continue
		}
		if c.Name == "" {
			c.Name = fmt.Sprintf("credential_%d", i+1)
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return nil, errors.New("no credentials with a value")
	}
	return &Rotator{
		creds:    usable,
		env:      env,
		cooldown: cooldown,
		logger:   logger.With("credentials"),
		now:      time.Now,
	}, nil
}

// Current returns the name of the active credential.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creds[r.current].Name
}

// Env returns the active credential as a KEY=VALUE pair for a worker process.
func (r *Rotator) Env() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &r.creds[r.current]
	c.uses++
	name := c.Env
	if name == "" {
		name = r.env
	}
	return []string{name + "=" + c.Value}
}

// Rotate puts the active credential on cooldown and switches to the next one
// that is not cooling down. It reports false when no other credential is usable.
func (r *Rotator) Rotate(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	old := r.current
	r.creds[old].cooldownUntil = now.Add(r.cooldown)

	for step := 1; step < len(r.creds); step++ {
		i := (old + step) % len(r.creds)
		if now.Before(r.creds[i].cooldownUntil) {
			continue
		}
		r.current = i
		r.rotations++
		r.logger.Warnf("rotated from=%s to=%s reason=%s rotations=%d",
			r.creds[old].Name, r.creds[i].Name, reason, r.rotations)
		return true
	}
	r.logger.Errorf("rotate_failed from=%s reason=%s available=0", r.creds[old].Name, reason)
	return false
}

// Rotations reports how many successful rotations happened.
func (r *Rotator) Rotations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotations
}
