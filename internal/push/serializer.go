// Package push serializes access to the shared repository remote.
package push

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/leasepool/internal/lock"
	"github.com/msageha/leasepool/internal/logging"
)

// Serializer runs critical sections one at a time per name. Waiters inside
// the process are served in arrival order; a flock on <dir>/locks/<name>.lock
// extends the exclusion to other processes on the host.
type Serializer struct {
	lockDir string
	logger  *logging.Logger

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewSerializer(dir string, logger *logging.Logger) *Serializer {
	return &Serializer{
		lockDir: filepath.Join(dir, "locks"),
		logger:  logger.With("push"),
		sems:    make(map[string]*semaphore.Weighted),
	}
}

func (s *Serializer) sem(name string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[name]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.sems[name] = sem
	}
	return sem
}

// Do waits for exclusive access to name, runs fn, and releases access whether
// or not fn failed. fn's error is returned as is and never retried here.
func (s *Serializer) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	sem := s.sem(name)
	waitStart := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for %s: %w", name, err)
	}
	defer sem.Release(1)

	fl := lock.NewFileLock(filepath.Join(s.lockDir, name+".lock"))
	if err := fl.Lock(ctx); err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Errorf("unlock %s: %v", name, err)
		}
	}()
	s.logger.Debugf("acquired name=%s waited=%s", name, time.Since(waitStart).Round(time.Millisecond))

	if err := fn(ctx); err != nil {
		s.logger.Warnf("critical_section_failed name=%s error=%v", name, err)
		return err
	}
	return nil
}
