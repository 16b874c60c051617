// Package lock provides named in-process mutexes and flock-based file locks.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lock held by another process")

const defaultPollInterval = 20 * time.Millisecond

type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// processLocks serializes FileLocks on the same path inside one process so a
// goroutine never waits on a flock held by a sibling descriptor.
var processLocks = NewMutexMap()

// FileLock is an exclusive advisory lock on a file. The lock file itself is
// left in place on Unlock so concurrent lockers always flock the same inode.
type FileLock struct {
	path    string
	file    *os.File
	poll    time.Duration
	blocked bool // acquired through Lock, which also holds processLocks
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, poll: defaultPollInterval}
}

func (fl *FileLock) Path() string {
	return fl.path
}

func (fl *FileLock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// TryLock acquires the lock without blocking. It returns ErrLocked (wrapped)
// when the file is already locked.
func (fl *FileLock) TryLock() error {
	if fl.file != nil {
		return fmt.Errorf("lock %s already held by this handle", fl.path)
	}
	f, err := fl.open()
	if err != nil {
		return err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("acquire %s: %w", fl.path, ErrLocked)
		}
		return fmt.Errorf("acquire %s: %w", fl.path, err)
	}
	if err := writePID(f); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return err
	}
	fl.file = f
	return nil
}

// Lock blocks until the lock is acquired or ctx is done. The in-process
// mutex is taken first, then the flock is polled non-blockingly so that
// cancellation is honoured.
func (fl *FileLock) Lock(ctx context.Context) error {
	processLocks.Lock(fl.path)
	for {
		err := fl.TryLock()
		if err == nil {
			fl.blocked = true
			return nil
		}
		if !errors.Is(err, ErrLocked) {
			processLocks.Unlock(fl.path)
			return err
		}
		select {
		case <-ctx.Done():
			processLocks.Unlock(fl.path)
			return fmt.Errorf("wait for %s: %w", fl.path, ctx.Err())
		case <-time.After(fl.poll):
		}
	}
}

// Unlock releases a lock taken by TryLock or Lock.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil
	if fl.blocked {
		fl.blocked = false
		defer processLocks.Unlock(fl.path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	return nil
}
