// Package lease owns the claim ledger: who holds which task, and how often
// each task has failed.
package lease

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/leasepool/internal/lock"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
	yamlutil "github.com/msageha/leasepool/internal/yaml"
)

// ErrLedgerCorrupt is returned when the ledger cannot be parsed even after
// quarantine and recovery.
var ErrLedgerCorrupt = errors.New("ledger corrupt")

const (
	ledgerFile     = "ledger.yaml"
	ledgerLockFile = "ledger.lock"
)

// Store persists the ledger under <dir>/state/ledger.yaml. Every access holds
// the ledger flock, so claims from separate processes on one host serialize.
type Store struct {
	dir      string
	path     string
	lockPath string
	logger   *logging.Logger
	now      func() time.Time
}

// NewStore returns a Store rooted at the .leasepool directory dir.
func NewStore(dir string, logger *logging.Logger) *Store {
	return &Store{
		dir:      dir,
		path:     filepath.Join(dir, "state", ledgerFile),
		lockPath: filepath.Join(dir, "locks", ledgerLockFile),
		logger:   logger.With("lease_store"),
		now:      time.Now,
	}
}

func (s *Store) Path() string {
	return s.path
}

// Update runs fn on the current ledger under the lock. When fn reports a
// change the ledger is written back atomically; an error from fn discards it.
func (s *Store) Update(ctx context.Context, fn func(l *model.Ledger) (bool, error)) error {
	fl := lock.NewFileLock(s.lockPath)
	if err := fl.Lock(ctx); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Errorf("unlock ledger: %v", err)
		}
	}()

	l, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(l)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	now := s.now().UTC()
	l.UpdatedAt = &now
	if err := yamlutil.AtomicWrite(s.path, l); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Load returns a copy of the current ledger.
func (s *Store) Load(ctx context.Context) (*model.Ledger, error) {
	var snap *model.Ledger
	err := s.Update(ctx, func(l *model.Ledger) (bool, error) {
		snap = l.Clone()
		return false, nil
	})
	return snap, err
}

// load reads the ledger file. A missing file is an empty ledger; a corrupt one
// is quarantined and replaced by its backup or an empty skeleton. Callers hold the lock.
func (s *Store) load() (*model.Ledger, error) {
	l, err := s.read()
	if err == nil {
		return l, nil
	}
	s.logger.Warnf("ledger_corrupt path=%s error=%v", s.path, err)

	rec, recErr := yamlutil.RecoverCorruptedFile(s.dir, s.path, yamlutil.FileTypeLedger)
	if recErr != nil {
		return nil, fmt.Errorf("%w: %v (recovery: %v)", ErrLedgerCorrupt, err, recErr)
	}
	s.logger.Warnf("ledger_recovered quarantined_to=%s from_backup=%t", rec.QuarantinedTo, rec.FromBackup)

	l, err = s.read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerCorrupt, err)
	}
	return l, nil
}

func (s *Store) read() (*model.Ledger, error) {
	l := model.NewLedger()
	found, err := yamlutil.ReadFile(s.path, l)
	if err != nil {
		return nil, err
	}
	if !found {
		return model.NewLedger(), nil
	}
	if err := yamlutil.ValidateSchemaHeader(s.path, yamlutil.FileTypeLedger); err != nil {
		return nil, err
	}
	if l.Claims == nil {
		l.Claims = make(map[string]*model.Claim)
	}
	for id, c := range l.Claims {
		if c == nil {
			delete(l.Claims, id)
			continue
		}
		if c.TaskID == "" {
			c.TaskID = id
		}
	}
	return l, nil
}
