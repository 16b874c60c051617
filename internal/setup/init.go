// Package setup creates and locates the .leasepool/ directory and loads its
// configuration.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/leasepool/internal/model"
	atomicyaml "github.com/msageha/leasepool/internal/yaml"
	"github.com/msageha/leasepool/templates"
)

const (
	DirName    = ".leasepool"
	ConfigFile = "config.yaml"
	TasksFile  = "tasks.yaml"
	LedgerFile = "state/ledger.yaml"
	LogFile    = "logs/leasepool.log"
	AuditFile  = "logs/audit.jsonl"

	maxConcurrency = 64
)

// Run initializes <projectDir>/.leasepool and returns its absolute path.
// projectName defaults to the directory basename.
func Run(projectDir, projectName string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"state", "locks", "logs", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, ConfigFile), cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", ConfigFile, err)
	}
	if err := atomicyaml.GenerateSkeleton(filepath.Join(base, TasksFile), atomicyaml.FileTypeTasks); err != nil {
		return "", fmt.Errorf("write %s: %w", TasksFile, err)
	}
	if err := atomicyaml.GenerateSkeleton(filepath.Join(base, LedgerFile), atomicyaml.FileTypeLedger); err != nil {
		return "", fmt.Errorf("write ledger: %w", err)
	}
	return base, nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Root = projectDir
	cfg.Project.Created = time.Now().Format(time.RFC3339)
	return &cfg, nil
}

// Find searches start and its ancestors for a .leasepool directory.
// It returns "" when there is none.
func Find(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadConfig reads base/config.yaml and applies defaults. A missing file
// yields the defaults.
func LoadConfig(base string) (model.Config, error) {
	var cfg model.Config
	data, err := os.ReadFile(filepath.Join(base, ConfigFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return model.Config{}, fmt.Errorf("read %s: %w", ConfigFile, err)
	default:
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
		}
	}
	cfg = cfg.WithDefaults()
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// Validate checks a defaulted config for values the scheduler cannot run with.
func Validate(cfg model.Config) error {
	var errs []error
	if cfg.Pool.Concurrency < 1 || cfg.Pool.Concurrency > maxConcurrency {
		errs = append(errs, fmt.Errorf("pool.concurrency must be 1-%d, got %d", maxConcurrency, cfg.Pool.Concurrency))
	}
	if cfg.Pool.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("pool.max_rounds must be >= 0, got %d", cfg.Pool.MaxRounds))
	}
	switch cfg.Tracker.Kind {
	case "file", "github":
	default:
		errs = append(errs, fmt.Errorf("tracker.kind must be file or github, got %q", cfg.Tracker.Kind))
	}
	if cfg.Tracker.Limit < 0 {
		errs = append(errs, fmt.Errorf("tracker.limit must be >= 0, got %d", cfg.Tracker.Limit))
	}
	if cfg.Retry.MinBackoffSec > cfg.Retry.MaxBackoffSec {
		errs = append(errs, fmt.Errorf("retry.min_backoff_sec (%d) exceeds retry.max_backoff_sec (%d)",
			cfg.Retry.MinBackoffSec, cfg.Retry.MaxBackoffSec))
	}
	return errors.Join(errs...)
}
