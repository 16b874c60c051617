// Package board mirrors worker progress onto the tracker and onto a local
// progress board file.
package board

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/leasepool/internal/lock"
	"github.com/msageha/leasepool/internal/model"
	"github.com/msageha/leasepool/internal/scheduler"
	"github.com/msageha/leasepool/internal/tracker"
	yamlutil "github.com/msageha/leasepool/internal/yaml"
)

const (
	DoneComment = "done"

	// DefaultDoneLimit bounds how many finished tasks the board remembers.
	DefaultDoneLimit = 50
)

// InProgressComment is the note left when ownerID claims a task.
func InProgressComment(ownerID string) string {
	return "in progress by " + model.ShortOwnerID(ownerID)
}

// TrackerHooks comments on the task when it is claimed and when it closes.
func TrackerHooks(client tracker.Client) scheduler.Hooks {
	return scheduler.Hooks{
		OnClaim: func(ctx context.Context, ownerID string, task model.Task) error {
			return client.Comment(ctx, task.ID, InProgressComment(ownerID))
		},
		OnClose: func(ctx context.Context, _ string, task model.Task) error {
			return client.Comment(ctx, task.ID, DoneComment)
		},
	}
}

// Chain runs every hook in order. All hooks run even when one fails; the
// errors are joined.
func Chain(hooks ...scheduler.Hooks) scheduler.Hooks {
	join := func(pick func(scheduler.Hooks) scheduler.Hook) scheduler.Hook {
		var hs []scheduler.Hook
		for _, h := range hooks {
			if fn := pick(h); fn != nil {
				hs = append(hs, fn)
			}
		}
		if len(hs) == 0 {
			return nil
		}
		return func(ctx context.Context, ownerID string, task model.Task) error {
			var errs []error
			for _, fn := range hs {
				if err := fn(ctx, ownerID, task); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}
	}
	return scheduler.Hooks{
		OnClaim: join(func(h scheduler.Hooks) scheduler.Hook { return h.OnClaim }),
		OnClose: join(func(h scheduler.Hooks) scheduler.Hook { return h.OnClose }),
	}
}

type Entry struct {
	TaskID  string    `yaml:"task_id"`
	Title   string    `yaml:"title,omitempty"`
	OwnerID string    `yaml:"owner_id"`
	At      time.Time `yaml:"at"`
}

// Document is the on-disk board.
type Document struct {
	yamlutil.Header `yaml:",inline"`
	InProgress      []Entry `yaml:"in_progress"`
	Done            []Entry `yaml:"done"`
}

// FileBoard keeps <dir>/state/board.yaml listing tasks in progress and the
// most recently finished ones.
type FileBoard struct {
	path      string
	lockPath  string
	doneLimit int
	now       func() time.Time
}

func NewFileBoard(dir string) *FileBoard {
	return &FileBoard{
		path:      filepath.Join(dir, "state", "board.yaml"),
		lockPath:  filepath.Join(dir, "locks", "board.lock"),
		doneLimit: DefaultDoneLimit,
		now:       time.Now,
	}
}

func (b *FileBoard) Path() string {
	return b.path
}

// Read returns the current board. A missing file is an empty board.
func (b *FileBoard) Read() (*Document, error) {
	doc := &Document{}
	if _, err := yamlutil.ReadFile(b.path, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *FileBoard) update(ctx context.Context, fn func(*Document)) error {
	fl := lock.NewFileLock(b.lockPath)
	if err := fl.Lock(ctx); err != nil {
		return fmt.Errorf("lock board: %w", err)
	}
	defer fl.Unlock()

	doc, err := b.Read()
	if err != nil {
		// the board is advisory; start over rather than block progress
		doc = &Document{}
	}
	fn(doc)
	doc.Header = yamlutil.NewHeader(yamlutil.FileTypeBoard)
	if err := yamlutil.AtomicWrite(b.path, doc); err != nil {
		return fmt.Errorf("write board: %w", err)
	}
	return nil
}

func removeTask(entries []Entry, taskID string) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.TaskID != taskID {
			out = append(out, e)
		}
	}
	return out
}

// Hooks moves tasks onto the board when claimed and into done when closed.
// A claim that ends without closing stays listed until the task is claimed
// again.
func (b *FileBoard) Hooks() scheduler.Hooks {
	return scheduler.Hooks{
		OnClaim: func(ctx context.Context, ownerID string, task model.Task) error {
			return b.update(ctx, func(d *Document) {
				d.InProgress = append(removeTask(d.InProgress, task.ID),
					Entry{TaskID: task.ID, Title: task.Title, OwnerID: ownerID, At: b.now().UTC()})
			})
		},
		OnClose: func(ctx context.Context, ownerID string, task model.Task) error {
			return b.update(ctx, func(d *Document) {
				d.InProgress = removeTask(d.InProgress, task.ID)
				d.Done = append([]Entry{{TaskID: task.ID, Title: task.Title, OwnerID: ownerID, At: b.now().UTC()}}, d.Done...)
				if len(d.Done) > b.doneLimit {
					d.Done = d.Done[:b.doneLimit]
				}
			})
		},
	}
}
