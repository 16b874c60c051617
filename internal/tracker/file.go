package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/leasepool/internal/lock"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
	yamlutil "github.com/msageha/leasepool/internal/yaml"
)

type fileTask struct {
	model.Task `yaml:",inline"`
	Comments   []string `yaml:"comments,omitempty"`
}

type taskDoc struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Tasks         []fileTask `yaml:"tasks"`
}

// FileClient serves tasks from a YAML document (.leasepool/tasks.yaml).
// The parsed document is cached against the file's identity, size and mtime,
// so a write by another process is seen on the next call. Watch drops the
// cache early on fsnotify events. Close and Comment hold locks/tasks.lock
// and re-read the file under it; workers editing the file take the same lock.
type FileClient struct {
	path     string
	lockPath string
	logger   *logging.Logger

	mu         sync.Mutex
	cached     *taskDoc
	cachedInfo os.FileInfo

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewFileClient(path string, logger *logging.Logger) *FileClient {
	path = filepath.Clean(path)
	return &FileClient{
		path:     path,
		lockPath: filepath.Join(filepath.Dir(path), "locks", "tasks.lock"),
		logger:   logger.With("tracker_file"),
	}
}

func (c *FileClient) Path() string {
	return c.path
}

// LockPath is the flock every writer of the task file must hold.
func (c *FileClient) LockPath() string {
	return c.lockPath
}

// Watch starts an fsnotify watcher on the task file's directory.
func (c *FileClient) Watch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(c.path), err)
	}
	c.watcher = w
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.watchLoop(w, c.done)
	return nil
}

// Stop shuts down the watcher started by Watch.
func (c *FileClient) Stop() error {
	c.mu.Lock()
	w, done := c.watcher, c.done
	c.watcher, c.done = nil, nil
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	close(done)
	err := w.Close()
	c.wg.Wait()
	return err
}

func (c *FileClient) watchLoop(w *fsnotify.Watcher, done <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				c.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				c.invalidate()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (c *FileClient) invalidate() {
	c.mu.Lock()
	c.cached, c.cachedInfo = nil, nil
	c.mu.Unlock()
}

// fresh reports whether the cached document still describes the file on disk.
func (c *FileClient) fresh(info os.FileInfo) bool {
	if c.cached == nil || c.cachedInfo == nil {
		return false
	}
	return os.SameFile(c.cachedInfo, info) &&
		c.cachedInfo.Size() == info.Size() &&
		c.cachedInfo.ModTime().Equal(info.ModTime())
}

// load returns the parsed document, re-reading the file whenever it changed
// since the last read. Callers hold c.mu.
func (c *FileClient) load() (*taskDoc, error) {
	info, err := os.Stat(c.path)
	if errors.Is(err, os.ErrNotExist) {
		c.cached, c.cachedInfo = nil, nil
		return nil, fmt.Errorf("task file %s: %w", c.path, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat task file: %w", err)
	}
	if c.fresh(info) {
		return c.cached, nil
	}

	doc := &taskDoc{}
	found, err := yamlutil.ReadFile(c.path, doc)
	if err != nil {
		return nil, &upstreamParseError{path: c.path, err: err}
	}
	if !found {
		return nil, fmt.Errorf("task file %s: %w", c.path, ErrTaskNotFound)
	}
	if doc.FileType != "" && doc.FileType != yamlutil.FileTypeTasks {
		return nil, fmt.Errorf("task file %s: unexpected file_type %q", c.path, doc.FileType)
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].State == "" {
			doc.Tasks[i].State = model.TaskStateOpen
		}
		if doc.Tasks[i].Priority == model.PriorityNone {
			doc.Tasks[i].Priority = model.PriorityFromLabels(doc.Tasks[i].Labels)
		}
	}
	c.cached, c.cachedInfo = doc, info
	return doc, nil
}

// update applies fn to the document read fresh from disk under the task
// file lock, then writes it back atomically.
func (c *FileClient) update(ctx context.Context, id string, fn func(t *fileTask)) error {
	fl := lock.NewFileLock(c.lockPath)
	if err := fl.Lock(ctx); err != nil {
		return fmt.Errorf("lock task file: %w", err)
	}
	defer fl.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached, c.cachedInfo = nil, nil
	doc, err := c.load()
	if err != nil {
		return err
	}
	i, err := c.find(doc, id)
	if err != nil {
		return err
	}
	fn(&doc.Tasks[i])

	if doc.SchemaVersion == 0 {
		doc.SchemaVersion = yamlutil.CurrentSchemaVersion
	}
	doc.FileType = yamlutil.FileTypeTasks
	// the next read re-parses what was written
	c.cached, c.cachedInfo = nil, nil
	if err := yamlutil.AtomicWrite(c.path, doc); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	return nil
}

func (c *FileClient) find(doc *taskDoc, id string) (int, error) {
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
}

func (c *FileClient) ListOpen(ctx context.Context, f Filter) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	if err != nil {
		return nil, err
	}
	all := make([]model.Task, len(doc.Tasks))
	for i, ft := range doc.Tasks {
		all[i] = ft.Task
	}
	return applyFilter(all, f), nil
}

func (c *FileClient) Get(ctx context.Context, id string) (model.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	if err != nil {
		return model.Task{}, err
	}
	i, err := c.find(doc, id)
	if err != nil {
		return model.Task{}, err
	}
	return doc.Tasks[i].Task, nil
}

func (c *FileClient) GetState(ctx context.Context, id string) (model.TaskState, error) {
	t, err := c.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.State, nil
}

func (c *FileClient) Close(ctx context.Context, id string) error {
	return c.update(ctx, id, func(t *fileTask) {
		t.State = model.TaskStateClosed
	})
}

func (c *FileClient) Comment(ctx context.Context, id, text string) error {
	return c.update(ctx, id, func(t *fileTask) {
		t.Comments = append(t.Comments, text)
	})
}

// upstreamParseError marks a task file that exists but cannot be parsed.
// It reports status 422 so the classifier treats it as fatal.
type upstreamParseError struct {
	path string
	err  error
}

func (e *upstreamParseError) Error() string {
	return fmt.Sprintf("task file %s unreadable: %v", e.path, e.err)
}

func (e *upstreamParseError) Unwrap() error   { return e.err }
func (e *upstreamParseError) StatusCode() int { return 422 }
