package push

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/msageha/leasepool/internal/classify"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
)

// LockName is the Serializer name guarding the repository remote.
const LockName = "push"

// Runner executes a command in dir and returns its combined output.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// GitPusher rebases the local branch on the remote and pushes it.
type GitPusher struct {
	RepoDir string
	Remote  string
	Branch  string
	Run     Runner
	Logger  *logging.Logger
}

func NewGitPusher(cfg model.PushConfig, logger *logging.Logger) *GitPusher {
	remote := cfg.Remote
	if remote == "" {
		remote = "origin"
	}
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	dir := cfg.RepoDir
	if dir == "" {
		dir = "."
	}
	return &GitPusher{
		RepoDir: dir,
		Remote:  remote,
		Branch:  branch,
		Run:     execRunner,
		Logger:  logger.With("git"),
	}
}

// Push runs `git pull --rebase` then `git push`. Call it inside Serializer.Do.
func (g *GitPusher) Push(ctx context.Context) error {
	if err := g.git(ctx, "pull", "--rebase", g.Remote, g.Branch); err != nil {
		return err
	}
	if err := g.git(ctx, "push", g.Remote, g.Branch); err != nil {
		return err
	}
	g.Logger.Infof("pushed remote=%s branch=%s", g.Remote, g.Branch)
	return nil
}

func (g *GitPusher) git(ctx context.Context, args ...string) error {
	run := g.Run
	if run == nil {
		run = execRunner
	}
	out, err := run(ctx, g.RepoDir, "git", args...)
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(out))
	g.Logger.Warnf("git_failed cmd=%q output=%q", strings.Join(args, " "), msg)
	return &classify.UpstreamError{
		Message: fmt.Sprintf("git %s: %s", args[0], msg),
		Err:     err,
	}
}
