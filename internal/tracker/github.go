package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/msageha/leasepool/internal/classify"
	"github.com/msageha/leasepool/internal/model"
)

// CommandRunner executes an external command and returns its output.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecCommand is the CommandRunner backed by os/exec.
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

const defaultIssueLimit = 100

var ghStatusRegex = regexp.MustCompile(`HTTP (\d{3})`)

// GitHubClient uses the gh CLI against one repository's issues.
type GitHubClient struct {
	Repo string
	Run  CommandRunner
}

func NewGitHubClient(repo string) *GitHubClient {
	return &GitHubClient{Repo: repo, Run: ExecCommand}
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghIssue struct {
	Number int       `json:"number"`
	Title  string    `json:"title"`
	State  string    `json:"state"`
	Labels []ghLabel `json:"labels"`
}

func (i ghIssue) task() model.Task {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.Name)
	}
	state := model.TaskStateOpen
	if strings.EqualFold(i.State, "closed") {
		state = model.TaskStateClosed
	}
	return model.Task{
		ID:       strconv.Itoa(i.Number),
		Title:    i.Title,
		Priority: model.PriorityFromLabels(labels),
		Labels:   labels,
		State:    state,
	}
}

func (c *GitHubClient) gh(ctx context.Context, args ...string) ([]byte, error) {
	if c.Repo != "" {
		args = append(args, "--repo", c.Repo)
	}
	run := c.Run
	if run == nil {
		run = ExecCommand
	}
	stdout, stderr, err := run(ctx, "gh", args...)
	if err != nil {
		return nil, ghError(args, stderr, err)
	}
	return stdout, nil
}

func ghError(args []string, stderr []byte, err error) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		msg = err.Error()
	}
	ue := &classify.UpstreamError{
		Message: fmt.Sprintf("gh %s: %s", strings.Join(args[:min(2, len(args))], " "), msg),
		Err:     err,
	}
	if m := ghStatusRegex.FindStringSubmatch(msg); m != nil {
		ue.Code, _ = strconv.Atoi(m[1])
	}
	return ue
}

func (c *GitHubClient) ListOpen(ctx context.Context, f Filter) ([]model.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultIssueLimit
	}
	args := []string{"issue", "list", "--state", "open",
		"--json", "number,title,state,labels", "--limit", strconv.Itoa(limit)}
	for _, l := range f.Labels {
		args = append(args, "--label", l)
	}
	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, err
	}
	var issues []ghIssue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parse gh issue list: %w", err)
	}
	tasks := make([]model.Task, 0, len(issues))
	for _, i := range issues {
		tasks = append(tasks, i.task())
	}
	return applyFilter(tasks, f), nil
}

func (c *GitHubClient) Get(ctx context.Context, id string) (model.Task, error) {
	out, err := c.gh(ctx, "issue", "view", id, "--json", "number,title,state,labels")
	if err != nil {
		return model.Task{}, err
	}
	var issue ghIssue
	if err := json.Unmarshal(out, &issue); err != nil {
		return model.Task{}, fmt.Errorf("parse gh issue view %s: %w", id, err)
	}
	return issue.task(), nil
}

func (c *GitHubClient) GetState(ctx context.Context, id string) (model.TaskState, error) {
	t, err := c.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.State, nil
}

func (c *GitHubClient) Close(ctx context.Context, id string) error {
	_, err := c.gh(ctx, "issue", "close", id)
	return err
}

func (c *GitHubClient) Comment(ctx context.Context, id, text string) error {
	_, err := c.gh(ctx, "issue", "comment", id, "--body", text)
	return err
}
