package server

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/nbaertsch/squadron/pkg/gates"
	"github.com/nbaertsch/squadron/pkg/github"
	"github.com/nbaertsch/squadron/pkg/pipeline"
	"github.com/nbaertsch/squadron/pkg/registry"
)

// gateEvaluator adapts the gate registry to the pipeline engine's
// GateEvaluator, binding the registry store and GitHub client into
// each check's context.
type gateEvaluator struct {
	gates *gates.Registry
	store *registry.Store
	gh    github.Client
}

func (g *gateEvaluator) Evaluate(ctx context.Context, check string, params map[string]interface{}, run *pipeline.Run) (bool, string, map[string]interface{}) {
	result := g.gates.Evaluate(ctx, check, &gates.Context{
		Params:      params,
		PRNumber:    run.PRNumber,
		IssueNumber: run.IssueNumber,
		RunContext:  run.Context,
		Registry:    g.store,
		GitHub:      g.gh,
		RunCommand:  runShellCommand,
	})
	return result.Passed, result.Message, result.ResultData
}

// runShellCommand is the gate registry's command runner.
func runShellCommand(ctx context.Context, command string) (int, string, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return exitCode, stdout.String(), stderr.String(), err
}

// runNotifier posts pipeline notifications to the run's PR or issue.
type runNotifier struct {
	gh  github.Client
	bot string
}

func (n *runNotifier) Notify(ctx context.Context, run *pipeline.Run, message string) error {
	if n.gh == nil {
		return nil
	}
	number := run.PRNumber
	if number == 0 {
		number = run.IssueNumber
	}
	if number == 0 {
		return nil
	}
	signed := fmt.Sprintf("**[squadron:%s]** %s", n.bot, message)
	_, err := n.gh.CommentOnIssue(ctx, number, signed)
	return err
}

// actionRunner implements the framework actions pipeline action stages
// invoke.
type actionRunner struct {
	gh    github.Client
	store *registry.Store
	bot   string
}

func (a *actionRunner) Run(ctx context.Context, name string, params map[string]interface{}, run *pipeline.Run) (map[string]interface{}, error) {
	switch name {
	case "merge_pr":
		pr := intParam(params, "pr", run.PRNumber)
		if pr == 0 {
			return nil, fmt.Errorf("merge_pr: no PR in scope")
		}
		ready, reason, err := a.store.CheckPRMergeReady(ctx, pr)
		if err != nil {
			return nil, err
		}
		if !ready {
			return nil, fmt.Errorf("merge_pr: PR #%d is not merge-ready: %s", pr, reason)
		}
		method, _ := params["method"].(string)
		if err := a.gh.MergePullRequest(ctx, pr, method); err != nil {
			return nil, err
		}
		return map[string]interface{}{"merged": pr}, nil

	case "label_issue", "add_label":
		number := intParam(params, "issue", run.IssueNumber)
		if number == 0 {
			number = run.PRNumber
		}
		labels := stringsParam(params, "labels")
		if label, _ := params["label"].(string); label != "" {
			labels = append(labels, label)
		}
		if number == 0 || len(labels) == 0 {
			return nil, fmt.Errorf("%s: issue and labels are required", name)
		}
		if err := a.gh.AddLabels(ctx, number, labels); err != nil {
			return nil, err
		}
		return map[string]interface{}{"labeled": number, "labels": labels}, nil

	case "remove_label":
		number := intParam(params, "issue", run.IssueNumber)
		if number == 0 {
			number = run.PRNumber
		}
		label, _ := params["label"].(string)
		if number == 0 || label == "" {
			return nil, fmt.Errorf("remove_label: issue and label are required")
		}
		if err := a.gh.RemoveLabel(ctx, number, label); err != nil {
			return nil, err
		}
		return map[string]interface{}{"unlabeled": number, "label": label}, nil

	case "close_issue":
		number := intParam(params, "issue", run.IssueNumber)
		if number == 0 {
			return nil, fmt.Errorf("close_issue: no issue in scope")
		}
		if err := a.gh.CloseIssue(ctx, number); err != nil {
			return nil, err
		}
		return map[string]interface{}{"closed": number}, nil

	case "comment":
		number := intParam(params, "issue", run.IssueNumber)
		if number == 0 {
			number = run.PRNumber
		}
		message, _ := params["message"].(string)
		if number == 0 || message == "" {
			return nil, fmt.Errorf("comment: issue and message are required")
		}
		signed := fmt.Sprintf("**[squadron:%s]** %s", a.bot, message)
		if _, err := a.gh.CommentOnIssue(ctx, number, signed); err != nil {
			return nil, err
		}
		return map[string]interface{}{"commented": number}, nil

	case "invalidate_approvals":
		pr := intParam(params, "pr", run.PRNumber)
		if pr == 0 {
			return nil, fmt.Errorf("invalidate_approvals: no PR in scope")
		}
		n, err := a.store.InvalidatePRApprovals(ctx, pr)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"invalidated": n}, nil

	case "set_pr_requirements":
		pr := intParam(params, "pr", run.PRNumber)
		if pr == 0 {
			return nil, fmt.Errorf("set_pr_requirements: no PR in scope")
		}
		raw, _ := params["requirements"].(map[string]interface{})
		var reqs []registry.PRRequirement
		for role, count := range raw {
			reqs = append(reqs, registry.PRRequirement{Role: role, RequiredCount: intValue(count, 1)})
		}
		if err := a.store.SetPRRequirements(ctx, pr, reqs); err != nil {
			return nil, err
		}
		return map[string]interface{}{"requirements": len(reqs)}, nil
	}

	return nil, fmt.Errorf("unknown action %q", name)
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	if v, ok := params[key]; ok {
		return intValue(v, fallback)
	}
	return fallback
}

func intValue(v interface{}, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

func stringsParam(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// gitWorktree is the default worktree service: plain git worktree
// subcommands against the main checkout.
type gitWorktree struct {
	repoRoot    string
	worktreeDir string
}

func (g *gitWorktree) Create(ctx context.Context, agentID, branch string) (string, error) {
	path := g.worktreeDir + "/" + agentID

	// Reuse the branch when it exists; create it otherwise.
	check := exec.CommandContext(ctx, "git", "-C", g.repoRoot,
		"rev-parse", "--verify", "refs/heads/"+branch)
	args := []string{"-C", g.repoRoot, "worktree", "add", path, branch}
	if check.Run() != nil {
		args = []string{"-C", g.repoRoot, "worktree", "add", "-b", branch, path}
	}

	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git worktree add failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return path, nil
}

func (g *gitWorktree) Remove(ctx context.Context, path string) error {
	out, err := exec.CommandContext(ctx, "git", "-C", g.repoRoot,
		"worktree", "remove", "--force", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git worktree remove failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
