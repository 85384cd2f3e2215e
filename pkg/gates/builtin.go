package gates

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nbaertsch/squadron/pkg/registry"
)

// checkCommand runs a shell command and evaluates the expect expression
// against the exit code and stdout. Without an expect, exit code 0
// passes.
func checkCommand(ctx context.Context, gc *Context) Result {
	cmd := gc.StringParam("run")
	if cmd == "" {
		return failf("command", "missing required param 'run'")
	}
	if gc.RunCommand == nil {
		return failf("command", "no command runner available in gate context")
	}

	exitCode, stdout, stderr, err := gc.RunCommand(ctx, cmd)
	if err != nil {
		return failf("command", "command execution failed: %v", err)
	}

	passed := evalCommandExpect(exitCode, stdout, gc.StringParam("expect"))
	result := Result{
		CheckType: "command",
		Passed:    passed,
		ResultData: map[string]interface{}{
			"exit_code":    exitCode,
			"stdout_lines": len(strings.Split(stdout, "\n")),
			"stderr_lines": len(strings.Split(stderr, "\n")),
		},
	}
	if !passed {
		result.Message = fmt.Sprintf("command failed with exit code %d", exitCode)
	}
	return result
}

// evalCommandExpect evaluates the expect mini-grammar:
// "exit_code <op> N" comparisons and "stdout_contains: <text>".
func evalCommandExpect(exitCode int, stdout, expect string) bool {
	expr := strings.TrimSpace(expect)
	if expr == "" {
		return exitCode == 0
	}

	if strings.HasPrefix(expr, "stdout_contains:") {
		needle := strings.TrimSpace(strings.TrimPrefix(expr, "stdout_contains:"))
		return strings.Contains(stdout, needle)
	}

	if strings.Contains(expr, "exit_code") {
		for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
			if !strings.Contains(expr, op) {
				continue
			}
			parts := strings.SplitN(expr, op, 2)
			want, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				continue
			}
			switch op {
			case "==":
				return exitCode == want
			case "!=":
				return exitCode != want
			case "<=":
				return exitCode <= want
			case ">=":
				return exitCode >= want
			case "<":
				return exitCode < want
			case ">":
				return exitCode > want
			}
		}
	}
	return exitCode == 0
}

// checkFileExists requires every listed path to be present.
func checkFileExists(_ context.Context, gc *Context) Result {
	paths := gc.StringsParam("paths")
	if len(paths) == 0 {
		return failf("file_exists", "missing required param 'paths'")
	}

	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}

	result := Result{
		CheckType: "file_exists",
		Passed:    len(missing) == 0,
		ResultData: map[string]interface{}{
			"checked": paths,
			"missing": missing,
		},
	}
	if !result.Passed {
		result.Message = fmt.Sprintf("missing files: %v", missing)
	}
	return result
}

// checkPRApprovalsMet requires the PR to carry the configured number of
// fresh approvals, optionally restricted to specific roles.
func checkPRApprovalsMet(ctx context.Context, gc *Context) Result {
	if gc.PRNumber == 0 {
		return failf("pr_approvals_met", "no PR number in gate context")
	}
	if gc.Registry == nil {
		return failf("pr_approvals_met", "no registry available for approval check")
	}

	required := gc.IntParam("count", 1)
	requiredRoles := gc.StringsParam("roles")
	includeHumans := gc.BoolParam("include_humans", true)

	approvals, err := gc.Registry.GetPRApprovals(ctx, gc.PRNumber, registry.ApprovalFilter{
		State: registry.ReviewApproved,
	})
	if err != nil {
		return failf("pr_approvals_met", "failed to read approvals: %v", err)
	}

	var matching []registry.PRApproval
	for _, a := range approvals {
		if a.AgentRole == "human" && !includeHumans {
			continue
		}
		if len(requiredRoles) > 0 && !containsString(requiredRoles, a.AgentRole) &&
			!(includeHumans && a.AgentRole == "human") {
			continue
		}
		matching = append(matching, a)
	}

	passed := len(matching) >= required
	reviewers := make([]interface{}, 0, len(matching))
	for _, a := range matching {
		reviewers = append(reviewers, map[string]interface{}{"role": a.AgentRole, "agent": a.AgentID})
	}

	result := Result{
		CheckType: "pr_approvals_met",
		Passed:    passed,
		ResultData: map[string]interface{}{
			"required":  required,
			"actual":    len(matching),
			"approvals": reviewers,
		},
	}
	if !passed {
		result.Message = fmt.Sprintf("PR #%d has %d/%d required approvals",
			gc.PRNumber, len(matching), required)
	}
	return result
}

// checkNoChangesRequested requires no outstanding fresh
// changes_requested reviews.
func checkNoChangesRequested(ctx context.Context, gc *Context) Result {
	if gc.PRNumber == 0 {
		return failf("no_changes_requested", "no PR number in gate context")
	}
	if gc.Registry == nil {
		return failf("no_changes_requested", "no registry available")
	}

	blocking, err := gc.Registry.GetPRApprovals(ctx, gc.PRNumber, registry.ApprovalFilter{
		State: registry.ReviewChangesRequested,
	})
	if err != nil {
		return failf("no_changes_requested", "failed to read approvals: %v", err)
	}

	includeHumans := gc.BoolParam("include_humans", true)
	if !includeHumans {
		var filtered []registry.PRApproval
		for _, a := range blocking {
			if a.AgentRole != "human" {
				filtered = append(filtered, a)
			}
		}
		blocking = filtered
	}

	reviewers := make([]string, 0, len(blocking))
	for _, a := range blocking {
		reviewers = append(reviewers, a.AgentID)
	}

	result := Result{
		CheckType: "no_changes_requested",
		Passed:    len(blocking) == 0,
		ResultData: map[string]interface{}{
			"blocking_reviews": len(blocking),
			"reviewers":        reviewers,
		},
	}
	if !result.Passed {
		result.Message = fmt.Sprintf("%d reviewer(s) requested changes", len(blocking))
	}
	return result
}

// checkHumanApproved requires at least N approvals recorded with the
// reserved "human" role.
func checkHumanApproved(ctx context.Context, gc *Context) Result {
	if gc.PRNumber == 0 {
		return failf("human_approved", "no PR number in gate context")
	}
	if gc.Registry == nil {
		return failf("human_approved", "no registry available")
	}

	required := gc.IntParam("count", 1)
	approvals, err := gc.Registry.GetPRApprovals(ctx, gc.PRNumber, registry.ApprovalFilter{
		Role:  "human",
		State: registry.ReviewApproved,
	})
	if err != nil {
		return failf("human_approved", "failed to read approvals: %v", err)
	}

	result := Result{
		CheckType: "human_approved",
		Passed:    len(approvals) >= required,
		ResultData: map[string]interface{}{
			"required":        required,
			"human_approvals": len(approvals),
		},
	}
	if !result.Passed {
		result.Message = fmt.Sprintf("requires %d human approval(s); got %d", required, len(approvals))
	}
	return result
}

// checkLabelPresent requires a label on the PR (or issue when the gate
// runs in issue scope). Modes: "label" (single), "labels" (any of),
// "all_of" (all).
func checkLabelPresent(ctx context.Context, gc *Context) Result {
	number := gc.PRNumber
	if number == 0 {
		number = gc.IssueNumber
	}
	if number == 0 {
		return failf("label_present", "no PR/issue number in gate context")
	}
	if gc.GitHub == nil {
		return failf("label_present", "GitHub client not available for label check")
	}

	var current map[string]bool
	if gc.PRNumber != 0 {
		pr, err := gc.GitHub.GetPullRequest(ctx, gc.PRNumber)
		if err != nil {
			return failf("label_present", "failed to fetch labels: %v", err)
		}
		current = labelSet(pr.Labels)
	} else {
		issue, err := gc.GitHub.GetIssue(ctx, gc.IssueNumber)
		if err != nil {
			return failf("label_present", "failed to fetch labels: %v", err)
		}
		current = labelSet(issue.Labels)
	}

	if single := gc.StringParam("label"); single != "" {
		result := Result{
			CheckType:  "label_present",
			Passed:     current[single],
			ResultData: map[string]interface{}{"required": single},
		}
		if !result.Passed {
			result.Message = fmt.Sprintf("label %q not present", single)
		}
		return result
	}

	if allOf := gc.StringsParam("all_of"); len(allOf) > 0 {
		var missing []string
		for _, l := range allOf {
			if !current[l] {
				missing = append(missing, l)
			}
		}
		result := Result{
			CheckType:  "label_present",
			Passed:     len(missing) == 0,
			ResultData: map[string]interface{}{"required_all": allOf, "missing": missing},
		}
		if !result.Passed {
			result.Message = fmt.Sprintf("missing labels: %v", missing)
		}
		return result
	}

	if anyOf := gc.StringsParam("labels"); len(anyOf) > 0 {
		var found []string
		for _, l := range anyOf {
			if current[l] {
				found = append(found, l)
			}
		}
		result := Result{
			CheckType:  "label_present",
			Passed:     len(found) > 0,
			ResultData: map[string]interface{}{"required_any": anyOf, "found": found},
		}
		if !result.Passed {
			result.Message = fmt.Sprintf("none of the required labels present: %v", anyOf)
		}
		return result
	}

	return failf("label_present", "no label criteria specified (use 'label', 'labels', or 'all_of')")
}

// checkCIStatus requires CI to be green on the PR head, either the
// combined status or specific contexts.
func checkCIStatus(ctx context.Context, gc *Context) Result {
	if gc.PRNumber == 0 {
		return failf("ci_status", "no PR number in gate context")
	}
	if gc.GitHub == nil {
		return failf("ci_status", "GitHub client not available for CI status check")
	}

	pr, err := gc.GitHub.GetPullRequest(ctx, gc.PRNumber)
	if err != nil {
		return failf("ci_status", "failed to fetch PR: %v", err)
	}
	if pr.HeadSHA == "" {
		return failf("ci_status", "could not determine PR head SHA")
	}

	combined, err := gc.GitHub.GetCombinedStatus(ctx, pr.HeadSHA)
	if err != nil {
		return failf("ci_status", "failed to fetch CI status: %v", err)
	}

	if required := gc.StringsParam("contexts"); len(required) > 0 {
		states := make(map[string]string, len(combined.Statuses))
		for _, s := range combined.Statuses {
			states[s.Context] = s.State
		}
		var failing []string
		for _, c := range required {
			if states[c] != "success" {
				failing = append(failing, c)
			}
		}
		result := Result{
			CheckType: "ci_status",
			Passed:    len(failing) == 0,
			ResultData: map[string]interface{}{
				"required_contexts": required,
				"failing":           failing,
			},
		}
		if !result.Passed {
			result.Message = fmt.Sprintf("CI contexts failing: %v", failing)
		}
		return result
	}

	var failed []string
	for _, s := range combined.Statuses {
		if s.State != "success" {
			failed = append(failed, s.Context)
		}
	}
	result := Result{
		CheckType: "ci_status",
		Passed:    combined.State == "success",
		ResultData: map[string]interface{}{
			"state":       combined.State,
			"total_count": len(combined.Statuses),
			"failed":      failed,
		},
	}
	if !result.Passed {
		result.Message = fmt.Sprintf("CI status is %q (not \"success\")", combined.State)
	}
	return result
}

// checkBranchUpToDate requires the PR branch to not be behind its base.
func checkBranchUpToDate(ctx context.Context, gc *Context) Result {
	if gc.PRNumber == 0 {
		return failf("branch_up_to_date", "no PR number in gate context")
	}
	if gc.GitHub == nil {
		return failf("branch_up_to_date", "GitHub client not available for branch status check")
	}

	pr, err := gc.GitHub.GetPullRequest(ctx, gc.PRNumber)
	if err != nil {
		return failf("branch_up_to_date", "failed to fetch PR merge state: %v", err)
	}

	passed := pr.MergeableState != "behind" && pr.MergeableState != "dirty" && pr.BehindBy == 0
	result := Result{
		CheckType: "branch_up_to_date",
		Passed:    passed,
		ResultData: map[string]interface{}{
			"mergeable_state": pr.MergeableState,
			"behind_by":       pr.BehindBy,
		},
	}
	if !passed {
		result.Message = fmt.Sprintf("branch is not up-to-date (state=%s, behind_by=%d)",
			pr.MergeableState, pr.BehindBy)
	}
	return result
}

func labelSet(labels []string) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	return set
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
