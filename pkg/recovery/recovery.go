// Package recovery rebuilds agent state at startup: phase 1 fails
// whatever was in flight when the previous process died; phase 2
// reconstructs records from observable GitHub state.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nbaertsch/squadron/pkg/config"
	"github.com/nbaertsch/squadron/pkg/github"
	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/registry"
)

// Summary reports what a recovery pass did.
type Summary struct {
	MarkedFailed  int
	Reconstructed int
	Skipped       int
	Errors        int
}

func (s Summary) String() string {
	return fmt.Sprintf("failed=%d reconstructed=%d skipped=%d errors=%d",
		s.MarkedFailed, s.Reconstructed, s.Skipped, s.Errors)
}

// MarkStaleAgents is phase 1: every record still in created or active
// is from a dead process and becomes failed. A brief comment lands on
// the associated issue when a client is available.
func MarkStaleAgents(ctx context.Context, store *registry.Store, gh github.Client) (Summary, error) {
	var summary Summary
	for _, status := range []models.AgentStatus{models.StatusActive, models.StatusCreated} {
		agents, err := store.GetAgentsByStatus(ctx, status)
		if err != nil {
			return summary, err
		}
		if len(agents) > 0 {
			slog.Warn("Found stale agents from a previous run — marking failed",
				"status", status, "count", len(agents))
		}
		for _, agent := range agents {
			agent.MarkTerminal(models.StatusFailed)
			if err := store.UpdateAgent(ctx, agent); err != nil {
				slog.Error("Failed to mark stale agent", "agent", agent.AgentID, "error", err)
				summary.Errors++
				continue
			}
			summary.MarkedFailed++
			if gh != nil && agent.IssueNumber != 0 {
				body := fmt.Sprintf("**[squadron:%s]** The previous server run ended while this "+
					"agent was working. It has been marked failed; retry to restart it.", agent.Role)
				if _, err := gh.CommentOnIssue(ctx, agent.IssueNumber, body); err != nil {
					slog.Warn("Failed to post recovery comment", "agent", agent.AgentID, "error", err)
				}
			}
		}
	}
	return summary, nil
}

// lifecycle labels that imply an agent state.
const (
	labelBlocked    = "blocked"
	labelInProgress = "in-progress"
	labelNeedsHuman = "needs-human"
)

// ReconstructFromGitHub is phase 2: enumerate open issues with
// lifecycle labels and open PRs with recognizable branch patterns, and
// create the implied records that do not exist yet (existing records
// are skipped, not updated). Per-item errors never abort the pass.
func ReconstructFromGitHub(ctx context.Context, cfg *config.Config, store *registry.Store, gh github.Client) Summary {
	var summary Summary
	if gh == nil {
		return summary
	}

	branchRoles := branchPatternRoles(cfg)
	labelRole := labelRoleMap(cfg)

	issues, err := gh.ListOpenIssues(ctx)
	if err != nil {
		slog.Error("Recovery: failed to list open issues", "error", err)
		summary.Errors++
	} else {
		for _, issue := range issues {
			if recoverIssue(ctx, cfg, store, issue, labelRole, &summary) {
				summary.Reconstructed++
			}
		}
	}

	prs, err := gh.ListOpenPullRequests(ctx)
	if err != nil {
		slog.Error("Recovery: failed to list open PRs", "error", err)
		summary.Errors++
	} else {
		for _, pr := range prs {
			if recoverPR(ctx, store, pr, branchRoles, &summary) {
				summary.Reconstructed++
			}
		}
	}
	return summary
}

// recoverIssue creates an agent record for an open issue carrying a
// lifecycle label, unless a record with that id already exists.
func recoverIssue(ctx context.Context, cfg *config.Config, store *registry.Store, issue *github.Issue, labelRole map[string]string, summary *Summary) bool {
	status := impliedStatus(issue.Labels)
	if status == "" {
		return false
	}

	role := ""
	for _, label := range issue.Labels {
		if r, ok := labelRole[label]; ok {
			role = r
			break
		}
	}
	if role == "" {
		summary.Skipped++
		return false
	}
	if _, ok := cfg.AgentRoles[role]; !ok {
		slog.Debug("Recovery: inferred role not configured — skipping",
			"issue", issue.Number, "role", role)
		summary.Skipped++
		return false
	}

	agentID := fmt.Sprintf("%s-issue-%d", role, issue.Number)
	if _, err := store.GetAgent(ctx, agentID); err == nil {
		summary.Skipped++
		return false
	}

	now := time.Now().UTC()
	agent := &models.AgentRecord{
		AgentID:     agentID,
		Role:        role,
		IssueNumber: issue.Number,
		Status:      status,
		Branch:      cfg.BranchFor(role, issue.Number),
		CreatedAt:   now,
	}
	if status == models.StatusSleeping {
		agent.SleepingSince = &now
	}
	if err := store.CreateAgent(ctx, agent, false); err != nil {
		slog.Warn("Recovery: failed to reconstruct agent from issue",
			"issue", issue.Number, "error", err)
		summary.Errors++
		return false
	}
	slog.Info("Recovery: reconstructed agent from issue",
		"agent", agentID, "status", status)
	return true
}

// recoverPR creates an agent record for an open PR whose head branch
// matches a configured naming template, unless a record with that id
// already exists.
func recoverPR(ctx context.Context, store *registry.Store, pr *github.PullRequest, branchRoles []branchRole, summary *Summary) bool {
	for _, br := range branchRoles {
		m := br.pattern.FindStringSubmatch(pr.HeadRef)
		if m == nil {
			continue
		}
		issueNumber := 0
		if len(m) > 1 {
			issueNumber, _ = strconv.Atoi(m[1])
		}

		agentID := fmt.Sprintf("%s-issue-%d", br.role, issueNumber)
		if issueNumber == 0 {
			agentID = fmt.Sprintf("%s-pr-%d", br.role, pr.Number)
		}
		if _, err := store.GetAgent(ctx, agentID); err == nil {
			summary.Skipped++
			return false
		}

		agent := &models.AgentRecord{
			AgentID:     agentID,
			Role:        br.role,
			IssueNumber: issueNumber,
			PRNumber:    pr.Number,
			Status:      models.StatusFailed, // was in flight; needs a retry
			Branch:      pr.HeadRef,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateAgent(ctx, agent, false); err != nil {
			slog.Warn("Recovery: failed to reconstruct agent from PR",
				"pr", pr.Number, "error", err)
			summary.Errors++
			return false
		}
		slog.Info("Recovery: reconstructed agent from PR", "agent", agentID, "pr", pr.Number)
		return true
	}
	return false
}

// impliedStatus maps lifecycle labels to the reconstructed status.
func impliedStatus(labels []string) models.AgentStatus {
	for _, label := range labels {
		switch label {
		case labelBlocked:
			return models.StatusSleeping
		case labelNeedsHuman:
			return models.StatusEscalated
		case labelInProgress:
			return models.StatusFailed
		}
	}
	return ""
}

// labelRoleMap derives a "role:<name>"-style and bare-role label map.
func labelRoleMap(cfg *config.Config) map[string]string {
	out := make(map[string]string, len(cfg.AgentRoles)*2)
	for role := range cfg.AgentRoles {
		out[role] = role
		out["role:"+role] = role
	}
	return out
}

type branchRole struct {
	role    string
	pattern *regexp.Regexp
}

// branchPatternRoles compiles each branch naming template into a
// matcher with the issue number as a capture group.
func branchPatternRoles(cfg *config.Config) []branchRole {
	var out []branchRole
	for role := range cfg.AgentRoles {
		template, ok := cfg.BranchNaming[role]
		if !ok {
			template = role + "/issue-{issue_number}"
		}
		escaped := regexp.QuoteMeta(template)
		escaped = strings.ReplaceAll(escaped, regexp.QuoteMeta("{issue_number}"), `(\d+)`)
		escaped = strings.ReplaceAll(escaped, regexp.QuoteMeta("{role}"), regexp.QuoteMeta(role))
		pattern, err := regexp.Compile("^" + escaped + "$")
		if err != nil {
			slog.Warn("Recovery: unusable branch template", "role", role, "error", err)
			continue
		}
		out = append(out, branchRole{role: role, pattern: pattern})
	}
	return out
}
