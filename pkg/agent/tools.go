package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nbaertsch/squadron/pkg/activity"
	"github.com/nbaertsch/squadron/pkg/github"
	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/registry"
)

// toolsFor builds the framework tool catalogue bound to one agent,
// filtered by the role's allowlist. Names outside the catalogue are
// assumed to be runtime built-ins and pass through untouched.
func (m *Manager) toolsFor(agentID string, allowlist []string) map[string]ToolHandler {
	catalogue := map[string]ToolHandler{
		"check_for_events":     m.bind(agentID, m.toolCheckForEvents),
		"report_blocked":       m.bind(agentID, m.toolReportBlocked),
		"report_complete":      m.bind(agentID, m.toolReportComplete),
		"create_blocker_issue": m.bind(agentID, m.toolCreateBlockerIssue),
		"escalate_to_human":    m.bind(agentID, m.toolEscalateToHuman),
		"comment_on_issue":     m.bind(agentID, m.toolCommentOnIssue),
		"comment_on_pr":        m.bind(agentID, m.toolCommentOnIssue),
		"submit_pr_review":     m.bind(agentID, m.toolSubmitPRReview),
		"open_pr":              m.bind(agentID, m.toolOpenPR),
		"assign_issue":         m.bind(agentID, m.toolAssignIssue),
		"label_issue":          m.bind(agentID, m.toolLabelIssue),
		"create_issue":         m.bind(agentID, m.toolCreateIssue),
		"read_issue":           m.bind(agentID, m.toolReadIssue),
		"check_registry":       m.bind(agentID, m.toolCheckRegistry),
	}

	selected := make(map[string]ToolHandler)
	for _, name := range allowlist {
		if handler, ok := catalogue[name]; ok {
			selected[name] = handler
		}
	}
	return selected
}

type boundTool func(ctx context.Context, agentID string, args map[string]interface{}) (string, error)

// bind wraps a tool with agent binding plus activity logging.
func (m *Manager) bind(agentID string, tool boundTool) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		start := time.Now()
		result, err := tool(ctx, agentID, args)
		if m.log != nil {
			ok := err == nil
			m.log.Record(ctx, &activity.Event{
				AgentID:        agentID,
				Type:           activity.ToolCallEnd,
				ToolArgs:       args,
				ToolResult:     result,
				ToolSuccess:    &ok,
				ToolDurationMS: time.Since(start).Milliseconds(),
			})
		}
		return result, err
	}
}

// ── argument helpers ─────────────────────────────────────────────────

func argInt(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func argString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func argStrings(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
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

// ── tool implementations ─────────────────────────────────────────────

// toolCheckForEvents drains the inbox and summarizes it. Read-only
// with respect to the mail queue.
func (m *Manager) toolCheckForEvents(_ context.Context, agentID string, _ map[string]interface{}) (string, error) {
	events := m.drainInbox(agentID)
	if len(events) == 0 {
		return "No pending events.", nil
	}
	var b strings.Builder
	b.WriteString("Pending events:\n")
	for _, event := range events {
		b.WriteString(renderInboxEvent(&event))
	}
	return b.String(), nil
}

// toolReportBlocked registers a blocker and suspends the agent. On a
// cycle the tool returns an error message and nothing changes.
func (m *Manager) toolReportBlocked(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	blockerIssue := argInt(args, "blocker_issue")
	reason := argString(args, "reason")
	if blockerIssue == 0 {
		return "Error: blocker_issue is required", nil
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Sprintf("Error: agent %s not found", agentID), nil
	}

	if err := m.store.AddBlocker(ctx, agentID, blockerIssue); err != nil {
		if errors.Is(err, registry.ErrCycleDetected) {
			return fmt.Sprintf(
				"Error: adding blocker #%d would create a circular dependency. "+
					"Please find an alternative approach or escalate to a human.", blockerIssue), nil
		}
		return "", err
	}

	// Re-read: AddBlocker rewrote blocked_by.
	agent, err = m.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	m.runPreSleep(ctx, agent)
	agent.MarkSleeping(time.Now().UTC())
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return "", err
	}

	if agent.IssueNumber != 0 {
		m.postComment(ctx, agent, agent.IssueNumber, fmt.Sprintf(
			"Blocked by #%d: %s\n\nGoing to sleep until the blocker is resolved.",
			blockerIssue, reason))
	}
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.AgentSleeping,
			Content: fmt.Sprintf("blocked by #%d", blockerIssue)})
	}

	return fmt.Sprintf(
		"Blocker #%d registered. Your session will be saved. "+
			"You will be resumed when the blocker is resolved. "+
			"Stop working now — your session is being suspended.", blockerIssue), nil
}

// toolReportComplete marks the task done; the post-turn state machine
// handles cleanup.
func (m *Manager) toolReportComplete(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	summary := argString(args, "summary")

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Sprintf("Error: agent %s not found", agentID), nil
	}
	agent.MarkTerminal(models.StatusCompleted)
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return "", err
	}

	if agent.IssueNumber != 0 {
		m.postComment(ctx, agent, agent.IssueNumber, "Task complete: "+summary)
	}
	return "Task marked complete. Session will be cleaned up. " +
		"Stop working now — your session is being terminated.", nil
}

// toolCreateBlockerIssue opens a new issue and blocks on it.
func (m *Manager) toolCreateBlockerIssue(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	title := argString(args, "title")
	body := argString(args, "body")
	labels := argStrings(args, "labels")

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Sprintf("Error: agent %s not found", agentID), nil
	}
	if m.gh == nil {
		return "Error: no GitHub client available", nil
	}

	fullBody := fmt.Sprintf("%s\n\n---\n_Blocking #%d (%s)_", body, agent.IssueNumber, agentID)
	newIssue, err := m.gh.CreateIssue(ctx, title, fullBody, labels)
	if err != nil {
		return fmt.Sprintf("Error: failed to create issue: %v", err), nil
	}
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.GitHubIssueCreated,
			IssueNumber: newIssue, Content: title})
	}

	if err := m.store.AddBlocker(ctx, agentID, newIssue); err != nil {
		if errors.Is(err, registry.ErrCycleDetected) {
			return fmt.Sprintf("Created issue #%d but cannot block on it (would create a cycle).", newIssue), nil
		}
		return "", err
	}

	agent, err = m.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	m.runPreSleep(ctx, agent)
	agent.MarkSleeping(time.Now().UTC())
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return "", err
	}

	if agent.IssueNumber != 0 {
		m.postComment(ctx, agent, agent.IssueNumber, fmt.Sprintf(
			"Discovered a blocker — created #%d: %s\n\nGoing to sleep until it's resolved.",
			newIssue, title))
	}

	return fmt.Sprintf(
		"Created issue #%d. You are now blocked on it. Your session will be saved. "+
			"Stop working now — your session is being suspended.", newIssue), nil
}

// toolEscalateToHuman hands the task to a human.
func (m *Manager) toolEscalateToHuman(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	reason := argString(args, "reason")
	category := argString(args, "category")

	if err := m.EscalateAgent(ctx, agentID, reason, category); err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return "Task escalated to human maintainers. The issue has been labeled 'needs-human'. " +
		"Stop working now — your session is being terminated.", nil
}

// toolCommentOnIssue posts a role-signed comment.
func (m *Manager) toolCommentOnIssue(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	number := argInt(args, "issue_number")
	if number == 0 {
		number = argInt(args, "pr_number")
	}
	body := argString(args, "body")
	if number == 0 {
		return "Error: issue_number is required", nil
	}
	if m.gh == nil {
		return "Error: no GitHub client available", nil
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Sprintf("Error: agent %s not found", agentID), nil
	}
	m.postComment(ctx, agent, number, body)
	return fmt.Sprintf("Posted comment on #%d", number), nil
}

// toolSubmitPRReview submits a review. When GitHub rejects
// REQUEST_CHANGES with 403 (the bot authored the PR), two independent
// fallbacks run: the needs-changes label and the internal
// changes_requested record. The returned message enumerates exactly
// what happened — never an action the code did not perform.
func (m *Manager) toolSubmitPRReview(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	prNumber := argInt(args, "pr_number")
	body := argString(args, "body")
	event := strings.ToUpper(argString(args, "event"))
	if event == "" {
		event = "COMMENT"
	}
	if prNumber == 0 {
		return "Error: pr_number is required", nil
	}
	if m.gh == nil {
		return "Error: no GitHub client available", nil
	}

	var comments []github.ReviewComment
	if raw, ok := args["comments"].([]interface{}); ok {
		for _, item := range raw {
			if c, ok := item.(map[string]interface{}); ok {
				comments = append(comments, github.ReviewComment{
					Path:     argString(c, "path"),
					Position: argInt(c, "position"),
					Body:     argString(c, "body"),
				})
			}
		}
	}

	agent, _ := m.store.GetAgent(ctx, agentID)
	role := agentID
	if agent != nil {
		role = agent.Role
	}

	reviewID, err := m.gh.SubmitPRReview(ctx, prNumber, body, event, comments)
	if err == nil {
		if event == "APPROVE" || event == "REQUEST_CHANGES" {
			state := registry.ReviewApproved
			if event == "REQUEST_CHANGES" {
				state = registry.ReviewChangesRequested
			}
			if rerr := m.store.RecordPRApproval(ctx, prNumber, role, agentID, state); rerr != nil {
				slog.Warn("Failed to record review outcome", "agent", agentID, "error", rerr)
			}
		}
		if m.log != nil {
			m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.GitHubReview,
				PRNumber: prNumber, Content: event})
		}
		return fmt.Sprintf("Submitted %s review (id=%d) on PR #%d", event, reviewID, prNumber), nil
	}

	if event != "REQUEST_CHANGES" || !github.IsStatus(err, http.StatusForbidden) {
		return fmt.Sprintf("Error: failed to submit review: %v", err), nil
	}

	// 403 on REQUEST_CHANGES: the bot cannot request changes on its
	// own PR. Each fallback is independent.
	labelOK := true
	if lerr := m.gh.AddLabels(ctx, prNumber, []string{"needs-changes"}); lerr != nil {
		labelOK = false
		slog.Warn("needs-changes label fallback failed", "agent", agentID, "error", lerr)
	}
	recordOK := true
	if rerr := m.store.RecordPRApproval(ctx, prNumber, role, agentID, registry.ReviewChangesRequested); rerr != nil {
		recordOK = false
		slog.Warn("changes_requested record fallback failed", "agent", agentID, "error", rerr)
	}

	var parts []string
	if labelOK {
		parts = append(parts, "applied the 'needs-changes' label")
	} else {
		parts = append(parts, "could NOT apply the 'needs-changes' label")
	}
	if recordOK {
		parts = append(parts, "recorded changes_requested in the review tracker")
	} else {
		parts = append(parts, "could NOT record changes_requested in the review tracker")
	}

	return fmt.Sprintf(
		"GitHub rejected REQUEST_CHANGES on PR #%d (the bot is the PR author). Fallback: %s. "+
			"No review comment was posted — use comment_on_issue to notify the author of your findings.",
		prNumber, strings.Join(parts, " and ")), nil
}

// toolOpenPR opens a pull request from the agent's branch.
func (m *Manager) toolOpenPR(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	title := argString(args, "title")
	body := argString(args, "body")
	head := argString(args, "head")
	base := argString(args, "base")
	if base == "" {
		base = m.cfg.Project.DefaultBranch
	}
	if m.gh == nil {
		return "Error: no GitHub client available", nil
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Sprintf("Error: agent %s not found", agentID), nil
	}
	if head == "" {
		head = agent.Branch
	}

	prNumber, err := m.gh.CreatePullRequest(ctx, title, body, head, base)
	if err != nil {
		return fmt.Sprintf("Error: failed to open PR: %v", err), nil
	}

	agent.PRNumber = prNumber
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		slog.Warn("Failed to record PR number", "agent", agentID, "error", err)
	}
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.GitHubPROpened,
			PRNumber: prNumber, Content: title})
	}
	return fmt.Sprintf("Opened PR #%d: %s", prNumber, title), nil
}

func (m *Manager) toolAssignIssue(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	number := argInt(args, "issue_number")
	assignees := argStrings(args, "assignees")
	if number == 0 || len(assignees) == 0 {
		return "Error: issue_number and assignees are required", nil
	}
	if m.gh == nil {
		return "Error: no GitHub client available", nil
	}
	if err := m.gh.AssignIssue(ctx, number, assignees); err != nil {
		return fmt.Sprintf("Error: failed to assign: %v", err), nil
	}
	return fmt.Sprintf("Assigned %s to #%d", strings.Join(assignees, ", "), number), nil
}

func (m *Manager) toolLabelIssue(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	number := argInt(args, "issue_number")
	labels := argStrings(args, "labels")
	if number == 0 || len(labels) == 0 {
		return "Error: issue_number and labels are required", nil
	}
	if m.gh == nil {
		return "Error: no GitHub client available", nil
	}
	if err := m.gh.AddLabels(ctx, number, labels); err != nil {
		return fmt.Sprintf("Error: failed to label: %v", err), nil
	}
	return fmt.Sprintf("Added labels %s to #%d", strings.Join(labels, ", "), number), nil
}

func (m *Manager) toolCreateIssue(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	title := argString(args, "title")
	body := argString(args, "body")
	labels := argStrings(args, "labels")
	if title == "" {
		return "Error: title is required", nil
	}
	if m.gh == nil {
		return "Error: no GitHub client available", nil
	}
	number, err := m.gh.CreateIssue(ctx, title, body, labels)
	if err != nil {
		return fmt.Sprintf("Error: failed to create issue: %v", err), nil
	}
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.GitHubIssueCreated,
			IssueNumber: number, Content: title})
	}
	return fmt.Sprintf("Created issue #%d: %s", number, title), nil
}

func (m *Manager) toolReadIssue(ctx context.Context, agentID string, args map[string]interface{}) (string, error) {
	number := argInt(args, "issue_number")
	if number == 0 {
		return "Error: issue_number is required", nil
	}
	if m.gh == nil {
		return "Error: no GitHub client available", nil
	}
	issue, err := m.gh.GetIssue(ctx, number)
	if err != nil {
		return fmt.Sprintf("Error: failed to read issue: %v", err), nil
	}
	return fmt.Sprintf("#%d [%s] %s\nLabels: %s\n\n%s",
		issue.Number, issue.State, issue.Title, strings.Join(issue.Labels, ", "), issue.Body), nil
}

// toolCheckRegistry summarizes the live agent roster.
func (m *Manager) toolCheckRegistry(ctx context.Context, agentID string, _ map[string]interface{}) (string, error) {
	agents, err := m.store.GetActiveAgents(ctx)
	if err != nil {
		return "", err
	}
	if len(agents) == 0 {
		return "No live agents.", nil
	}
	var b strings.Builder
	b.WriteString("Live agents:\n")
	for _, a := range agents {
		b.WriteString(fmt.Sprintf("- %s (%s) issue=#%d pr=#%d blocked_by=%v\n",
			a.AgentID, a.Status, a.IssueNumber, a.PRNumber, a.BlockedBy))
	}
	return b.String(), nil
}
