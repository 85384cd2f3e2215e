package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/registry"
)

// handleComment routes parsed commands and @role mentions from issue
// and PR comments.
func (m *Manager) handleComment(ctx context.Context, event *models.Event) error {
	body := event.PayloadField("comment.body").String()

	// Self-loop guard: bot comments carry the role signature header.
	// Mentions of the signing role in its own comment are ignored;
	// mentions of other roles are honored.
	senderRole := ""
	if match := signatureRe.FindStringSubmatch(body); match != nil {
		senderRole = match[1]
	}

	if cmd := event.Command; cmd != nil {
		if cmd.IsHelp {
			m.postHelp(ctx, event)
		} else if cmd.IsAction() {
			m.handleActionCommand(ctx, cmd, event)
		} else if cmd.AgentName != "" {
			role := normalizeRole(cmd.AgentName)
			if role != senderRole {
				m.routeToAgent(ctx, role, cmd.Message, event)
			}
		}
	}

	for _, role := range event.MentionedRoles {
		if role == senderRole {
			continue
		}
		if event.Command != nil && event.Command.AgentName == role {
			continue // already routed above with the full message
		}
		m.routeToAgent(ctx, role, body, event)
	}
	return nil
}

// routeToAgent delivers a message to the role's live agent on this
// issue — waking it if asleep — or spawns a fresh one. Terminal
// records never block a respawn.
func (m *Manager) routeToAgent(ctx context.Context, role, message string, event *models.Event) {
	if _, ok := m.cfg.AgentRoles[role]; !ok {
		slog.Debug("Mention of unknown role ignored", "role", role)
		return
	}

	mail := mailFromEvent(event, message)
	issue := resolveIssue(event)

	if agent, err := m.findMatching(ctx, role, event); err == nil {
		if derr := m.DeliverMail(ctx, agent.AgentID, mail); derr != nil {
			slog.Warn("Failed to deliver mail", "agent", agent.AgentID, "error", derr)
			return
		}
		if agent.Status == models.StatusSleeping {
			if werr := m.WakeAgent(ctx, agent.AgentID, "new message from @"+mail.Sender); werr != nil {
				slog.Warn("Failed to wake mentioned agent", "agent", agent.AgentID, "error", werr)
			}
		}
		return
	}

	// No live agent: spawn fresh with the message injected.
	_, err := m.Spawn(ctx, SpawnSpec{
		Role:          role,
		IssueNumber:   issue,
		PRNumber:      event.PRNumber,
		Trigger:       event,
		InjectMessage: fmt.Sprintf("Message from @%s:\n%s", mail.Sender, message),
	})
	if err != nil && !errors.Is(err, registry.ErrAlreadyExists) {
		slog.Error("Failed to spawn mentioned agent", "role", role, "error", err)
	}
}

func mailFromEvent(event *models.Event, message string) models.MailMessage {
	provenance := models.Provenance{
		Type:        models.ProvenanceIssueComment,
		IssueNumber: event.IssueNumber,
		CommentID:   event.PayloadField("comment.id").Int(),
	}
	if event.PRNumber != 0 {
		provenance.Type = models.ProvenancePRComment
		provenance.PRNumber = event.PRNumber
	}
	return models.MailMessage{
		Sender:     event.Sender,
		Body:       message,
		Provenance: provenance,
		ReceivedAt: time.Now().UTC(),
	}
}

// handleActionCommand executes the built-in commands: status, cancel,
// retry, plus config-declared action commands.
func (m *Manager) handleActionCommand(ctx context.Context, cmd *models.ParsedCommand, event *models.Event) {
	respond := func(body string) {
		if m.gh == nil || event.IssueNumber == 0 {
			return
		}
		signed := fmt.Sprintf("**[squadron:%s]** %s", m.cfg.Project.BotUsername, body)
		if _, err := m.gh.CommentOnIssue(ctx, event.IssueNumber, signed); err != nil {
			slog.Warn("Failed to post command response", "command", cmd.Name, "error", err)
		}
	}

	name := cmd.Name
	// Permission gate for configured commands.
	if cfgCmd, ok := m.cfg.Commands[cmd.Name]; ok {
		if !cfgCmd.IsEnabled() {
			respond(fmt.Sprintf("Command `%s` is disabled.", cmd.Name))
			return
		}
		if cfgCmd.Permissions.RequireHuman && event.SenderIsBot {
			respond(fmt.Sprintf("Command `%s` requires a human sender.", cmd.Name))
			return
		}
		if cfgCmd.Type == "response" {
			respond(cfgCmd.Response)
			return
		}
		if cfgCmd.Type == "agent" {
			message := strings.Join(cmd.Args, " ")
			if cfgCmd.InjectMessage && message == "" {
				message = event.PayloadField("comment.body").String()
			}
			m.routeToAgent(ctx, cfgCmd.Agent, message, event)
			return
		}
		if cfgCmd.Type == "action" {
			name = cfgCmd.Action
		}
	}

	switch name {
	case "status":
		respond(m.statusSummary(ctx))
	case "cancel":
		if len(cmd.Args) == 0 {
			respond("Usage: cancel <role>")
			return
		}
		role := normalizeRole(cmd.Args[0])
		agent, err := m.findMatching(ctx, role, event)
		if err != nil {
			respond(fmt.Sprintf("No live %s agent found here.", role))
			return
		}
		if err := m.CancelAgent(ctx, agent.AgentID, "cancelled by @"+event.Sender); err != nil {
			respond(fmt.Sprintf("Failed to cancel %s: %v", agent.AgentID, err))
			return
		}
		respond(fmt.Sprintf("Cancelled %s.", agent.AgentID))
	case "retry":
		if len(cmd.Args) == 0 {
			respond("Usage: retry <role>")
			return
		}
		role := normalizeRole(cmd.Args[0])
		// A live agent is cancelled first; terminal records are
		// replaced by the spawn.
		if agent, err := m.findMatching(ctx, role, event); err == nil {
			_ = m.CancelAgent(ctx, agent.AgentID, "superseded by retry")
		}
		if _, err := m.SpawnForEvent(ctx, role, event); err != nil {
			respond(fmt.Sprintf("Failed to retry %s: %v", role, err))
			return
		}
		respond(fmt.Sprintf("Restarted %s.", role))
	default:
		respond(fmt.Sprintf("Unknown command `%s`. Try `%s help`.", cmd.Name, m.cfg.CommandPrefix))
	}
}

func (m *Manager) statusSummary(ctx context.Context) string {
	agents, err := m.store.GetActiveAgents(ctx)
	if err != nil {
		return "Failed to read the registry: " + err.Error()
	}
	if len(agents) == 0 {
		return "No live agents."
	}
	var b strings.Builder
	b.WriteString("Live agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- `%s` — %s", a.AgentID, a.Status)
		if len(a.BlockedBy) > 0 {
			fmt.Fprintf(&b, " (blocked by %v)", a.BlockedBy)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Manager) postHelp(ctx context.Context, event *models.Event) {
	if m.gh == nil || event.IssueNumber == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("**Squadron commands**\n\n")
	fmt.Fprintf(&b, "- `%s status` — live agent roster\n", m.cfg.CommandPrefix)
	fmt.Fprintf(&b, "- `%s cancel <role>` — cancel a live agent\n", m.cfg.CommandPrefix)
	fmt.Fprintf(&b, "- `%s retry <role>` — restart an agent\n", m.cfg.CommandPrefix)
	b.WriteString("\n**Agents**\n\n")
	for role := range m.cfg.AgentRoles {
		fmt.Fprintf(&b, "- `@%s %s: <message>` — message the %s agent\n",
			m.cfg.Project.BotUsername, role, role)
	}
	if _, err := m.gh.CommentOnIssue(ctx, event.IssueNumber, b.String()); err != nil {
		slog.Warn("Failed to post help", "error", err)
	}
}

// handleWakeEvent services internal wake.agent events (reconciliation,
// pipeline wake_agent reactions).
func (m *Manager) handleWakeEvent(ctx context.Context, event *models.Event) error {
	if event.AgentID == "" {
		return nil
	}
	err := m.WakeAgent(ctx, event.AgentID, "wake event")
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	return nil
}

// handleIssueClosed resolves the closed issue as a blocker and wakes
// now-unblocked agents; agents working the closed issue complete.
func (m *Manager) handleIssueClosed(ctx context.Context, event *models.Event) error {
	if event.IssueNumber == 0 {
		return nil
	}

	affected, err := m.store.ResolveBlocker(ctx, event.IssueNumber)
	if err != nil {
		return err
	}
	for _, agent := range affected {
		m.DeliverEvent(agent.AgentID, models.Event{
			Type:        models.EventBlockerResolved,
			IssueNumber: event.IssueNumber,
			Timestamp:   time.Now().UTC(),
		})
		if agent.Status == models.StatusSleeping && len(agent.BlockedBy) == 0 {
			if err := m.WakeAgent(ctx, agent.AgentID,
				fmt.Sprintf("blocker #%d resolved", event.IssueNumber)); err != nil {
				slog.Warn("Failed to wake unblocked agent", "agent", agent.AgentID, "error", err)
			}
		}
	}

	// Agents assigned to the closed issue are done.
	workers, err := m.store.GetAgentsForIssue(ctx, event.IssueNumber)
	if err != nil {
		return err
	}
	for _, worker := range workers {
		if !worker.Status.IsTerminal() {
			if err := m.CompleteAgent(ctx, worker.AgentID, "issue closed"); err != nil {
				slog.Warn("Failed to complete agent on issue close", "agent", worker.AgentID, "error", err)
			}
		}
	}
	return nil
}
