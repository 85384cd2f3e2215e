package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbaertsch/squadron/pkg/activity"
	"github.com/nbaertsch/squadron/pkg/models"
)

// errTurnStopped signals that a framework tool ended the turn (the
// agent was told to stop working).
var errTurnStopped = errors.New("turn stopped by framework tool")

// persistEvery batches tool-call-count writes.
const persistEvery = 10

// startTask launches the per-agent background goroutine. Exactly one
// task exists per live agent; it alone touches the LLM session.
func (m *Manager) startTask(agent *models.AgentRecord, spec SpawnSpec, release func()) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &agentTask{cancel: cancel, done: make(chan struct{}), release: release}

	m.mu.Lock()
	m.tasks[agent.AgentID] = task
	m.mu.Unlock()

	go func() {
		defer close(task.done)
		defer release()
		defer func() {
			m.mu.Lock()
			delete(m.tasks, agent.AgentID)
			m.mu.Unlock()
		}()
		m.runAgent(ctx, agent.AgentID, spec)
	}()
}

// runAgent is the per-agent loop: create or resume the session, then
// send turns until the post-turn state machine says otherwise.
func (m *Manager) runAgent(ctx context.Context, agentID string, spec SpawnSpec) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		slog.Error("Agent task started for missing record", "agent", agentID, "error", err)
		return
	}

	// Any panic or unhandled error escalates, never crashes the process.
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Agent task panicked", "agent", agentID, "panic", rec)
			m.escalateFromTask(agentID, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	var sandboxCleanup func()
	if m.sandbox != nil {
		cleanup, err := m.sandbox.WrapAgentTask(agentID, map[string]interface{}{
			"role": agent.Role, "worktree": agent.WorktreePath,
		})
		if err != nil {
			slog.Error("Sandbox refused agent task", "agent", agentID, "error", err)
			m.escalateFromTask(agentID, "sandbox setup failed: "+err.Error())
			return
		}
		sandboxCleanup = cleanup
		defer sandboxCleanup()
	}

	budgets := m.cfg.CircuitBreakers.ForRole(agent.Role)
	// Resume from the persisted count so the budget spans sleeps.
	breaker := &circuitBreaker{calls: agent.ToolCallCount, maxToolCalls: budgets.MaxToolCalls}

	session, err := m.openSession(ctx, agent, breaker)
	if err != nil {
		slog.Error("Failed to open agent session", "agent", agentID, "error", err)
		m.escalateFromTask(agentID, "session setup failed: "+err.Error())
		return
	}

	// The record now becomes active.
	agent.SessionID = session.ID()
	agent.MarkActive(time.Now().UTC())
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		slog.Error("Failed to activate agent", "agent", agentID, "error", err)
		return
	}
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.SessionCreated,
			Metadata: map[string]interface{}{"session_id": session.ID()}})
	}

	injected := spec.InjectMessage
	for {
		if ctx.Err() != nil {
			break
		}

		prompt := m.assemblePrompt(agent, spec, injected)
		injected = ""
		if m.log != nil {
			m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.PromptReady})
		}

		reply, turnErr := m.runTurn(ctx, agentID, session, prompt, budgets.MaxDurationSeconds)

		// Refresh the record: tools and other tasks mutate it.
		agent, err = m.store.GetAgent(ctx, agentID)
		if err != nil {
			slog.Error("Agent record vanished mid-run", "agent", agentID, "error", err)
			return
		}

		agent.TurnCount++
		agent.ToolCallCount = breaker.count()
		if err := m.store.UpdateAgent(ctx, agent); err != nil {
			slog.Warn("Failed to persist turn counters", "agent", agentID, "error", err)
		}

		switch {
		case turnErr == nil || errors.Is(turnErr, errTurnStopped):
			if reply != "" && m.log != nil {
				m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.Reasoning,
					Content: reply})
			}
		case errors.Is(turnErr, context.DeadlineExceeded):
			// Circuit Breaker L2: the duration watchdog fired.
			slog.Warn("Agent turn exceeded duration budget", "agent", agentID)
			if m.log != nil {
				m.log.Record(ctx, &activity.Event{AgentID: agentID,
					Type: activity.CircuitBreakerTriggered, Content: "max_duration_seconds"})
			}
			if agent.IssueNumber != 0 {
				m.postComment(ctx, agent, agent.IssueNumber,
					"Turn exceeded the configured duration budget. Escalating to a human.")
			}
			agent.MarkTerminal(models.StatusEscalated)
			_ = m.store.UpdateAgent(ctx, agent)
		case errors.Is(turnErr, context.Canceled):
			// Cooperative cancellation: the record already carries the
			// terminal (or sleeping) status that caused it.
		default:
			slog.Error("Agent turn failed", "agent", agentID, "error", turnErr)
			agent.MarkTerminal(models.StatusEscalated)
			_ = m.store.UpdateAgent(ctx, agent)
			// A tripped breaker already explains itself below.
			if agent.IssueNumber != 0 && !breaker.tripped() {
				m.postComment(ctx, agent, agent.IssueNumber,
					"The agent runtime failed ("+classifyError(turnErr)+"). Escalating to a human.")
			}
		}

		// Circuit Breaker L1 tripped inside the turn.
		if breaker.tripped() {
			agent.MarkTerminal(models.StatusEscalated)
			_ = m.store.UpdateAgent(ctx, agent)
			if agent.IssueNumber != 0 {
				m.postComment(ctx, agent, agent.IssueNumber, fmt.Sprintf(
					"Tool-call budget exhausted (%d calls). Escalating to a human.", breaker.count()))
			}
		}

		// Turn-count budget.
		if budgets.MaxTurns > 0 && agent.TurnCount >= budgets.MaxTurns && !agent.Status.IsTerminal() {
			slog.Warn("Agent exceeded turn budget", "agent", agentID, "turns", agent.TurnCount)
			agent.MarkTerminal(models.StatusEscalated)
			_ = m.store.UpdateAgent(ctx, agent)
		}

		// Post-turn state machine.
		agent, err = m.store.GetAgent(ctx, agentID)
		if err != nil {
			return
		}
		switch agent.Status {
		case models.StatusActive:
			continue
		case models.StatusSleeping:
			// Keep the session and queues for the later resume.
			slog.Info("Agent task parked — session retained", "agent", agentID)
			if m.pipeline != nil {
				m.pipeline.OnAgentBlocked(ctx, agentID, "agent sleeping")
			}
			return
		default:
			m.cleanupAgent(context.Background(), agent, true)
			m.notifyPipeline(agent)
			return
		}
	}

	// Context cancelled: re-read and clean up per the final status.
	agent, err = m.store.GetAgent(context.Background(), agentID)
	if err != nil {
		return
	}
	if agent.Status == models.StatusSleeping {
		return
	}
	if !agent.Status.IsTerminal() {
		agent.MarkTerminal(models.StatusFailed)
		_ = m.store.UpdateAgent(context.Background(), agent)
	}
	m.cleanupAgent(context.Background(), agent, true)
	m.notifyPipeline(agent)
}

// runTurn executes one send_and_wait under the duration watchdog.
func (m *Manager) runTurn(ctx context.Context, agentID string, session Session, prompt string, maxDurationSeconds int) (string, error) {
	turnCtx := ctx
	if maxDurationSeconds > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, time.Duration(maxDurationSeconds)*time.Second)
		defer cancel()
	}
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.ModelRequestStarted})
	}
	reply, err := session.SendAndWait(turnCtx, prompt)
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.ModelRequestCompleted})
	}
	if err != nil && turnCtx.Err() == context.DeadlineExceeded {
		return reply, context.DeadlineExceeded
	}
	return reply, err
}

// openSession creates a fresh session or resumes the saved one.
func (m *Manager) openSession(ctx context.Context, agent *models.AgentRecord, breaker *circuitBreaker) (Session, error) {
	def, ok := m.defs[m.definitionName(agent.Role)]
	if !ok {
		return nil, fmt.Errorf("no agent definition for role %q", agent.Role)
	}

	model := def.Model
	if model == "" {
		model = m.cfg.Runtime.DefaultModel
	}

	tools := m.toolsFor(agent.AgentID, def.Tools)
	cfg := SessionConfig{
		AgentID:        agent.AgentID,
		Model:          model,
		WorkDir:        agent.WorktreePath,
		AvailableTools: def.Tools,
		CustomTools:    tools,
		PreToolUse: func(tool string, args map[string]interface{}) ToolDecision {
			return m.preToolUse(agent.AgentID, breaker, tool, args)
		},
	}

	if agent.SessionID != "" {
		session, err := m.runtime.Resume(ctx, agent.SessionID, cfg)
		if err == nil {
			return session, nil
		}
		slog.Warn("Failed to resume session — creating fresh", "agent", agent.AgentID, "error", err)
	}
	return m.runtime.Create(ctx, cfg)
}

func (m *Manager) definitionName(role string) string {
	rc, ok := m.cfg.AgentRoles[role]
	if !ok {
		return role
	}
	name := rc.AgentDefinition
	name = strings.TrimSuffix(name, ".md")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// preToolUse is Circuit Breaker L1: count every tool call, deny past
// the budget, persist the counter in batches.
func (m *Manager) preToolUse(agentID string, breaker *circuitBreaker, tool string, args map[string]interface{}) ToolDecision {
	count := breaker.increment()
	if m.mx != nil {
		m.mx.ToolCalls.Inc()
	}

	if m.sandbox != nil {
		if !m.sandbox.AuthorizeToolCall(agentID, "", tool, args) {
			slog.Warn("Sandbox denied tool call", "agent", agentID, "tool", tool)
			return ToolDeny
		}
	}

	if breaker.maxToolCalls > 0 && count > breaker.maxToolCalls {
		breaker.trip()
		slog.Warn("Tool-call budget exceeded — denying call",
			"agent", agentID, "tool", tool, "count", count, "max", breaker.maxToolCalls)
		if m.log != nil {
			m.log.Record(context.Background(), &activity.Event{AgentID: agentID,
				Type: activity.CircuitBreakerTriggered, ToolName: tool,
				Content: fmt.Sprintf("tool call %d over budget %d", count, breaker.maxToolCalls)})
		}
		return ToolDeny
	}

	if count%persistEvery == 0 {
		if agent, err := m.store.GetAgent(context.Background(), agentID); err == nil {
			agent.ToolCallCount = count
			_ = m.store.UpdateAgent(context.Background(), agent)
		}
	}
	return ToolAllow
}

// escalateFromTask escalates without assuming the record state.
func (m *Manager) escalateFromTask(agentID, reason string) {
	ctx := context.Background()
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	if !agent.Status.IsTerminal() {
		agent.MarkTerminal(models.StatusEscalated)
		_ = m.store.UpdateAgent(ctx, agent)
	}
	m.cleanupAgent(ctx, agent, true)
	m.notifyPipeline(agent)
}

// cleanupAgent tears down a terminal agent: the session (unless it is
// merely sleeping), the worktree (unless forensics retention applies),
// and the queues. The semaphore slot is released by the task itself.
func (m *Manager) cleanupAgent(ctx context.Context, agent *models.AgentRecord, destroySession bool) {
	agentID := agent.AgentID

	if destroySession && agent.SessionID != "" && m.runtime != nil {
		if session, err := m.runtime.Resume(ctx, agent.SessionID, SessionConfig{AgentID: agentID}); err == nil {
			if err := session.Delete(ctx); err != nil {
				slog.Debug("Failed to delete agent session", "agent", agentID, "error", err)
			}
		}
	}

	retain := m.cfg.Sandbox.RetainForensics &&
		(agent.Status == models.StatusEscalated || agent.Status == models.StatusFailed)
	if retain && m.sandbox != nil {
		if err := m.sandbox.PreserveForensics(agentID, string(agent.Status)); err != nil {
			slog.Warn("Failed to preserve forensics", "agent", agentID, "error", err)
		}
	}
	if agent.WorktreePath != "" && m.worktree != nil && !retain {
		if err := m.worktree.Remove(ctx, agent.WorktreePath); err != nil {
			slog.Warn("Failed to remove worktree", "agent", agentID, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.inboxes, agentID)
	delete(m.mailboxes, agentID)
	delete(m.triggers, agentID)
	m.mu.Unlock()
}

// notifyPipeline reports a terminal agent to the pipeline engine.
func (m *Manager) notifyPipeline(agent *models.AgentRecord) {
	if m.pipeline == nil {
		return
	}
	ctx := context.Background()
	switch agent.Status {
	case models.StatusCompleted:
		m.pipeline.OnAgentComplete(ctx, agent.AgentID, map[string]interface{}{
			"pr_number": agent.PRNumber,
		})
	case models.StatusEscalated, models.StatusFailed, models.StatusCancelled:
		m.pipeline.OnAgentError(ctx, agent.AgentID,
			fmt.Errorf("agent %s", agent.Status))
	}
}

func classifyError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate"):
		return "rate limited"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return "timed out"
	default:
		return "runtime error"
	}
}
