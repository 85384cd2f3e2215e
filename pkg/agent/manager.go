package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nbaertsch/squadron/pkg/activity"
	"github.com/nbaertsch/squadron/pkg/commands"
	"github.com/nbaertsch/squadron/pkg/config"
	"github.com/nbaertsch/squadron/pkg/events"
	"github.com/nbaertsch/squadron/pkg/github"
	"github.com/nbaertsch/squadron/pkg/metrics"
	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/pipeline"
	"github.com/nbaertsch/squadron/pkg/registry"
)

// signatureRe extracts the sending role from a bot-authored comment
// header, the self-loop guard.
var signatureRe = regexp.MustCompile(`^\*\*\[squadron:([\w-]+)\]\*\*`)

// closingIssueRe finds "Closes #42" style references in PR bodies.
var closingIssueRe = regexp.MustCompile(`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\s+#(\d+)`)

// Manager owns every live agent: record, session, queues, background
// task, and worktree handle.
type Manager struct {
	cfg      *config.Config
	defs     map[string]*config.AgentDefinition
	store    *registry.Store
	gh       github.Client
	router   *events.Router
	runtime  SessionRuntime
	worktree WorktreeService
	sandbox  SandboxManager
	log      *activity.Log
	mx       *metrics.Metrics
	parser   *commands.Parser

	// preSleep runs before any transition to sleeping (WIP commit and
	// push). Failures are logged, never blocking.
	preSleep func(ctx context.Context, agent *models.AgentRecord) error

	pipeline PipelineCallbacks

	sem *semaphore.Weighted

	mu         sync.Mutex
	inboxes    map[string]chan models.Event
	mailboxes  map[string]chan models.MailMessage
	tasks      map[string]*agentTask
	triggers   map[string]*models.Event // last trigger event per agent
	lastSpawn  time.Time
	shutdown   bool
}

type agentTask struct {
	cancel  context.CancelFunc
	done    chan struct{}
	release func()
}

// Options configures a Manager.
type Options struct {
	Config      *config.Config
	Definitions map[string]*config.AgentDefinition
	Store       *registry.Store
	GitHub      github.Client
	Router      *events.Router
	Runtime     SessionRuntime
	Worktree    WorktreeService
	Sandbox     SandboxManager
	Activity    *activity.Log
	Metrics     *metrics.Metrics
	Parser      *commands.Parser
	PreSleep    func(ctx context.Context, agent *models.AgentRecord) error
}

// New builds a Manager.
func New(opts Options) *Manager {
	m := &Manager{
		cfg:       opts.Config,
		defs:      opts.Definitions,
		store:     opts.Store,
		gh:        opts.GitHub,
		router:    opts.Router,
		runtime:   opts.Runtime,
		worktree:  opts.Worktree,
		sandbox:   opts.Sandbox,
		log:       opts.Activity,
		mx:        opts.Metrics,
		parser:    opts.Parser,
		preSleep:  opts.PreSleep,
		inboxes:   make(map[string]chan models.Event),
		mailboxes: make(map[string]chan models.MailMessage),
		tasks:     make(map[string]*agentTask),
		triggers:  make(map[string]*models.Event),
	}
	if n := opts.Config.Runtime.MaxConcurrentAgents; n > 0 {
		m.sem = semaphore.NewWeighted(int64(n))
	}
	return m
}

// SetPipelineCallbacks wires the pipeline engine (set after both are
// constructed).
func (m *Manager) SetPipelineCallbacks(cb PipelineCallbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline = cb
}

// LastSpawnTime reports when the manager last spawned an agent.
func (m *Manager) LastSpawnTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSpawn
}

// Start registers all event handlers: config-driven role triggers,
// comment routing, and the internal wake channel.
func (m *Manager) Start() {
	m.RegisterTriggerHandlers()
	m.router.On(models.EventIssueComment, m.handleComment)
	m.router.On(models.EventPRReviewComment, m.handleComment)
	m.router.On(models.EventWakeAgent, m.handleWakeEvent)
	m.router.On(models.EventIssueClosed, m.handleIssueClosed)
}

// RegisterTriggerHandlers (re)installs one handler per declared role
// trigger. Called at startup and again after a config hot-reload.
func (m *Manager) RegisterTriggerHandlers() {
	for role, rc := range m.cfg.AgentRoles {
		for _, trigger := range rc.Triggers {
			kind, ok := events.Lookup(trigger.Event)
			if !ok {
				slog.Warn("Role trigger references unknown event", "role", role, "event", trigger.Event)
				continue
			}
			role, trigger := role, trigger
			m.router.On(kind, func(ctx context.Context, event *models.Event) error {
				return m.handleTrigger(ctx, role, &trigger, event)
			})
		}
	}
}

// UpdateConfig swaps in a reloaded configuration. Only new spawns see
// it; running agents keep the config they started with.
func (m *Manager) UpdateConfig(cfg *config.Config, defs map[string]*config.AgentDefinition) {
	m.mu.Lock()
	m.cfg = cfg
	m.defs = defs
	if n := cfg.Runtime.MaxConcurrentAgents; n > 0 && m.sem == nil {
		m.sem = semaphore.NewWeighted(int64(n))
	}
	m.mu.Unlock()
}

// ── trigger handling ─────────────────────────────────────────────────

func (m *Manager) handleTrigger(ctx context.Context, role string, trigger *config.TriggerConfig, event *models.Event) error {
	if !triggerConditionMatches(trigger.Condition, event) {
		return nil
	}

	action := trigger.Action
	if action == "" {
		action = "spawn"
	}

	switch action {
	case "spawn":
		_, err := m.SpawnForEvent(ctx, role, event)
		if err != nil && !errors.Is(err, registry.ErrAlreadyExists) {
			return err
		}
		return nil
	case "sleep":
		return m.sleepMatching(ctx, role, event)
	case "wake":
		return m.wakeMatching(ctx, role, event)
	case "complete":
		return m.completeMatching(ctx, role, event)
	}
	return fmt.Errorf("unknown trigger action %q", action)
}

// triggerConditionMatches evaluates a trigger condition against the
// event payload. "label", "base_branch", "merged", and "state" have
// payload-aware lookups; other keys are literal payload paths.
func triggerConditionMatches(condition map[string]interface{}, event *models.Event) bool {
	for key, expected := range condition {
		want := fmt.Sprintf("%v", expected)
		var got string
		switch key {
		case "label":
			got = event.PayloadField("label.name").String()
		case "base_branch":
			got = event.PayloadField("pull_request.base.ref").String()
		case "merged":
			got = event.PayloadField("pull_request.merged").String()
		case "state":
			got = event.PayloadField("review.state").String()
		default:
			got = event.PayloadField(key).String()
		}
		if got != want {
			return false
		}
	}
	return true
}

// resolveIssue determines the issue an event is about: the issue
// number itself, or the closing reference in the PR body.
func resolveIssue(event *models.Event) int {
	if event.IssueNumber != 0 {
		return event.IssueNumber
	}
	body := event.PayloadField("pull_request.body").String()
	if m := closingIssueRe.FindStringSubmatch(body); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// findMatching locates the live agent a trigger refers to: by
// (role, issue) when the event carries an issue, falling back to
// (role, pr).
func (m *Manager) findMatching(ctx context.Context, role string, event *models.Event) (*models.AgentRecord, error) {
	if issue := resolveIssue(event); issue != 0 {
		if agent, err := m.store.FindAgent(ctx, role, issue); err == nil {
			return agent, nil
		}
	}
	if event.PRNumber != 0 {
		return m.store.FindAgentByPR(ctx, role, event.PRNumber)
	}
	return nil, fmt.Errorf("no agent for role %s: %w", role, registry.ErrNotFound)
}

func (m *Manager) sleepMatching(ctx context.Context, role string, event *models.Event) error {
	agent, err := m.findMatching(ctx, role, event)
	if err != nil {
		return nil // nothing to sleep
	}
	if agent.Status != models.StatusActive {
		return nil
	}
	return m.SleepAgent(ctx, agent.AgentID)
}

func (m *Manager) wakeMatching(ctx context.Context, role string, event *models.Event) error {
	agent, err := m.findMatching(ctx, role, event)
	if err != nil {
		return nil
	}
	if agent.Status != models.StatusSleeping {
		return nil
	}
	return m.WakeAgent(ctx, agent.AgentID, "triggered by "+string(event.Type))
}

func (m *Manager) completeMatching(ctx context.Context, role string, event *models.Event) error {
	agent, err := m.findMatching(ctx, role, event)
	if err != nil {
		return nil
	}
	return m.CompleteAgent(ctx, agent.AgentID, "completed by "+string(event.Type)+" trigger")
}

// ── spawn paths ──────────────────────────────────────────────────────

// SpawnForEvent spawns an agent of the role for a trigger event,
// deriving issue, PR, and branch from the payload. Review-style roles
// spawning off PR events check out the PR head branch, never a
// reviewer-specific branch.
func (m *Manager) SpawnForEvent(ctx context.Context, role string, event *models.Event) (*models.AgentRecord, error) {
	issue := resolveIssue(event)
	overrideBranch := ""
	if event.PRNumber != 0 {
		overrideBranch = event.PayloadField("pull_request.head.ref").String()
	}
	return m.Spawn(ctx, SpawnSpec{
		Role:           role,
		IssueNumber:    issue,
		PRNumber:       event.PRNumber,
		OverrideBranch: overrideBranch,
		Trigger:        event,
	})
}

// SpawnSpec is one spawn request.
type SpawnSpec struct {
	Role           string
	IssueNumber    int
	PRNumber       int
	OverrideBranch string
	Trigger        *models.Event
	InjectMessage  string

	// Workflow linkage for pipeline agent stages.
	RunID   string
	StageID string
	Action  string
}

// Spawn creates the agent record, allocates its worktree, and starts
// the background task.
func (m *Manager) Spawn(ctx context.Context, spec SpawnSpec) (*models.AgentRecord, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager is shutting down")
	}
	m.mu.Unlock()

	roleCfg, ok := m.cfg.AgentRoles[spec.Role]
	if !ok {
		return nil, fmt.Errorf("unknown agent role %q", spec.Role)
	}

	// Singleton guard.
	if roleCfg.Singleton {
		live, err := m.store.GetNonTerminalByRole(ctx, spec.Role)
		if err != nil {
			return nil, err
		}
		if len(live) > 0 {
			return nil, fmt.Errorf("role %q is a singleton and %q is live: %w",
				spec.Role, live[0].AgentID, registry.ErrAlreadyExists)
		}
	}

	agentID := agentIDFor(spec.Role, spec.IssueNumber, spec.PRNumber)

	// Duplicate guard: a non-terminal record refuses the spawn; a
	// terminal one is replaced (the re-review path).
	if existing, err := m.store.GetAgent(ctx, agentID); err == nil {
		if !existing.Status.IsTerminal() {
			return nil, fmt.Errorf("agent %q is already %s: %w",
				agentID, existing.Status, registry.ErrAlreadyExists)
		}
	}

	// Concurrency gate.
	release := func() {}
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("spawn cancelled while waiting for a slot: %w", err)
		}
		var once sync.Once
		release = func() { once.Do(func() { m.sem.Release(1) }) }
	}

	branch := spec.OverrideBranch
	if branch == "" {
		branch = m.cfg.BranchFor(spec.Role, spec.IssueNumber)
	}

	now := time.Now().UTC()
	agent := &models.AgentRecord{
		AgentID:     agentID,
		Role:        spec.Role,
		IssueNumber: spec.IssueNumber,
		PRNumber:    spec.PRNumber,
		Status:      models.StatusCreated,
		Branch:      branch,
		CreatedAt:   now,
	}
	if err := m.store.CreateAgent(ctx, agent, true); err != nil {
		release()
		return nil, err
	}

	if m.worktree != nil {
		path, err := m.worktree.Create(ctx, agentID, branch)
		if err != nil {
			agent.MarkTerminal(models.StatusFailed)
			_ = m.store.UpdateAgent(ctx, agent)
			release()
			return nil, fmt.Errorf("failed to allocate worktree for %q: %w", agentID, err)
		}
		agent.WorktreePath = path
		if err := m.store.UpdateAgent(ctx, agent); err != nil {
			release()
			return nil, err
		}
	}

	m.mu.Lock()
	m.inboxes[agentID] = make(chan models.Event, m.cfg.Runtime.InboxSize)
	m.mailboxes[agentID] = make(chan models.MailMessage, m.cfg.Runtime.MailQueueSize)
	if spec.Trigger != nil {
		m.triggers[agentID] = spec.Trigger
	}
	m.lastSpawn = now
	m.mu.Unlock()

	if m.mx != nil {
		m.mx.AgentSpawns.Inc()
	}
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{
			AgentID: agentID, Type: activity.AgentSpawned,
			IssueNumber: spec.IssueNumber, PRNumber: spec.PRNumber,
			Metadata: map[string]interface{}{"role": spec.Role, "branch": branch},
		})
	}
	slog.Info("Agent spawned", "agent", agentID, "role", spec.Role,
		"issue", spec.IssueNumber, "pr", spec.PRNumber, "branch", branch)

	m.startTask(agent, spec, release)
	return agent, nil
}

// SpawnWorkflowAgent implements the pipeline engine's AgentSpawner.
func (m *Manager) SpawnWorkflowAgent(ctx context.Context, req pipeline.SpawnRequest) (string, error) {
	overrideBranch := ""
	if req.PRNumber != 0 && m.gh != nil {
		if pr, err := m.gh.GetPullRequest(ctx, req.PRNumber); err == nil {
			overrideBranch = pr.HeadRef
		}
	}
	agent, err := m.Spawn(ctx, SpawnSpec{
		Role:           req.Role,
		IssueNumber:    req.IssueNumber,
		PRNumber:       req.PRNumber,
		OverrideBranch: overrideBranch,
		Trigger:        req.Trigger,
		RunID:          req.RunID,
		StageID:        req.StageID,
		Action:         req.Action,
	})
	if err != nil {
		return "", err
	}
	return agent.AgentID, nil
}

func agentIDFor(role string, issue, pr int) string {
	switch {
	case issue != 0:
		return fmt.Sprintf("%s-issue-%d", role, issue)
	case pr != 0:
		return fmt.Sprintf("%s-pr-%d", role, pr)
	default:
		return fmt.Sprintf("%s-%d", role, time.Now().UnixNano())
	}
}

// ── lifecycle operations ─────────────────────────────────────────────

// SleepAgent marks an agent sleeping. The owning task observes the
// change at its next post-turn checkpoint and keeps the session alive.
func (m *Manager) SleepAgent(ctx context.Context, agentID string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	m.runPreSleep(ctx, agent)
	agent.MarkSleeping(time.Now().UTC())
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.AgentSleeping})
	}
	slog.Info("Agent sleeping", "agent", agentID)
	return nil
}

// WakeAgent marks a sleeping agent active and injects a wake event.
// When the agent has no running task (post-restart), a fresh task is
// started that resumes the saved session.
func (m *Manager) WakeAgent(ctx context.Context, agentID, reason string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status != models.StatusSleeping {
		return fmt.Errorf("agent %q is %s, not sleeping", agentID, agent.Status)
	}

	agent.MarkActive(time.Now().UTC())
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}

	m.DeliverEvent(agentID, models.Event{
		Type:      models.EventWakeAgent,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	})

	m.mu.Lock()
	_, running := m.tasks[agentID]
	m.mu.Unlock()
	if !running {
		m.startTask(agent, SpawnSpec{Role: agent.Role, IssueNumber: agent.IssueNumber,
			PRNumber: agent.PRNumber, InjectMessage: reason}, func() {})
	}

	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.AgentWoke,
			Content: reason})
	}
	slog.Info("Agent woken", "agent", agentID, "reason", reason)
	return nil
}

// CompleteAgent marks an agent completed. Cleanup happens in the
// owning task's post-turn checkpoint, or immediately when no task is
// running.
func (m *Manager) CompleteAgent(ctx context.Context, agentID, summary string) error {
	return m.finishAgent(ctx, agentID, models.StatusCompleted, summary)
}

// CancelAgent cancels an agent (pipeline join=any, /squadron cancel).
func (m *Manager) CancelAgent(ctx context.Context, agentID, reason string) error {
	return m.finishAgent(ctx, agentID, models.StatusCancelled, reason)
}

func (m *Manager) finishAgent(ctx context.Context, agentID string, status models.AgentStatus, detail string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status.IsTerminal() {
		return nil
	}
	agent.MarkTerminal(status)
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}

	m.mu.Lock()
	task, running := m.tasks[agentID]
	m.mu.Unlock()
	if running {
		// The task observes the terminal status at its checkpoint; a
		// sleeping or waiting task is nudged via cancellation.
		task.cancel()
	} else {
		m.cleanupAgent(ctx, agent, true)
		m.notifyPipeline(agent)
	}

	if m.log != nil {
		eventType := activity.AgentCompleted
		if status == models.StatusCancelled {
			eventType = activity.AgentFailed
		}
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: eventType, Content: detail})
	}
	slog.Info("Agent finished", "agent", agentID, "status", status, "detail", detail)
	return nil
}

// EscalateAgent marks an agent escalated, labels its issue, and posts
// the escalation comment.
func (m *Manager) EscalateAgent(ctx context.Context, agentID, reason, category string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.MarkTerminal(models.StatusEscalated)
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}

	if category == "" {
		category = "general"
	}
	if agent.IssueNumber != 0 && m.gh != nil {
		if err := m.gh.AddLabels(ctx, agent.IssueNumber, []string{"needs-human", "escalation:" + category}); err != nil {
			slog.Warn("Failed to add escalation labels", "agent", agentID, "error", err)
		}
		m.postComment(ctx, agent, agent.IssueNumber, fmt.Sprintf(
			"⚠️ **Escalation — needs human attention**\n\n**Category:** %s\n**Reason:** %s\n\n"+
				"This task has been escalated and the agent has stopped. "+
				"A human maintainer should review and take action.", category, reason))
	}

	if m.mx != nil {
		m.mx.AgentEscalations.Inc()
	}
	if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agentID, Type: activity.AgentEscalated,
			Content: reason, Metadata: map[string]interface{}{"category": category}})
	}

	if m.pipeline != nil {
		m.pipeline.OnAgentError(ctx, agentID, fmt.Errorf("agent escalated: %s", reason))
	}
	return nil
}

func (m *Manager) runPreSleep(ctx context.Context, agent *models.AgentRecord) {
	if m.preSleep == nil {
		return
	}
	if err := m.preSleep(ctx, agent); err != nil {
		slog.Warn("Pre-sleep hook failed — sleeping anyway", "agent", agent.AgentID, "error", err)
	}
}

// ── queue plumbing ───────────────────────────────────────────────────

// DeliverEvent pushes an internal event into an agent's inbox. On
// overflow the event is dropped and logged.
func (m *Manager) DeliverEvent(agentID string, event models.Event) {
	m.mu.Lock()
	inbox, ok := m.inboxes[agentID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case inbox <- event:
	default:
		slog.Warn("Agent inbox full — dropping event", "agent", agentID, "event", event.Type)
	}
}

// DeliverMail pushes a mail message into an agent's queue, applying
// bounded back-pressure before giving up.
func (m *Manager) DeliverMail(ctx context.Context, agentID string, mail models.MailMessage) error {
	m.mu.Lock()
	mailbox, ok := m.mailboxes[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q has no mail queue: %w", agentID, registry.ErrNotFound)
	}

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case mailbox <- mail:
		return nil
	case <-timer.C:
		return fmt.Errorf("mail queue for %q is full", agentID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainMail empties the agent's mail queue, returning messages in
// enqueue order. Exactly-once: after the drain the queue holds nothing.
func (m *Manager) drainMail(agentID string) []models.MailMessage {
	m.mu.Lock()
	mailbox, ok := m.mailboxes[agentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	var out []models.MailMessage
	for {
		select {
		case msg := <-mailbox:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// drainInbox empties the agent's inbox.
func (m *Manager) drainInbox(agentID string) []models.Event {
	m.mu.Lock()
	inbox, ok := m.inboxes[agentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	var out []models.Event
	for {
		select {
		case event := <-inbox:
			out = append(out, event)
		default:
			return out
		}
	}
}

// postComment posts a role-signed comment, logging failures.
func (m *Manager) postComment(ctx context.Context, agent *models.AgentRecord, number int, body string) {
	if m.gh == nil || number == 0 {
		return
	}
	signed := fmt.Sprintf("**[squadron:%s]** %s", agent.Role, body)
	if _, err := m.gh.CommentOnIssue(ctx, number, signed); err != nil {
		slog.Warn("Failed to post comment", "agent", agent.AgentID, "number", number, "error", err)
	} else if m.log != nil {
		m.log.Record(ctx, &activity.Event{AgentID: agent.AgentID, Type: activity.GitHubComment,
			IssueNumber: number, Content: body})
	}
}

// Stop cooperatively cancels all agent tasks and waits out the grace
// window; any task still running afterwards is abandoned.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	tasks := make(map[string]*agentTask, len(m.tasks))
	for id, task := range m.tasks {
		tasks[id] = task
	}
	m.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}

	grace := time.Duration(m.cfg.Runtime.ShutdownGraceSec) * time.Second
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for id, task := range tasks {
		select {
		case <-task.done:
		case <-deadline.C:
			slog.Warn("Agent task did not stop within the grace window — abandoning", "agent", id)
			return
		case <-ctx.Done():
			return
		}
	}
}

// normalizeRole strips the "@" some users put on mention role names.
func normalizeRole(role string) string {
	return strings.TrimPrefix(strings.ToLower(role), "@")
}
