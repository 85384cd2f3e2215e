// Package reconcile runs the periodic consistency sweep: blocker
// resolution, stale-sleep timeouts, GitHub↔registry invariants, and
// terminal-record retention.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nbaertsch/squadron/pkg/config"
	"github.com/nbaertsch/squadron/pkg/github"
	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/registry"
)

// AgentController is the slice of the agent manager the sweep drives.
type AgentController interface {
	WakeAgent(ctx context.Context, agentID, reason string) error
	CompleteAgent(ctx context.Context, agentID, summary string) error
	DeliverEvent(agentID string, event models.Event)
}

// Loop is the reconciliation loop, scheduled with cron so operators
// can use either "@every 60s" shorthand or full cron specs.
type Loop struct {
	cfg     *config.Config
	store   *registry.Store
	gh      github.Client
	agents  AgentController
	cron    *cron.Cron
	entryID cron.EntryID
}

// New builds a Loop.
func New(cfg *config.Config, store *registry.Store, gh github.Client, agents AgentController) *Loop {
	return &Loop{
		cfg:    cfg,
		store:  store,
		gh:     gh,
		agents: agents,
		cron:   cron.New(),
	}
}

// Start schedules the sweep. The configured interval is a duration
// ("60s") or a cron spec.
func (l *Loop) Start() error {
	spec := l.cfg.Runtime.ReconcileEvery
	if _, err := time.ParseDuration(spec); err == nil {
		spec = "@every " + spec
	}
	entryID, err := l.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		l.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile interval %q: %w", l.cfg.Runtime.ReconcileEvery, err)
	}
	l.entryID = entryID
	l.cron.Start()
	slog.Info("Reconciliation loop started", "interval", l.cfg.Runtime.ReconcileEvery)
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (l *Loop) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one reconciliation pass. Every step is independent; a
// failing step logs and the next still runs.
func (l *Loop) Sweep(ctx context.Context) {
	l.resolveClosedBlockers(ctx)
	l.timeoutStaleSleepers(ctx)
	l.verifyGitHubInvariants(ctx)
	l.purgeTerminalAgents(ctx)
}

// resolveClosedBlockers wakes sleeping agents whose blocking issues
// have been closed out from under them.
func (l *Loop) resolveClosedBlockers(ctx context.Context) {
	sleeping, err := l.store.GetAgentsByStatus(ctx, models.StatusSleeping)
	if err != nil {
		slog.Error("Reconcile: failed to list sleeping agents", "error", err)
		return
	}

	for _, agent := range sleeping {
		if len(agent.BlockedBy) == 0 || l.gh == nil {
			continue
		}
		for _, blocker := range agent.BlockedBy {
			issue, err := l.gh.GetIssue(ctx, blocker)
			if err != nil {
				slog.Warn("Reconcile: failed to check blocker issue", "issue", blocker, "error", err)
				continue
			}
			if issue.State != "closed" {
				continue
			}

			affected, err := l.store.ResolveBlocker(ctx, blocker)
			if err != nil {
				slog.Error("Reconcile: failed to resolve blocker", "issue", blocker, "error", err)
				continue
			}
			for _, resolved := range affected {
				l.agents.DeliverEvent(resolved.AgentID, models.Event{
					Type:        models.EventBlockerResolved,
					IssueNumber: blocker,
					Timestamp:   time.Now().UTC(),
				})
				if len(resolved.BlockedBy) == 0 && resolved.Status == models.StatusSleeping {
					if err := l.agents.WakeAgent(ctx, resolved.AgentID,
						fmt.Sprintf("blocker #%d is closed", blocker)); err != nil {
						slog.Warn("Reconcile: failed to wake unblocked agent",
							"agent", resolved.AgentID, "error", err)
					}
				}
			}
		}
	}
}

// timeoutStaleSleepers wakes agents that slept past the budget.
func (l *Loop) timeoutStaleSleepers(ctx context.Context) {
	sleeping, err := l.store.GetAgentsByStatus(ctx, models.StatusSleeping)
	if err != nil {
		return
	}
	maxSleep := time.Duration(l.cfg.Runtime.MaxSleepSeconds) * time.Second

	for _, agent := range sleeping {
		if agent.SleepingSince == nil || time.Since(*agent.SleepingSince) < maxSleep {
			continue
		}
		slog.Info("Reconcile: waking agent past sleep budget", "agent", agent.AgentID)
		if err := l.agents.WakeAgent(ctx, agent.AgentID,
			fmt.Sprintf("you have been asleep longer than the configured budget (%s); "+
				"reassess whether your blockers still apply", maxSleep)); err != nil {
			slog.Warn("Reconcile: failed to wake stale sleeper", "agent", agent.AgentID, "error", err)
		}
	}
}

// verifyGitHubInvariants completes agents whose PR merged or whose
// issue closed while the registry still thinks they are live.
func (l *Loop) verifyGitHubInvariants(ctx context.Context) {
	if l.gh == nil {
		return
	}
	active, err := l.store.GetAgentsByStatus(ctx, models.StatusActive)
	if err != nil {
		return
	}

	for _, agent := range active {
		if agent.PRNumber != 0 {
			pr, err := l.gh.GetPullRequest(ctx, agent.PRNumber)
			if err == nil && pr.Merged {
				slog.Info("Reconcile: PR merged under an active agent — completing",
					"agent", agent.AgentID, "pr", agent.PRNumber)
				if err := l.agents.CompleteAgent(ctx, agent.AgentID,
					fmt.Sprintf("PR #%d merged", agent.PRNumber)); err != nil {
					slog.Warn("Reconcile: completion failed", "agent", agent.AgentID, "error", err)
				}
				continue
			}
		}
		if agent.IssueNumber != 0 {
			issue, err := l.gh.GetIssue(ctx, agent.IssueNumber)
			if err == nil && issue.State == "closed" {
				slog.Info("Reconcile: issue closed under an active agent — completing",
					"agent", agent.AgentID, "issue", agent.IssueNumber)
				if err := l.agents.CompleteAgent(ctx, agent.AgentID,
					fmt.Sprintf("issue #%d closed", agent.IssueNumber)); err != nil {
					slog.Warn("Reconcile: completion failed", "agent", agent.AgentID, "error", err)
				}
			}
		}
	}
}

// purgeTerminalAgents deletes terminal records past the retention
// window.
func (l *Loop) purgeTerminalAgents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-time.Duration(l.cfg.Runtime.RetentionHours) * time.Hour)
	n, err := l.store.PurgeTerminalAgents(ctx, cutoff)
	if err != nil {
		slog.Error("Reconcile: purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Reconcile: purged terminal agents", "count", n)
	}
}
