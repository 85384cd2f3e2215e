package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/pkg/config"
	"github.com/nbaertsch/squadron/pkg/github"
	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/registry"
)

type stubController struct {
	mu        sync.Mutex
	woken     []string
	completed []string
	events    []string
	store     *registry.Store
}

func (c *stubController) WakeAgent(ctx context.Context, agentID, _ string) error {
	c.mu.Lock()
	c.woken = append(c.woken, agentID)
	c.mu.Unlock()
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.MarkActive(time.Now().UTC())
	return c.store.UpdateAgent(ctx, agent)
}

func (c *stubController) CompleteAgent(ctx context.Context, agentID, _ string) error {
	c.mu.Lock()
	c.completed = append(c.completed, agentID)
	c.mu.Unlock()
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.MarkTerminal(models.StatusCompleted)
	return c.store.UpdateAgent(ctx, agent)
}

func (c *stubController) DeliverEvent(agentID string, _ models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, agentID)
}

type stubGitHub struct {
	github.Client
	issues map[int]*github.Issue
	prs    map[int]*github.PullRequest
}

func (g *stubGitHub) GetIssue(_ context.Context, number int) (*github.Issue, error) {
	if issue, ok := g.issues[number]; ok {
		return issue, nil
	}
	return &github.Issue{Number: number, State: "open"}, nil
}

func (g *stubGitHub) GetPullRequest(_ context.Context, number int) (*github.PullRequest, error) {
	if pr, ok := g.prs[number]; ok {
		return pr, nil
	}
	return &github.PullRequest{Number: number, State: "open"}, nil
}

func newLoop(t *testing.T) (*Loop, *registry.Store, *stubController, *stubGitHub) {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{Project: config.ProjectConfig{Owner: "o", Repo: "r"}}
	cfg.SetDefaults()
	cfg.Runtime.MaxSleepSeconds = 3600

	controller := &stubController{store: store}
	gh := &stubGitHub{
		issues: make(map[int]*github.Issue),
		prs:    make(map[int]*github.PullRequest),
	}
	return New(cfg, store, gh, controller), store, controller, gh
}

func TestSweepWakesAgentWithClosedBlocker(t *testing.T) {
	loop, store, controller, gh := newLoop(t)
	ctx := context.Background()

	agent := &models.AgentRecord{AgentID: "a-issue-1", Role: "feat-dev", IssueNumber: 1,
		BlockedBy: []int{5}}
	agent.MarkSleeping(time.Now().UTC())
	require.NoError(t, store.CreateAgent(ctx, agent, false))

	gh.issues[5] = &github.Issue{Number: 5, State: "closed"}

	loop.Sweep(ctx)

	assert.Equal(t, []string{"a-issue-1"}, controller.woken)
	assert.Equal(t, []string{"a-issue-1"}, controller.events)
	got, err := store.GetAgent(ctx, "a-issue-1")
	require.NoError(t, err)
	assert.Empty(t, got.BlockedBy)
}

func TestSweepLeavesOpenBlockerAlone(t *testing.T) {
	loop, store, controller, _ := newLoop(t)
	ctx := context.Background()

	agent := &models.AgentRecord{AgentID: "a-issue-1", Role: "feat-dev", IssueNumber: 1,
		BlockedBy: []int{5}}
	agent.MarkSleeping(time.Now().UTC())
	require.NoError(t, store.CreateAgent(ctx, agent, false))

	loop.Sweep(ctx)
	assert.Empty(t, controller.woken)
}

func TestSweepWakesStaleSleeper(t *testing.T) {
	loop, store, controller, _ := newLoop(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	agent := &models.AgentRecord{AgentID: "a-issue-1", Role: "feat-dev", IssueNumber: 1}
	agent.Status = models.StatusSleeping
	agent.SleepingSince = &past
	require.NoError(t, store.CreateAgent(ctx, agent, false))

	loop.Sweep(ctx)
	assert.Equal(t, []string{"a-issue-1"}, controller.woken)
}

func TestSweepCompletesAgentOnMergedPR(t *testing.T) {
	loop, store, controller, gh := newLoop(t)
	ctx := context.Background()

	agent := &models.AgentRecord{AgentID: "a-issue-1", Role: "feat-dev", IssueNumber: 1, PRNumber: 9}
	agent.MarkActive(time.Now().UTC())
	require.NoError(t, store.CreateAgent(ctx, agent, false))

	gh.prs[9] = &github.PullRequest{Number: 9, State: "closed", Merged: true}

	loop.Sweep(ctx)
	assert.Equal(t, []string{"a-issue-1"}, controller.completed)
}

func TestSweepCompletesAgentOnClosedIssue(t *testing.T) {
	loop, store, controller, gh := newLoop(t)
	ctx := context.Background()

	agent := &models.AgentRecord{AgentID: "a-issue-1", Role: "feat-dev", IssueNumber: 1}
	agent.MarkActive(time.Now().UTC())
	require.NoError(t, store.CreateAgent(ctx, agent, false))

	gh.issues[1] = &github.Issue{Number: 1, State: "closed"}

	loop.Sweep(ctx)
	assert.Equal(t, []string{"a-issue-1"}, controller.completed)
}

func TestSweepKeepsFreshTerminalAgents(t *testing.T) {
	loop, store, _, _ := newLoop(t)
	ctx := context.Background()
	loop.cfg.Runtime.RetentionHours = 1

	done := &models.AgentRecord{AgentID: "old-issue-1", Role: "feat-dev", IssueNumber: 1,
		Status: models.StatusCompleted}
	require.NoError(t, store.CreateAgent(ctx, done, false))

	// Fresh terminal records survive the retention window.
	loop.Sweep(ctx)
	_, err := store.GetAgent(ctx, "old-issue-1")
	assert.NoError(t, err)
}
