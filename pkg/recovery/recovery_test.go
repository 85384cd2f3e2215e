package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/pkg/config"
	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/registry"
)

func testStore(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Project: config.ProjectConfig{Owner: "acme", Repo: "widgets"},
		AgentRoles: map[string]config.RoleConfig{
			"feat-dev":  {AgentDefinition: "agents/feat-dev.md"},
			"pr-review": {AgentDefinition: "agents/pr-review.md"},
		},
		BranchNaming: map[string]string{"feat-dev": "feat/issue-{issue_number}"},
	}
	cfg.SetDefaults()
	return cfg
}

func TestMarkStaleAgents(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	active := &models.AgentRecord{AgentID: "a-issue-1", Role: "feat-dev", IssueNumber: 1}
	active.MarkActive(time.Now().UTC())
	require.NoError(t, store.CreateAgent(ctx, active, false))

	created := &models.AgentRecord{AgentID: "b-issue-2", Role: "feat-dev", IssueNumber: 2,
		Status: models.StatusCreated}
	require.NoError(t, store.CreateAgent(ctx, created, false))

	sleeping := &models.AgentRecord{AgentID: "c-issue-3", Role: "feat-dev", IssueNumber: 3}
	sleeping.MarkSleeping(time.Now().UTC())
	require.NoError(t, store.CreateAgent(ctx, sleeping, false))

	summary, err := MarkStaleAgents(ctx, store, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.MarkedFailed)

	for _, id := range []string{"a-issue-1", "b-issue-2"} {
		agent, err := store.GetAgent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, agent.Status)
		assert.Nil(t, agent.ActiveSince)
	}

	// Sleeping agents survive: their sessions are resumable.
	agent, err := store.GetAgent(ctx, "c-issue-3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSleeping, agent.Status)
}

func TestImpliedStatus(t *testing.T) {
	assert.Equal(t, models.StatusSleeping, impliedStatus([]string{"feature", "blocked"}))
	assert.Equal(t, models.StatusEscalated, impliedStatus([]string{"needs-human"}))
	assert.Equal(t, models.StatusFailed, impliedStatus([]string{"in-progress"}))
	assert.Equal(t, models.AgentStatus(""), impliedStatus([]string{"feature"}))
}

func TestBranchPatternRoles(t *testing.T) {
	patterns := branchPatternRoles(testConfig())

	var matched bool
	for _, br := range patterns {
		if m := br.pattern.FindStringSubmatch("feat/issue-42"); m != nil {
			matched = true
			assert.Equal(t, "feat-dev", br.role)
			assert.Equal(t, "42", m[1])
		}
		assert.Nil(t, br.pattern.FindStringSubmatch("random/branch"))
	}
	assert.True(t, matched)
}
