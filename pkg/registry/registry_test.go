package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testAgent(id, role string, issue int) *models.AgentRecord {
	return &models.AgentRecord{
		AgentID:     id,
		Role:        role,
		IssueNumber: issue,
		Status:      models.StatusCreated,
	}
}

func TestAgentCRUDRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := testAgent("feat-dev-issue-42", "feat-dev", 42)
	agent.Branch = "feat/issue-42"
	require.NoError(t, s.CreateAgent(ctx, agent, false))

	got, err := s.GetAgent(ctx, "feat-dev-issue-42")
	require.NoError(t, err)
	assert.Equal(t, "feat-dev", got.Role)
	assert.Equal(t, 42, got.IssueNumber)
	assert.Equal(t, "feat/issue-42", got.Branch)
	assert.Equal(t, models.StatusCreated, got.Status)

	got.MarkActive(time.Now().UTC())
	got.ToolCallCount = 7
	require.NoError(t, s.UpdateAgent(ctx, got))

	got2, err := s.GetAgent(ctx, "feat-dev-issue-42")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got2.Status)
	assert.NotNil(t, got2.ActiveSince)
	assert.Nil(t, got2.SleepingSince)
	assert.Equal(t, 7, got2.ToolCallCount)

	require.NoError(t, s.DeleteAgent(ctx, "feat-dev-issue-42"))
	_, err = s.GetAgent(ctx, "feat-dev-issue-42")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAgentDuplicateNonTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, testAgent("pm-issue-1", "pm", 1), false))
	err := s.CreateAgent(ctx, testAgent("pm-issue-1", "pm", 1), false)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateAgentReplacesTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := testAgent("pr-review-issue-86", "pr-review", 86)
	old.Status = models.StatusCompleted
	require.NoError(t, s.CreateAgent(ctx, old, false))

	// Without replaceTerminal the terminal record blocks creation.
	err := s.CreateAgent(ctx, testAgent("pr-review-issue-86", "pr-review", 86), false)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// The re-review path replaces it.
	fresh := testAgent("pr-review-issue-86", "pr-review", 86)
	fresh.Branch = "feat/issue-86"
	require.NoError(t, s.CreateAgent(ctx, fresh, true))

	got, err := s.GetAgent(ctx, "pr-review-issue-86")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Equal(t, "feat/issue-86", got.Branch)
}

func TestStatusQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testAgent("a-issue-1", "feat-dev", 1)
	a.MarkActive(time.Now().UTC())
	require.NoError(t, s.CreateAgent(ctx, a, false))

	b := testAgent("b-issue-2", "bug-fix", 2)
	b.Status = models.StatusCompleted
	require.NoError(t, s.CreateAgent(ctx, b, false))

	active, err := s.GetAgentsByStatus(ctx, models.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a-issue-1", active[0].AgentID)

	live, err := s.GetActiveAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	forIssue, err := s.GetAgentsForIssue(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, forIssue, 1)
}

func TestAddBlockerAndResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := testAgent("feat-dev-issue-10", "feat-dev", 10)
	require.NoError(t, s.CreateAgent(ctx, agent, false))

	require.NoError(t, s.AddBlocker(ctx, "feat-dev-issue-10", 11))
	require.NoError(t, s.AddBlocker(ctx, "feat-dev-issue-10", 12))
	// Adding the same blocker twice is a no-op.
	require.NoError(t, s.AddBlocker(ctx, "feat-dev-issue-10", 11))

	got, err := s.GetAgent(ctx, "feat-dev-issue-10")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{11, 12}, got.BlockedBy)

	affected, err := s.ResolveBlocker(ctx, 11)
	require.NoError(t, err)
	require.Len(t, affected, 1)
	assert.Equal(t, []int{12}, affected[0].BlockedBy)
}

func TestBlockerCycleRejected(t *testing.T) {
	// A on issue 1, B on issue 2, B blocked by 1. A blocking on 2
	// closes the cycle and must be rejected with no state change.
	s := openTestStore(t)
	ctx := context.Background()

	a := testAgent("a-issue-1", "feat-dev", 1)
	a.MarkActive(time.Now().UTC())
	require.NoError(t, s.CreateAgent(ctx, a, false))

	b := testAgent("b-issue-2", "bug-fix", 2)
	b.MarkActive(time.Now().UTC())
	require.NoError(t, s.CreateAgent(ctx, b, false))

	require.NoError(t, s.AddBlocker(ctx, "b-issue-2", 1))

	err := s.AddBlocker(ctx, "a-issue-1", 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	got, err := s.GetAgent(ctx, "a-issue-1")
	require.NoError(t, err)
	assert.Empty(t, got.BlockedBy)
	assert.Equal(t, models.StatusActive, got.Status)
}

func TestSelfBlockRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, testAgent("a-issue-5", "feat-dev", 5), false))
	err := s.AddBlocker(ctx, "a-issue-5", 5)
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestPipelineRunCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &pipeline.Run{
		RunID:              "run-1",
		PipelineName:       "pr-flow",
		DefinitionSnapshot: `{"name":"pr-flow","stages":[]}`,
		PRNumber:           10,
		Scope:              pipeline.ScopeSinglePR,
	}
	require.NoError(t, s.CreatePipelineRun(ctx, run))

	got, err := s.GetPipelineRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunPending, got.Status)
	assert.Equal(t, 10, got.PRNumber)

	got.Status = pipeline.RunRunning
	got.CurrentStageID = "review"
	require.NoError(t, s.UpdatePipelineRun(ctx, got))

	got2, err := s.GetPipelineRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunRunning, got2.Status)
	assert.Equal(t, "review", got2.CurrentStageID)
}

func TestActiveRunExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePipelineRun(ctx, &pipeline.Run{
		RunID: "run-1", PipelineName: "pr-flow", DefinitionSnapshot: "{}",
		PRNumber: 7, Scope: pipeline.ScopeSinglePR,
	}))

	exists, err := s.ActiveRunExists(ctx, "pr-flow", 7, 0)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.ActiveRunExists(ctx, "pr-flow", 8, 0)
	require.NoError(t, err)
	assert.False(t, exists)

	run, _ := s.GetPipelineRun(ctx, "run-1")
	run.Status = pipeline.RunCompleted
	require.NoError(t, s.UpdatePipelineRun(ctx, run))

	exists, err = s.ActiveRunExists(ctx, "pr-flow", 7, 0)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeletePipelineRunCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePipelineRun(ctx, &pipeline.Run{
		RunID: "run-1", PipelineName: "pr-flow", DefinitionSnapshot: "{}",
	}))

	sr := &pipeline.StageRun{RunID: "run-1", StageID: "gate"}
	require.NoError(t, s.CreateStageRun(ctx, sr))
	require.NotZero(t, sr.ID)

	passed := true
	require.NoError(t, s.RecordGateCheck(ctx, &pipeline.GateCheckRecord{
		StageRunID: sr.ID, CheckType: "ci_status", Passed: &passed,
	}))
	require.NoError(t, s.AssociatePR(ctx, "run-1", 42))

	require.NoError(t, s.DeletePipelineRun(ctx, "run-1"))

	_, err := s.GetPipelineRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetStageRun(ctx, sr.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	prs, err := s.GetAssociatedPRs(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, prs)
}

func TestStageRunAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePipelineRun(ctx, &pipeline.Run{
		RunID: "run-1", PipelineName: "p", DefinitionSnapshot: "{}",
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateStageRun(ctx, &pipeline.StageRun{RunID: "run-1", StageID: "fix"}))
	}

	n, err := s.CountStageAttempts(ctx, "run-1", "fix")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPRApprovalsAndMergeReady(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetPRRequirements(ctx, 42, []PRRequirement{
		{Role: "pr-review", RequiredCount: 1},
		{Role: "security-review", RequiredCount: 1},
	}))

	ready, reason, err := s.CheckPRMergeReady(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Contains(t, reason, "pr-review")

	require.NoError(t, s.RecordPRApproval(ctx, 42, "pr-review", "pr-review-issue-41", ReviewApproved))
	require.NoError(t, s.RecordPRApproval(ctx, 42, "security-review", "security-review-issue-41", ReviewApproved))

	ready, _, err = s.CheckPRMergeReady(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ready)

	// A changes_requested review blocks readiness even with approvals.
	require.NoError(t, s.RecordPRApproval(ctx, 42, "pr-review", "pr-review-issue-41", ReviewChangesRequested))
	ready, reason, err = s.CheckPRMergeReady(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Contains(t, reason, "requested changes")
}

func TestInvalidateApprovalsSetsStaleKeepsRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordPRApproval(ctx, 42, "pr-review", "pr-review-issue-41", ReviewApproved))
	require.NoError(t, s.RecordPRApproval(ctx, 42, "security-review", "sec-issue-41", ReviewApproved))

	n, err := s.InvalidatePRApprovals(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fresh, err := s.GetPRApprovals(ctx, 42, ApprovalFilter{})
	require.NoError(t, err)
	assert.Empty(t, fresh)

	all, err := s.GetPRApprovals(ctx, 42, ApprovalFilter{IncludeStale: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPRSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetPRSequence(ctx, 10, []string{"test-coverage", "security-review", "pr-review"}))

	seq, err := s.GetPRSequence(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "test-coverage", seq.CurrentRole())

	seq, err = s.AdvancePRSequence(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "security-review", seq.CurrentRole())

	_, err = s.AdvancePRSequence(ctx, 10)
	require.NoError(t, err)
	seq, err = s.AdvancePRSequence(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "", seq.CurrentRole())
}

func TestHumanStageState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePipelineRun(ctx, &pipeline.Run{
		RunID: "run-1", PipelineName: "p", DefinitionSnapshot: "{}",
	}))
	sr := &pipeline.StageRun{RunID: "run-1", StageID: "approve"}
	require.NoError(t, s.CreateStageRun(ctx, sr))

	now := time.Now().UTC()
	require.NoError(t, s.UpsertHumanStageState(ctx, &pipeline.HumanStageState{
		StageRunID:      sr.ID,
		EntryNotifiedAt: &now,
		AssignedUsers:   []string{"octocat"},
	}))

	hs, err := s.GetHumanStageState(ctx, sr.ID)
	require.NoError(t, err)
	assert.NotNil(t, hs.EntryNotifiedAt)
	assert.Equal(t, []string{"octocat"}, hs.AssignedUsers)

	hs.CompletedBy = "octocat"
	hs.CompletedAction = "approval"
	require.NoError(t, s.UpsertHumanStageState(ctx, hs))

	hs2, err := s.GetHumanStageState(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, "octocat", hs2.CompletedBy)
}

func TestPurgeTerminalAgents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done := testAgent("done-issue-1", "feat-dev", 1)
	done.Status = models.StatusCompleted
	require.NoError(t, s.CreateAgent(ctx, done, false))

	live := testAgent("live-issue-2", "feat-dev", 2)
	require.NoError(t, s.CreateAgent(ctx, live, false))

	n, err := s.PurgeTerminalAgents(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetAgent(ctx, "live-issue-2")
	assert.NoError(t, err)
}
