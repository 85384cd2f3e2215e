package pipeline_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/pipeline"
	"github.com/nbaertsch/squadron/pkg/registry"
)

type fakeSpawner struct {
	mu        sync.Mutex
	spawned   []pipeline.SpawnRequest
	cancelled []string
	woken     []string
	failNext  bool
}

func (f *fakeSpawner) SpawnWorkflowAgent(_ context.Context, req pipeline.SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", fmt.Errorf("spawn refused")
	}
	f.spawned = append(f.spawned, req)
	return fmt.Sprintf("%s-issue-%d", req.Role, req.IssueNumber), nil
}

func (f *fakeSpawner) WakeAgent(_ context.Context, agentID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, agentID)
	return nil
}

func (f *fakeSpawner) CancelAgent(_ context.Context, agentID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, agentID)
	return nil
}

// fakeGates passes a check once its name appears in the passing set.
type fakeGates struct {
	mu      sync.Mutex
	passing map[string]bool
}

func (f *fakeGates) Evaluate(_ context.Context, check string, _ map[string]interface{}, _ *pipeline.Run) (bool, string, map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.passing[check] {
		return true, "", nil
	}
	return false, check + " not satisfied", nil
}

func (f *fakeGates) setPassing(check string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.passing == nil {
		f.passing = map[string]bool{}
	}
	f.passing[check] = true
}

type fakeActions struct {
	mu  sync.Mutex
	ran []string
	err error
}

func (f *fakeActions) Run(_ context.Context, name string, _ map[string]interface{}, _ *pipeline.Run) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.ran = append(f.ran, name)
	return map[string]interface{}{"action": name}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, _ *pipeline.Run, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

type testHarness struct {
	store    *registry.Store
	engine   *pipeline.Engine
	spawner  *fakeSpawner
	gates    *fakeGates
	actions  *fakeActions
	notifier *fakeNotifier
}

func newHarness(t *testing.T, defs ...*pipeline.Definition) *testHarness {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &testHarness{
		store:    store,
		spawner:  &fakeSpawner{},
		gates:    &fakeGates{},
		actions:  &fakeActions{},
		notifier: &fakeNotifier{},
	}
	h.engine = pipeline.NewEngine(pipeline.Options{
		Store:    store,
		Spawner:  h.spawner,
		Gates:    h.gates,
		Actions:  h.actions,
		Notifier: h.notifier,
	})

	registered := make(map[string]*pipeline.Definition, len(defs))
	for _, def := range defs {
		registered[def.Name] = def
	}
	h.engine.RegisterPipelines(registered)
	return h
}

func mustParse(t *testing.T, src string) *pipeline.Definition {
	t.Helper()
	def, err := pipeline.Parse([]byte(src))
	require.NoError(t, err)
	return def
}

func (h *testHarness) singleRun(t *testing.T) *pipeline.Run {
	t.Helper()
	runs, err := h.store.ListPipelineRuns(context.Background(), registry.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func labeledEvent(issue int, label string) *models.Event {
	return &models.Event{
		Type:        models.EventIssueLabeled,
		GitHubType:  "issues.labeled",
		IssueNumber: issue,
		Payload:     []byte(fmt.Sprintf(`{"issue": {"number": %d}, "label": {"name": %q}}`, issue, label)),
	}
}

func TestTriggerStartsRunAndSpawnsAgent(t *testing.T) {
	def := mustParse(t, `
name: feature-flow
trigger:
  event: issues.labeled
  conditions:
    label: feature
scope: issue
stages:
  - id: implement
    type: agent
    agent: feat-dev
`)
	h := newHarness(t, def)

	h.engine.EvaluateEvent(context.Background(), labeledEvent(42, "feature"))

	require.Len(t, h.spawner.spawned, 1)
	assert.Equal(t, "feat-dev", h.spawner.spawned[0].Role)
	assert.Equal(t, 42, h.spawner.spawned[0].IssueNumber)

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunWaiting, run.Status)
	assert.Equal(t, "implement", run.CurrentStageID)
}

func TestTriggerConditionMismatchNoRun(t *testing.T) {
	def := mustParse(t, `
name: feature-flow
trigger:
  event: issues.labeled
  conditions:
    label: feature
scope: issue
stages:
  - id: implement
    type: agent
    agent: feat-dev
`)
	h := newHarness(t, def)

	h.engine.EvaluateEvent(context.Background(), labeledEvent(42, "bug"))
	runs, err := h.store.ListPipelineRuns(context.Background(), registry.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDuplicateActiveRunSuppressed(t *testing.T) {
	def := mustParse(t, `
name: feature-flow
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: implement
    type: agent
    agent: feat-dev
`)
	h := newHarness(t, def)

	h.engine.EvaluateEvent(context.Background(), labeledEvent(42, "feature"))
	h.engine.EvaluateEvent(context.Background(), labeledEvent(42, "feature"))

	runs, err := h.store.ListPipelineRuns(context.Background(), registry.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestAgentCompletionAdvancesToAction(t *testing.T) {
	def := mustParse(t, `
name: flow
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: implement
    type: agent
    agent: feat-dev
  - id: finish
    type: action
    action: label_issue
    on_success: __complete__
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(7, "feature"))
	h.engine.OnAgentComplete(ctx, "feat-dev-issue-7", map[string]interface{}{"pr": 9})

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
	assert.Equal(t, []string{"label_issue"}, h.actions.ran)
}

func TestAgentErrorFailsRunWithoutPolicy(t *testing.T) {
	def := mustParse(t, `
name: flow
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: implement
    type: agent
    agent: feat-dev
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(7, "x"))
	h.engine.OnAgentError(ctx, "feat-dev-issue-7", fmt.Errorf("session crashed"))

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "session crashed")
}

func TestAgentBlockedKeepsStageWaiting(t *testing.T) {
	def := mustParse(t, `
name: flow
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: implement
    type: agent
    agent: feat-dev
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(7, "x"))
	h.engine.OnAgentBlocked(ctx, "feat-dev-issue-7", "blocked on #8")

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunWaiting, run.Status)
}

func TestGateReactivity(t *testing.T) {
	// Gate fails initially, run waits; a review event makes the
	// check pass and the run advances to the closer agent stage.
	def := mustParse(t, `
name: approval
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: gate
    type: gate
    conditions:
      - check: pr_approvals_met
        count: 1
    on_pass: done
    on_fail: gate
    event_subscriptions:
      - pull_request_review.submitted
  - id: done
    type: agent
    agent: closer
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(42, "x"))

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunWaiting, run.Status)
	assert.Equal(t, "gate", run.CurrentStageID)
	assert.Empty(t, h.spawner.spawned)

	h.gates.setPassing("pr_approvals_met")
	h.engine.OnEvent(ctx, &models.Event{
		Type:        models.EventPRReviewSubmitted,
		GitHubType:  "pull_request_review.submitted",
		IssueNumber: 42,
		Payload:     []byte(`{"review": {"state": "approved"}}`),
	})

	run = h.singleRun(t)
	assert.Equal(t, "done", run.CurrentStageID)
	require.Len(t, h.spawner.spawned, 1)
	assert.Equal(t, "closer", h.spawner.spawned[0].Role)
}

func TestGateRecordsCheckResults(t *testing.T) {
	def := mustParse(t, `
name: approval
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: gate
    type: gate
    conditions:
      - check: always_no
    on_fail: __fail__
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(1, "x"))

	run := h.singleRun(t)
	srs, err := h.store.GetStageRuns(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, srs, 1)

	checks, err := h.store.GetGateChecks(ctx, srs[0].ID)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "always_no", checks[0].CheckType)
	require.NotNil(t, checks[0].Passed)
	assert.False(t, *checks[0].Passed)
}

func TestGateAnyOfSemantics(t *testing.T) {
	def := mustParse(t, `
name: approval
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: gate
    type: gate
    any_of:
      - check: first
      - check: second
    on_pass: __complete__
    on_fail: __fail__
`)
	h := newHarness(t, def)
	h.gates.setPassing("second")

	h.engine.EvaluateEvent(context.Background(), labeledEvent(1, "x"))

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
}

func TestActionRetryThenEscalate(t *testing.T) {
	def := mustParse(t, `
name: flow
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: act
    type: action
    action: merge_pr
    on_error:
      retry: 2
      then: escalate
`)
	h := newHarness(t, def)
	h.actions.err = fmt.Errorf("merge conflict")

	h.engine.EvaluateEvent(context.Background(), labeledEvent(1, "x"))

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunEscalated, run.Status)

	srs, err := h.store.GetStageRuns(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Len(t, srs, 3) // initial attempt + 2 retries
}

func TestMaxIterationsEscalates(t *testing.T) {
	def := mustParse(t, `
name: loop
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: fix
    type: action
    action: noop
    on_success:
      goto: fix
      max_iterations: 3
`)
	h := newHarness(t, def)

	h.engine.EvaluateEvent(context.Background(), labeledEvent(1, "x"))

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunEscalated, run.Status)
	assert.Contains(t, run.ErrorMessage, "max_iterations")
}

func TestConditionGuardSkipsStage(t *testing.T) {
	def := mustParse(t, `
name: flow
trigger:
  event: issues.labeled
scope: issue
context:
  mode: fast
stages:
  - id: slow-step
    type: action
    action: slow_thing
    condition:
      mode: thorough
  - id: finish
    type: action
    action: finish_up
    on_success: __complete__
`)
	h := newHarness(t, def)

	h.engine.EvaluateEvent(context.Background(), labeledEvent(1, "x"))

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
	assert.Equal(t, []string{"finish_up"}, h.actions.ran)

	srs, err := h.store.GetStageRuns(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageSkipped, srs[0].Status)
}

func TestSubPipelineCompletionResumesParent(t *testing.T) {
	inner := mustParse(t, `
name: inner
stages:
  - id: act
    type: action
    action: inner_action
    on_success: __complete__
`)
	outer := mustParse(t, `
name: outer
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: nested
    type: pipeline
    pipeline: inner
  - id: after
    type: action
    action: after_action
    on_success: __complete__
`)
	h := newHarness(t, outer, inner)

	h.engine.EvaluateEvent(context.Background(), labeledEvent(1, "x"))

	runs, err := h.store.ListPipelineRuns(context.Background(), registry.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	for _, run := range runs {
		assert.Equal(t, pipeline.RunCompleted, run.Status, run.PipelineName)
	}
	assert.Equal(t, []string{"inner_action", "after_action"}, h.actions.ran)
}

func TestSubPipelineNestingCap(t *testing.T) {
	recursive := mustParse(t, `
name: recursive
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: again
    type: pipeline
    pipeline: recursive
`)
	h := newHarness(t, recursive)

	h.engine.EvaluateEvent(context.Background(), labeledEvent(1, "x"))

	runs, err := h.store.ListPipelineRuns(context.Background(), registry.RunFilter{})
	require.NoError(t, err)
	// Depth 0..3 run; depth 3 refuses to recurse further and fails.
	assert.Len(t, runs, 4)
	var failed int
	for _, run := range runs {
		if run.Status == pipeline.RunFailed {
			failed++
		}
	}
	assert.NotZero(t, failed)
}

func TestParallelJoinAll(t *testing.T) {
	def := mustParse(t, `
name: fanout
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: reviews
    type: parallel
    join: all
    branches:
      - id: sec
        agent: security-review
      - id: tests
        agent: test-coverage
  - id: finish
    type: action
    action: finish_up
    on_success: __complete__
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(4, "x"))
	require.Len(t, h.spawner.spawned, 2)

	h.engine.OnAgentComplete(ctx, "security-review-issue-4", nil)
	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunWaiting, run.Status)

	h.engine.OnAgentComplete(ctx, "test-coverage-issue-4", nil)
	run = h.singleRun(t)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
	assert.Equal(t, []string{"finish_up"}, h.actions.ran)
}

func TestParallelJoinAnyCancelsSiblings(t *testing.T) {
	def := mustParse(t, `
name: race
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: race
    type: parallel
    join: any
    branches:
      - id: fast
        agent: fast-agent
      - id: slow
        agent: slow-agent
    on_complete: __complete__
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(4, "x"))
	h.engine.OnAgentComplete(ctx, "fast-agent-issue-4", nil)

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
	assert.Equal(t, []string{"slow-agent-issue-4"}, h.spawner.cancelled)
}

func TestParallelJoinAllFailsOnBranchFailure(t *testing.T) {
	def := mustParse(t, `
name: fanout
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: reviews
    type: parallel
    join: all
    branches:
      - id: a
        agent: agent-a
      - id: b
        agent: agent-b
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(4, "x"))
	h.engine.OnAgentComplete(ctx, "agent-a-issue-4", nil)
	h.engine.OnAgentError(ctx, "agent-b-issue-4", fmt.Errorf("broke"))

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunFailed, run.Status)
}

func TestCancelRun(t *testing.T) {
	def := mustParse(t, `
name: flow
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: implement
    type: agent
    agent: feat-dev
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(9, "x"))
	run := h.singleRun(t)

	require.NoError(t, h.engine.CancelRun(ctx, run.RunID))

	run, err := h.store.GetPipelineRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCancelled, run.Status)

	srs, err := h.store.GetStageRuns(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCancelled, srs[0].Status)
}

func TestHumanStageApproval(t *testing.T) {
	def := mustParse(t, `
name: signoff
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: approve
    type: human
    human:
      wait_for: approval
      description: release sign-off
    on_complete: __complete__
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(3, "x"))

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunWaiting, run.Status)
	require.NotEmpty(t, h.notifier.messages)

	h.engine.OnEvent(ctx, &models.Event{
		Type:        models.EventPRReviewSubmitted,
		GitHubType:  "pull_request_review.submitted",
		IssueNumber: 3,
		Sender:      "octocat",
		Payload:     []byte(`{"review": {"state": "approved"}}`),
	})

	run = h.singleRun(t)
	assert.Equal(t, pipeline.RunCompleted, run.Status)

	srs, err := h.store.GetStageRuns(ctx, run.RunID)
	require.NoError(t, err)
	hs, err := h.store.GetHumanStageState(ctx, srs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "octocat", hs.CompletedBy)
	assert.Equal(t, "approval", hs.CompletedAction)
}

func TestHumanStageIgnoresBotApproval(t *testing.T) {
	def := mustParse(t, `
name: signoff
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: approve
    type: human
    human:
      wait_for: approval
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(3, "x"))
	h.engine.OnEvent(ctx, &models.Event{
		Type:        models.EventPRReviewSubmitted,
		GitHubType:  "pull_request_review.submitted",
		IssueNumber: 3,
		Sender:      "squadron[bot]",
		SenderIsBot: true,
		Payload:     []byte(`{"review": {"state": "approved"}}`),
	})

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunWaiting, run.Status)
}

func TestReactiveInvalidateAndRestart(t *testing.T) {
	def := mustParse(t, `
name: review
trigger:
  event: issues.labeled
scope: issue
on_events:
  pull_request.synchronize:
    action: invalidate_and_restart
    restart_from: check
stages:
  - id: check
    type: gate
    conditions:
      - check: approvals
    on_pass: __complete__
    event_subscriptions:
      - pull_request_review.submitted
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(5, "x"))
	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunWaiting, run.Status)

	h.engine.OnEvent(ctx, &models.Event{
		Type:        models.EventPRSynchronized,
		GitHubType:  "pull_request.synchronize",
		IssueNumber: 5,
	})

	run = h.singleRun(t)
	srs, err := h.store.GetStageRuns(ctx, run.RunID)
	require.NoError(t, err)
	// Original gate attempt was cancelled, a fresh one opened.
	assert.GreaterOrEqual(t, len(srs), 2)
	assert.Equal(t, pipeline.StageCancelled, srs[0].Status)
}

func TestReactiveCancel(t *testing.T) {
	def := mustParse(t, `
name: review
trigger:
  event: issues.labeled
scope: issue
on_events:
  pull_request.closed:
    action: cancel
stages:
  - id: check
    type: gate
    conditions:
      - check: approvals
    on_pass: __complete__
    event_subscriptions:
      - pull_request_review.submitted
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(5, "x"))
	h.engine.OnEvent(ctx, &models.Event{
		Type:        models.EventPRClosed,
		GitHubType:  "pull_request.closed",
		IssueNumber: 5,
	})

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunCancelled, run.Status)
}

type fakeWebhooks struct {
	status int
	body   string
	err    error
}

func (f *fakeWebhooks) Do(_ context.Context, _ *pipeline.WebhookRequest) (int, string, error) {
	return f.status, f.body, f.err
}

func TestWebhookStageExpectRouting(t *testing.T) {
	def := mustParse(t, `
name: deploy
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: notify
    type: webhook
    request:
      url: https://deploy.example.com/hook
      method: POST
    expect:
      status: 200
      body_contains: accepted
    on_pass: __complete__
    on_fail: __fail__
`)
	h := newHarness(t, def)
	doer := &fakeWebhooks{status: 200, body: `{"result": "accepted"}`}
	h.engine = pipeline.NewEngine(pipeline.Options{
		Store:    h.store,
		Webhooks: doer,
	})
	h.engine.RegisterPipelines(map[string]*pipeline.Definition{def.Name: def})

	h.engine.EvaluateEvent(context.Background(), labeledEvent(1, "x"))
	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
}

func TestWebhookStageFailsOnUnexpectedResponse(t *testing.T) {
	def := mustParse(t, `
name: deploy
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: notify
    type: webhook
    request:
      url: https://deploy.example.com/hook
    expect:
      status: 200
    on_pass: __complete__
    on_fail: __fail__
`)
	h := newHarness(t, def)
	h.engine = pipeline.NewEngine(pipeline.Options{
		Store:    h.store,
		Webhooks: &fakeWebhooks{status: 502, body: "bad gateway"},
	})
	h.engine.RegisterPipelines(map[string]*pipeline.Definition{def.Name: def})

	h.engine.EvaluateEvent(context.Background(), labeledEvent(1, "x"))
	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunFailed, run.Status)
}

func TestDelayStageCompletesAfterDuration(t *testing.T) {
	def := mustParse(t, `
name: wait
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: pause
    type: delay
    duration: 1s
    on_complete: __complete__
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(1, "x"))
	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunWaiting, run.Status)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run = h.singleRun(t)
		if run.Status == pipeline.RunCompleted {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, pipeline.RunCompleted, run.Status)
}

func TestResumeRestoresSubscriptions(t *testing.T) {
	def := mustParse(t, `
name: approval
trigger:
  event: issues.labeled
scope: issue
stages:
  - id: gate
    type: gate
    conditions:
      - check: pr_approvals_met
    on_pass: __complete__
    event_subscriptions:
      - pull_request_review.submitted
`)
	h := newHarness(t, def)
	ctx := context.Background()

	h.engine.EvaluateEvent(ctx, labeledEvent(6, "x"))

	// A fresh engine over the same store simulates a restart.
	engine2 := pipeline.NewEngine(pipeline.Options{
		Store:    h.store,
		Spawner:  h.spawner,
		Gates:    h.gates,
		Actions:  h.actions,
		Notifier: h.notifier,
	})
	engine2.RegisterPipelines(map[string]*pipeline.Definition{def.Name: def})
	require.NoError(t, engine2.Resume(ctx))

	h.gates.setPassing("pr_approvals_met")
	engine2.OnEvent(ctx, &models.Event{
		Type:        models.EventPRReviewSubmitted,
		GitHubType:  "pull_request_review.submitted",
		IssueNumber: 6,
		Payload:     []byte(`{"review": {"state": "approved"}}`),
	})

	run := h.singleRun(t)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
}
