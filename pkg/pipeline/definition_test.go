package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]int{
		"30s":   30,
		"5m":    300,
		"2h":    7200,
		"1d":    86400,
		" 10 m": 600,
	}
	for input, want := range cases {
		got, err := ParseDuration(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}

func TestParseDurationInvalid(t *testing.T) {
	for _, input := range []string{"", "10", "h", "3w", "m5", "5 minutes"} {
		_, err := ParseDuration(input)
		assert.Error(t, err, input)
	}
}

func TestValidStageID(t *testing.T) {
	assert.True(t, ValidStageID("review"))
	assert.True(t, ValidStageID("a1_b-c"))
	assert.False(t, ValidStageID("1review"))
	assert.False(t, ValidStageID("_x"))
	assert.False(t, ValidStageID(""))
	assert.False(t, ValidStageID("has space"))
}

const samplePipeline = `
name: pr-approval
description: Review flow for opened PRs
trigger:
  event: pull_request.opened
  conditions:
    base_branch: main
scope: single-pr
on_events:
  pull_request.synchronize:
    action: invalidate_and_restart
    invalidate: [review-gate]
    restart_from: review-gate
stages:
  - id: review
    type: agent
    agent: pr-review
    on_complete: review-gate
  - id: review-gate
    type: gate
    conditions:
      - check: pr_approvals_met
        count: 1
      - check: ci_status
    on_pass: merge
    on_fail: review-gate
    event_subscriptions:
      - pull_request_review.submitted
  - id: merge
    type: action
    action: merge_pr
    on_success: __complete__
    on_error:
      retry: 2
      then: __escalate__
`

func TestParsePipeline(t *testing.T) {
	def, err := Parse([]byte(samplePipeline))
	require.NoError(t, err)

	assert.Equal(t, "pr-approval", def.Name)
	assert.Equal(t, ScopeSinglePR, def.Scope)
	require.Len(t, def.Stages, 3)

	gate := def.Stage("review-gate")
	require.NotNil(t, gate)
	assert.Equal(t, StageGate, gate.Type)
	require.Len(t, gate.Conditions, 2)
	assert.Equal(t, "pr_approvals_met", gate.Conditions[0].Check)
	assert.Equal(t, 1, gate.Conditions[0].Params["count"])
	assert.Equal(t, "merge", gate.OnPass.Target())

	merge := def.Stage("merge")
	require.NotNil(t, merge)
	require.NotNil(t, merge.OnError)
	assert.Equal(t, 2, merge.OnError.Retry)
	assert.Equal(t, TargetEscalate, merge.OnError.Then)
}

func TestTriggerMatches(t *testing.T) {
	def, err := Parse([]byte(samplePipeline))
	require.NoError(t, err)

	payload := []byte(`{"pull_request": {"number": 7, "base": {"ref": "main"}}}`)
	assert.True(t, def.Trigger.Matches("pull_request.opened", payload))
	assert.False(t, def.Trigger.Matches("pull_request.closed", payload))

	other := []byte(`{"pull_request": {"base": {"ref": "develop"}}}`)
	assert.False(t, def.Trigger.Matches("pull_request.opened", other))
}

func TestTriggerLabelCondition(t *testing.T) {
	tr := &Trigger{Event: "issues.labeled", Conditions: map[string]interface{}{"label": "feature"}}
	assert.True(t, tr.Matches("issues.labeled", []byte(`{"label": {"name": "feature"}}`)))
	assert.False(t, tr.Matches("issues.labeled", []byte(`{"label": {"name": "bug"}}`)))
}

func TestSnapshotRoundTrip(t *testing.T) {
	def, err := Parse([]byte(samplePipeline))
	require.NoError(t, err)

	snapshot, err := def.Snapshot()
	require.NoError(t, err)

	restored, err := FromSnapshot(snapshot)
	require.NoError(t, err)

	assert.Equal(t, def.Name, restored.Name)
	require.Len(t, restored.Stages, len(def.Stages))
	assert.Equal(t, def.Stages[1].Conditions[0].Check, restored.Stages[1].Conditions[0].Check)
	assert.Equal(t, def.Stages[2].OnError.Then, restored.Stages[2].OnError.Then)
	assert.Equal(t, def.OnEvents["pull_request.synchronize"].Action,
		restored.OnEvents["pull_request.synchronize"].Action)
}

func TestValidateRejectsUnknownReference(t *testing.T) {
	bad := `
name: broken
stages:
  - id: first
    type: action
    action: noop
    on_complete: nowhere
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestValidateRejectsDuplicateStageIDs(t *testing.T) {
	bad := `
name: broken
stages:
  - id: x
    type: action
    action: a
  - id: x
    type: action
    action: b
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRejectsBadStageID(t *testing.T) {
	bad := `
name: broken
stages:
  - id: 9lives
    type: action
    action: a
`
	_, err := Parse([]byte(bad))
	assert.Error(t, err)
}

func TestValidatePerTypeRequirements(t *testing.T) {
	cases := map[string]string{
		"agent":    "stages:\n  - id: s\n    type: agent",
		"gate":     "stages:\n  - id: s\n    type: gate",
		"human":    "stages:\n  - id: s\n    type: human",
		"parallel": "stages:\n  - id: s\n    type: parallel",
		"delay":    "stages:\n  - id: s\n    type: delay",
		"action":   "stages:\n  - id: s\n    type: action",
		"webhook":  "stages:\n  - id: s\n    type: webhook",
		"pipeline": "stages:\n  - id: s\n    type: pipeline",
	}
	for name, body := range cases {
		_, err := Parse([]byte("name: t\n" + body))
		assert.Error(t, err, name)
	}
}

func TestValidateSpecialTargetsAlwaysValid(t *testing.T) {
	good := `
name: ok
stages:
  - id: only
    type: action
    action: noop
    on_complete: __complete__
    on_fail: __escalate__
`
	_, err := Parse([]byte(good))
	assert.NoError(t, err)
}

func TestValidateDelayDuration(t *testing.T) {
	bad := `
name: t
stages:
  - id: wait
    type: delay
    duration: 3w
`
	_, err := Parse([]byte(bad))
	assert.Error(t, err)
}

func TestTransitionScalarAndMappingForms(t *testing.T) {
	src := `
name: t
stages:
  - id: a
    type: action
    action: noop
    on_complete:
      goto: b
      delay: 5m
      max_iterations: 3
  - id: b
    type: action
    action: noop
    on_complete: __complete__
`
	def, err := Parse([]byte(src))
	require.NoError(t, err)

	tr := def.Stages[0].OnComplete
	assert.Equal(t, "b", tr.Target())
	assert.Equal(t, "5m", tr.Delay)
	assert.Equal(t, 3, tr.MaxIterations)
}

func TestSubscribedEventsUnion(t *testing.T) {
	def, err := Parse([]byte(samplePipeline))
	require.NoError(t, err)

	events := def.SubscribedEvents()
	assert.Contains(t, events, "pull_request.synchronize")
	assert.Contains(t, events, "pull_request_review.submitted")
}

func TestSubPipelineRefs(t *testing.T) {
	src := `
name: outer
stages:
  - id: nested
    type: pipeline
    pipeline: inner
  - id: par
    type: parallel
    branches:
      - id: b1
        type: pipeline
        pipeline: other
`
	def, err := Parse([]byte(src))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inner", "other"}, def.SubPipelineRefs())
}
