package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
project:
  name: demo
  owner: acme
  repo: widgets
  bot_username: squadron-dev

command_prefix: /squadron

agent_roles:
  feat-dev:
    agent_definition: agents/feat-dev.md
    triggers:
      - event: issues.labeled
        condition:
          label: feature
  pm:
    agent_definition: agents/pm.md
    singleton: true
    triggers:
      - event: issues.opened

circuit_breakers:
  defaults:
    max_tool_calls: 100
  roles:
    pm:
      max_tool_calls: 25

branch_naming:
  feat-dev: feat/issue-{issue_number}

review_policy:
  enabled: true
  default_requirements:
    pr-review: 1
  on_synchronize:
    invalidate_approvals: true
`

const featDevAgent = `---
name: feat-dev
description: Implements feature issues.
tools:
  - report_complete
  - report_blocked
  - open_pr
  - comment_on_issue
---

You are the feature developer for issue #{issue_number}.
Implement the feature, open a PR, and report completion.
`

const pmAgent = `---
name: pm
tools:
  - comment_on_issue
  - create_issue
---

You are the project manager.
`

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "agents"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pipelines"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(minimalConfig), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents", "feat-dev.md"), []byte(featDevAgent), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents", "pm.md"), []byte(pmAgent), 0644))
	return dir
}

func TestLoadProject(t *testing.T) {
	dir := writeProject(t)

	project, err := Load(dir)
	require.NoError(t, err)

	cfg := project.Config
	assert.Equal(t, "acme", cfg.Project.Owner)
	assert.Equal(t, "main", cfg.Project.DefaultBranch) // default
	assert.True(t, cfg.AgentRoles["pm"].Singleton)
	assert.Len(t, cfg.AgentRoles["feat-dev"].Triggers, 1)

	require.Contains(t, project.Definitions, "feat-dev")
	def := project.Definitions["feat-dev"]
	assert.Contains(t, def.Tools, "report_complete")
	assert.Contains(t, def.Prompt, "feature developer")
}

func TestCircuitBreakerOverrides(t *testing.T) {
	dir := writeProject(t)
	project, err := Load(dir)
	require.NoError(t, err)

	cb := project.Config.CircuitBreakers
	assert.Equal(t, 100, cb.ForRole("feat-dev").MaxToolCalls)
	assert.Equal(t, 25, cb.ForRole("pm").MaxToolCalls)
	// Defaults applied for unset fields.
	assert.Equal(t, 50, cb.ForRole("pm").MaxTurns)
}

func TestBranchFor(t *testing.T) {
	dir := writeProject(t)
	project, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "feat/issue-42", project.Config.BranchFor("feat-dev", 42))
	assert.Equal(t, "pm/issue-7", project.Config.BranchFor("pm", 7))
}

func TestMissingAgentDefinitionRejected(t *testing.T) {
	dir := writeProject(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "agents", "pm.md")))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pm")
}

func TestMissingOwnerRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("project:\n  name: x\n"), 0644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner")
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("SQUADRON_TEST_OWNER", "expanded-owner")
	dir := t.TempDir()
	cfg := `
project:
  owner: ${SQUADRON_TEST_OWNER}
  repo: ${SQUADRON_TEST_REPO:-fallback-repo}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0644))

	loaded, err := LoadConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "expanded-owner", loaded.Project.Owner)
	assert.Equal(t, "fallback-repo", loaded.Project.Repo)
}

func TestParseAgentDefinitionWithoutFrontmatter(t *testing.T) {
	def, err := ParseAgentDefinition([]byte("Just a prompt body.\n"))
	require.NoError(t, err)
	assert.Equal(t, "Just a prompt body.", def.Prompt)
	assert.Empty(t, def.Tools)
}

func TestParseAgentDefinitionEmptyBodyRejected(t *testing.T) {
	_, err := ParseAgentDefinition([]byte("---\nname: x\n---\n"))
	assert.Error(t, err)
}

func TestLoadPipelinesValidatesSubRefs(t *testing.T) {
	dir := writeProject(t)
	bad := `
name: outer
stages:
  - id: inner
    type: pipeline
    pipeline: does-not-exist
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipelines", "outer.yaml"), []byte(bad), 0644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestLoadPipelines(t *testing.T) {
	dir := writeProject(t)
	good := `
name: pr-flow
trigger:
  event: pull_request.opened
scope: single-pr
stages:
  - id: review
    type: agent
    agent: feat-dev
  - id: done
    type: action
    action: merge_pr
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipelines", "pr-flow.yaml"), []byte(good), 0644))

	project, err := Load(dir)
	require.NoError(t, err)
	require.Contains(t, project.Pipelines, "pr-flow")
	assert.Len(t, project.Pipelines["pr-flow"].Stages, 2)
}

func TestUnknownCommandTypeRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := `
project:
  owner: acme
  repo: widgets
commands:
  weird:
    type: banana
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0644))
	_, err := LoadConfigFile(filepath.Join(dir, "config.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banana")
}
