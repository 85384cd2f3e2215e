// Copyright 2025 Squadron Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the .squadron/ project directory: config.yaml,
// the agents/*.md role definitions with YAML frontmatter, and the
// pipelines/*.yaml pipeline definitions.
package config

import (
	"fmt"
	"strings"
)

// Config is the parsed config.yaml.
type Config struct {
	Project         ProjectConfig            `yaml:"project"`
	AgentRoles      map[string]RoleConfig    `yaml:"agent_roles"`
	CircuitBreakers CircuitBreakersConfig    `yaml:"circuit_breakers"`
	CommandPrefix   string                   `yaml:"command_prefix"`
	Commands        map[string]CommandConfig `yaml:"commands"`
	Labels          LabelsConfig             `yaml:"labels"`
	BranchNaming    map[string]string        `yaml:"branch_naming"`
	Sandbox         SandboxConfig            `yaml:"sandbox"`
	Runtime         RuntimeConfig            `yaml:"runtime"`
	Skills          SkillsConfig             `yaml:"skills"`
	Escalation      EscalationConfig         `yaml:"escalation"`
	ReviewPolicy    ReviewPolicyConfig       `yaml:"review_policy"`
}

// ProjectConfig identifies the single repository this instance serves.
type ProjectConfig struct {
	Name          string `yaml:"name"`
	Owner         string `yaml:"owner"`
	Repo          string `yaml:"repo"`
	DefaultBranch string `yaml:"default_branch"`
	BotUsername   string `yaml:"bot_username"`
}

// RoleConfig declares one agent role.
type RoleConfig struct {
	AgentDefinition string          `yaml:"agent_definition"`
	Singleton       bool            `yaml:"singleton"`
	Lifecycle       string          `yaml:"lifecycle"`
	Triggers        []TriggerConfig `yaml:"triggers"`
}

// TriggerConfig is one (event, condition, action) tuple on a role.
type TriggerConfig struct {
	Event     string                 `yaml:"event"`
	Condition map[string]interface{} `yaml:"condition,omitempty"`
	Action    string                 `yaml:"action,omitempty"`
}

// CircuitBreakersConfig holds the budget defaults plus per-role
// overrides.
type CircuitBreakersConfig struct {
	Defaults CircuitBreakerConfig            `yaml:"defaults"`
	Roles    map[string]CircuitBreakerConfig `yaml:"roles"`
}

// CircuitBreakerConfig bounds one agent's resource budgets. Zero means
// "inherit the default"; SetDefaults replaces a zero default for
// max_tool_calls, max_turns and max_duration_seconds with 200, 50 and
// 3600.
type CircuitBreakerConfig struct {
	MaxIterations      int `yaml:"max_iterations"`
	MaxToolCalls       int `yaml:"max_tool_calls"`
	MaxTurns           int `yaml:"max_turns"`
	MaxDurationSeconds int `yaml:"max_duration_seconds"`
}

// ForRole resolves the effective budgets for a role: per-role overrides
// on top of the defaults.
func (c *CircuitBreakersConfig) ForRole(role string) CircuitBreakerConfig {
	eff := c.Defaults
	override, ok := c.Roles[role]
	if !ok {
		return eff
	}
	if override.MaxIterations != 0 {
		eff.MaxIterations = override.MaxIterations
	}
	if override.MaxToolCalls != 0 {
		eff.MaxToolCalls = override.MaxToolCalls
	}
	if override.MaxTurns != 0 {
		eff.MaxTurns = override.MaxTurns
	}
	if override.MaxDurationSeconds != 0 {
		eff.MaxDurationSeconds = override.MaxDurationSeconds
	}
	return eff
}

// CommandConfig declares a slash/mention command.
type CommandConfig struct {
	Type          string            `yaml:"type"` // "agent", "action", or "response"
	Agent         string            `yaml:"agent,omitempty"`
	Action        string            `yaml:"action,omitempty"`
	Response      string            `yaml:"response,omitempty"`
	Permissions   PermissionsConfig `yaml:"permissions"`
	Args          []string          `yaml:"args,omitempty"`
	Enabled       *bool             `yaml:"enabled,omitempty"`
	InjectMessage bool              `yaml:"inject_message,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (c *CommandConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// PermissionsConfig gates who can run a command.
type PermissionsConfig struct {
	RequireHuman bool `yaml:"require_human"`
}

// LabelsConfig is the repo label taxonomy ensured at startup.
type LabelsConfig struct {
	Types      []string `yaml:"types"`
	Priorities []string `yaml:"priorities"`
	States     []string `yaml:"states"`
}

// All returns the flattened taxonomy.
func (l *LabelsConfig) All() []string {
	out := make([]string, 0, len(l.Types)+len(l.Priorities)+len(l.States))
	out = append(out, l.Types...)
	out = append(out, l.Priorities...)
	out = append(out, l.States...)
	return out
}

// SandboxConfig configures the external sandbox subsystem. The core
// treats it as opaque apart from the enable flag and forensics policy.
type SandboxConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RetainForensics   bool   `yaml:"retain_forensics"`
	InferenceProxyURL string `yaml:"inference_proxy_url,omitempty"`
}

// RuntimeConfig tunes the engine.
type RuntimeConfig struct {
	MaxConcurrentAgents int                    `yaml:"max_concurrent_agents"`
	SparseCheckout      bool                   `yaml:"sparse_checkout"`
	DefaultModel        string                 `yaml:"default_model"`
	Provider            map[string]interface{} `yaml:"provider,omitempty"`
	WorktreeDir         string                 `yaml:"worktree_dir,omitempty"`

	EventQueueSize   int    `yaml:"event_queue_size"`
	DedupCapacity    int    `yaml:"dedup_capacity"`
	MailQueueSize    int    `yaml:"mail_queue_size"`
	InboxSize        int    `yaml:"inbox_size"`
	MaxSleepSeconds  int    `yaml:"max_sleep_seconds"`
	RetentionHours   int    `yaml:"retention_hours"`
	ReconcileEvery   string `yaml:"reconcile_interval"`
	ShutdownGraceSec int    `yaml:"shutdown_grace_seconds"`
}

// SkillsConfig points agents at reusable skill documents.
type SkillsConfig struct {
	BasePath    string                 `yaml:"base_path,omitempty"`
	Definitions map[string]SkillConfig `yaml:"definitions,omitempty"`
}

// SkillConfig is one named skill.
type SkillConfig struct {
	Path        string `yaml:"path"`
	Description string `yaml:"description,omitempty"`
}

// EscalationConfig tunes human escalation.
type EscalationConfig struct {
	DefaultNotify string `yaml:"default_notify,omitempty"`
	MaxIssueDepth int    `yaml:"max_issue_depth"`
}

// ReviewPolicyConfig drives the per-PR approval requirements.
type ReviewPolicyConfig struct {
	Enabled             bool                `yaml:"enabled"`
	DefaultRequirements map[string]int      `yaml:"default_requirements,omitempty"`
	OnSynchronize       OnSynchronizeConfig `yaml:"on_synchronize"`
}

// OnSynchronizeConfig controls what a PR head update does to recorded
// approvals.
type OnSynchronizeConfig struct {
	InvalidateApprovals bool `yaml:"invalidate_approvals"`
}

// SetDefaults fills in the defaults the rest of the engine relies on.
func (c *Config) SetDefaults() {
	if c.Project.DefaultBranch == "" {
		c.Project.DefaultBranch = "main"
	}
	if c.Project.BotUsername == "" {
		c.Project.BotUsername = "squadron-dev"
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "/squadron"
	}
	if c.Runtime.EventQueueSize <= 0 {
		c.Runtime.EventQueueSize = 1000
	}
	if c.Runtime.DedupCapacity <= 0 {
		c.Runtime.DedupCapacity = 1024
	}
	if c.Runtime.MailQueueSize <= 0 {
		c.Runtime.MailQueueSize = 64
	}
	if c.Runtime.InboxSize <= 0 {
		c.Runtime.InboxSize = 128
	}
	if c.Runtime.MaxSleepSeconds <= 0 {
		c.Runtime.MaxSleepSeconds = 86400
	}
	if c.Runtime.RetentionHours <= 0 {
		c.Runtime.RetentionHours = 168
	}
	if c.Runtime.ReconcileEvery == "" {
		c.Runtime.ReconcileEvery = "60s"
	}
	if c.Runtime.ShutdownGraceSec <= 0 {
		c.Runtime.ShutdownGraceSec = 30
	}
	if c.CircuitBreakers.Defaults.MaxToolCalls == 0 {
		c.CircuitBreakers.Defaults.MaxToolCalls = 200
	}
	if c.CircuitBreakers.Defaults.MaxTurns == 0 {
		c.CircuitBreakers.Defaults.MaxTurns = 50
	}
	if c.CircuitBreakers.Defaults.MaxDurationSeconds == 0 {
		c.CircuitBreakers.Defaults.MaxDurationSeconds = 3600
	}
	if c.Escalation.MaxIssueDepth == 0 {
		c.Escalation.MaxIssueDepth = 3
	}
}

// Validate checks the invariants that would otherwise surface as
// runtime failures.
func (c *Config) Validate() error {
	if c.Project.Owner == "" || c.Project.Repo == "" {
		return fmt.Errorf("project.owner and project.repo are required")
	}
	for role, rc := range c.AgentRoles {
		if rc.AgentDefinition == "" {
			return fmt.Errorf("agent_roles.%s: agent_definition is required", role)
		}
		for i, trig := range rc.Triggers {
			if trig.Event == "" {
				return fmt.Errorf("agent_roles.%s.triggers[%d]: event is required", role, i)
			}
			switch trig.Action {
			case "", "spawn", "sleep", "wake", "complete":
			default:
				return fmt.Errorf("agent_roles.%s.triggers[%d]: unknown action %q", role, i, trig.Action)
			}
		}
	}
	for name, cmd := range c.Commands {
		switch cmd.Type {
		case "agent":
			if cmd.Agent == "" {
				return fmt.Errorf("commands.%s: agent commands require 'agent'", name)
			}
			if _, ok := c.AgentRoles[cmd.Agent]; !ok {
				return fmt.Errorf("commands.%s: unknown agent role %q", name, cmd.Agent)
			}
		case "action":
			if cmd.Action == "" {
				return fmt.Errorf("commands.%s: action commands require 'action'", name)
			}
		case "response":
			if cmd.Response == "" {
				return fmt.Errorf("commands.%s: response commands require 'response'", name)
			}
		default:
			return fmt.Errorf("commands.%s: unknown type %q", name, cmd.Type)
		}
	}
	return nil
}

// RoleNames returns the configured role names, for the command parser.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.AgentRoles))
	for name := range c.AgentRoles {
		names = append(names, name)
	}
	return names
}

// CommandNames returns the configured command names.
func (c *Config) CommandNames() []string {
	names := make([]string, 0, len(c.Commands))
	for name := range c.Commands {
		names = append(names, name)
	}
	return names
}

// BranchFor renders the branch naming template for a role. Templates
// use {issue_number} and {role} placeholders; a role without a template
// falls back to "<role>/issue-<n>".
func (c *Config) BranchFor(role string, issueNumber int) string {
	template, ok := c.BranchNaming[role]
	if !ok {
		return fmt.Sprintf("%s/issue-%d", role, issueNumber)
	}
	out := strings.ReplaceAll(template, "{issue_number}", fmt.Sprintf("%d", issueNumber))
	return strings.ReplaceAll(out, "{role}", role)
}
