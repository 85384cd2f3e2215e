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

// Package agent is the agent lifecycle manager: it spawns, sleeps,
// wakes, completes, and escalates agents, owns their sessions, mail
// queues and inboxes, runs the per-turn state machine, and provides
// the framework tools agents call back into.
package agent

import (
	"context"
)

// ToolDecision is the pre-tool-use hook's verdict.
type ToolDecision int

const (
	ToolAllow ToolDecision = iota
	ToolDeny
)

// ToolHandler executes one framework tool call. The returned string
// goes back to the LLM verbatim.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (string, error)

// SessionConfig is everything the LLM runtime needs to run one agent's
// session.
type SessionConfig struct {
	AgentID string
	Model   string
	WorkDir string

	// AvailableTools is the allowlist from the role frontmatter: both
	// custom framework tool names and built-in runtime tool names.
	AvailableTools []string

	// CustomTools are the framework tool implementations, dispatched
	// by the runtime when the model calls them.
	CustomTools map[string]ToolHandler

	// PreToolUse runs before every tool call (framework and built-in
	// alike). A deny stops the call and ends the turn.
	PreToolUse func(tool string, args map[string]interface{}) ToolDecision
}

// Session is one live LLM conversation.
type Session interface {
	ID() string
	// SendAndWait runs one turn: the runtime executes tool calls and
	// returns the model's final text.
	SendAndWait(ctx context.Context, prompt string) (string, error)
	// Delete destroys the session server-side.
	Delete(ctx context.Context) error
}

// SessionRuntime is the opaque LLM agent runtime.
type SessionRuntime interface {
	Create(ctx context.Context, cfg SessionConfig) (Session, error)
	Resume(ctx context.Context, sessionID string, cfg SessionConfig) (Session, error)
}

// WorktreeService creates and removes the per-agent git worktrees.
// The implementation lives outside the core.
type WorktreeService interface {
	Create(ctx context.Context, agentID, branch string) (path string, err error)
	Remove(ctx context.Context, path string) error
}

// SandboxManager is the external sandbox subsystem (ephemeral
// worktrees, namespace isolation, proxies, audit log).
type SandboxManager interface {
	WrapAgentTask(agentID string, spec map[string]interface{}) (cleanup func(), err error)
	AuthorizeToolCall(agentID, token, tool string, params map[string]interface{}) bool
	PreserveForensics(agentID, reason string) error
}

// PipelineCallbacks is how the manager reports stage agent outcomes
// back to the pipeline engine.
type PipelineCallbacks interface {
	OnAgentComplete(ctx context.Context, agentID string, outputs map[string]interface{})
	OnAgentBlocked(ctx context.Context, agentID, reason string)
	OnAgentError(ctx context.Context, agentID string, err error)
}
