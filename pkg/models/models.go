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

// Package models defines the core data types shared by the Squadron
// orchestration engine: agent records, mail messages, and the internal
// event representation that flows through the router.
package models

import (
	"time"
)

// AgentStatus enumerates the agent lifecycle states.
type AgentStatus string

const (
	StatusCreated   AgentStatus = "created"
	StatusActive    AgentStatus = "active"
	StatusSleeping  AgentStatus = "sleeping"
	StatusCompleted AgentStatus = "completed"
	StatusEscalated AgentStatus = "escalated"
	StatusFailed    AgentStatus = "failed"
	StatusCancelled AgentStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusEscalated, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AllStatuses lists every agent status, used by health reporting.
var AllStatuses = []AgentStatus{
	StatusCreated, StatusActive, StatusSleeping,
	StatusCompleted, StatusEscalated, StatusFailed, StatusCancelled,
}

// AgentRecord is a tracked agent instance in the registry.
//
// Invariants enforced by the registry and the agent manager:
//   - ActiveSince is non-nil iff Status == StatusActive.
//   - SleepingSince is non-nil iff Status == StatusSleeping.
//   - At most one non-terminal record exists per (Role, IssueNumber).
//   - BlockedBy never participates in a blocker cycle.
type AgentRecord struct {
	AgentID      string      `json:"agent_id"`
	Role         string      `json:"role"`
	IssueNumber  int         `json:"issue_number,omitempty"`
	PRNumber     int         `json:"pr_number,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	Status       AgentStatus `json:"status"`
	Branch       string      `json:"branch,omitempty"`
	WorktreePath string      `json:"worktree_path,omitempty"`
	BlockedBy    []int       `json:"blocked_by,omitempty"`

	IterationCount int `json:"iteration_count"`
	ToolCallCount  int `json:"tool_call_count"`
	TurnCount      int `json:"turn_count"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ActiveSince   *time.Time `json:"active_since,omitempty"`
	SleepingSince *time.Time `json:"sleeping_since,omitempty"`
}

// IsBlockedBy reports whether the given issue is in the blocker set.
func (a *AgentRecord) IsBlockedBy(issue int) bool {
	for _, b := range a.BlockedBy {
		if b == issue {
			return true
		}
	}
	return false
}

// MarkActive transitions the record to active, keeping the
// status/timestamp invariant.
func (a *AgentRecord) MarkActive(now time.Time) {
	a.Status = StatusActive
	a.ActiveSince = &now
	a.SleepingSince = nil
}

// MarkSleeping transitions the record to sleeping, keeping the
// status/timestamp invariant.
func (a *AgentRecord) MarkSleeping(now time.Time) {
	a.Status = StatusSleeping
	a.SleepingSince = &now
	a.ActiveSince = nil
}

// MarkTerminal transitions the record to a terminal status and clears
// both activity timestamps.
func (a *AgentRecord) MarkTerminal(status AgentStatus) {
	a.Status = status
	a.ActiveSince = nil
	a.SleepingSince = nil
}

// ProvenanceType identifies where a mail message came from.
type ProvenanceType string

const (
	ProvenanceIssueComment ProvenanceType = "issue_comment"
	ProvenancePRComment    ProvenanceType = "pr_comment"
)

// Provenance is the structured origin of a mail message. Fields that do
// not apply to the Type are left zero.
type Provenance struct {
	Type        ProvenanceType `json:"type"`
	IssueNumber int            `json:"issue_number,omitempty"`
	PRNumber    int            `json:"pr_number,omitempty"`
	CommentID   int64          `json:"comment_id,omitempty"`
}

// MailMessage is an inbound @mention pushed into an agent's next prompt.
// Each message is delivered exactly once: the mail queue is drained into
// the prompt and emptied in the same step.
type MailMessage struct {
	Sender     string     `json:"sender"`
	Body       string     `json:"body"`
	Provenance Provenance `json:"provenance"`
	ReceivedAt time.Time  `json:"received_at"`
}
