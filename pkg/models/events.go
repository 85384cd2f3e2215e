package models

import (
	"time"

	"github.com/tidwall/gjson"
)

// GitHubEvent is a raw webhook delivery as received on the wire.
type GitHubEvent struct {
	DeliveryID string `json:"delivery_id"`
	EventType  string `json:"event_type"`
	Action     string `json:"action,omitempty"`
	Payload    []byte `json:"payload"`
}

// FullType returns "<event_type>.<action>", or the bare event type when
// the delivery has no action (e.g. push).
func (e *GitHubEvent) FullType() string {
	if e.Action != "" {
		return e.EventType + "." + e.Action
	}
	return e.EventType
}

// Sender returns the GitHub login of the user who triggered the event.
func (e *GitHubEvent) Sender() string {
	return gjson.GetBytes(e.Payload, "sender.login").String()
}

// IsBot reports whether the event sender is a GitHub bot account.
func (e *GitHubEvent) IsBot() bool {
	return gjson.GetBytes(e.Payload, "sender.type").String() == "Bot"
}

// RepoFullName returns "owner/repo" from the payload.
func (e *GitHubEvent) RepoFullName() string {
	return gjson.GetBytes(e.Payload, "repository.full_name").String()
}

// InstallationID returns the App installation id carried by the payload,
// or 0 when absent.
func (e *GitHubEvent) InstallationID() int64 {
	return gjson.GetBytes(e.Payload, "installation.id").Int()
}

// EventType discriminates internal events.
type EventType string

const (
	// Webhook-originated.
	EventIssueOpened       EventType = "issue.opened"
	EventIssueReopened     EventType = "issue.reopened"
	EventIssueClosed       EventType = "issue.closed"
	EventIssueAssigned     EventType = "issue.assigned"
	EventIssueLabeled      EventType = "issue.labeled"
	EventIssueComment      EventType = "issue.comment"
	EventPROpened          EventType = "pr.opened"
	EventPRClosed          EventType = "pr.closed"
	EventPRReviewSubmitted EventType = "pr.review_submitted"
	EventPRReviewDismissed EventType = "pr.review_dismissed"
	EventPRReviewComment   EventType = "pr.review_comment"
	EventPRSynchronized    EventType = "pr.synchronized"
	EventPRLabeled         EventType = "pr.labeled"
	EventPush              EventType = "push"

	// Framework-internal.
	EventAgentBlocked    EventType = "agent.blocked"
	EventAgentCompleted  EventType = "agent.completed"
	EventAgentEscalated  EventType = "agent.escalated"
	EventBlockerResolved EventType = "blocker.resolved"
	EventWakeAgent       EventType = "wake.agent"
)

// Event is the internal event that flows through the router to handlers
// and the pipeline engine.
type Event struct {
	Type EventType `json:"event_type"`
	// GitHubType is the raw "<event>.<action>" pair for webhook-origin
	// events (e.g. "pull_request_review.submitted"); empty for
	// framework-internal events. Pipeline triggers and reactive
	// subscriptions are declared against this form.
	GitHubType       string         `json:"github_type,omitempty"`
	SourceDeliveryID string         `json:"source_delivery_id,omitempty"`
	AgentID          string         `json:"agent_id,omitempty"`
	IssueNumber      int            `json:"issue_number,omitempty"`
	PRNumber         int            `json:"pr_number,omitempty"`
	Sender           string         `json:"sender,omitempty"`
	SenderIsBot      bool           `json:"sender_is_bot,omitempty"`
	Command          *ParsedCommand `json:"command,omitempty"`
	MentionedRoles   []string       `json:"mentioned_roles,omitempty"`
	Payload          []byte         `json:"-"`
	Timestamp        time.Time      `json:"timestamp"`
}

// PayloadField extracts a dotted-path field from the raw webhook payload.
func (e *Event) PayloadField(path string) gjson.Result {
	return gjson.GetBytes(e.Payload, path)
}

// CommandSource distinguishes how a command was written in the comment.
type CommandSource string

const (
	SourceSlash   CommandSource = "slash"
	SourceMention CommandSource = "mention"
)

// ParsedCommand is the result of parsing a comment body for a command.
// Exactly one of the three shapes is populated: help, an action command
// (Name + Args), or an agent route (AgentName + Message).
type ParsedCommand struct {
	Source    CommandSource `json:"source"`
	IsHelp    bool          `json:"is_help,omitempty"`
	Name      string        `json:"name,omitempty"`
	Args      []string      `json:"args,omitempty"`
	AgentName string        `json:"agent_name,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// IsAction reports whether the command is a built-in action rather than
// an agent route.
func (c *ParsedCommand) IsAction() bool {
	return c != nil && c.Name != "" && c.AgentName == ""
}
