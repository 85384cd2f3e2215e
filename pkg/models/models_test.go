package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminality(t *testing.T) {
	terminal := []AgentStatus{StatusCompleted, StatusEscalated, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range []AgentStatus{StatusCreated, StatusActive, StatusSleeping} {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestStatusTimestampInvariant(t *testing.T) {
	// active_since set iff active; sleeping_since set iff sleeping.
	agent := &AgentRecord{AgentID: "a", Role: "feat-dev", Status: StatusCreated}
	now := time.Now().UTC()

	agent.MarkActive(now)
	assert.Equal(t, StatusActive, agent.Status)
	assert.NotNil(t, agent.ActiveSince)
	assert.Nil(t, agent.SleepingSince)

	agent.MarkSleeping(now)
	assert.Equal(t, StatusSleeping, agent.Status)
	assert.Nil(t, agent.ActiveSince)
	assert.NotNil(t, agent.SleepingSince)

	agent.MarkTerminal(StatusCompleted)
	assert.Nil(t, agent.ActiveSince)
	assert.Nil(t, agent.SleepingSince)
}

func TestGitHubEventAccessors(t *testing.T) {
	event := &GitHubEvent{
		EventType: "pull_request",
		Action:    "opened",
		Payload: []byte(`{
			"sender": {"login": "octocat", "type": "User"},
			"repository": {"full_name": "acme/widgets"},
			"installation": {"id": 12345}
		}`),
	}
	assert.Equal(t, "pull_request.opened", event.FullType())
	assert.Equal(t, "octocat", event.Sender())
	assert.False(t, event.IsBot())
	assert.Equal(t, "acme/widgets", event.RepoFullName())
	assert.Equal(t, int64(12345), event.InstallationID())

	push := &GitHubEvent{EventType: "push"}
	assert.Equal(t, "push", push.FullType())
}

func TestParsedCommandIsAction(t *testing.T) {
	action := &ParsedCommand{Source: SourceSlash, Name: "status"}
	assert.True(t, action.IsAction())

	route := &ParsedCommand{Source: SourceMention, AgentName: "pm", Message: "hi"}
	assert.False(t, route.IsAction())

	var nilCmd *ParsedCommand
	assert.False(t, nilCmd.IsAction())
}
