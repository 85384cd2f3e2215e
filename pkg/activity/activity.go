// Package activity is the append-only structured event store behind
// the dashboard: SQLite persistence plus fan-out to live SSE
// subscribers. Slow subscribers are dropped rather than ever blocking
// a producer.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventType enumerates activity events.
type EventType string

const (
	// Agent lifecycle.
	AgentSpawned   EventType = "agent_spawned"
	AgentWoke      EventType = "agent_woke"
	AgentSleeping  EventType = "agent_sleeping"
	AgentCompleted EventType = "agent_completed"
	AgentEscalated EventType = "agent_escalated"
	AgentFailed    EventType = "agent_failed"

	// Tool execution.
	ToolCallStart EventType = "tool_call_start"
	ToolCallEnd   EventType = "tool_call_end"

	// LLM interaction.
	Reasoning   EventType = "reasoning"
	UserMessage EventType = "user_message"

	// GitHub operations.
	GitHubComment      EventType = "github_comment"
	GitHubPROpened     EventType = "github_pr_opened"
	GitHubReview       EventType = "github_review"
	GitHubIssueCreated EventType = "github_issue_created"

	// System.
	Error   EventType = "error"
	Warning EventType = "warning"
	Info    EventType = "info"

	// Session lifecycle.
	SessionCreated        EventType = "session_created"
	PromptReady           EventType = "prompt_ready"
	ModelRequestStarted   EventType = "model_request_started"
	ModelRequestCompleted EventType = "model_request_completed"
	AgentHeartbeat        EventType = "agent_heartbeat"

	// Circuit breaker.
	CircuitBreakerWarning   EventType = "circuit_breaker_warning"
	CircuitBreakerTriggered EventType = "circuit_breaker_triggered"
)

// Event is one activity record.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	AgentID   string    `json:"agent_id"`
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`

	ToolName       string                 `json:"tool_name,omitempty"`
	ToolArgs       map[string]interface{} `json:"tool_args,omitempty"`
	ToolResult     string                 `json:"tool_result,omitempty"`
	ToolSuccess    *bool                  `json:"tool_success,omitempty"`
	ToolDurationMS int64                  `json:"tool_duration_ms,omitempty"`

	Content  string                 `json:"content,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	IssueNumber int `json:"issue_number,omitempty"`
	PRNumber    int `json:"pr_number,omitempty"`
}

// maxSSEResultLen truncates tool results in the SSE stream.
const maxSSEResultLen = 500

// SSEData renders the event for a Server-Sent Events frame.
func (e *Event) SSEData() string {
	out := *e
	if len(out.ToolResult) > maxSSEResultLen {
		out.ToolResult = out.ToolResult[:maxSSEResultLen] + "…"
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Log persists events and fans them out to subscribers.
type Log struct {
	db *sql.DB

	mu          sync.Mutex
	subscribers map[int]chan *Event
	nextSub     int
}

// subscriberBuffer is the per-subscriber channel capacity; a full
// buffer drops the subscriber.
const subscriberBuffer = 64

// NewLog wraps a database handle that already carries the
// agent_activity table (the registry schema owns it).
func NewLog(db *sql.DB) *Log {
	return &Log{
		db:          db,
		subscribers: make(map[int]chan *Event),
	}
}

// Record persists an event and fans it out. Recording never fails the
// caller — persistence errors are logged.
func (l *Log) Record(ctx context.Context, event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	args, _ := json.Marshal(event.ToolArgs)
	metadata, _ := json.Marshal(event.Metadata)
	if event.Metadata == nil {
		metadata = []byte("{}")
	}

	var toolSuccess interface{}
	if event.ToolSuccess != nil {
		if *event.ToolSuccess {
			toolSuccess = 1
		} else {
			toolSuccess = 0
		}
	}

	res, err := l.db.ExecContext(ctx, `
INSERT INTO agent_activity (agent_id, event_type, timestamp, tool_name, tool_args,
    tool_result, tool_success, tool_duration_ms, content, metadata, issue_number, pr_number)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.AgentID, string(event.Type), event.Timestamp.Format(time.RFC3339Nano),
		nullable(event.ToolName), nullable(string(args)),
		nullable(event.ToolResult), toolSuccess, nullableInt(event.ToolDurationMS),
		nullable(event.Content), string(metadata),
		nullableInt(int64(event.IssueNumber)), nullableInt(int64(event.PRNumber)),
	)
	if err != nil {
		slog.Warn("Failed to persist activity event", "type", event.Type, "error", err)
	} else {
		event.ID, _ = res.LastInsertId()
	}

	l.broadcast(event)
}

func (l *Log) broadcast(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber fell behind: drop it.
			close(ch)
			delete(l.subscribers, id)
			slog.Debug("Dropped slow activity subscriber", "subscriber", id)
		}
	}
}

// Subscribe returns a channel of live events plus an unsubscribe
// function. The channel closes when the subscriber is dropped.
func (l *Log) Subscribe() (<-chan *Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan *Event, subscriberBuffer)
	l.subscribers[id] = ch

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if live, ok := l.subscribers[id]; ok {
			close(live)
			delete(l.subscribers, id)
		}
	}
}

// Query returns historical events for an agent (all agents when
// agentID is empty), newest first.
func (l *Log) Query(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT id, agent_id, event_type, timestamp, tool_name, tool_args, tool_result,
    tool_success, tool_duration_ms, content, metadata, issue_number, pr_number
FROM agent_activity`
	var args []interface{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e                       Event
			ts                      string
			toolName, toolArgs      sql.NullString
			toolResult, content     sql.NullString
			toolSuccess, durationMS sql.NullInt64
			metadata                string
			issue, pr               sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Type, &ts, &toolName, &toolArgs,
			&toolResult, &toolSuccess, &durationMS, &content, &metadata, &issue, &pr); err != nil {
			return nil, fmt.Errorf("failed to scan activity event: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.ToolName = toolName.String
		e.ToolResult = toolResult.String
		e.Content = content.String
		e.ToolDurationMS = durationMS.Int64
		e.IssueNumber = int(issue.Int64)
		e.PRNumber = int(pr.Int64)
		if toolSuccess.Valid {
			b := toolSuccess.Int64 != 0
			e.ToolSuccess = &b
		}
		if toolArgs.Valid && toolArgs.String != "" && toolArgs.String != "null" {
			_ = json.Unmarshal([]byte(toolArgs.String), &e.ToolArgs)
		}
		_ = json.Unmarshal([]byte(metadata), &e.Metadata)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
