package activity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/pkg/registry"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewLog(store.DB())
}

func TestRecordAndQuery(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	ok := true
	l.Record(ctx, &Event{
		AgentID:     "feat-dev-issue-1",
		Type:        ToolCallEnd,
		ToolName:    "open_pr",
		ToolSuccess: &ok,
		IssueNumber: 1,
	})
	l.Record(ctx, &Event{AgentID: "feat-dev-issue-1", Type: AgentCompleted})

	events, err := l.Query(ctx, "feat-dev-issue-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, AgentCompleted, events[0].Type)
	assert.Equal(t, "open_pr", events[1].ToolName)
	require.NotNil(t, events[1].ToolSuccess)
	assert.True(t, *events[1].ToolSuccess)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	l := newTestLog(t)
	ch, unsubscribe := l.Subscribe()
	defer unsubscribe()

	l.Record(context.Background(), &Event{AgentID: "a", Type: Info, Content: "hello"})

	event := <-ch
	assert.Equal(t, "hello", event.Content)
	assert.NotZero(t, event.ID)
}

func TestSlowSubscriberDropped(t *testing.T) {
	l := newTestLog(t)
	ch, unsubscribe := l.Subscribe()
	defer unsubscribe()

	// Never read: overflow the buffer and one more.
	for i := 0; i < subscriberBuffer+1; i++ {
		l.Record(context.Background(), &Event{AgentID: "a", Type: Info})
	}

	// The channel was closed by the drop; draining finds it closed.
	var count int
	for range ch {
		count++
	}
	assert.Equal(t, subscriberBuffer, count)
}

func TestSSEDataTruncatesToolResult(t *testing.T) {
	long := make([]byte, maxSSEResultLen*2)
	for i := range long {
		long[i] = 'x'
	}
	e := &Event{AgentID: "a", Type: ToolCallEnd, ToolResult: string(long)}
	data := e.SSEData()
	assert.Less(t, len(data), maxSSEResultLen*2)
	assert.Contains(t, data, "…")
}
