package store

import (
	"context"
	"testing"

	"github.com/npezzotti/codecollab/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog_TimelineAndSummary(t *testing.T) {
	ctx := context.Background()
	l := NewEventLog(database.NewMemoryCodeCollabRepository())

	require.NoError(t, l.Append(ctx, "room", EventJoin, map[string]any{"username": "alice"}))
	require.NoError(t, l.Append(ctx, "room", EventCodeChange, map[string]any{"message_id": "m1", "length": 3}))
	require.NoError(t, l.Append(ctx, "room", EventCodeChange, nil))
	require.NoError(t, l.Append(ctx, "other", EventJoin, nil))

	timeline, err := l.Timeline(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, 3, timeline.TotalEvents)
	require.Len(t, timeline.Timeline, 3)
	assert.Equal(t, EventJoin, timeline.Timeline[0].EventType)
	assert.Equal(t, "alice", timeline.Timeline[0].Payload["username"])
	assert.NotNil(t, timeline.Timeline[2].Payload, "nil payloads are stored as empty objects")
	for i := 1; i < len(timeline.Timeline); i++ {
		assert.False(t, timeline.Timeline[i].CreatedAt.Before(*timeline.Timeline[i-1].CreatedAt))
	}

	summary, err := l.Summary(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalEvents)
	assert.Equal(t, map[string]int{EventJoin: 1, EventCodeChange: 2}, summary.EventCounts)
	require.NotNil(t, summary.SessionStart)
	require.NotNil(t, summary.SessionEnd)
	require.NotNil(t, summary.DurationMinutes)
	assert.GreaterOrEqual(t, *summary.DurationMinutes, 0.0)
}

func TestEventLog_Summary_empty(t *testing.T) {
	l := NewEventLog(database.NewMemoryCodeCollabRepository())

	summary, err := l.Summary(context.Background(), "room")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalEvents)
	assert.Empty(t, summary.EventCounts)
	assert.Nil(t, summary.SessionStart)
	assert.Nil(t, summary.DurationMinutes)
}
