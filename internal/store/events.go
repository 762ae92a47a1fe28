package store

import (
	"context"
	"fmt"
	"math"

	"github.com/npezzotti/codecollab/internal/database"
	"github.com/npezzotti/codecollab/internal/types"
)

const (
	EventCreateRoom     = "create_room"
	EventJoin           = "join"
	EventLeave          = "leave"
	EventCodeChange     = "code_change"
	EventLanguageChange = "language_change"
	EventLoadProblem    = "load_problem"
	EventRun            = "run"
	EventSubmit         = "submit"
)

// EventLog is the append-only session history.
type EventLog struct {
	repo database.CodeCollabRepository
}

func NewEventLog(repo database.CodeCollabRepository) *EventLog {
	return &EventLog{repo: repo}
}

func (l *EventLog) Append(ctx context.Context, roomId, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}

	if _, err := l.repo.CreateEvent(ctx, database.SessionEvent{
		RoomId:    roomId,
		EventType: eventType,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}

func (l *EventLog) Timeline(ctx context.Context, roomId string) (types.Timeline, error) {
	events, err := l.repo.ListEvents(ctx, roomId)
	if err != nil {
		return types.Timeline{}, fmt.Errorf("list events: %w", err)
	}

	timeline := types.Timeline{
		RoomId:      roomId,
		TotalEvents: len(events),
		Timeline:    make([]types.TimelineEvent, len(events)),
	}
	for i, e := range events {
		createdAt := e.CreatedAt
		timeline.Timeline[i] = types.TimelineEvent{
			Id:        e.Id,
			EventType: e.EventType,
			Payload:   e.Payload,
			CreatedAt: &createdAt,
		}
	}
	return timeline, nil
}

func (l *EventLog) Summary(ctx context.Context, roomId string) (types.Summary, error) {
	events, err := l.repo.ListEvents(ctx, roomId)
	if err != nil {
		return types.Summary{}, fmt.Errorf("list events: %w", err)
	}

	summary := types.Summary{
		RoomId:      roomId,
		TotalEvents: len(events),
		EventCounts: make(map[string]int),
	}
	if len(events) == 0 {
		return summary, nil
	}

	for _, e := range events {
		summary.EventCounts[e.EventType]++
	}

	start, end := events[0].CreatedAt, events[len(events)-1].CreatedAt
	duration := math.Round(end.Sub(start).Minutes()*100) / 100
	summary.SessionStart = &start
	summary.SessionEnd = &end
	summary.DurationMinutes = &duration

	return summary, nil
}
