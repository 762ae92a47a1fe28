package database

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

type CodeCollabRepository interface {
	Ping(ctx context.Context) error
	GetRoom(ctx context.Context, id string) (Room, error)
	// CreateRoom inserts the room unless a room with the same id exists. It
	// returns the stored row and whether this call created it.
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, bool, error)
	UpdateRoomCode(ctx context.Context, id, code string) error
	UpdateRoomLanguage(ctx context.Context, id, language string) error
	// SetRoomProblem sets or clears the attached problem. A non-nil code
	// replaces the room's buffer in the same statement.
	SetRoomProblem(ctx context.Context, id string, problemId *int, code *string) error
	GetProblem(ctx context.Context, id int) (Problem, error)
	ListProblems(ctx context.Context) ([]Problem, error)
	CreateEvent(ctx context.Context, event SessionEvent) (SessionEvent, error)
	ListEvents(ctx context.Context, roomId string) ([]SessionEvent, error)
	Close() error
}
