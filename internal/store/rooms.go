// Package store is the only mutation path for rooms and the session event
// log.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/codecollab/internal/database"
	"github.com/npezzotti/codecollab/internal/dedup"
	"github.com/npezzotti/codecollab/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrProblemNotFound = errors.New("problem not found")
)

// MaxRoomIdLen is the width of the rooms.id column.
const MaxRoomIdLen = 10

const createAttempts = 5

type RoomStore struct {
	repo  database.CodeCollabRepository
	dedup dedup.Deduper
	log   zerolog.Logger
	newId func() (string, error)
}

func NewRoomStore(repo database.CodeCollabRepository, d dedup.Deduper, logger zerolog.Logger) *RoomStore {
	if d == nil {
		d = dedup.NewMemoryDeduper(dedup.DefaultWindow)
	}
	return &RoomStore{
		repo:  repo,
		dedup: d,
		log:   logger.With().Str("component", "room_store").Logger(),
		newId: shortid.Generate,
	}
}

func (s *RoomStore) Get(ctx context.Context, id string) (database.Room, error) {
	room, err := s.repo.GetRoom(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Room{}, ErrRoomNotFound
		}
		return database.Room{}, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// CreateOrGet returns the room, creating it with the welcome buffer when it
// does not exist yet.
func (s *RoomStore) CreateOrGet(ctx context.Context, id string) (database.Room, error) {
	room, created, err := s.repo.CreateRoom(ctx, database.CreateRoomParams{Id: id})
	if err != nil {
		return database.Room{}, fmt.Errorf("create room: %w", err)
	}
	if created {
		s.log.Info().Str("room_id", id).Msg("room created on first reference")
	}
	return room, nil
}

// Create makes a room under a freshly generated short id.
func (s *RoomStore) Create(ctx context.Context, createdBy *int) (database.Room, error) {
	for range createAttempts {
		id, err := s.newId()
		if err != nil {
			return database.Room{}, fmt.Errorf("generate room id: %w", err)
		}
		if len(id) > MaxRoomIdLen {
			id = id[:MaxRoomIdLen]
		}

		room, created, err := s.repo.CreateRoom(ctx, database.CreateRoomParams{
			Id:        id,
			CreatedBy: createdBy,
		})
		if err != nil {
			return database.Room{}, fmt.Errorf("create room: %w", err)
		}
		if created {
			return room, nil
		}
		s.log.Warn().Str("room_id", id).Msg("room id collision, retrying")
	}

	return database.Room{}, fmt.Errorf("create room: no free id after %d attempts", createAttempts)
}

// SetCode replaces the room's buffer. A non-empty messageId that was already
// applied for the room makes the call a no-op and applied is false.
func (s *RoomStore) SetCode(ctx context.Context, id, code, messageId string) (bool, error) {
	if messageId != "" {
		seen, err := s.dedup.Seen(ctx, id, messageId)
		if err != nil {
			return false, fmt.Errorf("dedup: %w", err)
		}
		if seen {
			s.log.Debug().Str("room_id", id).Str("message_id", messageId).Msg("duplicate code change suppressed")
			return false, nil
		}
	}

	if err := s.writeCode(ctx, id, code); err != nil {
		if messageId != "" {
			if rerr := s.dedup.Release(ctx, id, messageId); rerr != nil {
				s.log.Error().Err(rerr).Str("room_id", id).Str("message_id", messageId).Msg("failed to release message id")
			}
		}
		return false, err
	}
	return true, nil
}

func (s *RoomStore) writeCode(ctx context.Context, id, code string) error {
	if _, err := s.CreateOrGet(ctx, id); err != nil {
		return err
	}
	if err := s.repo.UpdateRoomCode(ctx, id, code); err != nil {
		return fmt.Errorf("update room code: %w", err)
	}
	return nil
}

// Unload frees per-room state kept in process once the room has no live
// goroutine. Persisted rows are untouched.
func (s *RoomStore) Unload(id string) {
	if f, ok := s.dedup.(interface{ Forget(roomId string) }); ok {
		f.Forget(id)
	}
}

func (s *RoomStore) SetLanguage(ctx context.Context, id, language string) error {
	if _, err := s.CreateOrGet(ctx, id); err != nil {
		return err
	}
	if err := s.repo.UpdateRoomLanguage(ctx, id, language); err != nil {
		return fmt.Errorf("update room language: %w", err)
	}
	return nil
}

// AttachProblem links the problem and resets the buffer to its template.
func (s *RoomStore) AttachProblem(ctx context.Context, id string, problem database.Problem) error {
	if _, err := s.CreateOrGet(ctx, id); err != nil {
		return err
	}

	pid := problem.Id
	code := problem.TemplateCode
	if err := s.repo.SetRoomProblem(ctx, id, &pid, &code); err != nil {
		return fmt.Errorf("attach problem: %w", err)
	}
	return nil
}

func (s *RoomStore) ClearProblem(ctx context.Context, id string) error {
	err := s.repo.SetRoomProblem(ctx, id, nil, nil)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("clear problem: %w", err)
	}
	return nil
}

func (s *RoomStore) Problem(ctx context.Context, problemId int) (database.Problem, error) {
	p, err := s.repo.GetProblem(ctx, problemId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Problem{}, ErrProblemNotFound
		}
		return database.Problem{}, fmt.Errorf("get problem: %w", err)
	}
	return p, nil
}

func (s *RoomStore) Problems(ctx context.Context) ([]types.ProblemSummary, error) {
	problems, err := s.repo.ListProblems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list problems: %w", err)
	}

	out := make([]types.ProblemSummary, len(problems))
	for i, p := range problems {
		out[i] = types.ProblemSummary{Id: p.Id, Title: p.Title}
	}
	return out, nil
}

// Snapshot returns the room together with its attached problem, if any.
func (s *RoomStore) Snapshot(ctx context.Context, id string) (types.Room, error) {
	room, err := s.Get(ctx, id)
	if err != nil {
		return types.Room{}, err
	}

	view := types.Room{
		Id:          room.Id,
		CodeContent: room.CodeContent,
		CreatedBy:   room.CreatedBy,
		Language:    room.Language,
	}

	if room.ProblemId != nil {
		p, err := s.Problem(ctx, *room.ProblemId)
		switch {
		case err == nil:
			view.Problem = &types.ProblemDetails{
				Title:        p.Title,
				Description:  p.Description,
				TemplateCode: p.TemplateCode,
			}
		case !errors.Is(err, ErrProblemNotFound):
			return types.Room{}, err
		}
	}

	return view, nil
}
