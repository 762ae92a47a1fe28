package database

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryCodeCollabRepository keeps everything in process memory. It backs
// development runs without Postgres and most package tests.
type MemoryCodeCollabRepository struct {
	mu       sync.RWMutex
	rooms    map[string]Room
	problems map[int]Problem
	events   map[string][]SessionEvent
	eventSeq int64
	now      func() time.Time
}

func NewMemoryCodeCollabRepository(problems ...Problem) *MemoryCodeCollabRepository {
	m := &MemoryCodeCollabRepository{
		rooms:    make(map[string]Room),
		problems: make(map[int]Problem),
		events:   make(map[string][]SessionEvent),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, p := range problems {
		m.problems[p.Id] = p
	}
	return m
}

// SeedProblems mirrors the rows inserted by the seed migration.
func SeedProblems() []Problem {
	return []Problem{
		{
			Id:           1,
			Title:        "Reverse a String",
			Description:  "Write a Python function `solve(s)` that takes a string `s` and returns the string reversed.",
			TemplateCode: "def solve(s):\n    # Your code here\n    return",
			TestCases: []TestCase{
				{Id: 1, ProblemId: 1, InputData: `"hello"`, ExpectedOutput: "olleh", IsHidden: true},
				{Id: 2, ProblemId: 1, InputData: `"world"`, ExpectedOutput: "dlrow", IsHidden: true},
				{Id: 3, ProblemId: 1, InputData: `""`, ExpectedOutput: "", IsHidden: true},
			},
		},
		{
			Id:           2,
			Title:        "Two Sum",
			Description:  "Write a Python function `solve(nums, target)` that takes a list of integers `nums` and an integer `target`, and returns the indices of the two numbers that add up to the target.",
			TemplateCode: "def solve(nums, target):\n    # Your code here\n    return",
			TestCases: []TestCase{
				{Id: 4, ProblemId: 2, InputData: "[2, 7, 11, 15], 9", ExpectedOutput: "[0, 1]", IsHidden: true},
				{Id: 5, ProblemId: 2, InputData: "[3, 2, 4], 6", ExpectedOutput: "[1, 2]", IsHidden: true},
				{Id: 6, ProblemId: 2, InputData: "[3, 3], 6", ExpectedOutput: "[0, 1]", IsHidden: true},
			},
		},
	}
}

func (m *MemoryCodeCollabRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryCodeCollabRepository) Close() error {
	return nil
}

func (m *MemoryCodeCollabRepository) GetRoom(_ context.Context, id string) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryCodeCollabRepository) CreateRoom(_ context.Context, params CreateRoomParams) (Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[params.Id]; ok {
		return r, false, nil
	}

	now := m.now()
	r := Room{
		Id:          params.Id,
		CodeContent: DefaultCode,
		Language:    DefaultLanguage,
		CreatedBy:   params.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.rooms[r.Id] = r
	return r, true, nil
}

func (m *MemoryCodeCollabRepository) update(id string, fn func(r *Room)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	if !ok {
		return ErrNotFound
	}
	fn(&r)
	r.UpdatedAt = m.now()
	m.rooms[id] = r
	return nil
}

func (m *MemoryCodeCollabRepository) UpdateRoomCode(_ context.Context, id, code string) error {
	return m.update(id, func(r *Room) { r.CodeContent = code })
}

func (m *MemoryCodeCollabRepository) UpdateRoomLanguage(_ context.Context, id, language string) error {
	return m.update(id, func(r *Room) { r.Language = language })
}

func (m *MemoryCodeCollabRepository) SetRoomProblem(_ context.Context, id string, problemId *int, code *string) error {
	return m.update(id, func(r *Room) {
		r.ProblemId = problemId
		if code != nil {
			r.CodeContent = *code
		}
	})
}

func (m *MemoryCodeCollabRepository) GetProblem(_ context.Context, id int) (Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.problems[id]
	if !ok {
		return Problem{}, ErrNotFound
	}
	p.TestCases = slices.Clone(p.TestCases)
	return p, nil
}

func (m *MemoryCodeCollabRepository) ListProblems(_ context.Context) ([]Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(m.problems))
	problems := make([]Problem, 0, len(ids))
	for _, id := range ids {
		p := m.problems[id]
		p.TestCases = nil
		problems = append(problems, p)
	}
	return problems, nil
}

func (m *MemoryCodeCollabRepository) CreateEvent(_ context.Context, event SessionEvent) (SessionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Payload == nil {
		event.Payload = map[string]any{}
	}

	event.CreatedAt = m.now()
	if prev := m.events[event.RoomId]; len(prev) > 0 {
		if last := prev[len(prev)-1].CreatedAt; event.CreatedAt.Before(last) {
			event.CreatedAt = last
		}
	}

	m.eventSeq++
	event.Id = m.eventSeq
	m.events[event.RoomId] = append(m.events[event.RoomId], event)
	return event, nil
}

func (m *MemoryCodeCollabRepository) ListEvents(_ context.Context, roomId string) ([]SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.events[roomId]), nil
}
