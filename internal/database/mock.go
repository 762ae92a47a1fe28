package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockCodeCollabRepository struct {
	mock.Mock
}

func (m *MockCodeCollabRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockCodeCollabRepository) GetRoom(ctx context.Context, id string) (Room, error) {
	args := m.Called(id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockCodeCollabRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, bool, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Bool(1), args.Error(2)
}
func (m *MockCodeCollabRepository) UpdateRoomCode(ctx context.Context, id, code string) error {
	args := m.Called(id, code)
	return args.Error(0)
}
func (m *MockCodeCollabRepository) UpdateRoomLanguage(ctx context.Context, id, language string) error {
	args := m.Called(id, language)
	return args.Error(0)
}
func (m *MockCodeCollabRepository) SetRoomProblem(ctx context.Context, id string, problemId *int, code *string) error {
	args := m.Called(id, problemId, code)
	return args.Error(0)
}
func (m *MockCodeCollabRepository) GetProblem(ctx context.Context, id int) (Problem, error) {
	args := m.Called(id)
	return args.Get(0).(Problem), args.Error(1)
}
func (m *MockCodeCollabRepository) ListProblems(ctx context.Context) ([]Problem, error) {
	args := m.Called()
	return args.Get(0).([]Problem), args.Error(1)
}
func (m *MockCodeCollabRepository) CreateEvent(ctx context.Context, event SessionEvent) (SessionEvent, error) {
	args := m.Called(event)
	return args.Get(0).(SessionEvent), args.Error(1)
}
func (m *MockCodeCollabRepository) ListEvents(ctx context.Context, roomId string) ([]SessionEvent, error) {
	args := m.Called(roomId)
	return args.Get(0).([]SessionEvent), args.Error(1)
}
func (m *MockCodeCollabRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
