package database

import "time"

const (
	DefaultCode     = "# Welcome to your CodeCollab room!\nprint('Hello, friend!')"
	DefaultLanguage = "python"
)

type Room struct {
	Id          string
	CodeContent string
	Language    string
	ProblemId   *int
	CreatedBy   *int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Problem struct {
	Id           int
	Title        string
	Description  string
	TemplateCode string
	TestCases    []TestCase
}

type TestCase struct {
	Id             int
	ProblemId      int
	InputData      string
	ExpectedOutput string
	IsHidden       bool
}

type SessionEvent struct {
	Id        int64
	RoomId    string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

type CreateRoomParams struct {
	Id        string
	CreatedBy *int
}
