package types

import (
	"time"
)

type Position struct {
	Line   *int `json:"line"`
	Column *int `json:"column"`
}

type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type Presence struct {
	Username  string     `json:"username"`
	Cursor    Position   `json:"cursor"`
	Selection Selection  `json:"selection"`
	Color     string     `json:"color"`
	IsTyping  bool       `json:"is_typing"`
	LastSeen  *time.Time `json:"last_seen"`
}

type ProblemDetails struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	TemplateCode string `json:"template_code"`
}

type ProblemSummary struct {
	Id    int    `json:"id"`
	Title string `json:"title"`
}

// Room is the room snapshot served to clients. Problem is empty when no
// problem is attached.
type Room struct {
	Id          string          `json:"id"`
	CodeContent string          `json:"code_content"`
	CreatedBy   *int            `json:"created_by"`
	Language    string          `json:"language"`
	Problem     *ProblemDetails `json:"problem"`
}

type TimelineEvent struct {
	Id        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt *time.Time     `json:"created_at"`
}

type Timeline struct {
	RoomId      string          `json:"room_id"`
	TotalEvents int             `json:"total_events"`
	Timeline    []TimelineEvent `json:"timeline"`
}

type Summary struct {
	RoomId          string         `json:"room_id"`
	TotalEvents     int            `json:"total_events"`
	EventCounts     map[string]int `json:"event_counts"`
	SessionStart    *time.Time     `json:"session_start"`
	SessionEnd      *time.Time     `json:"session_end"`
	DurationMinutes *float64       `json:"duration_minutes"`
}
