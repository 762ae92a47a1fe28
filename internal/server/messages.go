package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/codecollab/internal/types"
)

// Client events.
const (
	EventJoinRoom             = "join_room"
	EventLeaveRoom            = "leave_room"
	EventCodeChange           = "code_change"
	EventLanguageChange       = "language_change"
	EventLoadProblem          = "load_problem"
	EventExecuteCode          = "execute_code"
	EventSubmitCode           = "submit_code"
	EventCursorMove           = "cursor_move"
	EventSelectionChange      = "selection_change"
	EventTyping               = "typing"
	EventPresenceInit         = "presence_init"
	EventPresenceLeave        = "presence_leave"
	EventRequestExistingUsers = "request_existing_users"
)

// Server events.
const (
	EventConnected         = "connected"
	EventUserJoined        = "user_joined"
	EventUserLeft          = "user_left"
	EventPresenceSnapshot  = "presence_snapshot"
	EventCodeUpdate        = "code_update"
	EventLobbyActivated    = "lobby_activated"
	EventLanguageUpdated   = "language_updated"
	EventProblemLoaded     = "problem_loaded"
	EventExecutionResult   = "execution_result"
	EventSubmitResult      = "submit_result"
	EventPresenceCursor    = "presence_cursor"
	EventPresenceSelection = "presence_selection"
	EventPresenceTyping    = "presence_typing"
	EventExistingUsers     = "existing_users"
	EventError             = "error"
)

const defaultUsername = "A user"

var (
	errUnknownEvent = errors.New("unknown event")
	errMissingData  = errors.New("missing data")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the frame every websocket message travels in.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type roomScoped interface {
	room() string
}

type RoomRef struct {
	RoomId string `json:"room_id" validate:"required,max=10"`
}

func (r RoomRef) room() string { return r.RoomId }

type JoinRoom struct {
	RoomRef
	Username string `json:"username" validate:"max=64"`
}

type LeaveRoom struct {
	RoomRef
	Username string `json:"username" validate:"required,max=64"`
}

type CodeChange struct {
	RoomRef
	CodeContent string    `json:"code_content"`
	Code        string    `json:"code"`
	MessageId   MessageId `json:"message_id"`
}

// Source returns code_content, falling back to code.
func (c CodeChange) Source() string {
	if c.CodeContent != "" {
		return c.CodeContent
	}
	return c.Code
}

type LanguageChange struct {
	RoomRef
	Language string `json:"language" validate:"required,max=32"`
}

type LoadProblem struct {
	RoomRef
	ProblemId FlexInt `json:"problem_id" validate:"required,gt=0"`
}

type ExecuteCode struct {
	RoomRef
	Language string `json:"language" validate:"max=32"`
	Code     string `json:"code"`
}

func (e ExecuteCode) language() string {
	if e.Language == "" {
		return "python"
	}
	return e.Language
}

type SubmitCode struct {
	ExecuteCode
}

type Point struct {
	Line   *int `json:"line" validate:"omitempty,gte=0"`
	Column *int `json:"column" validate:"omitempty,gte=0"`
}

func (p Point) position() types.Position {
	return types.Position{Line: p.Line, Column: p.Column}
}

type CursorMove struct {
	RoomRef
	Username string `json:"username" validate:"required,max=64"`
	Line     *int   `json:"line" validate:"required,gte=0"`
	Column   *int   `json:"column" validate:"required,gte=0"`
}

type SelectionChange struct {
	RoomRef
	Username string `json:"username" validate:"required,max=64"`
	Start    Point  `json:"start"`
	End      Point  `json:"end"`
}

type Typing struct {
	RoomRef
	Username string `json:"username" validate:"required,max=64"`
	IsTyping bool   `json:"is_typing"`
}

type PresenceInit struct {
	RoomRef
	Username string `json:"username" validate:"required,max=64"`
}

type PresenceLeave struct {
	RoomRef
	Username string `json:"username" validate:"required,max=64"`
}

type RequestExistingUsers struct {
	RoomRef
}

var payloadTypes = map[string]func() roomScoped{
	EventJoinRoom:             func() roomScoped { return &JoinRoom{} },
	EventLeaveRoom:            func() roomScoped { return &LeaveRoom{} },
	EventCodeChange:           func() roomScoped { return &CodeChange{} },
	EventLanguageChange:       func() roomScoped { return &LanguageChange{} },
	EventLoadProblem:          func() roomScoped { return &LoadProblem{} },
	EventExecuteCode:          func() roomScoped { return &ExecuteCode{} },
	EventSubmitCode:           func() roomScoped { return &SubmitCode{} },
	EventCursorMove:           func() roomScoped { return &CursorMove{} },
	EventSelectionChange:      func() roomScoped { return &SelectionChange{} },
	EventTyping:               func() roomScoped { return &Typing{} },
	EventPresenceInit:         func() roomScoped { return &PresenceInit{} },
	EventPresenceLeave:        func() roomScoped { return &PresenceLeave{} },
	EventRequestExistingUsers: func() roomScoped { return &RequestExistingUsers{} },
}

// ClientMessage is a validated client event addressed to one room.
type ClientMessage struct {
	Event   string
	RoomId  string
	Payload any
	client  *Client
	// detach marks the synthetic message sent when a connection goes away.
	detach bool
}

// parseClientMessage decodes and validates one frame. Any error means the
// frame is dropped.
func parseClientMessage(raw []byte) (*ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	newPayload, ok := payloadTypes[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, env.Event)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, errMissingData
	}

	payload := newPayload()
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("validate %s: %w", env.Event, err)
	}

	return &ClientMessage{
		Event:   env.Event,
		RoomId:  payload.room(),
		Payload: payload,
	}, nil
}

// MessageId is a client chosen change identifier. It may be a JSON string
// or number and is echoed back exactly as received.
type MessageId struct {
	raw json.RawMessage
	key string
}

func NewMessageId(s string) MessageId {
	raw, _ := json.Marshal(s)
	return MessageId{raw: raw, key: s}
}

func (m *MessageId) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*m = MessageId{}
	case string:
		*m = MessageId{raw: bytes.Clone(b), key: v}
	case float64:
		*m = MessageId{raw: bytes.Clone(b), key: string(bytes.TrimSpace(b))}
	default:
		return fmt.Errorf("message_id must be a string or number")
	}
	return nil
}

func (m MessageId) MarshalJSON() ([]byte, error) {
	if m.raw == nil {
		return []byte("null"), nil
	}
	return m.raw, nil
}

// Key is the identifier used for de-duplication. Empty means none was sent.
func (m MessageId) Key() string {
	return m.key
}

// Value is the identifier as it should appear in event payloads.
func (m MessageId) Value() any {
	if m.raw == nil {
		return nil
	}
	return json.RawMessage(m.raw)
}

// FlexInt accepts an integer or a string holding one.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("not an integer: %q", s)
		}
		*f = FlexInt(n)
		return nil
	}

	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

type ServerMessage struct {
	Event      string  `json:"event"`
	Data       any     `json:"data"`
	SkipClient *Client `json:"-"`
}

type Connected struct {
	Message      string `json:"message"`
	ConnectionId string `json:"connection_id"`
}

type UserEvent struct {
	Username string `json:"username"`
}

type PresenceSnapshot struct {
	RoomId string           `json:"room_id"`
	Users  []types.Presence `json:"users"`
}

type CodeUpdate struct {
	CodeContent string    `json:"code_content"`
	MessageId   MessageId `json:"message_id"`
}

type LanguageUpdated struct {
	Language string `json:"language"`
}

type ProblemLoaded struct {
	Id          string                `json:"id"`
	CodeContent string                `json:"code_content"`
	Language    string                `json:"language"`
	Problem     *types.ProblemDetails `json:"problem"`
}

type ExecutionResult struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

type SubmitResult struct {
	Verdict string `json:"verdict"`
	Details string `json:"details"`
}

type PresenceCursor struct {
	Username string         `json:"username"`
	Cursor   types.Position `json:"cursor"`
}

type PresenceSelection struct {
	Username string         `json:"username"`
	Start    types.Position `json:"start"`
	End      types.Position `json:"end"`
}

type PresenceTyping struct {
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type ExistingUser struct {
	Id       int    `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

type ExistingUsers struct {
	Users []ExistingUser `json:"users"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func newMessage(event string, data any) *ServerMessage {
	return &ServerMessage{Event: event, Data: data}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
