package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	line, col := 3, 7

	tcases := []struct {
		name     string
		raw      string
		expected *ClientMessage
		errMsg   string
	}{
		{
			name: "join room",
			raw:  `{"event":"join_room","data":{"room_id":"abcd1234","username":"alice"}}`,
			expected: &ClientMessage{
				Event:   EventJoinRoom,
				RoomId:  "abcd1234",
				Payload: &JoinRoom{RoomRef: RoomRef{RoomId: "abcd1234"}, Username: "alice"},
			},
		},
		{
			name: "join room without username",
			raw:  `{"event":"join_room","data":{"room_id":"abcd1234"}}`,
			expected: &ClientMessage{
				Event:   EventJoinRoom,
				RoomId:  "abcd1234",
				Payload: &JoinRoom{RoomRef: RoomRef{RoomId: "abcd1234"}},
			},
		},
		{
			name: "cursor move",
			raw:  `{"event":"cursor_move","data":{"room_id":"r","username":"bob","line":3,"column":7}}`,
			expected: &ClientMessage{
				Event:   EventCursorMove,
				RoomId:  "r",
				Payload: &CursorMove{RoomRef: RoomRef{RoomId: "r"}, Username: "bob", Line: &line, Column: &col},
			},
		},
		{
			name: "load problem with string id",
			raw:  `{"event":"load_problem","data":{"room_id":"r","problem_id":"2"}}`,
			expected: &ClientMessage{
				Event:   EventLoadProblem,
				RoomId:  "r",
				Payload: &LoadProblem{RoomRef: RoomRef{RoomId: "r"}, ProblemId: 2},
			},
		},
		{
			name:   "invalid json",
			raw:    `{"event":`,
			errMsg: "decode envelope",
		},
		{
			name:   "unknown event",
			raw:    `{"event":"dance","data":{"room_id":"r"}}`,
			errMsg: `unknown event: "dance"`,
		},
		{
			name:   "missing data",
			raw:    `{"event":"join_room"}`,
			errMsg: "missing data",
		},
		{
			name:   "null data",
			raw:    `{"event":"join_room","data":null}`,
			errMsg: "missing data",
		},
		{
			name:   "missing room id",
			raw:    `{"event":"join_room","data":{"username":"alice"}}`,
			errMsg: "validate join_room",
		},
		{
			name:   "room id longer than the stored column",
			raw:    `{"event":"join_room","data":{"room_id":"abcdefghijk","username":"alice"}}`,
			errMsg: "validate join_room",
		},
		{
			name:   "cursor without column",
			raw:    `{"event":"cursor_move","data":{"room_id":"r","username":"bob","line":1}}`,
			errMsg: "validate cursor_move",
		},
		{
			name:   "negative line",
			raw:    `{"event":"cursor_move","data":{"room_id":"r","username":"bob","line":-1,"column":0}}`,
			errMsg: "validate cursor_move",
		},
		{
			name:   "problem id is not a number",
			raw:    `{"event":"load_problem","data":{"room_id":"r","problem_id":"two"}}`,
			errMsg: "decode load_problem",
		},
		{
			name:   "message id is an object",
			raw:    `{"event":"code_change","data":{"room_id":"r","code":"x","message_id":{}}}`,
			errMsg: "message_id must be a string or number",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseClientMessage([]byte(tc.raw))
			if tc.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errMsg)
				assert.Nil(t, msg)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, msg)
		})
	}
}

func TestParseClientMessage_codeChange(t *testing.T) {
	tcases := []struct {
		name       string
		raw        string
		source     string
		key        string
		expectedId string
	}{
		{
			name:       "string message id",
			raw:        `{"event":"code_change","data":{"room_id":"r","code_content":"a","message_id":"m-1"}}`,
			source:     "a",
			key:        "m-1",
			expectedId: `"m-1"`,
		},
		{
			name:       "numeric message id",
			raw:        `{"event":"code_change","data":{"room_id":"r","code":"b","message_id":42}}`,
			source:     "b",
			key:        "42",
			expectedId: `42`,
		},
		{
			name:       "code_content wins over code",
			raw:        `{"event":"code_change","data":{"room_id":"r","code_content":"a","code":"b"}}`,
			source:     "a",
			expectedId: `null`,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseClientMessage([]byte(tc.raw))
			require.NoError(t, err)

			change := msg.Payload.(*CodeChange)
			assert.Equal(t, tc.source, change.Source())
			assert.Equal(t, tc.key, change.MessageId.Key())

			b, err := json.Marshal(change.MessageId)
			require.NoError(t, err)
			assert.JSONEq(t, tc.expectedId, string(b))
		})
	}
}

func TestExecuteCode_language(t *testing.T) {
	assert.Equal(t, "python", ExecuteCode{}.language())
	assert.Equal(t, "java", ExecuteCode{Language: "java"}.language())
}

func TestSerializeMessage(t *testing.T) {
	msg := newMessage(EventCodeUpdate, CodeUpdate{CodeContent: "x = 1", MessageId: NewMessageId("m1")})
	msg.SkipClient = &Client{}

	b, err := serializeMessage(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"code_update","data":{"code_content":"x = 1","message_id":"m1"}}`, string(b))
}
