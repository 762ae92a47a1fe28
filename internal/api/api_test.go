package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/codecollab/internal/config"
	"github.com/npezzotti/codecollab/internal/database"
	"github.com/npezzotti/codecollab/internal/server"
	"github.com/npezzotti/codecollab/internal/stats"
	"github.com/npezzotti/codecollab/internal/store"
	"github.com/npezzotti/codecollab/internal/testutil"
	"github.com/npezzotti/codecollab/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type testApp struct {
	app    *CodeCollabApp
	repo   *database.MemoryCodeCollabRepository
	rooms  *store.RoomStore
	events *store.EventLog
}

func newTestApp(t *testing.T, db Pinger) *testApp {
	logger := testutil.TestLogger(t)
	repo := database.NewMemoryCodeCollabRepository(database.SeedProblems()...)
	rooms := store.NewRoomStore(repo, nil, logger)
	events := store.NewEventLog(repo)

	su := new(stats.MockStatsProvider)
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	hub := server.NewHub(logger, server.Config{Rooms: rooms, Events: events, Stats: su})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	if db == nil {
		db = repo
	}

	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	app := NewCodeCollabApp(http.NewServeMux(), logger, hub, rooms, events, db, cfg)

	return &testApp{app: app, repo: repo, rooms: rooms, events: events}
}

func (ta *testApp) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ta.app.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func TestNewCodeCollabApp(t *testing.T) {
	ta := newTestApp(t, nil)

	assert.NotNil(t, ta.app.srv, "expected http server to be initialized")
	assert.Equal(t, "localhost:8080", ta.app.srv.Addr, "expected server address to match config")
	assert.Equal(t, testSigningKey, ta.app.signingKey, "expected signing key to be set")
	assert.Equal(t, []string{"http://localhost:3000"}, ta.app.allowedOrigins)
}

func TestCreateRoom(t *testing.T) {
	validToken, err := CreateToken(testSigningKey, 7, time.Hour)
	require.NoError(t, err)
	otherKeyToken, err := CreateToken([]byte("other"), 7, time.Hour)
	require.NoError(t, err)
	expiredToken, err := CreateToken(testSigningKey, 7, -time.Hour)
	require.NoError(t, err)

	tcases := []struct {
		name              string
		setAuth           func(r *http.Request)
		expectedCode      int
		expectedChallenge string
	}{
		{
			name:              "no token",
			setAuth:           func(r *http.Request) {},
			expectedCode:      http.StatusUnauthorized,
			expectedChallenge: "Bearer",
		},
		{
			name:         "bearer token",
			setAuth:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+validToken) },
			expectedCode: http.StatusCreated,
		},
		{
			name:         "cookie token",
			setAuth:      func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: validToken}) },
			expectedCode: http.StatusCreated,
		},
		{
			name:              "wrong signing key",
			setAuth:           func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+otherKeyToken) },
			expectedCode:      http.StatusUnauthorized,
			expectedChallenge: `Bearer error="invalid_token"`,
		},
		{
			name:              "expired token",
			setAuth:           func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expiredToken) },
			expectedCode:      http.StatusUnauthorized,
			expectedChallenge: `Bearer error="invalid_token"`,
		},
		{
			name:              "non-bearer scheme",
			setAuth:           func(r *http.Request) { r.Header.Set("Authorization", "Basic dXNlcjpwYXNz") },
			expectedCode:      http.StatusUnauthorized,
			expectedChallenge: `Bearer error="invalid_request"`,
		},
		{
			name:              "empty bearer token",
			setAuth:           func(r *http.Request) { r.Header.Set("Authorization", "Bearer ") },
			expectedCode:      http.StatusUnauthorized,
			expectedChallenge: `Bearer error="invalid_request"`,
		},
		{
			name: "lowercase scheme",
			setAuth: func(r *http.Request) {
				r.Header.Set("Authorization", "bearer "+validToken)
			},
			expectedCode: http.StatusCreated,
		},
		{
			name: "bad header is not masked by cookie",
			setAuth: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+expiredToken)
				r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: validToken})
			},
			expectedCode:      http.StatusUnauthorized,
			expectedChallenge: `Bearer error="invalid_token"`,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ta := newTestApp(t, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/rooms", nil)
			tc.setAuth(req)
			rr := ta.do(t, req)

			require.Equal(t, tc.expectedCode, rr.Code)
			if tc.expectedCode != http.StatusCreated {
				assert.Equal(t, tc.expectedChallenge, rr.Header().Get("WWW-Authenticate"))
				apiErr := decode[ApiError](t, rr)
				assert.Equal(t, "unauthorized", apiErr.Message)
				return
			}

			assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))

			room := decode[types.Room](t, rr)
			assert.NotEmpty(t, room.Id)
			assert.LessOrEqual(t, len(room.Id), 10)
			assert.Equal(t, database.DefaultCode, room.CodeContent)
			assert.Equal(t, "python", room.Language)
			require.NotNil(t, room.CreatedBy)
			assert.Equal(t, 7, *room.CreatedBy)

			evs, err := ta.repo.ListEvents(context.Background(), room.Id)
			require.NoError(t, err)
			require.Len(t, evs, 1)
			assert.Equal(t, store.EventCreateRoom, evs[0].EventType)
			assert.Equal(t, 7, evs[0].Payload["created_by"])
		})
	}
}

func TestGetRoom(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	rr := ta.do(t, httptest.NewRequest(http.MethodGet, "/api/rooms/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"status_code":404,"message":"not found"}`, rr.Body.String())

	_, err := ta.rooms.CreateOrGet(ctx, "abcd1234")
	require.NoError(t, err)
	problem, err := ta.rooms.Problem(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, ta.rooms.AttachProblem(ctx, "abcd1234", problem))

	rr = ta.do(t, httptest.NewRequest(http.MethodGet, "/api/rooms/abcd1234", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	room := decode[types.Room](t, rr)
	assert.Equal(t, "abcd1234", room.Id)
	require.NotNil(t, room.Problem)
	assert.Equal(t, "Reverse a String", room.Problem.Title)
	assert.Equal(t, room.Problem.TemplateCode, room.CodeContent)
}

func TestRoomRoutes_idTooLong(t *testing.T) {
	ta := newTestApp(t, nil)
	id := strings.Repeat("a", store.MaxRoomIdLen+1)

	for _, path := range []string{
		"/api/rooms/" + id,
		"/api/rooms/" + id + "/presence",
		"/api/sessions/" + id + "/timeline",
		"/api/sessions/" + id + "/summary",
	} {
		t.Run(path, func(t *testing.T) {
			rr := ta.do(t, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.JSONEq(t, `{"status_code":400,"message":"bad request"}`, rr.Body.String())
		})
	}
}

func TestGetPresence(t *testing.T) {
	ta := newTestApp(t, nil)

	rr := ta.do(t, httptest.NewRequest(http.MethodGet, "/api/rooms/abcd1234/presence", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"room_id":"abcd1234","users":[]}`, rr.Body.String())
}

func TestListProblems(t *testing.T) {
	ta := newTestApp(t, nil)

	rr := ta.do(t, httptest.NewRequest(http.MethodGet, "/api/problems", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	problems := decode[[]types.ProblemSummary](t, rr)
	require.Len(t, problems, 2)
	assert.Equal(t, "Reverse a String", problems[0].Title)
	assert.Equal(t, "Two Sum", problems[1].Title)
}

func TestSessionEndpoints(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	require.NoError(t, ta.events.Append(ctx, "room", store.EventJoin, map[string]any{"username": "alice"}))
	require.NoError(t, ta.events.Append(ctx, "room", store.EventCodeChange, map[string]any{"length": 3}))
	require.NoError(t, ta.events.Append(ctx, "room", store.EventCodeChange, map[string]any{"length": 4}))

	rr := ta.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/room/timeline", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	timeline := decode[types.Timeline](t, rr)
	assert.Equal(t, "room", timeline.RoomId)
	assert.Equal(t, 3, timeline.TotalEvents)
	assert.Equal(t, store.EventJoin, timeline.Timeline[0].EventType)

	rr = ta.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/room/summary", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decode[types.Summary](t, rr)
	assert.Equal(t, map[string]int{"join": 1, "code_change": 2}, summary.EventCounts)
	assert.NotNil(t, summary.SessionStart)

	rr = ta.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/empty/summary", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	empty := decode[types.Summary](t, rr)
	assert.Equal(t, 0, empty.TotalEvents)
	assert.Nil(t, empty.DurationMinutes)
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ta := newTestApp(t, nil)

		rr := ta.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"ok","rooms":0}`, rr.Body.String())
	})

	t.Run("database unreachable", func(t *testing.T) {
		db := new(database.MockCodeCollabRepository)
		db.On("Ping").Return(errors.New("connection refused"))
		ta := newTestApp(t, db)

		rr := ta.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		db.AssertExpectations(t)
	})
}

func TestCORS(t *testing.T) {
	ta := newTestApp(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/problems", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := ta.do(t, req)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/problems", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = ta.do(t, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestErrorHandler_PanicRecovery(t *testing.T) {
	ta := newTestApp(t, nil)

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	ta.app.errorHandler(panicHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.JSONEq(t, `{"status_code":500,"message":"internal server error"}`, rr.Body.String())
}

func TestErrorHandler_NoPanic(t *testing.T) {
	ta := newTestApp(t, nil)

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	ta.app.errorHandler(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func TestUserId(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		userId   int
		expected bool
	}{
		{
			name:     "no user ID",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "user ID set",
			ctx:      WithUserId(context.Background(), 42),
			userId:   42,
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, ok := UserId(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected UserId to return %v", tc.expected)
			assert.Equal(t, tc.userId, userId, "expected UserId to return %d", tc.userId)
		})
	}
}

func TestServeWs(t *testing.T) {
	ta := newTestApp(t, nil)
	srv := httptest.NewServer(ta.app.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("rejects unknown origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("greets allowed origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://localhost:3000"}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg struct {
			Event string           `json:"event"`
			Data  server.Connected `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, server.EventConnected, msg.Event)
		assert.NotEmpty(t, msg.Data.ConnectionId)
	})
}
