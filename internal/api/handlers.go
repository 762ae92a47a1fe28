package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/codecollab/internal/server"
	"github.com/npezzotti/codecollab/internal/store"
	"github.com/npezzotti/codecollab/internal/types"
)

const healthTimeout = 2 * time.Second

type PresenceResponse struct {
	RoomId string           `json:"room_id"`
	Users  []types.Presence `json:"users"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

func (s *CodeCollabApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *CodeCollabApp) writeError(w http.ResponseWriter, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *CodeCollabApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.rooms.Create(r.Context(), &userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.events.Append(r.Context(), room.Id, store.EventCreateRoom, map[string]any{
		"created_by": userId,
	}); err != nil {
		s.log.Error().Err(err).Str("room_id", room.Id).Msg("failed to log room creation")
	}

	s.writeJson(w, http.StatusCreated, types.Room{
		Id:          room.Id,
		CodeContent: room.CodeContent,
		CreatedBy:   room.CreatedBy,
		Language:    room.Language,
	})
}

// roomIdParam rejects ids that can never name a stored room.
func (s *CodeCollabApp) roomIdParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if len(id) > store.MaxRoomIdLen {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return "", false
	}

	return id, true
}

func (s *CodeCollabApp) getRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := s.roomIdParam(w, r)
	if !ok {
		return
	}

	room, err := s.rooms.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *CodeCollabApp) getPresence(w http.ResponseWriter, r *http.Request) {
	id, ok := s.roomIdParam(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, PresenceResponse{
		RoomId: id,
		Users:  s.hub.Presence(id),
	})
}

func (s *CodeCollabApp) listProblems(w http.ResponseWriter, r *http.Request) {
	problems, err := s.rooms.Problems(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, problems)
}

func (s *CodeCollabApp) getTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.roomIdParam(w, r)
	if !ok {
		return
	}

	timeline, err := s.events.Timeline(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, timeline)
}

func (s *CodeCollabApp) getSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.roomIdParam(w, r)
	if !ok {
		return
	}

	summary, err := s.events.Summary(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, summary)
}

func (s *CodeCollabApp) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("health check failed")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, HealthResponse{Status: "ok", Rooms: s.hub.NumRooms()})
}

func (s *CodeCollabApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	server.NewClient(conn, s.hub, s.log).Serve()
}
