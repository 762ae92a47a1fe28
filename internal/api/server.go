package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/codecollab/internal/config"
	"github.com/npezzotti/codecollab/internal/server"
	"github.com/npezzotti/codecollab/internal/store"
	"github.com/rs/zerolog"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type CodeCollabApp struct {
	log            zerolog.Logger
	srv            *http.Server
	hub            *server.Hub
	rooms          *store.RoomStore
	events         *store.EventLog
	db             Pinger
	signingKey     []byte
	allowedOrigins []string
}

// NewCodeCollabApp mounts the API on mux. Handlers already registered on mux
// (such as /metrics) are served by the same listener.
func NewCodeCollabApp(mux *http.ServeMux, logger zerolog.Logger, hub *server.Hub, rooms *store.RoomStore,
	events *store.EventLog, db Pinger, cfg *config.Config) *CodeCollabApp {
	s := &CodeCollabApp{
		log:            logger.With().Str("component", "api").Logger(),
		hub:            hub,
		rooms:          rooms,
		events:         events,
		db:             db,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.HandleFunc("GET /api/rooms/{id}", s.getRoom)
	mux.HandleFunc("GET /api/rooms/{id}/presence", s.getPresence)
	mux.HandleFunc("GET /api/problems", s.listProblems)
	mux.HandleFunc("GET /api/sessions/{id}/timeline", s.getTimeline)
	mux.HandleFunc("GET /api/sessions/{id}/summary", s.getSummary)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CombinedLoggingHandler(s.log.With().Str("component", "access").Logger(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *CodeCollabApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *CodeCollabApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *CodeCollabApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
