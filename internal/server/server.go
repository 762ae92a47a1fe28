// Package server fans realtime room events out to websocket clients. Each
// room is owned by one goroutine; rooms never share a lock.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/codecollab/internal/judge"
	"github.com/npezzotti/codecollab/internal/sandbox"
	"github.com/npezzotti/codecollab/internal/stats"
	"github.com/npezzotti/codecollab/internal/store"
	"github.com/npezzotti/codecollab/internal/types"
	"github.com/npezzotti/codecollab/internal/worker"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultIdleRoomTimeout = 30 * time.Second

	metricActiveConnections = "active_connections"
	metricActiveRooms       = "active_rooms"
	metricProcessedMessages = "processed_messages"
	metricDroppedMessages   = "dropped_messages"

	// routeAttempts bounds the retries when a room unloads between lookup
	// and send.
	routeAttempts = 3
)

var ErrServerClosed = errors.New("server closed")

type Config struct {
	Rooms       *store.RoomStore
	Events      *store.EventLog
	Sandbox     sandbox.Sandbox
	Judge       *judge.Judge
	Pool        *worker.Pool
	Stats       stats.StatsProvider
	IdleTimeout time.Duration
}

type Hub struct {
	log     zerolog.Logger
	rooms   *store.RoomStore
	events  *store.EventLog
	sandbox sandbox.Sandbox
	judge   *judge.Judge
	pool    *worker.Pool
	stats   stats.StatsProvider

	idleTimeout time.Duration
	active      *xsync.MapOf[string, *Room]
	clients     *xsync.MapOf[string, *Client]

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   chan struct{}
	stopOnce sync.Once
}

func NewHub(logger zerolog.Logger, cfg Config) *Hub {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleRoomTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		log:         logger.With().Str("component", "hub").Logger(),
		rooms:       cfg.Rooms,
		events:      cfg.Events,
		sandbox:     cfg.Sandbox,
		judge:       cfg.Judge,
		pool:        cfg.Pool,
		stats:       cfg.Stats,
		idleTimeout: idle,
		active:      xsync.NewMapOf[string, *Room](),
		clients:     xsync.NewMapOf[string, *Client](),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}
	h.initMetrics()

	return h
}

func (h *Hub) initMetrics() {
	h.stats.RegisterMetric(metricActiveConnections)
	h.stats.RegisterMetric(metricActiveRooms)
	h.stats.RegisterMetric(metricProcessedMessages)
	h.stats.RegisterMetric(metricDroppedMessages)
}

// loadRoom returns the live room for id, starting its goroutine on first use.
func (h *Hub) loadRoom(id string) (*Room, error) {
	select {
	case <-h.closed:
		return nil, ErrServerClosed
	default:
	}

	r, loaded := h.active.LoadOrCompute(id, func() *Room {
		return newRoom(id, h)
	})
	if !loaded {
		h.stats.Incr(metricActiveRooms)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			r.start()
		}()
	}
	return r, nil
}

// removeRoom drops r from the registry unless a newer room took its id.
func (h *Hub) removeRoom(r *Room) {
	removed := false
	h.active.Compute(r.id, func(old *Room, loaded bool) (*Room, bool) {
		removed = loaded && old == r
		return old, !loaded || removed
	})
	if removed {
		h.stats.Decr(metricActiveRooms)
	}
}

// route hands msg to its room.
func (h *Hub) route(msg *ClientMessage) error {
	for range routeAttempts {
		r, err := h.loadRoom(msg.RoomId)
		if err != nil {
			return err
		}

		err = r.send(msg)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		if err != nil {
			h.stats.Incr(metricDroppedMessages)
		}
		return err
	}
	return errRoomClosed
}

func (h *Hub) registerClient(c *Client) {
	h.clients.Store(c.id, c)
	h.stats.Incr(metricActiveConnections)
}

func (h *Hub) deregisterClient(c *Client) {
	if _, ok := h.clients.LoadAndDelete(c.id); ok {
		h.stats.Decr(metricActiveConnections)
	}
}

// Presence returns the presence rows of a loaded room. A room with no live
// goroutine has nobody present.
func (h *Hub) Presence(roomId string) []types.Presence {
	r, ok := h.active.Load(roomId)
	if !ok {
		return []types.Presence{}
	}
	return r.presence.Snapshot()
}

func (h *Hub) NumRooms() int {
	return h.active.Size()
}

// Shutdown disconnects every client and stops every room goroutine.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Info().Msg("received shutdown signal")
	h.stopOnce.Do(func() {
		close(h.closed)

		h.clients.Range(func(_ string, c *Client) bool {
			c.stopClient()
			return true
		})

		h.active.Range(func(id string, r *Room) bool {
			h.log.Debug().Str("room_id", id).Msg("shutting down room")
			r.stop()
			return true
		})
	})

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}
}
