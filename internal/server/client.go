package server

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 256

	// cursor and typing updates arrive in bursts while a user types
	messagesPerSecond = 30
	messageBurst      = 60
)

type Client struct {
	id      string
	conn    *websocket.Conn
	hub     *Hub
	log     zerolog.Logger
	send    chan *ServerMessage
	limiter *rate.Limiter
	// rooms holds every room id this connection has sent a message to.
	rooms    mapset.Set[string]
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(conn *websocket.Conn, hub *Hub, l zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:      id,
		conn:    conn,
		hub:     hub,
		log:     l.With().Str("connection_id", id).Logger(),
		send:    make(chan *ServerMessage, sendQueueSize),
		limiter: rate.NewLimiter(messagesPerSecond, messageBurst),
		rooms:   mapset.NewSet[string](),
		stop:    make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

// Serve registers the client, greets it and runs both pumps until the
// connection closes.
func (c *Client) Serve() {
	c.hub.registerClient(c)
	c.queueMessage(newMessage(EventConnected, Connected{
		Message:      "Connected to server",
		ConnectionId: c.id,
	}))

	go c.Write()
	c.Read()
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Str("event", msg.Event).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		c.handleRaw(raw)
	}
}

// handleRaw drops anything that fails to parse or validate without telling
// the sender.
func (c *Client) handleRaw(raw []byte) {
	if !c.limiter.Allow() {
		c.log.Debug().Msg("rate limit exceeded, dropping message")
		c.hub.stats.Incr(metricDroppedMessages)
		return
	}

	msg, err := parseClientMessage(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping invalid message")
		c.hub.stats.Incr(metricDroppedMessages)
		return
	}
	msg.client = c

	c.rooms.Add(msg.RoomId)
	if err := c.hub.route(msg); err != nil {
		c.log.Warn().Err(err).Str("room_id", msg.RoomId).Str("event", msg.Event).Msg("failed to route message")
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("event", msg.Event).Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.hub.deregisterClient(c)
	c.leaveAllRooms()
	c.stopClient()
}

// leaveAllRooms tells every room this connection touched that it is gone.
func (c *Client) leaveAllRooms() {
	for _, roomId := range c.rooms.ToSlice() {
		err := c.hub.route(&ClientMessage{
			RoomId: roomId,
			client: c,
			detach: true,
		})
		if err != nil && err != ErrServerClosed {
			c.log.Warn().Err(err).Str("room_id", roomId).Msg("failed to detach from room")
		}
	}
}
