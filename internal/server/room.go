package server

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/npezzotti/codecollab/internal/judge"
	"github.com/npezzotti/codecollab/internal/presence"
	"github.com/npezzotti/codecollab/internal/sandbox"
	"github.com/npezzotti/codecollab/internal/store"
	"github.com/npezzotti/codecollab/internal/types"
	"github.com/npezzotti/codecollab/internal/worker"
	"github.com/rs/zerolog"
)

const (
	inboxSize    = 256
	resultsSize  = 16
	storeTimeout = 5 * time.Second

	msgQueueFull     = "Execution queue is full. Please try again."
	msgRoomNotFound  = "Room not found."
	msgProblemAbsent = "Problem not found."
	msgInternal      = "Internal server error."
	msgJobFailed     = "Execution failed unexpectedly. Please try again."
)

var (
	errRoomClosed = errors.New("room closed")
	errRoomBusy   = errors.New("room inbox full")
)

// jobResult carries a finished sandbox job back into the room goroutine.
type jobResult struct {
	kind     string
	language string
	sender   *Client
	output   sandbox.Output
	err      error
	verdict  judge.Result
}

// Room serializes every mutation and broadcast for one room id. Exactly one
// goroutine (start) touches subscribers, owners and pending.
type Room struct {
	id  string
	hub *Hub
	log zerolog.Logger

	inbox   chan *ClientMessage
	results chan *jobResult

	subscribers map[*Client]struct{}
	// owners maps a connection to the usernames it registered presence for.
	owners   map[*Client]mapset.Set[string]
	presence *presence.Tracker
	pending  int

	// closed is set under mu once the room has been unloaded; send checks
	// it under the read lock.
	mu     sync.RWMutex
	closed bool

	killTimer *time.Timer
	exit      chan struct{}
	exitOnce  sync.Once
	done      chan struct{}
}

func newRoom(id string, hub *Hub) *Room {
	return &Room{
		id:          id,
		hub:         hub,
		log:         hub.log.With().Str("room_id", id).Logger(),
		inbox:       make(chan *ClientMessage, inboxSize),
		results:     make(chan *jobResult, resultsSize),
		subscribers: make(map[*Client]struct{}),
		owners:      make(map[*Client]mapset.Set[string]),
		presence:    presence.NewTracker(),
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// send queues msg for the room goroutine without blocking.
func (r *Room) send(msg *ClientMessage) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return errRoomClosed
	}

	select {
	case r.inbox <- msg:
		return nil
	default:
		return errRoomBusy
	}
}

// deliver hands a job result back. Rooms with pending jobs are never
// unloaded, so only shutdown can make the room go away first.
func (r *Room) deliver(res *jobResult) {
	select {
	case r.results <- res:
	case <-r.done:
	}
}

func (r *Room) stop() {
	r.exitOnce.Do(func() { close(r.exit) })
}

func (r *Room) start() {
	defer close(r.done)

	r.log.Debug().Msg("starting room")
	r.killTimer = time.NewTimer(r.hub.idleTimeout)
	defer r.killTimer.Stop()

	for {
		select {
		case msg := <-r.inbox:
			r.handleMessage(msg)
		case res := <-r.results:
			r.handleResult(res)
		case <-r.killTimer.C:
			if r.tryUnload() {
				return
			}
			continue
		case <-r.exit:
			r.log.Debug().Msg("room is exiting")
			return
		}

		if r.idle() {
			r.killTimer.Reset(r.hub.idleTimeout)
		} else {
			r.killTimer.Stop()
		}
	}
}

func (r *Room) idle() bool {
	return len(r.subscribers) == 0 && len(r.owners) == 0 && r.pending == 0 && r.presence.Len() == 0
}

// tryUnload removes the room from the hub when nothing references it. Once
// closed is set no sender can be mid-way through queueing a message.
func (r *Room) tryUnload() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.idle() || len(r.inbox) > 0 || len(r.results) > 0 {
		return false
	}

	r.closed = true
	r.hub.rooms.Unload(r.id)
	r.hub.removeRoom(r)
	r.log.Info().Msg("unloaded idle room")
	return true
}

func (r *Room) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.hub.ctx, storeTimeout)
}

func (r *Room) handleMessage(msg *ClientMessage) {
	if msg.detach {
		r.handleDetach(msg.client)
		return
	}

	r.hub.stats.Incr(metricProcessedMessages)

	switch p := msg.Payload.(type) {
	case *JoinRoom:
		r.handleJoin(msg.client, p)
	case *LeaveRoom:
		r.handleLeave(msg.client, p)
	case *CodeChange:
		r.handleCodeChange(msg.client, p)
	case *LanguageChange:
		r.handleLanguageChange(msg.client, p)
	case *LoadProblem:
		r.handleLoadProblem(msg.client, p)
	case *ExecuteCode:
		r.handleExecute(msg.client, p)
	case *SubmitCode:
		r.handleSubmit(msg.client, p)
	case *CursorMove:
		r.handleCursorMove(msg.client, p)
	case *SelectionChange:
		r.handleSelectionChange(msg.client, p)
	case *Typing:
		r.handleTyping(msg.client, p)
	case *PresenceInit:
		r.own(msg.client, p.Username)
		r.presence.Upsert(p.Username, presence.Update{})
		r.broadcastSnapshot()
	case *PresenceLeave:
		r.disown(msg.client, p.Username)
		r.presence.Remove(p.Username)
		r.broadcastSnapshot()
	case *RequestExistingUsers:
		r.handleExistingUsers(msg.client)
	default:
		r.log.Warn().Str("event", msg.Event).Msg("unhandled message")
	}
}

func (r *Room) handleJoin(c *Client, join *JoinRoom) {
	username := join.Username
	if username == "" {
		username = defaultUsername
	}

	r.subscribe(c)
	r.own(c, username)

	// direct navigation to an unknown id creates the room
	ctx, cancel := r.ctx()
	_, err := r.hub.rooms.CreateOrGet(ctx, r.id)
	cancel()
	if err != nil {
		r.log.Error().Err(err).Msg("failed to create room on join")
	}

	// the snapshot goes out before anything else so the joiner sees every
	// presence row committed so far
	r.presence.Upsert(username, presence.Update{})
	r.broadcastSnapshot()

	r.appendEvent(store.EventJoin, map[string]any{"username": username})

	r.broadcast(&ServerMessage{
		Event:      EventUserJoined,
		Data:       UserEvent{Username: username},
		SkipClient: c,
	})
}

func (r *Room) handleLeave(c *Client, leave *LeaveRoom) {
	r.unsubscribe(c)

	r.appendEvent(store.EventLeave, map[string]any{"username": leave.Username})
	r.broadcast(newMessage(EventUserLeft, UserEvent{Username: leave.Username}))

	r.disown(c, leave.Username)
	r.presence.Remove(leave.Username)
	r.broadcastSnapshot()

	ctx, cancel := r.ctx()
	defer cancel()

	if _, err := r.hub.rooms.Get(ctx, r.id); err != nil {
		if !errors.Is(err, store.ErrRoomNotFound) {
			r.log.Error().Err(err).Msg("failed to load room on leave")
		}
		return
	}

	if err := r.hub.rooms.ClearProblem(ctx, r.id); err != nil {
		r.log.Error().Err(err).Msg("failed to clear problem")
		return
	}
	r.broadcast(newMessage(EventLobbyActivated, struct{}{}))
}

func (r *Room) handleCodeChange(c *Client, change *CodeChange) {
	code := change.Source()
	if code == "" {
		return
	}

	ctx, cancel := r.ctx()
	defer cancel()

	applied, err := r.hub.rooms.SetCode(ctx, r.id, code, change.MessageId.Key())
	if err != nil {
		r.log.Error().Err(err).Msg("failed to save code")
		r.reply(c, newMessage(EventError, ErrorMessage{Message: msgInternal}))
		return
	}
	if !applied {
		return
	}

	r.appendEvent(store.EventCodeChange, map[string]any{
		"message_id": change.MessageId.Value(),
		"length":     utf8.RuneCountInString(code),
	})

	r.broadcast(&ServerMessage{
		Event:      EventCodeUpdate,
		Data:       CodeUpdate{CodeContent: code, MessageId: change.MessageId},
		SkipClient: c,
	})
}

func (r *Room) handleLanguageChange(c *Client, change *LanguageChange) {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.hub.rooms.SetLanguage(ctx, r.id, change.Language); err != nil {
		r.log.Error().Err(err).Msg("failed to save language")
		r.reply(c, newMessage(EventError, ErrorMessage{Message: msgInternal}))
		return
	}

	r.appendEvent(store.EventLanguageChange, map[string]any{"language": change.Language})

	r.broadcast(&ServerMessage{
		Event:      EventLanguageUpdated,
		Data:       LanguageUpdated{Language: change.Language},
		SkipClient: c,
	})
}

func (r *Room) handleLoadProblem(c *Client, load *LoadProblem) {
	ctx, cancel := r.ctx()
	defer cancel()

	problem, err := r.hub.rooms.Problem(ctx, int(load.ProblemId))
	if err != nil {
		if errors.Is(err, store.ErrProblemNotFound) {
			r.reply(c, newMessage(EventError, ErrorMessage{Message: msgProblemAbsent}))
			return
		}
		r.log.Error().Err(err).Msg("failed to load problem")
		r.reply(c, newMessage(EventError, ErrorMessage{Message: msgInternal}))
		return
	}

	if err := r.hub.rooms.AttachProblem(ctx, r.id, problem); err != nil {
		r.log.Error().Err(err).Msg("failed to attach problem")
		r.reply(c, newMessage(EventError, ErrorMessage{Message: msgInternal}))
		return
	}

	room, err := r.hub.rooms.Get(ctx, r.id)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to reload room")
		return
	}

	r.appendEvent(store.EventLoadProblem, map[string]any{"problem_id": problem.Id})

	r.broadcast(newMessage(EventProblemLoaded, ProblemLoaded{
		Id:          room.Id,
		CodeContent: room.CodeContent,
		Language:    room.Language,
		Problem: &types.ProblemDetails{
			Title:        problem.Title,
			Description:  problem.Description,
			TemplateCode: problem.TemplateCode,
		},
	}))
}

func (r *Room) handleExecute(c *Client, exec *ExecuteCode) {
	ctx, cancel := r.ctx()
	defer cancel()

	if _, err := r.hub.rooms.Get(ctx, r.id); err != nil {
		r.replyLookupError(c, err)
		return
	}

	lang := exec.language()
	req := sandbox.Request{Language: lang, Source: exec.Code}
	r.submitJob(c, worker.KindRun, lang, func(ctx context.Context) *jobResult {
		out, err := r.hub.sandbox.Run(ctx, req)
		return &jobResult{output: out, err: err}
	}, func() {
		r.reply(c, newMessage(EventExecutionResult, ExecutionResult{Error: msgQueueFull}))
	})
}

func (r *Room) handleSubmit(c *Client, sub *SubmitCode) {
	ctx, cancel := r.ctx()
	defer cancel()

	room, err := r.hub.rooms.Get(ctx, r.id)
	if err != nil && !errors.Is(err, store.ErrRoomNotFound) {
		r.replyLookupError(c, err)
		return
	}

	if room.ProblemId == nil {
		r.broadcastOrReply(c, newMessage(EventSubmitResult, SubmitResult{
			Verdict: string(judge.Error),
			Details: judge.MsgNoProblem,
		}))
		return
	}

	lang := sub.language()
	submission := judge.Submission{ProblemId: room.ProblemId, Code: sub.Code, Language: lang}
	r.submitJob(c, worker.KindSubmit, lang, func(ctx context.Context) *jobResult {
		return &jobResult{verdict: r.hub.judge.Judge(ctx, submission)}
	}, func() {
		r.reply(c, newMessage(EventSubmitResult, SubmitResult{Verdict: string(judge.Error), Details: msgQueueFull}))
	})
}

// submitJob runs fn on the worker pool and routes its result back through
// the room goroutine. rejected is called when the pool cannot take the job.
func (r *Room) submitJob(c *Client, kind, lang string, fn func(ctx context.Context) *jobResult, rejected func()) {
	job := worker.Job{
		Id:       uuid.NewString(),
		RoomId:   r.id,
		Kind:     kind,
		Language: lang,
		Run: func(ctx context.Context) (status string) {
			// a panicking job still reports back, or pending never drops
			defer func() {
				if p := recover(); p != nil {
					r.log.Error().Interface("panic", p).Str("kind", kind).Msg("job panicked")
					res := &jobResult{
						kind:     kind,
						language: lang,
						sender:   c,
						output:   sandbox.Output{Stderr: msgJobFailed},
						verdict:  judge.Result{Verdict: judge.Error, Details: msgJobFailed},
					}
					r.deliver(res)
					status = "panic"
				}
			}()

			res := fn(ctx)
			res.kind = kind
			res.language = lang
			res.sender = c
			r.deliver(res)
			return res.status()
		},
	}

	if err := r.hub.pool.Submit(job); err != nil {
		r.log.Warn().Err(err).Str("kind", kind).Msg("job rejected")
		rejected()
		return
	}
	r.pending++
}

func (res *jobResult) status() string {
	switch {
	case res.kind == worker.KindSubmit:
		return string(res.verdict.Verdict)
	case errors.Is(res.err, sandbox.ErrTimeout):
		return "timeout"
	case res.err != nil:
		return "error"
	case res.output.Stderr != "":
		return "stderr"
	}
	return "ok"
}

func (r *Room) handleResult(res *jobResult) {
	r.pending--

	switch res.kind {
	case worker.KindRun:
		out := ExecutionResult{Output: res.output.Stdout, Error: res.output.Stderr}
		if res.err != nil {
			out = ExecutionResult{Error: res.err.Error()}
		}
		r.broadcastOrReply(res.sender, newMessage(EventExecutionResult, out))
		r.appendEvent(store.EventRun, map[string]any{
			"language":  res.language,
			"has_error": out.Error != "",
		})
	case worker.KindSubmit:
		r.broadcastOrReply(res.sender, newMessage(EventSubmitResult, SubmitResult{
			Verdict: string(res.verdict.Verdict),
			Details: res.verdict.Details,
		}))
		// precondition failures never reached the sandbox and are not logged
		if res.verdict.Total > 0 {
			r.appendEvent(store.EventSubmit, map[string]any{"verdict": string(res.verdict.Verdict)})
		}
	}
}

func (r *Room) handleCursorMove(c *Client, move *CursorMove) {
	cursor := types.Position{Line: move.Line, Column: move.Column}
	r.own(c, move.Username)
	r.presence.Upsert(move.Username, presence.Update{Cursor: &cursor})

	r.broadcast(&ServerMessage{
		Event:      EventPresenceCursor,
		Data:       PresenceCursor{Username: move.Username, Cursor: cursor},
		SkipClient: c,
	})
}

func (r *Room) handleSelectionChange(c *Client, change *SelectionChange) {
	sel := types.Selection{Start: change.Start.position(), End: change.End.position()}
	r.own(c, change.Username)
	r.presence.Upsert(change.Username, presence.Update{Selection: &sel})

	r.broadcast(&ServerMessage{
		Event:      EventPresenceSelection,
		Data:       PresenceSelection{Username: change.Username, Start: sel.Start, End: sel.End},
		SkipClient: c,
	})
}

func (r *Room) handleTyping(c *Client, typing *Typing) {
	isTyping := typing.IsTyping
	r.own(c, typing.Username)
	r.presence.Upsert(typing.Username, presence.Update{IsTyping: &isTyping})

	r.broadcast(&ServerMessage{
		Event:      EventPresenceTyping,
		Data:       PresenceTyping{Username: typing.Username, IsTyping: isTyping},
		SkipClient: c,
	})
}

func (r *Room) handleExistingUsers(c *Client) {
	snapshot := r.presence.Snapshot()
	users := make([]ExistingUser, len(snapshot))
	for i, p := range snapshot {
		users[i] = ExistingUser{Id: i, Username: p.Username, Color: p.Color}
	}
	r.reply(c, newMessage(EventExistingUsers, ExistingUsers{Users: users}))
}

// handleDetach forgets a closed connection and drops the presence rows it
// registered.
func (r *Room) handleDetach(c *Client) {
	r.unsubscribe(c)

	names, ok := r.owners[c]
	if !ok {
		return
	}
	delete(r.owners, c)

	removed := false
	for name := range names.Iter() {
		if r.ownedElsewhere(name) {
			continue
		}
		if r.presence.Remove(name) {
			removed = true
		}
	}
	if removed {
		r.broadcastSnapshot()
	}
}

func (r *Room) ownedElsewhere(name string) bool {
	for _, names := range r.owners {
		if names.Contains(name) {
			return true
		}
	}
	return false
}

func (r *Room) subscribe(c *Client) {
	if c == nil {
		return
	}
	if _, ok := r.subscribers[c]; ok {
		return
	}
	r.subscribers[c] = struct{}{}
	r.log.Debug().Str("connection_id", c.id).Msg("client subscribed")
}

func (r *Room) unsubscribe(c *Client) {
	if _, ok := r.subscribers[c]; !ok {
		return
	}
	delete(r.subscribers, c)
	r.log.Debug().Str("connection_id", c.id).Msg("client unsubscribed")
}

func (r *Room) own(c *Client, username string) {
	if c == nil {
		return
	}
	names, ok := r.owners[c]
	if !ok {
		names = mapset.NewThreadUnsafeSet[string]()
		r.owners[c] = names
	}
	names.Add(username)
}

func (r *Room) disown(c *Client, username string) {
	names, ok := r.owners[c]
	if !ok {
		return
	}
	names.Remove(username)
	if names.IsEmpty() {
		delete(r.owners, c)
	}
}

func (r *Room) appendEvent(eventType string, payload map[string]any) {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.hub.events.Append(ctx, r.id, eventType, payload); err != nil {
		r.log.Error().Err(err).Str("event_type", eventType).Msg("failed to append session event")
	}
}

func (r *Room) replyLookupError(c *Client, err error) {
	if errors.Is(err, store.ErrRoomNotFound) {
		r.reply(c, newMessage(EventError, ErrorMessage{Message: msgRoomNotFound}))
		return
	}
	r.log.Error().Err(err).Msg("failed to load room")
	r.reply(c, newMessage(EventError, ErrorMessage{Message: msgInternal}))
}

func (r *Room) reply(c *Client, msg *ServerMessage) {
	if c == nil {
		return
	}
	c.queueMessage(msg)
}

// broadcastOrReply sends msg to the room, or straight to the sender when it
// is not subscribed and would otherwise never see the result.
func (r *Room) broadcastOrReply(sender *Client, msg *ServerMessage) {
	r.broadcast(msg)
	if _, ok := r.subscribers[sender]; !ok {
		r.reply(sender, msg)
	}
}

func (r *Room) broadcastSnapshot() {
	r.broadcast(newMessage(EventPresenceSnapshot, PresenceSnapshot{
		RoomId: r.id,
		Users:  r.presence.Snapshot(),
	}))
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.log.Debug().Str("event", msg.Event).Int("subscribers", len(r.subscribers)).Msg("broadcast")
	for client := range r.subscribers {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
