package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/npezzotti/pairroom/internal/database"
	"github.com/npezzotti/pairroom/internal/ratelimit"
	"github.com/npezzotti/pairroom/internal/stats"
	"github.com/npezzotti/pairroom/internal/types"
)

const (
	defaultHistoryLimit = 50
	storageTimeout      = 5 * time.Second
	joinRoomsTimeout    = 10 * time.Second
)

type unloadRoomRequest struct {
	roomId string
	force  bool
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log            *zap.Logger
	db             database.GoChatRepository
	stats          stats.StatsProvider
	limiter        ratelimit.Limiter
	historyLimit   int
	clients        map[*Client]struct{}
	clientsLock    sync.RWMutex
	roomsMap       sync.Map
	numRooms       int
	roomsLock      sync.Mutex
	routeChan      chan *ClientMessage
	unloadRoomChan chan unloadRoomRequest
	stop           chan stopReq
}

type Option func(*ChatServer)

// WithLimiter rate limits send-message per user.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(cs *ChatServer) { cs.limiter = l }
}

func WithHistoryLimit(n int) Option {
	return func(cs *ChatServer) {
		if n > 0 {
			cs.historyLimit = n
		}
	}
}

func NewChatServer(logger *zap.Logger, db database.GoChatRepository, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("repository cannot be nil")
	}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		limiter:        ratelimit.Noop{},
		historyLimit:   defaultHistoryLimit,
		clients:        make(map[*Client]struct{}),
		routeChan:      make(chan *ClientMessage, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 64),
		stop:           make(chan stopReq),
	}

	for _, opt := range opts {
		opt(cs)
	}

	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumActiveRooms)
	su.RegisterMetric(stats.MessagesSent)
	su.RegisterMetric(stats.CallsStarted)

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case msg := <-cs.routeChan:
			cs.handleRoute(msg)
		case req := <-cs.unloadRoomChan:
			cs.unloadRoom(req.roomId, req.force)
		case req := <-cs.stop:
			cs.log.Info("shutting down chat server")
			cs.stopClients()
			cs.unloadAllRooms()
			close(req.done)
			return
		}
	}
}

// handleRoute forwards a room-scoped message to its hub, loading the hub
// first when needed. Hubs are keyed by the canonical room id.
func (cs *ChatServer) handleRoute(msg *ClientMessage) {
	msg.RoomId = canonicalRoomId(msg.RoomId)

	room, ok := cs.getRoom(msg.RoomId)
	if !ok {
		switch {
		case msg.unsubscribe, msg.Event == types.EventLeaveRoom:
			// nobody is connected, so there is nobody to notify
			return
		case requiresSubscription(msg.Event):
			msg.client.queueMessage(ErrorEvent(errNotInRoom))
			return
		}

		var err error
		room, err = cs.loadRoom(msg.RoomId)
		if err != nil {
			cs.rejectRoute(msg, err)
			return
		}
	}

	select {
	case room.inbox <- msg:
	default:
		cs.log.Warn("room queue full", zap.String("room_id", room.externalId), zap.String("event", msg.Event))
		cs.rejectRoute(msg, errRoomBusy)
	}
}

var errRoomBusy = errors.New("room queue full")

// requiresSubscription reports whether the event only makes sense for a
// connection already subscribed to the room.
func requiresSubscription(event string) bool {
	switch event {
	case types.EventTypingStart, types.EventTypingStop,
		types.EventAcceptCall, types.EventRejectCall, types.EventEndCall:
		return true
	}
	return false
}

func (cs *ChatServer) rejectRoute(msg *ClientMessage, err error) {
	if msg.ack != nil {
		msg.ack <- false
		return
	}
	if msg.client == nil {
		return
	}

	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, errInvalidRoomId):
		msg.client.queueMessage(ErrorEvent(errAccessDenied))
	case errors.Is(err, errRoomBusy):
		msg.client.queueMessage(ErrorEvent(errUnavailable))
	default:
		cs.log.Error("failed to load room", zap.String("room_id", msg.RoomId), zap.Error(err))
		msg.client.queueMessage(ErrorEvent(failureText(msg.Event)))
	}
}

var errInvalidRoomId = errors.New("invalid room id")

func (cs *ChatServer) loadRoom(roomId string) (*Room, error) {
	id, err := uuid.Parse(roomId)
	if err != nil {
		return nil, errInvalidRoomId
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	dbRoom, err := cs.db.GetRoomById(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}

	room := newRoom(cs, dbRoom)
	cs.addRoom(room.externalId, room)
	go room.start()

	return room, nil
}

func failureText(event string) string {
	switch event {
	case types.EventSendMessage:
		return errSendFailed
	case types.EventInitCall:
		return errCallFailed
	default:
		return errJoinFailed
	}
}

func (cs *ChatServer) addRoom(id string, r *Room) {
	cs.roomsMap.Store(id, r)

	cs.roomsLock.Lock()
	cs.numRooms++
	cs.roomsLock.Unlock()
	cs.stats.Incr(stats.NumActiveRooms)
}

func (cs *ChatServer) getRoom(id string) (*Room, bool) {
	r, ok := cs.roomsMap.Load(id)
	if !ok {
		return nil, false
	}
	return r.(*Room), true
}

func (cs *ChatServer) removeRoom(id string) {
	if _, loaded := cs.roomsMap.LoadAndDelete(id); !loaded {
		return
	}

	cs.roomsLock.Lock()
	cs.numRooms--
	cs.roomsLock.Unlock()
	cs.stats.Decr(stats.NumActiveRooms)
}

// unloadRoom asks the hub to exit. An idle hub that picked up work since
// requesting the unload declines unless force is set.
func (cs *ChatServer) unloadRoom(roomId string, force bool) {
	r, ok := cs.getRoom(roomId)
	if !ok {
		return
	}

	done := make(chan bool, 1)
	r.exit <- exitReq{force: force, done: done}
	if <-done {
		cs.log.Debug("unloaded room", zap.String("room_id", roomId))
		cs.removeRoom(roomId)
	}
}

func (cs *ChatServer) unloadAllRooms() {
	var ids []string
	cs.roomsMap.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})

	for _, id := range ids {
		cs.unloadRoom(id, true)
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.NumActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(stats.NumActiveClients)
}

func (cs *ChatServer) stopClients() {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.clients {
		c.stopClient()
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.log.Info("client connected", zap.String("username", c.user.Username), zap.Stringer("user_id", c.user.Id))
	cs.addClient(c)
}

func (cs *ChatServer) DeRegisterClient(c *Client) {
	cs.log.Info("client disconnected", zap.String("username", c.user.Username), zap.Stringer("user_id", c.user.Id))
	cs.removeClient(c)
}

// RemoveMember detaches every connection of user from a loaded room hub and
// tells the remaining subscribers the user left. It is used when a member
// leaves the room through the REST API.
func (cs *ChatServer) RemoveMember(ctx context.Context, roomId uuid.UUID, user types.User) error {
	msg := &ClientMessage{
		Event:       types.EventLeaveRoom,
		RoomId:      roomId.String(),
		Timestamp:   types.Now(),
		unsubscribe: true,
		user:        user,
	}

	select {
	case cs.routeChan <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) UnloadRoom(ctx context.Context, roomId string, force bool) error {
	if roomId == "" {
		return fmt.Errorf("roomId cannot be empty")
	}

	select {
	case cs.unloadRoomChan <- unloadRoomRequest{roomId: roomId, force: force}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
