package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/npezzotti/pairroom/internal/access"
	"github.com/npezzotti/pairroom/internal/database"
	"github.com/npezzotti/pairroom/internal/stats"
	"github.com/npezzotti/pairroom/internal/types"
)

const (
	idleRoomTimeout = time.Second * 5
	roomInboxSize   = 512
)

type exitReq struct {
	force bool
	done  chan bool
}

// Room is the hub for one room. Its goroutine is the only one that touches
// storage on behalf of the room. Joins, leaves and events share one inbox,
// so each connection's events are handled in the order they arrived.
type Room struct {
	id         uuid.UUID
	externalId string
	name       string
	cs         *ChatServer
	inbox      chan *ClientMessage
	clients    map[*Client]struct{}
	clientLock sync.RWMutex
	log        *zap.Logger
	// killTimer unloads the room once no connection is subscribed
	killTimer *time.Timer
	exit      chan exitReq
}

func newRoom(cs *ChatServer, dbRoom database.Room) *Room {
	return &Room{
		id:         dbRoom.Id,
		externalId: dbRoom.Id.String(),
		name:       dbRoom.Name,
		cs:         cs,
		inbox:      make(chan *ClientMessage, roomInboxSize),
		clients:    make(map[*Client]struct{}),
		log:        cs.log.With(zap.String("room_id", dbRoom.Id.String())),
		exit:       make(chan exitReq, 1),
	}
}

func (r *Room) start() {
	r.log.Debug("starting room")
	r.killTimer = time.NewTimer(idleRoomTimeout)
	defer r.killTimer.Stop()

	for {
		select {
		case msg := <-r.inbox:
			r.handle(msg)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				return
			}
		}

		r.checkIdle()
	}
}

func (r *Room) checkIdle() {
	if r.clientCount() == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	} else {
		r.killTimer.Stop()
	}
}

func (r *Room) isIdle() bool {
	return r.clientCount() == 0 && len(r.inbox) == 0
}

func (r *Room) handle(msg *ClientMessage) {
	switch {
	case msg.unsubscribe, msg.Event == types.EventLeaveRoom:
		r.handleLeave(msg)
	case msg.Event == types.EventJoinRoom:
		r.handleJoin(msg)
	default:
		r.handleClientMessage(msg)
	}
}

func (r *Room) handleRoomTimeout() {
	if !r.isIdle() {
		return
	}

	r.log.Debug("room timed out")
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		r.log.Warn("unload queue full, keeping room loaded")
	}
}

// handleRoomExit reports whether the room goroutine should stop.
func (r *Room) handleRoomExit(e exitReq) bool {
	if !e.force && !r.isIdle() {
		e.done <- false
		return false
	}

	r.log.Debug("room is exiting")
	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
		delete(r.clients, c)
	}
	r.clientLock.Unlock()

	e.done <- true
	return true
}

func (r *Room) handleJoin(join *ClientMessage) {
	c := join.client

	if join.silent {
		ok := r.addClient(c)
		if join.ack != nil {
			join.ack <- ok
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	ok, err := access.CanAccessRoom(ctx, r.cs.db, c.user.Id, r.externalId)
	if err != nil {
		r.log.Error("membership check failed", zap.Stringer("user_id", c.user.Id), zap.Error(err))
		c.queueMessage(ErrorEvent(errJoinFailed))
		return
	}
	if !ok {
		c.queueMessage(ErrorEvent(errAccessDenied))
		return
	}

	msgs, err := r.cs.db.GetRecentMessages(ctx, r.id, r.cs.historyLimit)
	if err != nil {
		r.log.Error("failed to load history", zap.Error(err))
		c.queueMessage(ErrorEvent(errJoinFailed))
		return
	}

	if !r.addClient(c) {
		// disconnected while the join was queued
		return
	}
	c.queueMessage(NewEvent(types.EventMessageHistory, ToWireHistory(msgs)))

	r.broadcast(&ServerMessage{
		Event:      types.EventUserJoined,
		Data:       types.UserRef{UserId: c.user.Id, Username: c.user.Username},
		SkipClient: c,
	})
}

func (r *Room) handleLeave(leave *ClientMessage) {
	if leave.unsubscribe {
		for _, c := range r.clientsForUser(leave.user.Id) {
			r.removeClient(c)
		}

		r.broadcast(NewEvent(types.EventUserLeft, types.UserRef{
			UserId:   leave.user.Id,
			Username: leave.user.Username,
		}))
		return
	}

	c := leave.client
	if !r.hasClient(c) {
		return
	}
	r.removeClient(c)

	r.broadcast(&ServerMessage{
		Event:      types.EventUserLeft,
		Data:       types.UserRef{UserId: c.user.Id, Username: c.user.Username},
		SkipClient: c,
	})
}

func (r *Room) handleClientMessage(msg *ClientMessage) {
	switch msg.Event {
	case types.EventSendMessage:
		r.saveAndBroadcast(msg)
	case types.EventInitCall:
		r.startCall(msg)
	case types.EventTypingStart, types.EventTypingStop,
		types.EventAcceptCall, types.EventRejectCall, types.EventEndCall:
		r.relay(msg)
	default:
		r.log.Warn("unexpected event routed to room", zap.String("event", msg.Event))
	}
}

func (r *Room) saveAndBroadcast(msg *ClientMessage) {
	c := msg.client
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	ok, err := access.CanAccessRoom(ctx, r.cs.db, c.user.Id, r.externalId)
	if err != nil {
		r.log.Error("membership check failed", zap.Stringer("user_id", c.user.Id), zap.Error(err))
		c.queueMessage(ErrorEvent(errSendFailed))
		return
	}
	if !ok {
		c.queueMessage(ErrorEvent(errAccessDenied))
		return
	}

	saved, err := r.cs.db.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:      r.id,
		SenderId:    c.user.Id,
		Content:     msg.Send.Content,
		MessageType: string(msg.Send.MessageType),
		Encrypted:   true,
	})
	if err != nil {
		r.log.Error("failed to save message", zap.Error(err))
		c.queueMessage(ErrorEvent(errSendFailed))
		return
	}

	if err := r.cs.db.TouchRoomActivity(ctx, r.id); err != nil {
		r.log.Warn("failed to update room activity", zap.Error(err))
	}
	r.cs.stats.Incr(stats.MessagesSent)

	r.broadcast(NewEvent(types.EventNewMessage, ToWireMessage(saved, msg.Send.ClientId)))
}

func (r *Room) startCall(msg *ClientMessage) {
	c := msg.client
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	ok, err := access.CanAccessRoom(ctx, r.cs.db, c.user.Id, r.externalId)
	if err != nil {
		r.log.Error("membership check failed", zap.Stringer("user_id", c.user.Id), zap.Error(err))
		c.queueMessage(ErrorEvent(errCallFailed))
		return
	}
	if !ok {
		c.queueMessage(ErrorEvent(errAccessDenied))
		return
	}

	r.broadcast(&ServerMessage{
		Event: types.EventIncomingCall,
		Data: types.IncomingCall{
			CallerId:   c.user.Id,
			CallerName: c.user.Username,
			RoomId:     r.externalId,
			Type:       msg.Call.Type,
			Timestamp:  msg.Timestamp,
		},
		SkipClient: c,
	})
	r.cs.stats.Incr(stats.CallsStarted)

	if _, err := r.cs.db.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:      r.id,
		SenderId:    c.user.Id,
		Content:     callStartedContent(msg.Call.Type),
		MessageType: string(types.MessageTypeCall),
		Encrypted:   false,
	}); err != nil {
		r.log.Error("failed to record call", zap.Error(err))
	}
}

// relay forwards typing and call responses to the other subscribers. The
// sender has to be subscribed to the room.
func (r *Room) relay(msg *ClientMessage) {
	c := msg.client
	if !r.hasClient(c) {
		c.queueMessage(ErrorEvent(errNotInRoom))
		return
	}

	var data any
	switch msg.Event {
	case types.EventTypingStart, types.EventTypingStop:
		data = types.UserRef{UserId: c.user.Id, Username: c.user.Username}
	case types.EventAcceptCall:
		data = types.CallAccepted{AccepterId: c.user.Id, AccepterName: c.user.Username}
	case types.EventRejectCall:
		data = types.CallRejected{RejecterId: c.user.Id, RejecterName: c.user.Username}
	case types.EventEndCall:
		data = types.CallEnded{EnderId: c.user.Id, EnderName: c.user.Username}
	}

	r.broadcast(&ServerMessage{
		Event:      relayEvents[msg.Event],
		Data:       data,
		SkipClient: c,
	})
}

var relayEvents = map[string]string{
	types.EventTypingStart: types.EventUserTyping,
	types.EventTypingStop:  types.EventUserStopTyping,
	types.EventAcceptCall:  types.EventCallAccepted,
	types.EventRejectCall:  types.EventCallRejected,
	types.EventEndCall:     types.EventCallEnded,
}

// addClient subscribes c unless the connection has already gone away.
func (r *Room) addClient(c *Client) bool {
	if !c.addRoom(r) {
		return false
	}

	r.clientLock.Lock()
	r.clients[c] = struct{}{}
	r.clientLock.Unlock()
	return true
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	delete(r.clients, c)
	r.clientLock.Unlock()

	c.delRoom(r.externalId)
}

func (r *Room) hasClient(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return ok
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}

func (r *Room) clientsForUser(userId uuid.UUID) []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	var clients []*Client
	for c := range r.clients {
		if c.user.Id == userId {
			clients = append(clients, c)
		}
	}
	return clients
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
