package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/npezzotti/pairroom/internal/database"
	"github.com/npezzotti/pairroom/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.Logger
	user       types.User
	send       chan *ServerMessage
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	// closed is set under roomsLock once the connection has gone away.
	// Rooms refuse to subscribe a closed client.
	closed bool
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *zap.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l.With(zap.Stringer("user_id", user.Id)),
		user:       user,
		send:       make(chan *ServerMessage, sendQueueSize),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write pump exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.String("event", msg.Event), zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
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
		c.log.Debug("read pump exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			break
		}

		msg, err := parseClientMessage(raw)
		if err != nil {
			c.log.Debug("invalid message", zap.Error(err))
			c.queueMessage(ErrorEvent(errInvalidFormat))
			continue
		}

		msg.client = c
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch msg.Event {
	case types.EventJoinRooms:
		c.joinAllRooms()
	case types.EventJoinRoom, types.EventLeaveRoom:
		c.route(msg)
	case types.EventSendMessage:
		c.sendMessageEvent(msg)
	case types.EventInitCall:
		if !msg.Call.Type.Valid() {
			c.queueMessage(ErrorEvent(errInvalidCallType))
			return
		}
		c.route(msg)
	case types.EventTypingStart, types.EventTypingStop,
		types.EventAcceptCall, types.EventRejectCall, types.EventEndCall:
		c.route(msg)
	default:
		c.queueMessage(ErrorEvent(errUnknownEvent))
	}
}

func (c *Client) sendMessageEvent(msg *ClientMessage) {
	send := msg.Send
	if send.Content == "" || send.RoomId == "" {
		c.queueMessage(ErrorEvent(errMissingFields))
		return
	}
	if utf8.RuneCountInString(send.Content) > database.MaxContentLength {
		c.queueMessage(ErrorEvent(errContentTooLong))
		return
	}
	if send.MessageType == "" {
		send.MessageType = types.MessageTypeText
	}
	if !send.MessageType.Valid() {
		c.queueMessage(ErrorEvent(errInvalidType))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	allowed, err := c.chatServer.limiter.Allow(ctx, c.user.Id.String())
	if err != nil {
		// fail open
		c.log.Warn("rate limit check failed", zap.Error(err))
	} else if !allowed {
		c.queueMessage(ErrorEvent(errRateLimited))
		return
	}

	c.route(msg)
}

// route hands a room-scoped message to the chat server, which loads the
// room hub when needed. Every room-scoped event of a connection takes this
// path, so the hub sees them in the order they were read.
func (c *Client) route(msg *ClientMessage) {
	select {
	case c.chatServer.routeChan <- msg:
	default:
		c.log.Warn("route queue full", zap.String("event", msg.Event))
		c.queueMessage(ErrorEvent(errUnavailable))
	}
}

// joinAllRooms subscribes the connection to every active room the user is
// a member of and reports how many there were.
func (c *Client) joinAllRooms() {
	ctx, cancel := context.WithTimeout(context.Background(), joinRoomsTimeout)
	defer cancel()

	rooms, err := c.chatServer.db.ListActiveRoomsForMember(ctx, c.user.Id)
	if err != nil {
		c.log.Error("failed to list rooms", zap.Error(err))
		c.queueMessage(ErrorEvent(errJoinRoomsFailed))
		return
	}

	ack := make(chan bool, len(rooms))
	for _, room := range rooms {
		msg := &ClientMessage{
			Event:     types.EventJoinRoom,
			RoomId:    room.Id.String(),
			Timestamp: types.Now(),
			client:    c,
			silent:    true,
			ack:       ack,
		}

		select {
		case c.chatServer.routeChan <- msg:
		case <-ctx.Done():
			c.log.Error("timed out routing joins", zap.Error(ctx.Err()))
			c.queueMessage(ErrorEvent(errJoinRoomsFailed))
			return
		}
	}

	for range rooms {
		select {
		case ok := <-ack:
			if !ok {
				c.log.Warn("room rejected subscription")
			}
		case <-ctx.Done():
			c.log.Error("timed out waiting for joins", zap.Error(ctx.Err()))
			c.queueMessage(ErrorEvent(errJoinRoomsFailed))
			return
		}
	}

	c.queueMessage(NewEvent(types.EventRoomsJoined, types.RoomsJoined{Count: len(rooms)}))
}

// queueMessage never blocks. A full queue drops the message for this
// connection only.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("send queue full, dropping message", zap.String("event", msg.Event))
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("websocket write failed", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.DeRegisterClient(c)
	c.leaveAllRooms()
	c.stopClient()
}

// leaveAllRooms closes the client to new subscriptions and queues a leave
// for every room it is in. Joins still queued for this client are refused
// by the room once they are handled.
func (c *Client) leaveAllRooms() {
	c.roomsLock.Lock()
	c.closed = true
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.Unlock()

	for _, room := range rooms {
		select {
		case room.inbox <- &ClientMessage{
			Event:     types.EventLeaveRoom,
			RoomId:    room.externalId,
			Timestamp: types.Now(),
			client:    c,
		}:
		default:
			c.log.Warn("leave queue full", zap.String("room_id", room.externalId))
		}
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if c.closed {
		return false
	}
	c.rooms[r.externalId] = r
	return true
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
