package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/pairroom/internal/database"
	"github.com/npezzotti/pairroom/internal/stats"
	"github.com/npezzotti/pairroom/internal/testutil"
	"github.com/npezzotti/pairroom/internal/types"
)

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.GoChatRepository, su *stats.MockStatsUpdater) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Times(4)

	cs, err := NewChatServer(testutil.TestLogger(t), db, su)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

// allowStats accepts any counter update not asserted by the test.
func allowStats(su *stats.MockStatsUpdater) {
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
}

func newTestClient(cs *ChatServer, username string) *Client {
	return &Client{
		chatServer: cs,
		log:        cs.log,
		user:       types.User{Id: uuid.New(), Username: username},
		send:       make(chan *ServerMessage, 32),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

// expectEvent waits for the next queued message on c and checks its event.
func expectEvent(t *testing.T, c *Client, event string) *ServerMessage {
	t.Helper()

	select {
	case msg := <-c.send:
		require.Equal(t, event, msg.Event, "unexpected event for %s", c.user.Username)
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q on %s", event, c.user.Username)
		return nil
	}
}

func expectError(t *testing.T, c *Client, message string) {
	t.Helper()

	msg := expectEvent(t, c, types.EventError)
	assert.Equal(t, types.ErrorPayload{Message: message}, msg.Data)
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()

	select {
	case msg := <-c.send:
		t.Errorf("expected no message for %s, got %q", c.user.Username, msg.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockGoChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", stats.NumActiveClients).Once()
	su.On("RegisterMetric", stats.NumActiveRooms).Once()
	su.On("RegisterMetric", stats.MessagesSent).Once()
	su.On("RegisterMetric", stats.CallsStarted).Once()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su, WithHistoryLimit(20))
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.Equal(t, 20, cs.historyLimit, "expected history limit option to apply")
	assert.NotNil(t, cs.routeChan, "expected routeChan to be initialized")
	assert.NotNil(t, cs.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
}

func TestNewChatServer_NilRepository(t *testing.T) {
	_, err := NewChatServer(testutil.TestLogger(t), nil, &stats.MockStatsUpdater{})
	assert.Error(t, err)
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveClients).Once()
	su.On("Decr", stats.NumActiveClients).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
	client := newTestClient(cs, "alice")

	cs.RegisterClient(client)
	assert.Contains(t, cs.clients, client, "expected client to be registered")

	cs.DeRegisterClient(client)
	assert.NotContains(t, cs.clients, client, "expected client to be removed")

	// removing twice must not decrement the gauge again
	cs.DeRegisterClient(client)
}

func TestChatServer_addRoom_getRoom_removeRoom(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveRooms).Once()
	su.On("Decr", stats.NumActiveRooms).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
	room := &Room{externalId: "testroom"}

	cs.addRoom("testroom", room)
	assert.Equal(t, 1, cs.numRooms, "expected numRooms to be 1 after adding room")

	got, ok := cs.getRoom("testroom")
	assert.True(t, ok, "expected room to be found")
	assert.Equal(t, room, got, "expected retrieved room to match added room")

	cs.removeRoom("testroom")
	_, ok = cs.getRoom("testroom")
	assert.False(t, ok, "expected room to be removed")
	assert.Equal(t, 0, cs.numRooms, "expected numRooms to be 0 after removing room")

	cs.removeRoom("testroom")
	assert.Equal(t, 0, cs.numRooms, "expected removing an unknown room to be a no-op")
}

func TestChatServer_handleRoute(t *testing.T) {
	t.Run("loads room and joins", func(t *testing.T) {
		roomId := uuid.New()
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		allowStats(su)

		cs := newTestChatServer(t, db, su)
		client := newTestClient(cs, "alice")

		db.On("GetRoomById", mock.Anything, roomId).Return(database.Room{Id: roomId, Name: "DEN"}, nil).Once()
		db.On("IsRoomMember", mock.Anything, roomId, client.user.Id).Return(true, nil).Once()
		db.On("GetRecentMessages", mock.Anything, roomId, defaultHistoryLimit).Return([]database.Message{}, nil).Once()

		cs.handleRoute(&ClientMessage{Event: types.EventJoinRoom, RoomId: roomId.String(), client: client})
		defer cs.unloadAllRooms()

		msg := expectEvent(t, client, types.EventMessageHistory)
		assert.Equal(t, []types.Message{}, msg.Data, "expected an empty history snapshot")

		_, ok := cs.getRoom(roomId.String())
		assert.True(t, ok, "expected room to be loaded")
		assert.Eventually(t, func() bool { return client.getRoom(roomId.String()) != nil },
			time.Second, 10*time.Millisecond, "expected client to be subscribed")
	})

	t.Run("routes to loaded room", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		allowStats(su)

		cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
		room := newRoom(cs, database.Room{Id: uuid.New()})
		cs.addRoom(room.externalId, room)

		cs.handleRoute(&ClientMessage{Event: types.EventJoinRoom, RoomId: room.externalId})
		cs.handleRoute(&ClientMessage{Event: types.EventSendMessage, RoomId: room.externalId})
		cs.handleRoute(&ClientMessage{Event: types.EventLeaveRoom, RoomId: room.externalId, unsubscribe: true})

		require.Len(t, room.inbox, 3, "expected every event queued on the room inbox")
		assert.Equal(t, types.EventJoinRoom, (<-room.inbox).Event)
		assert.Equal(t, types.EventSendMessage, (<-room.inbox).Event)
		assert.True(t, (<-room.inbox).unsubscribe, "expected unsubscribe last")
	})

	t.Run("non-canonical id reaches the loaded room", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		allowStats(su)

		cs := newTestChatServer(t, db, su)
		room := newRoom(cs, database.Room{Id: uuid.New()})
		cs.addRoom(room.externalId, room)

		cs.handleRoute(&ClientMessage{Event: types.EventJoinRoom, RoomId: strings.ToUpper(room.externalId)})
		cs.handleRoute(&ClientMessage{Event: types.EventSendMessage, RoomId: "{" + room.externalId + "}"})

		require.Len(t, room.inbox, 2, "expected both events on the one hub")
		assert.Equal(t, room.externalId, (<-room.inbox).RoomId)
		assert.Equal(t, room.externalId, (<-room.inbox).RoomId)
		assert.Equal(t, 1, cs.numRooms, "expected no second hub")
		db.AssertNotCalled(t, "GetRoomById", mock.Anything, mock.Anything)
	})

	t.Run("full room queue", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		allowStats(su)

		cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
		room := newRoom(cs, database.Room{Id: uuid.New()})
		room.inbox = make(chan *ClientMessage, 1)
		room.inbox <- &ClientMessage{}
		cs.addRoom(room.externalId, room)

		client := newTestClient(cs, "alice")
		cs.handleRoute(&ClientMessage{Event: types.EventJoinRoom, RoomId: room.externalId, client: client})

		expectError(t, client, errUnavailable)
	})

	t.Run("unsubscribe without loaded room", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		cs.handleRoute(&ClientMessage{Event: types.EventLeaveRoom, RoomId: uuid.NewString(), unsubscribe: true})

		db.AssertNotCalled(t, "GetRoomById", mock.Anything, mock.Anything)
	})

	tcases := []struct {
		name    string
		event   string
		roomId  string
		dbErr   error
		message string
	}{
		{
			name:    "unparsable room id",
			event:   types.EventJoinRoom,
			roomId:  "not-a-uuid",
			message: errAccessDenied,
		},
		{
			name:    "room not found",
			event:   types.EventJoinRoom,
			roomId:  uuid.NewString(),
			dbErr:   database.ErrNotFound,
			message: errAccessDenied,
		},
		{
			name:    "storage failure on join",
			event:   types.EventJoinRoom,
			roomId:  uuid.NewString(),
			dbErr:   errors.New("connection refused"),
			message: errJoinFailed,
		},
		{
			name:    "storage failure on send",
			event:   types.EventSendMessage,
			roomId:  uuid.NewString(),
			dbErr:   errors.New("connection refused"),
			message: errSendFailed,
		},
		{
			name:    "storage failure on call",
			event:   types.EventInitCall,
			roomId:  uuid.NewString(),
			dbErr:   errors.New("connection refused"),
			message: errCallFailed,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockGoChatRepository{}
			defer db.AssertExpectations(t)
			if id, err := uuid.Parse(tc.roomId); err == nil {
				db.On("GetRoomById", mock.Anything, id).Return(database.Room{}, tc.dbErr).Once()
			}

			cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
			client := newTestClient(cs, "alice")

			cs.handleRoute(&ClientMessage{Event: tc.event, RoomId: tc.roomId, client: client})

			expectError(t, client, tc.message)
			_, ok := cs.getRoom(tc.roomId)
			assert.False(t, ok, "expected room not to be loaded")
		})
	}

	t.Run("silent join failure acks false", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
		client := newTestClient(cs, "alice")
		ack := make(chan bool, 1)

		cs.handleRoute(&ClientMessage{Event: types.EventJoinRoom, RoomId: "bad", client: client, silent: true, ack: ack})

		assert.False(t, <-ack)
		expectNoEvent(t, client)
	})
}

func TestChatServer_unloadRoom(t *testing.T) {
	t.Run("idle room exits", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.NumActiveRooms).Once()
		su.On("Decr", stats.NumActiveRooms).Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
		room := newRoom(cs, database.Room{Id: uuid.New()})
		cs.addRoom(room.externalId, room)
		go room.start()

		cs.unloadRoom(room.externalId, false)

		_, ok := cs.getRoom(room.externalId)
		assert.False(t, ok, "expected room to be unloaded")
	})

	t.Run("busy room declines", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		allowStats(su)

		cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
		room := newRoom(cs, database.Room{Id: uuid.New()})
		client := newTestClient(cs, "alice")
		room.addClient(client)
		cs.addRoom(room.externalId, room)
		go room.start()
		defer cs.unloadAllRooms()

		cs.unloadRoom(room.externalId, false)

		_, ok := cs.getRoom(room.externalId)
		assert.True(t, ok, "expected room with subscribers to stay loaded")
	})

	t.Run("forced unload detaches clients", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		allowStats(su)

		cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
		room := newRoom(cs, database.Room{Id: uuid.New()})
		client := newTestClient(cs, "alice")
		room.addClient(client)
		cs.addRoom(room.externalId, room)
		go room.start()

		cs.unloadRoom(room.externalId, true)

		_, ok := cs.getRoom(room.externalId)
		assert.False(t, ok, "expected room to be unloaded")
		assert.Nil(t, client.getRoom(room.externalId), "expected client to be detached from room")
	})

	t.Run("unknown room", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
		cs.unloadRoom("missing", true)
	})
}

func TestChatServer_UnloadRoom(t *testing.T) {
	t.Run("queues request", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
		err := cs.UnloadRoom(context.Background(), "testroom", true)
		assert.NoError(t, err)

		req := <-cs.unloadRoomChan
		assert.Equal(t, "testroom", req.roomId)
		assert.True(t, req.force)
	})

	t.Run("empty room id", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
		err := cs.UnloadRoom(context.Background(), "", false)
		assert.EqualError(t, err, "roomId cannot be empty")
		assert.Len(t, cs.unloadRoomChan, 0, "expected unloadRoomChan to have no messages")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
		cs.unloadRoomChan = make(chan unloadRoomRequest)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.UnloadRoom(ctx, "testroom", false)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestChatServer_RemoveMember(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
	roomId := uuid.New()
	user := types.User{Id: uuid.New(), Username: "alice"}

	err := cs.RemoveMember(context.Background(), roomId, user)
	require.NoError(t, err)

	msg := <-cs.routeChan
	assert.True(t, msg.unsubscribe, "expected an unsubscribe request")
	assert.Equal(t, roomId.String(), msg.RoomId)
	assert.Equal(t, user, msg.user)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})

	t.Run("stops rooms and clients", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.NumActiveRooms).Once()
		su.On("Decr", stats.NumActiveRooms).Once()
		su.On("Incr", stats.NumActiveClients).Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
		go cs.Run()

		client := newTestClient(cs, "alice")
		cs.RegisterClient(client)

		room := newRoom(cs, database.Room{Id: uuid.New()})
		room.addClient(client)
		cs.addRoom(room.externalId, room)
		go room.start()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown")

		_, ok := cs.getRoom(room.externalId)
		assert.False(t, ok, "expected room to be unloaded after shutdown")

		select {
		case <-client.stop:
		default:
			t.Error("expected client to be stopped")
		}
	})
}

func TestChatServer_JoinRooms(t *testing.T) {
	roomA, roomB := uuid.New(), uuid.New()

	db := &database.MockGoChatRepository{}
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	cs := newTestChatServer(t, db, su)
	go cs.Run()
	defer cs.Shutdown(context.Background())

	client := newTestClient(cs, "alice")
	db.On("ListActiveRoomsForMember", mock.Anything, client.user.Id).
		Return([]database.Room{{Id: roomA}, {Id: roomB}}, nil)
	db.On("GetRoomById", mock.Anything, roomA).Return(database.Room{Id: roomA}, nil).Once()
	db.On("GetRoomById", mock.Anything, roomB).Return(database.Room{Id: roomB}, nil).Once()

	client.dispatch(&ClientMessage{Event: types.EventJoinRooms, client: client})

	msg := expectEvent(t, client, types.EventRoomsJoined)
	assert.Equal(t, types.RoomsJoined{Count: 2}, msg.Data)
	assert.NotNil(t, client.getRoom(roomA.String()), "expected subscription to room A")
	assert.NotNil(t, client.getRoom(roomB.String()), "expected subscription to room B")

	// a second join-rooms reuses the loaded hubs and changes nothing
	client.dispatch(&ClientMessage{Event: types.EventJoinRooms, client: client})

	msg = expectEvent(t, client, types.EventRoomsJoined)
	assert.Equal(t, types.RoomsJoined{Count: 2}, msg.Data)
	assert.Len(t, client.rooms, 2, "expected subscriptions to be unchanged")
	expectNoEvent(t, client)

	db.AssertExpectations(t)
}

func TestChatServer_JoinRooms_StorageFailure(t *testing.T) {
	db := &database.MockGoChatRepository{}
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
	client := newTestClient(cs, "alice")
	db.On("ListActiveRoomsForMember", mock.Anything, client.user.Id).Return(nil, errors.New("db down")).Once()

	client.dispatch(&ClientMessage{Event: types.EventJoinRooms, client: client})

	expectError(t, client, errJoinRoomsFailed)
	assert.Empty(t, client.rooms)
}
