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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/pairroom/internal/database"
	"github.com/npezzotti/pairroom/internal/types"
)

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockGoChatRepository{}
			defer db.AssertExpectations(t)
			db.On("Ping", mock.Anything).Return(tc.mockErr).Once()
			app := newTestApp(t, db)

			rr := httptest.NewRecorder()
			app.healthCheck(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "expected status code to be 503")
				assert.Equal(t, "service unavailable", decodeBody[ApiError](t, rr).Message)
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func TestRandomRoomKey(t *testing.T) {
	a, err := randomRoomKey()
	require.NoError(t, err)
	b, err := randomRoomKey()
	require.NoError(t, err)

	assert.Len(t, a, roomKeyBytes*2, "expected hex encoded key")
	assert.NotEqual(t, a, b)
}

func TestCreateRoomHandler(t *testing.T) {
	owner := uuid.New()
	created := database.Room{
		Id:       uuid.New(),
		Name:     "STANDUP",
		Code:     "ABC123",
		IsActive: true,
		Members:  []database.RoomMember{{AccountId: owner, Username: "alice"}},
	}

	t.Run("creates the room", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db)
		app.generateShortId = func() (string, error) { return "abc123", nil }
		app.generateRoomKey = func() (string, error) { return "key", nil }

		db.On("CreateRoom", mock.Anything, database.CreateRoomParams{
			Name:          "STANDUP",
			Code:          "ABC123",
			EncryptionKey: "key",
			OwnerId:       owner,
		}).Return(created, nil).Once()

		rr := httptest.NewRecorder()
		app.createRoom(rr, newRequest(t, http.MethodPost, "/api/rooms", CreateRoomRequest{Name: "  standup "}, owner))

		assert.Equal(t, http.StatusCreated, rr.Code)
		resp := decodeBody[RoomResponse](t, rr)
		assert.Equal(t, "Room created successfully", resp.Message)
		assert.Equal(t, created.Id, resp.Room.Id)
		assert.Equal(t, "ABC123", resp.Room.Code)
		if assert.Len(t, resp.Room.Members, 1) {
			assert.Equal(t, owner, resp.Room.Members[0].UserId)
		}
	})

	t.Run("retries on code collision", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db)
		codes := []string{"dup", "fresh"}
		app.generateShortId = func() (string, error) {
			c := codes[0]
			codes = codes[1:]
			return c, nil
		}
		app.generateRoomKey = func() (string, error) { return "key", nil }

		db.On("CreateRoom", mock.Anything, mock.MatchedBy(func(p database.CreateRoomParams) bool {
			return p.Code == "DUP"
		})).Return(database.Room{}, database.ErrAlreadyExists).Once()
		db.On("CreateRoom", mock.Anything, mock.MatchedBy(func(p database.CreateRoomParams) bool {
			return p.Code == "FRESH"
		})).Return(created, nil).Once()

		rr := httptest.NewRecorder()
		app.createRoom(rr, newRequest(t, http.MethodPost, "/api/rooms", CreateRoomRequest{Name: "standup"}, owner))

		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("gives up after repeated collisions", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		app := newTestApp(t, db)
		app.generateShortId = func() (string, error) { return "dup", nil }
		app.generateRoomKey = func() (string, error) { return "key", nil }

		db.On("CreateRoom", mock.Anything, mock.Anything).Return(database.Room{}, database.ErrAlreadyExists).Times(maxCodeAttempts)

		rr := httptest.NewRecorder()
		app.createRoom(rr, newRequest(t, http.MethodPost, "/api/rooms", CreateRoomRequest{Name: "standup"}, owner))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		db.AssertNumberOfCalls(t, "CreateRoom", maxCodeAttempts)
	})

	tcases := []struct {
		name     string
		body     any
		wantCode int
		wantMsg  string
	}{
		{"empty name", CreateRoomRequest{Name: "   "}, http.StatusBadRequest, "Room name is required"},
		{"invalid json", "nope", http.StatusBadRequest, "bad request"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, &database.MockGoChatRepository{})

			rr := httptest.NewRecorder()
			app.createRoom(rr, newRequest(t, http.MethodPost, "/api/rooms", tc.body, owner))

			assert.Equal(t, tc.wantCode, rr.Code)
			assert.Equal(t, tc.wantMsg, decodeBody[ApiError](t, rr).Message)
		})
	}
}

func TestJoinRoomHandler(t *testing.T) {
	userId := uuid.New()
	room := database.Room{Id: uuid.New(), Name: "STANDUP", Code: "ABC123", IsActive: true}
	joined := room
	joined.Members = []database.RoomMember{
		{AccountId: uuid.New(), Username: "alice"},
		{AccountId: userId, Username: "bob"},
	}

	tcases := []struct {
		name      string
		body      any
		lookupErr error
		addErr    error
		wantCode  int
		wantMsg   string
	}{
		{name: "joins by code", body: JoinRoomRequest{Code: " abc123 "}, wantCode: http.StatusOK},
		{name: "unknown code", body: JoinRoomRequest{Code: "abc123"}, lookupErr: database.ErrNotFound, wantCode: http.StatusNotFound, wantMsg: "not found"},
		{name: "room full", body: JoinRoomRequest{Code: "abc123"}, addErr: database.ErrRoomFull, wantCode: http.StatusBadRequest, wantMsg: "Room is full"},
		{name: "already a member", body: JoinRoomRequest{Code: "abc123"}, addErr: database.ErrAlreadyMember, wantCode: http.StatusBadRequest, wantMsg: "You are already a member of this room"},
		{name: "missing code", body: JoinRoomRequest{}, wantCode: http.StatusBadRequest, wantMsg: "Room code is required"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockGoChatRepository{}
			defer db.AssertExpectations(t)
			app := newTestApp(t, db)

			if tc.body.(JoinRoomRequest).Code != "" {
				db.On("GetActiveRoomByCode", mock.Anything, "ABC123").Return(room, tc.lookupErr).Once()
				if tc.lookupErr == nil {
					db.On("AddRoomMember", mock.Anything, room.Id, userId).Return(tc.addErr).Once()
				}
				if tc.lookupErr == nil && tc.addErr == nil {
					db.On("GetRoomById", mock.Anything, room.Id).Return(joined, nil).Once()
				}
			}

			rr := httptest.NewRecorder()
			app.joinRoom(rr, newRequest(t, http.MethodPost, "/api/rooms/join", tc.body, userId))

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantMsg != "" {
				assert.Equal(t, tc.wantMsg, decodeBody[ApiError](t, rr).Message)
				return
			}

			resp := decodeBody[RoomResponse](t, rr)
			assert.Equal(t, "Joined room successfully", resp.Message)
			assert.Len(t, resp.Room.Members, 2)
		})
	}
}

func TestListRoomsHandler(t *testing.T) {
	userId := uuid.New()
	quiet := database.Room{Id: uuid.New(), Name: "QUIET", Code: "Q1", IsActive: true}
	busy := database.Room{Id: uuid.New(), Name: "BUSY", Code: "B1", IsActive: true}
	last := &database.Message{Content: "ciphertext", SenderName: "alice", CreatedAt: time.Now().UTC()}

	t.Run("includes last message previews", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db)

		db.On("ListActiveRoomsForMember", mock.Anything, userId).Return([]database.Room{quiet, busy}, nil).Once()
		db.On("GetLastMessage", mock.Anything, quiet.Id).Return(nil, nil).Once()
		db.On("GetLastMessage", mock.Anything, busy.Id).Return(last, nil).Once()

		rr := httptest.NewRecorder()
		app.listRooms(rr, newRequest(t, http.MethodGet, "/api/rooms", nil, userId))

		assert.Equal(t, http.StatusOK, rr.Code)
		rooms := decodeBody[[]types.Room](t, rr)
		require.Len(t, rooms, 2)
		assert.Nil(t, rooms[0].LastMessage)
		if assert.NotNil(t, rooms[1].LastMessage) {
			assert.Equal(t, "ciphertext", rooms[1].LastMessage.Content)
			assert.Equal(t, "alice", rooms[1].LastMessage.Sender)
		}
	})

	t.Run("no rooms encodes as an empty list", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		app := newTestApp(t, db)
		db.On("ListActiveRoomsForMember", mock.Anything, userId).Return(nil, nil).Once()

		rr := httptest.NewRecorder()
		app.listRooms(rr, newRequest(t, http.MethodGet, "/api/rooms", nil, userId))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, "[]", rr.Body.String())
	})

	t.Run("repository failure", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		app := newTestApp(t, db)
		db.On("ListActiveRoomsForMember", mock.Anything, userId).Return(nil, errors.New("db down")).Once()

		rr := httptest.NewRecorder()
		app.listRooms(rr, newRequest(t, http.MethodGet, "/api/rooms", nil, userId))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestGetRoomHandler(t *testing.T) {
	member, outsider := uuid.New(), uuid.New()
	room := database.Room{
		Id:      uuid.New(),
		Name:    "STANDUP",
		Members: []database.RoomMember{{AccountId: member, Username: "alice"}},
	}

	tcases := []struct {
		name     string
		pathId   string
		userId   uuid.UUID
		mockErr  error
		lookup   bool
		wantCode int
	}{
		{name: "member", pathId: room.Id.String(), userId: member, lookup: true, wantCode: http.StatusOK},
		{name: "not a member", pathId: room.Id.String(), userId: outsider, lookup: true, wantCode: http.StatusForbidden},
		{name: "unknown room", pathId: room.Id.String(), userId: member, lookup: true, mockErr: database.ErrNotFound, wantCode: http.StatusNotFound},
		{name: "malformed id", pathId: "abc", userId: member, wantCode: http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockGoChatRepository{}
			defer db.AssertExpectations(t)
			app := newTestApp(t, db)

			if tc.lookup {
				db.On("GetRoomById", mock.Anything, room.Id).Return(room, tc.mockErr).Once()
			}

			req := newRequest(t, http.MethodGet, "/api/rooms/"+tc.pathId, nil, tc.userId)
			req.SetPathValue("id", tc.pathId)
			rr := httptest.NewRecorder()
			app.getRoom(rr, req)

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantCode == http.StatusOK {
				assert.Equal(t, room.Id, decodeBody[types.Room](t, rr).Id)
			}
		})
	}
}

func TestGetRoomMessagesHandler(t *testing.T) {
	member := uuid.New()
	room := database.Room{
		Id:      uuid.New(),
		Members: []database.RoomMember{{AccountId: member, Username: "alice"}},
	}
	stored := []database.Message{
		{Id: uuid.New(), SenderId: member, SenderName: "alice", Content: "one", MessageType: "text", Encrypted: true, CreatedAt: time.Now()},
		{Id: uuid.New(), SenderId: member, SenderName: "alice", Content: "two", MessageType: "text", Encrypted: true, CreatedAt: time.Now()},
	}

	tcases := []struct {
		name      string
		query     string
		wantPage  int
		wantLimit int
		wantCode  int
	}{
		{name: "defaults", query: "", wantPage: 1, wantLimit: 50, wantCode: http.StatusOK},
		{name: "explicit paging", query: "?page=3&limit=20", wantPage: 3, wantLimit: 20, wantCode: http.StatusOK},
		{name: "limit is capped", query: "?limit=1000", wantPage: 1, wantLimit: maxMessageLimit, wantCode: http.StatusOK},
		{name: "invalid page", query: "?page=0", wantCode: http.StatusBadRequest},
		{name: "non numeric limit", query: "?limit=lots", wantCode: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockGoChatRepository{}
			defer db.AssertExpectations(t)
			app := newTestApp(t, db)

			db.On("GetRoomById", mock.Anything, room.Id).Return(room, nil).Once()
			if tc.wantCode == http.StatusOK {
				db.On("GetMessages", mock.Anything, room.Id, tc.wantPage, tc.wantLimit).Return(stored, nil).Once()
			}

			req := newRequest(t, http.MethodGet, "/api/rooms/"+room.Id.String()+"/messages"+tc.query, nil, member)
			req.SetPathValue("id", room.Id.String())
			rr := httptest.NewRecorder()
			app.getRoomMessages(rr, req)

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantCode == http.StatusOK {
				msgs := decodeBody[[]types.Message](t, rr)
				require.Len(t, msgs, 2)
				assert.Equal(t, "one", msgs[0].Content)
				assert.True(t, msgs[0].Encrypted)
			}
		})
	}
}

func TestLeaveRoomHandler(t *testing.T) {
	member := uuid.New()
	room := database.Room{
		Id:      uuid.New(),
		Members: []database.RoomMember{{AccountId: member, Username: "alice"}},
	}

	t.Run("leaves the room", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db)

		db.On("GetRoomById", mock.Anything, room.Id).Return(room, nil).Once()
		db.On("RemoveRoomMember", mock.Anything, room.Id, member).Return(nil).Once()

		req := newRequest(t, http.MethodPost, "/api/rooms/"+room.Id.String()+"/leave", nil, member)
		req.SetPathValue("id", room.Id.String())
		rr := httptest.NewRecorder()
		app.leaveRoom(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "Left room successfully", decodeBody[StatusResponse](t, rr).Message)
	})

	t.Run("repository failure", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		app := newTestApp(t, db)

		db.On("GetRoomById", mock.Anything, room.Id).Return(room, nil).Once()
		db.On("RemoveRoomMember", mock.Anything, room.Id, member).Return(errors.New("db down")).Once()

		req := newRequest(t, http.MethodPost, "/api/rooms/"+room.Id.String()+"/leave", nil, member)
		req.SetPathValue("id", room.Id.String())
		rr := httptest.NewRecorder()
		app.leaveRoom(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestEditMessageHandler(t *testing.T) {
	sender, other := uuid.New(), uuid.New()
	deletedAt := time.Now()
	msg := database.Message{Id: uuid.New(), SenderId: sender, Content: "old", MessageType: "text", Encrypted: true}
	deleted := msg
	deleted.DeletedAt = &deletedAt

	tcases := []struct {
		name     string
		userId   uuid.UUID
		stored   database.Message
		body     any
		update   bool
		wantCode int
	}{
		{name: "sender edits", userId: sender, stored: msg, body: EditMessageRequest{Content: "new"}, update: true, wantCode: http.StatusOK},
		{name: "someone else", userId: other, stored: msg, body: EditMessageRequest{Content: "new"}, wantCode: http.StatusForbidden},
		{name: "empty content", userId: sender, stored: msg, body: EditMessageRequest{}, wantCode: http.StatusBadRequest},
		{name: "content too long", userId: sender, stored: msg, body: EditMessageRequest{Content: strings.Repeat("x", database.MaxContentLength+1)}, wantCode: http.StatusBadRequest},
		{name: "deleted message", userId: sender, stored: deleted, body: EditMessageRequest{Content: "new"}, wantCode: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockGoChatRepository{}
			defer db.AssertExpectations(t)
			app := newTestApp(t, db)

			db.On("GetMessageById", mock.Anything, msg.Id).Return(tc.stored, nil).Once()
			if tc.update {
				edited := msg
				edited.Content = "new"
				now := time.Now()
				edited.EditedAt = &now
				db.On("UpdateMessageContent", mock.Anything, msg.Id, "new").Return(edited, nil).Once()
			}

			req := newRequest(t, http.MethodPatch, "/api/messages/"+msg.Id.String(), tc.body, tc.userId)
			req.SetPathValue("id", msg.Id.String())
			rr := httptest.NewRecorder()
			app.editMessage(rr, req)

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.update {
				wire := decodeBody[types.Message](t, rr)
				assert.Equal(t, "new", wire.Content)
				assert.NotNil(t, wire.EditedAt)
			}
		})
	}

	t.Run("unknown message", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		app := newTestApp(t, db)
		db.On("GetMessageById", mock.Anything, msg.Id).Return(database.Message{}, database.ErrNotFound).Once()

		req := newRequest(t, http.MethodPatch, "/api/messages/"+msg.Id.String(), EditMessageRequest{Content: "new"}, sender)
		req.SetPathValue("id", msg.Id.String())
		rr := httptest.NewRecorder()
		app.editMessage(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestDeleteMessageHandler(t *testing.T) {
	sender, other := uuid.New(), uuid.New()
	msg := database.Message{Id: uuid.New(), SenderId: sender, Content: "hello"}

	t.Run("sender deletes", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db)

		gone := msg
		gone.Content = database.DeletedMessageContent
		db.On("GetMessageById", mock.Anything, msg.Id).Return(msg, nil).Once()
		db.On("SoftDeleteMessage", mock.Anything, msg.Id).Return(gone, nil).Once()

		req := newRequest(t, http.MethodDelete, "/api/messages/"+msg.Id.String(), nil, sender)
		req.SetPathValue("id", msg.Id.String())
		rr := httptest.NewRecorder()
		app.deleteMessage(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, database.DeletedMessageContent, decodeBody[types.Message](t, rr).Content)
	})

	t.Run("someone else", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db)
		db.On("GetMessageById", mock.Anything, msg.Id).Return(msg, nil).Once()

		req := newRequest(t, http.MethodDelete, "/api/messages/"+msg.Id.String(), nil, other)
		req.SetPathValue("id", msg.Id.String())
		rr := httptest.NewRecorder()
		app.deleteMessage(rr, req)

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

// wsFrame is an outbound server event as a client sees it.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wsHarness struct {
	t   *testing.T
	app *GoChatApp
	db  *database.MockGoChatRepository
	url string
}

// newWsHarness serves the full handler chain over a real listener with a
// running hub. Everything is torn down when the test ends.
func newWsHarness(t *testing.T) *wsHarness {
	t.Helper()

	db := &database.MockGoChatRepository{}
	app := newTestApp(t, db)
	go app.cs.Run()

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		app.cs.Shutdown(ctx)
	})

	return &wsHarness{
		t:   t,
		app: app,
		db:  db,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (h *wsHarness) token(user database.User) string {
	token, err := h.app.createJwtForSession(toUser(user), time.Minute)
	require.NoError(h.t, err)
	return token
}

func (h *wsHarness) dial(user database.User) *websocket.Conn {
	h.t.Helper()

	h.db.On("GetAccountById", mock.Anything, user.Id).Return(user, nil)
	conn, _, err := websocket.DefaultDialer.Dial(h.url+"?token="+h.token(user), nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func expectFrame(t *testing.T, conn *websocket.Conn, event string) wsFrame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f), "waiting for %q", event)
	require.Equal(t, event, f.Event, "unexpected frame: %s", string(f.Data))
	return f
}

func expectQuiet(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var f wsFrame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "expected no frame, got %q", f.Event)
}

func TestServeWs_RejectsInvalidToken(t *testing.T) {
	h := newWsHarness(t)

	conn, resp, err := websocket.DefaultDialer.Dial(h.url+"?token=not-a-jwt", nil)
	if conn != nil {
		conn.Close()
	}

	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
	if assert.NotNil(t, resp) {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestServeWs_RejectsDeletedAccount(t *testing.T) {
	h := newWsHarness(t)
	ghost := database.User{Id: uuid.New(), Username: "ghost"}
	h.db.On("GetAccountById", mock.Anything, ghost.Id).Return(database.User{}, database.ErrNotFound)

	conn, resp, err := websocket.DefaultDialer.Dial(h.url+"?token="+h.token(ghost), nil)
	if conn != nil {
		conn.Close()
	}

	assert.Error(t, err)
	if assert.NotNil(t, resp) {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestServeWs_RejectsForeignOrigin(t *testing.T) {
	h := newWsHarness(t)
	alice := database.User{Id: uuid.New(), Username: "alice"}
	h.db.On("GetAccountById", mock.Anything, alice.Id).Return(alice, nil)

	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(h.url+"?token="+h.token(alice), header)
	if conn != nil {
		conn.Close()
	}

	assert.Error(t, err)
	if assert.NotNil(t, resp) {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestServeWs_MessageExchange(t *testing.T) {
	h := newWsHarness(t)
	alice := database.User{Id: uuid.New(), Username: "alice"}
	bob := database.User{Id: uuid.New(), Username: "bob"}
	room := database.Room{
		Id:       uuid.New(),
		Name:     "PAIR",
		IsActive: true,
		Members: []database.RoomMember{
			{AccountId: alice.Id, Username: alice.Username},
			{AccountId: bob.Id, Username: bob.Username},
		},
	}
	saved := database.Message{
		Id:          uuid.New(),
		RoomId:      room.Id,
		SenderId:    alice.Id,
		SenderName:  alice.Username,
		Content:     "Gxw=",
		MessageType: "text",
		Encrypted:   true,
		CreatedAt:   time.Now(),
	}

	h.db.On("GetRoomById", mock.Anything, room.Id).Return(room, nil)
	h.db.On("IsRoomMember", mock.Anything, room.Id, mock.Anything).Return(true, nil)
	h.db.On("GetRecentMessages", mock.Anything, room.Id, 50).Return([]database.Message{}, nil)
	h.db.On("CreateMessage", mock.Anything, database.CreateMessageParams{
		RoomId:      room.Id,
		SenderId:    alice.Id,
		Content:     "Gxw=",
		MessageType: "text",
		Encrypted:   true,
	}).Return(saved, nil).Once()
	h.db.On("TouchRoomActivity", mock.Anything, room.Id).Return(nil).Once()

	a := h.dial(alice)
	b := h.dial(bob)
	ref := types.RoomRef{RoomId: room.Id.String()}

	sendFrame(t, a, types.EventJoinRoom, ref)
	history := expectFrame(t, a, types.EventMessageHistory)
	assert.JSONEq(t, "[]", string(history.Data))

	sendFrame(t, b, types.EventJoinRoom, ref)
	expectFrame(t, b, types.EventMessageHistory)
	joined := expectFrame(t, a, types.EventUserJoined)
	assert.Contains(t, string(joined.Data), bob.Id.String())

	sendFrame(t, a, types.EventSendMessage, types.SendMessage{RoomId: room.Id.String(), Content: "Gxw=", ClientId: "c-1"})

	for _, conn := range []*websocket.Conn{a, b} {
		f := expectFrame(t, conn, types.EventNewMessage)
		var msg types.Message
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		assert.Equal(t, saved.Id, msg.Id)
		assert.Equal(t, "Gxw=", msg.Content)
		assert.Equal(t, "c-1", msg.ClientId)
		assert.Equal(t, types.MessageTypeText, msg.MessageType)
	}

	sendFrame(t, b, types.EventTypingStart, ref)
	typing := expectFrame(t, a, types.EventUserTyping)
	assert.Contains(t, string(typing.Data), bob.Username)
	expectQuiet(t, b)
}

func TestServeWs_UnauthorizedJoin(t *testing.T) {
	h := newWsHarness(t)
	mallory := database.User{Id: uuid.New(), Username: "mallory"}
	room := database.Room{Id: uuid.New(), Name: "PRIVATE", IsActive: true}

	h.db.On("GetRoomById", mock.Anything, room.Id).Return(room, nil)
	h.db.On("IsRoomMember", mock.Anything, room.Id, mallory.Id).Return(false, nil)

	conn := h.dial(mallory)
	sendFrame(t, conn, types.EventJoinRoom, types.RoomRef{RoomId: room.Id.String()})

	f := expectFrame(t, conn, types.EventError)
	assert.JSONEq(t, `{"message":"Access denied to room"}`, string(f.Data))
	expectQuiet(t, conn)

	h.db.AssertNotCalled(t, "GetRecentMessages", mock.Anything, room.Id, mock.Anything)
}

func pairRoom(alice, bob database.User) database.Room {
	return database.Room{
		Id:       uuid.New(),
		Name:     "PAIR",
		IsActive: true,
		Members: []database.RoomMember{
			{AccountId: alice.Id, Username: alice.Username},
			{AccountId: bob.Id, Username: bob.Username},
		},
	}
}

// expectSaved stubs CreateMessage for one body and returns the stored copy.
func (h *wsHarness) expectSaved(room database.Room, sender database.User, content string, delay time.Duration) database.Message {
	saved := database.Message{
		Id:          uuid.New(),
		RoomId:      room.Id,
		SenderId:    sender.Id,
		SenderName:  sender.Username,
		Content:     content,
		MessageType: "text",
		Encrypted:   true,
		CreatedAt:   time.Now(),
	}
	h.db.On("CreateMessage", mock.Anything, database.CreateMessageParams{
		RoomId:      room.Id,
		SenderId:    sender.Id,
		Content:     content,
		MessageType: "text",
		Encrypted:   true,
	}).Return(saved, nil).After(delay).Once()
	return saved
}

func expectMessage(t *testing.T, conn *websocket.Conn, want database.Message) {
	t.Helper()

	f := expectFrame(t, conn, types.EventNewMessage)
	var msg types.Message
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, want.Id, msg.Id)
	assert.Equal(t, want.Content, msg.Content)
}

func TestServeWs_EventsKeepArrivalOrder(t *testing.T) {
	h := newWsHarness(t)
	alice := database.User{Id: uuid.New(), Username: "alice"}
	bob := database.User{Id: uuid.New(), Username: "bob"}
	room := pairRoom(alice, bob)
	ref := types.RoomRef{RoomId: room.Id.String()}

	h.db.On("GetRoomById", mock.Anything, room.Id).Return(room, nil)
	h.db.On("IsRoomMember", mock.Anything, room.Id, mock.Anything).Return(true, nil)
	h.db.On("GetRecentMessages", mock.Anything, room.Id, 50).Return([]database.Message{}, nil)
	h.db.On("TouchRoomActivity", mock.Anything, room.Id).Return(nil)

	// bob's slow write keeps the hub busy while alice's events queue up
	fromBob := h.expectSaved(room, bob, "Ym9i", 150*time.Millisecond)
	first := h.expectSaved(room, alice, "Gxw=", 0)
	second := h.expectSaved(room, alice, "c2Vj", 0)

	a := h.dial(alice)
	b := h.dial(bob)

	sendFrame(t, b, types.EventJoinRoom, ref)
	expectFrame(t, b, types.EventMessageHistory)

	t.Run("join then send", func(t *testing.T) {
		sendFrame(t, b, types.EventSendMessage, types.SendMessage{RoomId: ref.RoomId, Content: "Ym9i"})
		// let bob's send reach the hub first
		time.Sleep(30 * time.Millisecond)
		sendFrame(t, a, types.EventJoinRoom, ref)
		sendFrame(t, a, types.EventSendMessage, types.SendMessage{RoomId: ref.RoomId, Content: "Gxw="})

		expectFrame(t, a, types.EventMessageHistory)
		expectMessage(t, a, first)

		expectMessage(t, b, fromBob)
		expectFrame(t, b, types.EventUserJoined)
		expectMessage(t, b, first)
	})

	t.Run("send then leave", func(t *testing.T) {
		sendFrame(t, a, types.EventSendMessage, types.SendMessage{RoomId: ref.RoomId, Content: "c2Vj"})
		sendFrame(t, a, types.EventLeaveRoom, ref)

		expectMessage(t, a, second)
		expectMessage(t, b, second)
		left := expectFrame(t, b, types.EventUserLeft)
		assert.Contains(t, string(left.Data), alice.Id.String())
		expectQuiet(t, a)
	})
}

func TestServeWs_NonCanonicalRoomId(t *testing.T) {
	h := newWsHarness(t)
	alice := database.User{Id: uuid.New(), Username: "alice"}
	bob := database.User{Id: uuid.New(), Username: "bob"}
	room := pairRoom(alice, bob)

	h.db.On("GetRoomById", mock.Anything, room.Id).Return(room, nil)
	h.db.On("IsRoomMember", mock.Anything, room.Id, mock.Anything).Return(true, nil)
	h.db.On("GetRecentMessages", mock.Anything, room.Id, 50).Return([]database.Message{}, nil)
	h.db.On("TouchRoomActivity", mock.Anything, room.Id).Return(nil)
	saved := h.expectSaved(room, bob, "Ym9i", 0)

	a := h.dial(alice)
	b := h.dial(bob)
	upper := strings.ToUpper(room.Id.String())

	sendFrame(t, a, types.EventJoinRoom, types.RoomRef{RoomId: room.Id.String()})
	expectFrame(t, a, types.EventMessageHistory)

	sendFrame(t, b, types.EventJoinRoom, types.RoomRef{RoomId: upper})
	expectFrame(t, b, types.EventMessageHistory)
	joined := expectFrame(t, a, types.EventUserJoined)
	assert.Contains(t, string(joined.Data), bob.Id.String())

	sendFrame(t, b, types.EventSendMessage, types.SendMessage{RoomId: upper, Content: "Ym9i"})
	expectMessage(t, a, saved)
	expectMessage(t, b, saved)

	h.db.AssertNumberOfCalls(t, "GetRoomById", 1)
}
