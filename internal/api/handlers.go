package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/npezzotti/pairroom/internal/database"
	"github.com/npezzotti/pairroom/internal/server"
	"github.com/npezzotti/pairroom/internal/types"
)

const (
	maxCodeAttempts     = 10
	defaultMessagesPage = 1
	defaultMessageLimit = 50
	maxMessageLimit     = 100
	roomKeyBytes        = 32
)

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type JoinRoomRequest struct {
	Code string `json:"code"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type RoomResponse struct {
	Message string     `json:"message"`
	Room    types.Room `json:"room"`
}

type StatusResponse struct {
	Message string `json:"message"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("json encode failed", zap.Error(err))
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(errResp))
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func randomRoomKey() (string, error) {
	b := make([]byte, roomKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func toRoom(r database.Room) types.Room {
	members := make([]types.Member, 0, len(r.Members))
	for _, m := range r.Members {
		members = append(members, types.Member{
			UserId:   m.AccountId,
			Username: m.Username,
			JoinedAt: m.JoinedAt,
		})
	}

	return types.Room{
		Id:            r.Id,
		Name:          r.Name,
		Code:          r.Code,
		Members:       members,
		IsActive:      r.IsActive,
		EncryptionKey: r.EncryptionKey,
		LastActivity:  r.LastActivity,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	name := strings.ToUpper(strings.TrimSpace(req.Name))
	if name == "" {
		s.writeError(w, NewValidationError("Room name is required"))
		return
	}

	key, err := s.generateRoomKey()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	// codes are case-folded, so a generated id can collide with an existing
	// one; retry a few times before giving up
	for range maxCodeAttempts {
		sid, err := s.generateShortId()
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		room, err := s.db.CreateRoom(r.Context(), database.CreateRoomParams{
			Name:          name,
			Code:          strings.ToUpper(sid),
			EncryptionKey: key,
			OwnerId:       userId,
		})
		if errors.Is(err, database.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		s.writeJson(w, http.StatusCreated, RoomResponse{
			Message: "Room created successfully",
			Room:    toRoom(room),
		})
		return
	}

	s.writeError(w, NewInternalServerError(errors.New("failed to generate unique room code")))
}

func (s *GoChatApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		s.writeError(w, NewValidationError("Room code is required"))
		return
	}

	room, err := s.db.GetActiveRoomByCode(r.Context(), code)
	if err != nil {
		s.writeError(w, errorFromRepository(err))
		return
	}

	if err := s.db.AddRoomMember(r.Context(), room.Id, userId); err != nil {
		s.writeError(w, errorFromRepository(err))
		return
	}

	room, err = s.db.GetRoomById(r.Context(), room.Id)
	if err != nil {
		s.writeError(w, errorFromRepository(err))
		return
	}

	s.writeJson(w, http.StatusOK, RoomResponse{
		Message: "Joined room successfully",
		Room:    toRoom(room),
	})
}

func (s *GoChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	dbRooms, err := s.db.ListActiveRoomsForMember(r.Context(), userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, dbRoom := range dbRooms {
		room := toRoom(dbRoom)

		last, err := s.db.GetLastMessage(r.Context(), dbRoom.Id)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		if last != nil {
			room.LastMessage = &types.LastMessage{
				Content:   last.Content,
				Sender:    last.SenderName,
				CreatedAt: last.CreatedAt,
			}
		}

		rooms = append(rooms, room)
	}

	s.writeJson(w, http.StatusOK, rooms)
}

// memberRoom loads the room named by the {id} path value and checks the
// caller belongs to it. It writes the error response itself.
func (s *GoChatApp) memberRoom(w http.ResponseWriter, r *http.Request) (database.Room, uuid.UUID, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return database.Room{}, uuid.Nil, false
	}

	roomId, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, NewNotFoundError())
		return database.Room{}, uuid.Nil, false
	}

	room, err := s.db.GetRoomById(r.Context(), roomId)
	if err != nil {
		s.writeError(w, errorFromRepository(err))
		return database.Room{}, uuid.Nil, false
	}

	if !room.HasMember(userId) {
		s.writeError(w, NewForbiddenError())
		return database.Room{}, uuid.Nil, false
	}

	return room, userId, true
}

func (s *GoChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.memberRoom(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, toRoom(room))
}

func (s *GoChatApp) getRoomMessages(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.memberRoom(w, r)
	if !ok {
		return
	}

	page, err := intQuery(r, "page", defaultMessagesPage)
	if err != nil || page < 1 {
		s.writeError(w, NewBadRequestError())
		return
	}

	limit, err := intQuery(r, "limit", defaultMessageLimit)
	if err != nil || limit < 1 {
		s.writeError(w, NewBadRequestError())
		return
	}
	limit = min(limit, maxMessageLimit)

	msgs, err := s.db.GetMessages(r.Context(), room.Id, page, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, server.ToWireHistory(msgs))
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *GoChatApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	room, userId, ok := s.memberRoom(w, r)
	if !ok {
		return
	}

	if err := s.db.RemoveRoomMember(r.Context(), room.Id, userId); err != nil {
		s.writeError(w, errorFromRepository(err))
		return
	}

	user := types.User{Id: userId}
	for _, m := range room.Members {
		if m.AccountId == userId {
			user.Username = m.Username
		}
	}

	if err := s.cs.RemoveMember(r.Context(), room.Id, user); err != nil {
		s.log.Warn("failed to notify room of departure", zap.Stringer("room_id", room.Id), zap.Error(err))
	}

	// The last member leaving deactivates the room, so its hub can go.
	if len(room.Members) <= 1 {
		if err := s.cs.UnloadRoom(r.Context(), room.Id.String(), true); err != nil {
			s.log.Warn("failed to unload room", zap.Stringer("room_id", room.Id), zap.Error(err))
		}
	}

	s.writeJson(w, http.StatusOK, StatusResponse{Message: "Left room successfully"})
}

// ownMessage loads the message named by the {id} path value and checks the
// caller sent it.
func (s *GoChatApp) ownMessage(w http.ResponseWriter, r *http.Request) (database.Message, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return database.Message{}, false
	}

	messageId, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, NewNotFoundError())
		return database.Message{}, false
	}

	msg, err := s.db.GetMessageById(r.Context(), messageId)
	if err != nil {
		s.writeError(w, errorFromRepository(err))
		return database.Message{}, false
	}

	if msg.SenderId != userId {
		s.writeError(w, NewForbiddenError())
		return database.Message{}, false
	}

	return msg, true
}

func (s *GoChatApp) editMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.ownMessage(w, r)
	if !ok {
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.Content == "" {
		s.writeError(w, NewValidationError("Content is required"))
		return
	}
	if utf8.RuneCountInString(req.Content) > database.MaxContentLength {
		s.writeError(w, NewValidationError("Content is too long"))
		return
	}
	if msg.DeletedAt != nil {
		s.writeError(w, errorFromRepository(database.ErrMessageDeleted))
		return
	}

	updated, err := s.db.UpdateMessageContent(r.Context(), msg.Id, req.Content)
	if err != nil {
		s.writeError(w, errorFromRepository(err))
		return
	}

	s.writeJson(w, http.StatusOK, server.ToWireMessage(updated, ""))
}

func (s *GoChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.ownMessage(w, r)
	if !ok {
		return
	}

	deleted, err := s.db.SoftDeleteMessage(r.Context(), msg.Id)
	if err != nil {
		s.writeError(w, errorFromRepository(err))
		return
	}

	s.writeJson(w, http.StatusOK, server.ToWireMessage(deleted, ""))
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// a valid token for an account that no longer exists
			s.writeError(w, NewUnauthorizedError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

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
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := server.NewClient(toUser(user), conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
