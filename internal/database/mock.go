package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetAccountById(ctx context.Context, accountId uuid.UUID) (User, error) {
	args := m.Called(ctx, accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) GetRoomById(ctx context.Context, roomId uuid.UUID) (Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) GetActiveRoomByCode(ctx context.Context, code string) (Room, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) ListActiveRoomsForMember(ctx context.Context, accountId uuid.UUID) ([]Room, error) {
	args := m.Called(ctx, accountId)
	rooms, _ := args.Get(0).([]Room)
	return rooms, args.Error(1)
}
func (m *MockGoChatRepository) AddRoomMember(ctx context.Context, roomId, accountId uuid.UUID) error {
	args := m.Called(ctx, roomId, accountId)
	return args.Error(0)
}
func (m *MockGoChatRepository) RemoveRoomMember(ctx context.Context, roomId, accountId uuid.UUID) error {
	args := m.Called(ctx, roomId, accountId)
	return args.Error(0)
}
func (m *MockGoChatRepository) IsRoomMember(ctx context.Context, roomId, accountId uuid.UUID) (bool, error) {
	args := m.Called(ctx, roomId, accountId)
	return args.Bool(0), args.Error(1)
}
func (m *MockGoChatRepository) TouchRoomActivity(ctx context.Context, roomId uuid.UUID) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) GetRecentMessages(ctx context.Context, roomId uuid.UUID, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, limit)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}
func (m *MockGoChatRepository) GetMessages(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, page, limit)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}
func (m *MockGoChatRepository) GetLastMessage(ctx context.Context, roomId uuid.UUID) (*Message, error) {
	args := m.Called(ctx, roomId)
	msg, _ := args.Get(0).(*Message)
	return msg, args.Error(1)
}
func (m *MockGoChatRepository) GetMessageById(ctx context.Context, messageId uuid.UUID) (Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) UpdateMessageContent(ctx context.Context, messageId uuid.UUID, content string) (Message, error) {
	args := m.Called(ctx, messageId, content)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) SoftDeleteMessage(ctx context.Context, messageId uuid.UUID) (Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(Message), args.Error(1)
}
