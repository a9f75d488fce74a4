package database

import (
	"context"

	"github.com/google/uuid"
)

const (
	// MaxRoomMembers is the capacity of every room.
	MaxRoomMembers = 2

	// MaxContentLength matches the messages.content column, in characters.
	MaxContentLength = 2000

	// DeletedMessageContent replaces the body of a soft-deleted message.
	DeletedMessageContent = "This message was deleted"
)

type GoChatRepository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId uuid.UUID) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomById(ctx context.Context, roomId uuid.UUID) (Room, error)
	GetActiveRoomByCode(ctx context.Context, code string) (Room, error)
	ListActiveRoomsForMember(ctx context.Context, accountId uuid.UUID) ([]Room, error)
	AddRoomMember(ctx context.Context, roomId, accountId uuid.UUID) error
	RemoveRoomMember(ctx context.Context, roomId, accountId uuid.UUID) error
	IsRoomMember(ctx context.Context, roomId, accountId uuid.UUID) (bool, error)
	TouchRoomActivity(ctx context.Context, roomId uuid.UUID) error
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetRecentMessages(ctx context.Context, roomId uuid.UUID, limit int) ([]Message, error)
	GetMessages(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Message, error)
	GetLastMessage(ctx context.Context, roomId uuid.UUID) (*Message, error)
	GetMessageById(ctx context.Context, messageId uuid.UUID) (Message, error)
	UpdateMessageContent(ctx context.Context, messageId uuid.UUID, content string) (Message, error)
	SoftDeleteMessage(ctx context.Context, messageId uuid.UUID) (Message, error)
}
