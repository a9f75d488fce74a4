package database

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	Id           uuid.UUID
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RoomMember struct {
	AccountId uuid.UUID
	Username  string
	JoinedAt  time.Time
}

type Room struct {
	Id            uuid.UUID
	Name          string
	Code          string
	IsActive      bool
	EncryptionKey string
	LastActivity  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Members       []RoomMember
}

// HasMember reports whether the account is one of the room's members.
func (r Room) HasMember(accountId uuid.UUID) bool {
	for _, m := range r.Members {
		if m.AccountId == accountId {
			return true
		}
	}
	return false
}

type Message struct {
	Id          uuid.UUID
	RoomId      uuid.UUID
	SenderId    uuid.UUID
	SenderName  string
	Content     string
	MessageType string
	Encrypted   bool
	CreatedAt   time.Time
	EditedAt    *time.Time
	DeletedAt   *time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	Name          string
	Code          string
	EncryptionKey string
	OwnerId       uuid.UUID
}

type CreateMessageParams struct {
	RoomId      uuid.UUID
	SenderId    uuid.UUID
	Content     string
	MessageType string
	Encrypted   bool
}
