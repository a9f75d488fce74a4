package types

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	Id           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Member struct {
	UserId   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

type Room struct {
	Id            uuid.UUID    `json:"id"`
	Name          string       `json:"name"`
	Code          string       `json:"code"`
	Members       []Member     `json:"members"`
	IsActive      bool         `json:"is_active"`
	EncryptionKey string       `json:"encryption_key,omitempty"`
	LastActivity  time.Time    `json:"last_activity"`
	LastMessage   *LastMessage `json:"last_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at,omitempty"`
}

// LastMessage is the preview shown in a room listing.
type LastMessage struct {
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeCall  MessageType = "call"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

func (mt MessageType) Valid() bool {
	switch mt {
	case MessageTypeText, MessageTypeCall, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Message is the wire shape of a chat message, used by both the history
// snapshot and live broadcasts. Timestamp is always UTC with millisecond
// precision so it serializes as an ISO-8601 string.
type Message struct {
	Id          uuid.UUID   `json:"id"`
	Content     string      `json:"content"`
	SenderId    uuid.UUID   `json:"senderId"`
	SenderName  string      `json:"senderName"`
	Timestamp   time.Time   `json:"timestamp"`
	MessageType MessageType `json:"messageType"`
	Encrypted   bool        `json:"encrypted"`
	ClientId    string      `json:"clientId,omitempty"`
	EditedAt    *time.Time  `json:"editedAt,omitempty"`
}

// Now returns the current server time in the precision used on the wire.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
