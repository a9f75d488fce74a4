package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event names sent by clients.
const (
	EventJoinRooms   = "join-rooms"
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
	EventInitCall    = "initiate-call"
	EventAcceptCall  = "accept-call"
	EventRejectCall  = "reject-call"
	EventEndCall     = "end-call"
)

// Event names sent by the server.
const (
	EventRoomsJoined    = "rooms-joined"
	EventMessageHistory = "message-history"
	EventNewMessage     = "new-message"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventUserTyping     = "user-typing"
	EventUserStopTyping = "user-stopped-typing"
	EventIncomingCall   = "incoming-call"
	EventCallAccepted   = "call-accepted"
	EventCallRejected   = "call-rejected"
	EventCallEnded      = "call-ended"
	EventError          = "error"
)

// Envelope is the frame exchanged in both directions over the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RoomRef struct {
	RoomId string `json:"roomId"`
}

type SendMessage struct {
	RoomId      string      `json:"roomId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType,omitempty"`
	ClientId    string      `json:"clientId,omitempty"`
}

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

type InitiateCall struct {
	RoomId string   `json:"roomId"`
	Type   CallKind `json:"type"`
}

type CallResponse struct {
	RoomId   string `json:"roomId"`
	CallerId string `json:"callerId,omitempty"`
}

type RoomsJoined struct {
	Count int `json:"count"`
}

// UserRef identifies the user behind presence and typing notices.
type UserRef struct {
	UserId   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
}

type IncomingCall struct {
	CallerId   uuid.UUID `json:"callerId"`
	CallerName string    `json:"callerName"`
	RoomId     string    `json:"roomId"`
	Type       CallKind  `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
}

type CallAccepted struct {
	AccepterId   uuid.UUID `json:"accepterId"`
	AccepterName string    `json:"accepterName"`
}

type CallRejected struct {
	RejecterId   uuid.UUID `json:"rejecterId"`
	RejecterName string    `json:"rejecterName"`
}

type CallEnded struct {
	EnderId   uuid.UUID `json:"enderId"`
	EnderName string    `json:"enderName"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
