package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/npezzotti/pairroom/internal/database"
	"github.com/npezzotti/pairroom/internal/types"
)

const (
	errAccessDenied     = "Access denied to room"
	errJoinFailed       = "Failed to join room"
	errJoinRoomsFailed  = "Failed to join rooms"
	errMissingFields    = "Content and room ID are required"
	errContentTooLong   = "Message is too long"
	errInvalidFormat    = "invalid message format"
	errInvalidType      = "Invalid message type"
	errInvalidCallType  = "Invalid call type"
	errRateLimited      = "Rate limit exceeded"
	errNotInRoom        = "Not a participant of this room"
	errSendFailed       = "Failed to send message"
	errCallFailed       = "Failed to initiate call"
	errUnknownEvent     = "Unknown event"
	errUnavailable      = "Service unavailable"
	callStartedAudioMsg = "Audio call started"
	callStartedVideoMsg = "Video call started"
)

// ClientMessage is a decoded inbound frame together with the connection it
// arrived on.
type ClientMessage struct {
	Event     string
	RoomId    string
	Send      *types.SendMessage
	Call      *types.InitiateCall
	Response  *types.CallResponse
	Timestamp time.Time

	client *Client
	// silent joins come from join-rooms: subscribe only, no history or
	// presence notices. ack is signalled once the room has handled it.
	silent bool
	ack    chan<- bool
	// unsubscribe removes every connection of user from the room. It is
	// set when membership is given up outside of the websocket.
	unsubscribe bool
	user        types.User
}

// ServerMessage is an outbound event. SkipClient excludes one connection
// from a room broadcast.
type ServerMessage struct {
	Event      string  `json:"event"`
	Data       any     `json:"data,omitempty"`
	SkipClient *Client `json:"-"`
}

func NewEvent(event string, data any) *ServerMessage {
	return &ServerMessage{Event: event, Data: data}
}

func ErrorEvent(message string) *ServerMessage {
	return NewEvent(types.EventError, types.ErrorPayload{Message: message})
}

// parseClientMessage decodes an envelope and its payload for the events
// that carry one.
func parseClientMessage(raw []byte) (*ClientMessage, error) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	msg := &ClientMessage{Event: env.Event, Timestamp: types.Now()}

	var ref types.RoomRef
	var target any = &ref
	switch env.Event {
	case types.EventJoinRooms:
		return msg, nil
	case types.EventSendMessage:
		msg.Send = &types.SendMessage{}
		target = msg.Send
	case types.EventInitCall:
		msg.Call = &types.InitiateCall{}
		target = msg.Call
	case types.EventAcceptCall, types.EventRejectCall, types.EventEndCall:
		msg.Response = &types.CallResponse{}
		target = msg.Response
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return nil, err
		}
	}

	switch {
	case msg.Send != nil:
		msg.RoomId = msg.Send.RoomId
	case msg.Call != nil:
		msg.RoomId = msg.Call.RoomId
	case msg.Response != nil:
		msg.RoomId = msg.Response.RoomId
	default:
		msg.RoomId = ref.RoomId
	}

	return msg, nil
}

// canonicalRoomId rewrites a room id into the form hubs are keyed by. Ids
// that are not UUIDs are left alone and rejected when the room is loaded.
func canonicalRoomId(roomId string) string {
	id, err := uuid.Parse(roomId)
	if err != nil {
		return roomId
	}
	return id.String()
}

// ToWireMessage converts a stored message to its wire form. clientId is
// echoed back only on live broadcasts.
func ToWireMessage(m database.Message, clientId string) types.Message {
	return types.Message{
		Id:          m.Id,
		Content:     m.Content,
		SenderId:    m.SenderId,
		SenderName:  m.SenderName,
		Timestamp:   m.CreatedAt.UTC().Round(time.Millisecond),
		MessageType: types.MessageType(m.MessageType),
		Encrypted:   m.Encrypted,
		ClientId:    clientId,
		EditedAt:    m.EditedAt,
	}
}

// ToWireHistory never returns nil, so an empty history encodes as [].
func ToWireHistory(msgs []database.Message) []types.Message {
	history := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, ToWireMessage(m, ""))
	}
	return history
}

func callStartedContent(kind types.CallKind) string {
	if kind == types.CallVideo {
		return callStartedVideoMsg
	}
	return callStartedAudioMsg
}
