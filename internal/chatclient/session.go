package chatclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/npezzotti/pairroom/internal/cipher"
	"github.com/npezzotti/pairroom/internal/types"
)

// Sender is the outbound half of a Conn.
type Sender interface {
	Send(ctx context.Context, event string, data any) error
}

// Update is what a RoomSession made of one server event, ready to show.
type Update struct {
	Event string
	// Text is the decrypted body for message events and the error text
	// for error events.
	Text    string
	Entry   *Entry
	History []Entry
	User    *types.UserRef
	Call    CallState
	Caller  string
}

// RoomSession keeps the timeline and call state of one room in step with
// the events a connection receives.
type RoomSession struct {
	conn     Sender
	roomId   string
	self     types.User
	cipher   *cipher.Cipher
	Timeline *Timeline
	Calls    *CallTracker
}

func NewRoomSession(conn Sender, roomId string, self types.User, c *cipher.Cipher) *RoomSession {
	return &RoomSession{
		conn:     conn,
		roomId:   roomId,
		self:     self,
		cipher:   c,
		Timeline: NewTimeline(self),
		Calls:    NewCallTracker(self),
	}
}

func (s *RoomSession) ref() types.RoomRef {
	return types.RoomRef{RoomId: s.roomId}
}

func (s *RoomSession) Join(ctx context.Context) error {
	return s.conn.Send(ctx, types.EventJoinRoom, s.ref())
}

func (s *RoomSession) Leave(ctx context.Context) error {
	return s.conn.Send(ctx, types.EventLeaveRoom, s.ref())
}

// SendText encrypts plaintext, echoes it on the timeline and sends it.
func (s *RoomSession) SendText(ctx context.Context, plaintext string) (Entry, error) {
	payload := s.Timeline.AddPending(s.roomId, s.cipher.Encrypt(plaintext), types.MessageTypeText)
	if err := s.conn.Send(ctx, types.EventSendMessage, payload); err != nil {
		return Entry{}, err
	}

	entries := s.Timeline.Entries()
	return entries[len(entries)-1], nil
}

func (s *RoomSession) Typing(ctx context.Context, typing bool) error {
	event := types.EventTypingStop
	if typing {
		event = types.EventTypingStart
	}
	return s.conn.Send(ctx, event, s.ref())
}

func (s *RoomSession) StartCall(ctx context.Context, kind types.CallKind) error {
	if _, err := s.Calls.Initiate(kind); err != nil {
		return err
	}
	return s.conn.Send(ctx, types.EventInitCall, types.InitiateCall{RoomId: s.roomId, Type: kind})
}

func (s *RoomSession) AnswerCall(ctx context.Context, accept bool) error {
	_, call := s.Calls.State()

	event := types.EventRejectCall
	answer := s.Calls.Reject
	if accept {
		event, answer = types.EventAcceptCall, s.Calls.Accept
	}
	if _, err := answer(); err != nil {
		return err
	}

	return s.conn.Send(ctx, event, types.CallResponse{RoomId: s.roomId, CallerId: call.CallerId.String()})
}

func (s *RoomSession) EndCall(ctx context.Context) error {
	if _, err := s.Calls.End(); err != nil {
		return err
	}
	return s.conn.Send(ctx, types.EventEndCall, s.ref())
}

// Decrypt returns the readable body of m. Bodies that were stored in the
// clear, such as call notices, are returned as they are.
func (s *RoomSession) Decrypt(m types.Message) string {
	if !m.Encrypted {
		return m.Content
	}

	text, err := s.cipher.Decrypt(m.Content)
	if err != nil {
		return m.Content
	}
	return text
}

// Handle applies one server event.
func (s *RoomSession) Handle(env types.Envelope) (Update, error) {
	u := Update{Event: env.Event}

	switch env.Event {
	case types.EventMessageHistory:
		var history []types.Message
		if err := json.Unmarshal(env.Data, &history); err != nil {
			return u, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		s.Timeline.Load(history)
		u.History = s.Timeline.Entries()
	case types.EventNewMessage:
		var msg types.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return u, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		seen := s.Timeline.Has(msg.Id)
		if !s.Timeline.Confirm(msg) || seen {
			return Update{}, nil
		}
		u.Entry = &Entry{Message: msg}
		u.Text = s.Decrypt(msg)
	case types.EventUserJoined, types.EventUserLeft, types.EventUserTyping, types.EventUserStopTyping:
		var ref types.UserRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			return u, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		u.User = &ref
	case types.EventError:
		var p types.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return u, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		u.Text = p.Message
	default:
		state, ok, err := s.Calls.Observe(env)
		if !ok {
			return u, nil
		}
		if err != nil {
			return u, err
		}
		u.Call = state
		if state == CallOffering {
			_, call := s.Calls.State()
			u.Caller = call.CallerName
		}
	}

	return u, nil
}
