package chatclient

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/npezzotti/pairroom/internal/types"
)

// Entry is one line of a room timeline. Pending entries are local echoes
// that the server has not confirmed yet; their Id is temporary.
type Entry struct {
	types.Message
	Pending bool
}

// Timeline holds the messages of one room as the user sees them. Content is
// kept exactly as it travels on the wire, so reconciliation compares like
// with like.
type Timeline struct {
	mu      sync.Mutex
	self    types.User
	entries []Entry
	ids     map[uuid.UUID]struct{}
}

func NewTimeline(self types.User) *Timeline {
	return &Timeline{
		self: self,
		ids:  make(map[uuid.UUID]struct{}),
	}
}

// Load replaces the confirmed messages with a history snapshot. A pending
// entry whose confirmed copy is in the snapshot is dropped; the rest stay at
// the end.
func (t *Timeline) Load(history []types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []Entry
	for _, e := range t.entries {
		if e.Pending {
			pending = append(pending, e)
		}
	}

	t.entries = t.entries[:0]
	clear(t.ids)
	for _, m := range history {
		if _, dup := t.ids[m.Id]; dup {
			continue
		}
		t.ids[m.Id] = struct{}{}
		t.entries = append(t.entries, Entry{Message: m})

		// history carries no correlation id
		if i := slices.IndexFunc(pending, func(e Entry) bool {
			return e.SenderId == m.SenderId && e.Content == m.Content
		}); i >= 0 {
			pending = slices.Delete(pending, i, i+1)
		}
	}
	t.entries = append(t.entries, pending...)
}

// AddPending records a local send before the server has seen it and returns
// the payload to put on the wire.
func (t *Timeline) AddPending(roomId, content string, kind types.MessageType) types.SendMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	clientId := uuid.NewString()
	t.entries = append(t.entries, Entry{
		Message: types.Message{
			Id:          uuid.New(),
			Content:     content,
			SenderId:    t.self.Id,
			SenderName:  t.self.Username,
			Timestamp:   types.Now(),
			MessageType: kind,
			Encrypted:   true,
			ClientId:    clientId,
		},
		Pending: true,
	})

	return types.SendMessage{
		RoomId:      roomId,
		Content:     content,
		MessageType: kind,
		ClientId:    clientId,
	}
}

// Confirm applies a new-message broadcast. The matching pending entry is
// replaced in place, by correlation id when the server echoed one and by
// sender and content otherwise. When the message is already on the
// timeline, a pending echo of it is dropped instead. It reports whether the
// timeline changed.
func (t *Timeline) Confirm(msg types.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.ids[msg.Id]; dup {
		i := t.pendingIndex(msg)
		if msg.ClientId != "" {
			// a repeat must not consume another echo with the same body
			i = slices.IndexFunc(t.entries, func(e Entry) bool {
				return e.Pending && e.ClientId == msg.ClientId
			})
		}
		if i < 0 {
			return false
		}
		t.entries = slices.Delete(t.entries, i, i+1)
		return true
	}
	t.ids[msg.Id] = struct{}{}

	confirmed := Entry{Message: msg}
	if i := t.pendingIndex(msg); i >= 0 {
		t.entries[i] = confirmed
		return true
	}

	t.entries = append(t.entries, confirmed)
	return true
}

func (t *Timeline) pendingIndex(msg types.Message) int {
	if msg.ClientId != "" {
		i := slices.IndexFunc(t.entries, func(e Entry) bool {
			return e.Pending && e.ClientId == msg.ClientId
		})
		if i >= 0 {
			return i
		}
	}

	return slices.IndexFunc(t.entries, func(e Entry) bool {
		return e.Pending && e.SenderId == msg.SenderId && e.Content == msg.Content
	})
}

// Has reports whether a confirmed message with id is on the timeline.
func (t *Timeline) Has(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.ids[id]
	return ok
}

// Entries returns a copy of the timeline in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.entries)
}

func (t *Timeline) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.Pending {
			n++
		}
	}
	return n
}
