// Package access answers whether an identity may act on a room.
package access

import (
	"context"

	"github.com/google/uuid"
)

// MembershipStore is the subset of the repository the check needs.
type MembershipStore interface {
	IsRoomMember(ctx context.Context, roomId, accountId uuid.UUID) (bool, error)
}

// CanAccessRoom reports whether userId is a member of roomId. A room id that
// does not parse can never match a room, so it is denied without a lookup.
// Lookup failures are returned to the caller rather than treated as a denial.
func CanAccessRoom(ctx context.Context, store MembershipStore, userId uuid.UUID, roomId string) (bool, error) {
	id, err := uuid.Parse(roomId)
	if err != nil {
		return false, nil
	}

	if userId == uuid.Nil {
		return false, nil
	}

	return store.IsRoomMember(ctx, id, userId)
}
