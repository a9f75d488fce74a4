package database

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRoomFull is returned when a room already has MaxRoomMembers members.
	ErrRoomFull = errors.New("room is full")

	ErrAlreadyMember = errors.New("user is already a member of this room")

	// ErrMessageDeleted is returned when editing a soft-deleted message.
	ErrMessageDeleted = errors.New("message has been deleted")

	ErrAlreadyExists = errors.New("already exists")
)
