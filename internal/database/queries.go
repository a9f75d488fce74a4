package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	roomWithMembersQuery = `
		SELECT
				r.id,
				r.name,
				r.code,
				r.is_active,
				r.encryption_key,
				r.last_activity,
				r.created_at,
				r.updated_at,
				m.account_id,
				a.username,
				m.joined_at
		FROM rooms r
		LEFT JOIN room_members m ON r.id = m.room_id
		LEFT JOIN accounts a ON m.account_id = a.id
`

	messageColumns = "m.id, m.room_id, m.sender_id, a.username, m.content, m.message_type, " +
		"m.encrypted, m.created_at, m.edited_at, m.deleted_at"
)

func (db *PgGoChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (id, username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, username, email, created_at, updated_at",
		uuid.New(),
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		now,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return User{}, ErrAlreadyExists
	}

	return u, err
}

func (db *PgGoChatRepository) GetAccountById(ctx context.Context, id uuid.UUID) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, notFound(err)
}

func (db *PgGoChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, notFound(err)
}

// CreateRoom inserts the room and makes the owner its first member.
func (db *PgGoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res := tx.QueryRowContext(ctx,
		"INSERT INTO rooms (id, name, code, is_active, encryption_key, last_activity, created_at, updated_at) "+
			"VALUES ($1, $2, $3, TRUE, $4, $5, $5, $5) "+
			"RETURNING id, name, code, is_active, encryption_key, last_activity, created_at, updated_at",
		uuid.New(),
		params.Name,
		params.Code,
		params.EncryptionKey,
		now,
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.Name,
		&room.Code,
		&room.IsActive,
		&room.EncryptionKey,
		&room.LastActivity,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Room{}, ErrAlreadyExists
		}
		return Room{}, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO room_members (room_id, account_id, joined_at) VALUES ($1, $2, $3)",
		room.Id,
		params.OwnerId,
		now,
	)
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return db.GetRoomById(ctx, room.Id)
}

func (db *PgGoChatRepository) GetRoomById(ctx context.Context, roomId uuid.UUID) (Room, error) {
	rooms, err := db.queryRoomsWithMembers(ctx, roomWithMembersQuery+" WHERE r.id = $1 ORDER BY m.joined_at", roomId)
	if err != nil {
		return Room{}, err
	}

	if len(rooms) == 0 {
		return Room{}, ErrNotFound
	}

	return rooms[0], nil
}

func (db *PgGoChatRepository) GetActiveRoomByCode(ctx context.Context, code string) (Room, error) {
	rooms, err := db.queryRoomsWithMembers(ctx,
		roomWithMembersQuery+" WHERE r.code = $1 AND r.is_active ORDER BY m.joined_at", code)
	if err != nil {
		return Room{}, err
	}

	if len(rooms) == 0 {
		return Room{}, ErrNotFound
	}

	return rooms[0], nil
}

// ListActiveRoomsForMember returns the active rooms the account belongs to,
// most recently active first.
func (db *PgGoChatRepository) ListActiveRoomsForMember(ctx context.Context, accountId uuid.UUID) ([]Room, error) {
	return db.queryRoomsWithMembers(ctx,
		roomWithMembersQuery+
			" WHERE r.is_active AND r.id IN (SELECT room_id FROM room_members WHERE account_id = $1)"+
			" ORDER BY r.last_activity DESC, r.id, m.joined_at",
		accountId,
	)
}

func (db *PgGoChatRepository) queryRoomsWithMembers(ctx context.Context, query string, args ...any) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var (
		rooms []Room
		index = make(map[uuid.UUID]int)
	)
	for rows.Next() {
		var (
			room      Room
			accountId uuid.NullUUID
			username  sql.NullString
			joinedAt  sql.NullTime
		)

		err := rows.Scan(
			&room.Id,
			&room.Name,
			&room.Code,
			&room.IsActive,
			&room.EncryptionKey,
			&room.LastActivity,
			&room.CreatedAt,
			&room.UpdatedAt,
			&accountId,
			&username,
			&joinedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		i, ok := index[room.Id]
		if !ok {
			room.Members = make([]RoomMember, 0, MaxRoomMembers)
			rooms = append(rooms, room)
			i = len(rooms) - 1
			index[room.Id] = i
		}

		if accountId.Valid && username.Valid {
			rooms[i].Members = append(rooms[i].Members, RoomMember{
				AccountId: accountId.UUID,
				Username:  username.String,
				JoinedAt:  joinedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rooms, nil
}

// AddRoomMember adds the account to the room. The room row is locked for the
// duration of the transaction so two concurrent joins cannot both observe a
// free slot.
func (db *PgGoChatRepository) AddRoomMember(ctx context.Context, roomId, accountId uuid.UUID) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var active bool
	err = tx.QueryRowContext(ctx, "SELECT is_active FROM rooms WHERE id = $1 FOR UPDATE", roomId).Scan(&active)
	if err != nil {
		err = notFound(err)
		return err
	}
	if !active {
		err = ErrNotFound
		return err
	}

	var count int
	var isMember bool
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(BOOL_OR(account_id = $2), FALSE) FROM room_members WHERE room_id = $1",
		roomId,
		accountId,
	).Scan(&count, &isMember)
	if err != nil {
		return err
	}

	if isMember {
		err = ErrAlreadyMember
		return err
	}
	if count >= MaxRoomMembers {
		err = ErrRoomFull
		return err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		"INSERT INTO room_members (room_id, account_id, joined_at) VALUES ($1, $2, $3)",
		roomId,
		accountId,
		now,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE rooms SET last_activity = $2, updated_at = $2 WHERE id = $1",
		roomId,
		now,
	)
	if err != nil {
		return err
	}

	err = tx.Commit()
	return err
}

// RemoveRoomMember removes the account from the room and deactivates the room
// once nobody is left.
func (db *PgGoChatRepository) RemoveRoomMember(ctx context.Context, roomId, accountId uuid.UUID) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM room_members WHERE room_id = $1 AND account_id = $2",
		roomId,
		accountId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE rooms SET is_active = EXISTS (SELECT 1 FROM room_members WHERE room_id = $1), updated_at = $2 "+
			"WHERE id = $1",
		roomId,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	err = tx.Commit()
	return err
}

func (db *PgGoChatRepository) IsRoomMember(ctx context.Context, roomId, accountId uuid.UUID) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND account_id = $2)",
		roomId,
		accountId,
	).Scan(&exists)

	return exists, err
}

func (db *PgGoChatRepository) TouchRoomActivity(ctx context.Context, roomId uuid.UUID) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE rooms SET last_activity = $2 WHERE id = $1",
		roomId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgGoChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	var msg Message
	err := db.conn.QueryRowContext(ctx,
		"WITH ins AS ("+
			"INSERT INTO messages (id, room_id, sender_id, content, message_type, encrypted, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) "+
			"RETURNING id, room_id, sender_id, content, message_type, encrypted, created_at) "+
			"SELECT ins.id, ins.room_id, ins.sender_id, a.username, ins.content, ins.message_type, "+
			"ins.encrypted, ins.created_at FROM ins JOIN accounts a ON a.id = ins.sender_id",
		uuid.New(),
		params.RoomId,
		params.SenderId,
		params.Content,
		params.MessageType,
		params.Encrypted,
		time.Now().UTC().Round(time.Millisecond),
	).Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.SenderName,
		&msg.Content,
		&msg.MessageType,
		&msg.Encrypted,
		&msg.CreatedAt,
	)

	return msg, err
}

// newestFirst orders messages by creation time. seq breaks ties between
// messages stored within the same millisecond, in insertion order.
const newestFirst = "ORDER BY m.created_at DESC, m.seq DESC"

// GetRecentMessages returns up to limit of the newest non-deleted messages
// in the room, oldest first.
func (db *PgGoChatRepository) GetRecentMessages(ctx context.Context, roomId uuid.UUID, limit int) ([]Message, error) {
	return db.GetMessages(ctx, roomId, 1, limit)
}

// GetMessages pages backwards through the room's non-deleted messages.
// Page 1 holds the newest messages; each page is returned oldest first.
func (db *PgGoChatRepository) GetMessages(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	if page <= 0 {
		page = 1
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.sender_id "+
			"WHERE m.room_id = $1 AND m.deleted_at IS NULL "+
			newestFirst+" LIMIT $2 OFFSET $3",
		roomId,
		limit,
		(page-1)*limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse so the oldest message comes first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *PgGoChatRepository) GetLastMessage(ctx context.Context, roomId uuid.UUID) (*Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.sender_id "+
			"WHERE m.room_id = $1 AND m.deleted_at IS NULL "+newestFirst+" LIMIT 1",
		roomId,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	return &msg, nil
}

func (db *PgGoChatRepository) GetMessageById(ctx context.Context, messageId uuid.UUID) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.sender_id WHERE m.id = $1",
		messageId,
	)

	msg, err := scanMessage(row)
	return msg, notFound(err)
}

// UpdateMessageContent edits a message body. Deleted messages are immutable.
func (db *PgGoChatRepository) UpdateMessageContent(ctx context.Context, messageId uuid.UUID, content string) (Message, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1 AND deleted_at IS NULL",
		messageId,
		content,
		time.Now().UTC(),
	)
	if err != nil {
		return Message{}, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, err
	}

	msg, err := db.GetMessageById(ctx, messageId)
	if err != nil {
		return Message{}, err
	}

	if n == 0 && msg.DeletedAt != nil {
		return Message{}, ErrMessageDeleted
	}

	return msg, nil
}

// SoftDeleteMessage replaces the body with DeletedMessageContent and stamps
// deleted_at. Deleting twice keeps the original deletion time.
func (db *PgGoChatRepository) SoftDeleteMessage(ctx context.Context, messageId uuid.UUID) (Message, error) {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET content = $2, deleted_at = $3 WHERE id = $1 AND deleted_at IS NULL",
		messageId,
		DeletedMessageContent,
		time.Now().UTC(),
	)
	if err != nil {
		return Message{}, err
	}

	return db.GetMessageById(ctx, messageId)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		msg       Message
		editedAt  sql.NullTime
		deletedAt sql.NullTime
	)

	err := s.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.SenderName,
		&msg.Content,
		&msg.MessageType,
		&msg.Encrypted,
		&msg.CreatedAt,
		&editedAt,
		&deletedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}

	return msg, nil
}
