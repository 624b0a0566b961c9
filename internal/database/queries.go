package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-chatcore/internal/encryption"
	"github.com/npezzotti/go-chatcore/internal/types"
)

const (
	roomColumns    = "id, external_id, name, description, owner_id, created_at, updated_at"
	messageColumns = "m.id, m.room_id, m.user_id, a.username, a.public_key, COALESCE(m.parent_id, 0), " +
		"m.content, m.attachments, m.edited, m.deleted, m.created_at, m.updated_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func (db *PgGoChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, public_key, private_key, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, username, email, public_key, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		params.Keys.PublicKey,
		params.Keys.PrivateKey,
		now,
		now,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PublicKey,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgGoChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, public_key, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PublicKey,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
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

	return user, err
}

func scanRoom(s scanner) (Room, error) {
	var room Room
	err := s.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Description,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	return room, err
}

func (db *PgGoChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	return scanRoom(row)
}

func (db *PgGoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO rooms (name, external_id, description, owner_id, public_key, private_key, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING "+roomColumns,
		params.Name,
		params.ExternalId,
		params.Description,
		params.OwnerId,
		params.Keys.PublicKey,
		params.Keys.PrivateKey,
		now,
		now,
	)

	return scanRoom(row)
}

func (db *PgGoChatRepository) DeleteRoom(ctx context.Context, id int) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"DELETE FROM message_reactions WHERE message_id IN (SELECT id FROM messages WHERE room_id = $1)", id)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM read_receipts WHERE room_id = $1", id)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE room_id = $1", id)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", id)
	if err != nil {
		return err
	}

	err = tx.Commit()
	return err
}

func (db *PgGoChatRepository) ListRooms(ctx context.Context, page Page) ([]Room, error) {
	limit, offset := page.limitOffset()
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2",
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0, limit)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgGoChatRepository) GetUserKeyMaterial(ctx context.Context, userId int) (encryption.KeyPair, error) {
	var kp encryption.KeyPair
	err := db.conn.QueryRowContext(ctx,
		"SELECT public_key, private_key FROM accounts WHERE id = $1", userId,
	).Scan(&kp.PublicKey, &kp.PrivateKey)

	return kp, err
}

func (db *PgGoChatRepository) GetRoomKeyMaterial(ctx context.Context, roomId int) (encryption.KeyPair, error) {
	var kp encryption.KeyPair
	err := db.conn.QueryRowContext(ctx,
		"SELECT public_key, private_key FROM rooms WHERE id = $1", roomId,
	).Scan(&kp.PublicKey, &kp.PrivateKey)

	return kp, err
}

func scanMessage(s scanner) (Message, error) {
	var (
		msg         Message
		attachments []byte
	)

	err := s.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.UserId,
		&msg.Username,
		&msg.SenderKey,
		&msg.ParentId,
		&msg.Content,
		&attachments,
		&msg.Edited,
		&msg.Deleted,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}

	return msg, nil
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v > 0}
}

func (db *PgGoChatRepository) InsertMessage(ctx context.Context, params InsertMessageParams) (Message, error) {
	attachments, err := json.Marshal(params.Attachments)
	if err != nil {
		return Message{}, fmt.Errorf("encode attachments: %w", err)
	}

	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"WITH m AS ("+
			"INSERT INTO messages (room_id, user_id, parent_id, content, attachments, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING *) "+
			"SELECT "+messageColumns+" FROM m JOIN accounts a ON a.id = m.user_id",
		params.RoomId,
		params.UserId,
		nullInt(params.ParentId),
		params.Content,
		attachments,
		now,
		now,
	)

	return scanMessage(row)
}

func (db *PgGoChatRepository) UpdateMessage(ctx context.Context, params UpdateMessageParams) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"WITH m AS ("+
			"UPDATE messages SET content = $3, edited = true, updated_at = $4 "+
			"WHERE id = $1 AND user_id = $2 AND deleted = false RETURNING *) "+
			"SELECT "+messageColumns+" FROM m JOIN accounts a ON a.id = m.user_id",
		params.MessageId,
		params.UserId,
		params.Content,
		time.Now().UTC(),
	)

	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, err
	}

	return db.withReactions(ctx, msg)
}

func (db *PgGoChatRepository) DeleteMessage(ctx context.Context, messageId, userId int) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"WITH m AS ("+
			"UPDATE messages SET content = '', attachments = '[]', deleted = true, updated_at = $3 "+
			"WHERE id = $1 AND user_id = $2 AND deleted = false RETURNING *) "+
			"SELECT "+messageColumns+" FROM m JOIN accounts a ON a.id = m.user_id",
		messageId,
		userId,
		time.Now().UTC(),
	)

	return scanMessage(row)
}

func (db *PgGoChatRepository) GetMessage(ctx context.Context, messageId int) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.id = $1 AND m.deleted = false",
		messageId,
	)

	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, err
	}

	return db.withReactions(ctx, msg)
}

func (db *PgGoChatRepository) ListMessages(ctx context.Context, roomId int, page Page) ([]Message, error) {
	limit, offset := page.limitOffset()
	return db.listMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.parent_id IS NULL AND m.deleted = false "+
			"ORDER BY m.id DESC LIMIT $2 OFFSET $3",
		roomId, limit, offset,
	)
}

func (db *PgGoChatRepository) ListThreadMessages(ctx context.Context, parentId int, page Page) ([]Message, error) {
	limit, offset := page.limitOffset()
	return db.listMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.parent_id = $1 AND m.deleted = false "+
			"ORDER BY m.id DESC LIMIT $2 OFFSET $3",
		parentId, limit, offset,
	)
}

func (db *PgGoChatRepository) ListAllMessages(ctx context.Context, roomId int, page Page) ([]Message, error) {
	limit, offset := page.limitOffset()
	return db.listMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.deleted = false "+
			"ORDER BY m.id DESC LIMIT $2 OFFSET $3",
		roomId, limit, offset,
	)
}

func (db *PgGoChatRepository) listMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		messages []Message
		ids      []int64
	)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
		ids = append(ids, int64(msg.Id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reactions, err := db.loadReactions(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := range messages {
		messages[i].Reactions = reactions[messages[i].Id]
	}

	return messages, nil
}

func (db *PgGoChatRepository) loadReactions(ctx context.Context, ids []int64) (map[int]types.Reactions, error) {
	out := make(map[int]types.Reactions)
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT message_id, emoji, account_id FROM message_reactions "+
			"WHERE message_id = ANY($1) ORDER BY created_at",
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("load reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageId, userId int
			emoji             string
		)
		if err := rows.Scan(&messageId, &emoji, &userId); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		if out[messageId] == nil {
			out[messageId] = types.Reactions{}
		}
		out[messageId].Add(emoji, userId)
	}

	return out, rows.Err()
}

func (db *PgGoChatRepository) withReactions(ctx context.Context, msg Message) (Message, error) {
	reactions, err := db.loadReactions(ctx, []int64{int64(msg.Id)})
	if err != nil {
		return Message{}, err
	}
	msg.Reactions = reactions[msg.Id]
	return msg, nil
}

func (db *PgGoChatRepository) AddReaction(ctx context.Context, messageId, userId int, emoji string) (Message, error) {
	if _, err := db.GetMessage(ctx, messageId); err != nil {
		return Message{}, err
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_reactions (message_id, account_id, emoji, created_at) "+
			"VALUES ($1, $2, $3, $4) ON CONFLICT (message_id, account_id, emoji) DO NOTHING",
		messageId,
		userId,
		emoji,
		time.Now().UTC(),
	)
	if err != nil {
		return Message{}, err
	}

	return db.GetMessage(ctx, messageId)
}

func (db *PgGoChatRepository) RemoveReaction(ctx context.Context, messageId, userId int, emoji string) (Message, error) {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM message_reactions WHERE message_id = $1 AND account_id = $2 AND emoji = $3",
		messageId,
		userId,
		emoji,
	)
	if err != nil {
		return Message{}, err
	}

	return db.GetMessage(ctx, messageId)
}

func (db *PgGoChatRepository) MarkMessagesAsRead(ctx context.Context, roomId, userId, lastMessageId int) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO read_receipts (room_id, account_id, last_read_message_id, updated_at) "+
			"VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (room_id, account_id) DO UPDATE SET "+
			"last_read_message_id = GREATEST(read_receipts.last_read_message_id, EXCLUDED.last_read_message_id), "+
			"updated_at = EXCLUDED.updated_at",
		roomId,
		userId,
		lastMessageId,
		time.Now().UTC(),
	)

	return err
}
