package database

import (
	"context"

	"github.com/npezzotti/go-chatcore/internal/encryption"
)

// GoChatRepository is the persistence collaborator of the chat core. Lookups
// of absent rows return sql.ErrNoRows.
type GoChatRepository interface {
	Ping() error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	DeleteRoom(ctx context.Context, id int) error
	ListRooms(ctx context.Context, page Page) ([]Room, error)
	GetUserKeyMaterial(ctx context.Context, userId int) (encryption.KeyPair, error)
	GetRoomKeyMaterial(ctx context.Context, roomId int) (encryption.KeyPair, error)
	InsertMessage(ctx context.Context, params InsertMessageParams) (Message, error)
	UpdateMessage(ctx context.Context, params UpdateMessageParams) (Message, error)
	DeleteMessage(ctx context.Context, messageId, userId int) (Message, error)
	GetMessage(ctx context.Context, messageId int) (Message, error)
	ListMessages(ctx context.Context, roomId int, page Page) ([]Message, error)
	ListThreadMessages(ctx context.Context, parentId int, page Page) ([]Message, error)
	// ListAllMessages pages through every live message of a room, thread
	// replies included, newest first.
	ListAllMessages(ctx context.Context, roomId int, page Page) ([]Message, error)
	AddReaction(ctx context.Context, messageId, userId int, emoji string) (Message, error)
	RemoveReaction(ctx context.Context, messageId, userId int, emoji string) (Message, error)
	MarkMessagesAsRead(ctx context.Context, roomId, userId, lastMessageId int) error
}
