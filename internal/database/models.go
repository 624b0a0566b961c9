package database

import (
	"time"

	"github.com/npezzotti/go-chatcore/internal/encryption"
	"github.com/npezzotti/go-chatcore/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Room struct {
	Id          int
	Name        string
	ExternalId  string
	Description string
	OwnerId     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	PublicKey    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	Id          int
	RoomId      int
	UserId      int
	Username    string
	SenderKey   string
	ParentId    int
	Content     string
	Attachments []types.Attachment
	Reactions   types.Reactions
	Edited      bool
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Page selects a window of results, newest first. Number is zero based.
type Page struct {
	Number int
	Size   int
}

func (p Page) limitOffset() (int, int) {
	size := p.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	number := max(p.Number, 0)
	return size, number * size
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
	Keys         encryption.KeyPair
}

type CreateRoomParams struct {
	Name        string
	Description string
	OwnerId     int
	ExternalId  string
	Keys        encryption.KeyPair
}

type InsertMessageParams struct {
	RoomId      int
	UserId      int
	ParentId    int
	Content     string
	Attachments []types.Attachment
}

type UpdateMessageParams struct {
	MessageId int
	UserId    int
	Content   string
}
