package types

import (
	"slices"
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Room struct {
	Id          int       `json:"id"`
	Name        string    `json:"name"`
	ExternalId  string    `json:"external_id"`
	Description string    `json:"description"`
	OwnerId     int       `json:"owner_id"`
	Subscribers []Member  `json:"subscribers,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Member is a user currently connected to a room.
type Member struct {
	Id       int        `json:"id"`
	Username string     `json:"username"`
	Presence Presence   `json:"presence,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
	PresenceOffline Presence = "offline"
)

func (p Presence) Valid() bool {
	switch p {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

type PresenceRecord struct {
	UserId     int       `json:"user_id"`
	Status     Presence  `json:"status"`
	LastActive time.Time `json:"last_active"`
}

type Attachment struct {
	Url  string `json:"url"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Reactions maps an emoji to the ids of the users that reacted with it.
type Reactions map[string][]int

// Add records userId under emoji. It reports false if the reaction was
// already present.
func (r Reactions) Add(emoji string, userId int) bool {
	if slices.Contains(r[emoji], userId) {
		return false
	}
	r[emoji] = append(r[emoji], userId)
	return true
}

// Remove deletes userId from emoji, dropping the emoji once it has no users.
func (r Reactions) Remove(emoji string, userId int) bool {
	users, ok := r[emoji]
	if !ok {
		return false
	}
	i := slices.Index(users, userId)
	if i < 0 {
		return false
	}
	users = slices.Delete(users, i, i+1)
	if len(users) == 0 {
		delete(r, emoji)
	} else {
		r[emoji] = users
	}
	return true
}

// MessageEnvelope is the unit broadcast to room subscribers. Content always
// holds the base64 nonce||ciphertext blob. Text is only populated on paths
// where the server decrypts on behalf of the caller.
type MessageEnvelope struct {
	Id          int          `json:"id"`
	RoomId      string       `json:"room_id"`
	SenderId    int          `json:"sender_id"`
	SenderName  string       `json:"sender_name"`
	SenderKey   string       `json:"sender_key"`
	Content     string       `json:"content,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ParentId    int          `json:"parent_id,omitempty"`
	Reactions   Reactions    `json:"reactions,omitempty"`
	Edited      bool         `json:"edited"`
	Deleted     bool         `json:"deleted,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}
