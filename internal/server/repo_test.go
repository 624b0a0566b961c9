package server

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatcore/internal/database"
	"github.com/npezzotti/go-chatcore/internal/encryption"
	"github.com/npezzotti/go-chatcore/internal/types"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory GoChatRepository used by the end to end tests.
type memRepo struct {
	mu        sync.Mutex
	users     map[int]database.User
	userKeys  map[int]encryption.KeyPair
	rooms     map[int]database.Room
	roomKeys  map[int]encryption.KeyPair
	messages  map[int]*database.Message
	reads     map[[2]int]int
	nextMsgId int
	insertErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    make(map[int]database.User),
		userKeys: make(map[int]encryption.KeyPair),
		rooms:    make(map[int]database.Room),
		roomKeys: make(map[int]encryption.KeyPair),
		messages: make(map[int]*database.Message),
		reads:    make(map[[2]int]int),
	}
}

func (m *memRepo) addUser(t *testing.T, id int, name string) {
	t.Helper()
	kp, err := encryption.GenerateKeyPair()
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = database.User{Id: id, Username: name, PublicKey: kp.PublicKey}
	m.userKeys[id] = kp
}

func (m *memRepo) addRoom(t *testing.T, id int, externalId string) encryption.KeyPair {
	t.Helper()
	kp, err := encryption.GenerateKeyPair()
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[id] = database.Room{Id: id, ExternalId: externalId, Name: externalId}
	m.roomKeys[id] = kp
	return kp
}

func (m *memRepo) Ping() error { return nil }

func (m *memRepo) CreateAccount(ctx context.Context, params database.CreateAccountParams) (database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := len(m.users) + 1
	u := database.User{Id: id, Username: params.Username, EmailAddress: params.EmailAddress, PublicKey: params.Keys.PublicKey}
	m.users[id] = u
	m.userKeys[id] = params.Keys
	return u, nil
}

func (m *memRepo) GetAccountById(ctx context.Context, id int) (database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return database.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *memRepo) GetAccountByEmail(ctx context.Context, email string) (database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.EmailAddress == email {
			return u, nil
		}
	}
	return database.User{}, sql.ErrNoRows
}

func (m *memRepo) GetRoomByExternalId(ctx context.Context, externalId string) (database.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.ExternalId == externalId {
			return r, nil
		}
	}
	return database.Room{}, sql.ErrNoRows
}

func (m *memRepo) CreateRoom(ctx context.Context, params database.CreateRoomParams) (database.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := len(m.rooms) + 1
	r := database.Room{Id: id, Name: params.Name, ExternalId: params.ExternalId, OwnerId: params.OwnerId}
	m.rooms[id] = r
	m.roomKeys[id] = params.Keys
	return r, nil
}

func (m *memRepo) DeleteRoom(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.rooms, id)
	return nil
}

func (m *memRepo) ListRooms(ctx context.Context, page database.Page) ([]database.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Room
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRepo) GetUserKeyMaterial(ctx context.Context, userId int) (encryption.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.userKeys[userId]
	if !ok {
		return encryption.KeyPair{}, sql.ErrNoRows
	}
	return kp, nil
}

func (m *memRepo) GetRoomKeyMaterial(ctx context.Context, roomId int) (encryption.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.roomKeys[roomId]
	if !ok {
		return encryption.KeyPair{}, sql.ErrNoRows
	}
	return kp, nil
}

func (m *memRepo) copyMessage(msg *database.Message) database.Message {
	out := *msg
	out.Reactions = make(types.Reactions, len(msg.Reactions))
	for emoji, users := range msg.Reactions {
		out.Reactions[emoji] = slices.Clone(users)
	}
	return out
}

func (m *memRepo) InsertMessage(ctx context.Context, params database.InsertMessageParams) (database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return database.Message{}, m.insertErr
	}

	m.nextMsgId++
	now := time.Now().UTC()
	msg := &database.Message{
		Id:          m.nextMsgId,
		RoomId:      params.RoomId,
		UserId:      params.UserId,
		Username:    m.users[params.UserId].Username,
		SenderKey:   m.users[params.UserId].PublicKey,
		ParentId:    params.ParentId,
		Content:     params.Content,
		Attachments: params.Attachments,
		Reactions:   types.Reactions{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.messages[msg.Id] = msg
	return m.copyMessage(msg), nil
}

func (m *memRepo) UpdateMessage(ctx context.Context, params database.UpdateMessageParams) (database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[params.MessageId]
	if !ok || msg.Deleted || msg.UserId != params.UserId {
		return database.Message{}, sql.ErrNoRows
	}
	msg.Content = params.Content
	msg.Edited = true
	msg.UpdatedAt = time.Now().UTC()
	return m.copyMessage(msg), nil
}

func (m *memRepo) DeleteMessage(ctx context.Context, messageId, userId int) (database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageId]
	if !ok || msg.Deleted || msg.UserId != userId {
		return database.Message{}, sql.ErrNoRows
	}
	msg.Deleted = true
	msg.Content = ""
	return m.copyMessage(msg), nil
}

func (m *memRepo) GetMessage(ctx context.Context, messageId int) (database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageId]
	if !ok || msg.Deleted {
		return database.Message{}, sql.ErrNoRows
	}
	return m.copyMessage(msg), nil
}

func (m *memRepo) list(match func(*database.Message) bool) []database.Message {
	var out []database.Message
	for _, msg := range m.messages {
		if !msg.Deleted && match(msg) {
			out = append(out, m.copyMessage(msg))
		}
	}
	slices.SortFunc(out, func(a, b database.Message) int { return b.Id - a.Id })
	return out
}

func (m *memRepo) ListMessages(ctx context.Context, roomId int, page database.Page) ([]database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page.Number > 0 {
		return nil, nil
	}
	return m.list(func(msg *database.Message) bool { return msg.RoomId == roomId && msg.ParentId == 0 }), nil
}

func (m *memRepo) ListThreadMessages(ctx context.Context, parentId int, page database.Page) ([]database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page.Number > 0 {
		return nil, nil
	}
	return m.list(func(msg *database.Message) bool { return msg.ParentId == parentId }), nil
}

func (m *memRepo) ListAllMessages(ctx context.Context, roomId int, page database.Page) ([]database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page.Number > 0 {
		return nil, nil
	}
	return m.list(func(msg *database.Message) bool { return msg.RoomId == roomId }), nil
}

func (m *memRepo) AddReaction(ctx context.Context, messageId, userId int, emoji string) (database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageId]
	if !ok || msg.Deleted {
		return database.Message{}, sql.ErrNoRows
	}
	msg.Reactions.Add(emoji, userId)
	return m.copyMessage(msg), nil
}

func (m *memRepo) RemoveReaction(ctx context.Context, messageId, userId int, emoji string) (database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageId]
	if !ok || msg.Deleted {
		return database.Message{}, sql.ErrNoRows
	}
	msg.Reactions.Remove(emoji, userId)
	return m.copyMessage(msg), nil
}

func (m *memRepo) MarkMessagesAsRead(ctx context.Context, roomId, userId, lastMessageId int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int{roomId, userId}
	m.reads[key] = max(m.reads[key], lastMessageId)
	return nil
}

// tokenSessions maps session tokens to user ids.
type tokenSessions map[string]int

func (s tokenSessions) ValidateToken(token string) (int, error) {
	id, ok := s[token]
	if !ok {
		return 0, errors.New("invalid token")
	}
	return id, nil
}
