package database

import (
	"context"

	"github.com/npezzotti/go-chatcore/internal/encryption"
	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetAccountById(ctx context.Context, userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) DeleteRoom(ctx context.Context, id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockGoChatRepository) ListRooms(ctx context.Context, page Page) ([]Room, error) {
	args := m.Called(page)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockGoChatRepository) GetUserKeyMaterial(ctx context.Context, userId int) (encryption.KeyPair, error) {
	args := m.Called(userId)
	return args.Get(0).(encryption.KeyPair), args.Error(1)
}
func (m *MockGoChatRepository) GetRoomKeyMaterial(ctx context.Context, roomId int) (encryption.KeyPair, error) {
	args := m.Called(roomId)
	return args.Get(0).(encryption.KeyPair), args.Error(1)
}
func (m *MockGoChatRepository) InsertMessage(ctx context.Context, params InsertMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) UpdateMessage(ctx context.Context, params UpdateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) DeleteMessage(ctx context.Context, messageId, userId int) (Message, error) {
	args := m.Called(messageId, userId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) GetMessage(ctx context.Context, messageId int) (Message, error) {
	args := m.Called(messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) ListMessages(ctx context.Context, roomId int, page Page) ([]Message, error) {
	args := m.Called(roomId, page)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockGoChatRepository) ListThreadMessages(ctx context.Context, parentId int, page Page) ([]Message, error) {
	args := m.Called(parentId, page)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockGoChatRepository) ListAllMessages(ctx context.Context, roomId int, page Page) ([]Message, error) {
	args := m.Called(roomId, page)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockGoChatRepository) AddReaction(ctx context.Context, messageId, userId int, emoji string) (Message, error) {
	args := m.Called(messageId, userId, emoji)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) RemoveReaction(ctx context.Context, messageId, userId int, emoji string) (Message, error) {
	args := m.Called(messageId, userId, emoji)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) MarkMessagesAsRead(ctx context.Context, roomId, userId, lastMessageId int) error {
	args := m.Called(roomId, userId, lastMessageId)
	return args.Error(0)
}
