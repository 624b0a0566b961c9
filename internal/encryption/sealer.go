package encryption

import (
	"context"
	"fmt"
)

// KeyStore resolves key material held by the persistence layer.
type KeyStore interface {
	GetUserKeyMaterial(ctx context.Context, userId int) (KeyPair, error)
	GetRoomKeyMaterial(ctx context.Context, roomId int) (KeyPair, error)
}

type Sealed struct {
	Content   string
	SenderKey string
}

// Sealer encrypts room messages with the sender's private key and the room's
// public key. Keys are looked up on every call.
type Sealer struct {
	keys KeyStore
}

func NewSealer(keys KeyStore) *Sealer {
	return &Sealer{keys: keys}
}

func (s *Sealer) Seal(ctx context.Context, senderId, roomId int, plaintext string) (Sealed, error) {
	sender, err := s.keys.GetUserKeyMaterial(ctx, senderId)
	if err != nil {
		return Sealed{}, fmt.Errorf("user key material: %w", err)
	}

	room, err := s.keys.GetRoomKeyMaterial(ctx, roomId)
	if err != nil {
		return Sealed{}, fmt.Errorf("room key material: %w", err)
	}

	content, err := Encrypt(plaintext, room.PublicKey, sender.PrivateKey)
	if err != nil {
		return Sealed{}, err
	}

	return Sealed{Content: content, SenderKey: sender.PublicKey}, nil
}

// Opener returns a function that decrypts messages of one room, substituting
// Placeholder for any message that fails to open.
func (s *Sealer) Opener(ctx context.Context, roomId int) (func(Sealed) string, error) {
	room, err := s.keys.GetRoomKeyMaterial(ctx, roomId)
	if err != nil {
		return nil, fmt.Errorf("room key material: %w", err)
	}

	return func(m Sealed) string {
		return DecryptOrPlaceholder(m.Content, m.SenderKey, room.PrivateKey)
	}, nil
}
