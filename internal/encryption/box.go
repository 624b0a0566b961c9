// Package encryption implements sender-authenticated box encryption of
// message payloads. Keys and ciphertext travel as standard base64 strings.
package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

const (
	KeySize   = 32
	NonceSize = 24

	// Placeholder replaces message content that cannot be decrypted.
	Placeholder = "unable to decrypt"
)

const (
	ReasonMalformed  = "malformed input"
	ReasonAuthFailed = "authentication failed"
)

// CryptoError is returned for every encryption or decryption failure.
type CryptoError struct {
	Reason string
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto: %s: %v", e.Reason, e.Err)
	}
	return "crypto: " + e.Reason
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

type KeyPair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"-"`
}

var randReader io.Reader = rand.Reader

// GenerateKeyPair creates a new Curve25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(randReader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}

	return KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub[:]),
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
	}, nil
}

// Encrypt seals plaintext for the holder of recipientPublicKey and returns
// base64(nonce || ciphertext).
func Encrypt(plaintext, recipientPublicKey, senderPrivateKey string) (string, error) {
	peer, err := decodeKey(recipientPublicKey)
	if err != nil {
		return "", err
	}
	priv, err := decodeKey(senderPrivateKey)
	if err != nil {
		return "", err
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(randReader, nonce[:]); err != nil {
		return "", &CryptoError{Reason: "nonce generation failed", Err: err}
	}

	sealed := box.Seal(nonce[:], []byte(plaintext), &nonce, peer, priv)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(blob, senderPublicKey, recipientPrivateKey string) (string, error) {
	peer, err := decodeKey(senderPublicKey)
	if err != nil {
		return "", err
	}
	priv, err := decodeKey(recipientPrivateKey)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &CryptoError{Reason: ReasonMalformed, Err: err}
	}
	if len(raw) < NonceSize+box.Overhead {
		return "", &CryptoError{Reason: ReasonMalformed}
	}

	var nonce [NonceSize]byte
	copy(nonce[:], raw[:NonceSize])

	plain, ok := box.Open(nil, raw[NonceSize:], &nonce, peer, priv)
	if !ok {
		return "", &CryptoError{Reason: ReasonAuthFailed}
	}

	return string(plain), nil
}

// DecryptOrPlaceholder never fails; undecryptable content becomes Placeholder.
func DecryptOrPlaceholder(blob, senderPublicKey, recipientPrivateKey string) string {
	plain, err := Decrypt(blob, senderPublicKey, recipientPrivateKey)
	if err != nil {
		return Placeholder
	}
	return plain
}

func decodeKey(s string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &CryptoError{Reason: ReasonMalformed, Err: fmt.Errorf("decode key: %w", err)}
	}
	if len(raw) != KeySize {
		return nil, &CryptoError{Reason: ReasonMalformed, Err: fmt.Errorf("key length %d", len(raw))}
	}

	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
