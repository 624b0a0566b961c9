package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultPresenceGrace    = 5 * time.Second
	DefaultTypingTimeout    = 3 * time.Second
	DefaultAckTimeout       = 10 * time.Second
	DefaultMessageRateLimit = 5.0
	DefaultMessageRateBurst = 10
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string

	// PresenceGrace delays the offline transition after a user's last
	// connection closes.
	PresenceGrace time.Duration
	// TypingTimeout clears a typing indicator after this much inactivity.
	TypingTimeout time.Duration
	// AckTimeout bounds the persistence work behind an acknowledged call.
	AckTimeout time.Duration
	// MessageRateLimit is the sustained number of message events per second
	// allowed on one connection.
	MessageRateLimit float64
	MessageRateBurst int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty secret")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:      databaseDSN,
		ServerAddr:       serverAddr,
		SigningKey:       signingKey,
		AllowedOrigins:   allowedOrigins,
		PresenceGrace:    DefaultPresenceGrace,
		TypingTimeout:    DefaultTypingTimeout,
		AckTimeout:       DefaultAckTimeout,
		MessageRateLimit: DefaultMessageRateLimit,
		MessageRateBurst: DefaultMessageRateBurst,
	}, nil
}

// Validate checks the realtime tuning values after flags have been applied.
func (c *Config) Validate() error {
	if c.PresenceGrace < 0 {
		return fmt.Errorf("presence grace cannot be negative")
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("typing timeout must be positive")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive")
	}
	if c.MessageRateLimit <= 0 || c.MessageRateBurst <= 0 {
		return fmt.Errorf("message rate limit and burst must be positive")
	}
	return nil
}
