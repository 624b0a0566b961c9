package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/go-chatcore/internal/encryption"
)

type ErrorKind string

const (
	AuthError       ErrorKind = "AuthError"
	ForbiddenError  ErrorKind = "ForbiddenError"
	NotFoundError   ErrorKind = "NotFoundError"
	ValidationError ErrorKind = "ValidationError"
	CryptoError     ErrorKind = "CryptoError"
	TransportError  ErrorKind = "TransportError"
	RateLimitError  ErrorKind = "RateLimitError"
	InternalError   ErrorKind = "InternalError"
)

func (k ErrorKind) ResponseCode() int {
	switch k {
	case AuthError:
		return http.StatusUnauthorized
	case ForbiddenError:
		return http.StatusForbidden
	case NotFoundError:
		return http.StatusNotFound
	case ValidationError:
		return http.StatusBadRequest
	case TransportError:
		return http.StatusServiceUnavailable
	case RateLimitError:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ChatError is the error returned to callers of acknowledged events.
type ChatError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

func newChatError(kind ErrorKind, msg string) *ChatError {
	return &ChatError{Kind: kind, Message: msg}
}

func wrapChatError(kind ErrorKind, msg string, err error) *ChatError {
	return &ChatError{Kind: kind, Message: msg, Err: err}
}

func errValidation(format string, args ...any) *ChatError {
	return newChatError(ValidationError, fmt.Sprintf(format, args...))
}

func errNotFound(what string) *ChatError {
	return newChatError(NotFoundError, what+" not found")
}

func errRateLimited(retryAfter time.Duration) *ChatError {
	return &ChatError{Kind: RateLimitError, Message: "too many requests", RetryAfter: retryAfter}
}

// asChatError classifies err. Errors that are already a ChatError pass
// through. Internal details never reach the message.
func asChatError(err error) *ChatError {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return wrapChatError(NotFoundError, "not found", err)
	case encryption.IsCryptoError(err):
		return wrapChatError(CryptoError, "unable to process encrypted content", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return wrapChatError(TransportError, "request timed out", err)
	default:
		return wrapChatError(InternalError, "internal server error", err)
	}
}
