package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/npezzotti/go-chatcore/internal/encryption"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMessage_Event(t *testing.T) {
	tcases := []struct {
		name    string
		raw     string
		want    Event
		wantOk  bool
		roomId  string
		checkFn func(t *testing.T, m *ClientMessage)
	}{
		{
			name:   "auth",
			raw:    `{"id":1,"auth":{"token":"abc"}}`,
			want:   EventAuth,
			wantOk: true,
			checkFn: func(t *testing.T, m *ClientMessage) {
				assert.Equal(t, "abc", m.Auth.Token)
			},
		},
		{
			name:   "join room",
			raw:    `{"id":2,"joinRoom":{"room_id":"r1"}}`,
			want:   EventJoinRoom,
			wantOk: true,
			roomId: "r1",
		},
		{
			name:   "send message",
			raw:    `{"id":3,"sendMessage":{"room_id":"r1","content":"hi"}}`,
			want:   EventSendMessage,
			wantOk: true,
			roomId: "r1",
			checkFn: func(t *testing.T, m *ClientMessage) {
				assert.Equal(t, "hi", m.SendMessage.Content)
			},
		},
		{
			name:   "thread reply",
			raw:    `{"id":4,"addMessageToThread":{"room_id":"r2","parent_id":9,"content":"re"}}`,
			want:   EventAddMessageToThread,
			wantOk: true,
			roomId: "r2",
			checkFn: func(t *testing.T, m *ClientMessage) {
				assert.Equal(t, 9, m.AddMessageToThread.ParentId)
			},
		},
		{
			name:   "typing",
			raw:    `{"typing":{"room_id":"r1"}}`,
			want:   EventTyping,
			wantOk: true,
			roomId: "r1",
		},
		{
			name:   "heartbeat",
			raw:    `{"heartbeat":{}}`,
			want:   EventHeartbeat,
			wantOk: true,
		},
		{
			name:   "call signal keeps payload",
			raw:    `{"callSignal":{"call_id":"c1","signal":{"sdp":"v=0"}}}`,
			want:   EventCallSignal,
			wantOk: true,
			checkFn: func(t *testing.T, m *ClientMessage) {
				assert.JSONEq(t, `{"sdp":"v=0"}`, string(m.CallSignal.Signal))
			},
		},
		{
			name: "no event",
			raw:  `{"id":5}`,
		},
		{
			name: "two events",
			raw:  `{"id":6,"joinRoom":{"room_id":"r1"},"leaveRoom":{"room_id":"r1"}}`,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var m ClientMessage
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &m))

			ev, ok := m.Event()
			assert.Equal(t, tc.wantOk, ok)
			if tc.wantOk {
				assert.Equal(t, tc.want, ev)
			}
			assert.Equal(t, tc.roomId, m.RoomId())
			if tc.checkFn != nil {
				tc.checkFn(t, &m)
			}
		})
	}
}

func TestNoErrOk(t *testing.T) {
	result := NoErrOK(1, map[string]any{
		"testkey": "testvalue",
	})

	assert.Equal(t, 1, result.Id, "expected Id to match")
	assert.WithinDuration(t, Now(), result.Timestamp, time.Second, "expected Timestamp to be recent")
	require.NotNil(t, result.Response)
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode)
	assert.True(t, result.Response.Success)
	assert.Empty(t, result.Response.Error)
	assert.Equal(t, map[string]any{"testkey": "testvalue"}, result.Response.Data)
}

func TestErrorResponses(t *testing.T) {
	tcases := []struct {
		name string
		msg  *ServerMessage
		code int
		err  string
	}{
		{"room not found", ErrRoomNotFound(1), http.StatusNotFound, "room not found"},
		{"internal error", ErrInternalError(1), http.StatusInternalServerError, "internal server error"},
		{"service unavailable", ErrServiceUnavailable(1), http.StatusServiceUnavailable, "service unavailable"},
		{"unauthorized", ErrUnauthorized(1), http.StatusUnauthorized, "authentication required"},
		{"invalid message", ErrInvalidMessage(1), http.StatusBadRequest, "invalid message format"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, 1, tc.msg.Id)
			assert.Equal(t, tc.code, tc.msg.Response.ResponseCode)
			assert.Equal(t, tc.err, tc.msg.Response.Error)
			assert.False(t, tc.msg.Response.Success)
		})
	}

	t.Run("invalid message without id", func(t *testing.T) {
		assert.Equal(t, 0, ErrInvalidMessage(-1).Id)
	})
}

func TestErrorResponse(t *testing.T) {
	tcases := []struct {
		name       string
		err        error
		code       int
		message    string
		retryAfter int64
	}{
		{
			name:    "validation",
			err:     errValidation("bad %s", "input"),
			code:    http.StatusBadRequest,
			message: "bad input",
		},
		{
			name:    "forbidden",
			err:     newChatError(ForbiddenError, "nope"),
			code:    http.StatusForbidden,
			message: "nope",
		},
		{
			name:    "wrapped not found",
			err:     fmt.Errorf("load: %w", errNotFound("message")),
			code:    http.StatusNotFound,
			message: "message not found",
		},
		{
			name:    "no rows",
			err:     sql.ErrNoRows,
			code:    http.StatusNotFound,
			message: "not found",
		},
		{
			name:    "crypto failure",
			err:     &encryption.CryptoError{Reason: encryption.ReasonAuthFailed},
			code:    http.StatusInternalServerError,
			message: "unable to process encrypted content",
		},
		{
			name:    "deadline",
			err:     fmt.Errorf("insert: %w", context.DeadlineExceeded),
			code:    http.StatusServiceUnavailable,
			message: "request timed out",
		},
		{
			name:       "rate limited",
			err:        errRateLimited(1500 * time.Millisecond),
			code:       http.StatusTooManyRequests,
			message:    "too many requests",
			retryAfter: 1500,
		},
		{
			name:    "unknown error hides details",
			err:     errors.New("pq: connection reset"),
			code:    http.StatusInternalServerError,
			message: "internal server error",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg := ErrorResponse(7, tc.err)
			assert.Equal(t, 7, msg.Id)
			assert.Equal(t, tc.code, msg.Response.ResponseCode)
			assert.Equal(t, tc.message, msg.Response.Error)
			assert.Equal(t, tc.retryAfter, msg.Response.RetryAfterMs)
			assert.False(t, msg.Response.Success)
		})
	}
}

func TestChatError(t *testing.T) {
	cause := errors.New("boom")
	err := wrapChatError(InternalError, "failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "InternalError: failed: boom", err.Error())
	assert.Equal(t, "NotFoundError: room not found", errNotFound("room").Error())
}

func Test_serializeMessage(t *testing.T) {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Id: 2, Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		Notification: &Notification{
			UserTyping: &TypingNotice{RoomId: "r1", UserId: 3, Username: "carol"},
		},
		UserId:     3,
		SkipClient: &Client{},
	}

	b, err := serializeMessage(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 2,
		"timestamp": "2024-01-02T03:04:05Z",
		"notification": {
			"userTyping": {"room_id": "r1", "user_id": 3, "username": "carol"}
		}
	}`, string(b))
}
