package server

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/npezzotti/go-chatcore/internal/types"
)

// Event names a client event. A ClientMessage carries exactly one.
type Event string

const (
	EventAuth               Event = "auth"
	EventJoinRoom           Event = "joinRoom"
	EventLeaveRoom          Event = "leaveRoom"
	EventSendMessage        Event = "sendMessage"
	EventEditMessage        Event = "editMessage"
	EventDeleteMessage      Event = "deleteMessage"
	EventReactMessage       Event = "reactMessage"
	EventTyping             Event = "typing"
	EventStopTyping         Event = "stopTyping"
	EventUpdatePresence     Event = "updatePresence"
	EventHeartbeat          Event = "heartbeat"
	EventGetOnlineUsers     Event = "getOnlineUsers"
	EventGetRecentMessages  Event = "getRecentMessages"
	EventAddMessageToThread Event = "addMessageToThread"
	EventGetThreadMessages  Event = "getThreadMessages"
	EventSearchMessages     Event = "searchMessages"
	EventMarkMessagesAsRead Event = "markMessagesAsRead"
	EventInitiateCall       Event = "initiateCall"
	EventAcceptCall         Event = "acceptCall"
	EventDeclineCall        Event = "declineCall"
	EventEndCall            Event = "endCall"
	EventCallSignal         Event = "callSignal"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Auth               *Auth           `json:"auth,omitempty"`
	JoinRoom           *RoomRef        `json:"joinRoom,omitempty"`
	LeaveRoom          *RoomRef        `json:"leaveRoom,omitempty"`
	SendMessage        *SendMessage    `json:"sendMessage,omitempty"`
	EditMessage        *EditMessage    `json:"editMessage,omitempty"`
	DeleteMessage      *MessageRef     `json:"deleteMessage,omitempty"`
	ReactMessage       *ReactMessage   `json:"reactMessage,omitempty"`
	Typing             *RoomRef        `json:"typing,omitempty"`
	StopTyping         *RoomRef        `json:"stopTyping,omitempty"`
	UpdatePresence     *UpdatePresence `json:"updatePresence,omitempty"`
	Heartbeat          *Heartbeat      `json:"heartbeat,omitempty"`
	GetOnlineUsers     *RoomRef        `json:"getOnlineUsers,omitempty"`
	GetRecentMessages  *HistoryQuery   `json:"getRecentMessages,omitempty"`
	AddMessageToThread *ThreadReply    `json:"addMessageToThread,omitempty"`
	GetThreadMessages  *HistoryQuery   `json:"getThreadMessages,omitempty"`
	SearchMessages     *SearchQuery    `json:"searchMessages,omitempty"`
	MarkMessagesAsRead *MessageRef     `json:"markMessagesAsRead,omitempty"`
	InitiateCall       *InitiateCall   `json:"initiateCall,omitempty"`
	AcceptCall         *CallRef        `json:"acceptCall,omitempty"`
	DeclineCall        *CallRef        `json:"declineCall,omitempty"`
	EndCall            *CallRef        `json:"endCall,omitempty"`
	CallSignal         *CallRef        `json:"callSignal,omitempty"`
	client             *Client         `json:"-"`
}

// Event reports which event the message carries. ok is false unless
// exactly one event field is set.
func (m *ClientMessage) Event() (ev Event, ok bool) {
	set := []struct {
		ev  Event
		set bool
	}{
		{EventAuth, m.Auth != nil},
		{EventJoinRoom, m.JoinRoom != nil},
		{EventLeaveRoom, m.LeaveRoom != nil},
		{EventSendMessage, m.SendMessage != nil},
		{EventEditMessage, m.EditMessage != nil},
		{EventDeleteMessage, m.DeleteMessage != nil},
		{EventReactMessage, m.ReactMessage != nil},
		{EventTyping, m.Typing != nil},
		{EventStopTyping, m.StopTyping != nil},
		{EventUpdatePresence, m.UpdatePresence != nil},
		{EventHeartbeat, m.Heartbeat != nil},
		{EventGetOnlineUsers, m.GetOnlineUsers != nil},
		{EventGetRecentMessages, m.GetRecentMessages != nil},
		{EventAddMessageToThread, m.AddMessageToThread != nil},
		{EventGetThreadMessages, m.GetThreadMessages != nil},
		{EventSearchMessages, m.SearchMessages != nil},
		{EventMarkMessagesAsRead, m.MarkMessagesAsRead != nil},
		{EventInitiateCall, m.InitiateCall != nil},
		{EventAcceptCall, m.AcceptCall != nil},
		{EventDeclineCall, m.DeclineCall != nil},
		{EventEndCall, m.EndCall != nil},
		{EventCallSignal, m.CallSignal != nil},
	}

	n := 0
	for _, s := range set {
		if s.set {
			ev = s.ev
			n++
		}
	}

	return ev, n == 1
}

// RoomId returns the room the event targets, if any. A message that does
// not carry exactly one event targets no room.
func (m *ClientMessage) RoomId() string {
	if _, ok := m.Event(); !ok {
		return ""
	}
	switch {
	case m.JoinRoom != nil:
		return m.JoinRoom.RoomId
	case m.LeaveRoom != nil:
		return m.LeaveRoom.RoomId
	case m.SendMessage != nil:
		return m.SendMessage.RoomId
	case m.EditMessage != nil:
		return m.EditMessage.RoomId
	case m.DeleteMessage != nil:
		return m.DeleteMessage.RoomId
	case m.ReactMessage != nil:
		return m.ReactMessage.RoomId
	case m.Typing != nil:
		return m.Typing.RoomId
	case m.StopTyping != nil:
		return m.StopTyping.RoomId
	case m.GetOnlineUsers != nil:
		return m.GetOnlineUsers.RoomId
	case m.GetRecentMessages != nil:
		return m.GetRecentMessages.RoomId
	case m.AddMessageToThread != nil:
		return m.AddMessageToThread.RoomId
	case m.GetThreadMessages != nil:
		return m.GetThreadMessages.RoomId
	case m.SearchMessages != nil:
		return m.SearchMessages.RoomId
	case m.MarkMessagesAsRead != nil:
		return m.MarkMessagesAsRead.RoomId
	case m.InitiateCall != nil:
		return m.InitiateCall.RoomId
	}
	return ""
}

type Auth struct {
	Token string `json:"token"`
}

type RoomRef struct {
	RoomId string `json:"room_id"`
}

type SendMessage struct {
	RoomId      string             `json:"room_id"`
	Content     string             `json:"content"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

type EditMessage struct {
	RoomId    string `json:"room_id"`
	MessageId int    `json:"message_id"`
	Content   string `json:"content"`
}

type MessageRef struct {
	RoomId    string `json:"room_id"`
	MessageId int    `json:"message_id"`
}

// ReactMessage adds a reaction, or removes it when Remove is set.
type ReactMessage struct {
	RoomId    string `json:"room_id"`
	MessageId int    `json:"message_id"`
	Emoji     string `json:"emoji"`
	Remove    bool   `json:"remove,omitempty"`
}

type UpdatePresence struct {
	Status types.Presence `json:"status"`
}

type Heartbeat struct{}

type HistoryQuery struct {
	RoomId   string `json:"room_id"`
	ParentId int    `json:"parent_id,omitempty"`
	Page     int    `json:"page,omitempty"`
	Size     int    `json:"size,omitempty"`
}

type ThreadReply struct {
	RoomId      string             `json:"room_id"`
	ParentId    int                `json:"parent_id"`
	Content     string             `json:"content"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

type SearchQuery struct {
	RoomId string `json:"room_id"`
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
}

// InitiateCall rings UserId in the room, or every other member when
// UserId is zero.
type InitiateCall struct {
	RoomId string          `json:"room_id"`
	UserId int             `json:"user_id,omitempty"`
	Type   types.CallType  `json:"type"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

type CallRef struct {
	CallId string          `json:"call_id"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	// UserId routes the message to every connection of one user.
	UserId     int     `json:"-"`
	SkipClient *Client `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	NewMessage          *types.MessageEnvelope `json:"newMessage,omitempty"`
	MessageEdited       *types.MessageEnvelope `json:"messageEdited,omitempty"`
	MessageDeleted      *MessageDeleted        `json:"messageDeleted,omitempty"`
	MessageReaction     *MessageReaction       `json:"messageReaction,omitempty"`
	UserJoined          *RoomMember            `json:"userJoined,omitempty"`
	UserLeft            *RoomMember            `json:"userLeft,omitempty"`
	UserTyping          *TypingNotice          `json:"userTyping,omitempty"`
	UserStoppedTyping   *TypingNotice          `json:"userStoppedTyping,omitempty"`
	UserPresenceChanged *PresenceChange        `json:"userPresenceChanged,omitempty"`
	NewRoom             *types.Room            `json:"newRoom,omitempty"`
	RoomDeleted         *RoomDeleted           `json:"roomDeleted,omitempty"`
	CallUser            *CallOffer             `json:"callUser,omitempty"`
	CallAccepted        *CallUpdate            `json:"callAccepted,omitempty"`
	CallDeclined        *CallUpdate            `json:"callDeclined,omitempty"`
	UserBusy            *CallUpdate            `json:"userBusy,omitempty"`
	EndCall             *CallUpdate            `json:"endCall,omitempty"`
	CallSignal          *CallUpdate            `json:"callSignal,omitempty"`
}

type MessageDeleted struct {
	Id     int    `json:"id"`
	RoomId string `json:"room_id"`
}

type MessageReaction struct {
	MessageId int             `json:"message_id"`
	RoomId    string          `json:"room_id"`
	Reactions types.Reactions `json:"reactions"`
}

type RoomMember struct {
	RoomId string       `json:"room_id"`
	User   types.Member `json:"user"`
}

type TypingNotice struct {
	RoomId   string `json:"room_id"`
	UserId   int    `json:"user_id"`
	Username string `json:"username"`
}

type PresenceChange struct {
	RoomId     string         `json:"room_id"`
	UserId     int            `json:"user_id"`
	Status     types.Presence `json:"status"`
	LastActive time.Time      `json:"last_active"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

type CallOffer struct {
	CallId   string          `json:"call_id"`
	RoomId   string          `json:"room_id"`
	From     int             `json:"from"`
	FromName string          `json:"from_name"`
	Type     types.CallType  `json:"type"`
	Signal   json.RawMessage `json:"signal,omitempty"`
}

type CallUpdate struct {
	CallId string          `json:"call_id"`
	UserId int             `json:"user_id,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// Response payloads.

type AuthResult struct {
	ConnectionId string     `json:"connection_id"`
	User         types.User `json:"user"`
}

// RoomKey is handed to members on join so they can open room messages.
type RoomKey struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

type JoinResult struct {
	Room types.Room `json:"room"`
	Key  RoomKey    `json:"key"`
}

type OnlineUsers struct {
	RoomId string         `json:"room_id"`
	Users  []types.Member `json:"users"`
}

type MessageList struct {
	RoomId   string                  `json:"room_id"`
	ParentId int                     `json:"parent_id,omitempty"`
	Messages []types.MessageEnvelope `json:"messages"`
}

type CallStarted struct {
	CallId string `json:"call_id"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Success:      true,
			Data:         data,
		},
	}
}

func errResponse(id, code int, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrUnauthorized(id int) *ServerMessage {
	return errResponse(id, http.StatusUnauthorized, "authentication required")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

// ErrorResponse converts err into an error response, using the ChatError
// kind for the response code.
func ErrorResponse(id int, err error) *ServerMessage {
	ce := asChatError(err)
	msg := errResponse(id, ce.Kind.ResponseCode(), ce.Message)
	if ce.RetryAfter > 0 {
		msg.Response.RetryAfterMs = ce.RetryAfter.Milliseconds()
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
