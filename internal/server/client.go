package server

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatcore/internal/types"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Client is one websocket connection. It starts out unauthenticated and
// may only authenticate until a user is bound to it.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	state      atomic.Int32
	send       chan *ServerMessage
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	limiter    *rate.Limiter
	lastSeen   atomic.Int64
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	c := &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]*Room),
		limiter:    rate.NewLimiter(rate.Limit(cs.rateLimit), cs.rateBurst),
		stop:       make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() types.User {
	return c.user
}

func (c *Client) State() string {
	return connState(c.state.Load()).String()
}

// LastSeen is the time of the last frame read from the connection.
func (c *Client) LastSeen() time.Time {
	ns := c.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) isAuthenticated() bool {
	return connState(c.state.Load()) == stateAuthenticated
}

func (c *Client) setAuthenticated() bool {
	return c.state.CompareAndSwap(int32(stateConnecting), int32(stateAuthenticated))
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing connection"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		c.touch()

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.Timestamp = Now()
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	ev, ok := msg.Event()
	if !ok {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if ev == EventAuth {
		c.authenticate(msg)
		return
	}

	if !c.isAuthenticated() {
		c.queueMessage(ErrUnauthorized(msg.Id))
		return
	}

	switch ev {
	case EventJoinRoom:
		c.joinRoom(msg)
	case EventLeaveRoom:
		c.leaveRoom(msg)
	case EventSendMessage, EventAddMessageToThread, EventEditMessage, EventDeleteMessage, EventReactMessage:
		if err := c.allow(); err != nil {
			c.queueMessage(ErrorResponse(msg.Id, err))
			return
		}
		c.routeToRoom(msg, true)
	case EventMarkMessagesAsRead:
		c.routeToRoom(msg, true)
	case EventTyping, EventStopTyping:
		c.routeToRoom(msg, false)
	case EventUpdatePresence:
		c.updatePresence(msg)
	case EventHeartbeat:
		c.heartbeat(msg)
	case EventGetOnlineUsers:
		c.getOnlineUsers(msg)
	case EventGetRecentMessages:
		c.getRecentMessages(msg)
	case EventGetThreadMessages:
		c.getThreadMessages(msg)
	case EventSearchMessages:
		c.searchMessages(msg)
	case EventInitiateCall:
		c.chatServer.calls.initiate(c, msg)
	case EventAcceptCall:
		c.chatServer.calls.accept(c, msg)
	case EventDeclineCall:
		c.chatServer.calls.decline(c, msg)
	case EventEndCall:
		c.chatServer.calls.end(c, msg)
	case EventCallSignal:
		c.chatServer.calls.signal(c, msg)
	}
}

func (c *Client) authenticate(msg *ClientMessage) {
	ctx, cancel := c.chatServer.ackContext()
	defer cancel()

	user, err := c.chatServer.Authenticate(ctx, c, msg.Auth.Token)
	if err != nil {
		c.log.Printf("authentication failed for connection %s: %v", c.id, err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, AuthResult{ConnectionId: c.id, User: user}))
}

// allow applies the per-connection rate limit to message producing events.
func (c *Client) allow() error {
	if c.limiter == nil {
		return nil
	}

	res := c.limiter.Reserve()
	if !res.OK() {
		return errRateLimited(time.Second)
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return errRateLimited(d)
	}
	return nil
}

func (c *Client) routeToRoom(msg *ClientMessage, acked bool) {
	r := c.getRoom(msg.RoomId())
	if r == nil {
		if acked {
			c.queueMessage(ErrRoomNotFound(msg.Id))
		}
		return
	}

	if err := r.submit(r.clientMsgChan, msg); err != nil {
		if acked {
			c.queueMessage(ErrorResponse(msg.Id, err))
		} else {
			ev, _ := msg.Event()
			c.log.Printf("dropping %s for room %q: %v", ev, r.externalId, err)
		}
	}
}

func (c *Client) updatePresence(msg *ClientMessage) {
	if _, err := c.chatServer.presence.SetPresence(c.user.Id, msg.UpdatePresence.Status); err != nil {
		c.log.Printf("updatePresence from %q: %v", c.user.Username, err)
		if msg.Id > 0 {
			c.queueMessage(ErrorResponse(msg.Id, err))
		}
		return
	}

	if msg.Id > 0 {
		c.queueMessage(NoErrOK(msg.Id, nil))
	}
}

func (c *Client) heartbeat(msg *ClientMessage) {
	if err := c.chatServer.presence.RecordHeartbeat(c.user.Id); err != nil {
		c.log.Println("heartbeat:", err)
	}

	if msg.Id > 0 {
		c.queueMessage(NoErrOK(msg.Id, nil))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// cleanup runs once the read pump exits, whether the peer closed cleanly
// or the network dropped.
func (c *Client) cleanup() {
	c.roomsLock.Lock()
	prev := connState(c.state.Swap(int32(stateDisconnected)))
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.roomsLock.Unlock()

	if prev == stateAuthenticated {
		c.chatServer.DeRegisterClient(c, rooms)
	}

	c.stopClient()
}

func (c *Client) joinRoom(msg *ClientMessage) {
	if msg.JoinRoom.RoomId == "" {
		c.queueMessage(ErrorResponse(msg.Id, errValidation("room id is required")))
		return
	}

	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.LeaveRoom.RoomId)
	if r == nil {
		// not a member, nothing to do
		c.queueMessage(NoErrOK(msg.Id, nil))
		return
	}

	if err := r.submit(r.leaveChan, msg); err != nil {
		c.queueMessage(ErrorResponse(msg.Id, err))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

// addRoom records that c joined r. It reports false once c has
// disconnected so a late join cannot outlive the connection.
func (c *Client) addRoom(r *Room) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if connState(c.state.Load()) == stateDisconnected {
		return false
	}
	if c.rooms == nil {
		c.rooms = make(map[string]*Room)
	}
	c.rooms[r.externalId] = r
	return true
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}

func (c *Client) roomIds() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
