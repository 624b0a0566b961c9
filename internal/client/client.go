// Package client is a Go client for the chat websocket protocol. It keeps
// one live connection, correlates acknowledged calls with their responses
// and reconnects with capped exponential backoff when the connection drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatcore/internal/encryption"
	"github.com/npezzotti/go-chatcore/internal/server"
	"github.com/npezzotti/go-chatcore/internal/types"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultCallTimeout = 10 * time.Second

	writeWait = 10 * time.Second
)

var (
	ErrCallTimeout    = errors.New("call timed out")
	ErrClosed         = errors.New("client closed")
	ErrNotConnected   = errors.New("not connected")
	ErrConnectionLost = errors.New("connection lost before reply")
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "closed"
	}
}

type Options struct {
	URL    string
	Token  string
	Header http.Header
	// MaxAttempts bounds consecutive reconnect attempts.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	// HeartbeatInterval enables periodic heartbeat events when positive.
	HeartbeatInterval time.Duration
	Logger            *log.Logger
	Dialer            *websocket.Dialer
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Reply is the server's answer to an acknowledged call.
type Reply struct {
	Id         int
	Code       int
	Success    bool
	Error      string
	RetryAfter time.Duration
	Data       json.RawMessage
}

// Decode unmarshals the reply payload into v.
func (r *Reply) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func (r *Reply) Err() error {
	if r.Success {
		return nil
	}
	return &ReplyError{Code: r.Code, Message: r.Error, RetryAfter: r.RetryAfter}
}

// ReplyError is a call the server answered with an error.
type ReplyError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server replied %d: %s", e.Code, e.Message)
}

func IsUnauthorized(err error) bool {
	var re *ReplyError
	return errors.As(err, &re) && re.Code == http.StatusUnauthorized
}

func isNotFound(err error) bool {
	var re *ReplyError
	return errors.As(err, &re) && re.Code == http.StatusNotFound
}

type wireFrame struct {
	Id       int `json:"id"`
	Response *struct {
		ResponseCode int             `json:"response_code"`
		Success      bool            `json:"success"`
		Error        string          `json:"error"`
		RetryAfterMs int64           `json:"retry_after_ms"`
		Data         json.RawMessage `json:"data"`
	} `json:"response"`
	Notification *server.Notification `json:"notification"`
}

type joinState struct {
	done   chan struct{}
	result *server.JoinResult
	err    error
}

type Client struct {
	opts Options
	log  *log.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	gen    uint64
	state  State
	closed bool
	// retry paces reconnect attempts and is reset by a successful connect.
	retry    backoff.BackOff
	attempts int
	nextId   int
	pending  map[int]chan *Reply
	user     types.User
	// rooms is the membership to restore after a reconnect.
	rooms map[string]struct{}
	keys  map[string]server.RoomKey
	// joins holds the join calls made on the current connection.
	joins        map[string]*joinState
	reconnecting bool

	// dialMu serializes connection attempts.
	dialMu  sync.Mutex
	writeMu sync.Mutex

	notifications chan *server.Notification
	done          chan struct{}
	closeOnce     sync.Once
}

// Dial connects to the server and authenticates with opts.Token.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()
	c := &Client{
		opts:          opts,
		log:           opts.Logger,
		state:         StateConnecting,
		pending:       make(map[int]chan *Reply),
		rooms:         make(map[string]struct{}),
		keys:          make(map[string]server.RoomKey),
		joins:         make(map[string]*joinState),
		notifications: make(chan *server.Notification, 256),
		done:          make(chan struct{}),
	}
	c.retry = newRetryPolicy(opts)

	if err := c.connect(ctx); err != nil {
		c.shutdown()
		return nil, err
	}

	if opts.HeartbeatInterval > 0 {
		go c.heartbeat()
	}
	return c, nil
}

// Notifications delivers server notifications. Notifications that arrive
// while the channel is full are dropped.
func (c *Client) Notifications() <-chan *server.Notification {
	return c.notifications
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) User() types.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Rooms returns the rooms the client is a member of.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// newRetryPolicy doubles the delay from BaseDelay up to MaxDelay and stops
// after MaxAttempts consecutive attempts. Delays are not randomized.
func newRetryPolicy(opts Options) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.BaseDelay
	exp.MaxInterval = opts.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(opts.MaxAttempts))
}

// connect dials a fresh connection unless one is already live, then
// authenticates and restores room membership.
func (c *Client) connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	gen, ok := c.attach(conn)
	if !ok {
		conn.Close()
		return ErrClosed
	}
	go c.readLoop(conn, gen)

	if c.opts.Token != "" {
		if err := c.authenticate(ctx); err != nil {
			c.drop(gen)
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	if err := c.rejoin(ctx); err != nil {
		c.drop(gen)
		return fmt.Errorf("rejoin: %w", err)
	}

	c.mu.Lock()
	if c.gen == gen && !c.closed {
		c.state = StateConnected
		c.attempts = 0
		c.retry.Reset()
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) authenticate(ctx context.Context) error {
	reply, err := c.Call(ctx, &server.ClientMessage{Auth: &server.Auth{Token: c.opts.Token}})
	if err != nil {
		return err
	}

	var res server.AuthResult
	if err := reply.Decode(&res); err != nil {
		return err
	}

	c.mu.Lock()
	c.user = res.User
	c.mu.Unlock()
	return nil
}

// rejoin re-issues joinRoom for every room the client was in. Rooms that
// no longer exist are forgotten.
func (c *Client) rejoin(ctx context.Context) error {
	for _, id := range c.Rooms() {
		if _, err := c.JoinRoom(ctx, id); err != nil {
			if isNotFound(err) {
				c.log.Printf("room %q is gone, not rejoining", id)
				c.forgetRoom(id)
				continue
			}
			return err
		}
	}
	return nil
}

// attach installs conn as the live connection.
func (c *Client) attach(conn *websocket.Conn) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, false
	}
	c.gen++
	c.conn = conn
	c.joins = make(map[string]*joinState)
	return c.gen, true
}

// detach drops the connection of generation gen and fails its pending
// calls. It reports false when gen is no longer live.
func (c *Client) detach(gen uint64) (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.conn == nil {
		return nil, false
	}
	conn := c.conn
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return conn, true
}

func (c *Client) drop(gen uint64) {
	if conn, ok := c.detach(gen); ok {
		conn.Close()
	}
}

// lost handles a connection that failed underneath the client.
func (c *Client) lost(gen uint64, reason error) {
	conn, ok := c.detach(gen)
	if !ok {
		return
	}
	conn.Close()
	c.log.Printf("connection lost: %v", reason)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.reconnecting {
		return
	}
	c.reconnecting = true
	c.state = StateReconnecting
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			return
		}
		delay := c.retry.NextBackOff()
		if delay == backoff.Stop {
			c.state = StateFailed
			c.mu.Unlock()
			c.log.Printf("giving up after %d reconnect attempts", c.attempts)
			return
		}
		c.attempts++
		attempt := c.attempts
		c.state = StateReconnecting
		c.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			c.log.Printf("reconnected after %d attempt(s)", attempt)
			return
		}

		c.log.Printf("reconnect attempt %d failed: %v", attempt, err)
		if IsUnauthorized(err) || errors.Is(err, ErrClosed) {
			c.mu.Lock()
			if !c.closed {
				c.state = StateFailed
			}
			c.mu.Unlock()
			return
		}
	}
}

// Reconnect resets the attempt counter and dials a fresh connection right
// away, replacing the current one.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.attempts = 0
	c.retry.Reset()
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	c.drop(gen)

	if err := c.connect(ctx); err != nil {
		if !IsUnauthorized(err) {
			c.scheduleReconnect()
		}
		return err
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.lost(gen, err)
			return
		}

		var f wireFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Println("error parsing frame:", err)
			continue
		}

		if f.Response != nil {
			c.deliver(&Reply{
				Id:         f.Id,
				Code:       f.Response.ResponseCode,
				Success:    f.Response.Success,
				Error:      f.Response.Error,
				RetryAfter: time.Duration(f.Response.RetryAfterMs) * time.Millisecond,
				Data:       f.Response.Data,
			})
		}
		if f.Notification != nil {
			c.notify(f.Notification)
		}
	}
}

func (c *Client) deliver(r *Reply) {
	c.mu.Lock()
	ch, ok := c.pending[r.Id]
	if ok {
		delete(c.pending, r.Id)
	}
	c.mu.Unlock()

	if !ok {
		if r.Id != 0 {
			c.log.Printf("reply to unknown call %d", r.Id)
		}
		return
	}
	ch <- r
}

func (c *Client) notify(n *server.Notification) {
	if n.RoomDeleted != nil {
		c.forgetRoom(n.RoomDeleted.RoomId)
	}

	select {
	case c.notifications <- n:
	default:
		c.log.Println("notification channel full, dropping notification")
	}
}

func (c *Client) write(conn *websocket.Conn, msg *server.ClientMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Call sends an acknowledged event and waits for its reply. A call that
// times out marks the connection unhealthy and triggers a reconnect. A
// reply carrying an error is returned together with a *ReplyError.
func (c *Client) Call(ctx context.Context, msg *server.ClientMessage) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextId++
	id := c.nextId
	msg.Id = id
	ch := make(chan *Reply, 1)
	c.pending[id] = ch
	gen := c.gen
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		c.forget(id)
		c.lost(gen, err)
		return nil, fmt.Errorf("write: %w", err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return r, r.Err()
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.lost(gen, ErrCallTimeout)
			return nil, ErrCallTimeout
		}
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(msg *server.ClientMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	gen := c.gen
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, msg); err != nil {
		c.lost(gen, err)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// JoinRoom joins roomId. Concurrent or repeated joins of the same room on
// one connection share a single joinRoom call.
func (c *Client) JoinRoom(ctx context.Context, roomId string) (*server.JoinResult, error) {
	c.mu.Lock()
	if js, ok := c.joins[roomId]; ok {
		c.mu.Unlock()
		select {
		case <-js.done:
			return js.result, js.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	js := &joinState{done: make(chan struct{})}
	c.joins[roomId] = js
	c.mu.Unlock()

	var res server.JoinResult
	reply, err := c.Call(ctx, &server.ClientMessage{JoinRoom: &server.RoomRef{RoomId: roomId}})
	if err == nil {
		err = reply.Decode(&res)
	}

	c.mu.Lock()
	if err != nil {
		js.err = err
		if c.joins[roomId] == js {
			delete(c.joins, roomId)
		}
	} else {
		js.result = &res
		c.rooms[roomId] = struct{}{}
		c.keys[roomId] = res.Key
	}
	c.mu.Unlock()
	close(js.done)

	return js.result, js.err
}

func (c *Client) forgetRoom(roomId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomId)
	delete(c.joins, roomId)
	delete(c.keys, roomId)
}

// LeaveRoom leaves roomId. The room is not rejoined after a reconnect.
func (c *Client) LeaveRoom(ctx context.Context, roomId string) error {
	c.forgetRoom(roomId)
	_, err := c.Call(ctx, &server.ClientMessage{LeaveRoom: &server.RoomRef{RoomId: roomId}})
	return err
}

func (c *Client) SendMessage(ctx context.Context, roomId, content string, attachments ...types.Attachment) (*types.MessageEnvelope, error) {
	reply, err := c.Call(ctx, &server.ClientMessage{
		SendMessage: &server.SendMessage{RoomId: roomId, Content: content, Attachments: attachments},
	})
	if err != nil {
		return nil, err
	}

	var env types.MessageEnvelope
	if err := reply.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) Typing(roomId string) error {
	return c.Emit(&server.ClientMessage{Typing: &server.RoomRef{RoomId: roomId}})
}

func (c *Client) StopTyping(roomId string) error {
	return c.Emit(&server.ClientMessage{StopTyping: &server.RoomRef{RoomId: roomId}})
}

func (c *Client) UpdatePresence(status types.Presence) error {
	return c.Emit(&server.ClientMessage{UpdatePresence: &server.UpdatePresence{Status: status}})
}

func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Emit(&server.ClientMessage{Heartbeat: &server.Heartbeat{}}); err != nil &&
				!errors.Is(err, ErrNotConnected) {
				c.log.Println("heartbeat:", err)
			}
		case <-c.done:
			return
		}
	}
}

// Open decrypts env with the key received when joining its room.
func (c *Client) Open(env types.MessageEnvelope) string {
	c.mu.Lock()
	key, ok := c.keys[env.RoomId]
	c.mu.Unlock()

	if !ok {
		return encryption.Placeholder
	}
	return OpenMessage(env, key.PrivateKey)
}

// OpenMessage decrypts env with the room's private key, returning
// encryption.Placeholder when it cannot be opened.
func OpenMessage(env types.MessageEnvelope, roomPrivateKey string) string {
	return encryption.DecryptOrPlaceholder(env.Content, env.SenderKey, roomPrivateKey)
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.state = StateClosed
	gen := c.gen
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
	})

	if conn, ok := c.detach(gen); ok {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// Close ends the session. The client never reconnects afterwards.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}
