package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-chatcore/internal/config"
	"github.com/npezzotti/go-chatcore/internal/database"
	"github.com/npezzotti/go-chatcore/internal/encryption"
	"github.com/npezzotti/go-chatcore/internal/stats"
	"github.com/npezzotti/go-chatcore/internal/types"
)

const (
	idleRoomTimeout = time.Second * 5

	MaxContentLength = 4096
	MaxAttachments   = 10
	MaxEmojiLength   = 32
)

type exitReq struct {
	deleted bool
	done    chan string
}

type typingSession struct {
	gen   uint64
	timer *time.Timer
}

type typingExpiry struct {
	client *Client
	gen    uint64
}

type Room struct {
	id          int
	externalId  string
	name        string
	description string
	ownerId     int
	createdAt   time.Time
	updatedAt   time.Time

	cs *ChatServer
	db database.GoChatRepository

	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	// notifyChan carries notifications raised outside the room, such as
	// presence changes.
	notifyChan chan *ServerMessage

	clients    map[*Client]struct{}
	userMap    map[int]map[*Client]struct{}
	clientLock sync.RWMutex

	typing        map[*Client]*typingSession
	typingGen     uint64
	typingTimeout time.Duration
	typingExpired chan typingExpiry

	// pendingJoins counts joins handed to the room but not yet processed.
	pendingJoins atomic.Int32
	numClients   atomic.Int32

	log *log.Logger
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer   *time.Timer
	idleTimeout time.Duration
	// exit is used to signal the room to exit
	exit chan exitReq
	// closed is closed once the room goroutine has exited
	closed chan struct{}
}

func newRoom(cs *ChatServer, dbRoom database.Room) *Room {
	return &Room{
		id:            dbRoom.Id,
		externalId:    dbRoom.ExternalId,
		name:          dbRoom.Name,
		description:   dbRoom.Description,
		ownerId:       dbRoom.OwnerId,
		createdAt:     dbRoom.CreatedAt,
		updatedAt:     dbRoom.UpdatedAt,
		cs:            cs,
		db:            cs.db,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		notifyChan:    make(chan *ServerMessage, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		typing:        make(map[*Client]*typingSession),
		typingTimeout: cs.typingTimeout,
		typingExpired: make(chan typingExpiry, 64),
		log:           cs.log,
		idleTimeout:   cs.idleRoomTimeout,
		exit:          make(chan exitReq, 1),
		closed:        make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	if r.idleTimeout <= 0 {
		r.idleTimeout = idleRoomTimeout
	}
	r.killTimer = time.NewTimer(r.idleTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			r.handleClientMessage(msg)
		case n := <-r.notifyChan:
			r.broadcast(n)
		case exp := <-r.typingExpired:
			r.handleTypingExpired(exp)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) ackContext() (context.Context, context.CancelFunc) {
	timeout := config.DefaultAckTimeout
	if r.cs != nil && r.cs.ackTimeout > 0 {
		timeout = r.cs.ackTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// submit hands msg to one of the room's inputs without blocking.
func (r *Room) submit(ch chan *ClientMessage, msg *ClientMessage) error {
	select {
	case <-r.closed:
		return errNotFound("room")
	default:
	}

	select {
	case ch <- msg:
		return nil
	default:
		r.log.Printf("input channel full for room %q", r.externalId)
		return newChatError(TransportError, "service unavailable")
	}
}

func (r *Room) handleClientMessage(msg *ClientMessage) {
	switch {
	case msg.SendMessage != nil:
		r.saveAndBroadcast(msg, msg.SendMessage.Content, msg.SendMessage.Attachments, 0)
	case msg.AddMessageToThread != nil:
		reply := msg.AddMessageToThread
		r.saveAndBroadcast(msg, reply.Content, reply.Attachments, reply.ParentId)
	case msg.EditMessage != nil:
		r.handleEdit(msg)
	case msg.DeleteMessage != nil:
		r.handleDelete(msg)
	case msg.ReactMessage != nil:
		r.handleReaction(msg)
	case msg.MarkMessagesAsRead != nil:
		r.handleRead(msg)
	case msg.Typing != nil:
		r.handleTyping(msg.client)
	case msg.StopTyping != nil:
		r.handleStopTyping(msg.client)
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId, idle: true}:
	default:
		r.log.Printf("unload channel full, retrying unload of %q later", r.externalId)
		r.killTimer.Reset(r.idleTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)

	for c, s := range r.typing {
		s.timer.Stop()
		delete(r.typing, c)
	}

	if e.deleted {
		// notify all clients that the room is deleted
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				RoomDeleted: &RoomDeleted{RoomId: r.externalId},
			},
		})
	}

	// remove the room for all clients
	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
		if e.deleted && r.cs != nil {
			r.cs.calls.endRoomCalls(c, r.externalId)
		}
	}
	r.clientLock.Unlock()

	if r.killTimer != nil {
		r.killTimer.Stop()
	}

	if r.closed != nil {
		close(r.closed)
	}

	// notify the chat server the room is done cleaning up
	if e.done != nil {
		e.done <- r.externalId
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	defer r.pendingJoins.Add(-1)

	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	ctx, cancel := r.ackContext()
	defer cancel()

	key, err := r.db.GetRoomKeyMaterial(ctx, r.id)
	if err != nil {
		r.log.Println("GetRoomKeyMaterial:", err)
		r.resetKillTimer()
		c.queueMessage(ErrInternalError(join.Id))
		return
	}

	if _, ok := r.getClient(c); ok {
		// already joined, confirm membership again
		c.queueMessage(NoErrOK(join.Id, r.joinResult(key)))
		return
	}

	if !r.addClient(c) {
		r.log.Printf("client %q closed before joining room %q", c.id, r.externalId)
		r.resetKillTimer()
		return
	}

	c.queueMessage(NoErrOK(join.Id, r.joinResult(key)))

	if len(r.userMap[c.user.Id]) == 1 {
		// first connection for this user, notify the others
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				UserJoined: &RoomMember{
					RoomId: r.externalId,
					User:   r.member(c.user),
				},
			},
			SkipClient: c,
		})
	}

	// bring the new client up to date on who is typing
	for tc := range r.typing {
		if tc == c {
			continue
		}
		c.queueMessage(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				UserTyping: r.typingNotice(tc),
			},
		})
	}
}

func (r *Room) joinResult(key encryption.KeyPair) JoinResult {
	return JoinResult{
		Room: r.info(),
		Key: RoomKey{
			PublicKey:  key.PublicKey,
			PrivateKey: key.PrivateKey,
		},
	}
}

func (r *Room) info() types.Room {
	return types.Room{
		Id:          r.id,
		Name:        r.name,
		ExternalId:  r.externalId,
		Description: r.description,
		OwnerId:     r.ownerId,
		Subscribers: r.members(),
		CreatedAt:   r.createdAt,
		UpdatedAt:   r.updatedAt,
	}
}

func (r *Room) member(u types.User) types.Member {
	m := types.Member{Id: u.Id, Username: u.Username, Presence: types.PresenceOnline}
	if r.cs != nil && r.cs.presence != nil {
		m.Presence = r.cs.presence.Get(u.Id).Status
	}
	return m
}

// members lists the users currently connected to the room, ordered by id.
// LastSeen is the latest activity across the user's connections.
func (r *Room) members() []types.Member {
	type seen struct {
		user types.User
		last time.Time
	}

	r.clientLock.RLock()
	users := make([]seen, 0, len(r.userMap))
	for _, clients := range r.userMap {
		var s seen
		for c := range clients {
			s.user = c.user
			if ls := c.LastSeen(); ls.After(s.last) {
				s.last = ls
			}
		}
		users = append(users, s)
	}
	r.clientLock.RUnlock()

	slices.SortFunc(users, func(a, b seen) int { return a.user.Id - b.user.Id })
	members := make([]types.Member, len(users))
	for i, s := range users {
		members[i] = r.member(s.user)
		if !s.last.IsZero() {
			last := s.last
			members[i].LastSeen = &last
		}
	}
	return members
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	c := leaveMsg.client
	if _, ok := r.getClient(c); !ok {
		// leaving a room that was never joined is a no-op
		c.queueMessage(NoErrOK(leaveMsg.Id, nil))
		return
	}

	if _, typing := r.typing[c]; typing {
		r.clearTyping(c)
	}

	r.removeClient(c)
	if r.cs != nil {
		r.cs.calls.endRoomCalls(c, r.externalId)
	}

	c.queueMessage(NoErrOK(leaveMsg.Id, nil))

	// notify the others once the user's last connection is gone
	if r.userMap[c.user.Id] == nil {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				UserLeft: &RoomMember{
					RoomId: r.externalId,
					User:   types.Member{Id: c.user.Id, Username: c.user.Username},
				},
			},
			SkipClient: c,
		})
	}
}

func (r *Room) handleRead(msg *ClientMessage) {
	ref := msg.MarkMessagesAsRead
	if ref.MessageId <= 0 {
		msg.client.queueMessage(ErrorResponse(msg.Id, errValidation("message id is required")))
		return
	}

	ctx, cancel := r.ackContext()
	defer cancel()

	if err := r.db.MarkMessagesAsRead(ctx, r.id, msg.client.user.Id, ref.MessageId); err != nil {
		r.log.Println("MarkMessagesAsRead:", err)
		msg.client.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
}

func validateContent(content string, attachments []types.Attachment) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return errValidation("message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return errValidation("message content exceeds %d characters", MaxContentLength)
	}
	if len(attachments) > MaxAttachments {
		return errValidation("a message can carry at most %d attachments", MaxAttachments)
	}
	for _, a := range attachments {
		if a.Url == "" {
			return errValidation("attachment url cannot be empty")
		}
	}
	return nil
}

// saveAndBroadcast persists a new message, or a thread reply when parentId
// is set, and only then acknowledges and fans it out.
func (r *Room) saveAndBroadcast(msg *ClientMessage, content string, attachments []types.Attachment, parentId int) {
	c := msg.client
	if _, ok := r.getClient(c); !ok {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	if err := validateContent(content, attachments); err != nil {
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	ctx, cancel := r.ackContext()
	defer cancel()

	if msg.AddMessageToThread != nil {
		if parentId <= 0 {
			c.queueMessage(ErrorResponse(msg.Id, errValidation("parent id is required")))
			return
		}
		parent, err := r.roomMessage(ctx, parentId)
		if err != nil {
			c.queueMessage(ErrorResponse(msg.Id, err))
			return
		}
		if parent.ParentId != 0 {
			c.queueMessage(ErrorResponse(msg.Id, errValidation("cannot reply to a thread reply")))
			return
		}
	}

	sealed, err := r.cs.sealer.Seal(ctx, c.user.Id, r.id, content)
	if err != nil {
		r.log.Println("Seal:", err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	saved, err := r.db.InsertMessage(ctx, database.InsertMessageParams{
		RoomId:      r.id,
		UserId:      c.user.Id,
		ParentId:    parentId,
		Content:     sealed.Content,
		Attachments: attachments,
	})
	if err != nil {
		r.log.Println("InsertMessage:", err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	r.cs.stats.Incr(stats.NumMessages)

	env := newEnvelope(r.externalId, saved)
	env.SenderKey = sealed.SenderKey
	c.queueMessage(NoErrOK(msg.Id, env))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			NewMessage: &env,
		},
	})
}

// roomMessage loads a live message and checks that it belongs to the room.
func (r *Room) roomMessage(ctx context.Context, messageId int) (database.Message, error) {
	if messageId <= 0 {
		return database.Message{}, errValidation("message id is required")
	}

	m, err := r.db.GetMessage(ctx, messageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Message{}, errNotFound("message")
		}
		return database.Message{}, err
	}

	if m.RoomId != r.id {
		return database.Message{}, errNotFound("message")
	}
	return m, nil
}

func (r *Room) ownMessage(ctx context.Context, messageId, userId int) (database.Message, error) {
	m, err := r.roomMessage(ctx, messageId)
	if err != nil {
		return database.Message{}, err
	}
	if m.UserId != userId {
		return database.Message{}, newChatError(ForbiddenError, "only the sender can modify a message")
	}
	return m, nil
}

func (r *Room) handleEdit(msg *ClientMessage) {
	c := msg.client
	edit := msg.EditMessage
	if _, ok := r.getClient(c); !ok {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	if err := validateContent(edit.Content, nil); err != nil {
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	ctx, cancel := r.ackContext()
	defer cancel()

	if _, err := r.ownMessage(ctx, edit.MessageId, c.user.Id); err != nil {
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	sealed, err := r.cs.sealer.Seal(ctx, c.user.Id, r.id, edit.Content)
	if err != nil {
		r.log.Println("Seal:", err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	updated, err := r.db.UpdateMessage(ctx, database.UpdateMessageParams{
		MessageId: edit.MessageId,
		UserId:    c.user.Id,
		Content:   sealed.Content,
	})
	if err != nil {
		r.log.Println("UpdateMessage:", err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	env := newEnvelope(r.externalId, updated)
	env.SenderKey = sealed.SenderKey
	c.queueMessage(NoErrOK(msg.Id, env))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			MessageEdited: &env,
		},
	})
}

func (r *Room) handleDelete(msg *ClientMessage) {
	c := msg.client
	ref := msg.DeleteMessage
	if _, ok := r.getClient(c); !ok {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	ctx, cancel := r.ackContext()
	defer cancel()

	if _, err := r.ownMessage(ctx, ref.MessageId, c.user.Id); err != nil {
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	if _, err := r.db.DeleteMessage(ctx, ref.MessageId, c.user.Id); err != nil {
		r.log.Println("DeleteMessage:", err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	tombstone := &MessageDeleted{Id: ref.MessageId, RoomId: r.externalId}
	c.queueMessage(NoErrOK(msg.Id, tombstone))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			MessageDeleted: tombstone,
		},
	})
}

func (r *Room) handleReaction(msg *ClientMessage) {
	c := msg.client
	react := msg.ReactMessage
	if _, ok := r.getClient(c); !ok {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	emoji := strings.TrimSpace(react.Emoji)
	if emoji == "" {
		c.queueMessage(ErrorResponse(msg.Id, errValidation("emoji cannot be empty")))
		return
	}
	if utf8.RuneCountInString(emoji) > MaxEmojiLength {
		c.queueMessage(ErrorResponse(msg.Id, errValidation("emoji exceeds %d characters", MaxEmojiLength)))
		return
	}

	ctx, cancel := r.ackContext()
	defer cancel()

	if _, err := r.roomMessage(ctx, react.MessageId); err != nil {
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	var (
		updated database.Message
		err     error
	)
	if react.Remove {
		updated, err = r.db.RemoveReaction(ctx, react.MessageId, c.user.Id, emoji)
	} else {
		updated, err = r.db.AddReaction(ctx, react.MessageId, c.user.Id, emoji)
	}
	if err != nil {
		r.log.Println("reaction:", err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	reactions := updated.Reactions
	if reactions == nil {
		reactions = types.Reactions{}
	}

	update := &MessageReaction{
		MessageId: react.MessageId,
		RoomId:    r.externalId,
		Reactions: reactions,
	}
	c.queueMessage(NoErrOK(msg.Id, update))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			MessageReaction: update,
		},
	})
}

func (r *Room) typingNotice(c *Client) *TypingNotice {
	return &TypingNotice{
		RoomId:   r.externalId,
		UserId:   c.user.Id,
		Username: c.user.Username,
	}
}

// handleTyping starts a typing session for c, or extends the running one.
// Only the start of a session is broadcast.
func (r *Room) handleTyping(c *Client) {
	if _, ok := r.getClient(c); !ok {
		return
	}

	s, ok := r.typing[c]
	if ok {
		s.timer.Stop()
	} else {
		s = &typingSession{}
		r.typing[c] = s
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				UserTyping: r.typingNotice(c),
			},
			SkipClient: c,
		})
	}

	r.typingGen++
	gen := r.typingGen
	s.gen = gen
	s.timer = time.AfterFunc(r.typingTimeout, func() {
		select {
		case r.typingExpired <- typingExpiry{client: c, gen: gen}:
		case <-r.closed:
		}
	})
}

func (r *Room) handleStopTyping(c *Client) {
	if _, ok := r.typing[c]; !ok {
		// stale stop
		return
	}
	r.clearTyping(c)
}

func (r *Room) handleTypingExpired(exp typingExpiry) {
	s, ok := r.typing[exp.client]
	if !ok || s.gen != exp.gen {
		return
	}
	r.clearTyping(exp.client)
}

func (r *Room) clearTyping(c *Client) {
	s := r.typing[c]
	s.timer.Stop()
	delete(r.typing, c)

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			UserStoppedTyping: r.typingNotice(c),
		},
		SkipClient: c,
	})
}

func (r *Room) resetKillTimer() {
	if len(r.clients) == 0 {
		r.killTimer.Reset(r.idleTimeout)
	}
}

func (r *Room) getClient(c *Client) (*Client, bool) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return c, ok
}

// addClient adds c to the room. It reports false when c has already
// disconnected.
func (r *Room) addClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if !c.addRoom(r) {
		return false
	}

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}
	r.numClients.Store(int32(len(r.clients)))

	return true
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	// check if the client is in the room
	if _, ok := r.clients[c]; !ok {
		r.log.Printf("client %q not found in room %q", c.user.Username, r.externalId)
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	// remove the client from the userMap
	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}
	r.numClients.Store(int32(len(r.clients)))

	r.log.Printf("removed client %q from room %q", c.user.Username, r.externalId)

	// if the client is the last one in the room, start the kill timer
	if len(r.clients) == 0 && r.killTimer != nil {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(r.idleTimeout)
	}
}

// clientsOf returns the room's connections for userId, or every connection
// not belonging to exclude when userId is zero.
func (r *Room) clientsOf(userId, exclude int) []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	var out []*Client
	if userId != 0 {
		for c := range r.userMap[userId] {
			out = append(out, c)
		}
		return out
	}

	for c := range r.clients {
		if c.user.Id != exclude {
			out = append(out, c)
		}
	}
	return out
}

func (r *Room) broadcast(msg *ServerMessage) {
	msg.Timestamp = Now()

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		// a full or dead subscriber is skipped
		client.queueMessage(msg)
	}
}

func newEnvelope(roomId string, m database.Message) types.MessageEnvelope {
	return types.MessageEnvelope{
		Id:          m.Id,
		RoomId:      roomId,
		SenderId:    m.UserId,
		SenderName:  m.Username,
		SenderKey:   m.SenderKey,
		Content:     m.Content,
		Attachments: m.Attachments,
		ParentId:    m.ParentId,
		Reactions:   m.Reactions,
		Edited:      m.Edited,
		Deleted:     m.Deleted,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
