package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-chatcore/internal/config"
	"github.com/npezzotti/go-chatcore/internal/database"
	"github.com/npezzotti/go-chatcore/internal/encryption"
	"github.com/npezzotti/go-chatcore/internal/stats"
	"github.com/npezzotti/go-chatcore/internal/types"
)

// SessionValidator resolves a session token to the user id it was issued
// for.
type SessionValidator interface {
	ValidateToken(token string) (int, error)
}

type unloadRoomRequest struct {
	roomId  string
	deleted bool
	// idle requests come from the room itself and are dropped when the
	// room has picked up clients in the meantime.
	idle bool
}

type ChatServer struct {
	log      *log.Logger
	db       database.GoChatRepository
	sessions SessionValidator
	sealer   *encryption.Sealer
	stats    stats.StatsProvider
	presence *PresenceTracker
	calls    *CallRelay

	clients     map[*Client]struct{}
	userMap     map[int]map[*Client]struct{}
	clientsLock sync.RWMutex

	// roomsMap holds the loaded rooms by external id. Rooms are added and
	// removed only by the Run loop.
	roomsMap sync.Map
	numRooms int

	joinChan       chan *ClientMessage
	unloadRoomChan chan unloadRoomRequest
	broadcastChan  chan *ServerMessage
	stop           chan struct{}
	done           chan struct{}
	stopOnce       sync.Once

	ackTimeout      time.Duration
	typingTimeout   time.Duration
	idleRoomTimeout time.Duration
	rateLimit       float64
	rateBurst       int
}

func NewChatServer(logger *log.Logger, db database.GoChatRepository, sessions SessionValidator, su stats.StatsProvider, cfg *config.Config) (*ChatServer, error) {
	if cfg == nil {
		cfg = &config.Config{
			PresenceGrace:    config.DefaultPresenceGrace,
			TypingTimeout:    config.DefaultTypingTimeout,
			AckTimeout:       config.DefaultAckTimeout,
			MessageRateLimit: config.DefaultMessageRateLimit,
			MessageRateBurst: config.DefaultMessageRateBurst,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumActiveRooms)
	su.RegisterMetric(stats.NumActiveCalls)
	su.RegisterMetric(stats.NumMessages)

	cs := &ChatServer{
		log:             logger,
		db:              db,
		sessions:        sessions,
		sealer:          encryption.NewSealer(db),
		stats:           su,
		presence:        NewPresenceTracker(cfg.PresenceGrace, logger),
		calls:           NewCallRelay(logger, su),
		clients:         make(map[*Client]struct{}),
		userMap:         make(map[int]map[*Client]struct{}),
		joinChan:        make(chan *ClientMessage, 256),
		unloadRoomChan:  make(chan unloadRoomRequest, 256),
		broadcastChan:   make(chan *ServerMessage, 256),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		ackTimeout:      cfg.AckTimeout,
		typingTimeout:   cfg.TypingTimeout,
		idleRoomTimeout: idleRoomTimeout,
		rateLimit:       cfg.MessageRateLimit,
		rateBurst:       cfg.MessageRateBurst,
	}

	cs.presence.roomsOf = cs.roomsOf
	cs.presence.publish = cs.publishPresence

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoinRoom(joinMsg)
		case req := <-cs.unloadRoomChan:
			cs.handleUnloadRoom(req)
		case msg := <-cs.broadcastChan:
			cs.handleBroadcast(msg)
		case <-cs.stop:
			cs.log.Println("shutting down rooms")
			cs.unloadAllRooms()
			cs.presence.Stop()
			close(cs.done)
			return
		}
	}
}

func (cs *ChatServer) ackContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cs.ackTimeout)
}

// Authenticate binds the user behind token to c and registers the
// connection.
func (cs *ChatServer) Authenticate(ctx context.Context, c *Client, token string) (types.User, error) {
	if c.isAuthenticated() {
		return types.User{}, errValidation("connection is already authenticated")
	}

	userId, err := cs.sessions.ValidateToken(token)
	if err != nil {
		return types.User{}, wrapChatError(AuthError, "invalid or expired token", err)
	}

	acct, err := cs.db.GetAccountById(ctx, userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, wrapChatError(AuthError, "unknown user", err)
		}
		return types.User{}, fmt.Errorf("get account: %w", err)
	}

	c.user = types.User{
		Id:           acct.Id,
		Username:     acct.Username,
		EmailAddress: acct.EmailAddress,
		CreatedAt:    acct.CreatedAt,
		UpdatedAt:    acct.UpdatedAt,
	}
	if !c.setAuthenticated() {
		return types.User{}, newChatError(TransportError, "connection closed")
	}

	cs.RegisterClient(c)
	return c.user, nil
}

// RegisterClient adds an authenticated connection to the registry.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.log.Printf("adding connection %s from %q", c.id, c.user.Username)
	cs.addClient(c)
	cs.presence.Connect(c.user.Id)
}

// DeRegisterClient removes c from every room it joined, ends its calls and
// tells the presence tracker the user lost a connection.
func (cs *ChatServer) DeRegisterClient(c *Client, rooms []*Room) {
	cs.log.Printf("removing connection %s from %q", c.id, c.user.Username)

	roomIds := make([]string, 0, len(rooms))
	for _, r := range rooms {
		roomIds = append(roomIds, r.externalId)
		leave := &ClientMessage{
			LeaveRoom: &RoomRef{RoomId: r.externalId},
			client:    c,
		}
		select {
		case r.leaveChan <- leave:
		case <-r.closed:
		}
	}

	cs.calls.endAll(c)
	cs.removeClient(c)
	cs.presence.Disconnect(c.user.Id, roomIds)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr(stats.NumActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.stats.Decr(stats.NumActiveClients)
}

func (cs *ChatServer) getClients(userId int) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		clients = append(clients, c)
	}
	return clients
}

// roomsOf returns every room any connection of userId has joined.
func (cs *ChatServer) roomsOf(userId int) []string {
	seen := make(map[string]struct{})
	var rooms []string
	for _, c := range cs.getClients(userId) {
		for _, id := range c.roomIds() {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				rooms = append(rooms, id)
			}
		}
	}
	return rooms
}

func (cs *ChatServer) publishPresence(rec types.PresenceRecord, rooms []string) {
	for _, id := range rooms {
		room, ok := cs.getRoom(id)
		if !ok {
			continue
		}

		msg := &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				UserPresenceChanged: &PresenceChange{
					RoomId:     id,
					UserId:     rec.UserId,
					Status:     rec.Status,
					LastActive: rec.LastActive,
				},
			},
		}

		select {
		case room.notifyChan <- msg:
		case <-room.closed:
		default:
			cs.log.Printf("dropping presence change for room %q", id)
		}
	}
}

func (cs *ChatServer) addRoom(id string, r *Room) {
	cs.roomsMap.Store(id, r)
	cs.numRooms++
	cs.stats.Incr(stats.NumActiveRooms)
}

func (cs *ChatServer) getRoom(id string) (*Room, bool) {
	r, ok := cs.roomsMap.Load(id)
	if !ok {
		return nil, false
	}
	return r.(*Room), true
}

func (cs *ChatServer) removeRoom(id string) {
	if _, ok := cs.roomsMap.LoadAndDelete(id); ok {
		cs.numRooms--
		cs.stats.Decr(stats.NumActiveRooms)
	}
}

func (cs *ChatServer) handleJoinRoom(msg *ClientMessage) {
	roomId := msg.JoinRoom.RoomId
	room, ok := cs.getRoom(roomId)
	if !ok {
		ctx, cancel := cs.ackContext()
		dbRoom, err := cs.db.GetRoomByExternalId(ctx, roomId)
		cancel()
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				msg.client.queueMessage(ErrRoomNotFound(msg.Id))
			} else {
				cs.log.Println("GetRoomByExternalId:", err)
				msg.client.queueMessage(ErrInternalError(msg.Id))
			}
			return
		}

		room = newRoom(cs, dbRoom)
		cs.addRoom(roomId, room)
		go room.start()
	}

	room.pendingJoins.Add(1)
	select {
	case room.joinChan <- msg:
	default:
		room.pendingJoins.Add(-1)
		cs.log.Printf("join channel full on room %q", roomId)
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (cs *ChatServer) handleUnloadRoom(req unloadRoomRequest) {
	room, ok := cs.getRoom(req.roomId)
	if !ok {
		return
	}

	if req.idle && (room.pendingJoins.Load() > 0 || room.numClients.Load() > 0) {
		cs.log.Printf("room %q became active, keeping it loaded", req.roomId)
		return
	}

	cs.unloadRoom(req.roomId, req.deleted)
}

// unloadRoom removes the room and waits for its goroutine to exit.
func (cs *ChatServer) unloadRoom(roomId string, deleted bool) {
	room, ok := cs.getRoom(roomId)
	if !ok {
		return
	}

	cs.log.Printf("unloading room %q", roomId)
	cs.removeRoom(roomId)

	done := make(chan string, 1)
	room.exit <- exitReq{deleted: deleted, done: done}
	<-done
}

func (cs *ChatServer) unloadAllRooms() {
	var ids []string
	cs.roomsMap.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})

	for _, id := range ids {
		cs.unloadRoom(id, false)
	}
}

// UnloadRoom asks the Run loop to unload a room. Deleted rooms notify
// their clients first.
func (cs *ChatServer) UnloadRoom(ctx context.Context, roomId string, deleted bool) error {
	if roomId == "" {
		return fmt.Errorf("roomId cannot be empty")
	}

	select {
	case cs.unloadRoomChan <- unloadRoomRequest{roomId: roomId, deleted: deleted}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BroadcastNewRoom tells every authenticated connection about a new room.
func (cs *ChatServer) BroadcastNewRoom(ctx context.Context, room types.Room) error {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			NewRoom: &room,
		},
	}

	select {
	case cs.broadcastChan <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleBroadcast delivers msg to one user's connections when UserId is
// set, otherwise to every authenticated connection.
func (cs *ChatServer) handleBroadcast(msg *ServerMessage) {
	if msg.UserId != 0 {
		for _, c := range cs.getClients(msg.UserId) {
			if c != msg.SkipClient {
				c.queueMessage(msg)
			}
		}
		return
	}

	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	for c := range cs.clients {
		if c != msg.SkipClient {
			c.queueMessage(msg)
		}
	}
}

// Presence exposes the tracker for read-only lookups.
func (cs *ChatServer) Presence(userId int) types.PresenceRecord {
	return cs.presence.Get(userId)
}

// Shutdown stops every connection and room, waiting until the Run loop has
// exited or ctx is done.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.RLock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.RUnlock()

	cs.stopOnce.Do(func() {
		close(cs.stop)
	})

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
