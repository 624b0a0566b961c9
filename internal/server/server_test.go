package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatcore/internal/database"
	"github.com/npezzotti/go-chatcore/internal/stats"
	"github.com/npezzotti/go-chatcore/internal/testutil"
	"github.com/npezzotti/go-chatcore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.GoChatRepository, su *stats.MockStatsUpdater) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, tokenSessions{}, su, nil)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

// permissiveStats accepts any counter update.
func permissiveStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	return su
}

func newTestClient(t *testing.T, cs *ChatServer, id int, name string) *Client {
	c := &Client{
		id:         "conn-" + name + "-" + strconv.Itoa(id),
		chatServer: cs,
		user:       types.User{Id: id, Username: name},
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]*Room),
		log:        testutil.TestLogger(t),
		stop:       make(chan struct{}),
	}
	c.state.Store(int32(stateAuthenticated))
	return c
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockGoChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", stats.NumActiveClients).Once()
	su.On("RegisterMetric", stats.NumActiveRooms).Once()
	su.On("RegisterMetric", stats.NumActiveCalls).Once()
	su.On("RegisterMetric", stats.NumMessages).Once()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, tokenSessions{}, su, nil)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.NotNil(t, cs.joinChan, "expected joinChan to be initialized")
	assert.NotNil(t, cs.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, cs.broadcastChan, "expected broadcastChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.userMap, "expected userMap to be initialized")
	assert.NotNil(t, cs.presence, "expected presence tracker to be initialized")
	assert.NotNil(t, cs.calls, "expected call relay to be initialized")
	assert.NotNil(t, cs.sealer, "expected sealer to be initialized")
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveClients).Once()
	su.On("Decr", stats.NumActiveClients).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
	user := types.User{Id: 1, Username: "testuser"}
	client := &Client{user: user}
	cs.addClient(client)
	assert.Len(t, cs.clients, 1, "expected 1 client after adding")
	assert.Contains(t, cs.clients, client, "expected client to be added to clients map")
	assert.Len(t, cs.userMap[user.Id], 1, "expected userMap to have 1 client for user")

	cs.removeClient(client)
	assert.Len(t, cs.clients, 0, "expected 0 client after removing")
	assert.Nil(t, cs.userMap[user.Id], "expected userMap to not contain user after removing client")

	// removing twice does not decrement the counter again
	cs.removeClient(client)
}

func Test_getClients(t *testing.T) {
	user := types.User{Id: 1, Username: "testuser"}
	tcases := []struct {
		name    string
		clients []*Client
	}{
		{
			name:    "single client",
			clients: []*Client{{user: user}},
		},
		{
			name:    "multiple clients",
			clients: []*Client{{user: user}, {user: user}},
		},
		{
			name:    "no clients",
			clients: []*Client{},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			su := &stats.MockStatsUpdater{}
			if len(tc.clients) > 0 {
				su.On("Incr", stats.NumActiveClients).Times(len(tc.clients))
			}
			defer su.AssertExpectations(t)

			cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
			for _, client := range tc.clients {
				cs.addClient(client)
			}

			clients := cs.getClients(user.Id)
			assert.Len(t, clients, len(tc.clients), "expected %d clients for user", len(tc.clients))
			for _, client := range tc.clients {
				assert.Contains(t, clients, client)
			}
		})
	}
}

func TestChatServer_addRoom_getRoom_removeRoom(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveRooms).Once()
	su.On("Decr", stats.NumActiveRooms).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
	room := &Room{externalId: "testroom"}

	cs.addRoom("testroom", room)
	got, ok := cs.getRoom("testroom")
	assert.True(t, ok, "expected room to be found")
	assert.Equal(t, room, got, "expected retrieved room to match added room")
	assert.Equal(t, 1, cs.numRooms, "expected numRooms to be 1 after adding room")

	cs.removeRoom("testroom")
	_, ok = cs.getRoom("testroom")
	assert.False(t, ok, "expected room to be removed")
	assert.Equal(t, 0, cs.numRooms, "expected numRooms to be 0 after removing room")
}

func TestChatServer_handleBroadcast(t *testing.T) {
	t.Run("to one user", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, permissiveStats())
		c1 := newTestClient(t, cs, 1, "user1")
		c2 := newTestClient(t, cs, 2, "user2")
		cs.addClient(c1)
		cs.addClient(c2)

		msg := &ServerMessage{UserId: 1}
		cs.handleBroadcast(msg)
		assert.Len(t, c1.send, 1, "expected 1 message to be queued to user 1")
		assert.Len(t, c2.send, 0, "expected no message for user 2")
	})

	t.Run("skip client", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, permissiveStats())
		c1 := newTestClient(t, cs, 1, "user1")
		c2 := newTestClient(t, cs, 1, "user1")
		cs.addClient(c1)
		cs.addClient(c2)

		cs.handleBroadcast(&ServerMessage{UserId: 1, SkipClient: c2})
		assert.Len(t, c1.send, 1, "expected 1 message to be queued to client1")
		assert.Len(t, c2.send, 0, "expected no messages to be queued to client2")
	})

	t.Run("every connection", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, permissiveStats())
		c1 := newTestClient(t, cs, 1, "user1")
		c2 := newTestClient(t, cs, 2, "user2")
		cs.addClient(c1)
		cs.addClient(c2)

		require.NoError(t, cs.BroadcastNewRoom(context.Background(), types.Room{ExternalId: "new"}))
		cs.handleBroadcast(<-cs.broadcastChan)

		for _, c := range []*Client{c1, c2} {
			select {
			case m := <-c.send:
				require.NotNil(t, m.Notification)
				assert.Equal(t, "new", m.Notification.NewRoom.ExternalId)
			default:
				t.Errorf("expected %s to receive newRoom", c.user.Username)
			}
		}
	})
}

func TestUnloadRoom(t *testing.T) {
	tcases := []struct {
		name        string
		roomId      string
		deleted     bool
		expectedErr error
	}{
		{
			name:    "unload existing room",
			roomId:  "testroom",
			deleted: false,
		},
		{
			name:    "delete room",
			roomId:  "testroom",
			deleted: true,
		},
		{
			name:        "empty room id",
			expectedErr: fmt.Errorf("roomId cannot be empty"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
			err := cs.UnloadRoom(context.Background(), tc.roomId, tc.deleted)
			if tc.expectedErr != nil {
				assert.EqualError(t, err, tc.expectedErr.Error())
				assert.Len(t, cs.unloadRoomChan, 0, "expected unloadRoomChan to have no messages")
				return
			}

			assert.NoError(t, err, "expected no error unloading room")
			select {
			case msg := <-cs.unloadRoomChan:
				assert.Equal(t, tc.roomId, msg.roomId, "expected room id to match")
				assert.Equal(t, tc.deleted, msg.deleted, "expected deleted to be %t", tc.deleted)
				assert.False(t, msg.idle, "expected external unload requests not to be idle")
			default:
				t.Error("expected unload request to be sent, but none was received")
			}
		})
	}

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
		cs.unloadRoomChan = make(chan unloadRoomRequest)
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*10)
		defer cancel()
		<-ctx.Done()

		err := cs.UnloadRoom(ctx, "testroom", false)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestChatServer_unloadRoom(t *testing.T) {
	for _, deleted := range []bool{false, true} {
		t.Run("deleted="+strconv.FormatBool(deleted), func(t *testing.T) {
			su := &stats.MockStatsUpdater{}
			su.On("Incr", stats.NumActiveRooms).Once()
			su.On("Decr", stats.NumActiveRooms).Once()
			defer su.AssertExpectations(t)

			cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
			room := &Room{externalId: "testroom", exit: make(chan exitReq, 1), log: cs.log}
			cs.addRoom(room.externalId, room)

			done := make(chan struct{})
			go func() {
				req := <-room.exit
				assert.Equal(t, deleted, req.deleted)
				req.done <- room.externalId
				close(done)
			}()

			cs.unloadRoom(room.externalId, deleted)

			select {
			case <-done:
			case <-time.After(200 * time.Millisecond):
				t.Error("expected exit request to be sent to room and handled")
			}

			_, ok := cs.getRoom(room.externalId)
			assert.False(t, ok, "expected room %q to be unloaded", room.externalId)
		})
	}
}

func TestChatServer_unloadAllRooms_Integration(t *testing.T) {
	numRooms := 3
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveRooms).Times(numRooms)
	su.On("Decr", stats.NumActiveRooms).Times(numRooms)
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)

	rooms := make([]*Room, numRooms)
	for i := range numRooms {
		rooms[i] = &Room{
			externalId: "testroom" + strconv.Itoa(i+1),
			exit:       make(chan exitReq, 1),
			closed:     make(chan struct{}),
			log:        cs.log,
		}
		cs.addRoom(rooms[i].externalId, rooms[i])
		go rooms[i].start()
	}

	cs.unloadAllRooms()

	for _, room := range rooms {
		_, ok := cs.getRoom(room.externalId)
		assert.False(t, ok, "expected room %q to be unloaded", room.externalId)
		select {
		case <-room.closed:
		default:
			t.Errorf("expected room %q goroutine to exit", room.externalId)
		}
	}
	assert.Equal(t, 0, cs.numRooms)
}

func TestChatServer_handleUnloadRoom(t *testing.T) {
	t.Run("idle request ignored for active room", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, permissiveStats())
		room := &Room{externalId: "testroom", exit: make(chan exitReq, 1), log: cs.log}
		cs.addRoom(room.externalId, room)
		room.pendingJoins.Add(1)

		cs.handleUnloadRoom(unloadRoomRequest{roomId: room.externalId, idle: true})

		_, ok := cs.getRoom(room.externalId)
		assert.True(t, ok, "expected room with a pending join to stay loaded")
		assert.Len(t, room.exit, 0, "expected no exit request")
	})

	t.Run("unknown room", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
		assert.NotPanics(t, func() {
			cs.handleUnloadRoom(unloadRoomRequest{roomId: "missing"})
		})
	})
}

func TestChatServer_handleJoinRoom(t *testing.T) {
	t.Run("room not found", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoomByExternalId", "missing").Return(database.Room{}, sql.ErrNoRows).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := newTestClient(t, cs, 1, "user1")

		cs.handleJoinRoom(&ClientMessage{
			BaseMessage: BaseMessage{Id: 7},
			JoinRoom:    &RoomRef{RoomId: "missing"},
			client:      c,
		})

		resp := <-c.send
		require.NotNil(t, resp.Response)
		assert.Equal(t, 7, resp.Id)
		assert.Equal(t, http.StatusNotFound, resp.Response.ResponseCode)
		_, ok := cs.getRoom("missing")
		assert.False(t, ok)
	})

	t.Run("lookup failure", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoomByExternalId", "broken").Return(database.Room{}, fmt.Errorf("connection refused")).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := newTestClient(t, cs, 1, "user1")

		cs.handleJoinRoom(&ClientMessage{
			BaseMessage: BaseMessage{Id: 8},
			JoinRoom:    &RoomRef{RoomId: "broken"},
			client:      c,
		})

		resp := <-c.send
		assert.Equal(t, http.StatusInternalServerError, resp.Response.ResponseCode)
	})

	t.Run("existing room receives join", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, permissiveStats())
		room := &Room{externalId: "testroom", joinChan: make(chan *ClientMessage, 1)}
		cs.addRoom(room.externalId, room)

		msg := &ClientMessage{BaseMessage: BaseMessage{Id: 1}, JoinRoom: &RoomRef{RoomId: "testroom"}}
		cs.handleJoinRoom(msg)

		assert.Equal(t, msg, <-room.joinChan)
		assert.EqualValues(t, 1, room.pendingJoins.Load(), "expected the join to be counted as pending")
	})

	t.Run("full join channel", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, permissiveStats())
		room := &Room{externalId: "testroom", joinChan: make(chan *ClientMessage)}
		cs.addRoom(room.externalId, room)
		c := newTestClient(t, cs, 1, "user1")

		cs.handleJoinRoom(&ClientMessage{BaseMessage: BaseMessage{Id: 2}, JoinRoom: &RoomRef{RoomId: "testroom"}, client: c})

		resp := <-c.send
		assert.Equal(t, http.StatusServiceUnavailable, resp.Response.ResponseCode)
		assert.EqualValues(t, 0, room.pendingJoins.Load())
	})
}

func TestChatServer_Authenticate(t *testing.T) {
	repo := newMemRepo()
	repo.addUser(t, 1, "alice")

	tcases := []struct {
		name     string
		token    string
		wantKind ErrorKind
	}{
		{name: "valid token", token: "token-alice"},
		{name: "invalid token", token: "bogus", wantKind: AuthError},
		{name: "unknown account", token: "token-ghost", wantKind: AuthError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs := newTestChatServer(t, repo, permissiveStats())
			cs.sessions = tokenSessions{"token-alice": 1, "token-ghost": 99}
			c := &Client{id: "c1", log: cs.log, send: make(chan *ServerMessage, 8), rooms: map[string]*Room{}}

			user, err := cs.Authenticate(context.Background(), c, tc.token)
			if tc.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantKind, asChatError(err).Kind)
				assert.False(t, c.isAuthenticated(), "expected connection to stay unauthenticated")
				assert.Empty(t, cs.getClients(99))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "alice", user.Username)
			assert.True(t, c.isAuthenticated())
			assert.Contains(t, cs.getClients(1), c, "expected connection to be registered")
			assert.Equal(t, types.PresenceOnline, cs.Presence(1).Status)

			_, err = cs.Authenticate(context.Background(), c, tc.token)
			assert.Equal(t, ValidationError, asChatError(err).Kind, "expected a second auth to be rejected")
		})
	}
}

func TestDeRegisterClient(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, permissiveStats())
	cs.presence.grace = 0

	c := newTestClient(t, cs, 1, "user1")
	cs.RegisterClient(c)

	room := &Room{externalId: "testroom", leaveChan: make(chan *ClientMessage, 1), closed: make(chan struct{})}
	cs.DeRegisterClient(c, []*Room{room})

	select {
	case leave := <-room.leaveChan:
		assert.Equal(t, "testroom", leave.LeaveRoom.RoomId)
		assert.Equal(t, c, leave.client)
	default:
		t.Error("expected a leave to be sent to the room")
	}

	assert.Empty(t, cs.getClients(1), "expected connection to be removed from registry")
	assert.Equal(t, types.PresenceOffline, cs.Presence(1).Status, "expected user to be offline with no grace")
}

func TestChatServerShutdown(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, permissiveStats())
	c := newTestClient(t, cs, 1, "user1")
	cs.addClient(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cs.Run()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))
	wg.Wait()

	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped")
	}

	// a second shutdown returns right away
	assert.NoError(t, cs.Shutdown(ctx))
}
