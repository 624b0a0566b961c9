package server

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatcore/internal/stats"
	"github.com/npezzotti/go-chatcore/internal/types"
)

// call is one ringing or connected call. Before it is accepted, every
// target connection is ringing. Once accepted, peer holds the connection
// that answered.
type call struct {
	id        string
	roomId    string
	callType  types.CallType
	initiator *Client
	ringing   map[*Client]struct{}
	peer      *Client
}

func (c *call) participants() []*Client {
	out := []*Client{c.initiator}
	if c.peer != nil {
		out = append(out, c.peer)
	}
	for r := range c.ringing {
		out = append(out, r)
	}
	return out
}

// CallRelay forwards call signaling between connections. Signal payloads
// are passed through unchanged.
type CallRelay struct {
	mu       sync.Mutex
	calls    map[string]*call
	byClient map[*Client]map[string]struct{}
	log      *log.Logger
	stats    stats.StatsProvider
}

func NewCallRelay(logger *log.Logger, su stats.StatsProvider) *CallRelay {
	return &CallRelay{
		calls:    make(map[string]*call),
		byClient: make(map[*Client]map[string]struct{}),
		log:      logger,
		stats:    su,
	}
}

func (cr *CallRelay) track(c *Client, callId string) {
	if cr.byClient[c] == nil {
		cr.byClient[c] = make(map[string]struct{})
	}
	cr.byClient[c][callId] = struct{}{}
}

func (cr *CallRelay) untrack(c *Client, callId string) {
	if ids, ok := cr.byClient[c]; ok {
		delete(ids, callId)
		if len(ids) == 0 {
			delete(cr.byClient, c)
		}
	}
}

func (cr *CallRelay) busy(c *Client) bool {
	return len(cr.byClient[c]) > 0
}

// remove drops the call. Callers hold mu.
func (cr *CallRelay) remove(cl *call) {
	for _, p := range cl.participants() {
		cr.untrack(p, cl.id)
	}
	delete(cr.calls, cl.id)
}

func (cr *CallRelay) numCalls() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.calls)
}

func callNotification(n *Notification) *ServerMessage {
	return &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Notification: n,
	}
}

func (cr *CallRelay) initiate(c *Client, msg *ClientMessage) {
	req := msg.InitiateCall
	if !req.Type.Valid() {
		c.queueMessage(ErrorResponse(msg.Id, errValidation("unknown call type %q", req.Type)))
		return
	}
	if req.UserId == c.user.Id {
		c.queueMessage(ErrorResponse(msg.Id, errValidation("cannot call yourself")))
		return
	}

	room := c.getRoom(req.RoomId)
	if room == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	candidates := room.clientsOf(req.UserId, c.user.Id)

	cr.mu.Lock()
	if cr.busy(c) {
		cr.mu.Unlock()
		c.queueMessage(ErrorResponse(msg.Id, errValidation("already in a call")))
		return
	}

	targets := make(map[*Client]struct{})
	for _, t := range candidates {
		if !cr.busy(t) {
			targets[t] = struct{}{}
		}
	}

	if len(targets) == 0 {
		cr.mu.Unlock()
		reason := "busy"
		if len(candidates) == 0 {
			reason = "unavailable"
		}
		c.queueMessage(callNotification(&Notification{
			UserBusy: &CallUpdate{UserId: req.UserId, Reason: reason},
		}))
		c.queueMessage(ErrorResponse(msg.Id, newChatError(NotFoundError, "user is "+reason)))
		return
	}

	cl := &call{
		id:        uuid.NewString(),
		roomId:    room.externalId,
		callType:  req.Type,
		initiator: c,
		ringing:   targets,
	}
	cr.calls[cl.id] = cl
	cr.track(c, cl.id)
	for t := range targets {
		cr.track(t, cl.id)
	}
	cr.mu.Unlock()

	cr.stats.Incr(stats.NumActiveCalls)
	cr.log.Printf("call %s started by %q in room %q", cl.id, c.user.Username, cl.roomId)

	offer := callNotification(&Notification{
		CallUser: &CallOffer{
			CallId:   cl.id,
			RoomId:   cl.roomId,
			From:     c.user.Id,
			FromName: c.user.Username,
			Type:     cl.callType,
			Signal:   req.Signal,
		},
	})
	for t := range targets {
		t.queueMessage(offer)
	}

	c.queueMessage(NoErrOK(msg.Id, CallStarted{CallId: cl.id}))
}

func (cr *CallRelay) accept(c *Client, msg *ClientMessage) {
	ref := msg.AcceptCall

	cr.mu.Lock()
	cl, ok := cr.calls[ref.CallId]
	if !ok || cl.peer != nil {
		cr.mu.Unlock()
		c.queueMessage(ErrorResponse(msg.Id, errNotFound("call")))
		return
	}
	if _, ringing := cl.ringing[c]; !ringing {
		cr.mu.Unlock()
		c.queueMessage(ErrorResponse(msg.Id, errNotFound("call")))
		return
	}

	cl.peer = c
	var others []*Client
	for r := range cl.ringing {
		if r != c {
			others = append(others, r)
			cr.untrack(r, cl.id)
		}
	}
	cl.ringing = nil
	initiator := cl.initiator
	cr.mu.Unlock()

	initiator.queueMessage(callNotification(&Notification{
		CallAccepted: &CallUpdate{CallId: cl.id, UserId: c.user.Id, Signal: ref.Signal},
	}))

	for _, o := range others {
		o.queueMessage(callNotification(&Notification{
			EndCall: &CallUpdate{CallId: cl.id, UserId: c.user.Id, Reason: "answered"},
		}))
	}

	c.queueMessage(NoErrOK(msg.Id, CallStarted{CallId: cl.id}))
}

func (cr *CallRelay) decline(c *Client, msg *ClientMessage) {
	ref := msg.DeclineCall

	cr.mu.Lock()
	cl, ok := cr.calls[ref.CallId]
	if !ok {
		cr.mu.Unlock()
		cr.log.Printf("decline for unknown call %q", ref.CallId)
		return
	}
	if _, ringing := cl.ringing[c]; !ringing {
		cr.mu.Unlock()
		return
	}

	// a decline stops the call ringing on every connection of the user
	var silenced []*Client
	for r := range cl.ringing {
		if r.user.Id == c.user.Id {
			delete(cl.ringing, r)
			cr.untrack(r, cl.id)
			if r != c {
				silenced = append(silenced, r)
			}
		}
	}

	ended := len(cl.ringing) == 0 && cl.peer == nil
	if ended {
		cr.remove(cl)
	}
	initiator := cl.initiator
	cr.mu.Unlock()

	initiator.queueMessage(callNotification(&Notification{
		CallDeclined: &CallUpdate{CallId: cl.id, UserId: c.user.Id},
	}))
	for _, s := range silenced {
		s.queueMessage(callNotification(&Notification{
			EndCall: &CallUpdate{CallId: cl.id, UserId: c.user.Id, Reason: "declined"},
		}))
	}

	if ended {
		cr.stats.Decr(stats.NumActiveCalls)
	}
}

func (cr *CallRelay) end(c *Client, msg *ClientMessage) {
	if !cr.endCall(c, msg.EndCall.CallId, "ended") {
		cr.log.Printf("end for unknown call %q", msg.EndCall.CallId)
	}
}

// endCall removes c from the call. When c was the initiator or the
// connected peer the call is over and the other side is told so. A ringing
// connection only stops ringing, ending the call once nobody is left.
func (cr *CallRelay) endCall(c *Client, callId, reason string) bool {
	cr.mu.Lock()
	cl, ok := cr.calls[callId]
	if !ok {
		cr.mu.Unlock()
		return false
	}

	var notify []*Client
	ended := false
	switch {
	case c == cl.initiator:
		notify = cl.participants()[1:]
		ended = true
	case c == cl.peer:
		notify = []*Client{cl.initiator}
		ended = true
	default:
		if _, ringing := cl.ringing[c]; !ringing {
			cr.mu.Unlock()
			return false
		}
		delete(cl.ringing, c)
		cr.untrack(c, cl.id)
		if len(cl.ringing) == 0 && cl.peer == nil {
			notify = []*Client{cl.initiator}
			ended = true
		}
	}

	if ended {
		cr.remove(cl)
	}
	cr.mu.Unlock()

	for _, n := range notify {
		n.queueMessage(callNotification(&Notification{
			EndCall: &CallUpdate{CallId: cl.id, UserId: c.user.Id, Reason: reason},
		}))
	}

	if ended {
		cr.stats.Decr(stats.NumActiveCalls)
		cr.log.Printf("call %s ended", cl.id)
	}
	return true
}

func (cr *CallRelay) signal(c *Client, msg *ClientMessage) {
	ref := msg.CallSignal

	cr.mu.Lock()
	cl, ok := cr.calls[ref.CallId]
	if !ok {
		cr.mu.Unlock()
		cr.log.Printf("signal for unknown call %q", ref.CallId)
		return
	}

	var targets []*Client
	switch {
	case c == cl.initiator:
		targets = cl.participants()[1:]
	case c == cl.peer:
		targets = []*Client{cl.initiator}
	default:
		if _, ringing := cl.ringing[c]; ringing {
			targets = []*Client{cl.initiator}
		}
	}
	cr.mu.Unlock()

	fwd := callNotification(&Notification{
		CallSignal: &CallUpdate{CallId: cl.id, UserId: c.user.Id, Signal: ref.Signal},
	})
	for _, t := range targets {
		t.queueMessage(fwd)
	}
}

// endClientCalls ends every call c takes part in, optionally limited to
// one room.
func (cr *CallRelay) endClientCalls(c *Client, roomId, reason string) {
	cr.mu.Lock()
	var ids []string
	for id := range cr.byClient[c] {
		if cl := cr.calls[id]; cl != nil && (roomId == "" || cl.roomId == roomId) {
			ids = append(ids, id)
		}
	}
	cr.mu.Unlock()

	for _, id := range ids {
		cr.endCall(c, id, reason)
	}
}

func (cr *CallRelay) endRoomCalls(c *Client, roomId string) {
	cr.endClientCalls(c, roomId, "left room")
}

func (cr *CallRelay) endAll(c *Client) {
	cr.endClientCalls(c, "", "disconnected")
}
