package server

import (
	"slices"
	"strings"

	"github.com/npezzotti/go-chatcore/internal/database"
	"github.com/npezzotti/go-chatcore/internal/encryption"
	"github.com/npezzotti/go-chatcore/internal/types"
)

// Read-only queries run on the connection's read goroutine rather than the
// room goroutine.

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
	// searchScanPages bounds how much history a search decrypts. Thread
	// replies count against the same budget as top-level messages.
	searchScanPages    = 5
	searchScanPageSize = 200
)

func (c *Client) getOnlineUsers(msg *ClientMessage) {
	r := c.getRoom(msg.GetOnlineUsers.RoomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, OnlineUsers{
		RoomId: r.externalId,
		Users:  r.members(),
	}))
}

// Envelopes converts a newest-first page of stored messages into oldest-first
// envelopes.
func Envelopes(roomId string, msgs []database.Message) []types.MessageEnvelope {
	out := make([]types.MessageEnvelope, len(msgs))
	for i, m := range msgs {
		out[i] = newEnvelope(roomId, m)
	}
	// pages are fetched newest first, deliver them oldest first
	slices.Reverse(out)
	return out
}

func (c *Client) getRecentMessages(msg *ClientMessage) {
	q := msg.GetRecentMessages
	r := c.getRoom(q.RoomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	ctx, cancel := c.chatServer.ackContext()
	defer cancel()

	msgs, err := c.chatServer.db.ListMessages(ctx, r.id, database.Page{Number: q.Page, Size: q.Size})
	if err != nil {
		c.log.Println("ListMessages:", err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, MessageList{
		RoomId:   r.externalId,
		Messages: Envelopes(r.externalId, msgs),
	}))
}

func (c *Client) getThreadMessages(msg *ClientMessage) {
	q := msg.GetThreadMessages
	r := c.getRoom(q.RoomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	ctx, cancel := c.chatServer.ackContext()
	defer cancel()

	if _, err := r.roomMessage(ctx, q.ParentId); err != nil {
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	msgs, err := c.chatServer.db.ListThreadMessages(ctx, q.ParentId, database.Page{Number: q.Page, Size: q.Size})
	if err != nil {
		c.log.Println("ListThreadMessages:", err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, MessageList{
		RoomId:   r.externalId,
		ParentId: q.ParentId,
		Messages: Envelopes(r.externalId, msgs),
	}))
}

// searchMessages decrypts recent room history with the room key and
// returns the messages whose text contains the query, newest first.
func (c *Client) searchMessages(msg *ClientMessage) {
	q := msg.SearchMessages
	r := c.getRoom(q.RoomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	needle := strings.ToLower(strings.TrimSpace(q.Query))
	if needle == "" {
		c.queueMessage(ErrorResponse(msg.Id, errValidation("search query cannot be empty")))
		return
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	ctx, cancel := c.chatServer.ackContext()
	defer cancel()

	open, err := c.chatServer.sealer.Opener(ctx, r.id)
	if err != nil {
		c.log.Println("Opener:", err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	found := []types.MessageEnvelope{}
	for page := 0; page < searchScanPages && len(found) < limit; page++ {
		msgs, err := c.chatServer.db.ListAllMessages(ctx, r.id, database.Page{Number: page, Size: searchScanPageSize})
		if err != nil {
			c.log.Println("ListAllMessages:", err)
			c.queueMessage(ErrorResponse(msg.Id, err))
			return
		}

		for _, m := range msgs {
			text := open(encryption.Sealed{Content: m.Content, SenderKey: m.SenderKey})
			if text == encryption.Placeholder || !strings.Contains(strings.ToLower(text), needle) {
				continue
			}

			env := newEnvelope(r.externalId, m)
			env.Text = text
			found = append(found, env)
			if len(found) == limit {
				break
			}
		}

		if len(msgs) < searchScanPageSize {
			break
		}
	}

	c.queueMessage(NoErrOK(msg.Id, MessageList{
		RoomId:   r.externalId,
		Messages: found,
	}))
}
