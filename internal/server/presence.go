package server

import (
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-chatcore/internal/types"
)

// PresenceTracker owns every user's presence record. A user goes offline
// only after its last connection has been closed for the grace window.
type PresenceTracker struct {
	mu      sync.Mutex
	grace   time.Duration
	records map[int]*presenceEntry
	log     *log.Logger
	now     func() time.Time
	// roomsOf returns the rooms a user currently occupies.
	roomsOf func(userId int) []string
	// publish fans a change out to the given rooms.
	publish func(rec types.PresenceRecord, rooms []string)
}

type presenceEntry struct {
	record    types.PresenceRecord
	conns     int
	lastRooms []string
	gen       uint64
	timer     *time.Timer
}

func NewPresenceTracker(grace time.Duration, logger *log.Logger) *PresenceTracker {
	return &PresenceTracker{
		grace:   grace,
		records: make(map[int]*presenceEntry),
		log:     logger,
		now:     Now,
		roomsOf: func(int) []string { return nil },
		publish: func(types.PresenceRecord, []string) {},
	}
}

func (p *PresenceTracker) entry(userId int) *presenceEntry {
	e, ok := p.records[userId]
	if !ok {
		e = &presenceEntry{
			record: types.PresenceRecord{
				UserId:     userId,
				Status:     types.PresenceOffline,
				LastActive: p.now(),
			},
		}
		p.records[userId] = e
	}
	return e
}

// cancelPending invalidates a scheduled offline transition. A timer that
// already fired sees the new generation and does nothing.
func (e *presenceEntry) cancelPending() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Connect records a new connection for userId, bringing an offline user
// online.
func (p *PresenceTracker) Connect(userId int) types.PresenceRecord {
	p.mu.Lock()
	e := p.entry(userId)
	e.cancelPending()
	if e.conns == 0 {
		e.lastRooms = nil
	}
	e.conns++
	e.record.LastActive = p.now()

	changed := e.record.Status == types.PresenceOffline
	if changed {
		e.record.Status = types.PresenceOnline
	}
	rec := e.record
	p.mu.Unlock()

	if changed {
		p.publish(rec, p.roomsOf(userId))
	}
	return rec
}

// Disconnect records that one of userId's connections closed while it
// occupied rooms.
func (p *PresenceTracker) Disconnect(userId int, rooms []string) {
	p.mu.Lock()
	e, ok := p.records[userId]
	if !ok || e.conns == 0 {
		p.mu.Unlock()
		return
	}

	e.conns--
	for _, r := range rooms {
		if !slices.Contains(e.lastRooms, r) {
			e.lastRooms = append(e.lastRooms, r)
		}
	}

	last := e.conns == 0
	p.mu.Unlock()

	if last {
		p.onLastConnectionClosed(userId)
	}
}

func (p *PresenceTracker) onLastConnectionClosed(userId int) {
	p.mu.Lock()
	e, ok := p.records[userId]
	if !ok || e.conns > 0 {
		p.mu.Unlock()
		return
	}

	e.cancelPending()
	gen := e.gen
	if p.grace <= 0 {
		p.mu.Unlock()
		p.expire(userId, gen)
		return
	}

	e.timer = time.AfterFunc(p.grace, func() {
		p.expire(userId, gen)
	})
	p.mu.Unlock()
}

func (p *PresenceTracker) expire(userId int, gen uint64) {
	p.mu.Lock()
	e, ok := p.records[userId]
	if !ok || e.gen != gen || e.conns > 0 {
		p.mu.Unlock()
		return
	}

	e.timer = nil
	rooms := e.lastRooms
	e.lastRooms = nil
	if e.record.Status == types.PresenceOffline {
		p.mu.Unlock()
		return
	}

	e.record.Status = types.PresenceOffline
	rec := e.record
	p.mu.Unlock()

	p.log.Printf("user %d offline", userId)
	p.publish(rec, rooms)
}

// SetPresence applies an explicit status change. Concurrent calls resolve
// in arrival order.
func (p *PresenceTracker) SetPresence(userId int, status types.Presence) (types.PresenceRecord, error) {
	if !status.Valid() {
		return types.PresenceRecord{}, errValidation("unknown presence %q", status)
	}

	p.mu.Lock()
	e := p.entry(userId)
	e.record.LastActive = p.now()
	changed := e.record.Status != status
	e.record.Status = status
	rec := e.record
	p.mu.Unlock()

	if changed {
		p.publish(rec, p.roomsOf(userId))
	}
	return rec, nil
}

// RecordHeartbeat refreshes the last active time without touching the
// status.
func (p *PresenceTracker) RecordHeartbeat(userId int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.records[userId]
	if !ok {
		return fmt.Errorf("no presence record for user %d", userId)
	}
	e.record.LastActive = p.now()
	return nil
}

func (p *PresenceTracker) Get(userId int) types.PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.records[userId]; ok {
		return e.record
	}
	return types.PresenceRecord{UserId: userId, Status: types.PresenceOffline}
}

// Stop cancels every pending offline transition.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.records {
		e.cancelPending()
	}
}
