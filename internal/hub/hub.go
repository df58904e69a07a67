// Package hub tracks rooms and participants and relays signaling between
// them. It owns membership: joins, departures, the reconnect grace window,
// and the deterministic offerer selection announced to peers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coachflow/coachflow/internal/observe"
	"github.com/coachflow/coachflow/pkg/wire"
)

// Join rejection errors.
var (
	ErrAlreadyPresent = errors.New("hub: identity already active in room")
	ErrAIPresent      = errors.New("hub: room already has an AI participant")
	ErrBadIdentity    = errors.New("hub: identity has no recognised role prefix")
)

// sweepInterval is how often the janitor checks grace windows.
const sweepInterval = time.Second

// roomGrace is how long an empty room survives before removal, covering the
// window where everyone reconnects at once.
const roomGrace = 30 * time.Second

// Listener observes membership changes. Callbacks run synchronously on the
// goroutine that triggered the change, outside every hub lock, so
// implementations may call back into the hub.
type Listener interface {
	// ParticipantJoined fires after a participant becomes active for the
	// first time. humanCount is the room's human membership afterwards.
	ParticipantJoined(roomID, identity string, role wire.Role, humanCount int)

	// ParticipantLeft fires after a participant is gone for good.
	ParticipantLeft(roomID, identity string, role wire.Role, humanCount int)
}

// Config configures a Hub.
type Config struct {
	// ReconnectGrace is how long a dropped participant's identity is held.
	ReconnectGrace time.Duration

	Listener Listener
	Logger   *slog.Logger
	Metrics  *observe.Metrics
}

// Hub owns all rooms. Safe for concurrent use.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu    sync.RWMutex
	rooms map[string]*Room

	closeOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// New creates a hub and starts its janitor.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 30 * time.Second
	}
	h := &Hub{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		rooms:   make(map[string]*Room),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.janitor()
	return h
}

// Close stops the janitor and departs every participant.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.stop)
		<-h.stopped

		h.mu.Lock()
		rooms := make([]*Room, 0, len(h.rooms))
		for _, r := range h.rooms {
			rooms = append(rooms, r)
		}
		h.rooms = make(map[string]*Room)
		h.mu.Unlock()

		for _, r := range rooms {
			for _, p := range r.Participants() {
				p.depart("server shutting down")
			}
		}
	})
}

// SetListener installs the membership listener. Call before any traffic is
// served; the field is not otherwise synchronised.
func (h *Hub) SetListener(l Listener) {
	h.cfg.Listener = l
}

// Room returns the room with the given id.
func (h *Hub) Room(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) getOrCreateRoom(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := newRoom(id, h)
	h.rooms[id] = r
	h.metrics.ActiveRooms.Add(context.Background(), 1)
	h.log.Info("room created", "room", id)
	return r
}

// Join adds a participant to a room, creating the room on first join.
//
// A join with the identity of a reconnecting participant reattaches the new
// transport and replays peer discovery without announcing a second arrival.
// A join that collides with an active identity is rejected. A room holds at
// most one AI participant.
func (h *Hub) Join(roomID, identity, name string, ptype string, conn Sender) (*Room, error) {
	role, err := wire.RoleFromIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadIdentity, identity)
	}

	room := h.getOrCreateRoom(roomID)

	room.mu.Lock()
	if existing, ok := room.participants[identity]; ok {
		switch existing.State() {
		case StateActive, StateJoining:
			room.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyPresent, identity)
		case StateReconnecting:
			room.mu.Unlock()
			if !existing.reattach(conn) {
				return nil, fmt.Errorf("%w: %s", ErrAlreadyPresent, identity)
			}
			h.log.Info("participant reattached", "room", roomID, "participant", identity)
			h.sendPeerDiscovery(room, existing)
			return room, nil
		case StateGone:
			delete(room.participants, identity)
		}
	}
	if role == wire.RoleAI {
		for _, p := range room.participants {
			if p.Role == wire.RoleAI && p.State() != StateGone {
				room.mu.Unlock()
				return nil, ErrAIPresent
			}
		}
	}

	p := newParticipant(identity, name, role, ptype, conn)
	room.participants[identity] = p
	room.emptySince = time.Time{}
	room.mu.Unlock()

	h.metrics.ActiveParticipants.Add(context.Background(), 1)
	h.log.Info("participant joined",
		"room", roomID, "participant", identity, "role", string(role))

	h.sendPeerDiscovery(room, p)
	h.announceJoin(room, p)

	if h.cfg.Listener != nil {
		h.cfg.Listener.ParticipantJoined(roomID, identity, role, room.humanCount())
	}
	return room, nil
}

// sendPeerDiscovery tells the joiner who is already in the room.
func (h *Hub) sendPeerDiscovery(room *Room, joiner *Participant) {
	var peers []wire.PeerInfo
	for _, p := range room.Participants() {
		if p.Identity == joiner.Identity || p.State() == StateGone {
			continue
		}
		peers = append(peers, p.info())
	}
	room.sendTo(joiner.Identity, wire.PeerDiscovery{
		Type:   wire.TypePeerDiscovery,
		RoomID: room.ID,
		Peers:  peers,
	})
}

// announceJoin tells every existing member about the joiner, including
// whether that member is the offerer towards it.
func (h *Hub) announceJoin(room *Room, joiner *Participant) {
	for _, p := range room.Participants() {
		if p.Identity == joiner.Identity {
			continue
		}
		msg := wire.UserJoined{
			Type:            wire.TypeUserJoined,
			UserID:          joiner.Identity,
			UserName:        joiner.Name,
			UserRole:        joiner.Role,
			ParticipantType: joiner.ParticipantType,
			ShouldInitiate:  initiator(p.Identity, joiner.Identity) == p.Identity,
		}
		room.sendTo(p.Identity, msg)
	}
}

// Disconnected reports that a participant's transport dropped. The identity
// enters the reconnect grace window; peers are not notified unless the
// window expires.
func (h *Hub) Disconnected(roomID, identity string) {
	room, ok := h.Room(roomID)
	if !ok {
		return
	}
	p, ok := room.get(identity)
	if !ok || p.State() != StateActive {
		return
	}
	p.beginGrace(h.cfg.ReconnectGrace)
	h.log.Info("participant disconnected, grace started",
		"room", roomID, "participant", identity, "grace", h.cfg.ReconnectGrace)
}

// Leave removes a participant immediately, skipping the grace window. Used
// for deliberate departures and for the AI participant on teardown.
func (h *Hub) Leave(roomID, identity string) {
	room, ok := h.Room(roomID)
	if !ok {
		return
	}
	p, ok := room.get(identity)
	if !ok || p.State() == StateGone {
		return
	}
	p.depart("leaving")
	h.finalizeDeparture(room, p)
}

// finalizeDeparture removes the identity, announces user-left, and releases
// pipeline state.
func (h *Hub) finalizeDeparture(room *Room, p *Participant) {
	room.mu.Lock()
	delete(room.participants, p.Identity)
	empty := len(room.participants) == 0
	if empty {
		room.emptySince = time.Now()
	}
	room.mu.Unlock()

	h.metrics.ActiveParticipants.Add(context.Background(), -1)
	room.Broadcast(wire.UserLeft{Type: wire.TypeUserLeft, UserID: p.Identity})
	if agent := room.agentHandler(); agent != nil {
		agent.Forget(p.Identity)
	}
	h.log.Info("participant left",
		"room", room.ID, "participant", p.Identity, "role", string(p.Role))

	if h.cfg.Listener != nil {
		h.cfg.Listener.ParticipantLeft(room.ID, p.Identity, p.Role, room.humanCount())
	}
}

// janitor sweeps expired grace windows and stale empty rooms.
func (h *Hub) janitor() {
	defer close(h.stopped)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	for _, room := range rooms {
		for _, p := range room.Participants() {
			if p.graceExpired(now) {
				p.depart("reconnect window expired")
				h.finalizeDeparture(room, p)
			}
		}

		room.mu.RLock()
		empty := len(room.participants) == 0
		since := room.emptySince
		room.mu.RUnlock()
		if empty && !since.IsZero() && now.Sub(since) >= roomGrace {
			h.removeRoom(room.ID)
		}
	}
}

func (h *Hub) removeRoom(id string) {
	h.mu.Lock()
	room, ok := h.rooms[id]
	if ok {
		room.mu.RLock()
		if len(room.participants) > 0 {
			room.mu.RUnlock()
			h.mu.Unlock()
			return
		}
		room.mu.RUnlock()
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.ActiveRooms.Add(context.Background(), -1)
		h.log.Info("room removed", "room", id)
	}
}
