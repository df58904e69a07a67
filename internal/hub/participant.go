package hub

import (
	"sync"
	"time"

	"github.com/coachflow/coachflow/pkg/wire"
)

// State tracks a participant's lifecycle within a room.
type State int

const (
	// StateJoining is the window between transport accept and the join
	// handshake completing.
	StateJoining State = iota

	// StateActive means the participant has a live transport.
	StateActive

	// StateReconnecting means the transport dropped but the identity is
	// held open for the grace window.
	StateReconnecting

	// StateGone means the participant has left for good.
	StateGone
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateGone:
		return "gone"
	}
	return "unknown"
}

// maxSendFailures is the number of consecutive failed control sends after
// which a participant's transport is considered wedged and evicted.
const maxSendFailures = 32

// Sender is the downstream transport for one participant. Implemented by the
// WebSocket session; the AI participant uses an internal no-op sender.
type Sender interface {
	// Send enqueues one control message. Reports false when the message was
	// dropped because the transport is congested or closed.
	Send(data []byte) bool

	// WriteAgentAudio enqueues one chunk of synthesised agent audio.
	WriteAgentAudio(chunk []byte) error

	// ClearAgentAudio discards queued agent audio not yet on the wire.
	ClearAgentAudio()

	// Close terminates the transport.
	Close(reason string)
}

// Participant is one member of a room.
type Participant struct {
	Identity        string
	Name            string
	Role            wire.Role
	ParticipantType string

	mu         sync.Mutex
	conn       Sender
	state      State
	graceUntil time.Time
	sendFails  int
}

// newParticipant returns an active participant bound to conn.
func newParticipant(identity, name string, role wire.Role, ptype string, conn Sender) *Participant {
	return &Participant{
		Identity:        identity,
		Name:            name,
		Role:            role,
		ParticipantType: ptype,
		conn:            conn,
		state:           StateActive,
	}
}

// State returns the current lifecycle state.
func (p *Participant) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// info builds the peer-discovery description of this participant.
func (p *Participant) info() wire.PeerInfo {
	return wire.PeerInfo{
		UserID:          p.Identity,
		UserName:        p.Name,
		UserRole:        p.Role,
		ParticipantType: p.ParticipantType,
	}
}

// send delivers one control message. A failed send never blocks room
// traffic; it increments the failure count, and crossing [maxSendFailures]
// reports the transport as wedged so the caller can evict.
func (p *Participant) send(data []byte) (ok, wedged bool) {
	p.mu.Lock()
	conn := p.conn
	state := p.state
	p.mu.Unlock()
	if state != StateActive || conn == nil {
		return false, false
	}
	if conn.Send(data) {
		p.mu.Lock()
		p.sendFails = 0
		p.mu.Unlock()
		return true, false
	}
	p.mu.Lock()
	p.sendFails++
	wedged = p.sendFails >= maxSendFailures
	p.mu.Unlock()
	return false, wedged
}

// writeAudio delivers one agent audio chunk.
func (p *Participant) writeAudio(chunk []byte) error {
	p.mu.Lock()
	conn := p.conn
	state := p.state
	p.mu.Unlock()
	if state != StateActive || conn == nil {
		return nil
	}
	return conn.WriteAgentAudio(chunk)
}

// clearAudio discards queued agent audio.
func (p *Participant) clearAudio() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.ClearAgentAudio()
	}
}

// beginGrace switches to Reconnecting and opens the grace window.
func (p *Participant) beginGrace(grace time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateGone {
		return
	}
	p.state = StateReconnecting
	p.graceUntil = time.Now().Add(grace)
	p.conn = nil
}

// reattach binds a new transport to a reconnecting participant.
func (p *Participant) reattach(conn Sender) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateReconnecting {
		return false
	}
	p.conn = conn
	p.state = StateActive
	p.sendFails = 0
	return true
}

// graceExpired reports whether a reconnecting participant's window closed.
func (p *Participant) graceExpired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateReconnecting && now.After(p.graceUntil)
}

// dropTransport closes the live transport without changing membership.
func (p *Participant) dropTransport(reason string) {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close(reason)
	}
}

// depart marks the participant gone and closes any live transport.
func (p *Participant) depart(reason string) {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.state = StateGone
	p.mu.Unlock()
	if conn != nil {
		conn.Close(reason)
	}
}
