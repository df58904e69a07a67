package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachflow/coachflow/internal/agent/mutegate"
	"github.com/coachflow/coachflow/pkg/audio"
	"github.com/coachflow/coachflow/pkg/wire"
)

// AgentHandler is the room's view of a live AI pipeline. Satisfied by the
// orchestrator.
type AgentHandler interface {
	EnqueueAudio(frame audio.Frame) bool
	Whisper(text string) error
	Gate() *mutegate.Gate
	Forget(identity string)
}

// Room groups the participants of one coaching session and relays their
// traffic. It implements the orchestrator's Output so agent broadcasts and
// audio flow through the same fan-out as signaling.
type Room struct {
	ID string

	hub *Hub
	log *slog.Logger

	// seq orders all hub-originated broadcasts within this room.
	seq atomic.Uint64

	mu           sync.RWMutex
	participants map[string]*Participant
	emptySince   time.Time

	agent atomic.Pointer[agentRef]
}

// agentRef wraps AgentHandler for atomic swap.
type agentRef struct{ h AgentHandler }

func newRoom(id string, h *Hub) *Room {
	return &Room{
		ID:           id,
		hub:          h,
		log:          h.log.With("room", id),
		participants: make(map[string]*Participant),
		emptySince:   time.Now(),
	}
}

// AttachAgent wires a live pipeline into the room.
func (r *Room) AttachAgent(h AgentHandler) {
	r.agent.Store(&agentRef{h: h})
}

// DetachAgent removes the pipeline. In-flight audio is dropped.
func (r *Room) DetachAgent() {
	r.agent.Store(nil)
}

func (r *Room) agentHandler() AgentHandler {
	ref := r.agent.Load()
	if ref == nil {
		return nil
	}
	return ref.h
}

// Participants returns a snapshot of all members not yet gone.
func (r *Room) Participants() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Humans returns the identities of human members, active or reconnecting.
func (r *Room) Humans() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, p := range r.participants {
		if p.Role.Human() {
			out = append(out, id)
		}
	}
	return out
}

// humanCount counts human members under the caller's lock discipline.
func (r *Room) humanCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.participants {
		if p.Role.Human() {
			n++
		}
	}
	return n
}

// get returns the participant with the given identity.
func (r *Room) get(identity string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[identity]
	return p, ok
}

// stamp assigns the next room sequence number to msg and encodes it.
// Messages without a seq field pass through unchanged.
func (r *Room) stamp(msg any) []byte {
	switch m := msg.(type) {
	case wire.PeerDiscovery:
		m.Seq = r.seq.Add(1)
		return wire.Marshal(m)
	case wire.UserJoined:
		m.Seq = r.seq.Add(1)
		return wire.Marshal(m)
	case wire.UserLeft:
		m.Seq = r.seq.Add(1)
		return wire.Marshal(m)
	case wire.Transcript:
		m.Seq = r.seq.Add(1)
		return wire.Marshal(m)
	case wire.AgentState:
		m.Seq = r.seq.Add(1)
		return wire.Marshal(m)
	case []byte:
		return m
	default:
		return wire.Marshal(msg)
	}
}

// Broadcast fans msg out to every active participant. Wedged transports are
// scheduled for eviction rather than blocking the room.
func (r *Room) Broadcast(msg any) {
	r.broadcastExcept(msg, "")
}

func (r *Room) broadcastExcept(msg any, skip string) {
	data := r.stamp(msg)
	for _, p := range r.Participants() {
		if p.Identity == skip {
			continue
		}
		if _, wedged := p.send(data); wedged {
			r.evict(p)
		}
	}
}

// sendTo delivers msg to a single participant.
func (r *Room) sendTo(identity string, msg any) bool {
	p, ok := r.get(identity)
	if !ok {
		return false
	}
	sent, wedged := p.send(r.stamp(msg))
	if wedged {
		r.evict(p)
	}
	return sent
}

// evict force-disconnects a participant whose transport stopped draining.
// The identity keeps its reconnect grace; a healthy client can come back.
func (r *Room) evict(p *Participant) {
	r.log.Warn("evicting wedged participant", "participant", p.Identity)
	p.dropTransport("transport congested")
	p.beginGrace(r.hub.cfg.ReconnectGrace)
}

// WriteAgentAudio fans one synthesised chunk to every human participant.
func (r *Room) WriteAgentAudio(chunk []byte) error {
	var firstErr error
	for _, p := range r.Participants() {
		if !p.Role.Human() {
			continue
		}
		if err := p.writeAudio(chunk); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hub: agent audio to %s: %w", p.Identity, err)
		}
	}
	return firstErr
}

// ClearAgentAudio drops queued agent audio on every participant transport.
func (r *Room) ClearAgentAudio() {
	for _, p := range r.Participants() {
		p.clearAudio()
	}
}

// HandleAudio routes one captured frame from a participant to the pipeline.
// Frames arriving with no agent attached are dropped.
func (r *Room) HandleAudio(from string, data []byte, captured time.Time) {
	h := r.agentHandler()
	if h == nil {
		return
	}
	h.EnqueueAudio(audio.Frame{From: from, Data: data, Captured: captured})
}

// HandleMessage routes one decoded control message from a participant.
// Signaling payloads are forwarded opaquely; agent commands are dispatched
// to the attached pipeline; unknown untargeted messages are dropped.
func (r *Room) HandleMessage(from string, env wire.Envelope) {
	switch env.Type {
	case wire.TypeOffer, wire.TypeAnswer, wire.TypeICECandidate:
		r.forward(from, env)

	case wire.TypeCoachWhisper:
		r.handleWhisper(from, env)

	case wire.TypePauseAI:
		r.handlePauseAI(from, env)

	case wire.TypePing:
		r.sendTo(from, wire.NewPong())

	case wire.TypeJoin:
		// Joins are handled during the handshake; a repeat is a protocol
		// error but harmless.
		r.log.Debug("ignoring join after handshake", "participant", from)

	default:
		if env.Targeted() {
			r.forward(from, env)
			return
		}
		r.log.Debug("dropping untargeted message of unknown type",
			"type", env.Type, "participant", from)
	}
}

// forward relays a signaling payload verbatim, with fromId filled in.
// Targeted payloads go to their recipient; untargeted ones fan out to every
// other participant.
func (r *Room) forward(from string, env wire.Envelope) {
	// Re-encode only to guarantee fromId; the payload itself is opaque.
	var full map[string]any
	if err := env.Decode(&full); err != nil {
		r.sendTo(from, wire.NewError("malformed message"))
		return
	}
	full["fromId"] = from
	data := wire.Marshal(full)

	if !env.Targeted() {
		r.broadcastExcept(data, from)
		return
	}

	target, ok := r.get(env.ToID)
	if !ok || target.State() == StateGone {
		r.sendTo(from, wire.NewError(fmt.Sprintf("unknown recipient %q", env.ToID)))
		return
	}
	if _, wedged := target.send(data); wedged {
		r.evict(target)
	}
}

func (r *Room) handleWhisper(from string, env wire.Envelope) {
	p, ok := r.get(from)
	if !ok || p.Role != wire.RoleCoach {
		r.sendTo(from, wire.NewError("only the coach can whisper to the assistant"))
		return
	}
	h := r.agentHandler()
	if h == nil {
		r.sendTo(from, wire.NewError("assistant is not in the room"))
		return
	}
	var w wire.CoachWhisper
	if err := env.Decode(&w); err != nil {
		r.sendTo(from, wire.NewError("malformed coach_whisper"))
		return
	}
	if err := h.Whisper(w.Text); err != nil {
		r.log.Error("whisper rejected", "err", err)
		r.sendTo(from, wire.NewError("whisper failed"))
	}
}

func (r *Room) handlePauseAI(from string, env wire.Envelope) {
	p, ok := r.get(from)
	if !ok {
		return
	}
	h := r.agentHandler()
	if h == nil {
		r.sendTo(from, wire.NewError("assistant is not in the room"))
		return
	}
	var cmd wire.PauseAI
	if err := env.Decode(&cmd); err != nil {
		r.sendTo(from, wire.NewError("malformed pause_ai"))
		return
	}
	changed, err := h.Gate().Apply(p.Role, cmd.Paused, cmd.Targets, r.Humans())
	if err != nil {
		r.sendTo(from, wire.NewError(err.Error()))
		return
	}
	r.log.Info("mute gate updated",
		"by", from, "paused", cmd.Paused, "changed", changed)
}

// initiator returns which of the two identities must create the WebRTC offer
// for their pair. The AI endpoint never initiates; a coach offers towards a
// client; between equals the lexicographically smaller identity offers.
func initiator(a, b string) string {
	ra, _ := wire.RoleFromIdentity(a)
	rb, _ := wire.RoleFromIdentity(b)
	switch {
	case ra == wire.RoleAI:
		return b
	case rb == wire.RoleAI:
		return a
	case ra == wire.RoleCoach && rb == wire.RoleClient:
		return a
	case ra == wire.RoleClient && rb == wire.RoleCoach:
		return b
	case a < b:
		return a
	default:
		return b
	}
}
