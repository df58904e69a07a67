// Package wire defines the JSON signaling schema exchanged between the room
// hub and participants.
//
// Every message is a JSON object with a "type" discriminator. The hub only
// interprets the envelope fields (type, fromId, toId); payloads of signaling
// messages such as offers and ICE candidates are forwarded opaquely. Messages
// with an unknown type are forwarded when targeted (toId present) and dropped
// otherwise.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message type discriminators.
const (
	TypeJoin          = "join"
	TypePeerDiscovery = "peer-discovery"
	TypeUserJoined    = "user-joined"
	TypeUserLeft      = "user-left"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeICECandidate  = "ice-candidate"
	TypeCoachWhisper  = "coach_whisper"
	TypePauseAI       = "pause_ai"
	TypeTranscript    = "transcript"
	TypeAgentState    = "agent_state"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
)

// Role classifies a participant.
type Role string

const (
	RoleClient Role = "client"
	RoleCoach  Role = "coach"
	RoleAI     Role = "ai"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleClient || r == RoleCoach || r == RoleAI
}

// Human reports whether r denotes a human participant.
func (r Role) Human() bool {
	return r == RoleClient || r == RoleCoach
}

// RoleFromIdentity derives the role from an identity's prefix
// ("client-", "coach-", "ai-"). Returns an error for any other prefix.
func RoleFromIdentity(identity string) (Role, error) {
	switch {
	case strings.HasPrefix(identity, "client-"):
		return RoleClient, nil
	case strings.HasPrefix(identity, "coach-"):
		return RoleCoach, nil
	case strings.HasPrefix(identity, "ai-"):
		return RoleAI, nil
	}
	return "", fmt.Errorf("wire: identity %q has no recognised role prefix", identity)
}

// Envelope is the decoded head of an incoming message plus its raw bytes.
// Raw is retained so that opaque payloads survive forwarding unmodified.
type Envelope struct {
	Type   string `json:"type"`
	FromID string `json:"fromId,omitempty"`
	ToID   string `json:"toId,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Parse decodes the envelope fields of data. The full payload is kept in Raw.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("wire: message has no type field")
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

// Decode unmarshals the envelope's full payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("wire: decode %s: %w", e.Type, err)
	}
	return nil
}

// Targeted reports whether the message names a single recipient.
func (e Envelope) Targeted() bool { return e.ToID != "" }

// ── Client → hub payloads ─────────────────────────────────────────────────────

// Join is sent by a participant to enter a room.
type Join struct {
	Type            string `json:"type"`
	RoomID          string `json:"roomId"`
	UserID          string `json:"userId"`
	UserName        string `json:"userName"`
	UserRole        Role   `json:"userRole"`
	ParticipantType string `json:"participantType,omitempty"`
}

// CoachWhisper carries a silent prompt update from the coach to the agent.
type CoachWhisper struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PauseAI toggles the voice-agent mute gate. An empty Targets list applies
// to every human participant in the room.
type PauseAI struct {
	Type    string   `json:"type"`
	Paused  bool     `json:"paused"`
	Targets []string `json:"targets,omitempty"`
}

// ── Hub → participant payloads ────────────────────────────────────────────────

// PeerInfo describes one existing participant in a peer-discovery message.
type PeerInfo struct {
	UserID          string `json:"userId"`
	UserName        string `json:"userName"`
	UserRole        Role   `json:"userRole"`
	ParticipantType string `json:"participantType,omitempty"`
}

// PeerDiscovery enumerates the room's existing participants for a joiner.
type PeerDiscovery struct {
	Type   string     `json:"type"`
	RoomID string     `json:"roomId"`
	Peers  []PeerInfo `json:"peers"`
	Seq    uint64     `json:"seq"`
}

// UserJoined announces a new participant to the rest of the room.
// ShouldInitiate tells the recipient whether it is the WebRTC offerer
// towards the new participant.
type UserJoined struct {
	Type            string `json:"type"`
	UserID          string `json:"userId"`
	UserName        string `json:"userName"`
	UserRole        Role   `json:"userRole"`
	ParticipantType string `json:"participantType,omitempty"`
	ShouldInitiate  bool   `json:"shouldInitiate"`
	Seq             uint64 `json:"seq"`
}

// UserLeft announces a departure.
type UserLeft struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Seq    uint64 `json:"seq"`
}

// Transcript delivers one transcript entry to participants.
type Transcript struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
	Source  string `json:"source"`
	TS      int64  `json:"ts"`
	Seq     uint64 `json:"seq,omitempty"`
}

// AgentState broadcasts the orchestrator's state to the room.
// Valid states: "speaking", "ready", "spawning", "failed", "offline".
type AgentState struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Seq   uint64 `json:"seq,omitempty"`
}

// Error reports a rejected command back to its sender.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ── Constructors ──────────────────────────────────────────────────────────────

// NewError builds an error message.
func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// Pong answers a liveness ping.
type Pong struct {
	Type string `json:"type"`
}

// NewPong builds a pong message.
func NewPong() Pong {
	return Pong{Type: TypePong}
}

// NewTranscript builds a transcript message stamped with ts.
func NewTranscript(role, content, source string, final bool, ts time.Time) Transcript {
	return Transcript{
		Type:    TypeTranscript,
		Role:    role,
		Content: content,
		Final:   final,
		Source:  source,
		TS:      ts.UnixMilli(),
	}
}

// NewAgentState builds an agent_state message.
func NewAgentState(state string) AgentState {
	return AgentState{Type: TypeAgentState, State: state}
}

// Marshal encodes v, panicking on failure. All wire types marshal without
// error; a failure here is a programming bug.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wire: marshal %T: %v", v, err))
	}
	return data
}
