// Package mutegate controls which participants' audio reaches the
// conversational voice-agent channel.
//
// The gate only affects the voice-agent path; the transcription path always
// receives every participant's audio. Mute takes effect by capture timestamp:
// a frame captured at or after the moment of muting is suppressed even if it
// was already queued when the command arrived.
package mutegate

import (
	"fmt"
	"sync"
	"time"

	"github.com/coachflow/coachflow/pkg/wire"
)

// ErrNotCoach is returned when a non-coach participant issues a gate command.
var ErrNotCoach = fmt.Errorf("mutegate: only the coach can pause or resume the assistant")

// ErrUnknownTarget is returned when a gate command names a participant that
// is not a human member of the room.
var ErrUnknownTarget = fmt.Errorf("mutegate: unknown target participant")

// Gate tracks the muted set for one room. The AI participant is never a
// member: its audio is downstream output, not upstream input. Safe for
// concurrent use.
type Gate struct {
	mu sync.Mutex

	// mutedSince maps participant identity to the instant muting took
	// effect. Absent means unmuted.
	mutedSince map[string]time.Time

	now func() time.Time
}

// New returns an empty gate. All participants start unmuted.
func New() *Gate {
	return &Gate{
		mutedSince: make(map[string]time.Time),
		now:        time.Now,
	}
}

// newWithClock is a test hook for deterministic timestamps.
func newWithClock(now func() time.Time) *Gate {
	g := New()
	g.now = now
	return g
}

// Apply executes a pause_ai command from the participant with the given role.
// Only the coach may issue gate commands. targets lists human identities to
// affect; an empty list means every current human member, which members
// supplies. Returns the identities whose state actually changed.
func (g *Gate) Apply(from wire.Role, paused bool, targets, members []string) ([]string, error) {
	if from != wire.RoleCoach {
		return nil, ErrNotCoach
	}
	if len(targets) == 0 {
		targets = members
	}
	memberSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var changed []string
	for _, id := range targets {
		if _, ok := memberSet[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
		}
		if role, err := wire.RoleFromIdentity(id); err == nil && role == wire.RoleAI {
			// The assistant cannot be muted; pausing it means muting
			// the humans so it hears nothing.
			return nil, fmt.Errorf("%w: %s is not a human participant", ErrUnknownTarget, id)
		}
		if paused {
			if _, already := g.mutedSince[id]; !already {
				g.mutedSince[id] = g.now()
				changed = append(changed, id)
			}
		} else {
			if _, was := g.mutedSince[id]; was {
				delete(g.mutedSince, id)
				changed = append(changed, id)
			}
		}
	}
	return changed, nil
}

// Allows reports whether a frame from identity captured at the given instant
// may pass to the voice-agent channel. Frames captured strictly before the
// mute instant still pass.
func (g *Gate) Allows(identity string, captured time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	since, muted := g.mutedSince[identity]
	if !muted {
		return true
	}
	return captured.Before(since)
}

// IsMuted reports whether identity is currently muted.
func (g *Gate) IsMuted(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, muted := g.mutedSince[identity]
	return muted
}

// AllMuted reports whether every identity in members is muted. An empty
// member list counts as not all muted. When every human is muted the
// orchestrator must start sending keep-alives on the agent channel.
func (g *Gate) AllMuted(members []string) bool {
	if len(members) == 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range members {
		if _, muted := g.mutedSince[id]; !muted {
			return false
		}
	}
	return true
}

// Forget removes identity from the gate, e.g. when the participant leaves
// for good. A participant who rejoins starts unmuted.
func (g *Gate) Forget(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.mutedSince, identity)
}
