package mutegate

import (
	"errors"
	"testing"
	"time"

	"github.com/coachflow/coachflow/pkg/wire"
)

func TestApply_OnlyCoachMayCommand(t *testing.T) {
	t.Parallel()
	g := New()
	members := []string{"client-1", "coach-1"}

	if _, err := g.Apply(wire.RoleClient, true, nil, members); !errors.Is(err, ErrNotCoach) {
		t.Errorf("client command: err = %v, want ErrNotCoach", err)
	}
	if _, err := g.Apply(wire.RoleAI, true, nil, members); !errors.Is(err, ErrNotCoach) {
		t.Errorf("ai command: err = %v, want ErrNotCoach", err)
	}
	if _, err := g.Apply(wire.RoleCoach, true, nil, members); err != nil {
		t.Errorf("coach command: unexpected error %v", err)
	}
}

func TestApply_EmptyTargetsMutesAllHumans(t *testing.T) {
	t.Parallel()
	g := New()
	members := []string{"client-1", "coach-1"}

	changed, err := g.Apply(wire.RoleCoach, true, nil, members)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("changed = %v, want both members", changed)
	}
	if !g.IsMuted("client-1") || !g.IsMuted("coach-1") {
		t.Error("both humans should be muted")
	}
	if !g.AllMuted(members) {
		t.Error("AllMuted should report true")
	}
}

func TestApply_IsIdempotent(t *testing.T) {
	t.Parallel()
	g := New()
	members := []string{"client-1"}

	if _, err := g.Apply(wire.RoleCoach, true, []string{"client-1"}, members); err != nil {
		t.Fatalf("first mute: %v", err)
	}
	changed, err := g.Apply(wire.RoleCoach, true, []string{"client-1"}, members)
	if err != nil {
		t.Fatalf("second mute: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("repeat mute changed %v, want no change", changed)
	}

	if _, err := g.Apply(wire.RoleCoach, false, []string{"client-1"}, members); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	changed, err = g.Apply(wire.RoleCoach, false, []string{"client-1"}, members)
	if err != nil {
		t.Fatalf("second unmute: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("repeat unmute changed %v, want no change", changed)
	}
}

func TestApply_RejectsUnknownAndAITargets(t *testing.T) {
	t.Parallel()
	g := New()
	members := []string{"client-1", "ai-assistant"}

	if _, err := g.Apply(wire.RoleCoach, true, []string{"client-2"}, members); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("unknown target: err = %v, want ErrUnknownTarget", err)
	}
	if _, err := g.Apply(wire.RoleCoach, true, []string{"ai-assistant"}, members); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("ai target: err = %v, want ErrUnknownTarget", err)
	}
}

func TestAllows_MuteTakesEffectByCaptureTime(t *testing.T) {
	t.Parallel()
	muteAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g := newWithClock(func() time.Time { return muteAt })
	members := []string{"client-1"}

	if _, err := g.Apply(wire.RoleCoach, true, nil, members); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// A frame captured before the mute instant still passes even though it
	// is evaluated afterwards.
	if !g.Allows("client-1", muteAt.Add(-time.Millisecond)) {
		t.Error("frame captured before mute should pass")
	}
	if g.Allows("client-1", muteAt) {
		t.Error("frame captured at the mute instant should be suppressed")
	}
	if g.Allows("client-1", muteAt.Add(time.Second)) {
		t.Error("frame captured after mute should be suppressed")
	}
}

func TestAllows_UnmutedPassesAlways(t *testing.T) {
	t.Parallel()
	g := New()
	if !g.Allows("client-1", time.Now()) {
		t.Error("unmuted participant should always pass")
	}
}

func TestAllMuted(t *testing.T) {
	t.Parallel()
	g := New()
	members := []string{"client-1", "coach-1"}

	if g.AllMuted(nil) {
		t.Error("empty member list should not count as all muted")
	}
	if g.AllMuted(members) {
		t.Error("fresh gate should not report all muted")
	}

	if _, err := g.Apply(wire.RoleCoach, true, []string{"client-1"}, members); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if g.AllMuted(members) {
		t.Error("one unmuted member should keep AllMuted false")
	}

	if _, err := g.Apply(wire.RoleCoach, true, []string{"coach-1"}, members); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !g.AllMuted(members) {
		t.Error("all members muted should report true")
	}
}

func TestForget_ResetsState(t *testing.T) {
	t.Parallel()
	g := New()
	members := []string{"client-1"}

	if _, err := g.Apply(wire.RoleCoach, true, nil, members); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	g.Forget("client-1")
	if g.IsMuted("client-1") {
		t.Error("forgotten participant should be unmuted")
	}
}
