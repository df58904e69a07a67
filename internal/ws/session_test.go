package ws

import (
	"log/slog"
	"testing"

	"github.com/coachflow/coachflow/pkg/wire"
)

// queueSession builds a session without a live socket. Only the queue side
// is exercised; the writer loop never starts.
func queueSession(depth int) *session {
	return newSession(nil, slog.Default(), depth)
}

func kinds(s *session) []itemKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]itemKind, len(s.queue))
	for i, it := range s.queue {
		out[i] = it.kind
	}
	return out
}

func TestSend_ClassifiesCriticalTypes(t *testing.T) {
	t.Parallel()
	s := queueSession(8)

	if !s.Send(wire.Marshal(wire.NewAgentState("ready"))) {
		t.Fatal("send rejected")
	}
	if !s.Send([]byte(`{"type":"offer","sdp":"x"}`)) {
		t.Fatal("send rejected")
	}

	got := kinds(s)
	if len(got) != 2 || got[0] != itemCritical || got[1] != itemControl {
		t.Errorf("kinds = %v, want [critical control]", got)
	}
}

func TestEnqueue_FullQueueEvictsOldestDroppable(t *testing.T) {
	t.Parallel()
	s := queueSession(3)
	s.enqueue(outItem{kind: itemCritical, data: []byte("a")})
	s.enqueue(outItem{kind: itemControl, data: []byte("b")})
	s.enqueue(outItem{kind: itemControl, data: []byte("c")})

	if !s.enqueue(outItem{kind: itemControl, data: []byte("d")}) {
		t.Fatal("enqueue rejected despite droppable entries")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) != 3 {
		t.Fatalf("queue length = %d, want 3", len(s.queue))
	}
	if string(s.queue[0].data) != "a" || string(s.queue[1].data) != "c" || string(s.queue[2].data) != "d" {
		t.Errorf("queue = %q %q %q, want a c d",
			s.queue[0].data, s.queue[1].data, s.queue[2].data)
	}
	if s.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", s.dropped.Load())
	}
}

func TestEnqueue_AllCriticalRejectsDroppableAdmitsCritical(t *testing.T) {
	t.Parallel()
	s := queueSession(2)
	s.enqueue(outItem{kind: itemCritical, data: []byte("a")})
	s.enqueue(outItem{kind: itemCritical, data: []byte("b")})

	if s.enqueue(outItem{kind: itemControl, data: []byte("x")}) {
		t.Error("droppable item admitted into a full critical queue")
	}
	if !s.enqueue(outItem{kind: itemCritical, data: []byte("c")}) {
		t.Error("critical item rejected")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if string(s.queue[0].data) != "b" || string(s.queue[1].data) != "c" {
		t.Errorf("queue = %q %q, want b c", s.queue[0].data, s.queue[1].data)
	}
}

func TestClearAgentAudio_PurgesOnlyAudio(t *testing.T) {
	t.Parallel()
	s := queueSession(8)
	s.enqueue(outItem{kind: itemAudio, data: []byte{1}})
	s.enqueue(outItem{kind: itemControl, data: []byte("sig")})
	s.enqueue(outItem{kind: itemAudio, data: []byte{2}})
	s.enqueue(outItem{kind: itemCritical, data: []byte("state")})

	s.ClearAgentAudio()

	got := kinds(s)
	if len(got) != 2 || got[0] != itemControl || got[1] != itemCritical {
		t.Errorf("kinds after clear = %v, want [control critical]", got)
	}
}

func TestEnqueue_RejectedAfterClose(t *testing.T) {
	t.Parallel()
	s := queueSession(8)

	// Closing without a socket only tears down the queue side.
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.enqueue(outItem{kind: itemCritical, data: []byte("a")}) {
		t.Error("enqueue succeeded on a closed session")
	}
	if err := s.WriteAgentAudio([]byte{1}); err == nil {
		t.Error("WriteAgentAudio succeeded on a closed session")
	}
}
