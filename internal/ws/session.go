package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/coachflow/coachflow/internal/hub"
	"github.com/coachflow/coachflow/pkg/wire"
)

// Compile-time check against the hub transport interface.
var _ hub.Sender = (*session)(nil)

const (
	defaultQueueDepth = 128
	writeTimeout      = 10 * time.Second
	pingInterval      = 30 * time.Second
	livenessTimeout   = 60 * time.Second
)

// criticalTypes lists the hub system events that must survive queue pressure.
// Everything else (signaling, transcripts, pongs) may be dropped oldest-first
// when the participant stops draining.
var criticalTypes = map[string]bool{
	wire.TypePeerDiscovery: true,
	wire.TypeUserJoined:    true,
	wire.TypeUserLeft:      true,
	wire.TypeAgentState:    true,
	wire.TypeError:         true,
}

type itemKind int

const (
	itemControl itemKind = iota
	itemCritical
	itemAudio
)

type outItem struct {
	kind itemKind
	data []byte
}

// session is the server side of one participant connection. Outbound traffic
// funnels through a bounded queue drained by a single writer goroutine;
// the websocket is never written from two goroutines at once.
type session struct {
	conn  *websocket.Conn
	log   *slog.Logger
	depth int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []outItem
	closed bool

	lastRecv atomic.Int64
	dropped  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *websocket.Conn, log *slog.Logger, depth int) *session {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	s := &session{
		conn:  conn,
		log:   log,
		depth: depth,
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.touch()
	return s
}

// touch records inbound activity for liveness accounting.
func (s *session) touch() {
	s.lastRecv.Store(time.Now().UnixNano())
}

func (s *session) sinceLastRecv() time.Duration {
	return time.Since(time.Unix(0, s.lastRecv.Load()))
}

// Send implements [hub.Sender]. It classifies the message by its wire type
// and enqueues it; a false return means the message could not be admitted.
func (s *session) Send(data []byte) bool {
	kind := itemControl
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err == nil && criticalTypes[head.Type] {
		kind = itemCritical
	}
	return s.enqueue(outItem{kind: kind, data: data})
}

// WriteAgentAudio implements [hub.Sender]. Synthesised agent audio travels
// as binary frames through the same ordered queue as control traffic.
func (s *session) WriteAgentAudio(chunk []byte) error {
	if s.enqueue(outItem{kind: itemAudio, data: chunk}) {
		return nil
	}
	return errors.New("ws: session closed or queue saturated")
}

// ClearAgentAudio implements [hub.Sender]. Queued but unsent agent audio is
// purged so a barge-in silences the participant's playback immediately.
func (s *session) ClearAgentAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	for _, it := range s.queue {
		if it.kind != itemAudio {
			kept = append(kept, it)
		}
	}
	s.queue = kept
}

// enqueue admits one item, evicting the oldest droppable entry when full.
// A full queue of purely critical traffic admits critical items by evicting
// the oldest one and rejects everything else.
func (s *session) enqueue(it outItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if len(s.queue) >= s.depth {
		evicted := false
		for i, queued := range s.queue {
			if queued.kind != itemCritical {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			if it.kind != itemCritical {
				s.dropped.Add(1)
				return false
			}
			s.queue = s.queue[1:]
		}
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, it)
	s.cond.Signal()
	return true
}

// writeLoop is the sole writer on the websocket. It exits when the session
// closes or a write fails.
func (s *session) writeLoop() {
	for {
		it, ok := s.next()
		if !ok {
			return
		}
		msgType := websocket.MessageText
		if it.kind == itemAudio {
			msgType = websocket.MessageBinary
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.conn.Write(ctx, msgType, it.data)
		cancel()
		if err != nil {
			s.log.Debug("session write failed", "err", err)
			s.Close("write failed")
			return
		}
	}
}

// next blocks until an item is available or the session closes.
func (s *session) next() (outItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return outItem{}, false
	}
	it := s.queue[0]
	s.queue = s.queue[1:]
	return it, true
}

// pingLoop sends an application-level ping every pingInterval and tears the
// session down once the peer has been silent past the liveness bound.
func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	ping := wire.Marshal(map[string]string{"type": wire.TypePing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if s.sinceLastRecv() > livenessTimeout {
				s.log.Info("participant liveness timeout")
				s.Close("liveness timeout")
				return
			}
			s.enqueue(outItem{kind: itemControl, data: ping})
		}
	}
}

// Close implements [hub.Sender]. Idempotent; wakes the writer and closes the
// underlying socket with a normal status so well-behaved clients see reason.
func (s *session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
		if n := s.dropped.Load(); n > 0 {
			s.log.Debug("session closing with dropped messages", "dropped", n)
		}
		s.conn.Close(websocket.StatusNormalClosure, truncateReason(reason))
	})
}

// truncateReason keeps close reasons inside the 123-byte protocol limit.
func truncateReason(reason string) string {
	const maxLen = 123
	if len(reason) <= maxLen {
		return reason
	}
	return reason[:maxLen]
}
