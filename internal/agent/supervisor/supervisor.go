// Package supervisor owns the spawn and teardown policy for room agents.
// It watches hub membership: the first human in a room triggers an
// orchestrator spawn after a short debounce, and the last human leaving
// tears the pipeline down. Spawn failures mark the room failed; a later
// human join retries.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coachflow/coachflow/internal/agent/functions"
	"github.com/coachflow/coachflow/internal/agent/mutegate"
	"github.com/coachflow/coachflow/internal/agent/orchestrator"
	"github.com/coachflow/coachflow/internal/hub"
	"github.com/coachflow/coachflow/internal/observe"
	"github.com/coachflow/coachflow/pkg/provider/transcribe"
	"github.com/coachflow/coachflow/pkg/provider/voiceagent"
	"github.com/coachflow/coachflow/pkg/transcript"
	"github.com/coachflow/coachflow/pkg/wire"
)

// Compile-time check: the supervisor is a hub membership listener.
var _ hub.Listener = (*Supervisor)(nil)

const (
	// DefaultSpawnDebounce absorbs rapid join/leave churn before paying the
	// upstream connect cost.
	DefaultSpawnDebounce = 250 * time.Millisecond

	defaultAgentIdentity = "ai-assistant"
	defaultAgentName     = "AI Coach"
	connectTimeout       = 15 * time.Second
)

// Config carries everything a per-room orchestrator needs, minus the room.
type Config struct {
	Hub *hub.Hub

	AgentDialer      voiceagent.Dialer
	TranscribeDialer transcribe.Dialer

	AgentSettings voiceagent.Settings
	StreamConfig  transcribe.StreamConfig

	// Functions is the optional function-call handler source shared by all
	// orchestrators.
	Functions functions.Source

	// Store is the optional durable transcript store.
	Store transcript.Store

	KeepAliveInterval   time.Duration
	FunctionCallTimeout time.Duration
	MaxBufferedBytes    int

	// AgentIdentity must carry the "ai-" prefix. Defaults to "ai-assistant".
	AgentIdentity string
	AgentName     string

	SpawnDebounce time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// managed tracks one room's agent lifecycle.
type managed struct {
	timer *time.Timer
	orch  *orchestrator.Orchestrator
}

// Supervisor spawns and tears down one orchestrator per populated room.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*managed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Supervisor. Register it as the hub listener before serving.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.SpawnDebounce <= 0 {
		cfg.SpawnDebounce = DefaultSpawnDebounce
	}
	if cfg.AgentIdentity == "" {
		cfg.AgentIdentity = defaultAgentIdentity
	}
	if cfg.AgentName == "" {
		cfg.AgentName = defaultAgentName
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		log:    cfg.Logger,
		rooms:  make(map[string]*managed),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ParticipantJoined implements [hub.Listener]. The first human in a room
// schedules a debounced spawn.
func (s *Supervisor) ParticipantJoined(roomID, identity string, role wire.Role, humanCount int) {
	if !role.Human() || humanCount == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return
	}
	m := &managed{}
	m.timer = time.AfterFunc(s.cfg.SpawnDebounce, func() { s.spawn(roomID, m) })
	s.rooms[roomID] = m
	s.log.Debug("agent spawn scheduled", "room_id", roomID, "debounce", s.cfg.SpawnDebounce)
}

// ParticipantLeft implements [hub.Listener]. The last human leaving tears
// the room's agent down.
func (s *Supervisor) ParticipantLeft(roomID, identity string, role wire.Role, humanCount int) {
	if !role.Human() || humanCount > 0 {
		return
	}

	s.mu.Lock()
	m, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.teardown(roomID, m)
}

// spawn runs on the debounce timer goroutine.
func (s *Supervisor) spawn(roomID string, m *managed) {
	room, ok := s.cfg.Hub.Room(roomID)
	if !ok || len(room.Humans()) == 0 {
		s.forget(roomID, m)
		return
	}

	room.Broadcast(wire.NewAgentState(orchestrator.StateSpawning))

	if _, err := s.cfg.Hub.Join(roomID, s.cfg.AgentIdentity, s.cfg.AgentName, "agent", agentSender{}); err != nil {
		s.log.Error("agent join failed", "room_id", roomID, "err", err)
		room.Broadcast(wire.NewAgentState(orchestrator.StateFailed))
		s.forget(roomID, m)
		return
	}

	orch := orchestrator.New(orchestrator.Config{
		SessionID:           roomID,
		AgentDialer:         s.cfg.AgentDialer,
		TranscribeDialer:    s.cfg.TranscribeDialer,
		AgentSettings:       s.cfg.AgentSettings,
		StreamConfig:        s.cfg.StreamConfig,
		Output:              room,
		Gate:                mutegate.New(),
		Functions:           s.cfg.Functions,
		Store:               s.cfg.Store,
		KeepAliveInterval:   s.cfg.KeepAliveInterval,
		FunctionCallTimeout: s.cfg.FunctionCallTimeout,
		MaxBufferedBytes:    s.cfg.MaxBufferedBytes,
		Logger:              s.log.With("room_id", roomID),
		Metrics:             s.cfg.Metrics,
	})

	ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
	err := orch.Start(ctx)
	cancel()
	if err != nil {
		s.log.Error("agent spawn failed", "room_id", roomID, "err", err)
		room.Broadcast(wire.NewAgentState(orchestrator.StateFailed))
		s.cfg.Hub.Leave(roomID, s.cfg.AgentIdentity)
		s.forget(roomID, m)
		return
	}

	s.mu.Lock()
	m.orch = orch
	still := s.rooms[roomID] == m
	s.mu.Unlock()
	if !still {
		// The last human left while we were connecting.
		s.teardown(roomID, m)
		return
	}

	room.AttachAgent(orch)
	s.log.Info("agent spawned", "room_id", roomID)

	s.wg.Add(1)
	go s.watch(roomID, m, orch)
}

// watch reaps an orchestrator that dies on its own, e.g. after exhausting
// the upstream reconnect budget.
func (s *Supervisor) watch(roomID string, m *managed, orch *orchestrator.Orchestrator) {
	defer s.wg.Done()
	select {
	case <-orch.Done():
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	owned := s.rooms[roomID] == m
	if owned {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	if owned {
		s.log.Warn("agent terminated on its own", "room_id", roomID)
		s.release(roomID)
	}
}

// teardown closes the orchestrator (when one exists) and detaches the AI
// participant. Safe to call for rooms still in the debounce window.
func (s *Supervisor) teardown(roomID string, m *managed) {
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.orch != nil {
		m.orch.Close()
	}
	s.release(roomID)
	s.log.Info("agent torn down", "room_id", roomID)
}

// release detaches the agent handle from the room and removes the AI
// participant from the hub.
func (s *Supervisor) release(roomID string) {
	if room, ok := s.cfg.Hub.Room(roomID); ok {
		room.DetachAgent()
	}
	s.cfg.Hub.Leave(roomID, s.cfg.AgentIdentity)
}

// forget drops bookkeeping for a spawn that never completed.
func (s *Supervisor) forget(roomID string, m *managed) {
	s.mu.Lock()
	if s.rooms[roomID] == m {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
}

// Close tears down every managed room. Called once during shutdown.
func (s *Supervisor) Close() {
	s.cancel()
	s.mu.Lock()
	remaining := make(map[string]*managed, len(s.rooms))
	for id, m := range s.rooms {
		remaining[id] = m
	}
	s.rooms = make(map[string]*managed)
	s.mu.Unlock()

	for id, m := range remaining {
		s.teardown(id, m)
	}
	s.wg.Wait()
}

// agentSender is the AI participant's hub transport. The agent consumes
// nothing from the room fan-out, so every delivery is accepted and ignored.
type agentSender struct{}

var _ hub.Sender = agentSender{}

func (agentSender) Send([]byte) bool             { return true }
func (agentSender) WriteAgentAudio([]byte) error { return nil }
func (agentSender) ClearAgentAudio()             {}
func (agentSender) Close(string)                 {}
