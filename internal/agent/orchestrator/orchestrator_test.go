package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coachflow/coachflow/internal/agent/functions"
	"github.com/coachflow/coachflow/internal/agent/orchestrator"
	"github.com/coachflow/coachflow/pkg/audio"
	"github.com/coachflow/coachflow/pkg/provider/transcribe"
	transcribemock "github.com/coachflow/coachflow/pkg/provider/transcribe/mock"
	"github.com/coachflow/coachflow/pkg/provider/voiceagent"
	voicemock "github.com/coachflow/coachflow/pkg/provider/voiceagent/mock"
	"github.com/coachflow/coachflow/pkg/transcript"
	"github.com/coachflow/coachflow/pkg/wire"
)

// mockOutput records everything the orchestrator sends to the room.
type mockOutput struct {
	mu     sync.Mutex
	msgs   []any
	chunks [][]byte
	clears int
}

func (m *mockOutput) Broadcast(msg any) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
}

func (m *mockOutput) WriteAgentAudio(chunk []byte) error {
	m.mu.Lock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	m.chunks = append(m.chunks, cp)
	m.mu.Unlock()
	return nil
}

func (m *mockOutput) ClearAgentAudio() {
	m.mu.Lock()
	m.clears++
	m.mu.Unlock()
}

func (m *mockOutput) states() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.msgs {
		if s, ok := msg.(wire.AgentState); ok {
			out = append(out, s.State)
		}
	}
	return out
}

func (m *mockOutput) transcripts() []wire.Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wire.Transcript
	for _, msg := range m.msgs {
		if t, ok := msg.(wire.Transcript); ok {
			out = append(out, t)
		}
	}
	return out
}

func (m *mockOutput) clearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

func (m *mockOutput) audioChunks() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.chunks))
	copy(out, m.chunks)
	return out
}

// memStore is an in-memory transcript.Store.
type memStore struct {
	mu      sync.Mutex
	entries []transcript.Entry
}

func (s *memStore) WriteEntry(_ context.Context, entry transcript.Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Recent(_ context.Context, sessionID string, _ time.Duration) ([]transcript.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []transcript.Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) Close() {}

func (s *memStore) all() []transcript.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcript.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

type fixture struct {
	orch   *orchestrator.Orchestrator
	agent  *voicemock.Connection
	trans  *transcribemock.Connection
	output *mockOutput
	store  *memStore
}

func newFixture(t *testing.T, mutate func(*orchestrator.Config)) *fixture {
	t.Helper()
	agentConn := voicemock.NewConnection()
	transConn := transcribemock.NewConnection()
	output := &mockOutput{}
	store := &memStore{}

	cfg := orchestrator.Config{
		SessionID:           "room-1",
		AgentDialer:         voicemock.NewDialer(agentConn),
		TranscribeDialer:    transcribemock.NewDialer(transConn),
		AgentSettings:       voiceagent.Settings{Prompt: "You are a supportive coach.", SampleRate: 24000},
		StreamConfig:        transcribe.StreamConfig{Model: "nova-3-medical"},
		Output:              output,
		Store:               store,
		KeepAliveInterval:   time.Second,
		FunctionCallTimeout: time.Second,
		MaxBufferedBytes:    65536,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	orch := orchestrator.New(cfg)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(orch.Close)

	return &fixture{orch: orch, agent: agentConn, trans: transConn, output: output, store: store}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStart_ConnectFailureClosesTheOtherChannel(t *testing.T) {
	t.Parallel()
	transConn := transcribemock.NewConnection()
	agentDialer := voicemock.NewDialer() // empty queue: connect fails
	agentDialer.Err = errors.New("upstream rejected handshake")

	orch := orchestrator.New(orchestrator.Config{
		SessionID:        "room-1",
		AgentDialer:      agentDialer,
		TranscribeDialer: transcribemock.NewDialer(transConn),
		Output:           &mockOutput{},
	})
	err := orch.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail when the voice agent cannot connect")
	}
	if !strings.Contains(err.Error(), "voice agent") {
		t.Errorf("err = %v, want voice agent connect failure", err)
	}
}

func TestAgentStates_SpeakingLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventSettingsApplied})
	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventAgentStartedSpeaking})
	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventAgentAudioDone})

	waitFor(t, func() bool { return len(f.output.states()) >= 3 })
	got := f.output.states()
	want := []string{"ready", "speaking", "ready"}
	for i, s := range want {
		if got[i] != s {
			t.Fatalf("states = %v, want prefix %v", got, want)
		}
	}
}

func TestBargeIn_ClearsPlaybackLocally(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventAgentStartedSpeaking})
	waitFor(t, func() bool { return len(f.output.states()) >= 1 })

	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventUserStartedSpeaking})
	waitFor(t, func() bool { return f.output.clearCount() == 1 })

	// A second start-of-speech without agent speech must not clear again.
	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventUserStartedSpeaking})
	time.Sleep(20 * time.Millisecond)
	if f.output.clearCount() != 1 {
		t.Errorf("clears = %d, want 1", f.output.clearCount())
	}
}

func TestConversationText_CommitsAndPersists(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.agent.Emit(voiceagent.Event{
		Type:    voiceagent.EventConversationText,
		Role:    "assistant",
		Content: "Let's start with a breathing exercise.",
	})

	waitFor(t, func() bool { return len(f.store.all()) == 1 })
	entry := f.store.all()[0]
	if entry.Role != "assistant" || entry.Source != transcript.SourceVoiceAgent || !entry.Final {
		t.Errorf("stored entry = %+v", entry)
	}
	if got := f.orch.Transcript(); len(got) != 1 {
		t.Errorf("in-memory transcript has %d entries, want 1", len(got))
	}

	ts := f.output.transcripts()
	if len(ts) != 1 || !ts[0].Final || ts[0].Source != "voice_agent" {
		t.Errorf("broadcast transcripts = %+v", ts)
	}
}

func TestTranscription_InterimBroadcastOnlyFinalPersisted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.trans.Emit(transcribe.Result{Alt: "I feel", IsFinal: false})
	f.trans.Emit(transcribe.Result{Alt: "I feel stressed", IsFinal: true, SpeakerTag: "0"})

	waitFor(t, func() bool { return len(f.output.transcripts()) == 2 })
	ts := f.output.transcripts()
	if ts[0].Final {
		t.Error("interim result broadcast as final")
	}
	if !ts[1].Final {
		t.Error("final result broadcast as interim")
	}

	waitFor(t, func() bool { return len(f.store.all()) == 1 })
	if got := f.store.all()[0]; got.Text != "I feel stressed" || got.Speaker != "0" {
		t.Errorf("stored entry = %+v", got)
	}
}

func TestFunctionCall_SettledThroughConnection(t *testing.T) {
	t.Parallel()
	reg := functions.NewRegistry()
	reg.Register("lookup_exercise", func(_ context.Context, input json.RawMessage) (string, error) {
		return `{"exercise":"body scan"}`, nil
	})
	f := newFixture(t, func(cfg *orchestrator.Config) { cfg.Functions = reg })

	f.agent.Emit(voiceagent.Event{
		Type:   voiceagent.EventFunctionCallRequest,
		CallID: "call-1",
		Name:   "lookup_exercise",
		Input:  json.RawMessage(`{"topic":"stress"}`),
	})

	waitFor(t, func() bool { return len(f.agent.Responses("call-1")) == 1 })
	if got := f.agent.Responses("call-1")[0]; got != `{"exercise":"body scan"}` {
		t.Errorf("settlement = %q", got)
	}
}

func TestWhisper_AppendsGuidanceToPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if err := f.orch.Whisper("Ask about sleep habits."); err != nil {
		t.Fatalf("Whisper: %v", err)
	}
	if err := f.orch.Whisper("Slow the pace down."); err != nil {
		t.Fatalf("Whisper: %v", err)
	}

	prompts := f.agent.Prompts()
	if len(prompts) != 2 {
		t.Fatalf("prompts sent = %d, want 2", len(prompts))
	}
	last := prompts[1]
	if !strings.Contains(last, "You are a supportive coach.") {
		t.Error("base prompt missing from updated prompt")
	}
	if !strings.Contains(last, "Ask about sleep habits.") || !strings.Contains(last, "Slow the pace down.") {
		t.Errorf("guidance missing from prompt: %q", last)
	}
}

func TestAgentAudio_FannedOutToRoom(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventAgentStartedSpeaking})
	waitFor(t, func() bool { return len(f.output.states()) >= 1 })

	f.agent.EmitAudio([]byte{1, 2})
	f.agent.EmitAudio([]byte{3, 4})

	waitFor(t, func() bool { return len(f.output.audioChunks()) == 2 })
}

func TestBargeIn_SuppressesPendingAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventAgentStartedSpeaking})
	waitFor(t, func() bool { return len(f.output.states()) >= 1 })
	f.agent.EmitAudio([]byte{1, 2})
	waitFor(t, func() bool { return len(f.output.audioChunks()) == 1 })

	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventUserStartedSpeaking})
	waitFor(t, func() bool { return f.output.clearCount() == 1 })

	// Chunks from the interrupted turn keep arriving; none may reach the room.
	f.agent.EmitAudio([]byte{3, 4})
	f.agent.EmitAudio([]byte{5, 6})
	time.Sleep(20 * time.Millisecond)
	if got := len(f.output.audioChunks()); got != 1 {
		t.Fatalf("chunks after barge-in = %d, want 1", got)
	}

	// The next speaking turn resumes playback.
	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventAgentStartedSpeaking})
	waitFor(t, func() bool { return len(f.output.states()) >= 3 })
	f.agent.EmitAudio([]byte{7, 8})
	waitFor(t, func() bool { return len(f.output.audioChunks()) == 2 })
}

func TestEnqueueAudio_ReachesBothUpstreams(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.orch.EnqueueAudio(audio.Frame{From: "client-1", Data: []byte{7}, Captured: time.Now()})

	waitFor(t, func() bool {
		return len(f.agent.AudioSent()) == 1 && len(f.trans.AudioSent()) == 1
	})
}

func TestKeepAlive_SentDuringSilence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *orchestrator.Config) {
		cfg.KeepAliveInterval = 30 * time.Millisecond
	})

	waitFor(t, func() bool { return f.agent.KeepAlives() >= 2 })
}

func TestReconnecting_BroadcastsFailedThenSpawning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventReconnecting, Attempt: 1, Message: "abnormal closure"})

	waitFor(t, func() bool { return len(f.output.states()) >= 2 })
	got := f.output.states()
	if got[0] != "failed" || got[1] != "spawning" {
		t.Errorf("states = %v, want [failed spawning ...]", got)
	}
}

func TestTerminalClose_ShutsDownPipeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.agent.Emit(voiceagent.Event{Type: voiceagent.EventClosed, Fatal: true, Message: "policy violation"})
	f.agent.Terminate()

	select {
	case <-f.orch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not shut down after terminal close")
	}
	if !f.trans.Closed() {
		t.Error("transcription connection not closed during teardown")
	}

	states := f.output.states()
	if len(states) == 0 || states[len(states)-1] != "offline" {
		t.Errorf("states = %v, want trailing offline", states)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.orch.Close()
	f.orch.Close()
	select {
	case <-f.orch.Done():
	default:
		t.Error("Done not closed after Close")
	}
}
