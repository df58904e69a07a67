// Package orchestrator runs the AI participant's pipeline for one room: two
// upstream connections (conversational voice agent and always-on
// transcriber), the audio router that feeds them, the function-call
// dispatcher, and the transcript log.
//
// An orchestrator lives exactly as long as the AI participant is in the
// room. The supervisor spawns one when the first human joins and tears it
// down when the last human leaves.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/coachflow/coachflow/internal/agent/functions"
	"github.com/coachflow/coachflow/internal/agent/mutegate"
	"github.com/coachflow/coachflow/internal/agent/router"
	"github.com/coachflow/coachflow/internal/observe"
	"github.com/coachflow/coachflow/pkg/audio"
	"github.com/coachflow/coachflow/pkg/provider/transcribe"
	"github.com/coachflow/coachflow/pkg/provider/voiceagent"
	"github.com/coachflow/coachflow/pkg/transcript"
	"github.com/coachflow/coachflow/pkg/wire"
)

// Agent state values broadcast to the room.
const (
	StateSpawning = "spawning"
	StateReady    = "ready"
	StateSpeaking = "speaking"
	StateFailed   = "failed"
	StateOffline  = "offline"
)

// storeWriteTimeout bounds each transcript persistence call.
const storeWriteTimeout = 3 * time.Second

// Output delivers orchestrator traffic to the room. Implemented by the hub's
// room type; a mock suffices for tests.
type Output interface {
	// Broadcast fans a control message out to every connected participant.
	// The implementation stamps the per-room sequence number.
	Broadcast(msg any)

	// WriteAgentAudio fans one synthesised audio chunk out to participants.
	WriteAgentAudio(chunk []byte) error

	// ClearAgentAudio discards queued agent audio that has not yet reached
	// participants. Called on barge-in.
	ClearAgentAudio()
}

// Config assembles an orchestrator's dependencies.
type Config struct {
	// SessionID identifies the room; used as the transcript session key.
	SessionID string

	AgentDialer      voiceagent.Dialer
	TranscribeDialer transcribe.Dialer

	AgentSettings voiceagent.Settings
	StreamConfig  transcribe.StreamConfig

	Output Output
	Gate   *mutegate.Gate

	// Functions resolves function-call handlers. Optional; without a source
	// every call settles as unknown.
	Functions functions.Source

	// Store persists final transcript entries. Optional.
	Store transcript.Store

	KeepAliveInterval   time.Duration
	FunctionCallTimeout time.Duration

	// MaxBufferedBytes is the per-upstream backpressure threshold.
	MaxBufferedBytes int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Orchestrator drives one room's AI pipeline. Create with [New], start with
// [Orchestrator.Start], stop with [Orchestrator.Close].
type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	agentConn voiceagent.Connection
	transConn transcribe.Connection
	router    *router.Router
	dispatch  *functions.Dispatcher
	entries   *transcript.Log

	// lastAgentSend is the unix-nano timestamp of the last payload queued on
	// the voice-agent channel, audio or keep-alive.
	lastAgentSend atomic.Int64

	agentSpeaking atomic.Bool
	sessionID     atomic.Value // upstream session id from Welcome

	mu       sync.Mutex
	guidance []string

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// New creates an orchestrator from cfg. Call Start to connect.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Gate == nil {
		cfg.Gate = mutegate.New()
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger.With("room", cfg.SessionID),
		metrics: cfg.Metrics,
		entries: transcript.NewLog(),
		done:    make(chan struct{}),
	}
}

// trackedSink wraps the voice-agent connection so the keep-alive loop can
// observe when audio last flowed upstream.
type trackedSink struct {
	conn voiceagent.Connection
	last *atomic.Int64
}

var _ audio.Sink = (*trackedSink)(nil)

func (s *trackedSink) SendAudio(data []byte) bool {
	if s.conn.SendAudio(data) {
		s.last.Store(time.Now().UnixNano())
		return true
	}
	return false
}

func (s *trackedSink) BufferedBytes() int { return s.conn.BufferedBytes() }

// Start connects both upstream channels in parallel and launches the event,
// audio, transcription, and keep-alive loops. Start returns once the
// pipeline is live; it does not wait for SettingsApplied.
func (o *Orchestrator) Start(ctx context.Context) error {
	connectStart := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn, err := o.cfg.AgentDialer.Connect(gctx, o.cfg.AgentSettings)
		if err != nil {
			return fmt.Errorf("orchestrator: connect voice agent: %w", err)
		}
		o.agentConn = conn
		return nil
	})
	g.Go(func() error {
		conn, err := o.cfg.TranscribeDialer.Connect(gctx, o.cfg.StreamConfig)
		if err != nil {
			return fmt.Errorf("orchestrator: connect transcriber: %w", err)
		}
		o.transConn = conn
		return nil
	})
	if err := g.Wait(); err != nil {
		if o.agentConn != nil {
			_ = o.agentConn.Close()
		}
		if o.transConn != nil {
			_ = o.transConn.Close()
		}
		return err
	}
	o.metrics.UpstreamConnectDuration.Record(ctx, time.Since(connectStart).Seconds())
	o.lastAgentSend.Store(time.Now().UnixNano())

	gated := &trackedSink{conn: o.agentConn, last: &o.lastAgentSend}
	o.router = router.New(o.cfg.Gate, gated, o.transConn, o.cfg.MaxBufferedBytes,
		router.WithLogger(o.log), router.WithMetrics(o.metrics))

	source := o.cfg.Functions
	if source == nil {
		source = functions.NewRegistry()
	}
	o.dispatch = functions.NewDispatcher(source, o.agentConn, o.cfg.FunctionCallTimeout,
		functions.WithLogger(o.log), functions.WithMetrics(o.metrics))

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.wg.Add(4)
	go o.eventLoop(runCtx)
	go o.audioLoop()
	go o.resultLoop(runCtx)
	go o.keepAliveLoop(runCtx)

	o.metrics.ActiveOrchestrators.Add(ctx, 1)
	o.log.Info("pipeline started",
		"stt_model", o.cfg.StreamConfig.Model,
		"tts_model", o.cfg.AgentSettings.TTSModel,
		"llm_model", o.cfg.AgentSettings.LLMModel,
	)
	return nil
}

// EnqueueAudio accepts one captured participant frame. Callers must submit a
// given participant's frames from a single goroutine. Reports false when the
// frame was dropped.
func (o *Orchestrator) EnqueueAudio(frame audio.Frame) bool {
	return o.router.Enqueue(frame)
}

// Gate returns the room's mute gate.
func (o *Orchestrator) Gate() *mutegate.Gate { return o.cfg.Gate }

// Forget releases per-participant routing state after a permanent departure.
func (o *Orchestrator) Forget(identity string) {
	o.router.Forget(identity)
	o.cfg.Gate.Forget(identity)
}

// Transcript returns a snapshot of the session transcript so far.
func (o *Orchestrator) Transcript() []transcript.Entry {
	return o.entries.Snapshot()
}

// Done is closed when the orchestrator has fully shut down.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Whisper injects coach guidance into the agent's reasoning prompt without
// producing a spoken turn. Guidance accumulates for the session.
func (o *Orchestrator) Whisper(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	o.mu.Lock()
	o.guidance = append(o.guidance, text)
	prompt := o.cfg.AgentSettings.Prompt + "\n\nCoach guidance:\n- " +
		strings.Join(o.guidance, "\n- ")
	o.mu.Unlock()

	if err := o.agentConn.UpdatePrompt(prompt); err != nil {
		return fmt.Errorf("orchestrator: whisper: %w", err)
	}
	o.log.Info("coach whisper applied", "chars", len(text))
	return nil
}

// Close tears the pipeline down: router, dispatcher, both upstreams. Safe to
// call from any goroutine, repeatedly.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.log.Info("pipeline stopping")
		if o.cancel != nil {
			o.cancel()
		}
		if o.router != nil {
			o.router.Close()
		}
		if o.dispatch != nil {
			o.dispatch.Close()
		}
		if o.agentConn != nil {
			_ = o.agentConn.Close()
		}
		if o.transConn != nil {
			_ = o.transConn.Close()
		}
		o.wg.Wait()
		o.broadcastState(StateOffline)
		o.metrics.ActiveOrchestrators.Add(context.Background(), -1)
		close(o.done)
	})
}

// eventLoop dispatches voice-agent control events until the stream closes.
func (o *Orchestrator) eventLoop(ctx context.Context) {
	defer o.wg.Done()
	for ev := range o.agentConn.Events() {
		o.handleEvent(ctx, ev)
	}
	// The event stream only closes when the connection is permanently down.
	// Close the rest of the pipeline from a fresh goroutine; Close waits
	// for this loop.
	select {
	case <-ctx.Done():
	default:
		go o.Close()
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev voiceagent.Event) {
	switch ev.Type {
	case voiceagent.EventWelcome:
		o.sessionID.Store(ev.SessionID)
		o.log.Info("voice agent session established", "upstream_session", ev.SessionID)

	case voiceagent.EventSettingsApplied:
		o.broadcastState(StateReady)

	case voiceagent.EventUserStartedSpeaking:
		// Barge-in: stop playback locally, leave the upstream turn intact.
		if o.agentSpeaking.Swap(false) {
			o.cfg.Output.ClearAgentAudio()
			o.broadcastState(StateReady)
			o.log.Debug("barge-in, agent audio cleared")
		}

	case voiceagent.EventUserStoppedSpeaking:
		// Informational only.

	case voiceagent.EventAgentStartedSpeaking:
		o.agentSpeaking.Store(true)
		o.broadcastState(StateSpeaking)

	case voiceagent.EventAgentAudioDone:
		if o.agentSpeaking.Swap(false) {
			o.broadcastState(StateReady)
		}

	case voiceagent.EventConversationText:
		o.commitEntry(ctx, transcript.Entry{
			SessionID: o.cfg.SessionID,
			Role:      ev.Role,
			Text:      ev.Content,
			Timestamp: time.Now(),
			Source:    transcript.SourceVoiceAgent,
			Final:     true,
		})

	case voiceagent.EventFunctionCallRequest:
		o.log.Info("function call requested", "call_id", ev.CallID, "function", ev.Name)
		o.dispatch.Dispatch(ev.CallID, ev.Name, ev.Input)

	case voiceagent.EventHistory:
		// Replayed context duplicates ConversationText; skip it.

	case voiceagent.EventPromptUpdated:
		o.log.Debug("prompt update confirmed")

	case voiceagent.EventError:
		o.metrics.RecordUpstreamError(ctx, router.ChannelVoiceAgent, "provider")
		if ev.Fatal {
			o.log.Error("voice agent fatal error", "message", ev.Message)
		} else {
			o.log.Warn("voice agent error", "message", ev.Message)
		}

	case voiceagent.EventReconnecting:
		o.metrics.UpstreamReconnects.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("channel", router.ChannelVoiceAgent)))
		o.broadcastState(StateFailed)
		o.broadcastState(StateSpawning)
		o.log.Warn("voice agent reconnecting", "attempt", ev.Attempt, "reason", ev.Message)

	case voiceagent.EventClosed:
		if ev.Fatal {
			o.broadcastState(StateFailed)
			o.log.Error("voice agent connection lost", "message", ev.Message)
		}

	default:
		o.log.Debug("unhandled voice agent event", "type", string(ev.Type))
	}
}

// audioLoop fans synthesised agent audio out to the room while the agent
// holds the speaking turn. The upstream keeps draining an interrupted turn's
// chunks after a barge-in; those stay local until the next
// AgentStartedSpeaking.
func (o *Orchestrator) audioLoop() {
	defer o.wg.Done()
	for chunk := range o.agentConn.Audio() {
		if !o.agentSpeaking.Load() {
			continue
		}
		if err := o.cfg.Output.WriteAgentAudio(chunk); err != nil {
			o.log.Warn("agent audio delivery failed", "err", err)
		}
	}
}

// resultLoop broadcasts transcription results and persists the final ones.
func (o *Orchestrator) resultLoop(ctx context.Context) {
	defer o.wg.Done()
	for res := range o.transConn.Results() {
		entry := transcript.Entry{
			SessionID: o.cfg.SessionID,
			Role:      "user",
			Text:      res.Alt,
			Timestamp: time.Now(),
			Source:    transcript.SourceTranscription,
			Final:     res.IsFinal,
			Speaker:   res.SpeakerTag,
		}
		if res.IsFinal {
			o.commitEntry(ctx, entry)
		} else {
			o.cfg.Output.Broadcast(wire.NewTranscript(
				entry.Role, entry.Text, string(entry.Source), false, entry.Timestamp))
		}
	}
	if err := o.transConn.Err(); err != nil {
		// The conversational channel can outlive the transcriber; keep the
		// session up and record the loss.
		o.metrics.RecordUpstreamError(ctx, router.ChannelTranscription, "terminated")
		o.log.Error("transcription channel lost", "err", err)
	}
}

// commitEntry records a final transcript line: in-memory log, room
// broadcast, and the store when configured.
func (o *Orchestrator) commitEntry(ctx context.Context, entry transcript.Entry) {
	o.entries.Append(entry)
	o.metrics.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("source", string(entry.Source))))
	o.cfg.Output.Broadcast(wire.NewTranscript(
		entry.Role, entry.Text, string(entry.Source), true, entry.Timestamp))

	if o.cfg.Store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := o.cfg.Store.WriteEntry(wctx, entry); err != nil {
		o.log.Error("transcript persistence failed", "err", err)
	}
}

// keepAliveLoop keeps the voice-agent channel alive through silence. The
// upstream drops sessions after 8 seconds without traffic; with every human
// muted no audio flows, so the loop sends a KeepAlive whenever the channel
// has been quiet for the configured interval.
func (o *Orchestrator) keepAliveLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.KeepAliveInterval
	if interval <= 0 {
		interval = 4 * time.Second
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, o.lastAgentSend.Load())
			if time.Since(last) < interval {
				continue
			}
			if err := o.agentConn.SendKeepAlive(); err != nil {
				o.log.Warn("keep-alive failed", "err", err)
				continue
			}
			o.lastAgentSend.Store(time.Now().UnixNano())
			o.metrics.KeepAlives.Add(ctx, 1)
		}
	}
}

// broadcastState announces the agent's state to the room.
func (o *Orchestrator) broadcastState(state string) {
	o.cfg.Output.Broadcast(wire.NewAgentState(state))
}
