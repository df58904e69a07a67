// Package router fans participant audio out to the two upstream channels.
//
// Every human frame is offered to both sinks: the voice-agent sink subject to
// the mute gate, the transcription sink unconditionally. Frames from a single
// participant are forwarded in capture order; fairness across participants is
// round-robin. When a sink's outbound buffer exceeds the configured limit the
// newest frame for that sink is dropped. Audio is ephemeral, so dropping
// beats unbounded queueing.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coachflow/coachflow/internal/agent/mutegate"
	"github.com/coachflow/coachflow/internal/observe"
	"github.com/coachflow/coachflow/pkg/audio"
	"github.com/coachflow/coachflow/pkg/wire"
)

// Channel names used in logs and metrics.
const (
	ChannelVoiceAgent    = "voice_agent"
	ChannelTranscription = "transcription"
)

// perParticipantQueue bounds the number of frames held per participant before
// the newest is discarded.
const perParticipantQueue = 256

// dropReportInterval throttles drop logging per channel.
const dropReportInterval = 5 * time.Second

// Router distributes captured audio frames to the upstream sinks.
type Router struct {
	gate       *mutegate.Gate
	agent      audio.Sink
	transcribe audio.Sink
	maxBytes   int
	metrics    *observe.Metrics
	log        *slog.Logger

	mu     sync.Mutex
	queues map[string][]audio.Frame
	order  []string
	rr     int

	drops map[string]*dropState

	notify chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// dropState accumulates drop counts between throttled reports.
type dropState struct {
	pending    int64
	lastReport time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router forwarding to the given sinks and starts its drain
// goroutine. maxBufferedBytes is the per-sink backpressure threshold; frames
// offered while a sink holds at least that much are dropped for that sink
// only. Call Close to stop the drain goroutine.
func New(gate *mutegate.Gate, agent, transcribe audio.Sink, maxBufferedBytes int, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		gate:       gate,
		agent:      agent,
		transcribe: transcribe,
		maxBytes:   maxBufferedBytes,
		metrics:    observe.DefaultMetrics(),
		log:        slog.Default(),
		queues:     make(map[string][]audio.Frame),
		drops:      make(map[string]*dropState),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.drain(ctx)
	return r
}

// Enqueue accepts a captured frame from a participant. Callers must enqueue
// each participant's frames from a single goroutine so capture order is
// preserved. Returns false when the frame was discarded because the
// participant's queue is full.
func (r *Router) Enqueue(frame audio.Frame) bool {
	r.mu.Lock()
	q, known := r.queues[frame.From]
	if !known {
		r.order = append(r.order, frame.From)
	}
	if len(q) >= perParticipantQueue {
		r.mu.Unlock()
		r.recordDrop("queue", "overflow", len(frame.Data))
		return false
	}
	r.queues[frame.From] = append(q, frame)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// Forget drops any queued frames for identity and removes it from the
// round-robin rotation.
func (r *Router) Forget(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			if r.rr > i {
				r.rr--
			}
			break
		}
	}
}

// Close stops the drain goroutine and waits for it to exit. Queued frames
// are discarded.
func (r *Router) Close() {
	r.once.Do(func() {
		r.cancel()
		<-r.done
	})
}

// drain forwards one frame per participant per rotation until cancelled.
func (r *Router) drain(ctx context.Context) {
	defer close(r.done)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.notify:
				continue
			}
		}
		r.forward(ctx, frame)
	}
}

// next pops the head frame of the next non-empty participant queue in
// round-robin order.
func (r *Router) next() (audio.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.order)
	for i := 0; i < n; i++ {
		idx := (r.rr + i) % n
		id := r.order[idx]
		q := r.queues[id]
		if len(q) == 0 {
			continue
		}
		frame := q[0]
		r.queues[id] = q[1:]
		r.rr = (idx + 1) % n
		return frame, true
	}
	return audio.Frame{}, false
}

// forward offers a frame to both sinks. The two paths fail independently.
func (r *Router) forward(ctx context.Context, frame audio.Frame) {
	// Ungated transcription path.
	if r.transcribe != nil {
		if r.transcribe.BufferedBytes() >= r.maxBytes {
			r.recordDrop(ChannelTranscription, "backpressure", len(frame.Data))
		} else if r.transcribe.SendAudio(frame.Data) {
			r.metrics.RecordFrameRouted(ctx, ChannelTranscription, frame.From)
		} else {
			r.recordDrop(ChannelTranscription, "send", len(frame.Data))
		}
	}

	// Gated voice-agent path. Only human speech feeds the conversational
	// channel; the agent hears its own output upstream already.
	if r.agent == nil {
		return
	}
	if role, err := wire.RoleFromIdentity(frame.From); err != nil || !role.Human() {
		r.metrics.RecordFrameDropped(ctx, ChannelVoiceAgent, "non-human")
		return
	}
	if !r.gate.Allows(frame.From, frame.Captured) {
		r.metrics.RecordFrameDropped(ctx, ChannelVoiceAgent, "muted")
		return
	}
	if r.agent.BufferedBytes() >= r.maxBytes {
		r.recordDrop(ChannelVoiceAgent, "backpressure", len(frame.Data))
		return
	}
	if r.agent.SendAudio(frame.Data) {
		r.metrics.RecordFrameRouted(ctx, ChannelVoiceAgent, frame.From)
	} else {
		r.recordDrop(ChannelVoiceAgent, "send", len(frame.Data))
	}
}

// recordDrop counts a dropped frame and emits at most one log line per
// channel per report interval.
func (r *Router) recordDrop(channel, reason string, size int) {
	r.metrics.RecordFrameDropped(context.Background(), channel, reason)

	r.mu.Lock()
	st, ok := r.drops[channel]
	if !ok {
		st = &dropState{}
		r.drops[channel] = st
	}
	st.pending++
	now := time.Now()
	shouldLog := now.Sub(st.lastReport) >= dropReportInterval
	var count int64
	if shouldLog {
		count = st.pending
		st.pending = 0
		st.lastReport = now
	}
	r.mu.Unlock()

	if shouldLog {
		r.log.Warn("dropping audio frames",
			"channel", channel,
			"reason", reason,
			"dropped", count,
			"frame_bytes", size,
		)
	}
}
