// Package deepgram implements the voiceagent interfaces against the Deepgram
// Voice Agent WebSocket API.
//
// The connection holds one socket for the lifetime of a room's orchestrator.
// On open it sends a Settings message, then streams binary audio interleaved
// with JSON control messages. Inbound traffic is classified as JSON control
// (payload beginning with '{') or binary TTS audio. Abnormal closes trigger
// reconnection with linear backoff (1 s × attempt, capped attempts); the
// Settings message is re-sent after every successful reconnect.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/coachflow/coachflow/pkg/provider/voiceagent"
)

// Compile-time checks against the voiceagent interfaces.
var (
	_ voiceagent.Dialer     = (*Dialer)(nil)
	_ voiceagent.Connection = (*connection)(nil)
)

const (
	defaultEndpoint    = "wss://agent.deepgram.com/v1/agent/converse"
	defaultDialTimeout = 5 * time.Second

	// Reconnection policy: backoff × attempt, then give up.
	reconnectBackoff = 1 * time.Second
	reconnectCap     = 3

	outboundQueueDepth = 256
	eventBufferDepth   = 64
	audioBufferDepth   = 64
)

// Option is a functional option for configuring the Dialer.
type Option func(*Dialer)

// WithURL overrides the agent endpoint. Primarily used in tests to point at
// a local mock server.
func WithURL(url string) Option {
	return func(d *Dialer) { d.url = url }
}

// WithDialTimeout overrides the per-attempt connect timeout. Default 5 s.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.dialTimeout = timeout }
}

// WithReconnectBackoff overrides the backoff unit. Useful in tests.
func WithReconnectBackoff(backoff time.Duration) Option {
	return func(d *Dialer) { d.backoff = backoff }
}

// Dialer opens Voice Agent sessions. apiKey must be non-empty.
type Dialer struct {
	apiKey      string
	url         string
	dialTimeout time.Duration
	backoff     time.Duration
}

// New creates a Dialer for the Deepgram Voice Agent API.
func New(apiKey string, opts ...Option) (*Dialer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram agent: apiKey must not be empty")
	}
	d := &Dialer{
		apiKey:      apiKey,
		url:         defaultEndpoint,
		dialTimeout: defaultDialTimeout,
		backoff:     reconnectBackoff,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Connect implements [voiceagent.Dialer]. It dials the agent endpoint, sends
// the Settings message, and starts the reader and single-writer tasks.
func (d *Dialer) Connect(ctx context.Context, settings voiceagent.Settings) (voiceagent.Connection, error) {
	ws, err := d.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("deepgram agent: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &connection{
		dialer:   d,
		settings: settings,
		ws:       ws,
		out:      make(chan outbound, outboundQueueDepth),
		events:   make(chan voiceagent.Event, eventBufferDepth),
		audio:    make(chan []byte, audioBufferDepth),
		ctx:      connCtx,
		cancel:   cancel,
	}

	if err := c.writeSettings(ctx, ws); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "settings send failed")
		return nil, fmt.Errorf("deepgram agent: send settings: %w", err)
	}

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// dial opens the socket with the bearer credential in the handshake headers.
func (d *Dialer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	ws, _, err := websocket.Dial(dialCtx, d.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, err
	}
	// Agent audio chunks can be large; lift the default read limit.
	ws.SetReadLimit(1 << 22)
	return ws, nil
}

// ── wire messages ─────────────────────────────────────────────────────────────

type settingsMessage struct {
	Type  string        `json:"type"`
	Audio audioSettings `json:"audio"`
	Agent agentSettings `json:"agent"`
}

type audioSettings struct {
	Input  audioInput  `json:"input"`
	Output audioOutput `json:"output"`
}

type audioInput struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type audioOutput struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container"`
}

type agentSettings struct {
	Language string      `json:"language"`
	Listen   listenBlock `json:"listen"`
	Think    thinkBlock  `json:"think"`
	Speak    speakBlock  `json:"speak"`
	Greeting string      `json:"greeting,omitempty"`
}

type listenBlock struct {
	Provider listenProvider `json:"provider"`
}

type listenProvider struct {
	Type     string   `json:"type"`
	Model    string   `json:"model"`
	Keyterms []string `json:"keyterms,omitempty"`
}

type thinkBlock struct {
	Provider thinkProvider `json:"provider"`
	Prompt   string        `json:"prompt,omitempty"`
}

type thinkProvider struct {
	Type        string  `json:"type"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

type speakBlock struct {
	Provider speakProvider `json:"provider"`
}

type speakProvider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// serverEvent is the inbound JSON envelope. Fields are populated per type.
type serverEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// ConversationText / History
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// FunctionCallRequest
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Error
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
}

// newSettingsMessage builds the Settings wire message from cfg.
func newSettingsMessage(cfg voiceagent.Settings) settingsMessage {
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}

	return settingsMessage{
		Type: "Settings",
		Audio: audioSettings{
			Input:  audioInput{Encoding: encoding, SampleRate: sampleRate},
			Output: audioOutput{Encoding: encoding, SampleRate: sampleRate, Container: "none"},
		},
		Agent: agentSettings{
			Language: language,
			Listen: listenBlock{Provider: listenProvider{
				Type:     "deepgram",
				Model:    cfg.STTModel,
				Keyterms: cfg.Keyterms,
			}},
			Think: thinkBlock{
				Provider: thinkProvider{Type: "open_ai", Model: cfg.LLMModel, Temperature: temperature},
				Prompt:   cfg.Prompt,
			},
			Speak: speakBlock{Provider: speakProvider{
				Type:  "deepgram",
				Model: cfg.TTSModel,
			}},
			Greeting: cfg.Greeting,
		},
	}
}

// ── connection ────────────────────────────────────────────────────────────────

// outbound is one queued wire message for the writer task.
type outbound struct {
	binary bool
	data   []byte
}

type connection struct {
	dialer   *Dialer
	settings voiceagent.Settings

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	out      chan outbound
	events   chan voiceagent.Event
	audio    chan []byte
	buffered atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeSettings serialises and writes the Settings message directly. Called
// before the writer task starts (initial connect) and during reconnects from
// the reader task, both times with exclusive access to ws.
func (c *connection) writeSettings(ctx context.Context, ws *websocket.Conn) error {
	data, err := json.Marshal(newSettingsMessage(c.settings))
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// currentConn returns the live socket, which may change across reconnects.
func (c *connection) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// SendAudio implements [voiceagent.Connection]. Never blocks: a full queue or
// closed connection drops the payload and reports false.
func (c *connection) SendAudio(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.out <- outbound{binary: true, data: data}:
		c.buffered.Add(int64(len(data)))
		return true
	default:
		return false
	}
}

// BufferedBytes implements [voiceagent.Connection].
func (c *connection) BufferedBytes() int {
	return int(c.buffered.Load())
}

// sendControl queues a JSON control message, blocking until the writer task
// accepts it or the connection closes.
func (c *connection) sendControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deepgram agent: marshal control: %w", err)
	}
	select {
	case c.out <- outbound{data: data}:
		return nil
	case <-c.ctx.Done():
		return errors.New("deepgram agent: connection is closed")
	}
}

// SendKeepAlive implements [voiceagent.Connection].
func (c *connection) SendKeepAlive() error {
	return c.sendControl(map[string]string{"type": "KeepAlive"})
}

// UpdatePrompt implements [voiceagent.Connection].
func (c *connection) UpdatePrompt(prompt string) error {
	return c.sendControl(map[string]string{"type": "UpdatePrompt", "prompt": prompt})
}

// InjectUserMessage implements [voiceagent.Connection].
func (c *connection) InjectUserMessage(content string) error {
	return c.sendControl(map[string]string{"type": "InjectUserMessage", "content": content})
}

// InjectAgentMessage implements [voiceagent.Connection].
func (c *connection) InjectAgentMessage(content string) error {
	return c.sendControl(map[string]string{"type": "InjectAgentMessage", "content": content})
}

// SendFunctionCallResponse implements [voiceagent.Connection].
func (c *connection) SendFunctionCallResponse(callID, output string) error {
	return c.sendControl(map[string]string{
		"type":             "FunctionCallResponse",
		"function_call_id": callID,
		"output":           output,
	})
}

// Events implements [voiceagent.Connection].
func (c *connection) Events() <-chan voiceagent.Event { return c.events }

// Audio implements [voiceagent.Connection].
func (c *connection) Audio() <-chan []byte { return c.audio }

// Close implements [voiceagent.Connection]. Sends a normal close and tears
// down both tasks. Idempotent.
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	ws.Close(websocket.StatusNormalClosure, "")
	return nil
}

// writeLoop is the sole writer on the socket. Write errors are not handled
// here — the reader task observes the failure and drives reconnection.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.out:
			ws := c.currentConn()
			kind := websocket.MessageText
			if m.binary {
				kind = websocket.MessageBinary
			}
			err := ws.Write(c.ctx, kind, m.data)
			if m.binary {
				c.buffered.Add(-int64(len(m.data)))
			}
			_ = err
		}
	}
}

// readLoop receives messages, classifies them, and dispatches. On abnormal
// close it attempts reconnection; on normal close or budget exhaustion it
// emits a Closed event and shuts the inbound channels.
func (c *connection) readLoop() {
	for {
		ws := c.currentConn()
		kind, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || c.isClosed() {
				c.finish(voiceagent.Event{Type: voiceagent.EventClosed})
				return
			}

			status := websocket.CloseStatus(err)
			switch status {
			case websocket.StatusNormalClosure:
				c.finish(voiceagent.Event{Type: voiceagent.EventClosed})
				return
			case websocket.StatusNoStatusRcvd, websocket.StatusPolicyViolation:
				// 1005 commonly means malformed settings; 1008 a bad
				// credential. Retrying cannot help either.
				c.finish(voiceagent.Event{
					Type:    voiceagent.EventClosed,
					Fatal:   true,
					Message: fmt.Sprintf("close status %d: %v", status, err),
				})
				return
			}

			if !c.reconnect() {
				c.finish(voiceagent.Event{
					Type:    voiceagent.EventClosed,
					Fatal:   true,
					Message: fmt.Sprintf("reconnect budget exhausted after close status %d", status),
				})
				return
			}
			continue
		}

		// Classification per the wire contract: JSON payloads begin with '{'.
		if kind == websocket.MessageBinary && (len(data) == 0 || data[0] != '{') {
			select {
			case c.audio <- data:
			case <-c.ctx.Done():
			}
			continue
		}

		c.dispatch(data)
	}
}

// reconnect attempts to re-establish the session with linear backoff,
// re-sending Settings on success. Reports false when the budget is exhausted.
func (c *connection) reconnect() bool {
	for attempt := 1; attempt <= reconnectCap; attempt++ {
		c.emit(voiceagent.Event{Type: voiceagent.EventReconnecting, Attempt: attempt})

		select {
		case <-time.After(time.Duration(attempt) * c.dialer.backoff):
		case <-c.ctx.Done():
			return false
		}

		ws, err := c.dialer.dial(c.ctx)
		if err != nil {
			continue
		}
		if err := c.writeSettings(c.ctx, ws); err != nil {
			ws.Close(websocket.StatusInternalError, "settings resend failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close(websocket.StatusNormalClosure, "")
			return false
		}
		c.ws = ws
		c.mu.Unlock()
		return true
	}
	return false
}

// dispatch parses one JSON control message and forwards the typed event.
func (c *connection) dispatch(data []byte) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}

	evt := voiceagent.Event{Type: voiceagent.EventType(raw.Type)}
	switch evt.Type {
	case voiceagent.EventWelcome:
		evt.SessionID = raw.SessionID
		if evt.SessionID == "" {
			evt.SessionID = raw.RequestID
		}
	case voiceagent.EventConversationText, voiceagent.EventHistory:
		evt.Role = raw.Role
		evt.Content = raw.Content
	case voiceagent.EventFunctionCallRequest:
		evt.CallID = raw.ID
		evt.Name = raw.Name
		evt.Input = raw.Input
	case voiceagent.EventError:
		evt.Message = raw.Description
		if evt.Message == "" {
			evt.Message = raw.Code
		}
	case voiceagent.EventSettingsApplied,
		voiceagent.EventUserStartedSpeaking,
		voiceagent.EventUserStoppedSpeaking,
		voiceagent.EventAgentStartedSpeaking,
		voiceagent.EventAgentAudioDone,
		voiceagent.EventPromptUpdated:
		// No extra fields.
	default:
		// Unknown upstream event types are dropped.
		return
	}
	c.emit(evt)
}

// emit delivers evt unless the connection is shutting down.
func (c *connection) emit(evt voiceagent.Event) {
	select {
	case c.events <- evt:
	case <-c.ctx.Done():
	}
}

// finish emits the terminal event and closes both inbound channels. Runs at
// most once; subsequent calls are no-ops.
func (c *connection) finish(evt voiceagent.Event) {
	c.closeOnce.Do(func() {
		select {
		case c.events <- evt:
		default:
		}
		c.cancel()
		close(c.events)
		close(c.audio)
	})
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
