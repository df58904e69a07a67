// Package mock provides an in-memory voice-agent provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/coachflow/coachflow/pkg/provider/voiceagent"
)

// Connection is a scriptable [voiceagent.Connection]. Tests feed events and
// audio through Emit and EmitAudio and inspect everything the code under
// test sent.
type Connection struct {
	mu         sync.Mutex
	audioSent  [][]byte
	buffered   int
	keepAlives int
	prompts    []string
	userMsgs   []string
	agentMsgs  []string
	responses  map[string][]string
	closed     bool

	// RejectAudio makes SendAudio report false.
	RejectAudio bool

	// ControlErr, when set, is returned by every control send.
	ControlErr error

	events chan voiceagent.Event
	audio  chan []byte
	once   sync.Once
}

var _ voiceagent.Connection = (*Connection)(nil)

// NewConnection returns a connection with open event and audio streams.
func NewConnection() *Connection {
	return &Connection{
		responses: make(map[string][]string),
		events:    make(chan voiceagent.Event, 64),
		audio:     make(chan []byte, 64),
	}
}

// Emit delivers one control event to the consumer.
func (c *Connection) Emit(ev voiceagent.Event) { c.events <- ev }

// EmitAudio delivers one TTS chunk to the consumer.
func (c *Connection) EmitAudio(chunk []byte) { c.audio <- chunk }

// Terminate closes both streams, simulating a permanently down connection.
func (c *Connection) Terminate() {
	c.once.Do(func() {
		close(c.events)
		close(c.audio)
	})
}

func (c *Connection) SendAudio(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RejectAudio || c.closed {
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.audioSent = append(c.audioSent, cp)
	return true
}

func (c *Connection) BufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// SetBuffered fixes the value reported by BufferedBytes.
func (c *Connection) SetBuffered(n int) {
	c.mu.Lock()
	c.buffered = n
	c.mu.Unlock()
}

func (c *Connection) SendKeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ControlErr != nil {
		return c.ControlErr
	}
	c.keepAlives++
	return nil
}

func (c *Connection) UpdatePrompt(prompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ControlErr != nil {
		return c.ControlErr
	}
	c.prompts = append(c.prompts, prompt)
	return nil
}

func (c *Connection) InjectUserMessage(content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ControlErr != nil {
		return c.ControlErr
	}
	c.userMsgs = append(c.userMsgs, content)
	return nil
}

func (c *Connection) InjectAgentMessage(content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ControlErr != nil {
		return c.ControlErr
	}
	c.agentMsgs = append(c.agentMsgs, content)
	return nil
}

func (c *Connection) SendFunctionCallResponse(callID, output string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ControlErr != nil {
		return c.ControlErr
	}
	c.responses[callID] = append(c.responses[callID], output)
	return nil
}

func (c *Connection) Events() <-chan voiceagent.Event { return c.events }

func (c *Connection) Audio() <-chan []byte { return c.audio }

func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Terminate()
	return nil
}

// AudioSent returns every payload accepted by SendAudio, in order.
func (c *Connection) AudioSent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.audioSent))
	copy(out, c.audioSent)
	return out
}

// KeepAlives returns the number of keep-alive sends.
func (c *Connection) KeepAlives() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlives
}

// Prompts returns every prompt passed to UpdatePrompt, in order.
func (c *Connection) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prompts))
	copy(out, c.prompts)
	return out
}

// Responses returns the settlements recorded for callID.
func (c *Connection) Responses(callID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.responses[callID]))
	copy(out, c.responses[callID])
	return out
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out pre-built connections. When the queue is exhausted,
// Connect returns Err (or a generic error when Err is nil).
type Dialer struct {
	mu       sync.Mutex
	conns    []*Connection
	settings []voiceagent.Settings

	// Err is returned by Connect when no connection is queued.
	Err error
}

var _ voiceagent.Dialer = (*Dialer)(nil)

// NewDialer queues conns for successive Connect calls.
func NewDialer(conns ...*Connection) *Dialer {
	return &Dialer{conns: conns}
}

// Connect pops the next queued connection and records the settings used.
func (d *Dialer) Connect(_ context.Context, settings voiceagent.Settings) (voiceagent.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = append(d.settings, settings)
	if len(d.conns) == 0 {
		if d.Err != nil {
			return nil, d.Err
		}
		return nil, errors.New("mock: no connection queued")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

// Settings returns the settings of every Connect call, in order.
func (d *Dialer) Settings() []voiceagent.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]voiceagent.Settings, len(d.settings))
	copy(out, d.settings)
	return out
}
