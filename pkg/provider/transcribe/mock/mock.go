// Package mock provides an in-memory transcription provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/coachflow/coachflow/pkg/provider/transcribe"
)

// Connection is a scriptable [transcribe.Connection].
type Connection struct {
	mu        sync.Mutex
	audioSent [][]byte
	buffered  int
	closed    bool
	err       error

	// RejectAudio makes SendAudio report false.
	RejectAudio bool

	results chan transcribe.Result
	once    sync.Once
}

var _ transcribe.Connection = (*Connection)(nil)

// NewConnection returns a connection with an open result stream.
func NewConnection() *Connection {
	return &Connection{results: make(chan transcribe.Result, 64)}
}

// Emit delivers one transcription result to the consumer.
func (c *Connection) Emit(res transcribe.Result) { c.results <- res }

// Terminate closes the result stream with err as the terminal error.
func (c *Connection) Terminate(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.results) })
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

func (c *Connection) Results() <-chan transcribe.Result { return c.results }

func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.results) })
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

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out pre-built connections, recording the stream config of
// each Connect call.
type Dialer struct {
	mu      sync.Mutex
	conns   []*Connection
	configs []transcribe.StreamConfig

	// Err is returned by Connect when no connection is queued.
	Err error
}

var _ transcribe.Dialer = (*Dialer)(nil)

// NewDialer queues conns for successive Connect calls.
func NewDialer(conns ...*Connection) *Dialer {
	return &Dialer{conns: conns}
}

func (d *Dialer) Connect(_ context.Context, cfg transcribe.StreamConfig) (transcribe.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = append(d.configs, cfg)
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

// Configs returns the stream config of every Connect call, in order.
func (d *Dialer) Configs() []transcribe.StreamConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]transcribe.StreamConfig, len(d.configs))
	copy(out, d.configs)
	return out
}
