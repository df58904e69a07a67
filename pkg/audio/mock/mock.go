// Package mock provides test doubles for the audio sink interfaces.
package mock

import (
	"sync"

	"github.com/coachflow/coachflow/pkg/audio"
)

// Sink is a mock [audio.Sink] that records every accepted payload.
// Configure Reject or Buffered to simulate backpressure. Safe for
// concurrent use.
type Sink struct {
	mu       sync.Mutex
	payloads [][]byte

	// Reject makes SendAudio return false without recording.
	Reject bool

	// Buffered is the value returned by BufferedBytes.
	Buffered int
}

var _ audio.Sink = (*Sink)(nil)

// SendAudio records data and reports acceptance.
func (s *Sink) SendAudio(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reject {
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.payloads = append(s.payloads, cp)
	return true
}

// BufferedBytes returns the configured buffered size.
func (s *Sink) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Buffered
}

// SetBuffered updates the reported buffered size.
func (s *Sink) SetBuffered(n int) {
	s.mu.Lock()
	s.Buffered = n
	s.mu.Unlock()
}

// Payloads returns a snapshot of all recorded payloads in send order.
func (s *Sink) Payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.payloads))
	copy(out, s.payloads)
	return out
}

// Count returns the number of recorded payloads.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

// MediaSink is a mock [audio.MediaSink] that records agent audio chunks.
type MediaSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

var _ audio.MediaSink = (*MediaSink)(nil)

// WriteAgentAudio records chunk.
func (m *MediaSink) WriteAgentAudio(chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	m.chunks = append(m.chunks, cp)
	return nil
}

// Chunks returns a snapshot of recorded chunks in write order.
func (m *MediaSink) Chunks() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.chunks))
	copy(out, m.chunks)
	return out
}
