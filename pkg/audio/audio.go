// Package audio defines the frame type and sink interfaces for audio transport
// within the coachflow broker.
//
// Frames are the atomic unit of audio flowing from the media transport into the
// per-room router. The broker never decodes or resamples payloads — a frame's
// Data is opaque and is forwarded byte-for-byte to the upstream speech services.
//
// This package lives under pkg/ because external code (media transport
// adapters, alternative upstream providers) is expected to produce [Frame]
// values and implement [Sink] and [MediaSink].
package audio

import "time"

// Encoding identifies the payload format carried by a [Frame]. It is declared
// once at router setup and fixed for the lifetime of the room's orchestrator.
type Encoding string

const (
	// EncodingLinear16 is 16-bit signed little-endian PCM at 24 kHz mono.
	EncodingLinear16 Encoding = "linear16"

	// EncodingOpus is a stream of opaque Opus packets. The broker forwards
	// them without decoding.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingLinear16 || e == EncodingOpus
}

// Frame is a single chunk of participant audio.
//
// Frames from one participant arrive in capture order with non-decreasing
// timestamps; the router preserves that order per participant all the way to
// the upstream sinks.
type Frame struct {
	// From is the identity of the participant that produced the frame
	// (e.g. "client-42").
	From string

	// Data is the encoded payload. Treated as opaque bytes.
	Data []byte

	// Captured is the monotonic capture timestamp reported by the media
	// transport.
	Captured time.Time

	// Duration is the frame length. Expected range is 10–80 ms.
	Duration time.Duration
}

// Sink accepts audio payloads bound for an upstream speech service.
//
// SendAudio reports whether the payload was accepted by the underlying
// transport: false means the frame was dropped because of backpressure or a
// closed socket. Implementations must not block on a full buffer.
type Sink interface {
	SendAudio(data []byte) bool

	// BufferedBytes returns the number of payload bytes queued but not yet
	// written to the transport. The router stops forwarding to a sink whose
	// buffer exceeds its configured limit.
	BufferedBytes() int
}

// MediaSink receives agent-synthesised audio for playback into the room as
// the AI participant's output. Implemented by the media transport adapter.
type MediaSink interface {
	// WriteAgentAudio delivers one TTS chunk. Implementations should make
	// this cheap; the orchestrator buffers and paces chunks itself.
	WriteAgentAudio(chunk []byte) error
}
