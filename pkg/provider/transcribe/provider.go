// Package transcribe defines the interface to a streaming transcription
// service. The broker forwards every accepted audio frame here regardless of
// the voice-agent mute gate, giving the coach's review panel an unbroken
// record of the session.
package transcribe

import "context"

// Result is one transcription message from the upstream. Interim results
// (IsFinal=false) are broadcast to participants but never persisted.
type Result struct {
	// Alt is the top alternative's transcript text.
	Alt string

	// Confidence is the top alternative's confidence (0.0–1.0).
	Confidence float64

	// IsFinal marks a committable result.
	IsFinal bool

	// SpeechFinal marks the end of a spoken utterance.
	SpeechFinal bool

	// SpeakerTag identifies the speaker when diarization is active. Empty
	// otherwise.
	SpeakerTag string
}

// Connection is a live transcription session.
//
// The send side follows the same contract as the voice-agent connection:
// SendAudio never blocks and reports acceptance; a single internal writer
// owns the socket.
type Connection interface {
	// SendAudio queues one audio payload. Reports false when dropped due to
	// backpressure or a closed socket.
	SendAudio(data []byte) bool

	// BufferedBytes returns audio bytes queued but not yet written.
	BufferedBytes() int

	// Results returns the inbound transcript stream. Closed when the
	// connection is permanently down.
	Results() <-chan Result

	// Err returns the error that permanently terminated the connection, or
	// nil after a clean close.
	Err() error

	// Close terminates the session with a normal close. Idempotent.
	Close() error
}

// StreamConfig configures a transcription session.
type StreamConfig struct {
	// Model selects the upstream model (e.g. "nova-3-medical").
	Model string

	// Language is the BCP-47 recognition language. Default "en".
	Language string

	// Encoding is the audio payload encoding ("linear16" | "opus").
	Encoding string

	// SampleRate in Hz. Default 24000.
	SampleRate int
}

// Dialer opens connections to the transcription service.
type Dialer interface {
	Connect(ctx context.Context, cfg StreamConfig) (Connection, error)
}
