// Package transcript defines the transcript entry type, an append-only
// in-memory log, and the persistence interface used by the orchestrator.
package transcript

import (
	"context"
	"time"
)

// Source tags which upstream produced an entry.
type Source string

const (
	// SourceVoiceAgent marks entries reported by the conversational agent
	// (ConversationText events).
	SourceVoiceAgent Source = "voice_agent"

	// SourceTranscription marks entries from the always-on transcriber.
	SourceTranscription Source = "transcription"
)

// Entry is one line of a session transcript.
type Entry struct {
	// SessionID identifies the orchestrator session the entry belongs to.
	SessionID string

	// Role is "user" or "assistant".
	Role string

	// Text is the transcribed or generated content.
	Text string

	// Timestamp is when the entry was committed.
	Timestamp time.Time

	// Source tags the producing upstream.
	Source Source

	// Final reports whether the entry is committable. Interim transcription
	// results carry Final=false and are broadcast but never persisted.
	Final bool

	// Speaker is the participant identity for user entries when the
	// transcriber reports speaker tags. Empty otherwise.
	Speaker string
}

// Store persists final transcript entries. Implementations must be safe for
// concurrent use. Write failures are surfaced to the caller; the orchestrator
// logs them and continues.
type Store interface {
	WriteEntry(ctx context.Context, entry Entry) error

	// Recent returns the entries for sessionID committed within the given
	// duration, oldest first.
	Recent(ctx context.Context, sessionID string, within time.Duration) ([]Entry, error)

	Close()
}
