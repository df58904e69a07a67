// Package voiceagent defines the interface to a conversational speech-to-speech
// service: a single WebSocket per room over which the broker streams gated
// participant audio and receives synthesised agent audio plus JSON control
// events.
//
// Implementations live in subpackages (e.g. voiceagent/deepgram). The broker
// core only depends on the interfaces here, so alternative providers can be
// swapped in without touching the orchestrator.
package voiceagent

import (
	"context"
	"encoding/json"
)

// EventType discriminates inbound control events.
type EventType string

const (
	// EventWelcome is the first event after connect; carries the session id.
	EventWelcome EventType = "Welcome"

	// EventSettingsApplied confirms the Settings message; the session is ready.
	EventSettingsApplied EventType = "SettingsApplied"

	// EventUserStartedSpeaking fires when the upstream detects user speech.
	// Triggers barge-in when the agent is mid-utterance.
	EventUserStartedSpeaking EventType = "UserStartedSpeaking"

	// EventUserStoppedSpeaking fires at end of user speech. Informational.
	EventUserStoppedSpeaking EventType = "UserStoppedSpeaking"

	// EventAgentStartedSpeaking fires when agent TTS audio begins.
	EventAgentStartedSpeaking EventType = "AgentStartedSpeaking"

	// EventAgentAudioDone fires after the last TTS chunk of a turn.
	EventAgentAudioDone EventType = "AgentAudioDone"

	// EventConversationText carries one committed line of dialogue.
	EventConversationText EventType = "ConversationText"

	// EventPromptUpdated confirms an UpdatePrompt control message.
	EventPromptUpdated EventType = "PromptUpdated"

	// EventFunctionCallRequest asks the broker to execute a named function.
	EventFunctionCallRequest EventType = "FunctionCallRequest"

	// EventHistory duplicates ConversationText for replayed context.
	// The orchestrator ignores it.
	EventHistory EventType = "History"

	// EventError carries a provider-reported error.
	EventError EventType = "Error"

	// EventReconnecting is synthesised locally when the connection drops
	// abnormally and a reconnect attempt is about to start.
	EventReconnecting EventType = "Reconnecting"

	// EventClosed is synthesised locally when the connection is permanently
	// down: normal close, retry budget exhausted, or Close() called.
	EventClosed EventType = "Closed"
)

// Event is one inbound control event. Fields are populated per Type.
type Event struct {
	Type EventType

	// SessionID is set on Welcome.
	SessionID string

	// Role and Content are set on ConversationText ("user" | "assistant").
	Role    string
	Content string

	// CallID, Name, and Input are set on FunctionCallRequest.
	CallID string
	Name   string
	Input  json.RawMessage

	// Message is set on Error, Reconnecting, and Closed.
	Message string

	// Fatal marks an Error or Closed event that ends the session.
	Fatal bool

	// Attempt is the reconnect attempt number on Reconnecting.
	Attempt int
}

// Connection is a live session with the conversational service.
//
// The send side has a single writer: all Send* methods enqueue onto an
// internal writer task, so they are safe for concurrent use. SendAudio never
// blocks; control sends block until the message is serialised onto the wire
// queue or fail on a closed connection.
type Connection interface {
	// SendAudio queues one audio payload. Reports false when the payload was
	// dropped because of backpressure or a closed socket.
	SendAudio(data []byte) bool

	// BufferedBytes returns the audio bytes queued but not yet written.
	BufferedBytes() int

	// SendKeepAlive emits a KeepAlive control message.
	SendKeepAlive() error

	// UpdatePrompt replaces the agent's reasoning prompt mid-session.
	UpdatePrompt(prompt string) error

	// InjectUserMessage inserts a user turn without audio.
	InjectUserMessage(content string) error

	// InjectAgentMessage inserts an agent turn without triggering speech.
	InjectAgentMessage(content string) error

	// SendFunctionCallResponse settles a FunctionCallRequest.
	SendFunctionCallResponse(callID, output string) error

	// Events returns the inbound control event stream. Closed when the
	// connection is permanently down.
	Events() <-chan Event

	// Audio returns the inbound TTS audio stream. Closed together with
	// Events.
	Audio() <-chan []byte

	// Close terminates the session with a normal close. Idempotent.
	Close() error
}

// Settings mirrors the first JSON message sent after the socket opens.
type Settings struct {
	Language   string
	SampleRate int
	Encoding   string

	STTModel string
	Keyterms []string

	LLMModel    string
	Temperature float64
	Prompt      string

	TTSModel string
	Greeting string
}

// Dialer opens connections to the conversational service.
type Dialer interface {
	Connect(ctx context.Context, settings Settings) (Connection, error)
}
