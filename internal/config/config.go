// Package config provides the configuration schema and loader for the
// coachflow session broker.
package config

import "time"

// LogLevel controls log verbosity for the broker.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]; the environment variables listed
// on each field override file values.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	VoiceAgent    VoiceAgentConfig    `yaml:"voice_agent"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Session       SessionConfig       `yaml:"session"`
	Transcripts   TranscriptsConfig   `yaml:"transcripts"`
	Functions     FunctionsConfig     `yaml:"functions"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the signaling server listens on
	// (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// VoiceAgentConfig configures the conversational upstream.
type VoiceAgentConfig struct {
	// URL is the agent WebSocket endpoint. Env: VOICE_AGENT_URL.
	URL string `yaml:"url"`

	// APIKey authenticates the handshake. Env: VOICE_AGENT_API_KEY.
	APIKey string `yaml:"api_key"`

	// STTModel selects the listen model. Env: STT_MODEL.
	STTModel string `yaml:"stt_model"`

	// TTSModel selects the speak model. Env: TTS_MODEL.
	TTSModel string `yaml:"tts_model"`

	// LLMModel selects the think model. Env: LLM_MODEL.
	LLMModel string `yaml:"llm_model"`

	// Prompt is the coaching system prompt. Env: COACHING_PROMPT.
	Prompt string `yaml:"prompt"`

	// Greeting is the optional spoken greeting. Env: GREETING.
	Greeting string `yaml:"greeting"`

	// Keyterms boosts recognition of domain vocabulary.
	Keyterms []string `yaml:"keyterms"`
}

// TranscriptionConfig configures the always-on transcriber.
type TranscriptionConfig struct {
	// URL is the streaming endpoint. Env: TRANSCRIPTION_URL.
	URL string `yaml:"url"`

	// APIKey authenticates the handshake. Env: TRANSCRIPTION_API_KEY.
	APIKey string `yaml:"api_key"`

	// Model selects the transcription model; defaults to the voice agent's
	// STT model when empty.
	Model string `yaml:"model"`
}

// SessionConfig holds per-room tuning knobs.
type SessionConfig struct {
	// KeepAliveIntervalMs is the silence interval before a KeepAlive is sent
	// on the voice-agent channel. The upstream tolerates at most 8000 ms;
	// the default of 4000 leaves margin. Env: KEEPALIVE_INTERVAL_MS.
	KeepAliveIntervalMs int `yaml:"keepalive_interval_ms"`

	// FunctionCallTimeoutMs bounds handler execution.
	// Env: FUNCTION_CALL_TIMEOUT_MS.
	FunctionCallTimeoutMs int `yaml:"function_call_timeout_ms"`

	// OutboundBufferMaxBytes is the upstream backpressure threshold.
	// Env: OUTBOUND_BUFFER_MAX_BYTES.
	OutboundBufferMaxBytes int `yaml:"outbound_buffer_max_bytes"`

	// ReconnectGraceMs is how long a participant identity survives a
	// dropped connection. Env: PARTICIPANT_RECONNECT_GRACE_MS.
	ReconnectGraceMs int `yaml:"reconnect_grace_ms"`

	// AudioEncoding declares the frame payload format for the room
	// ("linear16" | "opus"). Fixed per orchestrator lifetime.
	AudioEncoding string `yaml:"audio_encoding"`

	// SampleRate in Hz for linear16 payloads.
	SampleRate int `yaml:"sample_rate"`
}

// TranscriptsConfig configures transcript persistence. When PostgresDSN is
// empty, transcripts are kept in memory only.
type TranscriptsConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// FunctionsConfig configures the function-call dispatcher.
type FunctionsConfig struct {
	// MCPURL is an optional Model Context Protocol server whose tools are
	// registered as function handlers. Empty disables MCP sourcing.
	MCPURL string `yaml:"mcp_url"`

	// MCPToken is an optional Bearer token for the MCP server.
	MCPToken string `yaml:"mcp_token"`
}

// Defaults applied by Load for unset fields.
const (
	DefaultSTTModel               = "nova-3-medical"
	DefaultTTSModel               = "aura-2-thalia-en"
	DefaultLLMModel               = "gpt-4o-mini"
	DefaultKeepAliveInterval      = 4000 * time.Millisecond
	DefaultFunctionCallTimeout    = 10000 * time.Millisecond
	DefaultOutboundBufferMaxBytes = 65536
	DefaultReconnectGrace         = 30000 * time.Millisecond
	DefaultSampleRate             = 24000
)

// KeepAliveInterval returns the configured interval as a duration.
func (s SessionConfig) KeepAliveInterval() time.Duration {
	return time.Duration(s.KeepAliveIntervalMs) * time.Millisecond
}

// FunctionCallTimeout returns the configured timeout as a duration.
func (s SessionConfig) FunctionCallTimeout() time.Duration {
	return time.Duration(s.FunctionCallTimeoutMs) * time.Millisecond
}

// ReconnectGrace returns the configured grace window as a duration.
func (s SessionConfig) ReconnectGrace() time.Duration {
	return time.Duration(s.ReconnectGraceMs) * time.Millisecond
}
