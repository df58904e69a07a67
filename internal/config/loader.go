package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// maxKeepAliveMs is the upstream's silence tolerance. Intervals at or above
// this bound would let the agent channel go dead between ticks.
const maxKeepAliveMs = 8000

// Load reads and validates a configuration file. Environment variables
// override file values; a missing file is acceptable when the environment
// supplies everything required.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.applyDefaults()
			cfg.applyEnv()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses a configuration document from r. Unknown YAML keys
// are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.VoiceAgent.STTModel == "" {
		c.VoiceAgent.STTModel = DefaultSTTModel
	}
	if c.VoiceAgent.TTSModel == "" {
		c.VoiceAgent.TTSModel = DefaultTTSModel
	}
	if c.VoiceAgent.LLMModel == "" {
		c.VoiceAgent.LLMModel = DefaultLLMModel
	}
	if c.Session.KeepAliveIntervalMs == 0 {
		c.Session.KeepAliveIntervalMs = int(DefaultKeepAliveInterval.Milliseconds())
	}
	if c.Session.FunctionCallTimeoutMs == 0 {
		c.Session.FunctionCallTimeoutMs = int(DefaultFunctionCallTimeout.Milliseconds())
	}
	if c.Session.OutboundBufferMaxBytes == 0 {
		c.Session.OutboundBufferMaxBytes = DefaultOutboundBufferMaxBytes
	}
	if c.Session.ReconnectGraceMs == 0 {
		c.Session.ReconnectGraceMs = int(DefaultReconnectGrace.Milliseconds())
	}
	if c.Session.AudioEncoding == "" {
		c.Session.AudioEncoding = "linear16"
	}
	if c.Session.SampleRate == 0 {
		c.Session.SampleRate = DefaultSampleRate
	}
}

func (c *Config) applyEnv() {
	envStr("VOICE_AGENT_URL", &c.VoiceAgent.URL)
	envStr("VOICE_AGENT_API_KEY", &c.VoiceAgent.APIKey)
	envStr("TRANSCRIPTION_URL", &c.Transcription.URL)
	envStr("TRANSCRIPTION_API_KEY", &c.Transcription.APIKey)
	envStr("STT_MODEL", &c.VoiceAgent.STTModel)
	envStr("TTS_MODEL", &c.VoiceAgent.TTSModel)
	envStr("LLM_MODEL", &c.VoiceAgent.LLMModel)
	envStr("COACHING_PROMPT", &c.VoiceAgent.Prompt)
	envStr("GREETING", &c.VoiceAgent.Greeting)
	envStr("TRANSCRIPTS_POSTGRES_DSN", &c.Transcripts.PostgresDSN)
	envInt("KEEPALIVE_INTERVAL_MS", &c.Session.KeepAliveIntervalMs)
	envInt("FUNCTION_CALL_TIMEOUT_MS", &c.Session.FunctionCallTimeoutMs)
	envInt("OUTBOUND_BUFFER_MAX_BYTES", &c.Session.OutboundBufferMaxBytes)
	envInt("PARTICIPANT_RECONNECT_GRACE_MS", &c.Session.ReconnectGraceMs)
	if c.Transcription.Model == "" {
		c.Transcription.Model = c.VoiceAgent.STTModel
	}
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: unknown log level %q", c.Server.LogLevel))
	}
	if c.VoiceAgent.APIKey == "" {
		errs = append(errs, errors.New("config: voice_agent.api_key (VOICE_AGENT_API_KEY) is required"))
	}
	if c.Transcription.APIKey == "" {
		errs = append(errs, errors.New("config: transcription.api_key (TRANSCRIPTION_API_KEY) is required"))
	}
	if c.Session.KeepAliveIntervalMs <= 0 || c.Session.KeepAliveIntervalMs >= maxKeepAliveMs {
		errs = append(errs, fmt.Errorf("config: keepalive_interval_ms must be in (0, %d), got %d",
			maxKeepAliveMs, c.Session.KeepAliveIntervalMs))
	}
	if c.Session.FunctionCallTimeoutMs <= 0 {
		errs = append(errs, errors.New("config: function_call_timeout_ms must be positive"))
	}
	if c.Session.OutboundBufferMaxBytes <= 0 {
		errs = append(errs, errors.New("config: outbound_buffer_max_bytes must be positive"))
	}
	if c.Session.ReconnectGraceMs < 0 {
		errs = append(errs, errors.New("config: reconnect_grace_ms must not be negative"))
	}
	switch c.Session.AudioEncoding {
	case "linear16", "opus":
	default:
		errs = append(errs, fmt.Errorf("config: unknown audio_encoding %q", c.Session.AudioEncoding))
	}
	if c.Session.SampleRate <= 0 {
		errs = append(errs, errors.New("config: sample_rate must be positive"))
	}
	return errors.Join(errs...)
}
