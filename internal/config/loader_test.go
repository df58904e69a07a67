package config_test

import (
	"strings"
	"testing"

	"github.com/coachflow/coachflow/internal/config"
)

const validYAML = `
voice_agent:
  api_key: va-key
transcription:
  api_key: tr-key
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VoiceAgent.STTModel != "nova-3-medical" {
		t.Errorf("STTModel = %q, want nova-3-medical", cfg.VoiceAgent.STTModel)
	}
	if cfg.VoiceAgent.TTSModel != "aura-2-thalia-en" {
		t.Errorf("TTSModel = %q, want aura-2-thalia-en", cfg.VoiceAgent.TTSModel)
	}
	if cfg.VoiceAgent.LLMModel != "gpt-4o-mini" {
		t.Errorf("LLMModel = %q, want gpt-4o-mini", cfg.VoiceAgent.LLMModel)
	}
	if cfg.Session.KeepAliveIntervalMs != 4000 {
		t.Errorf("KeepAliveIntervalMs = %d, want 4000", cfg.Session.KeepAliveIntervalMs)
	}
	if cfg.Session.FunctionCallTimeoutMs != 10000 {
		t.Errorf("FunctionCallTimeoutMs = %d, want 10000", cfg.Session.FunctionCallTimeoutMs)
	}
	if cfg.Session.OutboundBufferMaxBytes != 65536 {
		t.Errorf("OutboundBufferMaxBytes = %d, want 65536", cfg.Session.OutboundBufferMaxBytes)
	}
	if cfg.Session.ReconnectGraceMs != 30000 {
		t.Errorf("ReconnectGraceMs = %d, want 30000", cfg.Session.ReconnectGraceMs)
	}
	if cfg.Transcription.Model != cfg.VoiceAgent.STTModel {
		t.Errorf("Transcription.Model = %q, should fall back to STT model", cfg.Transcription.Model)
	}
}

func TestLoadFromReader_UnknownKeyRejected(t *testing.T) {
	t.Parallel()
	yaml := validYAML + `
bogus_section:
  key: value
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestValidate_MissingKeys(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_addr: \":9090\"\n"))
	if err == nil {
		t.Fatal("expected error for missing API keys, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "VOICE_AGENT_API_KEY") {
		t.Errorf("error should mention VOICE_AGENT_API_KEY, got: %v", err)
	}
	if !strings.Contains(errStr, "TRANSCRIPTION_API_KEY") {
		t.Errorf("error should mention TRANSCRIPTION_API_KEY, got: %v", err)
	}
}

func TestValidate_KeepAliveBound(t *testing.T) {
	t.Parallel()
	yaml := validYAML + `
session:
  keepalive_interval_ms: 9000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for keepalive interval above silence tolerance, got nil")
	}
	if !strings.Contains(err.Error(), "keepalive_interval_ms") {
		t.Errorf("error should mention keepalive_interval_ms, got: %v", err)
	}
}

func TestValidate_BadEncoding(t *testing.T) {
	t.Parallel()
	yaml := validYAML + `
session:
  audio_encoding: mp3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown audio encoding, got nil")
	}
	if !strings.Contains(err.Error(), "audio_encoding") {
		t.Errorf("error should mention audio_encoding, got: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICE_AGENT_URL", "wss://agent.example.com/v1")
	t.Setenv("STT_MODEL", "nova-3-general")
	t.Setenv("KEEPALIVE_INTERVAL_MS", "2500")
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VoiceAgent.URL != "wss://agent.example.com/v1" {
		t.Errorf("URL = %q, want env override", cfg.VoiceAgent.URL)
	}
	if cfg.VoiceAgent.STTModel != "nova-3-general" {
		t.Errorf("STTModel = %q, want env override", cfg.VoiceAgent.STTModel)
	}
	if cfg.Session.KeepAliveIntervalMs != 2500 {
		t.Errorf("KeepAliveIntervalMs = %d, want 2500", cfg.Session.KeepAliveIntervalMs)
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	s := config.SessionConfig{KeepAliveIntervalMs: 4000, FunctionCallTimeoutMs: 10000, ReconnectGraceMs: 30000}
	if got := s.KeepAliveInterval().Milliseconds(); got != 4000 {
		t.Errorf("KeepAliveInterval = %dms, want 4000", got)
	}
	if got := s.FunctionCallTimeout().Milliseconds(); got != 10000 {
		t.Errorf("FunctionCallTimeout = %dms, want 10000", got)
	}
	if got := s.ReconnectGrace().Milliseconds(); got != 30000 {
		t.Errorf("ReconnectGrace = %dms, want 30000", got)
	}
}
