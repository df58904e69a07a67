// Command coachflow is the coaching session broker: a signaling hub for
// clients and coaches plus the per-room AI voice-agent pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachflow/coachflow/internal/agent/functions"
	"github.com/coachflow/coachflow/internal/agent/supervisor"
	"github.com/coachflow/coachflow/internal/config"
	"github.com/coachflow/coachflow/internal/health"
	"github.com/coachflow/coachflow/internal/hub"
	"github.com/coachflow/coachflow/internal/observe"
	"github.com/coachflow/coachflow/internal/ws"
	"github.com/coachflow/coachflow/pkg/provider/transcribe"
	transcribedg "github.com/coachflow/coachflow/pkg/provider/transcribe/deepgram"
	"github.com/coachflow/coachflow/pkg/provider/voiceagent"
	voiceagentdg "github.com/coachflow/coachflow/pkg/provider/voiceagent/deepgram"
	"github.com/coachflow/coachflow/pkg/transcript"
	transcriptpg "github.com/coachflow/coachflow/pkg/transcript/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coachflow: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("coachflow starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "coachflow",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Upstream dialers ──────────────────────────────────────────────────────
	var agentOpts []voiceagentdg.Option
	if cfg.VoiceAgent.URL != "" {
		agentOpts = append(agentOpts, voiceagentdg.WithURL(cfg.VoiceAgent.URL))
	}
	agentDialer, err := voiceagentdg.New(cfg.VoiceAgent.APIKey, agentOpts...)
	if err != nil {
		slog.Error("failed to build voice agent dialer", "err", err)
		return 1
	}

	var transcribeOpts []transcribedg.Option
	if cfg.Transcription.URL != "" {
		transcribeOpts = append(transcribeOpts, transcribedg.WithURL(cfg.Transcription.URL))
	}
	transcribeDialer, err := transcribedg.New(cfg.Transcription.APIKey, transcribeOpts...)
	if err != nil {
		slog.Error("failed to build transcription dialer", "err", err)
		return 1
	}

	// ── Transcript store (optional) ───────────────────────────────────────────
	var store transcript.Store
	var pgStore *transcriptpg.Store
	if cfg.Transcripts.PostgresDSN != "" {
		pgStore, err = transcriptpg.New(ctx, cfg.Transcripts.PostgresDSN)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return 1
		}
		store = pgStore
		slog.Info("transcript persistence enabled")
	}

	// ── Function handlers (optional MCP source) ───────────────────────────────
	var fnSource functions.Source
	if cfg.Functions.MCPURL != "" {
		mcpSource, err := functions.NewMCPSource(ctx, cfg.Functions.MCPURL, cfg.Functions.MCPToken)
		if err != nil {
			slog.Error("failed to connect MCP function source", "err", err)
			return 1
		}
		fnSource = mcpSource
		slog.Info("mcp function source connected",
			"url", cfg.Functions.MCPURL, "tools", mcpSource.Names())
	}

	// ── Hub + supervisor ──────────────────────────────────────────────────────
	h := hub.New(hub.Config{
		ReconnectGrace: cfg.Session.ReconnectGrace(),
		Logger:         logger,
		Metrics:        metrics,
	})

	sup := supervisor.New(supervisor.Config{
		Hub:              h,
		AgentDialer:      agentDialer,
		TranscribeDialer: transcribeDialer,
		AgentSettings: voiceagent.Settings{
			Language:   "en",
			SampleRate: cfg.Session.SampleRate,
			Encoding:   cfg.Session.AudioEncoding,
			STTModel:   cfg.VoiceAgent.STTModel,
			Keyterms:   cfg.VoiceAgent.Keyterms,
			LLMModel:   cfg.VoiceAgent.LLMModel,
			Prompt:     cfg.VoiceAgent.Prompt,
			TTSModel:   cfg.VoiceAgent.TTSModel,
			Greeting:   cfg.VoiceAgent.Greeting,
		},
		StreamConfig: transcribe.StreamConfig{
			Model:      cfg.Transcription.Model,
			Language:   "en",
			Encoding:   cfg.Session.AudioEncoding,
			SampleRate: cfg.Session.SampleRate,
		},
		Functions:           fnSource,
		Store:               store,
		KeepAliveInterval:   cfg.Session.KeepAliveInterval(),
		FunctionCallTimeout: cfg.Session.FunctionCallTimeout(),
		MaxBufferedBytes:    cfg.Session.OutboundBufferMaxBytes,
		Logger:              logger,
		Metrics:             metrics,
	})
	h.SetListener(sup)

	// ── HTTP surface ──────────────────────────────────────────────────────────
	checkers := []health.Checker{}
	if pgStore != nil {
		checkers = append(checkers, health.Checker{
			Name:  "transcript_store",
			Check: pgStore.Ping,
		})
	}
	healthHandler := health.New(checkers...)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(h, ws.WithLogger(logger)))
	mux.Handle("GET /metrics", promhttp.Handler())
	healthHandler.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown, newest dependency first ────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	sup.Close()
	h.Close()
	if fnSource != nil {
		if err := fnSource.Close(); err != nil {
			slog.Warn("mcp source close error", "err", err)
		}
	}
	if pgStore != nil {
		pgStore.Close()
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
