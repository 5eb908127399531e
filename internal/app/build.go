package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/alloy/internal/agent"
	"github.com/ent0n29/alloy/internal/config"
	"github.com/ent0n29/alloy/internal/httpapi"
	"github.com/ent0n29/alloy/internal/llm"
	"github.com/ent0n29/alloy/internal/memory"
	"github.com/ent0n29/alloy/internal/observability"
	"github.com/ent0n29/alloy/internal/session"
	"github.com/ent0n29/alloy/internal/voice"
)

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
	DefaultModelID string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Engine   *agent.Engine
	Metrics  *observability.Metrics
	Voice    VoiceInfo
	LLM      string
	Store    string

	// Cleanup flushes pending archive writes and closes the store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, storeMode, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	archive := memory.NewArchive(store, logger.With("component", "archive"), func(op string) {
		metrics.ObserveProviderError("archive", op+"_failed")
	})

	adapter, err := llm.NewAdapter(llm.Config{
		Mode:             cfg.LLMProvider,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		Model:            cfg.OpenAIModel,
		HTTPURL:          cfg.LLMHTTPURL,
		HTTPStreamStrict: cfg.LLMHTTPStrict,
	})
	if err != nil {
		_ = archive.Close()
		return nil, fmt.Errorf("llm adapter init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(cfg, func(active string) {
		metrics.ObserveSessionEvent("voice_failover_" + active)
		logger.Warn("voice backend switched", "active", active)
	})
	if err != nil {
		_ = archive.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	engine := agent.NewEngine(agent.EngineConfig{
		SystemPrompt:    cfg.SystemPrompt,
		Greeting:        cfg.Greeting,
		VoiceID:         voiceSetup.defaultVoiceID,
		TTSModelID:      voiceSetup.defaultModelID,
		TTSSettings:     voice.TTSSettings{}.Normalized(),
		ContextLimit:    cfg.MemoryContextLimit,
		ScanInterval:    cfg.VideoScanInterval,
		MaxFrameBytes:   cfg.VideoFrameMaxBytes,
		OutboundMode:    cfg.OutboundMode,
		MaxRetries:      cfg.LLMMaxRetries,
		FinalizeTimeout: cfg.TTSFinalizeAfter,
	}, agent.Dependencies{
		Adapter:  adapter,
		STT:      voiceSetup.sttProvider,
		TTS:      voiceSetup.ttsProvider,
		Registry: llm.DefaultRegistry(),
		Sessions: sessions,
		Archive:  archive,
		Metrics:  metrics,
		Logger:   logger,
	})

	llmProvider := resolveLLMProvider(cfg)
	api := httpapi.New(cfg, httpapi.Status{
		LLMProvider:   llmProvider,
		VoiceProvider: voiceSetup.resolvedProvider,
		StoreMode:     storeMode,
	}, sessions, engine, metrics, logger.With("component", "http"))

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   engine,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider:       voiceSetup.resolvedProvider,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
			DefaultModelID: voiceSetup.defaultModelID,
		},
		LLM:     llmProvider,
		Store:   storeMode,
		Cleanup: archive.Close,
	}, nil
}
