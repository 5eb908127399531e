package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/alloy/internal/config"
	"github.com/ent0n29/alloy/internal/voice"
)

type voiceSetup struct {
	sttProvider      voice.STTProvider
	ttsProvider      voice.TTSProvider
	resolvedProvider string
	defaultVoiceID   string
	defaultModelID   string
	detail           string
}

func resolveVoiceProviders(cfg config.Config, onFailover func(active string)) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	elevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			STTModelID:   cfg.ElevenLabsSTTModel,
			TTSModelID:   cfg.ElevenLabsTTSModel,
			OutputFormat: cfg.ElevenLabsTTSOutputFormat,
		})
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "elevenlabs",
			defaultVoiceID:   cfg.ElevenLabsTTSVoice,
			defaultModelID:   cfg.ElevenLabsTTSModel,
			detail:           "elevenlabs realtime",
		}, true
	}

	openAI := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewOpenAIProvider(voice.OpenAIConfig{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			TTSModel: cfg.OpenAITTSModel,
			Voice:    cfg.OpenAITTSVoice,
			STTModel: cfg.OpenAISTTModel,
			STTLang:  cfg.OpenAISTTLang,
		})
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "openai",
			defaultVoiceID:   cfg.OpenAITTSVoice,
			defaultModelID:   cfg.OpenAITTSModel,
			detail:           "openai speech + transcription",
		}, true
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch voiceMode {
	case "elevenlabs":
		if setup, ok := elevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "openai":
		if setup, ok := openAI(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=openai but OPENAI_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		eleven, hasEleven := elevenLabs()
		oa, hasOpenAI := openAI()
		switch {
		case hasEleven && hasOpenAI:
			f := voice.NewFailover(
				voice.Backend{Name: "elevenlabs", STT: eleven.sttProvider, TTS: eleven.ttsProvider, VoiceID: eleven.defaultVoiceID, ModelID: eleven.defaultModelID},
				voice.Backend{Name: "openai", STT: oa.sttProvider, TTS: oa.ttsProvider, VoiceID: oa.defaultVoiceID, ModelID: oa.defaultModelID},
				onFailover,
			)
			eleven.sttProvider = f
			eleven.ttsProvider = f
			eleven.detail = "elevenlabs realtime (automatic openai fallback)"
			return eleven, nil
		case hasEleven:
			return eleven, nil
		case hasOpenAI:
			return oa, nil
		default:
			return mock("mock (no elevenlabs or openai key)"), nil
		}
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|openai|elevenlabs|mock)", cfg.VoiceProvider)
	}
}

func resolveLLMProvider(cfg config.Config) string {
	mode := strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	switch {
	case mode != "" && mode != "auto":
		return mode
	case cfg.OpenAIAPIKey != "" && cfg.LLMHTTPURL != "":
		return "openai+http"
	case cfg.OpenAIAPIKey != "":
		return "openai"
	case cfg.LLMHTTPURL != "":
		return "http"
	default:
		return "mock"
	}
}
