package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const DefaultSystemPrompt = "Your name is Alloy. You are a funny, witty bot. Your interface with users will be voice and vision." +
	" Respond with short and concise answers. Avoid using unpronouncable punctuation or emojis."

const DefaultGreeting = "Hi there! How can I help?"

// Config contains all runtime settings for the agent server.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	FirstAudioSLO            time.Duration
	MetricsNamespace         string
	LogLevel                 slog.Level

	AllowAnyOrigin bool

	AssistantName string
	SystemPrompt  string
	Greeting      string

	LLMProvider      string
	LLMHTTPURL       string
	LLMHTTPStrict    bool
	LLMMaxRetries    int
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAITTSModel   string
	OpenAITTSVoice   string
	OpenAISTTModel   string
	OpenAISTTLang    string
	OutboundMode     string
	TTSFinalizeAfter time.Duration

	VoiceProvider string

	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsSTTModel        string
	ElevenLabsTTSOutputFormat string

	DatabaseURL        string
	MemoryContextLimit int

	VideoScanInterval  time.Duration
	VideoFrameMaxBytes int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "alloy"),
		AssistantName:    envOrDefault("ASSISTANT_NAME", "Alloy"),
		SystemPrompt:     envOrDefault("ASSISTANT_SYSTEM_PROMPT", DefaultSystemPrompt),
		Greeting:         envOrDefault("ASSISTANT_GREETING", DefaultGreeting),
		LLMProvider:      strings.ToLower(envOrDefault("LLM_PROVIDER", "auto")),
		LLMHTTPURL:       trimmedEnv("LLM_HTTP_URL"),
		OpenAIAPIKey:     trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:    trimmedEnv("OPENAI_BASE_URL"),
		OpenAIModel:      envOrDefault("OPENAI_MODEL", "gpt-4o"),
		OpenAITTSModel:   envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITTSVoice:   envOrDefault("OPENAI_TTS_VOICE", "alloy"),
		OpenAISTTModel:   envOrDefault("OPENAI_STT_MODEL", "whisper-1"),
		OpenAISTTLang:    trimmedEnv("OPENAI_STT_LANGUAGE"),
		OutboundMode:     strings.ToLower(envOrDefault("APP_OUTBOUND_MODE", "drop")),
		VoiceProvider:    strings.ToLower(envOrDefault("VOICE_PROVIDER", "auto")),

		ElevenLabsAPIKey:    trimmedEnv("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:  envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsTTSModel:  envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsSTTModel:  envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),
		// MP3 keeps browser playback simple; PCM is available for native clients.
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),

		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		MemoryContextLimit:       10,
		LLMMaxRetries:            1,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		FirstAudioSLO:            1600 * time.Millisecond,
		TTSFinalizeAfter:         10 * time.Second,
		VideoScanInterval:        250 * time.Millisecond,
		VideoFrameMaxBytes:       4 << 20,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO); err != nil {
		return Config{}, err
	}
	if cfg.TTSFinalizeAfter, err = durationFromEnv("TTS_FINALIZE_TIMEOUT", cfg.TTSFinalizeAfter); err != nil {
		return Config{}, err
	}
	if cfg.VideoScanInterval, err = durationFromEnv("VIDEO_SCAN_INTERVAL", cfg.VideoScanInterval); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.LLMHTTPStrict, err = boolFromEnv("LLM_HTTP_STREAM_STRICT", cfg.LLMHTTPStrict); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxRetries, err = intFromEnv("LLM_MAX_RETRIES", cfg.LLMMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.MemoryContextLimit, err = intFromEnv("MEMORY_CONTEXT_LIMIT", cfg.MemoryContextLimit); err != nil {
		return Config{}, err
	}
	if cfg.VideoFrameMaxBytes, err = intFromEnv("VIDEO_FRAME_MAX_BYTES", cfg.VideoFrameMaxBytes); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = levelFromEnv("APP_LOG_LEVEL", slog.LevelInfo); err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.VideoScanInterval < 10*time.Millisecond {
		return Config{}, fmt.Errorf("VIDEO_SCAN_INTERVAL must be at least 10ms")
	}
	if cfg.VideoFrameMaxBytes <= 0 {
		return Config{}, fmt.Errorf("VIDEO_FRAME_MAX_BYTES must be positive")
	}
	if cfg.MemoryContextLimit < 0 {
		return Config{}, fmt.Errorf("MEMORY_CONTEXT_LIMIT must be >= 0")
	}
	if cfg.LLMMaxRetries < 0 || cfg.LLMMaxRetries > 3 {
		return Config{}, fmt.Errorf("LLM_MAX_RETRIES must be between 0 and 3")
	}
	switch cfg.OutboundMode {
	case "drop", "block":
	default:
		return Config{}, fmt.Errorf("invalid APP_OUTBOUND_MODE: %q (expected drop|block)", cfg.OutboundMode)
	}

	// Explicit providers need their credentials up front.
	if cfg.LLMProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("LLM_PROVIDER=openai requires OPENAI_API_KEY")
	}
	if cfg.LLMProvider == "http" && cfg.LLMHTTPURL == "" {
		return Config{}, fmt.Errorf("LLM_PROVIDER=http requires LLM_HTTP_URL")
	}
	if cfg.VoiceProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("VOICE_PROVIDER=openai requires OPENAI_API_KEY")
	}
	if cfg.VoiceProvider == "elevenlabs" && cfg.ElevenLabsAPIKey == "" {
		return Config{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs requires ELEVENLABS_API_KEY")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return fallback, fmt.Errorf("%s parse error: %w", key, err)
	}
	return level, nil
}
