package voice

import (
	"context"
	"errors"
)

var ErrStreamClosed = errors.New("voice stream closed")

type STTEventType string

const (
	STTEventPartial   STTEventType = "partial"
	STTEventCommitted STTEventType = "committed"
	STTEventError     STTEventType = "error"
)

// STTEvent is one transcription update. Committed events end an utterance.
type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	Source     string
	Code       string
	Detail     string
	Retryable  bool
	Timestamp  int64
}

type STTSession interface {
	SendAudioChunk(ctx context.Context, audioBase64 string, sampleRate int, commit bool) error
	Close() error
}

type STTProvider interface {
	StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

// Audio formats reported on TTS events.
const (
	FormatPCM24k  = "pcm_24000"
	FormatMP3     = "mp3_44100_128"
	FormatMockRaw = "mock_text_bytes"
)

type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	Format      string
	Code        string
	Detail      string
	Retryable   bool
}

type TTSSettings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

// Normalized fills defaults and clamps values to provider ranges.
func (s TTSSettings) Normalized() TTSSettings {
	if s.Stability <= 0 {
		s.Stability = 0.42
	}
	if s.SimilarityBoost <= 0 {
		s.SimilarityBoost = 0.85
	}
	if s.Speed <= 0 {
		s.Speed = 1.0
	}
	s.Stability = clampFloat(s.Stability, 0, 1)
	s.SimilarityBoost = clampFloat(s.SimilarityBoost, 0, 1)
	s.Speed = clampFloat(s.Speed, 0.7, 1.2)
	return s
}

// TTSStream accepts text incrementally and emits audio until CloseInput is
// followed by a final event, or the stream is closed.
type TTSStream interface {
	SendText(ctx context.Context, text string, tryTrigger bool) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error)
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
