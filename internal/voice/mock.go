package voice

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// MockProvider is a local provider used when no speech vendor is configured.
// Its STT treats printable UTF-8 audio payloads as the spoken words, and its
// TTS echoes text bytes back as audio.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	return &mockSTTSession{events: events}, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ string, _ TTSSettings) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, 128)}, nil
}

type mockSTTSession struct {
	mu      sync.Mutex
	events  chan STTEvent
	closed  bool
	heard   []string
	nonText bool
}

func (s *mockSTTSession) SendAudioChunk(ctx context.Context, audioBase64 string, _ int, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if audioBase64 != "" {
		if words, ok := mockSpokenText(audioBase64); ok {
			s.heard = append(s.heard, words)
		} else {
			s.nonText = true
		}
		s.emit(ctx, STTEvent{Type: STTEventPartial, Text: strings.Join(s.heard, " "), Confidence: 0.5, Timestamp: time.Now().UnixMilli()})
	}
	if !commit {
		return nil
	}

	text := strings.Join(s.heard, " ")
	if text == "" && s.nonText {
		text = "simulated voice input"
	}
	s.heard = nil
	s.nonText = false
	s.emit(ctx, STTEvent{Type: STTEventCommitted, Text: text, Confidence: 0.7, Source: "mock_commit", Timestamp: time.Now().UnixMilli()})
	return nil
}

func (s *mockSTTSession) emit(ctx context.Context, evt STTEvent) {
	select {
	case s.events <- evt:
	case <-ctx.Done():
	}
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func mockSpokenText(audioBase64 string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil || !utf8.Valid(raw) {
		return "", false
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", false
	}
	for _, r := range text {
		if !unicode.IsPrint(r) {
			return "", false
		}
	}
	return text, true
}

type mockTTSStream struct {
	mu          sync.Mutex
	events      chan TTSEvent
	inputClosed bool
	closed      bool
}

func (s *mockTTSStream) SendText(ctx context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.inputClosed {
		return ErrStreamClosed
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	evt := TTSEvent{Type: TTSEventAudio, AudioBase64: base64.StdEncoding.EncodeToString([]byte(text)), Format: FormatMockRaw}
	select {
	case s.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mockTTSStream) CloseInput(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.inputClosed {
		return nil
	}
	s.inputClosed = true
	select {
	case s.events <- TTSEvent{Type: TTSEventFinal}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
