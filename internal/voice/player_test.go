package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu         sync.Mutex
	text       strings.Builder
	audio      []string
	milestones []string
}

func (s *recordingSink) TextDelta(_ string, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(delta)
}

func (s *recordingSink) AudioChunk(_ string, _ int, _ string, audioBase64 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := base64.StdEncoding.DecodeString(audioBase64)
	s.audio = append(s.audio, string(raw))
}

func (s *recordingSink) Milestone(_ string, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.milestones = append(s.milestones, code)
}

func (s *recordingSink) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.audio...)
}

func deltas(parts ...string) TextSource {
	return func(ctx context.Context, onDelta func(string) error) error {
		for _, p := range parts {
			if err := onDelta(p); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestReplyPlayerStreamsSentencesToTTS(t *testing.T) {
	p := NewReplyPlayer(NewMockProvider(), PlayerConfig{})
	sink := &recordingSink{}

	res, err := p.Play(context.Background(), deltas("Hello there, friend. ", "How are **you** today?"), sink, PlayOptions{TurnID: "t1"})
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if res.Interrupted {
		t.Fatalf("Interrupted = true, want false")
	}
	if res.Text != "Hello there, friend. How are **you** today?" {
		t.Fatalf("Text = %q", res.Text)
	}
	if sink.text.String() != res.Text {
		t.Fatalf("sink text = %q, want %q", sink.text.String(), res.Text)
	}
	got := sink.spoken()
	if len(got) != 2 || got[0] != "Hello there, friend." || got[1] != "How are you today?" {
		t.Fatalf("spoken = %q", got)
	}
	if res.AudioChunks != 2 {
		t.Fatalf("AudioChunks = %d, want 2", res.AudioChunks)
	}
	if len(sink.milestones) != 2 || sink.milestones[0] != "assistant_first_text" || sink.milestones[1] != "assistant_first_audio" {
		t.Fatalf("milestones = %q", sink.milestones)
	}
}

func TestReplyPlayerEmptyReplyOpensNoStream(t *testing.T) {
	tts := &countingTTS{TTSProvider: NewMockProvider()}
	p := NewReplyPlayer(tts, PlayerConfig{})
	res, err := p.Play(context.Background(), deltas(), &recordingSink{}, PlayOptions{})
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if res.Text != "" || tts.starts != 0 {
		t.Fatalf("Text = %q, starts = %d; want empty and no stream", res.Text, tts.starts)
	}
}

func TestReplyPlayerInterruptKeepsPartialText(t *testing.T) {
	p := NewReplyPlayer(NewMockProvider(), PlayerConfig{})
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	source := func(ctx context.Context, onDelta func(string) error) error {
		if err := onDelta("The first part is done. "); err != nil {
			return err
		}
		if err := onDelta("And then"); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	go func() {
		<-started
		cancel()
	}()
	res, err := p.Play(ctx, source, sink, PlayOptions{})
	if err != nil {
		t.Fatalf("Play() error = %v, want nil on interruption", err)
	}
	if !res.Interrupted {
		t.Fatalf("Interrupted = false, want true")
	}
	if res.Text != "The first part is done. And then" {
		t.Fatalf("Text = %q", res.Text)
	}
	for _, s := range sink.spoken() {
		if strings.Contains(s, "And then") {
			t.Fatalf("unspoken tail was synthesized: %q", s)
		}
	}
}

func TestReplyPlayerSourceErrorPropagates(t *testing.T) {
	p := NewReplyPlayer(NewMockProvider(), PlayerConfig{})
	boom := errors.New("model unavailable")
	source := func(ctx context.Context, onDelta func(string) error) error {
		_ = onDelta("Partial")
		return boom
	}
	res, err := p.Play(context.Background(), source, &recordingSink{}, PlayOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("Play() error = %v, want %v", err, boom)
	}
	if res.Interrupted {
		t.Fatalf("Interrupted = true on upstream failure")
	}
}

func TestReplyPlayerTTSErrorPropagates(t *testing.T) {
	p := NewReplyPlayer(failingTTS{}, PlayerConfig{})
	source := func(ctx context.Context, onDelta func(string) error) error {
		if err := onDelta("This sentence fails. "); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
	_, err := p.Play(context.Background(), source, &recordingSink{}, PlayOptions{})
	var ttsErr *TTSError
	if !errors.As(err, &ttsErr) || ttsErr.Code != "quota_exceeded" {
		t.Fatalf("Play() error = %v, want TTSError quota_exceeded", err)
	}
}

func TestReplyPlayerFinalizeTimeout(t *testing.T) {
	p := NewReplyPlayer(silentTTS{}, PlayerConfig{FinalizeTimeout: 20 * time.Millisecond})
	_, err := p.Play(context.Background(), StaticText("Hello out there."), &recordingSink{}, PlayOptions{})
	if !errors.Is(err, ErrFinalizeTimeout) {
		t.Fatalf("Play() error = %v, want %v", err, ErrFinalizeTimeout)
	}
}

type countingTTS struct {
	TTSProvider
	starts int
}

func (c *countingTTS) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	c.starts++
	return c.TTSProvider.StartStream(ctx, voiceID, modelID, settings)
}

// failingTTS reports an error event for the first segment.
type failingTTS struct{}

func (failingTTS) StartStream(context.Context, string, string, TTSSettings) (TTSStream, error) {
	return &scriptedStream{events: make(chan TTSEvent, 4), onText: TTSEvent{Type: TTSEventError, Code: "quota_exceeded"}}, nil
}

// silentTTS accepts text but never produces audio or a final event.
type silentTTS struct{}

func (silentTTS) StartStream(context.Context, string, string, TTSSettings) (TTSStream, error) {
	return &scriptedStream{events: make(chan TTSEvent, 4)}, nil
}

type scriptedStream struct {
	once   sync.Once
	events chan TTSEvent
	onText TTSEvent
}

func (s *scriptedStream) SendText(context.Context, string, bool) error {
	if s.onText.Type != "" {
		s.events <- s.onText
	}
	return nil
}

func (s *scriptedStream) CloseInput(context.Context) error { return nil }
func (s *scriptedStream) Events() <-chan TTSEvent         { return s.events }
func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}
