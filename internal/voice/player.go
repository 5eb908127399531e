package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultFinalizeTimeout = 10 * time.Second

var ErrFinalizeTimeout = errors.New("tts finalization timeout")

// TextSource produces reply text, calling onDelta for every fragment.
type TextSource func(ctx context.Context, onDelta func(delta string) error) error

// StaticText is a source that yields a fixed utterance.
func StaticText(text string) TextSource {
	return func(_ context.Context, onDelta func(string) error) error {
		return onDelta(text)
	}
}

// Sink receives reply output for the session client.
type Sink interface {
	TextDelta(turnID, delta string)
	AudioChunk(turnID string, seq int, format, audioBase64 string)
	Milestone(turnID, code string)
}

// StageObserver records reply latency stages.
type StageObserver interface {
	ObserveTurnStage(stage string, d time.Duration)
	ObserveTurnIndicator(indicator string)
}

type PlayOptions struct {
	TurnID   string
	VoiceID  string
	ModelID  string
	Settings TTSSettings
	// StartedAt anchors latency stages; zero means when Play is called.
	StartedAt time.Time
}

type PlayResult struct {
	Text        string
	Interrupted bool
	AudioChunks int
}

// TTSError is an error event reported by the synthesis stream.
type TTSError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *TTSError) Error() string {
	if e.Detail == "" {
		return "tts error: " + e.Code
	}
	return fmt.Sprintf("tts error %s: %s", e.Code, e.Detail)
}

type PlayerConfig struct {
	FinalizeTimeout time.Duration
	Observer        StageObserver
	Logger          *slog.Logger
}

// ReplyPlayer speaks streamed text as it arrives. Cancelling the context
// passed to Play interrupts it: audio forwarding stops at once and unspoken
// text is dropped, but the text generated so far is still reported.
type ReplyPlayer struct {
	tts             TTSProvider
	finalizeTimeout time.Duration
	observer        StageObserver
	logger          *slog.Logger
}

func NewReplyPlayer(tts TTSProvider, cfg PlayerConfig) *ReplyPlayer {
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ReplyPlayer{
		tts:             tts,
		finalizeTimeout: cfg.FinalizeTimeout,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
	}
}

func (p *ReplyPlayer) Play(ctx context.Context, source TextSource, sink Sink, opts PlayOptions) (PlayResult, error) {
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	playCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	turn := &playback{
		player: p,
		ctx:    playCtx,
		cancel: cancel,
		sink:   sink,
		opts:   opts,
		seg:    newSentenceSegmenter(),
	}
	defer turn.closeStream()

	srcErr := source(playCtx, turn.onDelta)
	if err := turn.failure(); err != nil {
		return turn.result(false), err
	}
	if ctx.Err() != nil {
		return turn.result(true), nil
	}
	if srcErr != nil {
		return turn.result(false), srcErr
	}

	for _, segment := range turn.seg.Finalize() {
		if err := turn.speak(segment); err != nil {
			return turn.settle(err)
		}
	}
	if err := turn.finish(); err != nil {
		return turn.settle(err)
	}
	return turn.result(false), nil
}

// playback is the state of one Play call.
type playback struct {
	player *ReplyPlayer
	ctx    context.Context
	cancel context.CancelCauseFunc
	sink   Sink
	opts   PlayOptions
	seg    *sentenceSegmenter

	text      strings.Builder
	firstText bool

	stream    TTSStream
	forwarded chan struct{}

	mu         sync.Mutex
	audioCount int
}

func (t *playback) onDelta(delta string) error {
	if delta == "" {
		return nil
	}
	if err := t.ctx.Err(); err != nil {
		return err
	}
	t.text.WriteString(delta)
	if !t.firstText && strings.TrimSpace(delta) != "" {
		t.firstText = true
		t.player.observer.ObserveTurnStage("trigger_to_first_text", time.Since(t.opts.StartedAt))
		t.player.observer.ObserveTurnIndicator("assistant_first_text")
		t.sink.Milestone(t.opts.TurnID, "assistant_first_text")
	}
	t.sink.TextDelta(t.opts.TurnID, delta)
	for _, segment := range t.seg.Push(delta) {
		if err := t.speak(segment); err != nil {
			return err
		}
	}
	return nil
}

func (t *playback) speak(segment string) error {
	text := speakable(segment)
	if text == "" {
		return nil
	}
	if t.stream == nil {
		if err := t.openStream(); err != nil {
			return err
		}
	}
	return t.stream.SendText(t.ctx, text, true)
}

func (t *playback) openStream() error {
	stream, err := t.player.tts.StartStream(t.ctx, t.opts.VoiceID, t.opts.ModelID, t.opts.Settings)
	if err != nil {
		return fmt.Errorf("start tts stream: %w", err)
	}
	t.player.observer.ObserveTurnStage("trigger_to_tts_ready", time.Since(t.opts.StartedAt))
	t.stream = stream
	t.forwarded = make(chan struct{})
	go t.forward(stream)
	return nil
}

func (t *playback) forward(stream TTSStream) {
	defer close(t.forwarded)
	for {
		select {
		case <-t.ctx.Done():
			return
		case evt, ok := <-stream.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case TTSEventAudio:
				t.mu.Lock()
				t.audioCount++
				seq := t.audioCount
				t.mu.Unlock()
				if seq == 1 {
					t.player.observer.ObserveTurnStage("trigger_to_first_audio", time.Since(t.opts.StartedAt))
					t.player.observer.ObserveTurnIndicator("assistant_first_audio")
					t.sink.Milestone(t.opts.TurnID, "assistant_first_audio")
				}
				t.sink.AudioChunk(t.opts.TurnID, seq, evt.Format, evt.AudioBase64)
			case TTSEventError:
				t.cancel(&TTSError{Code: evt.Code, Detail: evt.Detail, Retryable: evt.Retryable})
				return
			case TTSEventFinal:
				return
			}
		}
	}
}

// finish closes TTS input and waits for the remaining audio.
func (t *playback) finish() error {
	if t.stream == nil {
		return nil
	}
	if err := t.stream.CloseInput(t.ctx); err != nil {
		return fmt.Errorf("close tts input: %w", err)
	}
	timer := time.NewTimer(t.player.finalizeTimeout)
	defer timer.Stop()
	select {
	case <-t.forwarded:
	case <-t.ctx.Done():
	case <-timer.C:
		return ErrFinalizeTimeout
	}
	return t.ctx.Err()
}

// settle maps an error raised mid-playback to an interruption, the
// stream's own failure, or itself.
func (t *playback) settle(err error) (PlayResult, error) {
	if ttsErr := t.failure(); ttsErr != nil {
		return t.result(false), ttsErr
	}
	if t.ctx.Err() != nil {
		return t.result(true), nil
	}
	return t.result(false), err
}

func (t *playback) failure() error {
	var ttsErr *TTSError
	if errors.As(context.Cause(t.ctx), &ttsErr) {
		return ttsErr
	}
	return nil
}

func (t *playback) closeStream() {
	if t.stream == nil {
		return
	}
	_ = t.stream.Close()
	<-t.forwarded
}

func (t *playback) result(interrupted bool) PlayResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return PlayResult{
		Text:        t.text.String(),
		Interrupted: interrupted,
		AudioChunks: t.audioCount,
	}
}

type nopObserver struct{}

func (nopObserver) ObserveTurnStage(string, time.Duration) {}
func (nopObserver) ObserveTurnIndicator(string)            {}
