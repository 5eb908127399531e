package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/ent0n29/alloy/internal/audio"
	"github.com/ent0n29/alloy/internal/reliability"
)

const (
	DefaultOpenAITTSModel = "tts-1"
	DefaultOpenAIVoice    = "alloy"
	DefaultOpenAISTTModel = "whisper-1"

	openAITTSSampleRate = 24000
	maxUtteranceAudio   = 30 * time.Second
)

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	TTSModel   string
	Voice      string
	STTModel   string
	STTLang    string
	SampleRate int
}

// OpenAIProvider synthesizes with the speech endpoint and transcribes
// committed utterances with the transcription endpoint.
type OpenAIProvider struct {
	client openai.Client
	cfg    OpenAIConfig
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if strings.TrimSpace(cfg.TTSModel) == "" {
		cfg.TTSModel = DefaultOpenAITTSModel
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = DefaultOpenAIVoice
	}
	if strings.TrimSpace(cfg.STTModel) == "" {
		cfg.STTModel = DefaultOpenAISTTModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), cfg: cfg}
}

func (p *OpenAIProvider) StartStream(_ context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		voiceID = p.cfg.Voice
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = p.cfg.TTSModel
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &openAITTSStream{
		client: p.client,
		voice:  voiceID,
		model:  modelID,
		speed:  settings.Normalized().Speed,
		ctx:    ctx,
		cancel: cancel,
		texts:  make(chan string, 64),
		events: make(chan TTSEvent, 256),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (p *OpenAIProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &openAISTTSession{
		client:     p.client,
		model:      p.cfg.STTModel,
		lang:       p.cfg.STTLang,
		sampleRate: p.cfg.SampleRate,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(chan sttJob, 8),
		events:     make(chan STTEvent, 64),
		done:       make(chan struct{}),
	}
	go s.run()
	return s, s.events, nil
}

// openAITTSStream synthesizes each submitted segment in order on one worker.
type openAITTSStream struct {
	client openai.Client
	voice  string
	model  string
	speed  float64

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	inputClosed bool
	closeOnce   sync.Once

	texts  chan string
	events chan TTSEvent
	done   chan struct{}
}

func (s *openAITTSStream) SendText(ctx context.Context, text string, _ bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputClosed {
		return ErrStreamClosed
	}
	select {
	case s.texts <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStreamClosed
	}
}

func (s *openAITTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inputClosed {
		s.inputClosed = true
		close(s.texts)
	}
	return nil
}

func (s *openAITTSStream) Events() <-chan TTSEvent { return s.events }

func (s *openAITTSStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *openAITTSStream) run() {
	defer close(s.done)
	defer close(s.events)
	for {
		select {
		case <-s.ctx.Done():
			return
		case text, ok := <-s.texts:
			if !ok {
				s.emit(TTSEvent{Type: TTSEventFinal})
				return
			}
			if err := s.speak(text); err != nil {
				if s.ctx.Err() == nil {
					s.emit(TTSEvent{
						Type:      TTSEventError,
						Code:      reliability.ErrorCode(err, "tts_request_failed"),
						Detail:    err.Error(),
						Retryable: reliability.IsRetryable(err),
					})
				}
				return
			}
		}
	}
}

func (s *openAITTSStream) speak(text string) error {
	res, err := s.client.Audio.Speech.New(s.ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
		Speed:          param.NewOpt(s.speed),
	})
	if err != nil {
		return fmt.Errorf("openai speech: %w", err)
	}
	defer res.Body.Close()

	// 100ms of 24kHz mono PCM16 per chunk.
	buf := make([]byte, audio.PCM16Bytes(100*time.Millisecond, openAITTSSampleRate))
	for {
		n, err := io.ReadFull(res.Body, buf)
		if n > 0 {
			if !s.emit(TTSEvent{Type: TTSEventAudio, AudioBase64: base64.StdEncoding.EncodeToString(buf[:n]), Format: FormatPCM24k}) {
				return s.ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read speech audio: %w", err)
		}
	}
}

func (s *openAITTSStream) emit(evt TTSEvent) bool {
	select {
	case s.events <- evt:
		return true
	case <-s.ctx.Done():
		return false
	}
}

type sttJob struct {
	pcm        []byte
	sampleRate int
}

// openAISTTSession buffers PCM16 audio and transcribes it on commit, or
// once the buffer holds a full utterance worth of audio.
type openAISTTSession struct {
	client     openai.Client
	model      string
	lang       string
	sampleRate int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []byte
	closed    bool
	closeOnce sync.Once

	jobs   chan sttJob
	events chan STTEvent
	done   chan struct{}
}

func (s *openAISTTSession) SendAudioChunk(ctx context.Context, audioBase64 string, sampleRate int, commit bool) error {
	if sampleRate <= 0 {
		sampleRate = s.sampleRate
	}
	var chunk []byte
	if audioBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(audioBase64)
		if err != nil {
			return fmt.Errorf("decode audio chunk: %w", err)
		}
		chunk = decoded
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.pending = append(s.pending, chunk...)
	if !commit && len(s.pending) < audio.PCM16Bytes(maxUtteranceAudio, sampleRate) {
		return nil
	}
	if len(s.pending) == 0 {
		return nil
	}
	if len(s.pending)%2 != 0 {
		s.pending = s.pending[:len(s.pending)-1]
	}
	job := sttJob{pcm: s.pending, sampleRate: sampleRate}
	s.pending = nil

	select {
	case s.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStreamClosed
	}
}

func (s *openAISTTSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *openAISTTSession) run() {
	defer close(s.done)
	defer close(s.events)
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			evt := s.transcribe(job)
			select {
			case s.events <- evt:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *openAISTTSession) transcribe(job sttJob) STTEvent {
	now := time.Now().UnixMilli()
	wav, err := audio.EncodeWAVPCM16LE(job.pcm, job.sampleRate)
	if err != nil {
		return STTEvent{Type: STTEventError, Code: "stt_encode_failed", Detail: err.Error(), Timestamp: now}
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: openai.AudioModel(s.model),
	}
	if s.lang != "" {
		params.Language = param.NewOpt(s.lang)
	}
	res, err := s.client.Audio.Transcriptions.New(s.ctx, params)
	if err != nil {
		return STTEvent{
			Type:      STTEventError,
			Code:      reliability.ErrorCode(err, "stt_request_failed"),
			Detail:    err.Error(),
			Retryable: reliability.IsRetryable(err),
			Timestamp: time.Now().UnixMilli(),
		}
	}
	return STTEvent{
		Type:       STTEventCommitted,
		Text:       strings.TrimSpace(res.Text),
		Confidence: 1,
		Source:     "openai_transcription",
		Timestamp:  time.Now().UnixMilli(),
	}
}
