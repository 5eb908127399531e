package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/alloy/internal/conversation"
	"github.com/ent0n29/alloy/internal/llm"
	"github.com/ent0n29/alloy/internal/media"
	"github.com/ent0n29/alloy/internal/memory"
	"github.com/ent0n29/alloy/internal/observability"
	"github.com/ent0n29/alloy/internal/protocol"
	"github.com/ent0n29/alloy/internal/reliability"
	"github.com/ent0n29/alloy/internal/room"
	"github.com/ent0n29/alloy/internal/session"
	"github.com/ent0n29/alloy/internal/vision"
	"github.com/ent0n29/alloy/internal/voice"
)

var errHangup = errors.New("connection closed")

type EngineConfig struct {
	SystemPrompt    string
	Greeting        string
	VoiceID         string
	TTSModelID      string
	TTSSettings     voice.TTSSettings
	ContextLimit    int
	ScanInterval    time.Duration
	MaxFrameBytes   int
	OutboundMode    string
	MaxRetries      int
	FinalizeTimeout time.Duration
}

type Dependencies struct {
	Adapter  llm.Adapter
	STT      voice.STTProvider
	TTS      voice.TTSProvider
	Registry *llm.Registry
	Sessions *session.Manager
	Archive  *memory.Archive
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Engine runs multimodal sessions, one RunConnection per websocket.
type Engine struct {
	cfg  EngineConfig
	deps Dependencies

	mu   sync.RWMutex
	live map[string]*TurnOrchestrator
}

func NewEngine(cfg EngineConfig, deps Dependencies) *Engine {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = media.DefaultMaxFrameBytes
	}
	if cfg.OutboundMode == "" {
		cfg.OutboundMode = OutboundDrop
	}
	if deps.Registry == nil {
		deps.Registry = llm.DefaultRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{cfg: cfg, deps: deps, live: make(map[string]*TurnOrchestrator)}
}

// History returns the live conversation of a connected session.
func (e *Engine) History(sessionID string) ([]conversation.Turn, bool) {
	e.mu.RLock()
	orch, ok := e.live[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return orch.History(), true
}

func (e *Engine) register(sessionID string, orch *TurnOrchestrator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[sessionID] = orch
}

func (e *Engine) unregister(sessionID string, orch *TurnOrchestrator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.live[sessionID] == orch {
		delete(e.live, sessionID)
	}
}

// RunConnection drives one session until the inbound channel closes, the
// session ends or ctx is cancelled.
func (e *Engine) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	logger := e.deps.Logger.With("session_id", s.ID)
	out := &outbox{
		sessionID: s.ID,
		userID:    s.UserID,
		ch:        outbound,
		mode:      e.cfg.OutboundMode,
		metrics:   e.deps.Metrics,
		sessions:  e.deps.Sessions,
		logger:    logger,
	}
	if e.deps.Archive != nil {
		out.archive = archiveAdapter{e.deps.Archive}
	}

	if e.deps.STT == nil || e.deps.TTS == nil {
		err := errors.New("speech providers not configured")
		out.fail("voice_unavailable", "gateway", false, err)
		return err
	}
	sttSession, sttEvents, err := e.deps.STT.StartSession(ctx, s.ID)
	if err != nil {
		out.fail("stt_connect_failed", "stt", reliability.IsRetryable(err), err)
		return fmt.Errorf("start stt session: %w", err)
	}
	defer sttSession.Close()

	prompt := e.cfg.SystemPrompt
	if prelude := e.deps.Archive.Prelude(ctx, s.UserID, e.cfg.ContextLimit); prelude != "" {
		prompt = strings.TrimSpace(prompt + "\n\n" + prelude)
	}
	history := conversation.NewHistory(prompt)

	rm := room.New(s.ID)
	defer rm.Disconnect()
	identity := s.UserID
	if identity == "" {
		identity = "user"
	}
	participant, err := rm.Join(identity)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	cache := vision.NewFrameCache(func(*media.Frame) { e.deps.Metrics.ObserveFrameCached() })
	acquirer := e.newAcquirer(rm, cache, logger)

	player := voice.NewReplyPlayer(e.deps.TTS, voice.PlayerConfig{
		FinalizeTimeout: e.cfg.FinalizeTimeout,
		Observer:        e.deps.Metrics,
		Logger:          logger,
	})
	orch := NewTurnOrchestrator(OrchestratorConfig{
		SessionID: s.ID,
		Adapter:   e.deps.Adapter,
		Player:    player,
		Registry:  e.deps.Registry,
		Cache:     cache,
		History:   history,
		Sink:      out,
		Listener:  out,
		Playback: voice.PlayOptions{
			VoiceID:  firstNonEmpty(s.VoiceID, e.cfg.VoiceID),
			ModelID:  e.cfg.TTSModelID,
			Settings: e.cfg.TTSSettings,
		},
		MaxRetries: e.cfg.MaxRetries,
		Metrics:    e.deps.Metrics,
		Logger:     e.deps.Logger,
	})
	e.register(s.ID, orch)
	defer e.unregister(s.ID, orch)

	var sessionDone <-chan struct{}
	if e.deps.Sessions != nil {
		sessionDone, _ = e.deps.Sessions.Done(s.ID)
	}

	c := &connection{
		engine:      e,
		sessionID:   s.ID,
		out:         out,
		participant: participant,
		stt:         sttSession,
		orch:        orch,
		logger:      logger,
		sampleRate:  16000,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return acquirer.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return c.pumpTranscripts(gctx, sttEvents) })
	g.Go(func() error {
		err := c.pumpInbound(gctx, inbound, sessionDone)
		rm.Disconnect()
		orch.Close()
		return err
	})

	out.system("session_ready", "")
	if greeting := strings.TrimSpace(e.cfg.Greeting); greeting != "" {
		if _, err := orch.Say(greeting); err != nil {
			logger.Debug("greeting not scheduled", "err", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errHangup) {
		return err
	}
	return nil
}

func (e *Engine) newAcquirer(rm *room.Room, cache *vision.FrameCache, logger *slog.Logger) *vision.Acquirer {
	var mu sync.Mutex
	current := vision.StateSearching
	e.deps.Metrics.ObserveAcquirerTransition("", string(current))
	return vision.NewAcquirer(rm, cache, vision.AcquirerConfig{
		ScanInterval: e.cfg.ScanInterval,
		Logger:       logger,
		OnStateChange: func(next vision.State) {
			mu.Lock()
			prev := current
			current = next
			mu.Unlock()
			to := string(next)
			if next == vision.StateTerminated {
				to = ""
			}
			e.deps.Metrics.ObserveAcquirerTransition(string(prev), to)
		},
	})
}

type connection struct {
	engine      *Engine
	sessionID   string
	out         *outbox
	participant *room.Participant
	stt         voice.STTSession
	orch        *TurnOrchestrator
	logger      *slog.Logger

	muted      bool
	sampleRate int
}

func (c *connection) pumpInbound(ctx context.Context, inbound <-chan any, sessionDone <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sessionDone:
			c.out.system("session_ended", "")
			return errHangup
		case msg, ok := <-inbound:
			if !ok {
				return errHangup
			}
			c.touch()
			if err := c.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *connection) touch() {
	if c.engine.deps.Sessions != nil {
		_ = c.engine.deps.Sessions.Touch(c.sessionID)
	}
}

func (c *connection) handle(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		if c.muted {
			return nil
		}
		c.sampleRate = m.SampleRate
		if err := c.stt.SendAudioChunk(ctx, m.PCM16Base64, m.SampleRate, false); err != nil {
			c.out.fail("stt_send_failed", "stt", true, err)
		}
	case protocol.ClientControl:
		c.handleControl(ctx, m)
	case protocol.ClientChatMessage:
		c.trigger(Trigger{Text: strings.TrimSpace(m.Text), Source: SourceChat})
	case protocol.ClientTrackPublished:
		kind := room.KindAudio
		if m.Kind == protocol.TrackKindVideo {
			kind = room.KindVideo
		}
		if _, err := c.participant.Publish(m.TrackSID, kind); err != nil {
			c.out.fail("track_publish_failed", "gateway", false, err)
			return nil
		}
		c.out.system("track_published", m.TrackSID)
	case protocol.ClientTrackUnpublished:
		if err := c.participant.Unpublish(m.TrackSID); err != nil {
			c.out.fail("track_not_found", "gateway", false, err)
			return nil
		}
		c.out.system("track_unpublished", m.TrackSID)
	case protocol.ClientVideoFrame:
		c.pushFrame(m)
	default:
		c.logger.Debug("ignoring inbound message", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

func (c *connection) handleControl(ctx context.Context, m protocol.ClientControl) {
	switch m.Action {
	case protocol.ActionInterrupt:
		if c.orch.Interrupt() {
			c.out.system("assistant_interrupted", m.Reason)
		}
	case protocol.ActionStop:
		if err := c.stt.SendAudioChunk(ctx, "", c.sampleRate, true); err != nil {
			c.out.fail("stt_commit_failed", "stt", true, err)
		}
	case protocol.ActionStart:
		c.out.system("listening", "")
	case protocol.ActionMute:
		c.muted = true
		c.out.system("muted", "")
	case protocol.ActionUnmute:
		c.muted = false
		c.out.system("unmuted", "")
	}
}

func (c *connection) pushFrame(m protocol.ClientVideoFrame) {
	track, err := c.participant.Track(m.TrackSID)
	if err != nil {
		c.out.fail("track_not_found", "gateway", false, err)
		return
	}
	frame, err := media.DecodeBase64(m.ImageBase64, m.MIMEType, c.engine.cfg.MaxFrameBytes)
	if err != nil {
		c.out.fail("invalid_video_frame", "gateway", false, err)
		return
	}
	frame.TrackSID = m.TrackSID
	frame.Width = m.Width
	frame.Height = m.Height
	if m.TSMs > 0 {
		frame.CapturedAt = time.UnixMilli(m.TSMs).UTC()
	}
	track.Push(frame)
}

func (c *connection) trigger(t Trigger) {
	if t.Text == "" {
		return
	}
	if _, err := c.orch.Submit(t); err != nil {
		c.logger.Debug("trigger rejected", "source", t.Source, "err", err)
	}
}

func (c *connection) pumpTranscripts(ctx context.Context, events <-chan voice.STTEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case voice.STTEventPartial:
				c.out.send(protocol.STTPartial{
					Type:       protocol.TypeSTTPartial,
					SessionID:  c.sessionID,
					Text:       evt.Text,
					Confidence: evt.Confidence,
					TSMs:       evt.Timestamp,
				})
			case voice.STTEventCommitted:
				text := strings.TrimSpace(evt.Text)
				if text == "" {
					continue
				}
				c.out.send(protocol.STTCommitted{
					Type:      protocol.TypeSTTCommitted,
					SessionID: c.sessionID,
					Text:      text,
					TSMs:      evt.Timestamp,
				})
				c.trigger(Trigger{Text: text, Source: SourceSpeech})
			case voice.STTEventError:
				code := evt.Code
				if code == "" {
					code = "stt_failed"
				}
				c.out.fail(code, "stt", evt.Retryable, errors.New(firstNonEmpty(evt.Detail, code)))
			}
		}
	}
}

type archiveAdapter struct {
	archive *memory.Archive
}

func (a archiveAdapter) SaveTurn(sessionID, userID string, _ int, turn conversation.Turn) {
	if turn.Role == conversation.RoleSystem {
		return
	}
	a.archive.Save(memory.TurnRecord{
		UserID:      userID,
		SessionID:   sessionID,
		Role:        string(turn.Role),
		Content:     turn.Text(),
		HasFrame:    turn.HasFrame(),
		Interrupted: turn.Interrupted,
		CreatedAt:   turn.CreatedAt,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
