package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/alloy/internal/conversation"
	"github.com/ent0n29/alloy/internal/llm"
	"github.com/ent0n29/alloy/internal/observability"
	"github.com/ent0n29/alloy/internal/reliability"
	"github.com/ent0n29/alloy/internal/vision"
	"github.com/ent0n29/alloy/internal/voice"
)

const (
	defaultMaxRetries   = 1
	defaultRetryBackoff = 200 * time.Millisecond
	maxRetryBackoff     = 2 * time.Second
)

// Listener is told about history appends and reply boundaries. Calls come
// from the orchestrator worker and must not block for long.
type Listener interface {
	TurnAppended(seq int, turn conversation.Turn)
	ReplyStarted(turnID string, source Source)
	ReplyEnded(turnID string, outcome Outcome, err error)
}

type OrchestratorConfig struct {
	SessionID string
	Adapter   llm.Adapter
	Player    *voice.ReplyPlayer
	Registry  *llm.Registry
	Cache     *vision.FrameCache
	History   *conversation.History
	Sink      voice.Sink
	Listener  Listener
	// Playback carries voice and synthesis settings; TurnID and StartedAt
	// are filled per turn.
	Playback   voice.PlayOptions
	MaxRetries int
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

type job struct {
	trigger    *Trigger
	say        string
	ticket     *Ticket
	enqueuedAt time.Time
}

// TurnOrchestrator serializes reply triggers of one session onto a single
// worker. Triggers are processed in submission order; the worker is the only
// writer of the session history.
type TurnOrchestrator struct {
	sessionID  string
	adapter    llm.Adapter
	player     *voice.ReplyPlayer
	registry   *llm.Registry
	cache      *vision.FrameCache
	history    *conversation.History
	sink       voice.Sink
	listener   Listener
	playback   voice.PlayOptions
	maxRetries int
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	queue   []*job
	closed  bool
	running bool
	wake    chan struct{}
	// interrupt cancels the playback in progress, nil when idle.
	interrupt context.CancelCauseFunc
}

func NewTurnOrchestrator(cfg OrchestratorConfig) *TurnOrchestrator {
	if cfg.Registry == nil {
		cfg.Registry = llm.DefaultRegistry()
	}
	if cfg.Cache == nil {
		cfg.Cache = vision.NewFrameCache(nil)
	}
	if cfg.History == nil {
		cfg.History = conversation.NewHistory("")
	}
	if cfg.Sink == nil {
		cfg.Sink = discardSink{}
	}
	if cfg.Listener == nil {
		cfg.Listener = nopListener{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TurnOrchestrator{
		sessionID:  cfg.SessionID,
		adapter:    cfg.Adapter,
		player:     cfg.Player,
		registry:   cfg.Registry,
		cache:      cfg.Cache,
		history:    cfg.History,
		sink:       cfg.Sink,
		listener:   cfg.Listener,
		playback:   cfg.Playback,
		maxRetries: cfg.MaxRetries,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("session_id", cfg.SessionID),
		wake:       make(chan struct{}, 1),
	}
}

// HandleChatTrigger schedules a text-only reply.
func (o *TurnOrchestrator) HandleChatTrigger(text string) (*Ticket, error) {
	return o.Submit(Trigger{Text: text, Source: SourceChat})
}

// HandleVisionTrigger schedules a reply that sees the latest cached frame.
func (o *TurnOrchestrator) HandleVisionTrigger(text string) (*Ticket, error) {
	return o.Submit(Trigger{Text: text, WantsVision: true, Source: SourceVisionCall})
}

// NotifyFunctionCompleted turns the first vision invocation into a vision
// trigger queued behind any pending ones. Anything that does not resolve to
// a valid call is ignored and yields a nil ticket.
func (o *TurnOrchestrator) NotifyFunctionCompleted(invocations []llm.Invocation) (*Ticket, error) {
	if len(invocations) == 0 {
		return nil, nil
	}
	inv := invocations[0]
	call, err := o.registry.Resolve(inv)
	if err != nil {
		o.logger.Warn("ignoring function call", "name", inv.Name, "call_id", inv.ID, "err", err)
		return nil, nil
	}
	switch c := call.(type) {
	case llm.VisionCall:
		o.logger.Info("vision function called", "user_msg", c.UserMsg, "call_id", c.ID)
		return o.HandleVisionTrigger(c.UserMsg)
	default:
		o.logger.Warn("unhandled function call", "name", inv.Name)
		return nil, nil
	}
}

// Submit schedules a trigger. A reply that is playing is interrupted.
func (o *TurnOrchestrator) Submit(trigger Trigger) (*Ticket, error) {
	if trigger.Source == "" {
		trigger.Source = SourceChat
	}
	return o.enqueue(&job{trigger: &trigger}, true)
}

// Say schedules a canned assistant utterance. It adds no user turn and
// does not interrupt the reply in progress.
func (o *TurnOrchestrator) Say(text string) (*Ticket, error) {
	return o.enqueue(&job{say: text}, false)
}

// Interrupt cancels the reply in progress, if any. Queued triggers stay.
func (o *TurnOrchestrator) Interrupt() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.interrupt == nil {
		return false
	}
	o.interrupt(ErrInterrupted)
	return true
}

// History returns a snapshot of the conversation so far.
func (o *TurnOrchestrator) History() []conversation.Turn {
	return o.history.Snapshot()
}

// Pending reports how many jobs wait behind the current one.
func (o *TurnOrchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *TurnOrchestrator) enqueue(j *job, interrupts bool) (*Ticket, error) {
	j.ticket = newTicket()
	j.enqueuedAt = time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	o.queue = append(o.queue, j)
	if interrupts && o.interrupt != nil {
		o.interrupt(ErrInterrupted)
	}
	if j.trigger != nil {
		o.metrics.ObserveTrigger(string(j.trigger.Source), j.trigger.WantsVision)
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return j.ticket, nil
}

// Run processes jobs until ctx ends or Close is called. Jobs still queued
// at that point resolve with ErrClosed.
func (o *TurnOrchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("turn orchestrator already running")
	}
	o.running = true
	o.mu.Unlock()
	defer o.shutdown()

	for {
		j, turnCtx, ok := o.next(ctx)
		if !ok {
			return nil
		}
		if j == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-o.wake:
			}
			continue
		}
		if ctx.Err() != nil {
			o.disarm()
			j.ticket.resolve(Outcome{}, ErrClosed)
			return nil
		}
		o.process(turnCtx, j)
		o.disarm()
	}
}

// Close stops accepting jobs and interrupts the reply in progress.
func (o *TurnOrchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if o.interrupt != nil {
		o.interrupt(ErrClosed)
	}
	if !o.running {
		pending := o.queue
		o.queue = nil
		for _, j := range pending {
			j.ticket.resolve(Outcome{}, ErrClosed)
		}
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// next pops the head of the queue and arms the interrupt for it, so a newer
// trigger cancels the turn from the moment it leaves the queue. ok is false
// once closed.
func (o *TurnOrchestrator) next(ctx context.Context) (*job, context.Context, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, false
	}
	if len(o.queue) == 0 {
		return nil, nil, true
	}
	j := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	turnCtx, cancel := context.WithCancelCause(ctx)
	o.interrupt = cancel
	return j, turnCtx, true
}

// disarm releases the interrupt of the turn that just finished.
func (o *TurnOrchestrator) disarm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.interrupt != nil {
		o.interrupt(nil)
		o.interrupt = nil
	}
}

func (o *TurnOrchestrator) shutdown() {
	o.mu.Lock()
	o.closed = true
	pending := o.queue
	o.queue = nil
	o.mu.Unlock()
	for _, j := range pending {
		j.ticket.resolve(Outcome{}, ErrClosed)
	}
}

func (o *TurnOrchestrator) process(ctx context.Context, j *job) {
	turnID := uuid.NewString()
	startedAt := time.Now()
	o.metrics.ObserveTurnStage("queue_wait", startedAt.Sub(j.enqueuedAt))

	if j.trigger == nil {
		outcome, err := o.speak(ctx, turnID, startedAt, j.say)
		j.ticket.resolve(outcome, err)
		return
	}

	trigger := *j.trigger
	outcome := Outcome{TurnID: turnID}
	parts := []conversation.Part{conversation.TextPart(trigger.Text)}
	if trigger.WantsVision {
		if frame := o.cache.Get(); frame != nil {
			parts = append(parts, conversation.FramePart(frame))
			outcome.AttachedFrame = true
		} else {
			o.logger.Debug("no cached frame, replying from text only")
		}
	}
	o.appendTurn(conversation.Turn{Role: conversation.RoleUser, Parts: parts})

	req := llm.ChatRequest{
		SessionID:    o.sessionID,
		TurnID:       turnID,
		Turns:        o.history.Snapshot(),
		Capabilities: o.registry.Declarations(),
	}

	var resp llm.ChatResponse
	source := func(ctx context.Context, onDelta func(string) error) error {
		var err error
		resp, err = o.streamWithRetry(ctx, req, onDelta)
		return err
	}

	o.listener.ReplyStarted(turnID, trigger.Source)
	res, err := o.play(ctx, turnID, startedAt, source)
	outcome.Text = res.Text
	outcome.Interrupted = res.Interrupted
	outcome.Calls = len(resp.Calls)
	o.metrics.ObserveTurnStage("turn_total", time.Since(startedAt))

	if err != nil {
		o.logger.Warn("reply failed", "turn_id", turnID, "source", trigger.Source, "err", err)
		o.listener.ReplyEnded(turnID, outcome, err)
		j.ticket.resolve(outcome, err)
		return
	}
	o.appendReply(res)
	o.listener.ReplyEnded(turnID, outcome, nil)

	switch {
	case len(resp.Calls) == 0 || res.Interrupted:
	case trigger.Source == SourceVisionCall:
		// The turn already carries the frame the model asked for.
		o.logger.Debug("ignoring function call from a vision reply", "turn_id", turnID, "name", resp.Calls[0].Name)
	default:
		if _, err := o.NotifyFunctionCompleted(resp.Calls); err != nil {
			o.logger.Debug("function call not scheduled", "err", err)
		}
	}
	j.ticket.resolve(outcome, nil)
}

func (o *TurnOrchestrator) speak(ctx context.Context, turnID string, startedAt time.Time, text string) (Outcome, error) {
	o.listener.ReplyStarted(turnID, SourceGreeting)
	res, err := o.play(ctx, turnID, startedAt, voice.StaticText(text))
	outcome := Outcome{TurnID: turnID, Text: res.Text, Interrupted: res.Interrupted}
	if err != nil {
		o.logger.Warn("utterance failed", "turn_id", turnID, "err", err)
		o.listener.ReplyEnded(turnID, outcome, err)
		return outcome, err
	}
	o.appendReply(res)
	o.listener.ReplyEnded(turnID, outcome, nil)
	return outcome, nil
}

// play runs the reply player under the turn context that newer triggers
// cancel.
func (o *TurnOrchestrator) play(ctx context.Context, turnID string, startedAt time.Time, source voice.TextSource) (voice.PlayResult, error) {
	if o.player == nil {
		return voice.PlayResult{}, errors.New("reply player not configured")
	}
	opts := o.playback
	opts.TurnID = turnID
	opts.StartedAt = startedAt
	res, err := o.player.Play(ctx, source, o.sink, opts)
	if res.Interrupted {
		o.logger.Info("reply interrupted", "turn_id", turnID, "cause", context.Cause(ctx))
	}
	return res, err
}

func (o *TurnOrchestrator) streamWithRetry(ctx context.Context, req llm.ChatRequest, onDelta func(string) error) (llm.ChatResponse, error) {
	if o.adapter == nil {
		return llm.ChatResponse{}, errors.New("llm adapter not configured")
	}
	for attempt := 0; ; attempt++ {
		streamed := false
		resp, err := o.adapter.StreamChat(ctx, req, func(delta string) error {
			if delta != "" {
				streamed = true
			}
			return onDelta(delta)
		})
		if err == nil {
			return resp, nil
		}
		if streamed || attempt >= o.maxRetries || !reliability.IsRetryable(err) {
			return resp, fmt.Errorf("stream chat: %w", err)
		}
		wait := reliability.ExponentialBackoff(attempt, defaultRetryBackoff, maxRetryBackoff)
		o.logger.Info("retrying chat completion", "turn_id", req.TurnID, "attempt", attempt+1, "backoff", wait, "err", err)
		o.metrics.ObserveSessionEvent("llm_retry")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, ctx.Err()
		case <-timer.C:
		}
	}
}

func (o *TurnOrchestrator) appendReply(res voice.PlayResult) {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	o.appendTurn(conversation.Turn{
		Role:        conversation.RoleAssistant,
		Parts:       []conversation.Part{conversation.TextPart(text)},
		Interrupted: res.Interrupted,
	})
}

func (o *TurnOrchestrator) appendTurn(turn conversation.Turn) {
	seq := o.history.Append(turn)
	o.metrics.ObserveTurnAppended(string(turn.Role))
	if stored, ok := o.history.Last(); ok {
		turn = stored
	}
	o.listener.TurnAppended(seq, turn)
}

type nopListener struct{}

func (nopListener) TurnAppended(int, conversation.Turn) {}
func (nopListener) ReplyStarted(string, Source)        {}
func (nopListener) ReplyEnded(string, Outcome, error)  {}

type discardSink struct{}

func (discardSink) TextDelta(string, string)               {}
func (discardSink) AudioChunk(string, int, string, string) {}
func (discardSink) Milestone(string, string)               {}
