package agent

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ent0n29/alloy/internal/conversation"
	"github.com/ent0n29/alloy/internal/llm"
	"github.com/ent0n29/alloy/internal/observability"
	"github.com/ent0n29/alloy/internal/protocol"
	"github.com/ent0n29/alloy/internal/reliability"
	"github.com/ent0n29/alloy/internal/session"
	"github.com/ent0n29/alloy/internal/voice"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	blockingSendTimeout = 120 * time.Millisecond
)

// Outbound delivery modes for non-critical messages.
const (
	OutboundDrop  = "drop"
	OutboundBlock = "block"
)

// outbox writes session messages to the connection's outbound channel.
// Critical messages wait up to criticalSendTimeout; the rest are dropped
// when the channel is full, or wait briefly in block mode.
type outbox struct {
	sessionID string
	userID    string
	ch        chan<- any
	mode      string
	metrics   *observability.Metrics
	sessions  *session.Manager
	archive   archiver
	logger    *slog.Logger
}

type archiver interface {
	SaveTurn(sessionID, userID string, seq int, turn conversation.Turn)
}

func (b *outbox) send(msg any) {
	msgType := "unknown"
	if t, ok := protocol.TypeOf(msg); ok {
		msgType = string(t)
	}

	sendWithTimeout := func(timeout time.Duration, timeoutEvent string) bool {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case b.ch <- msg:
			b.metrics.ObserveOutboundMessage(msgType, "delivered")
			return true
		case <-timer.C:
			b.metrics.ObserveOutboundMessage(msgType, "timeout")
			b.metrics.ObserveSessionEvent(timeoutEvent)
			return false
		}
	}

	switch {
	case protocol.IsCritical(msg):
		if !sendWithTimeout(criticalSendTimeout, "outbound_timeout_critical") {
			b.metrics.ObserveSessionEvent("outbound_drop")
			b.logger.Warn("critical outbound message dropped", "type", msgType)
		}
	case b.mode == OutboundBlock:
		if !sendWithTimeout(blockingSendTimeout, "outbound_timeout") {
			b.metrics.ObserveSessionEvent("outbound_drop")
		}
	default:
		select {
		case b.ch <- msg:
			b.metrics.ObserveOutboundMessage(msgType, "delivered")
		default:
			b.metrics.ObserveOutboundMessage(msgType, "dropped")
			b.metrics.ObserveSessionEvent("outbound_drop")
		}
	}
}

func (b *outbox) system(code, detail string) {
	b.send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: b.sessionID,
		Code:      code,
		Detail:    detail,
	})
}

func (b *outbox) fail(code, source string, retryable bool, err error) {
	b.metrics.ObserveProviderError(source, code)
	b.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: b.sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    err.Error(),
	})
}

// voice.Sink

func (b *outbox) TextDelta(turnID, delta string) {
	b.send(protocol.AssistantTextDelta{
		Type:      protocol.TypeAssistantTextDelta,
		SessionID: b.sessionID,
		TurnID:    turnID,
		TextDelta: delta,
	})
}

func (b *outbox) AudioChunk(turnID string, seq int, format, audioBase64 string) {
	b.send(protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   b.sessionID,
		TurnID:      turnID,
		Seq:         seq,
		Format:      format,
		AudioBase64: audioBase64,
	})
}

func (b *outbox) Milestone(_ string, code string) {
	b.system(code, "")
}

// Listener

func (b *outbox) TurnAppended(seq int, turn conversation.Turn) {
	b.send(protocol.ConversationTurn{
		Type:        protocol.TypeConversationTurn,
		SessionID:   b.sessionID,
		Seq:         seq,
		Role:        string(turn.Role),
		Text:        turn.Text(),
		HasFrame:    turn.HasFrame(),
		Interrupted: turn.Interrupted,
	})
	if b.archive != nil {
		b.archive.SaveTurn(b.sessionID, b.userID, seq, turn)
	}
}

func (b *outbox) ReplyStarted(turnID string, _ Source) {
	if b.sessions != nil {
		_ = b.sessions.StartTurn(b.sessionID, turnID)
	}
}

func (b *outbox) ReplyEnded(turnID string, outcome Outcome, err error) {
	if b.sessions != nil {
		if outcome.Interrupted {
			_ = b.sessions.Interrupt(b.sessionID)
		} else {
			_ = b.sessions.FinishTurn(b.sessionID, turnID)
		}
	}

	reason := protocol.ReasonCompleted
	switch {
	case err != nil:
		reason = protocol.ReasonFailed
		code, source, retryable := classifyReplyError(err)
		b.fail(code, source, retryable, err)
	case outcome.Interrupted:
		reason = protocol.ReasonInterrupted
	}
	b.send(protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: b.sessionID,
		TurnID:    turnID,
		Reason:    reason,
	})
}

func classifyReplyError(err error) (code, source string, retryable bool) {
	var ttsErr *voice.TTSError
	switch {
	case errors.As(err, &ttsErr):
		code = ttsErr.Code
		if code == "" {
			code = "tts_failed"
		}
		return code, "tts", ttsErr.Retryable
	case errors.Is(err, voice.ErrFinalizeTimeout):
		return "tts_timeout", "tts", true
	case errors.Is(err, llm.ErrContentFiltered):
		return "content_filtered", "llm", false
	default:
		return reliability.ErrorCode(err, "llm_failed"), "llm", reliability.IsRetryable(err)
	}
}
