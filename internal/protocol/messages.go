package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk       MessageType = "client_audio_chunk"
	TypeClientControl          MessageType = "client_control"
	TypeClientChatMessage      MessageType = "client_chat_message"
	TypeClientTrackPublished   MessageType = "client_track_published"
	TypeClientTrackUnpublished MessageType = "client_track_unpublished"
	TypeClientVideoFrame       MessageType = "client_video_frame"

	TypeSTTPartial         MessageType = "stt_partial"
	TypeSTTCommitted       MessageType = "stt_committed"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantAudio     MessageType = "assistant_audio_chunk"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeConversationTurn   MessageType = "conversation_turn"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Client control actions.
const (
	ActionInterrupt = "interrupt"
	ActionStop      = "stop"
	ActionStart     = "start"
	ActionMute      = "mute"
	ActionUnmute    = "unmute"
)

// Track kinds accepted in client_track_published.
const (
	TrackKindVideo = "video"
	TrackKindAudio = "audio"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid client message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type ClientChatMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type ClientTrackPublished struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TrackSID  string      `json:"track_sid"`
	Kind      string      `json:"kind"`
}

type ClientTrackUnpublished struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TrackSID  string      `json:"track_sid"`
}

type ClientVideoFrame struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TrackSID    string      `json:"track_sid"`
	ImageBase64 string      `json:"image_base64"`
	MIMEType    string      `json:"mime_type,omitempty"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
	TSMs        int64       `json:"ts_ms,omitempty"`
}

type STTPartial struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type STTCommitted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

// Turn end reasons.
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
	ReasonFailed      = "failed"
)

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

// ConversationTurn mirrors a turn appended to the session history.
type ConversationTurn struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	Role        string      `json:"role"`
	Text        string      `json:"text"`
	HasFrame    bool        `json:"has_frame"`
	Interrupted bool        `json:"interrupted"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func invalid(kind MessageType, why string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, kind, why)
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, invalid(env.Type, "session_id, pcm16_base64 and sample_rate are required")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.SessionID == "" || msg.Action == "" {
			return nil, invalid(env.Type, "session_id and action are required")
		}
		switch msg.Action {
		case ActionInterrupt, ActionStop, ActionStart, ActionMute, ActionUnmute:
		default:
			return nil, invalid(env.Type, "unknown action "+msg.Action)
		}
		return msg, nil
	case TypeClientChatMessage:
		var msg ClientChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, invalid(env.Type, "session_id and text are required")
		}
		return msg, nil
	case TypeClientTrackPublished:
		var msg ClientTrackPublished
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Kind = strings.ToLower(strings.TrimSpace(msg.Kind))
		if msg.SessionID == "" || msg.TrackSID == "" {
			return nil, invalid(env.Type, "session_id and track_sid are required")
		}
		if msg.Kind != TrackKindVideo && msg.Kind != TrackKindAudio {
			return nil, invalid(env.Type, "kind must be video or audio")
		}
		return msg, nil
	case TypeClientTrackUnpublished:
		var msg ClientTrackUnpublished
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.TrackSID == "" {
			return nil, invalid(env.Type, "session_id and track_sid are required")
		}
		return msg, nil
	case TypeClientVideoFrame:
		var msg ClientVideoFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.TrackSID == "" || msg.ImageBase64 == "" {
			return nil, invalid(env.Type, "session_id, track_sid and image_base64 are required")
		}
		if msg.Width < 0 || msg.Height < 0 {
			return nil, invalid(env.Type, "negative dimensions")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the discriminator of a parsed or outbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientAudioChunk:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case ClientChatMessage:
		return m.Type, true
	case ClientTrackPublished:
		return m.Type, true
	case ClientTrackUnpublished:
		return m.Type, true
	case ClientVideoFrame:
		return m.Type, true
	case STTPartial:
		return m.Type, true
	case STTCommitted:
		return m.Type, true
	case AssistantTextDelta:
		return m.Type, true
	case AssistantAudioChunk:
		return m.Type, true
	case AssistantTurnEnd:
		return m.Type, true
	case ConversationTurn:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// IsCritical reports whether an outbound message must not be dropped under
// backpressure.
func IsCritical(v any) bool {
	switch v.(type) {
	case AssistantTurnEnd, ErrorEvent, SystemEvent, ConversationTurn, STTCommitted:
		return true
	default:
		return false
	}
}
