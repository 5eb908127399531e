package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/alloy/internal/conversation"
	"github.com/ent0n29/alloy/internal/media"
)

var mockVisionCues = []string{"look", "see", "camera", "webcam", "screen", "image", "picture", "watch", "holding", "wearing"}

// MockAdapter provides deterministic local replies when no model is configured.
// It asks for the vision capability when the user talks about something visual,
// unless the turn is already a vision follow-up.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error) {
	select {
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	default:
	}

	user, ok := lastUserTurn(req.Turns)
	if !ok {
		return streamMockText(ctx, "I am listening.", onDelta)
	}
	text := strings.TrimSpace(user.Text())

	if frame := firstFrame(user); frame != nil {
		reply := fmt.Sprintf("Looking at your camera, I can see a %s frame", frame.MIMEType)
		if frame.Width > 0 && frame.Height > 0 {
			reply += fmt.Sprintf(" of %dx%d pixels", frame.Width, frame.Height)
		}
		return streamMockText(ctx, reply+". You asked: "+text, onDelta)
	}

	if offersVision(req.Capabilities) && mentionsVision(text) && !followsUserTurn(req.Turns) {
		return ChatResponse{
			Calls: []Invocation{{
				ID:           "call_mock_vision",
				Name:         CapabilityVision,
				Arguments:    map[string]any{"user_msg": text},
				RawArguments: fmt.Sprintf(`{"user_msg":%q}`, text),
			}},
			FinishReason: "tool_calls",
		}, nil
	}

	if text == "" {
		return streamMockText(ctx, "I am listening.", onDelta)
	}
	return streamMockText(ctx, fmt.Sprintf("I heard you: %s", text), onDelta)
}

func streamMockText(ctx context.Context, text string, onDelta DeltaHandler) (ChatResponse, error) {
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return ChatResponse{}, err
		}
		if onDelta != nil && w != "" {
			if err := onDelta(w); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	return ChatResponse{Text: text, FinishReason: "stop"}, nil
}

func lastUserTurn(turns []conversation.Turn) (conversation.Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == conversation.RoleUser {
			return turns[i], true
		}
	}
	return conversation.Turn{}, false
}

// followsUserTurn reports whether the last user turn directly follows another
// one, which is how a vision follow-up lands in history.
func followsUserTurn(turns []conversation.Turn) bool {
	n := len(turns)
	return n >= 2 && turns[n-1].Role == conversation.RoleUser && turns[n-2].Role == conversation.RoleUser
}

func firstFrame(turn conversation.Turn) *media.Frame {
	for _, p := range turn.Parts {
		if p.Frame != nil {
			return p.Frame
		}
	}
	return nil
}

func offersVision(caps []*Capability) bool {
	for _, c := range caps {
		if c.Name == CapabilityVision {
			return true
		}
	}
	return false
}

func mentionsVision(text string) bool {
	lower := strings.ToLower(text)
	for _, cue := range mockVisionCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}
