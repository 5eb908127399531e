package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/alloy/internal/conversation"
)

// ChatRequest is the normalized completion request built from a session history.
type ChatRequest struct {
	SessionID    string              `json:"session_id"`
	TurnID       string              `json:"turn_id"`
	Turns        []conversation.Turn `json:"-"`
	Capabilities []*Capability       `json:"-"`
}

// Invocation is one function call requested by the model.
type Invocation struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawArguments string         `json:"-"`
}

// ChatResponse is the final response after streaming deltas.
type ChatResponse struct {
	Text         string       `json:"text"`
	Calls        []Invocation `json:"calls,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter streams one assistant completion for a conversation.
type Adapter interface {
	StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error)
}

type Config struct {
	Mode             string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	Model            string
	HTTPURL          string
	HTTPStreamStrict bool
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIAdapter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("llm HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL, cfg.HTTPStreamStrict), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported llm adapter mode %q", cfg.Mode)
	}
}

func newAutoAdapter(cfg Config) Adapter {
	var secondary Adapter = NewMockAdapter()
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		secondary = NewHTTPAdapter(cfg.HTTPURL, cfg.HTTPStreamStrict)
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return secondary
	}
	primary := NewOpenAIAdapter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model)
	if _, isMock := secondary.(*MockAdapter); isMock {
		// A missing or broken key should surface, not be masked by canned replies.
		return primary
	}
	return NewFallbackAdapter(primary, secondary)
}

// decodeArguments parses the JSON argument object of a call. Malformed input
// yields nil so validation rejects the call later.
func decodeArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}
