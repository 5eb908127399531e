package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FallbackAdapter attempts a primary adapter first and falls back on error,
// as long as the primary has not streamed any text yet.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{
		primary:  primary,
		fallback: fallback,
	}
}

func (a *FallbackAdapter) Primary() Adapter {
	if a == nil {
		return nil
	}
	return a.primary
}

func (a *FallbackAdapter) Secondary() Adapter {
	if a == nil {
		return nil
	}
	return a.fallback
}

func (a *FallbackAdapter) StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.StreamChat(ctx, req, onDelta)
		}
		return ChatResponse{}, fmt.Errorf("fallback adapter misconfigured")
	}

	streamed := false
	resp, err := a.primary.StreamChat(ctx, req, func(delta string) error {
		if strings.TrimSpace(delta) != "" {
			streamed = true
		}
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ChatResponse{}, err
	}
	if streamed || a.fallback == nil {
		return ChatResponse{}, err
	}

	fallbackResp, fallbackErr := a.fallback.StreamChat(ctx, req, onDelta)
	if fallbackErr != nil {
		return ChatResponse{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
