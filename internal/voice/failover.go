package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// Backend is one speech vendor: its providers and the voice/model to use
// when a request was addressed to another vendor.
type Backend struct {
	Name    string
	STT     STTProvider
	TTS     TTSProvider
	VoiceID string
	ModelID string
}

// Failover routes sessions and streams to the primary backend and moves to
// the secondary when startup fails. The secondary stays active until it
// fails itself, then the primary is tried again.
type Failover struct {
	primary   Backend
	secondary Backend
	onSwitch  func(active string)

	secondaryActive atomic.Bool
}

func NewFailover(primary, secondary Backend, onSwitch func(active string)) *Failover {
	if onSwitch == nil {
		onSwitch = func(string) {}
	}
	primary.VoiceID = strings.TrimSpace(primary.VoiceID)
	primary.ModelID = strings.TrimSpace(primary.ModelID)
	secondary.VoiceID = strings.TrimSpace(secondary.VoiceID)
	secondary.ModelID = strings.TrimSpace(secondary.ModelID)
	return &Failover{primary: primary, secondary: secondary, onSwitch: onSwitch}
}

// Active names the backend new sessions start on.
func (f *Failover) Active() string {
	if f.secondaryActive.Load() {
		return f.secondary.Name
	}
	return f.primary.Name
}

func (f *Failover) order() (first, second Backend, onSecondary bool) {
	if f.secondaryActive.Load() {
		return f.secondary, f.primary, true
	}
	return f.primary, f.secondary, false
}

func (f *Failover) switched(toSecondary bool) {
	if f.secondaryActive.CompareAndSwap(!toSecondary, toSecondary) {
		f.onSwitch(f.Active())
	}
}

func (f *Failover) StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error) {
	first, second, onSecondary := f.order()
	session, events, firstErr := first.STT.StartSession(ctx, sessionID)
	if firstErr == nil {
		return session, events, nil
	}
	session, events, secondErr := second.STT.StartSession(ctx, sessionID)
	if secondErr != nil {
		return nil, nil, fmt.Errorf("stt %s failed: %v; stt %s failed: %w", first.Name, firstErr, second.Name, secondErr)
	}
	f.switched(!onSecondary)
	return session, events, nil
}

func (f *Failover) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	first, second, onSecondary := f.order()
	stream, firstErr := startOn(ctx, first, onSecondary, voiceID, modelID, settings)
	if firstErr == nil {
		return stream, nil
	}
	stream, secondErr := startOn(ctx, second, !onSecondary, voiceID, modelID, settings)
	if secondErr != nil {
		return nil, fmt.Errorf("tts %s failed: %v; tts %s failed: %w", first.Name, firstErr, second.Name, secondErr)
	}
	f.switched(!onSecondary)
	return stream, nil
}

// startOn keeps the caller's voice and model on the primary and swaps in
// the backend defaults on the secondary.
func startOn(ctx context.Context, b Backend, isSecondary bool, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if isSecondary {
		if b.VoiceID != "" {
			voiceID = b.VoiceID
		}
		if b.ModelID != "" {
			modelID = b.ModelID
		}
	}
	return b.TTS.StartStream(ctx, voiceID, modelID, settings)
}
