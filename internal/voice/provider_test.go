package voice

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMockSTTCommitsSpokenText(t *testing.T) {
	sess, events, err := NewMockProvider().StartSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer sess.Close()

	ctx := context.Background()
	if err := sess.SendAudioChunk(ctx, base64.StdEncoding.EncodeToString([]byte("what am I")), 16000, false); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	if err := sess.SendAudioChunk(ctx, base64.StdEncoding.EncodeToString([]byte("holding")), 16000, true); err != nil {
		t.Fatalf("SendAudioChunk(commit) error = %v", err)
	}

	var committed string
	for evt := range events {
		if evt.Type == STTEventCommitted {
			committed = evt.Text
			break
		}
	}
	if committed != "what am I holding" {
		t.Fatalf("committed = %q, want %q", committed, "what am I holding")
	}
}

func TestMockSTTRawAudioFallsBackToPlaceholder(t *testing.T) {
	sess, events, _ := NewMockProvider().StartSession(context.Background(), "s1")
	defer sess.Close()
	pcm := base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0xff, 0xfe})
	if err := sess.SendAudioChunk(context.Background(), pcm, 16000, true); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	<-events
	evt := <-events
	if evt.Type != STTEventCommitted || evt.Text != "simulated voice input" {
		t.Fatalf("event = %+v", evt)
	}
}

func TestMockTTSRejectsTextAfterCloseInput(t *testing.T) {
	stream, _ := NewMockProvider().StartStream(context.Background(), "", "", TTSSettings{})
	defer stream.Close()
	if err := stream.CloseInput(context.Background()); err != nil {
		t.Fatalf("CloseInput() error = %v", err)
	}
	if err := stream.SendText(context.Background(), "late", true); err != ErrStreamClosed {
		t.Fatalf("SendText() error = %v, want %v", err, ErrStreamClosed)
	}
}

func TestTTSSettingsNormalized(t *testing.T) {
	got := TTSSettings{Stability: 3, Speed: 0.1}.Normalized()
	if got.Stability != 1 || got.SimilarityBoost != 0.85 || got.Speed != 0.7 {
		t.Fatalf("Normalized() = %+v", got)
	}
}

func TestOpenAITTSStreamChunksPCM(t *testing.T) {
	pcm := make([]byte, 6000)
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write(pcm)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	stream, err := p.StartStream(context.Background(), "", "", TTSSettings{})
	if err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	defer stream.Close()

	if err := stream.SendText(context.Background(), "Hello there.", true); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := stream.CloseInput(context.Background()); err != nil {
		t.Fatalf("CloseInput() error = %v", err)
	}

	total := 0
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case evt, ok := <-stream.Events():
			if !ok {
				t.Fatalf("events closed before final")
			}
			switch evt.Type {
			case TTSEventAudio:
				raw, _ := base64.StdEncoding.DecodeString(evt.AudioBase64)
				total += len(raw)
				if evt.Format != FormatPCM24k {
					t.Fatalf("Format = %q, want %q", evt.Format, FormatPCM24k)
				}
			case TTSEventError:
				t.Fatalf("unexpected error event: %+v", evt)
			case TTSEventFinal:
				done = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for final event")
		}
	}
	if total != len(pcm) {
		t.Fatalf("audio bytes = %d, want %d", total, len(pcm))
	}
	if !strings.Contains(gotBody, `"voice":"alloy"`) || !strings.Contains(gotBody, `"response_format":"pcm"`) {
		t.Fatalf("speech request body = %s", gotBody)
	}
}

func TestOpenAISTTTranscribesOnCommit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" what is this? "}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	sess, events, err := p.StartSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer sess.Close()

	chunk := base64.StdEncoding.EncodeToString(make([]byte, 3200))
	if err := sess.SendAudioChunk(context.Background(), chunk, 16000, false); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	if err := sess.SendAudioChunk(context.Background(), "", 16000, true); err != nil {
		t.Fatalf("SendAudioChunk(commit) error = %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != STTEventCommitted || evt.Text != "what is this?" {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transcript")
	}
}
