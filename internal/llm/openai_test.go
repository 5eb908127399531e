package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ent0n29/alloy/internal/conversation"
	"github.com/ent0n29/alloy/internal/media"
)

func TestConvertTurnsAttachesImageParts(t *testing.T) {
	turns := []conversation.Turn{
		{Role: conversation.RoleSystem, Parts: []conversation.Part{conversation.TextPart("sys")}},
		{Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart("hi")}},
		{Role: conversation.RoleAssistant},
		{Role: conversation.RoleUser, Parts: []conversation.Part{
			conversation.TextPart("what is this?"),
			conversation.FramePart(&media.Frame{MIMEType: "image/png", Data: []byte{1, 2}}),
		}},
	}
	msgs, err := convertTurns(turns)
	if err != nil {
		t.Fatalf("convertTurns() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3 (empty assistant turn skipped)", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil {
		t.Fatalf("unexpected message kinds: %+v", msgs)
	}
	parts := msgs[2].OfUser.Content.OfArrayOfContentParts
	if len(parts) != 2 || parts[0].OfText == nil || parts[1].OfImageURL == nil {
		t.Fatalf("vision turn parts = %+v", parts)
	}
	if !strings.HasPrefix(parts[1].OfImageURL.ImageURL.URL, "data:image/png;base64,") {
		t.Fatalf("image url = %q", parts[1].OfImageURL.ImageURL.URL)
	}
}

func TestOpenAIAdapterStreamsTextAndToolCalls(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "},"finish_reason":null}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"look."},"finish_reason":null}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"image","arguments":"{\"user_msg\":"}}]},"finish_reason":null}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"what is this\"}"}}]},"finish_reason":"tool_calls"}]}`,
		} {
			_, _ = io.WriteString(w, "data: "+line+"\n\n")
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := NewOpenAIAdapter("sk-test", srv.URL, "")
	var deltas strings.Builder
	resp, err := a.StreamChat(context.Background(), ChatRequest{
		Turns: []conversation.Turn{
			{Role: conversation.RoleSystem, Parts: []conversation.Part{conversation.TextPart("sys")}},
			{Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart("what is this")}},
		},
		Capabilities: DefaultRegistry().Declarations(),
	}, func(d string) error {
		deltas.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if resp.Text != "Let me look." || deltas.String() != resp.Text {
		t.Fatalf("Text = %q, deltas = %q", resp.Text, deltas.String())
	}
	if len(resp.Calls) != 1 {
		t.Fatalf("Calls = %+v, want 1", resp.Calls)
	}
	call := resp.Calls[0]
	if call.ID != "call_1" || call.Name != CapabilityVision || call.Arguments["user_msg"] != "what is this" {
		t.Fatalf("call = %+v", call)
	}
	if !strings.Contains(body, `"model":"gpt-4o"`) || !strings.Contains(body, `"name":"image"`) {
		t.Fatalf("request body missing model or tool: %s", body)
	}
}
