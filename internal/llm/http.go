package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/alloy/internal/reliability"
)

// HTTPAdapter forwards requests to a JSON chat endpoint that answers with a
// JSON body, SSE or NDJSON.
type HTTPAdapter struct {
	url    string
	strict bool
	client *http.Client
}

type httpChatPayload struct {
	SessionID string        `json:"session_id"`
	TurnID    string        `json:"turn_id"`
	Messages  []httpMessage `json:"messages"`
	Tools     []httpTool    `json:"tools,omitempty"`
}

type httpMessage struct {
	Role        string   `json:"role"`
	Text        string   `json:"text"`
	Images      []string `json:"images,omitempty"`
	Interrupted bool     `json:"interrupted,omitempty"`
}

type httpTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

type httpToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func NewHTTPAdapter(url string, strict bool) *HTTPAdapter {
	return &HTTPAdapter{
		url:    strings.TrimSpace(url),
		strict: strict,
		// Streamed replies run as long as the model talks; the request
		// context bounds them.
		client: &http.Client{},
	}
}

func (a *HTTPAdapter) StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error) {
	payload, err := json.Marshal(buildHTTPPayload(req))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return ChatResponse{}, &reliability.StatusError{
			Provider:   "llm_http",
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return a.consumeStream(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		if a.strict {
			return ChatResponse{}, fmt.Errorf("decode response: %w", err)
		}
		text := strings.TrimSpace(string(body))
		if text != "" && onDelta != nil {
			if err := onDelta(text); err != nil {
				return ChatResponse{}, err
			}
		}
		return ChatResponse{Text: text}, nil
	}

	resp := ChatResponse{Text: extractText(obj), Calls: extractCalls(obj)}
	if resp.Text != "" && onDelta != nil {
		if err := onDelta(resp.Text); err != nil {
			return ChatResponse{}, err
		}
	}
	return resp, nil
}

// consumeStream reads SSE data lines or NDJSON objects until EOF or [DONE].
func (a *HTTPAdapter) consumeStream(body io.Reader, onDelta DeltaHandler) (ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out   strings.Builder
		calls []Invocation
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
			calls = append(calls, extractCalls(obj)...)
		} else if a.strict {
			return ChatResponse{}, fmt.Errorf("decode stream line: %w", err)
		} else if out.Len() > 0 {
			delta = " " + delta
		}

		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ChatResponse{}, fmt.Errorf("stream read: %w", err)
	}

	return ChatResponse{Text: out.String(), Calls: calls}, nil
}

func buildHTTPPayload(req ChatRequest) httpChatPayload {
	p := httpChatPayload{
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		Messages:  make([]httpMessage, 0, len(req.Turns)),
	}
	for _, turn := range req.Turns {
		m := httpMessage{Role: string(turn.Role), Text: turn.Text(), Interrupted: turn.Interrupted}
		for _, part := range turn.Parts {
			if part.Frame != nil {
				m.Images = append(m.Images, part.Frame.DataURL())
			}
		}
		p.Messages = append(p.Messages, m)
	}
	for _, c := range req.Capabilities {
		p.Tools = append(p.Tools, httpTool{Name: c.Name, Description: c.Description, Parameters: c.Schema})
	}
	return p
}

func extractText(obj map[string]json.RawMessage) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}

func extractCalls(obj map[string]json.RawMessage) []Invocation {
	var raw []httpToolCall
	if v, ok := obj["tool_calls"]; ok {
		_ = json.Unmarshal(v, &raw)
	}
	if v, ok := obj["tool_call"]; ok {
		var one httpToolCall
		if err := json.Unmarshal(v, &one); err == nil {
			raw = append(raw, one)
		}
	}

	out := make([]Invocation, 0, len(raw))
	for _, tc := range raw {
		if strings.TrimSpace(tc.Name) == "" {
			continue
		}
		args := string(tc.Arguments)
		// Arguments may arrive as an object or as a JSON-encoded string.
		var encoded string
		if err := json.Unmarshal(tc.Arguments, &encoded); err == nil {
			args = encoded
		}
		out = append(out, Invocation{
			ID:           tc.ID,
			Name:         tc.Name,
			Arguments:    decodeArguments(args),
			RawArguments: args,
		})
	}
	return out
}
