package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/alloy/internal/conversation"
	"github.com/ent0n29/alloy/internal/llm"
	"github.com/ent0n29/alloy/internal/media"
	"github.com/ent0n29/alloy/internal/reliability"
	"github.com/ent0n29/alloy/internal/vision"
	"github.com/ent0n29/alloy/internal/voice"
)

type replyFunc func(ctx context.Context, n int, req llm.ChatRequest, onDelta llm.DeltaHandler) (llm.ChatResponse, error)

// scriptedAdapter records every request and answers through reply.
type scriptedAdapter struct {
	reply replyFunc

	mu       sync.Mutex
	requests []llm.ChatRequest
}

func (a *scriptedAdapter) StreamChat(ctx context.Context, req llm.ChatRequest, onDelta llm.DeltaHandler) (llm.ChatResponse, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	n := len(a.requests)
	a.mu.Unlock()
	return a.reply(ctx, n, req, onDelta)
}

func (a *scriptedAdapter) calls() []llm.ChatRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.ChatRequest(nil), a.requests...)
}

func echoReply(ctx context.Context, _ int, req llm.ChatRequest, onDelta llm.DeltaHandler) (llm.ChatResponse, error) {
	last := req.Turns[len(req.Turns)-1]
	text := "Reply to " + last.Text() + "."
	if err := onDelta(text); err != nil {
		return llm.ChatResponse{}, err
	}
	return llm.ChatResponse{Text: text}, nil
}

type recordingListener struct {
	mu      sync.Mutex
	reasons []string
}

func (l *recordingListener) TurnAppended(int, conversation.Turn) {}
func (l *recordingListener) ReplyStarted(string, Source)        {}

func (l *recordingListener) ReplyEnded(_ string, outcome Outcome, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case err != nil:
		l.reasons = append(l.reasons, "failed")
	case outcome.Interrupted:
		l.reasons = append(l.reasons, "interrupted")
	default:
		l.reasons = append(l.reasons, "completed")
	}
}

func (l *recordingListener) ended() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.reasons...)
}

type fixture struct {
	orch     *TurnOrchestrator
	adapter  *scriptedAdapter
	cache    *vision.FrameCache
	history  *conversation.History
	listener *recordingListener
}

func newFixture(reply replyFunc) *fixture {
	f := &fixture{
		adapter:  &scriptedAdapter{reply: reply},
		cache:    vision.NewFrameCache(nil),
		history:  conversation.NewHistory("You are a helpful assistant."),
		listener: &recordingListener{},
	}
	f.orch = NewTurnOrchestrator(OrchestratorConfig{
		SessionID: "s1",
		Adapter:   f.adapter,
		Player:    voice.NewReplyPlayer(voice.NewMockProvider(), voice.PlayerConfig{Logger: quietLogger()}),
		Cache:     f.cache,
		History:   f.history,
		Listener:  f.listener,
		Logger:    quietLogger(),
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testFrame() *media.Frame {
	return &media.Frame{Data: []byte("\x89PNG\r\n\x1a\nfake"), MIMEType: "image/png", Width: 4, Height: 3}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitTicket(t *testing.T, ticket *Ticket) (Outcome, error) {
	t.Helper()
	if ticket == nil {
		t.Fatalf("ticket is nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := ticket.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timed out waiting for ticket")
	}
	return outcome, err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func roles(turns []conversation.Turn) string {
	parts := make([]string, len(turns))
	for i, turn := range turns {
		parts[i] = string(turn.Role)
	}
	return strings.Join(parts, ",")
}

func TestTurnOrchestratorProcessesTriggersInOrder(t *testing.T) {
	f := newFixture(echoReply)

	var tickets []*Ticket
	for _, text := range []string{"first", "second", "second"} {
		ticket, err := f.orch.HandleChatTrigger(text)
		if err != nil {
			t.Fatalf("HandleChatTrigger(%q) error = %v", text, err)
		}
		tickets = append(tickets, ticket)
	}
	f.start(t)
	for _, ticket := range tickets {
		if _, err := waitTicket(t, ticket); err != nil {
			t.Fatalf("ticket error = %v", err)
		}
	}

	turns := f.orch.History()
	if got := roles(turns); got != "system,user,assistant,user,assistant,user,assistant" {
		t.Fatalf("roles = %s", got)
	}
	want := []string{"first", "Reply to first.", "second", "Reply to second.", "second", "Reply to second."}
	for i, text := range want {
		if got := turns[i+1].Text(); got != text {
			t.Fatalf("turn %d text = %q, want %q", i+1, got, text)
		}
	}
	for _, req := range f.adapter.calls() {
		if len(req.Capabilities) != 1 || req.Capabilities[0].Name != llm.CapabilityVision {
			t.Fatalf("chat request capabilities = %v, want the vision capability", req.Capabilities)
		}
	}
}

func TestTurnOrchestratorVisionTriggerAttachesCachedFrame(t *testing.T) {
	f := newFixture(echoReply)
	f.start(t)
	f.cache.Set(testFrame())

	outcome, err := waitTicket(t, must(f.orch.HandleVisionTrigger("what is this?")))
	if err != nil {
		t.Fatalf("vision ticket error = %v", err)
	}
	if !outcome.AttachedFrame {
		t.Fatalf("AttachedFrame = false, want true")
	}
	turns := f.orch.History()
	if !turns[1].HasFrame() || turns[1].Text() != "what is this?" {
		t.Fatalf("user turn = %+v, want text and frame", turns[1])
	}
	if caps := f.adapter.calls()[0].Capabilities; len(caps) != 1 || caps[0].Name != llm.CapabilityVision {
		t.Fatalf("vision request capabilities = %v, want the vision capability", caps)
	}
}

func TestTurnOrchestratorVisionTriggerWithoutFrameIsTextOnly(t *testing.T) {
	f := newFixture(echoReply)
	f.start(t)

	outcome, err := waitTicket(t, must(f.orch.HandleVisionTrigger("look at this")))
	if err != nil {
		t.Fatalf("vision ticket error = %v", err)
	}
	if outcome.AttachedFrame {
		t.Fatalf("AttachedFrame = true with an empty cache")
	}
	turns := f.orch.History()
	if turns[1].HasFrame() || len(turns[1].Parts) != 1 {
		t.Fatalf("user turn parts = %+v, want text only", turns[1].Parts)
	}
	if turns[2].Role != conversation.RoleAssistant {
		t.Fatalf("turn 2 role = %q, want assistant", turns[2].Role)
	}
}

func TestTurnOrchestratorFunctionCallSchedulesVisionTurn(t *testing.T) {
	f := newFixture(func(ctx context.Context, n int, req llm.ChatRequest, onDelta llm.DeltaHandler) (llm.ChatResponse, error) {
		if n == 1 {
			return llm.ChatResponse{Calls: []llm.Invocation{{
				ID:        "call_1",
				Name:      llm.CapabilityVision,
				Arguments: map[string]any{"user_msg": "what am I holding"},
			}}}, nil
		}
		return echoReply(ctx, n, req, onDelta)
	})
	f.cache.Set(testFrame())
	f.start(t)

	outcome, err := waitTicket(t, must(f.orch.HandleChatTrigger("what am I holding?")))
	if err != nil {
		t.Fatalf("ticket error = %v", err)
	}
	if outcome.Calls != 1 || outcome.Text != "" {
		t.Fatalf("outcome = %+v, want one call and no text", outcome)
	}

	waitFor(t, func() bool { return f.history.Len() == 4 })
	turns := f.orch.History()
	if got := roles(turns); got != "system,user,user,assistant" {
		t.Fatalf("roles = %s", got)
	}
	if turns[1].HasFrame() {
		t.Fatalf("chat turn should not carry a frame")
	}
	if !turns[2].HasFrame() || turns[2].Text() != "what am I holding" {
		t.Fatalf("vision turn = %+v", turns[2])
	}
	if turns[3].Text() != "Reply to what am I holding." {
		t.Fatalf("assistant text = %q", turns[3].Text())
	}
	if calls := f.adapter.calls(); len(calls) != 2 || len(calls[1].Capabilities) != 1 {
		t.Fatalf("requests = %d, second capabilities = %v", len(calls), calls[len(calls)-1].Capabilities)
	}
}

func TestTurnOrchestratorVisionReplyDoesNotChainCalls(t *testing.T) {
	f := newFixture(func(ctx context.Context, n int, req llm.ChatRequest, onDelta llm.DeltaHandler) (llm.ChatResponse, error) {
		return llm.ChatResponse{Calls: []llm.Invocation{{
			ID:        "call_loop",
			Name:      llm.CapabilityVision,
			Arguments: map[string]any{"user_msg": "look again"},
		}}}, nil
	})
	f.start(t)

	outcome, err := waitTicket(t, must(f.orch.HandleVisionTrigger("look")))
	if err != nil {
		t.Fatalf("vision ticket error = %v", err)
	}
	if outcome.Calls != 1 {
		t.Fatalf("Calls = %d, want 1", outcome.Calls)
	}
	if f.orch.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", f.orch.Pending())
	}
	if _, err := waitTicket(t, must(f.orch.Say("done"))); err != nil {
		t.Fatalf("Say ticket error = %v", err)
	}
	if got := roles(f.orch.History()); got != "system,user,assistant" {
		t.Fatalf("roles = %s, want no follow-up vision turn", got)
	}
	if got := len(f.adapter.calls()); got != 1 {
		t.Fatalf("adapter calls = %d, want 1", got)
	}
}

func TestNotifyFunctionCompletedIgnoresInvalidCalls(t *testing.T) {
	f := newFixture(echoReply)
	cases := []struct {
		name        string
		invocations []llm.Invocation
	}{
		{"none", nil},
		{"unknown name", []llm.Invocation{{Name: "weather", Arguments: map[string]any{"user_msg": "hi"}}}},
		{"missing argument", []llm.Invocation{{Name: llm.CapabilityVision, Arguments: map[string]any{}}}},
		{"empty argument", []llm.Invocation{{Name: llm.CapabilityVision, Arguments: map[string]any{"user_msg": ""}}}},
		{"wrong type", []llm.Invocation{{Name: llm.CapabilityVision, Arguments: map[string]any{"user_msg": 42}}}},
		{"malformed json", []llm.Invocation{{Name: llm.CapabilityVision, RawArguments: "{not json"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ticket, err := f.orch.NotifyFunctionCompleted(tc.invocations)
			if err != nil || ticket != nil {
				t.Fatalf("NotifyFunctionCompleted() = (%v, %v), want no-op", ticket, err)
			}
		})
	}
	if f.orch.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", f.orch.Pending())
	}
}

func TestNotifyFunctionCompletedUsesFirstInvocation(t *testing.T) {
	f := newFixture(echoReply)
	ticket, err := f.orch.NotifyFunctionCompleted([]llm.Invocation{
		{Name: llm.CapabilityVision, Arguments: map[string]any{"user_msg": "first"}},
		{Name: llm.CapabilityVision, Arguments: map[string]any{"user_msg": "second"}},
	})
	if err != nil || ticket == nil {
		t.Fatalf("NotifyFunctionCompleted() = (%v, %v)", ticket, err)
	}
	f.start(t)
	if _, err := waitTicket(t, ticket); err != nil {
		t.Fatalf("ticket error = %v", err)
	}
	if got := f.orch.History()[1].Text(); got != "first" {
		t.Fatalf("user turn = %q, want %q", got, "first")
	}
	if f.history.Len() != 3 {
		t.Fatalf("history length = %d, want 3", f.history.Len())
	}
}

func TestTurnOrchestratorUpstreamErrorKeepsUserTurnOnly(t *testing.T) {
	boom := errors.New("model exploded")
	f := newFixture(func(ctx context.Context, n int, req llm.ChatRequest, onDelta llm.DeltaHandler) (llm.ChatResponse, error) {
		if n == 1 {
			return llm.ChatResponse{}, boom
		}
		return echoReply(ctx, n, req, onDelta)
	})
	f.start(t)

	if _, err := waitTicket(t, must(f.orch.HandleChatTrigger("hello"))); !errors.Is(err, boom) {
		t.Fatalf("ticket error = %v, want %v", err, boom)
	}
	if got := roles(f.orch.History()); got != "system,user" {
		t.Fatalf("roles after failure = %s", got)
	}

	if _, err := waitTicket(t, must(f.orch.HandleChatTrigger("again"))); err != nil {
		t.Fatalf("second ticket error = %v", err)
	}
	if got := roles(f.orch.History()); got != "system,user,user,assistant" {
		t.Fatalf("roles after recovery = %s", got)
	}
	if got := f.listener.ended(); len(got) != 2 || got[0] != "failed" || got[1] != "completed" {
		t.Fatalf("reply ends = %q", got)
	}
}

func TestTurnOrchestratorRetriesRetryableErrorBeforeFirstDelta(t *testing.T) {
	f := newFixture(func(ctx context.Context, n int, req llm.ChatRequest, onDelta llm.DeltaHandler) (llm.ChatResponse, error) {
		if n == 1 {
			return llm.ChatResponse{}, &reliability.StatusError{Provider: "test", StatusCode: 503}
		}
		return echoReply(ctx, n, req, onDelta)
	})
	f.start(t)

	outcome, err := waitTicket(t, must(f.orch.HandleChatTrigger("hello")))
	if err != nil {
		t.Fatalf("ticket error = %v", err)
	}
	if outcome.Text != "Reply to hello." {
		t.Fatalf("Text = %q", outcome.Text)
	}
	if got := len(f.adapter.calls()); got != 2 {
		t.Fatalf("adapter calls = %d, want 2", got)
	}
}

func TestTurnOrchestratorNewTriggerInterruptsReply(t *testing.T) {
	streaming := make(chan struct{})
	f := newFixture(func(ctx context.Context, n int, req llm.ChatRequest, onDelta llm.DeltaHandler) (llm.ChatResponse, error) {
		if n == 2 {
			if err := onDelta("Partial answer. "); err != nil {
				return llm.ChatResponse{}, err
			}
			close(streaming)
			<-ctx.Done()
			return llm.ChatResponse{}, ctx.Err()
		}
		return echoReply(ctx, n, req, onDelta)
	})
	f.start(t)

	if _, err := waitTicket(t, must(f.orch.HandleChatTrigger("hello"))); err != nil {
		t.Fatalf("warm-up ticket error = %v", err)
	}
	before := f.orch.History()

	first := must(f.orch.HandleChatTrigger("tell me a story"))
	<-streaming
	second := must(f.orch.HandleChatTrigger("stop, what time is it"))

	outcome, err := waitTicket(t, first)
	if err != nil {
		t.Fatalf("first ticket error = %v", err)
	}
	if !outcome.Interrupted || outcome.Text != "Partial answer. " {
		t.Fatalf("first outcome = %+v, want interrupted partial text", outcome)
	}
	if _, err := waitTicket(t, second); err != nil {
		t.Fatalf("second ticket error = %v", err)
	}

	turns := f.orch.History()
	if got := roles(turns); got != "system,user,assistant,user,assistant,user,assistant" {
		t.Fatalf("roles = %s", got)
	}
	for i, turn := range before {
		got := turns[i]
		if !got.CreatedAt.Equal(turn.CreatedAt) || got.Role != turn.Role || got.Text() != turn.Text() || got.Interrupted != turn.Interrupted {
			t.Fatalf("earlier turn %d = %+v, want unchanged %+v", i, got, turn)
		}
	}
	if turns[2].Interrupted || turns[2].Text() != "Reply to hello." {
		t.Fatalf("completed turn = %+v", turns[2])
	}
	if !turns[4].Interrupted || turns[4].Text() != "Partial answer." {
		t.Fatalf("interrupted turn = %+v", turns[4])
	}
	if turns[6].Interrupted {
		t.Fatalf("second reply marked interrupted")
	}
	if got := f.listener.ended(); len(got) != 3 || got[1] != "interrupted" || got[2] != "completed" {
		t.Fatalf("reply ends = %q", got)
	}
}

// gatedListener holds the worker inside the first user-turn notification.
type gatedListener struct {
	recordingListener
	appended chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (l *gatedListener) TurnAppended(_ int, turn conversation.Turn) {
	if turn.Role != conversation.RoleUser {
		return
	}
	l.once.Do(func() {
		close(l.appended)
		<-l.release
	})
}

func TestTurnOrchestratorInterruptsTurnBeforePlaybackStarts(t *testing.T) {
	cases := []struct {
		name      string
		interrupt func(t *testing.T, o *TurnOrchestrator) *Ticket
		roles     string
	}{
		{
			name: "new trigger",
			interrupt: func(t *testing.T, o *TurnOrchestrator) *Ticket {
				return must(o.HandleChatTrigger("second"))
			},
			roles: "system,user,user,assistant",
		},
		{
			name: "barge-in",
			interrupt: func(t *testing.T, o *TurnOrchestrator) *Ticket {
				if !o.Interrupt() {
					t.Fatalf("Interrupt() = false while a turn is in flight")
				}
				return nil
			},
			roles: "system,user",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(echoReply)
			gate := &gatedListener{appended: make(chan struct{}), release: make(chan struct{})}
			f.orch.listener = gate
			f.start(t)

			first := must(f.orch.HandleChatTrigger("first"))
			<-gate.appended
			second := tc.interrupt(t, f.orch)
			close(gate.release)

			outcome, err := waitTicket(t, first)
			if err != nil {
				t.Fatalf("first ticket error = %v", err)
			}
			if !outcome.Interrupted || outcome.Text != "" {
				t.Fatalf("first outcome = %+v, want interrupted with no text", outcome)
			}
			if second != nil {
				if _, err := waitTicket(t, second); err != nil {
					t.Fatalf("second ticket error = %v", err)
				}
			}
			if got := roles(f.orch.History()); got != tc.roles {
				t.Fatalf("roles = %s, want %s", got, tc.roles)
			}
		})
	}
}

func TestTurnOrchestratorInterruptWithoutReplyIsNoop(t *testing.T) {
	f := newFixture(echoReply)
	if f.orch.Interrupt() {
		t.Fatalf("Interrupt() = true while idle")
	}
}

func TestTurnOrchestratorSayAppendsAssistantTurn(t *testing.T) {
	f := newFixture(echoReply)
	f.start(t)

	outcome, err := waitTicket(t, must(f.orch.Say("Hi there! How can I help?")))
	if err != nil {
		t.Fatalf("Say ticket error = %v", err)
	}
	if outcome.Text != "Hi there! How can I help?" {
		t.Fatalf("Text = %q", outcome.Text)
	}
	turns := f.orch.History()
	if got := roles(turns); got != "system,assistant" {
		t.Fatalf("roles = %s", got)
	}
	if len(f.adapter.calls()) != 0 {
		t.Fatalf("Say must not call the model")
	}
}

func TestTurnOrchestratorClosedRejectsAndDrains(t *testing.T) {
	f := newFixture(echoReply)
	pending := must(f.orch.HandleChatTrigger("never processed"))
	f.orch.Close()

	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := waitTicket(t, pending); !errors.Is(err, ErrClosed) {
		t.Fatalf("pending ticket error = %v, want %v", err, ErrClosed)
	}
	if _, err := f.orch.HandleChatTrigger("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleChatTrigger() after close error = %v, want %v", err, ErrClosed)
	}
	if f.history.Len() != 1 {
		t.Fatalf("history length = %d, want only the system turn", f.history.Len())
	}
}

func TestTurnOrchestratorCloseWithoutRunResolvesPending(t *testing.T) {
	f := newFixture(echoReply)
	pending := must(f.orch.HandleChatTrigger("queued"))
	greeting := must(f.orch.Say("hello"))
	f.orch.Close()

	for _, ticket := range []*Ticket{pending, greeting} {
		if _, err := waitTicket(t, ticket); !errors.Is(err, ErrClosed) {
			t.Fatalf("ticket error = %v, want %v", err, ErrClosed)
		}
	}
	if f.orch.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", f.orch.Pending())
	}
}

func TestTurnOrchestratorStopsWithContext(t *testing.T) {
	f := newFixture(echoReply)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
	if _, err := f.orch.Say("hello"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Say() after stop error = %v, want %v", err, ErrClosed)
	}
}

func must(ticket *Ticket, err error) *Ticket {
	if err != nil {
		panic(err)
	}
	return ticket
}
