package conversation

import (
	"testing"

	"github.com/ent0n29/alloy/internal/media"
)

func TestNewHistoryStartsWithSingleSystemTurn(t *testing.T) {
	h := NewHistory("Your name is Alloy.")
	turns := h.Snapshot()
	if len(turns) != 1 {
		t.Fatalf("len(turns) = %d, want 1", len(turns))
	}
	if turns[0].Role != RoleSystem || turns[0].Text() != "Your name is Alloy." {
		t.Fatalf("first turn = %+v", turns[0])
	}
}

func TestAppendIsOrderedAndIsolated(t *testing.T) {
	h := NewHistory("sys")
	parts := []Part{TextPart("what is this"), FramePart(&media.Frame{MIMEType: "image/png"})}
	if idx := h.Append(Turn{Role: RoleUser, Parts: parts}); idx != 1 {
		t.Fatalf("Append() index = %d, want 1", idx)
	}
	h.Append(Turn{Role: RoleAssistant, Parts: []Part{TextPart("a cat")}})

	parts[0].Text = "mutated"
	snap := h.Snapshot()
	snap[1].Parts[0].Text = "mutated again"

	turns := h.Snapshot()
	if len(turns) != 3 {
		t.Fatalf("len(turns) = %d, want 3", len(turns))
	}
	if turns[1].Text() != "what is this" {
		t.Fatalf("user turn text = %q, want original", turns[1].Text())
	}
	if !turns[1].HasFrame() {
		t.Fatalf("user turn should keep its frame")
	}
	if turns[2].Role != RoleAssistant || turns[2].CreatedAt.IsZero() {
		t.Fatalf("assistant turn = %+v", turns[2])
	}
	last, ok := h.Last()
	if !ok || last.Text() != "a cat" {
		t.Fatalf("Last() = %+v, %v", last, ok)
	}
}

func TestTurnTextSkipsFrameParts(t *testing.T) {
	turn := Turn{Parts: []Part{TextPart("one"), FramePart(&media.Frame{}), TextPart("two")}}
	if got := turn.Text(); got != "one two" {
		t.Fatalf("Text() = %q, want %q", got, "one two")
	}
}
