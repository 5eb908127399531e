package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/alloy/internal/media"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is either a text segment or an attached frame.
type Part struct {
	Text  string       `json:"text,omitempty"`
	Frame *media.Frame `json:"-"`
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func FramePart(frame *media.Frame) Part {
	return Part{Frame: frame}
}

type Turn struct {
	Role        Role      `json:"role"`
	Parts       []Part    `json:"parts"`
	Interrupted bool      `json:"interrupted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Text joins the text parts of the turn.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

func (t Turn) HasFrame() bool {
	for _, p := range t.Parts {
		if p.Frame != nil {
			return true
		}
	}
	return false
}

// History is the append-only transcript of one session. It starts with a
// single system turn. Appends must come from one writer; snapshots are
// safe from any goroutine.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewHistory(systemPrompt string) *History {
	return &History{
		turns: []Turn{{
			Role:      RoleSystem,
			Parts:     []Part{TextPart(systemPrompt)},
			CreatedAt: time.Now().UTC(),
		}},
	}
}

// Append stores a private copy of turn and returns its position.
func (h *History) Append(turn Turn) int {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.Parts = append([]Part(nil), turn.Parts...)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turn)
	return len(h.turns) - 1
}

func (h *History) Snapshot() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	for i, turn := range h.turns {
		turn.Parts = append([]Part(nil), turn.Parts...)
		out[i] = turn
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

func (h *History) Last() (Turn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.turns) == 0 {
		return Turn{}, false
	}
	turn := h.turns[len(h.turns)-1]
	turn.Parts = append([]Part(nil), turn.Parts...)
	return turn, true
}
