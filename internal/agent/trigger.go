package agent

import (
	"context"
	"errors"
)

// Source names where a trigger came from.
type Source string

const (
	SourceChat       Source = "chat"
	SourceSpeech     Source = "speech"
	SourceVisionCall Source = "vision_call"
	SourceGreeting   Source = "greeting"
)

var (
	ErrClosed      = errors.New("turn orchestrator closed")
	ErrInterrupted = errors.New("reply interrupted by a newer trigger")
)

// Trigger is one request for an assistant reply. It is consumed once.
type Trigger struct {
	Text        string
	WantsVision bool
	Source      Source
}

// Outcome describes a processed trigger or utterance.
type Outcome struct {
	TurnID        string
	Text          string
	Interrupted   bool
	AttachedFrame bool
	// Calls is the number of function calls the model requested.
	Calls int
}

// Ticket resolves once its trigger has been processed.
type Ticket struct {
	done    chan struct{}
	outcome Outcome
	err     error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) resolve(outcome Outcome, err error) {
	t.outcome = outcome
	t.err = err
	close(t.done)
}

// Done is closed when the outcome is available.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (t *Ticket) Result() (Outcome, error) {
	return t.outcome, t.err
}

// Wait blocks until the ticket resolves or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-t.done:
		return t.outcome, t.err
	}
}
