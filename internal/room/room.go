package room

import (
	"errors"
	"sync"

	"github.com/ent0n29/alloy/internal/media"
)

type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

type TrackKind string

const (
	KindVideo TrackKind = "video"
	KindAudio TrackKind = "audio"
)

var (
	ErrDisconnected        = errors.New("room disconnected")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrTrackNotFound       = errors.New("track not found")
)

// Room holds the live participant and track state of one session.
// Every mutation closes the channel returned by Changed and replaces it.
type Room struct {
	mu           sync.Mutex
	name         string
	state        ConnectionState
	participants []*Participant
	changed      chan struct{}
}

func New(name string) *Room {
	return &Room{
		name:    name,
		state:   StateConnected,
		changed: make(chan struct{}),
	}
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) ConnectionState() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Changed returns a channel that is closed on the next membership,
// publication or connection change.
func (r *Room) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// RemoteParticipants lists participants in join order.
func (r *Room) RemoteParticipants() []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

func (r *Room) Participant(identity string) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.identity == identity {
			return p, nil
		}
	}
	return nil, ErrParticipantNotFound
}

// Join adds a participant, or returns the existing one with that identity.
func (r *Room) Join(identity string) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateConnected {
		return nil, ErrDisconnected
	}
	for _, p := range r.participants {
		if p.identity == identity {
			return p, nil
		}
	}
	p := &Participant{identity: identity, room: r}
	r.participants = append(r.participants, p)
	r.notifyLocked()
	return p, nil
}

// Leave removes the participant and ends all of its tracks.
func (r *Room) Leave(identity string) error {
	r.mu.Lock()
	idx := -1
	for i, p := range r.participants {
		if p.identity == identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return ErrParticipantNotFound
	}
	p := r.participants[idx]
	r.participants = append(r.participants[:idx], r.participants[idx+1:]...)
	r.notifyLocked()
	r.mu.Unlock()

	p.endAll()
	return nil
}

// Disconnect marks the room disconnected and ends every track. It is idempotent.
func (r *Room) Disconnect() {
	r.mu.Lock()
	if r.state == StateDisconnected {
		r.mu.Unlock()
		return
	}
	r.state = StateDisconnected
	participants := r.participants
	r.participants = nil
	r.notifyLocked()
	r.mu.Unlock()

	for _, p := range participants {
		p.endAll()
	}
}

func (r *Room) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyLocked()
}

func (r *Room) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

type Participant struct {
	identity string
	room     *Room

	mu     sync.Mutex
	tracks []*Track
}

func (p *Participant) Identity() string {
	return p.identity
}

// TrackPublications lists tracks in publication order.
func (p *Participant) TrackPublications() []*Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Track, len(p.tracks))
	copy(out, p.tracks)
	return out
}

// Publish registers a track. Publishing an existing sid returns it unchanged.
func (p *Participant) Publish(sid string, kind TrackKind) (*Track, error) {
	if p.room.ConnectionState() != StateConnected {
		return nil, ErrDisconnected
	}
	p.mu.Lock()
	for _, t := range p.tracks {
		if t.sid == sid {
			p.mu.Unlock()
			return t, nil
		}
	}
	t := newTrack(sid, kind)
	p.tracks = append(p.tracks, t)
	p.mu.Unlock()

	p.room.notify()
	return t, nil
}

func (p *Participant) Unpublish(sid string) error {
	p.mu.Lock()
	idx := -1
	for i, t := range p.tracks {
		if t.sid == sid {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return ErrTrackNotFound
	}
	t := p.tracks[idx]
	p.tracks = append(p.tracks[:idx], p.tracks[idx+1:]...)
	p.mu.Unlock()

	t.End()
	p.room.notify()
	return nil
}

func (p *Participant) Track(sid string) (*Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		if t.sid == sid {
			return t, nil
		}
	}
	return nil, ErrTrackNotFound
}

func (p *Participant) endAll() {
	p.mu.Lock()
	tracks := p.tracks
	p.tracks = nil
	p.mu.Unlock()
	for _, t := range tracks {
		t.End()
	}
}

// Track is a published media track. Video tracks carry decoded frames.
type Track struct {
	sid  string
	kind TrackKind

	mu     sync.Mutex
	frames chan *media.Frame
	ended  bool
}

func newTrack(sid string, kind TrackKind) *Track {
	return &Track{
		sid:    sid,
		kind:   kind,
		frames: make(chan *media.Frame, 1),
	}
}

func (t *Track) SID() string {
	return t.sid
}

func (t *Track) Kind() TrackKind {
	return t.kind
}

// Subscribed reports whether the track can still deliver frames.
func (t *Track) Subscribed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended
}

// Frames yields frames until the track ends. A slow reader only ever sees
// the newest pending frame.
func (t *Track) Frames() <-chan *media.Frame {
	return t.frames
}

// Push delivers a frame without blocking. It reports false once the track has ended.
func (t *Track) Push(frame *media.Frame) bool {
	if frame == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return false
	}
	for {
		select {
		case t.frames <- frame:
			return true
		default:
		}
		select {
		case <-t.frames:
		default:
		}
	}
}

func (t *Track) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	close(t.frames)
}
