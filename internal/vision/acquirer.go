package vision

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/alloy/internal/room"
)

type State string

const (
	StateSearching  State = "searching"
	StateStreaming  State = "streaming"
	StateTerminated State = "terminated"
)

const DefaultScanInterval = 250 * time.Millisecond

// Room is the part of a session the acquirer scans for video.
type Room interface {
	ConnectionState() room.ConnectionState
	Changed() <-chan struct{}
	RemoteParticipants() []*room.Participant
}

type AcquirerConfig struct {
	ScanInterval  time.Duration
	Logger        *slog.Logger
	OnStateChange func(State)
}

// Acquirer keeps the frame cache fed from the first available video track
// and rebinds whenever that track goes away, until the room disconnects.
type Acquirer struct {
	room     Room
	cache    *FrameCache
	interval time.Duration
	logger   *slog.Logger
	onState  func(State)

	mu    sync.RWMutex
	state State
	bound string
}

func NewAcquirer(r Room, cache *FrameCache, cfg AcquirerConfig) *Acquirer {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Acquirer{
		room:     r,
		cache:    cache,
		interval: cfg.ScanInterval,
		logger:   cfg.Logger,
		onState:  cfg.OnStateChange,
		state:    StateSearching,
	}
}

func (a *Acquirer) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// BoundTrack returns the sid of the track being streamed, if any.
func (a *Acquirer) BoundTrack() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bound
}

// Run blocks until the room disconnects or ctx is cancelled. Termination is
// not an error and the acquirer cannot be restarted.
func (a *Acquirer) Run(ctx context.Context) error {
	if a.State() == StateTerminated {
		return nil
	}
	timer := time.NewTimer(a.interval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil || a.room.ConnectionState() != room.StateConnected {
			a.setState(StateTerminated, "")
			return nil
		}

		// Grab the change signal before scanning so a publication that lands
		// mid-scan still wakes the wait below.
		changed := a.room.Changed()
		participant, track := a.findVideoTrack()
		if track == nil {
			a.setState(StateSearching, "")
			resetTimer(timer, a.interval)
			select {
			case <-ctx.Done():
			case <-changed:
			case <-timer.C:
			}
			continue
		}

		a.logger.Info("using video track", "track_sid", track.SID(), "participant", participant.Identity())
		a.setState(StateStreaming, track.SID())
		a.stream(ctx, track)
		a.logger.Debug("video track ended", "track_sid", track.SID())
	}
}

func (a *Acquirer) findVideoTrack() (*room.Participant, *room.Track) {
	for _, p := range a.room.RemoteParticipants() {
		for _, t := range p.TrackPublications() {
			if t.Kind() == room.KindVideo && t.Subscribed() {
				return p, t
			}
		}
	}
	return nil, nil
}

func (a *Acquirer) stream(ctx context.Context, track *room.Track) {
	frames := track.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			a.cache.Set(frame)
		}
	}
}

func (a *Acquirer) setState(next State, bound string) {
	a.mu.Lock()
	prev := a.state
	a.state = next
	a.bound = bound
	a.mu.Unlock()

	if prev == next {
		return
	}
	a.logger.Debug("video acquirer state", "from", prev, "to", next)
	if a.onState != nil {
		a.onState(next)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
