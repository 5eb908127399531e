package room

import (
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/alloy/internal/media"
)

func TestJoinPublishNotifiesChange(t *testing.T) {
	r := New("s1")
	changed := r.Changed()

	p, err := r.Join("user")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatalf("Join did not signal change")
	}

	changed = r.Changed()
	if _, err := p.Publish("cam", KindVideo); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatalf("Publish did not signal change")
	}

	if got := len(p.TrackPublications()); got != 1 {
		t.Fatalf("TrackPublications() len = %d, want 1", got)
	}
}

func TestTrackPushKeepsNewestFrame(t *testing.T) {
	r := New("s1")
	p, _ := r.Join("user")
	track, _ := p.Publish("cam", KindVideo)

	first := &media.Frame{TrackSID: "1"}
	second := &media.Frame{TrackSID: "2"}
	if !track.Push(first) || !track.Push(second) {
		t.Fatalf("Push() should succeed on a live track")
	}

	got := <-track.Frames()
	if got != second {
		t.Fatalf("Frames() yielded %q, want newest frame", got.TrackSID)
	}
}

func TestUnpublishEndsFrameSequence(t *testing.T) {
	r := New("s1")
	p, _ := r.Join("user")
	track, _ := p.Publish("cam", KindVideo)

	if err := p.Unpublish("cam"); err != nil {
		t.Fatalf("Unpublish() error = %v", err)
	}
	if _, ok := <-track.Frames(); ok {
		t.Fatalf("frame channel should be closed after unpublish")
	}
	if track.Subscribed() {
		t.Fatalf("Subscribed() = true after unpublish")
	}
	if track.Push(&media.Frame{}) {
		t.Fatalf("Push() on ended track should fail")
	}
	if err := p.Unpublish("cam"); !errors.Is(err, ErrTrackNotFound) {
		t.Fatalf("second Unpublish() error = %v, want %v", err, ErrTrackNotFound)
	}
}

func TestDisconnectEndsTracksAndRejectsJoin(t *testing.T) {
	r := New("s1")
	p, _ := r.Join("user")
	track, _ := p.Publish("cam", KindVideo)

	r.Disconnect()
	r.Disconnect()

	if r.ConnectionState() != StateDisconnected {
		t.Fatalf("ConnectionState() = %q, want %q", r.ConnectionState(), StateDisconnected)
	}
	if _, ok := <-track.Frames(); ok {
		t.Fatalf("frame channel should be closed after disconnect")
	}
	if _, err := r.Join("late"); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Join() after disconnect error = %v, want %v", err, ErrDisconnected)
	}
	if got := len(r.RemoteParticipants()); got != 0 {
		t.Fatalf("RemoteParticipants() len = %d, want 0", got)
	}
}

func TestLeavePreservesJoinOrder(t *testing.T) {
	r := New("s1")
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Join(id); err != nil {
			t.Fatalf("Join(%q) error = %v", id, err)
		}
	}
	if err := r.Leave("b"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	got := r.RemoteParticipants()
	if len(got) != 2 || got[0].Identity() != "a" || got[1].Identity() != "c" {
		t.Fatalf("RemoteParticipants() = %v, want [a c]", identities(got))
	}
}

func identities(ps []*Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Identity())
	}
	return out
}
