package vision

import (
	"sync/atomic"

	"github.com/ent0n29/alloy/internal/media"
)

// FrameCache holds the most recent frame. Writers replace it
// unconditionally; readers see either nothing or a whole frame.
type FrameCache struct {
	latest atomic.Pointer[media.Frame]
	onSet  func(*media.Frame)
}

func NewFrameCache(onSet func(*media.Frame)) *FrameCache {
	return &FrameCache{onSet: onSet}
}

func (c *FrameCache) Set(frame *media.Frame) {
	if frame == nil {
		return
	}
	c.latest.Store(frame)
	if c.onSet != nil {
		c.onSet(frame)
	}
}

// Get returns the latest frame, or nil when none has been captured yet.
func (c *FrameCache) Get() *media.Frame {
	return c.latest.Load()
}
