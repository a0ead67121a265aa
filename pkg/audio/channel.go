package audio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfOrder is returned by [FrameChannel.Publish] when a frame's sequence
// number does not directly follow the previously published frame. Ordering
// violations are fatal to the call: the conduit's contract guarantees the
// reader never observes reordered audio.
var ErrOutOfOrder = errors.New("audio: frame out of order")

// ErrChannelClosed is returned by [FrameChannel.Publish] after Close.
var ErrChannelClosed = errors.New("audio: frame channel closed")

// FrameChannel is a typed conduit of [Frame] values for one direction of one
// call. It enforces the single-writer discipline of the pipeline: exactly one
// goroutine publishes, exactly one consumes, and sequence numbers must
// increase by exactly one per frame.
//
// Close must be called by the publishing side only, after the final Publish.
// The consumer observes termination as the closure of the [FrameChannel.Frames]
// channel.
type FrameChannel struct {
	frames chan Frame

	mu      sync.Mutex
	closed  bool
	haveSeq bool
	lastSeq uint64
}

// NewFrameChannel creates a FrameChannel with the given buffer capacity.
// A capacity of a few frames absorbs scheduling jitter without adding
// meaningful latency; zero makes every Publish a rendezvous.
func NewFrameChannel(capacity int) *FrameChannel {
	return &FrameChannel{frames: make(chan Frame, capacity)}
}

// Publish delivers f to the consumer, blocking while the buffer is full.
// It returns [ErrOutOfOrder] if f.Seq does not directly follow the previous
// frame's sequence number, and [ErrChannelClosed] after Close. The first
// published frame establishes the base sequence number.
func (c *FrameChannel) Publish(f Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.haveSeq && f.Seq != c.lastSeq+1 {
		want := c.lastSeq + 1
		c.mu.Unlock()
		return fmt.Errorf("%w: got seq %d, want %d", ErrOutOfOrder, f.Seq, want)
	}
	c.haveSeq = true
	c.lastSeq = f.Seq
	c.mu.Unlock()

	c.frames <- f
	return nil
}

// Frames returns the receive side of the conduit. The channel is closed by
// [FrameChannel.Close]; consumers should range over it.
func (c *FrameChannel) Frames() <-chan Frame {
	return c.frames
}

// Close terminates the conduit. It must only be called by the publishing
// goroutine; calling it concurrently with Publish is a contract violation.
// Close is idempotent.
func (c *FrameChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.frames)
}
