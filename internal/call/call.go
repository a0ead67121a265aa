// Package call manages the lifecycle of concurrent voice calls. A [Call]
// bundles everything one caller needs — a VAD session, a turn controller, and
// the inbound/outbound frame conduits — and the [Manager] tracks active calls,
// enforces the concurrency cap, and tears calls down on hangup or fatal
// pipeline errors.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/turnline-ai/turnline/pkg/audio"
	"github.com/turnline-ai/turnline/pkg/provider/vad"
)

// ErrCallEnded is returned by Write and PushFrame once the call's pipeline
// has stopped, whether by hangup or by a fatal error.
var ErrCallEnded = errors.New("call: call has ended")

// Call is one active voice call. Audio flows in through [Call.Write] or
// [Call.PushFrame] and replies flow out of [Call.Output]. A call ends when
// the caller hangs up ([Call.Hangup]), the manager shuts down, or the
// pipeline hits a fatal input-contract violation; [Call.Done] closes and
// [Call.Err] reports why.
//
// Write and PushFrame are mutually exclusive styles of feeding audio: a
// transport uses exactly one of them for the lifetime of the call.
type Call struct {
	id        string
	startedAt time.Time

	in      chan audio.Frame
	out     *audio.FrameChannel
	vadSess vad.SessionHandle
	cancel  context.CancelFunc
	done    chan struct{}

	// pushMu serialises transport writes so the framer and the in channel
	// see frames from one goroutine at a time.
	pushMu sync.Mutex
	framer *audio.Framer

	drainOnce sync.Once

	errMu sync.Mutex
	err   error
}

// ID returns the call's unique identifier.
func (c *Call) ID() string { return c.id }

// StartedAt returns when the call was accepted.
func (c *Call) StartedAt() time.Time { return c.startedAt }

// Output returns the outbound frame stream carrying synthesised replies.
// The channel closes when the call ends.
func (c *Call) Output() <-chan audio.Frame {
	return c.out.Frames()
}

// Done closes when the call's pipeline has fully stopped.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err returns the terminal pipeline error, or nil for a clean hangup.
// Valid after Done closes.
func (c *Call) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Call) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// Write feeds raw little-endian 16-bit mono PCM into the call. The bytes are
// re-chunked into pipeline frames and sequenced automatically, so transports
// can deliver audio in whatever block sizes they receive. Blocks while the
// pipeline is busy; returns [ErrCallEnded] once the call has stopped.
func (c *Call) Write(pcm []byte) error {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	for _, f := range c.framer.Push(pcm) {
		if err := c.send(f); err != nil {
			return err
		}
	}
	return nil
}

// PushFrame feeds one pre-framed, pre-sequenced frame into the call.
// Sequence numbers must increase by exactly one per frame; a gap is a fatal
// input-contract violation that ends the call.
func (c *Call) PushFrame(f audio.Frame) error {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	return c.send(f)
}

func (c *Call) send(f audio.Frame) error {
	select {
	case <-c.done:
		return ErrCallEnded
	default:
	}
	select {
	case c.in <- f:
		return nil
	case <-c.done:
		return ErrCallEnded
	}
}

// Hangup asks the pipeline to stop. It returns immediately; wait on
// [Call.Done] for teardown to finish. Safe to call more than once.
//
// Hangup also drains the outbound stream so a pipeline mid-reply can never
// stay blocked publishing frames no transport will read.
func (c *Call) Hangup() {
	c.cancel()
	c.drainOnce.Do(func() {
		go func() {
			for range c.out.Frames() {
			}
		}()
	})
}
