// Package mock provides a mock implementation of the tts.Provider interface
// for testing. Sessions emit scripted frames with optional pacing so tests
// can exercise mid-playback cancellation deterministically.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/turnline-ai/turnline/pkg/audio"
	"github.com/turnline-ai/turnline/pkg/provider/tts"
)

// Provider is a mock tts.Provider. Configure the fields before use; they
// must not be mutated once StartStream has been called.
type Provider struct {
	// Frames is the scripted frame sequence each session emits.
	Frames []audio.Frame

	// FrameInterval, when non-zero, is the delay before each emitted frame.
	// Zero emits as fast as the consumer reads.
	FrameInterval time.Duration

	// StreamErr, when non-nil, is surfaced through the session's Err after
	// the scripted frames have been emitted.
	StreamErr error

	// StartStreamErrs is consumed one entry per StartStream call; a non-nil
	// entry is returned as the call's error. Calls beyond the slice succeed.
	StartStreamErrs []error

	mu               sync.Mutex
	startStreamCalls []StartStreamCall
	sessions         []*Session
}

// StartStreamCall records the arguments of one StartStream invocation.
type StartStreamCall struct {
	Text string
	Cfg  tts.StreamConfig
}

var _ tts.Provider = (*Provider)(nil)

// StartStream records the call and returns a session emitting the scripted
// frames, or the next scripted error.
func (p *Provider) StartStream(_ context.Context, text string, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	p.mu.Lock()
	n := len(p.startStreamCalls)
	p.startStreamCalls = append(p.startStreamCalls, StartStreamCall{Text: text, Cfg: cfg})
	var err error
	if n < len(p.StartStreamErrs) {
		err = p.StartStreamErrs[n]
	}
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	s := &Session{
		frames:   make(chan audio.Frame),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()

	go s.run(p.Frames, p.FrameInterval, p.StreamErr)
	return s, nil
}

// StartStreamCalls returns a copy of the recorded StartStream invocations.
func (p *Provider) StartStreamCalls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.startStreamCalls...)
}

// Sessions returns the sessions created so far, in creation order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Session is a mock tts.SessionHandle emitting scripted frames.
type Session struct {
	frames   chan audio.Frame
	done     chan struct{}
	finished chan struct{}

	cancelOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ tts.SessionHandle = (*Session)(nil)

// Frames returns the scripted frame stream.
func (s *Session) Frames() <-chan audio.Frame { return s.frames }

// Cancel stops emission. Idempotent; a no-op after natural completion.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
	})
}

// Err returns the configured stream error once Frames has closed, or nil
// after cancellation or natural completion.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancelled reports whether Cancel has been called on this session.
func (s *Session) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed once the session has stopped emitting and closed Frames.
func (s *Session) Done() <-chan struct{} { return s.finished }

func (s *Session) run(frames []audio.Frame, interval time.Duration, streamErr error) {
	defer close(s.finished)
	defer close(s.frames)
	for _, f := range frames {
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-s.done:
				return
			}
		}
		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
	if streamErr != nil {
		s.mu.Lock()
		s.err = streamErr
		s.mu.Unlock()
	}
}
