// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. The entry point is StartStream,
// which takes the full reply text for one turn and returns a SessionHandle
// emitting fixed-duration outbound audio frames as they are synthesised.
//
// Cancellation is central to the design: barge-in must be able to stop an
// in-flight synthesis within one frame period. A handle therefore carries an
// explicit cooperative Cancel that implementations check at every
// produced-frame boundary, and Cancel is idempotent — cancelling after
// natural completion is a no-op.
//
// Implementations must be safe for concurrent use; many synthesis sessions
// may run in parallel (one per call currently speaking).
package tts

import (
	"context"
	"time"

	"github.com/turnline-ai/turnline/pkg/audio"
)

// StreamConfig describes the audio format and voice for a synthesis session.
type StreamConfig struct {
	// SampleRate is the output PCM sample rate in Hz. The pipeline default
	// is 16000.
	SampleRate int

	// FrameDuration is the duration of each emitted frame. The pipeline
	// default is 20 ms.
	FrameDuration time.Duration

	// Voice selects the provider voice (provider-specific identifier).
	Voice string
}

// SessionHandle represents one in-flight synthesis. It is an interface so
// that test code can provide mock implementations with scripted frame pacing.
type SessionHandle interface {
	// Frames returns a read-only channel emitting synthesised frames in
	// order, re-chunked to the configured frame duration. The channel is
	// closed when synthesis completes naturally, is cancelled, or fails;
	// consult Err afterwards to distinguish failure from the other two.
	Frames() <-chan audio.Frame

	// Cancel stops synthesis cooperatively: production halts and any
	// buffered-but-unconsumed frames are discarded no later than the next
	// frame boundary. Cancel is idempotent and a no-op after natural
	// completion.
	Cancel()

	// Err reports a terminal synthesis failure. It is valid once the Frames
	// channel has closed; it returns nil after natural completion or
	// cancellation.
	Err() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// StartStream begins synthesising text and returns a handle emitting the
	// outbound frame sequence. The first emitted frame marks synthesis
	// first-byte for latency accounting.
	//
	// Returns a non-nil error only if the stream cannot be started (e.g.,
	// authentication or transport failure). Errors during synthesis are
	// surfaced through the handle's Err.
	StartStream(ctx context.Context, text string, cfg StreamConfig) (SessionHandle, error)
}
