// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-call session. Each session maintains its own internal state
// (energy history, hangover countdown) so that concurrent calls can be
// processed independently; nothing is shared between sessions.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency pipeline stage that
// gates STT input and triggers barge-in. Frames must be submitted strictly in
// arrival order — the session relies on contiguity for boundary detection.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines.
package vad

import "time"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Common values: 8000, 16000.
	SampleRate int

	// FrameDuration is the duration of each audio frame. ProcessFrame returns
	// an error if a supplied frame does not match this size.
	FrameDuration time.Duration

	// Aggressiveness tunes how eagerly speech onset is declared, from 0
	// (most conservative, slowest SpeechStart) to 3 (fastest, most prone to
	// false positives). Values outside [0, 3] are rejected.
	Aggressiveness int

	// Hangover is how long the session keeps a speech segment open after the
	// last speech frame before emitting SpeechEnd. It suppresses spurious
	// segment ends during brief pauses. Zero selects the engine default
	// (200 ms).
	Hangover time.Duration
}

// SessionHandle represents an active VAD session for a single call direction.
// It is an interface so that test code can supply mock implementations
// without a live engine. Each session maintains its own detection state;
// Reset clears this state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies a single audio frame and returns the detection
	// result. The frame must be raw little-endian 16-bit mono PCM matching the
	// SampleRate and FrameDuration configured when the session was created.
	// Returns an error if the frame size is wrong.
	//
	// ProcessFrame is called synchronously in the pipeline loop; it must not
	// block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted so
	// stale state from the previous segment cannot leak into the next.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, one session per call.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
