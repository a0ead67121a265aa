// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened for a speech segment, a session accepts raw PCM
// audio frames and emits two streams of Transcript values — low-latency
// partials for responsiveness and an authoritative final for the turn. A
// session covers at most one turn: the pipeline opens a handle on SpeechStart,
// pushes frames while the segment lasts, and closes the handle on SpeechEnd,
// at which point the provider flushes and emits its final transcript.
//
// Implementations must be safe for concurrent use across sessions. Audio
// input and transcript output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline default is
	// 16000.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// SessionHandle represents an open STT streaming session for one speech
// segment. It is an interface so that test code can provide mock
// implementations without a live provider connection.
//
// Callers must call Close when the segment ends. Failing to do so may leak
// goroutines and network connections inside the provider implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate agreed in
	// StreamConfig (little-endian 16-bit mono). Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. The
	// channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits the authoritative
	// Transcript once the provider has committed to a recognition result.
	// At most one final is emitted per session. The channel is closed when
	// the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio, waits for the provider to finalise, and
	// releases all associated resources. After Close returns, the Partials
	// and Finals channels are closed. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Many sessions may be open
// simultaneously (one per call currently inside a speech segment).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, transport failure, or ctx already cancelled).
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
