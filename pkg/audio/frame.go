// Package audio provides the frame types and per-call conduits used by the
// turn-taking pipeline.
//
// The atomic unit of transport is the [Frame]: a fixed-duration block of mono
// 16-bit PCM samples carrying a sequence number and a capture timestamp.
// Frames flow through a [FrameChannel] in each direction of a call — inbound
// from the media bridge towards VAD and STT, outbound from TTS towards the
// media bridge. Delivery within a direction is strictly sequential: one
// designated writer, one reader, no reordering.
package audio

import "time"

// Pipeline defaults. The media boundary delivers 20 ms mono frames at 16 kHz
// unless the pipeline is configured otherwise.
const (
	// DefaultSampleRate is the PCM sample rate in Hz.
	DefaultSampleRate = 16000

	// DefaultFrameDuration is the cadence of the pipeline.
	DefaultFrameDuration = 20 * time.Millisecond

	// bytesPerSample is the width of one 16-bit PCM sample.
	bytesPerSample = 2
)

// Frame is a single fixed-duration block of audio samples. Frames are
// immutable once published: consumers must not modify PCM in place.
type Frame struct {
	// PCM is little-endian 16-bit mono PCM data.
	PCM []byte

	// Seq is the position of this frame within its direction's stream.
	// Sequence numbers start at any value and must increase by exactly one
	// per frame; a gap or regression is an input-contract violation.
	Seq uint64

	// Captured is the capture (or synthesis) timestamp of the frame.
	Captured time.Time
}

// FrameBytes returns the PCM byte length of one frame of duration d at the
// given sample rate, assuming 16-bit mono samples.
func FrameBytes(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * bytesPerSample
}

// FrameSamples returns the number of samples per frame of duration d at the
// given sample rate.
func FrameSamples(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}
