package audio

import "time"

// Framer re-chunks an arbitrary PCM byte stream into fixed-size frames with
// consecutive sequence numbers. Streaming synthesis providers return audio in
// whatever chunk sizes their transport produces; the outbound conduit needs
// exact frame-duration blocks.
//
// A Framer is owned by a single goroutine; it is not safe for concurrent use.
type Framer struct {
	frameBytes int
	buf        []byte
	nextSeq    uint64
	now        func() time.Time
}

// NewFramer creates a Framer producing frames of duration d at the given
// sample rate, starting at sequence number 0.
func NewFramer(sampleRate int, d time.Duration) *Framer {
	return &Framer{
		frameBytes: FrameBytes(sampleRate, d),
		now:        time.Now,
	}
}

// Push appends PCM bytes and returns all complete frames now available.
// Returns nil when the buffered data is still shorter than one frame.
func (f *Framer) Push(pcm []byte) []Frame {
	f.buf = append(f.buf, pcm...)

	var frames []Frame
	for len(f.buf) >= f.frameBytes {
		data := make([]byte, f.frameBytes)
		copy(data, f.buf[:f.frameBytes])
		f.buf = f.buf[f.frameBytes:]
		frames = append(frames, Frame{
			PCM:      data,
			Seq:      f.nextSeq,
			Captured: f.now(),
		})
		f.nextSeq++
	}
	return frames
}

// Flush pads any remaining partial frame with silence and returns it, or
// returns (zero, false) when no data is buffered. Call once at end of stream.
func (f *Framer) Flush() (Frame, bool) {
	if len(f.buf) == 0 {
		return Frame{}, false
	}
	data := make([]byte, f.frameBytes)
	copy(data, f.buf)
	f.buf = f.buf[:0]
	frame := Frame{
		PCM:      data,
		Seq:      f.nextSeq,
		Captured: f.now(),
	}
	f.nextSeq++
	return frame, true
}
