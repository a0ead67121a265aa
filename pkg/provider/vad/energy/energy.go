// Package energy implements a pure-Go [vad.Engine] based on RMS signal energy.
//
// The detector uses hysteresis between a speech and a silence threshold to
// avoid flickering at segment boundaries: speech onset requires a short run of
// consecutive frames above the speech threshold, and segment end requires the
// configured hangover of consecutive frames below the silence threshold.
// Aggressiveness (0–3) selects how many consecutive loud frames are needed
// before SpeechStart fires, trading onset latency against false positives.
//
// An energy detector is deliberately model-free: it needs no weights, adds no
// per-frame allocation, and is fast enough to run inline in the 20 ms frame
// loop for hundreds of concurrent calls.
package energy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/turnline-ai/turnline/pkg/audio"
	"github.com/turnline-ai/turnline/pkg/provider/vad"
)

// defaultHangover keeps a speech segment open across brief pauses.
const defaultHangover = 200 * time.Millisecond

// preset holds the tuning values selected by an aggressiveness level.
type preset struct {
	speechThreshold  float64 // normalised RMS to count a frame as speech
	silenceThreshold float64 // normalised RMS below which a frame counts as silence
	startFrames      int     // consecutive speech frames before SpeechStart
}

// presets maps aggressiveness 0–3 to detector tunings. Level 0 waits for
// ~80 ms of sustained speech at 20 ms cadence; level 3 triggers on a single
// loud frame.
var presets = [4]preset{
	{speechThreshold: 0.030, silenceThreshold: 0.015, startFrames: 4},
	{speechThreshold: 0.022, silenceThreshold: 0.011, startFrames: 3},
	{speechThreshold: 0.015, silenceThreshold: 0.008, startFrames: 2},
	{speechThreshold: 0.010, silenceThreshold: 0.005, startFrames: 1},
}

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// Compile-time assertion that Engine satisfies [vad.Engine].
var _ vad.Engine = (*Engine)(nil)

// New returns a new energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession creates a detection session for one call direction.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate %d is invalid", cfg.SampleRate)
	}
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("energy: frame duration %v is invalid", cfg.FrameDuration)
	}
	if cfg.Aggressiveness < 0 || cfg.Aggressiveness > 3 {
		return nil, fmt.Errorf("energy: aggressiveness %d out of range [0, 3]", cfg.Aggressiveness)
	}
	hangover := cfg.Hangover
	if hangover <= 0 {
		hangover = defaultHangover
	}
	hangoverFrames := int(hangover / cfg.FrameDuration)
	if hangoverFrames < 1 {
		hangoverFrames = 1
	}

	p := presets[cfg.Aggressiveness]
	return &session{
		frameBytes:     audio.FrameBytes(cfg.SampleRate, cfg.FrameDuration),
		preset:         p,
		hangoverFrames: hangoverFrames,
	}, nil
}

// session holds the per-call detection state.
type session struct {
	frameBytes     int
	preset         preset
	hangoverFrames int

	inSpeech     bool
	speechCount  int // consecutive loud frames while out of speech
	silenceCount int // consecutive quiet frames while in speech
	closed       bool
}

var _ vad.SessionHandle = (*session)(nil)

var errClosed = errors.New("energy: session closed")

// ProcessFrame classifies one frame and advances the boundary state machine.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	level := rms(audio.BytesToInt16s(frame))
	ev := vad.Event{Level: level}

	if !s.inSpeech {
		if level >= s.preset.speechThreshold {
			s.speechCount++
			if s.speechCount >= s.preset.startFrames {
				s.inSpeech = true
				s.speechCount = 0
				s.silenceCount = 0
				ev.Type = vad.SpeechStart
				return ev, nil
			}
		} else {
			s.speechCount = 0
		}
		ev.Type = vad.Silence
		return ev, nil
	}

	if level < s.preset.silenceThreshold {
		s.silenceCount++
		if s.silenceCount >= s.hangoverFrames {
			s.inSpeech = false
			s.silenceCount = 0
			ev.Type = vad.SpeechEnd
			return ev, nil
		}
	} else {
		s.silenceCount = 0
	}
	ev.Type = vad.SpeechContinue
	return ev, nil
}

// Reset clears all detection state so the session can be reused on a
// restarted stream.
func (s *session) Reset() {
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

// Close marks the session closed. Subsequent ProcessFrame calls fail.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// rms returns the root-mean-square level of the samples normalised to [0, 1].
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
