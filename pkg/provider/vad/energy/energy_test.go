package energy_test

import (
	"testing"
	"time"

	"github.com/turnline-ai/turnline/pkg/audio"
	"github.com/turnline-ai/turnline/pkg/provider/vad"
	"github.com/turnline-ai/turnline/pkg/provider/vad/energy"
)

const (
	testSampleRate = 16000
	testFrameDur   = 20 * time.Millisecond
)

// loudFrame returns a frame of constant amplitude well above every speech
// threshold (RMS ≈ 0.12).
func loudFrame(t *testing.T) []byte {
	t.Helper()
	samples := make([]int16, audio.FrameSamples(testSampleRate, testFrameDur))
	for i := range samples {
		samples[i] = 4000
	}
	return audio.Int16sToBytes(samples)
}

// quietFrame returns an all-zero frame (RMS 0).
func quietFrame(t *testing.T) []byte {
	t.Helper()
	return make([]byte, audio.FrameBytes(testSampleRate, testFrameDur))
}

func newSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func process(t *testing.T, sess vad.SessionHandle, frame []byte) vad.Event {
	t.Helper()
	ev, err := sess.ProcessFrame(frame)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return ev
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero sample rate", vad.Config{FrameDuration: testFrameDur, Aggressiveness: 2}},
		{"zero frame duration", vad.Config{SampleRate: testSampleRate, Aggressiveness: 2}},
		{"aggressiveness too high", vad.Config{SampleRate: testSampleRate, FrameDuration: testFrameDur, Aggressiveness: 4}},
		{"aggressiveness negative", vad.Config{SampleRate: testSampleRate, FrameDuration: testFrameDur, Aggressiveness: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := energy.New().NewSession(tc.cfg); err == nil {
				t.Errorf("NewSession(%+v): want error, got nil", tc.cfg)
			}
		})
	}
}

// TestSpeechStartOnset verifies that higher aggressiveness declares speech
// onset in fewer frames, and that exactly one SpeechStart is emitted per run.
func TestSpeechStartOnset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		aggressiveness int
		wantFrames     int // frame index (1-based) on which SpeechStart fires
	}{
		{0, 4},
		{1, 3},
		{2, 2},
		{3, 1},
	}
	for _, tc := range tests {
		t.Run(vad.SpeechStart.String(), func(t *testing.T) {
			sess := newSession(t, vad.Config{
				SampleRate:     testSampleRate,
				FrameDuration:  testFrameDur,
				Aggressiveness: tc.aggressiveness,
			})

			starts := 0
			for i := 1; i <= 10; i++ {
				ev := process(t, sess, loudFrame(t))
				if ev.Type == vad.SpeechStart {
					starts++
					if i != tc.wantFrames {
						t.Errorf("aggressiveness %d: SpeechStart on frame %d, want %d",
							tc.aggressiveness, i, tc.wantFrames)
					}
				}
			}
			if starts != 1 {
				t.Errorf("aggressiveness %d: %d SpeechStart events, want exactly 1",
					tc.aggressiveness, starts)
			}
		})
	}
}

// TestHangoverSuppressesSpeechEnd verifies that a pause shorter than the
// hangover does not end the segment, and a longer one emits exactly one
// SpeechEnd once the hangover expires.
func TestHangoverSuppressesSpeechEnd(t *testing.T) {
	t.Parallel()

	sess := newSession(t, vad.Config{
		SampleRate:     testSampleRate,
		FrameDuration:  testFrameDur,
		Aggressiveness: 3,
		Hangover:       200 * time.Millisecond, // 10 frames at 20 ms
	})

	if ev := process(t, sess, loudFrame(t)); ev.Type != vad.SpeechStart {
		t.Fatalf("first loud frame: type = %v, want SpeechStart", ev.Type)
	}

	// A 5-frame pause (100 ms) stays within the hangover.
	for i := 0; i < 5; i++ {
		if ev := process(t, sess, quietFrame(t)); ev.Type != vad.SpeechContinue {
			t.Fatalf("pause frame %d: type = %v, want SpeechContinue", i, ev.Type)
		}
	}

	// Resuming speech resets the hangover countdown.
	if ev := process(t, sess, loudFrame(t)); ev.Type != vad.SpeechContinue {
		t.Fatalf("resumed speech: type = %v, want SpeechContinue", ev.Type)
	}

	// A full hangover of silence ends the segment on the 10th quiet frame.
	for i := 0; i < 9; i++ {
		if ev := process(t, sess, quietFrame(t)); ev.Type != vad.SpeechContinue {
			t.Fatalf("hangover frame %d: type = %v, want SpeechContinue", i, ev.Type)
		}
	}
	if ev := process(t, sess, quietFrame(t)); ev.Type != vad.SpeechEnd {
		t.Fatalf("hangover expiry: type = %v, want SpeechEnd", ev.Type)
	}

	// After the segment ends the session reports silence again.
	if ev := process(t, sess, quietFrame(t)); ev.Type != vad.Silence {
		t.Fatalf("post-segment frame: type = %v, want Silence", ev.Type)
	}
}

func TestProcessFrame_WrongSize(t *testing.T) {
	t.Parallel()

	sess := newSession(t, vad.Config{
		SampleRate:     testSampleRate,
		FrameDuration:  testFrameDur,
		Aggressiveness: 2,
	})
	if _, err := sess.ProcessFrame(make([]byte, 100)); err == nil {
		t.Fatal("ProcessFrame with wrong frame size: want error, got nil")
	}
}

func TestReset_ClearsSegmentState(t *testing.T) {
	t.Parallel()

	sess := newSession(t, vad.Config{
		SampleRate:     testSampleRate,
		FrameDuration:  testFrameDur,
		Aggressiveness: 3,
	})
	if ev := process(t, sess, loudFrame(t)); ev.Type != vad.SpeechStart {
		t.Fatalf("type = %v, want SpeechStart", ev.Type)
	}
	sess.Reset()
	// A fresh run after Reset emits SpeechStart again instead of continuing
	// the old segment.
	if ev := process(t, sess, loudFrame(t)); ev.Type != vad.SpeechStart {
		t.Fatalf("after Reset: type = %v, want SpeechStart", ev.Type)
	}
}
