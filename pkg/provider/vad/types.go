package vad

// Event represents a voice activity detection result for a single audio frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Level is the normalised signal level of the frame (0.0–1.0). Reported
	// for diagnostics; boundary decisions are already baked into Type.
	Level float64
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun. Emitted exactly once per
	// contiguous speech run.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech, including pauses still covered
	// by the hangover window.
	SpeechContinue

	// SpeechEnd indicates a speech run has ended: the hangover expired
	// without new speech. Emitted exactly once per run.
	SpeechEnd

	// Silence indicates no active speech.
	Silence
)

// String returns the lower-snake name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}
