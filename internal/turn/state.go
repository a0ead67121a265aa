// Package turn drives the per-call conversation loop: voice activity
// detection over inbound frames, streaming transcription, the reply
// decision, and cancellable speech synthesis.
//
// The central type is [Controller], a state machine owning one call's
// pipeline. It consumes the call's inbound frame sequence, cuts it into
// turns at speech boundaries, and publishes synthesised reply frames
// outbound. A new speech onset while a reply is being synthesised or played
// preempts the reply (barge-in) within one frame period.
//
// This package lives under internal/ because it encapsulates
// application-private orchestration logic and is not intended to be imported
// by external code.
package turn

import "fmt"

// State is the controller's position in the conversation loop.
type State int

const (
	// StateIdle is the initial state before Run starts consuming frames.
	StateIdle State = iota

	// StateListening waits for a VAD speech onset.
	StateListening

	// StateTranscribing forwards speech frames to an open transcription
	// session until the speech segment ends.
	StateTranscribing

	// StateDeciding waits for the dialog policy to produce reply text and
	// for the synthesis stream to open.
	StateDeciding

	// StateSynthesizing consumes synthesised frames before the first one
	// has been published outbound.
	StateSynthesizing

	// StatePlaying publishes synthesised frames outbound until the reply
	// completes or is preempted.
	StatePlaying

	// StatePreempted is the terminal state of a turn cancelled by barge-in.
	// The controller itself never rests here; it records the preempted turn
	// and immediately begins transcribing the interrupting speech.
	StatePreempted
)

// String returns the lower-snake name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening_for_speech"
	case StateTranscribing:
		return "transcribing"
	case StateDeciding:
		return "deciding"
	case StateSynthesizing:
		return "synthesizing"
	case StatePlaying:
		return "playing"
	case StatePreempted:
		return "preempted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// speaking reports whether the state holds a live synthesis handle.
func (s State) speaking() bool {
	return s == StateSynthesizing || s == StatePlaying
}
