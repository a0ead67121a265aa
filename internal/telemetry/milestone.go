// Package telemetry records pipeline latency milestones and aggregates them
// into rolling round-trip statistics.
//
// The two primary abstractions are:
//
//   - [Recorder] — stamps named milestones with a monotonic timestamp and
//     ships them asynchronously; recording never blocks the audio path.
//   - [Aggregator] — ingests events from many concurrent calls into sharded
//     rolling windows and computes round-trip percentiles on demand.
//
// This package lives under internal/ because it encapsulates
// application-private orchestration logic and is not intended to be imported
// by external code.
package telemetry

import "fmt"

// Milestone identifies one named point in a turn's pipeline. The set is
// fixed; values appear on the wire using their String form.
type Milestone uint8

const (
	// MilestoneSpeechStart is stamped when VAD detects the onset of speech.
	MilestoneSpeechStart Milestone = iota
	// MilestoneSTTPartial is stamped on the first partial transcript.
	MilestoneSTTPartial
	// MilestoneSTTFinal is stamped on the final transcript.
	MilestoneSTTFinal
	// MilestoneAgentDecision is stamped once the dialog policy has produced
	// reply text.
	MilestoneAgentDecision
	// MilestoneTTSFirstByte is stamped on the first synthesised frame.
	MilestoneTTSFirstByte
	// MilestonePlaybackStart is stamped when the first reply frame is
	// published outbound. It completes the turn's round trip.
	MilestonePlaybackStart

	numMilestones = iota
)

var milestoneNames = [numMilestones]string{
	"speech_start",
	"stt_partial",
	"stt_final",
	"agent_decision",
	"tts_first_byte",
	"playback_start",
}

// String returns the wire name of the milestone.
func (m Milestone) String() string {
	if int(m) < len(milestoneNames) {
		return milestoneNames[m]
	}
	return fmt.Sprintf("milestone(%d)", uint8(m))
}

// ParseMilestone maps a wire name back to its Milestone value.
func ParseMilestone(s string) (Milestone, error) {
	for i, name := range milestoneNames {
		if name == s {
			return Milestone(i), nil
		}
	}
	return 0, fmt.Errorf("telemetry: unknown milestone %q", s)
}

// MarshalText implements encoding.TextMarshaler so Milestone serialises as
// its wire name inside JSON events.
func (m Milestone) MarshalText() ([]byte, error) {
	if int(m) >= len(milestoneNames) {
		return nil, fmt.Errorf("telemetry: invalid milestone value %d", uint8(m))
	}
	return []byte(milestoneNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Milestone) UnmarshalText(text []byte) error {
	parsed, err := ParseMilestone(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
