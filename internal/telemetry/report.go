package telemetry

// TurnReport is the combined wire form of one completed turn: every stamped
// milestone in a single object, plus the precomputed round trip. Producers
// that buffer a whole turn before posting (rather than streaming milestones
// one at a time) use this shape.
//
// Milestone fields are pointers; nil means the turn never reached that
// milestone. RoundTripMs is authoritative only when one of its endpoint
// milestones is absent — when both speech_start_ms and playback_start_ms are
// present the round trip is derived from them instead.
type TurnReport struct {
	Schema          int      `json:"schema"`
	CallID          string   `json:"call_id"`
	TurnID          string   `json:"turn_id"`
	SpeechStartMs   *uint64  `json:"speech_start_ms"`
	STTPartialMs    *uint64  `json:"stt_partial_ms"`
	STTFinalMs      *uint64  `json:"stt_final_ms"`
	AgentDecisionMs *uint64  `json:"agent_decision_ms"`
	TTSFirstByteMs  *uint64  `json:"tts_first_byte_ms"`
	PlaybackStartMs *uint64  `json:"playback_start_ms"`
	RoundTripMs     *float64 `json:"round_trip_ms"`
}

// Events expands the report into per-milestone LatencyEvents, pipeline order,
// absent milestones skipped.
func (r TurnReport) Events() []LatencyEvent {
	fields := [numMilestones]*uint64{
		MilestoneSpeechStart:   r.SpeechStartMs,
		MilestoneSTTPartial:    r.STTPartialMs,
		MilestoneSTTFinal:      r.STTFinalMs,
		MilestoneAgentDecision: r.AgentDecisionMs,
		MilestoneTTSFirstByte:  r.TTSFirstByteMs,
		MilestonePlaybackStart: r.PlaybackStartMs,
	}

	events := make([]LatencyEvent, 0, numMilestones)
	for m, ts := range fields {
		if ts == nil {
			continue
		}
		events = append(events, LatencyEvent{
			Schema:    r.Schema,
			CallID:    r.CallID,
			TurnID:    r.TurnID,
			Milestone: Milestone(m),
			TsMs:      *ts,
		})
	}
	return events
}

// IngestReport ingests a whole-turn report. Milestones flow through the
// normal ingestion path, so a report with both round-trip endpoints yields
// exactly one sample. A report carrying only round_trip_ms still contributes
// that sample to the window.
func (a *Aggregator) IngestReport(r TurnReport) {
	if r.Schema != SchemaVersion {
		a.log.Warn("dropping report with unknown schema version",
			"schema", r.Schema, "call_id", r.CallID)
		return
	}

	for _, e := range r.Events() {
		a.Ingest(e)
	}

	if r.RoundTripMs != nil && (r.SpeechStartMs == nil || r.PlaybackStartMs == nil) {
		s := a.shards[a.shardFor(r.CallID)]
		s.mu.Lock()
		s.addSample(sample{at: a.now(), durMs: *r.RoundTripMs})
		s.mu.Unlock()
	}
}
