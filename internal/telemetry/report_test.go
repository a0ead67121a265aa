package telemetry_test

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/turnline-ai/turnline/internal/telemetry"
)

func u64(v uint64) *uint64   { return &v }
func f64(v float64) *float64 { return &v }

func TestTurnReport_Events(t *testing.T) {
	t.Parallel()
	rep := telemetry.TurnReport{
		Schema:          telemetry.SchemaVersion,
		CallID:          "call-1",
		TurnID:          "turn-1",
		SpeechStartMs:   u64(1000),
		STTFinalMs:      u64(1180),
		PlaybackStartMs: u64(1340),
	}

	events := rep.Events()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	want := []telemetry.Milestone{
		telemetry.MilestoneSpeechStart,
		telemetry.MilestoneSTTFinal,
		telemetry.MilestonePlaybackStart,
	}
	for i, ev := range events {
		if ev.Milestone != want[i] {
			t.Errorf("event %d milestone = %v, want %v", i, ev.Milestone, want[i])
		}
		if ev.CallID != "call-1" || ev.TurnID != "turn-1" {
			t.Errorf("event %d carries ids %s/%s", i, ev.CallID, ev.TurnID)
		}
	}
	if events[2].TsMs != 1340 {
		t.Errorf("playback ts = %d, want 1340", events[2].TsMs)
	}
}

func TestIngestReport_CompleteTurnYieldsOneSample(t *testing.T) {
	t.Parallel()
	agg := telemetry.NewAggregator(slog.New(slog.DiscardHandler))

	agg.IngestReport(telemetry.TurnReport{
		Schema:          telemetry.SchemaVersion,
		CallID:          "call-1",
		TurnID:          "turn-1",
		SpeechStartMs:   u64(1000),
		STTPartialMs:    u64(1120),
		STTFinalMs:      u64(1180),
		AgentDecisionMs: u64(1220),
		TTSFirstByteMs:  u64(1300),
		PlaybackStartMs: u64(1340),
		RoundTripMs:     f64(340),
	})

	sum := agg.Summary(60)
	if sum.Count != 1 {
		t.Fatalf("count = %d, want 1", sum.Count)
	}
	if sum.AvgMs != 340 {
		t.Errorf("avg_ms = %v, want 340", sum.AvgMs)
	}
	if got := agg.RecentEvents(0); len(got) != 6 {
		t.Errorf("recent events = %d, want 6", len(got))
	}
}

func TestIngestReport_RoundTripOnlyStillCounts(t *testing.T) {
	t.Parallel()
	agg := telemetry.NewAggregator(slog.New(slog.DiscardHandler))

	agg.IngestReport(telemetry.TurnReport{
		Schema:      telemetry.SchemaVersion,
		CallID:      "call-1",
		TurnID:      "turn-1",
		RoundTripMs: f64(512),
	})

	sum := agg.Summary(60)
	if sum.Count != 1 || sum.AvgMs != 512 {
		t.Errorf("summary = %+v, want count 1 avg 512", sum)
	}
}

func TestIngestReport_UnknownSchemaDropped(t *testing.T) {
	t.Parallel()
	agg := telemetry.NewAggregator(slog.New(slog.DiscardHandler))

	agg.IngestReport(telemetry.TurnReport{
		Schema:          99,
		CallID:          "call-1",
		TurnID:          "turn-1",
		SpeechStartMs:   u64(1000),
		PlaybackStartMs: u64(1340),
	})

	if sum := agg.Summary(60); sum.Count != 0 {
		t.Errorf("count = %d, want 0", sum.Count)
	}
}

func TestTurnReport_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	raw := `{"schema":1,"call_id":"c","turn_id":"t","speech_start_ms":1000,` +
		`"stt_partial_ms":null,"stt_final_ms":null,"agent_decision_ms":null,` +
		`"tts_first_byte_ms":null,"playback_start_ms":1340,"round_trip_ms":340}`

	var rep telemetry.TurnReport
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.SpeechStartMs == nil || *rep.SpeechStartMs != 1000 {
		t.Errorf("speech_start_ms = %v, want 1000", rep.SpeechStartMs)
	}
	if rep.STTPartialMs != nil {
		t.Errorf("stt_partial_ms should be nil, got %v", *rep.STTPartialMs)
	}
	if rep.RoundTripMs == nil || *rep.RoundTripMs != 340 {
		t.Errorf("round_trip_ms = %v, want 340", rep.RoundTripMs)
	}
}
