package telemetry

// SchemaVersion tags every LatencyEvent so consumers can reject events from
// incompatible producers.
const SchemaVersion = 1

// LatencyEvent is one stamped milestone. Immutable once emitted; the
// Recorder creates events and the Aggregator (and any archive sink) only
// reads them.
//
// TsMs is milliseconds on the process's monotonic clock, not wall time, so
// differences between milestones of the same turn are immune to clock
// adjustments.
type LatencyEvent struct {
	Schema    int       `json:"schema"`
	CallID    string    `json:"call_id"`
	TurnID    string    `json:"turn_id"`
	Milestone Milestone `json:"milestone"`
	TsMs      uint64    `json:"ts_ms"`
}

// Summary is the aggregate view of round-trip durations within one rolling
// window. Percentiles use the nearest-rank method: with the window's n
// durations sorted ascending, percentile p is the value at index
// ceil(p*n)-1, clamped to [0, n-1]. An empty window yields zero statistics.
type Summary struct {
	WindowSec uint32  `json:"window_sec"`
	Count     uint32  `json:"count"`
	AvgMs     float64 `json:"avg_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	P99Ms     float64 `json:"p99_ms"`
}
