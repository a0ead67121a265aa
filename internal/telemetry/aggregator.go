package telemetry

import (
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// defaultShardCount partitions ingestion by call ID hash so that up to
	// ~100 concurrent calls do not contend on a single lock.
	defaultShardCount = 16

	// maxSamplesPerShard bounds round-trip sample storage per shard. At one
	// turn every few seconds per call this retains far more than any
	// realistic summary window.
	maxSamplesPerShard = 8192

	// maxRecentEvents bounds the raw-event ring served by the inspection
	// endpoint.
	maxRecentEvents = 200

	// turnMarksTTL is how long an incomplete turn's milestone marks are kept
	// before being swept. Turns cancelled by barge-in never complete, so
	// their marks must not accumulate forever.
	turnMarksTTL = 5 * time.Minute
)

// AggregatorOption is a functional option for Aggregator.
type AggregatorOption func(*Aggregator)

// WithShardCount overrides the number of ingestion shards.
func WithShardCount(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.shardCount = n
		}
	}
}

// WithClock overrides the wall clock used for window eviction. Intended for
// tests.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

// Aggregator ingests LatencyEvents from many concurrent calls and maintains
// rolling windows of round-trip durations. A round trip is the span from a
// turn's speech_start to its playback_start; turns that never reach playback
// (barge-in, degraded replies) contribute no sample.
//
// Ingestion is sharded by call ID hash. Summary takes a consistent per-shard
// snapshot, so it never observes a torn window even while ingestion
// continues.
type Aggregator struct {
	log        *slog.Logger
	now        func() time.Time
	shardCount int
	shards     []*shard

	recentMu sync.Mutex
	recent   []LatencyEvent // ring, newest at the end
}

// shard holds the turn marks and completed round-trip samples for the calls
// hashed to it.
type shard struct {
	mu      sync.Mutex
	turns   map[string]*turnMarks
	samples []sample
	ingests int
}

// turnMarks accumulates the milestone timestamps of one in-flight turn.
type turnMarks struct {
	ts      [numMilestones]uint64
	seen    [numMilestones]bool
	touched time.Time
}

// sample is one completed round trip.
type sample struct {
	at    time.Time
	durMs float64
}

// NewAggregator creates an Aggregator ready for concurrent ingestion.
func NewAggregator(log *slog.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		log:        log,
		now:        time.Now,
		shardCount: defaultShardCount,
	}
	for _, o := range opts {
		o(a)
	}
	a.shards = make([]*shard, a.shardCount)
	for i := range a.shards {
		a.shards[i] = &shard{turns: make(map[string]*turnMarks)}
	}
	return a
}

// Ingest appends one event to the current window. Safe for concurrent use.
// Events with an unknown schema version are dropped.
func (a *Aggregator) Ingest(e LatencyEvent) {
	if e.Schema != SchemaVersion {
		a.log.Warn("dropping event with unknown schema version",
			"schema", e.Schema, "call_id", e.CallID)
		return
	}

	a.recordRecent(e)

	s := a.shards[a.shardFor(e.CallID)]
	now := a.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.CallID + "/" + e.TurnID
	tm := s.turns[key]
	if tm == nil {
		tm = &turnMarks{}
		s.turns[key] = tm
	}

	// A timestamp behind the turn's speech_start means the sender's clock
	// regressed. Log and drop so the window is never poisoned by an
	// underflowed duration; the turn's earlier marks stay valid.
	if tm.seen[MilestoneSpeechStart] && e.TsMs < tm.ts[MilestoneSpeechStart] {
		a.log.Warn("dropping event with regressed timestamp",
			"call_id", e.CallID, "turn_id", e.TurnID,
			"milestone", e.Milestone.String(),
			"ts_ms", e.TsMs, "speech_start_ms", tm.ts[MilestoneSpeechStart])
		return
	}

	tm.ts[e.Milestone] = e.TsMs
	tm.seen[e.Milestone] = true
	tm.touched = now

	if e.Milestone == MilestonePlaybackStart && tm.seen[MilestoneSpeechStart] {
		dur := float64(e.TsMs - tm.ts[MilestoneSpeechStart])
		s.addSample(sample{at: now, durMs: dur})
		delete(s.turns, key)
	}

	s.ingests++
	if s.ingests%256 == 0 {
		s.sweepStaleTurns(now)
	}
}

// addSample appends one completed round trip, trimming the ring when it
// exceeds its bound. Caller holds the shard lock.
func (s *shard) addSample(smp sample) {
	s.samples = append(s.samples, smp)
	if len(s.samples) > maxSamplesPerShard {
		s.samples = append(s.samples[:0], s.samples[len(s.samples)-maxSamplesPerShard:]...)
	}
}

// sweepStaleTurns drops marks of turns that never completed. Caller holds
// the shard lock.
func (s *shard) sweepStaleTurns(now time.Time) {
	for key, tm := range s.turns {
		if now.Sub(tm.touched) > turnMarksTTL {
			delete(s.turns, key)
		}
	}
}

// Summary computes round-trip statistics over samples captured within the
// last windowSec seconds. Idempotent: repeated calls with no new ingestion
// return identical results.
func (a *Aggregator) Summary(windowSec uint32) Summary {
	cutoff := a.now().Add(-time.Duration(windowSec) * time.Second)

	var durs []float64
	for _, s := range a.shards {
		s.mu.Lock()
		// Entries older than the retention horizon are excluded regardless
		// of physical storage; evict them while here.
		i := 0
		for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
			i++
		}
		if i > 0 {
			s.samples = append(s.samples[:0], s.samples[i:]...)
		}
		for _, smp := range s.samples {
			if !smp.at.Before(cutoff) {
				durs = append(durs, smp.durMs)
			}
		}
		s.mu.Unlock()
	}

	out := Summary{WindowSec: windowSec, Count: uint32(len(durs))}
	if len(durs) == 0 {
		return out
	}

	sort.Float64s(durs)
	var sum float64
	for _, d := range durs {
		sum += d
	}
	out.AvgMs = sum / float64(len(durs))
	out.P50Ms = nearestRank(durs, 0.50)
	out.P95Ms = nearestRank(durs, 0.95)
	out.P99Ms = nearestRank(durs, 0.99)
	return out
}

// RecentEvents returns up to limit of the most recently ingested raw events,
// oldest first. limit <= 0 or beyond the retained ring returns everything
// retained.
func (a *Aggregator) RecentEvents(limit int) []LatencyEvent {
	a.recentMu.Lock()
	defer a.recentMu.Unlock()
	n := len(a.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]LatencyEvent, n)
	copy(out, a.recent[len(a.recent)-n:])
	return out
}

func (a *Aggregator) recordRecent(e LatencyEvent) {
	a.recentMu.Lock()
	defer a.recentMu.Unlock()
	a.recent = append(a.recent, e)
	if len(a.recent) > maxRecentEvents {
		a.recent = append(a.recent[:0], a.recent[len(a.recent)-maxRecentEvents:]...)
	}
}

func (a *Aggregator) shardFor(callID string) int {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return int(h.Sum32()) % a.shardCount
}

// nearestRank returns the percentile p of sorted, using index ceil(p*n)-1
// clamped to [0, n-1].
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
