package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives recorded events. Aggregator satisfies it; additional sinks
// (e.g., a durable archive) can be fanned out to.
type Sink interface {
	Ingest(LatencyEvent)
}

// defaultQueueCapacity bounds the recorder's delivery queue. 100 calls at
// ~6 events per turn leave ample headroom; overflow drops rather than
// blocks.
const defaultQueueCapacity = 4096

// RecorderOption is a functional option for Recorder.
type RecorderOption func(*Recorder)

// WithQueueCapacity overrides the delivery queue capacity.
func WithQueueCapacity(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueCap = n
		}
	}
}

// WithClockMillis overrides the monotonic millisecond clock. Intended for
// tests that need deterministic timestamps.
func WithClockMillis(clock func() uint64) RecorderOption {
	return func(r *Recorder) {
		r.nowMs = clock
	}
}

// Recorder stamps pipeline milestones and ships them asynchronously to its
// sinks. Mark never blocks: events are queued, and when the queue is full
// they are dropped and counted. A milestone stamped earlier than a previous
// milestone of the same turn is logged and dropped; the turn continues.
type Recorder struct {
	log      *slog.Logger
	sinks    []Sink
	nowMs    func() uint64
	queueCap int

	queue chan LatencyEvent
	done  chan struct{}

	mu       sync.Mutex
	lastTs   map[string]uint64 // call/turn -> last accepted timestamp
	marks    int
	dropped  atomic.Uint64
	shutdown atomic.Bool
}

// NewRecorder creates a Recorder delivering to the given sinks and starts
// its delivery goroutine. Call Close to drain and stop it.
func NewRecorder(log *slog.Logger, sinks []Sink, opts ...RecorderOption) *Recorder {
	epoch := time.Now()
	r := &Recorder{
		log:      log,
		sinks:    sinks,
		nowMs:    func() uint64 { return uint64(time.Since(epoch) / time.Millisecond) },
		queueCap: defaultQueueCapacity,
		done:     make(chan struct{}),
		lastTs:   make(map[string]uint64),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan LatencyEvent, r.queueCap)
	go r.deliver()
	return r
}

// Mark stamps milestone m for the given call and turn with the current
// monotonic timestamp. Fire-and-forget: delivery failure, queue overflow,
// and clock regressions never propagate to the caller.
func (r *Recorder) Mark(callID, turnID string, m Milestone) {
	if r.shutdown.Load() {
		return
	}
	ts := r.nowMs()
	key := callID + "/" + turnID

	r.mu.Lock()
	if last, ok := r.lastTs[key]; ok && ts < last {
		r.mu.Unlock()
		r.log.Warn("clock regression, dropping milestone",
			"call_id", callID, "turn_id", turnID,
			"milestone", m.String(), "ts_ms", ts, "last_ts_ms", last)
		return
	}
	r.lastTs[key] = ts
	if m == MilestonePlaybackStart {
		delete(r.lastTs, key)
	}
	r.marks++
	if r.marks%1024 == 0 && len(r.lastTs) > 4096 {
		// Turns abandoned before playback leave entries behind; cap the map
		// by clearing it wholesale. Worst case one spurious regression check
		// is lost per active turn.
		r.lastTs = make(map[string]uint64)
	}
	r.mu.Unlock()

	e := LatencyEvent{
		Schema:    SchemaVersion,
		CallID:    callID,
		TurnID:    turnID,
		Milestone: m,
		TsMs:      ts,
	}
	select {
	case r.queue <- e:
	default:
		n := r.dropped.Add(1)
		if n%100 == 1 {
			r.log.Warn("telemetry queue full, dropping events",
				"dropped_total", n)
		}
	}
}

// Dropped reports how many events have been discarded due to queue
// overflow.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops accepting marks, drains the queue into the sinks, and waits
// for delivery to finish.
func (r *Recorder) Close() {
	if r.shutdown.Swap(true) {
		return
	}
	close(r.queue)
	<-r.done
}

func (r *Recorder) deliver() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			s.Ingest(e)
		}
	}
}
