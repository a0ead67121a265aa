package turn

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/turnline-ai/turnline/internal/dialog"
	"github.com/turnline-ai/turnline/internal/resilience"
	"github.com/turnline-ai/turnline/internal/telemetry"
	"github.com/turnline-ai/turnline/pkg/audio"
	"github.com/turnline-ai/turnline/pkg/provider/stt"
	sttmock "github.com/turnline-ai/turnline/pkg/provider/stt/mock"
	"github.com/turnline-ai/turnline/pkg/provider/tts"
	ttsmock "github.com/turnline-ai/turnline/pkg/provider/tts/mock"
	"github.com/turnline-ai/turnline/pkg/provider/vad"
	vadmock "github.com/turnline-ai/turnline/pkg/provider/vad/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// captureMetrics records controller observations for assertions.
type captureMetrics struct {
	mu             sync.Mutex
	completed      int
	bargeIns       int
	providerErrors []string
}

func (m *captureMetrics) TurnCompleted(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *captureMetrics) BargeIn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bargeIns++
}

func (m *captureMetrics) ProviderError(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providerErrors = append(m.providerErrors, stage)
}

func (m *captureMetrics) snapshot() (int, int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed, m.bargeIns, append([]string(nil), m.providerErrors...)
}

// fixture bundles one controller with its collaborators and a running Run
// goroutine.
type fixture struct {
	in       chan audio.Frame
	out      *audio.FrameChannel
	agg      *telemetry.Aggregator
	rec      *telemetry.Recorder
	sttProv  *sttmock.Provider
	ttsProv  *ttsmock.Provider
	metrics  *captureMetrics
	runErr   chan error
	nextSeq  uint64
	stopOnce sync.Once
}

func newFixture(t *testing.T, vadSess vad.SessionHandle, sttProv *sttmock.Provider, ttsProv *ttsmock.Provider, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		in:      make(chan audio.Frame),
		out:     audio.NewFrameChannel(64),
		agg:     telemetry.NewAggregator(discardLogger()),
		sttProv: sttProv,
		ttsProv: ttsProv,
		metrics: &captureMetrics{},
		runErr:  make(chan error, 1),
	}
	f.rec = telemetry.NewRecorder(discardLogger(), []telemetry.Sink{f.agg})

	cfg.CallID = "call-under-test"
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Millisecond
	}
	ctrl, err := NewController(cfg, Deps{
		VAD:      vadSess,
		STT:      sttProv,
		TTS:      ttsProv,
		Policy:   dialog.EchoPolicy{},
		Recorder: f.rec,
		Out:      f.out,
		Logger:   discardLogger(),
		Metrics:  f.metrics,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	go func() {
		f.runErr <- ctrl.Run(context.Background(), f.in)
	}()
	t.Cleanup(func() {
		f.stop(t)
		f.rec.Close()
	})
	return f
}

// sendFrame delivers one inbound frame with the next sequence number.
func (f *fixture) sendFrame(t *testing.T) {
	t.Helper()
	frame := audio.Frame{PCM: make([]byte, 640), Seq: f.nextSeq, Captured: time.Now()}
	f.nextSeq++
	select {
	case f.in <- frame:
	case <-time.After(2 * time.Second):
		t.Fatal("controller stopped consuming frames")
	}
}

// stop closes the inbound channel and waits for Run to return.
func (f *fixture) stop(t *testing.T) error {
	t.Helper()
	var err error
	f.stopOnce.Do(func() {
		close(f.in)
		select {
		case err = <-f.runErr:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after input closed")
		}
	})
	return err
}

// collectOutbound reads n frames from the outbound channel.
func (f *fixture) collectOutbound(t *testing.T, n int) []audio.Frame {
	t.Helper()
	frames := make([]audio.Frame, 0, n)
	for len(frames) < n {
		select {
		case fr, ok := <-f.out.Frames():
			if !ok {
				t.Fatalf("outbound closed after %d frames, want %d", len(frames), n)
			}
			frames = append(frames, fr)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d outbound frames, want %d", len(frames), n)
		}
	}
	return frames
}

func sttSessionWithFinal(text string) *sttmock.Session {
	s := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 4),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	s.FinalsCh <- stt.Transcript{Text: text, IsFinal: true, Confidence: 0.97}
	return s
}

func replyFrames(n int) []audio.Frame {
	frames := make([]audio.Frame, n)
	for i := range frames {
		frames[i] = audio.Frame{PCM: make([]byte, 640), Seq: uint64(i)}
	}
	return frames
}

func TestController_RoundTrip(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{Events: []vad.Event{
		{Type: vad.SpeechStart, Level: 0.8},
		{Type: vad.SpeechContinue, Level: 0.7},
		{Type: vad.SpeechEnd},
	}}
	sttProv := &sttmock.Provider{Session: sttSessionWithFinal("good morning")}
	ttsProv := &ttsmock.Provider{Frames: replyFrames(3)}

	f := newFixture(t, vadSess, sttProv, ttsProv, Config{})

	f.sendFrame(t) // speech start
	f.sendFrame(t) // speech continue
	f.sendFrame(t) // speech end, flushes the final

	out := f.collectOutbound(t, 3)
	for i, fr := range out {
		if fr.Seq != uint64(i) {
			t.Errorf("outbound frame %d: seq = %d, want %d", i, fr.Seq, i)
		}
	}

	if err := f.stop(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	f.rec.Close()

	// The completed turn contributes exactly one round trip.
	if s := f.agg.Summary(60); s.Count != 1 {
		t.Errorf("summary count = %d, want 1", s.Count)
	}

	// Milestones of the turn arrive in pipeline order.
	wantOrder := []telemetry.Milestone{
		telemetry.MilestoneSpeechStart,
		telemetry.MilestoneSTTFinal,
		telemetry.MilestoneAgentDecision,
		telemetry.MilestoneTTSFirstByte,
		telemetry.MilestonePlaybackStart,
	}
	events := f.agg.RecentEvents(0)
	if len(events) != len(wantOrder) {
		t.Fatalf("recorded %d events, want %d", len(events), len(wantOrder))
	}
	var lastTs uint64
	for i, e := range events {
		if e.Milestone != wantOrder[i] {
			t.Errorf("event %d = %v, want %v", i, e.Milestone, wantOrder[i])
		}
		if e.TsMs < lastTs {
			t.Errorf("event %d timestamp regressed: %d < %d", i, e.TsMs, lastTs)
		}
		lastTs = e.TsMs
	}

	completed, bargeIns, provErrs := f.metrics.snapshot()
	if completed != 1 || bargeIns != 0 || len(provErrs) != 0 {
		t.Errorf("metrics = %d completed, %d barge-ins, %v provider errors",
			completed, bargeIns, provErrs)
	}
}

func TestController_BargeInCancelsReply(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{Events: []vad.Event{
		{Type: vad.SpeechStart, Level: 0.8}, // turn A
		{Type: vad.SpeechEnd},
		{Type: vad.Silence},
		{Type: vad.SpeechStart, Level: 0.9}, // barge-in
	}}
	sttProv := &sttmock.Provider{Session: sttSessionWithFinal("first question")}
	// A long, slowly paced reply so barge-in lands mid-playback.
	ttsProv := &ttsmock.Provider{
		Frames:        replyFrames(200),
		FrameInterval: 5 * time.Millisecond,
	}

	f := newFixture(t, vadSess, sttProv, ttsProv, Config{})

	f.sendFrame(t) // speech start
	f.sendFrame(t) // speech end

	// Wait for playback to begin.
	f.collectOutbound(t, 1)

	f.sendFrame(t) // silence
	f.sendFrame(t) // barge-in speech start

	sessions := ttsProv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("tts sessions = %d, want 1", len(sessions))
	}
	select {
	case <-sessions[0].Done():
	case <-time.After(time.Second):
		t.Fatal("synthesis not cancelled after barge-in")
	}
	if !sessions[0].Cancelled() {
		t.Fatal("session finished without cancellation")
	}

	// Turn B opened a second transcription stream.
	if n := len(sttProv.StartStreamCalls); n != 2 {
		t.Errorf("stt streams = %d, want 2", n)
	}

	if err := f.stop(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	f.rec.Close()

	// The preempted turn emits no round trip.
	if s := f.agg.Summary(60); s.Count != 0 {
		t.Errorf("summary count = %d, want 0 for a preempted turn", s.Count)
	}
	completed, bargeIns, _ := f.metrics.snapshot()
	if completed != 0 {
		t.Errorf("completed turns = %d, want 0", completed)
	}
	if bargeIns != 1 {
		t.Errorf("barge-ins = %d, want 1", bargeIns)
	}
}

func TestController_BargeInDisabled(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{Events: []vad.Event{
		{Type: vad.SpeechStart, Level: 0.8},
		{Type: vad.SpeechEnd},
		{Type: vad.SpeechStart, Level: 0.9}, // would be a barge-in
	}}
	sttProv := &sttmock.Provider{Session: sttSessionWithFinal("keep going")}
	// Short enough to fit the outbound buffer: the controller must never
	// block publishing after the test stops reading.
	ttsProv := &ttsmock.Provider{
		Frames:        replyFrames(50),
		FrameInterval: 2 * time.Millisecond,
	}

	f := newFixture(t, vadSess, sttProv, ttsProv, Config{DisableBargeIn: true})

	f.sendFrame(t)
	f.sendFrame(t)
	f.collectOutbound(t, 1)
	f.sendFrame(t) // ignored speech start

	// The reply keeps flowing.
	f.collectOutbound(t, 20)

	sessions := ttsProv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("tts sessions = %d, want 1", len(sessions))
	}
	if sessions[0].Cancelled() {
		t.Error("reply cancelled despite barge-in being disabled")
	}
	if n := len(sttProv.StartStreamCalls); n != 1 {
		t.Errorf("stt streams = %d, want 1", n)
	}
}

func TestController_STTRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{Events: []vad.Event{
		{Type: vad.SpeechStart, Level: 0.8},
		{Type: vad.SpeechEnd},
	}}
	sttProv := &sttmock.Provider{
		Session: sttSessionWithFinal("retry me"),
		StartStreamErrs: []error{
			errors.New("transport reset"),
			errors.New("transport reset"),
		},
	}
	ttsProv := &ttsmock.Provider{Frames: replyFrames(2)}

	f := newFixture(t, vadSess, sttProv, ttsProv, Config{
		Retry: resilience.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond},
	})

	f.sendFrame(t)
	f.sendFrame(t)
	f.collectOutbound(t, 2)

	if n := len(sttProv.StartStreamCalls); n != 3 {
		t.Errorf("stt start attempts = %d, want 3", n)
	}
	completed, _, provErrs := f.metrics.snapshot()
	if completed != 1 || len(provErrs) != 0 {
		t.Errorf("metrics = %d completed, %v provider errors; want 1 and none",
			completed, provErrs)
	}
}

func TestController_STTExhaustedDegradesCallContinues(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{Events: []vad.Event{
		{Type: vad.SpeechStart, Level: 0.8}, // segment 1: provider down
		{Type: vad.SpeechEnd},
		{Type: vad.SpeechStart, Level: 0.8}, // segment 2: provider recovered
		{Type: vad.SpeechEnd},
	}}
	down := errors.New("provider down")
	sttProv := &sttmock.Provider{
		Session:         sttSessionWithFinal("still here"),
		StartStreamErrs: []error{down, down, down},
	}
	ttsProv := &ttsmock.Provider{Frames: replyFrames(2)}

	f := newFixture(t, vadSess, sttProv, ttsProv, Config{
		Retry: resilience.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond},
	})

	f.sendFrame(t) // segment 1 speech start: all three attempts fail
	f.sendFrame(t) // speech end of the dropped segment
	f.sendFrame(t) // segment 2 speech start
	f.sendFrame(t) // segment 2 speech end

	// The call survived the outage and the second segment replied.
	f.collectOutbound(t, 2)

	if err := f.stop(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if n := len(sttProv.StartStreamCalls); n != 4 {
		t.Errorf("stt start attempts = %d, want 4", n)
	}
	completed, _, provErrs := f.metrics.snapshot()
	if completed != 1 {
		t.Errorf("completed turns = %d, want 1", completed)
	}
	if len(provErrs) != 1 || provErrs[0] != "stt" {
		t.Errorf("provider errors = %v, want [stt]", provErrs)
	}
}

func TestController_OutOfOrderFrameIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &vadmock.Session{}, &sttmock.Provider{}, &ttsmock.Provider{}, Config{})

	f.in <- audio.Frame{PCM: make([]byte, 640), Seq: 0}
	f.in <- audio.Frame{PCM: make([]byte, 640), Seq: 2} // gap

	select {
	case err := <-f.runErr:
		if !errors.Is(err, ErrInputOrdering) {
			t.Fatalf("Run error = %v, want ErrInputOrdering", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not fail on out-of-order frame")
	}
	f.stopOnce.Do(func() {}) // Run already returned; skip the cleanup stop
}

// transcriptPerStream opens a fresh session carrying one canned final for
// every speech segment.
type transcriptPerStream struct{}

func (transcriptPerStream) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return sttSessionWithFinal("again"), nil
}

// replyOverlapGuard wraps a tts provider and counts streams opened while an
// earlier reply is neither cancelled nor finished.
type replyOverlapGuard struct {
	inner    *ttsmock.Provider
	mu       sync.Mutex
	overlaps int
}

func (g *replyOverlapGuard) StartStream(ctx context.Context, text string, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	g.mu.Lock()
	for _, s := range g.inner.Sessions() {
		live := !s.Cancelled()
		if live {
			// A naturally completed session settles immediately; only a
			// reply still emitting survives the grace wait.
			select {
			case <-s.Done():
				live = false
			case <-time.After(50 * time.Millisecond):
			}
		}
		if live {
			g.overlaps++
		}
	}
	g.mu.Unlock()
	return g.inner.StartStream(ctx, text, cfg)
}

func (g *replyOverlapGuard) overlapCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.overlaps
}

func TestController_RandomOnsetsKeepSingleReply(t *testing.T) {
	t.Parallel()

	seed := time.Now().UnixNano()
	rng := rand.New(rand.NewSource(seed))
	t.Logf("onset seed %d", seed)

	// Random alternation of silence gaps and speech runs. Each run honours
	// the VAD contract: one SpeechStart, a short body, one SpeechEnd.
	var events []vad.Event
	const runs = 12
	for range runs {
		for range rng.Intn(3) {
			events = append(events, vad.Event{Type: vad.Silence})
		}
		events = append(events, vad.Event{Type: vad.SpeechStart, Level: 0.9})
		for range rng.Intn(3) {
			events = append(events, vad.Event{Type: vad.SpeechContinue, Level: 0.8})
		}
		events = append(events, vad.Event{Type: vad.SpeechEnd})
	}

	guard := &replyOverlapGuard{inner: &ttsmock.Provider{
		Frames:        replyFrames(100),
		FrameInterval: 2 * time.Millisecond,
	}}
	out := audio.NewFrameChannel(64)
	agg := telemetry.NewAggregator(discardLogger())
	rec := telemetry.NewRecorder(discardLogger(), []telemetry.Sink{agg})
	defer rec.Close()
	metrics := &captureMetrics{}

	ctrl, err := NewController(Config{
		CallID: "call-under-test",
		Retry:  resilience.RetryConfig{BaseDelay: time.Millisecond},
	}, Deps{
		VAD:      &vadmock.Session{Events: events},
		STT:      transcriptPerStream{},
		TTS:      guard,
		Policy:   dialog.EchoPolicy{},
		Recorder: rec,
		Out:      out,
		Logger:   discardLogger(),
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	in := make(chan audio.Frame)
	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(context.Background(), in) }()

	// Drain outbound continuously; played tracks reply frames delivered.
	var played atomic.Uint64
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range out.Frames() {
			played.Add(1)
		}
	}()

	for i, ev := range events {
		if ev.Type == vad.SpeechStart && rng.Intn(2) == 0 {
			// Let the previous reply reach playback so this onset lands
			// mid-stream. Bounded: a swallowed segment never plays.
			before := played.Load()
			deadline := time.Now().Add(100 * time.Millisecond)
			for played.Load() == before && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
		frame := audio.Frame{PCM: make([]byte, 640), Seq: uint64(i), Captured: time.Now()}
		select {
		case in <- frame:
		case <-time.After(2 * time.Second):
			t.Fatal("controller stopped consuming frames")
		}
		time.Sleep(time.Duration(rng.Intn(3)) * time.Millisecond)
	}

	close(in)
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after input closed")
	}
	<-drained

	// At most one reply is ever live, no matter how the onsets interleave.
	if n := guard.overlapCount(); n != 0 {
		t.Errorf("opened %d synthesis streams while a previous reply was live", n)
	}

	sessions := guard.inner.Sessions()
	if len(sessions) == 0 {
		t.Fatal("no synthesis sessions opened")
	}
	for i, s := range sessions {
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Errorf("session %d still emitting after shutdown", i)
		}
	}

	// Every reported barge-in preempted a real session.
	_, bargeIns, _ := metrics.snapshot()
	cancelled := 0
	for _, s := range sessions {
		if s.Cancelled() {
			cancelled++
		}
	}
	if cancelled < bargeIns {
		t.Errorf("cancelled sessions = %d, want at least the %d barge-ins", cancelled, bargeIns)
	}
}

func TestController_SpeculativePartialDecidesEarly(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{Events: []vad.Event{
		{Type: vad.SpeechStart, Level: 0.8},
		{Type: vad.SpeechContinue, Level: 0.8},
	}}
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	sess.PartialsCh <- stt.Transcript{Text: "lights on", Confidence: 0.95}
	sttProv := &sttmock.Provider{Session: sess}
	ttsProv := &ttsmock.Provider{Frames: replyFrames(2)}

	f := newFixture(t, vadSess, sttProv, ttsProv, Config{
		SpeculativePartials: true,
		PartialConfidence:   0.9,
	})

	f.sendFrame(t)
	f.sendFrame(t)

	// The reply starts without any final transcript: the confident partial
	// triggered the decision and closed the transcription session.
	f.collectOutbound(t, 2)

	if sess.CloseCallCount == 0 {
		t.Error("transcription session not closed after speculative decision")
	}
}
